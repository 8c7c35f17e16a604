// Package server is the server-proxied backend: it talks to a locally
// running adb server daemon (port 5037 by convention) with the hex-length
// text framing, and exposes the same Device surface as the direct backends
// by reframing operations into host services.
//
// The server protocol is one request per connection: each command dials,
// sends "<4-hex-length><service>", reads "OKAY"/"FAIL", and either parses a
// length-prefixed body or keeps the stream for raw traffic (shell, sync).
package server
