// Package transport moves ADB packets to and from a device over a raw link.
//
// Two concrete transports are provided: TCPTransport for network devices
// (with an in-place upgrade from plaintext TCP to TLS when the peer requests
// STLS) and USBTransport for devices on USB bulk endpoints. Both serialize
// concurrent writers internally; a transport may be shared across
// goroutines, with one dedicated reader.
package transport
