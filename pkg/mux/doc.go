// Package mux multiplexes many logical sessions over one ADB transport.
//
// A single reader goroutine drains the transport and fans each inbound
// packet out to a bounded per-session FIFO queue, keyed by the session's
// local id (the packet's arg1: the peer writes our id there). Packets that
// arrive before authentication completes land on a separate handshake queue.
// A slow consumer on one session never blocks delivery to another beyond its
// own queue bound; the WRTE/OKAY alternation keeps queues shallow in
// practice.
//
// Sessions are small handles carrying only the id pair and a reference to
// the multiplexer; they never outlive it.
package mux
