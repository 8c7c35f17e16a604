// Package wire implements the ADB transport packet format: the fixed
// 24-byte little-endian header, the seven protocol command tags, and the
// sub-command framing used inside sync: sessions.
//
// A Packet is the atomic wire unit exchanged with a device. Every received
// packet is validated against two invariants before it is handed to upper
// layers: the magic field must equal the command tag XOR 0xFFFFFFFF, and the
// checksum field must equal the byte sum of the payload.
package wire
