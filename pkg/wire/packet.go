package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the packet header in bytes.
const HeaderSize = 24

// Framing errors.
var (
	// ErrMalformedHeader indicates an unknown command tag or a magic
	// field that does not match the command.
	ErrMalformedHeader = errors.New("malformed packet header")

	// ErrShortRead indicates the transport ended mid-packet.
	ErrShortRead = errors.New("short read")

	// ErrPayloadTooLarge indicates a header declaring a payload beyond
	// the negotiated maximum.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ChecksumError indicates the payload byte sum disagrees with the header.
type ChecksumError struct {
	Expected uint32 // checksum declared in the header
	Actual   uint32 // checksum computed over the payload
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("payload checksum mismatch: header declares 0x%08x, payload sums to 0x%08x",
		e.Expected, e.Actual)
}

// Packet is the atomic ADB wire unit: a 24-byte header plus an optional
// payload. Arg0 and Arg1 are command-specific.
type Packet struct {
	Command Command
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

// NewPacket creates a packet for the given command and arguments.
func NewPacket(cmd Command, arg0, arg1 uint32, payload []byte) Packet {
	return Packet{Command: cmd, Arg0: arg0, Arg1: arg1, Payload: payload}
}

// Checksum computes the ADB payload checksum: the sum of all payload bytes
// as an unsigned 32-bit integer.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// Encode serializes the packet: the six header fields in little-endian
// order followed immediately by the payload. The result has length exactly
// HeaderSize + len(p.Payload).
func (p Packet) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Command))
	binary.LittleEndian.PutUint32(buf[4:8], p.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], p.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(p.Payload)))
	binary.LittleEndian.PutUint32(buf[16:20], Checksum(p.Payload))
	binary.LittleEndian.PutUint32(buf[20:24], p.Command.magic())
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// EncodeHeader serializes only the 24-byte header.
func (p Packet) EncodeHeader() []byte {
	return p.Encode()[:HeaderSize]
}

// header is the decoded form of the 24 header bytes before validation.
type header struct {
	command  uint32
	arg0     uint32
	arg1     uint32
	length   uint32
	checksum uint32
	magic    uint32
}

func decodeHeader(buf []byte) header {
	return header{
		command:  binary.LittleEndian.Uint32(buf[0:4]),
		arg0:     binary.LittleEndian.Uint32(buf[4:8]),
		arg1:     binary.LittleEndian.Uint32(buf[8:12]),
		length:   binary.LittleEndian.Uint32(buf[12:16]),
		checksum: binary.LittleEndian.Uint32(buf[16:20]),
		magic:    binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// validate checks the command tag and magic field.
func (h header) validate() error {
	cmd := Command(h.command)
	if !cmd.Valid() {
		return fmt.Errorf("%w: unknown command 0x%08x", ErrMalformedHeader, h.command)
	}
	if h.magic != cmd.magic() {
		return fmt.Errorf("%w: magic 0x%08x does not match command %s",
			ErrMalformedHeader, h.magic, cmd)
	}
	return nil
}

// Decoder reads packets from an underlying reader, enforcing the header and
// checksum invariants on every packet.
type Decoder struct {
	r          io.Reader
	maxPayload uint32
	headerBuf  [HeaderSize]byte
}

// NewDecoder creates a packet decoder. maxPayload bounds the payload size
// accepted from the peer; zero means DefaultMaxPayload.
func NewDecoder(r io.Reader, maxPayload uint32) *Decoder {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{r: r, maxPayload: maxPayload}
}

// SetMaxPayload updates the accepted payload bound (after CNXN negotiation).
func (d *Decoder) SetMaxPayload(size uint32) {
	d.maxPayload = size
}

// Decode reads exactly one packet. A truncated header or payload yields
// ErrShortRead; io.EOF is returned unchanged when the stream ends cleanly
// between packets.
func (d *Decoder) Decode() (Packet, error) {
	if _, err := io.ReadFull(d.r, d.headerBuf[:]); err != nil {
		if err == io.EOF {
			return Packet{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, fmt.Errorf("%w: header truncated", ErrShortRead)
		}
		return Packet{}, fmt.Errorf("failed to read packet header: %w", err)
	}

	h := decodeHeader(d.headerBuf[:])
	if err := h.validate(); err != nil {
		return Packet{}, err
	}
	if h.length > d.maxPayload {
		return Packet{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.length, d.maxPayload)
	}

	p := Packet{Command: Command(h.command), Arg0: h.arg0, Arg1: h.arg1}
	if h.length > 0 {
		p.Payload = make([]byte, h.length)
		if _, err := io.ReadFull(d.r, p.Payload); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return Packet{}, fmt.Errorf("%w: payload truncated", ErrShortRead)
			}
			return Packet{}, fmt.Errorf("failed to read packet payload: %w", err)
		}
	}

	if sum := Checksum(p.Payload); sum != h.checksum {
		return Packet{}, &ChecksumError{Expected: h.checksum, Actual: sum}
	}

	return p, nil
}

// Decode parses a single packet from buf. The buffer must contain the
// complete packet and nothing else.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortRead, len(buf))
	}
	h := decodeHeader(buf)
	if err := h.validate(); err != nil {
		return Packet{}, err
	}
	if int(h.length) != len(buf)-HeaderSize {
		return Packet{}, fmt.Errorf("%w: header declares %d payload bytes, %d present",
			ErrShortRead, h.length, len(buf)-HeaderSize)
	}
	p := Packet{Command: Command(h.command), Arg0: h.arg0, Arg1: h.arg1}
	if h.length > 0 {
		p.Payload = append([]byte(nil), buf[HeaderSize:]...)
	}
	if sum := Checksum(p.Payload); sum != h.checksum {
		return Packet{}, &ChecksumError{Expected: h.checksum, Actual: sum}
	}
	return p, nil
}
