package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{
			name:   "connect with banner",
			packet: NewPacket(CommandConnect, ConnectVersion, DefaultMaxPayload, []byte("host::adb-go\x00")),
		},
		{
			name:   "okay without payload",
			packet: NewPacket(CommandOkay, 17, 42, nil),
		},
		{
			name:   "write with binary payload",
			packet: NewPacket(CommandWrite, 1, 2, []byte{0x00, 0xFF, 0x7F, 0x80}),
		},
		{
			name:   "open with destination",
			packet: NewPacket(CommandOpen, 0xDEADBEEF, 0, []byte("shell:\x00")),
		},
		{
			name:   "large payload",
			packet: NewPacket(CommandWrite, 9, 9, bytes.Repeat([]byte{0xAB}, 65536)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.packet.Encode()

			if want := HeaderSize + len(tt.packet.Payload); len(encoded) != want {
				t.Errorf("encoded length = %d, want %d", len(encoded), want)
			}

			decoded, err := NewDecoder(bytes.NewReader(encoded), 0).Decode()
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.Command != tt.packet.Command ||
				decoded.Arg0 != tt.packet.Arg0 ||
				decoded.Arg1 != tt.packet.Arg1 ||
				!bytes.Equal(decoded.Payload, tt.packet.Payload) {
				t.Errorf("round trip mismatch: got %+v, want %+v", decoded, tt.packet)
			}
		})
	}
}

func TestPacketHeaderLayout(t *testing.T) {
	p := NewPacket(CommandWrite, 0x11223344, 0x55667788, []byte("hello"))
	encoded := p.Encode()

	if got := binary.LittleEndian.Uint32(encoded[0:4]); got != uint32(CommandWrite) {
		t.Errorf("command field = 0x%08x, want 0x%08x", got, uint32(CommandWrite))
	}
	if got := binary.LittleEndian.Uint32(encoded[4:8]); got != 0x11223344 {
		t.Errorf("arg0 field = 0x%08x", got)
	}
	if got := binary.LittleEndian.Uint32(encoded[8:12]); got != 0x55667788 {
		t.Errorf("arg1 field = 0x%08x", got)
	}
	if got := binary.LittleEndian.Uint32(encoded[12:16]); got != 5 {
		t.Errorf("length field = %d, want 5", got)
	}
	// "hello" sums to 532
	if got := binary.LittleEndian.Uint32(encoded[16:20]); got != 532 {
		t.Errorf("checksum field = %d, want 532", got)
	}
	if got := binary.LittleEndian.Uint32(encoded[20:24]); got != uint32(CommandWrite)^0xFFFFFFFF {
		t.Errorf("magic field = 0x%08x", got)
	}
}

func TestCommandValues(t *testing.T) {
	// The tag values are ASCII interpreted little-endian and are part of
	// the wire contract.
	tests := []struct {
		cmd  Command
		want uint32
	}{
		{CommandConnect, 0x4E584E43},
		{CommandClose, 0x4553_4C43},
		{CommandAuth, 0x4854_5541},
		{CommandOpen, 0x4E45_504F},
		{CommandWrite, 0x4554_5257},
		{CommandOkay, 0x5941_4B4F},
		{CommandStartTLS, 0x534C_5453},
	}
	for _, tt := range tests {
		if uint32(tt.cmd) != tt.want {
			t.Errorf("%s = 0x%08x, want 0x%08x", tt.cmd, uint32(tt.cmd), tt.want)
		}
		var ascii [4]byte
		binary.LittleEndian.PutUint32(ascii[:], uint32(tt.cmd))
		if string(ascii[:]) != tt.cmd.String() {
			t.Errorf("tag bytes %q do not spell %s", ascii, tt.cmd)
		}
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	p := NewPacket(CommandWrite, 1, 2, []byte("payload"))
	encoded := p.Encode()
	// Corrupt the checksum field: sum(payload) + 1.
	binary.LittleEndian.PutUint32(encoded[16:20], Checksum(p.Payload)+1)

	_, err := NewDecoder(bytes.NewReader(encoded), 0).Decode()
	var cerr *ChecksumError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ChecksumError, got %v", err)
	}
	if cerr.Expected != Checksum(p.Payload)+1 {
		t.Errorf("expected field = %d", cerr.Expected)
	}
	if cerr.Actual != Checksum(p.Payload) {
		t.Errorf("actual field = %d", cerr.Actual)
	}
}

func TestDecodeMalformedHeader(t *testing.T) {
	t.Run("unknown command", func(t *testing.T) {
		buf := make([]byte, HeaderSize)
		binary.LittleEndian.PutUint32(buf[0:4], 0x12345678)
		binary.LittleEndian.PutUint32(buf[20:24], 0x12345678^0xFFFFFFFF)

		_, err := NewDecoder(bytes.NewReader(buf), 0).Decode()
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("expected ErrMalformedHeader, got %v", err)
		}
	})

	t.Run("magic mismatch", func(t *testing.T) {
		p := NewPacket(CommandOkay, 0, 0, nil)
		encoded := p.Encode()
		binary.LittleEndian.PutUint32(encoded[20:24], 0)

		_, err := NewDecoder(bytes.NewReader(encoded), 0).Decode()
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("expected ErrMalformedHeader, got %v", err)
		}
	})
}

func TestDecodeShortRead(t *testing.T) {
	t.Run("truncated header", func(t *testing.T) {
		_, err := NewDecoder(bytes.NewReader([]byte{1, 2, 3}), 0).Decode()
		if !errors.Is(err, ErrShortRead) {
			t.Errorf("expected ErrShortRead, got %v", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		p := NewPacket(CommandWrite, 1, 2, []byte("payload"))
		encoded := p.Encode()
		_, err := NewDecoder(bytes.NewReader(encoded[:HeaderSize+3]), 0).Decode()
		if !errors.Is(err, ErrShortRead) {
			t.Errorf("expected ErrShortRead, got %v", err)
		}
	})

	t.Run("clean EOF between packets", func(t *testing.T) {
		_, err := NewDecoder(bytes.NewReader(nil), 0).Decode()
		if err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}
	})
}

func TestDecodePayloadBound(t *testing.T) {
	p := NewPacket(CommandWrite, 1, 2, bytes.Repeat([]byte{1}, 100))
	_, err := NewDecoder(bytes.NewReader(p.Encode()), 50).Decode()
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeBuffer(t *testing.T) {
	p := NewPacket(CommandAuth, AuthToken, 0, bytes.Repeat([]byte{0x42}, 20))
	decoded, err := Decode(p.Encode())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Arg0 != AuthToken || !bytes.Equal(decoded.Payload, p.Payload) {
		t.Errorf("decoded = %+v", decoded)
	}

	if _, err := Decode(p.Encode()[:10]); !errors.Is(err, ErrShortRead) {
		t.Errorf("expected ErrShortRead for truncated buffer, got %v", err)
	}
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		payload []byte
		want    uint32
	}{
		{nil, 0},
		{[]byte{0}, 0},
		{[]byte{1, 2, 3}, 6},
		{[]byte{0xFF, 0xFF}, 510},
		{[]byte("hello"), 532},
	}
	for _, tt := range tests {
		if got := Checksum(tt.payload); got != tt.want {
			t.Errorf("Checksum(%v) = %d, want %d", tt.payload, got, tt.want)
		}
	}
}
