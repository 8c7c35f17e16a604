package adb

import (
	"encoding/binary"
	"fmt"

	"github.com/adb-protocol/adb-go/pkg/transport"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// Framebuffer header versions.
const (
	// FramebufferV1 is RGBA_8888 with a 48-byte header.
	FramebufferV1 uint32 = 1
	// FramebufferV2 is RGBX_8888; adds a color space word after bpp.
	FramebufferV2 uint32 = 2
)

// FramebufferInfo is the decoded capture header.
type FramebufferInfo struct {
	Version    uint32
	BPP        uint32
	ColorSpace uint32 // version 2 only
	Size       uint32
	Width      uint32
	Height     uint32

	RedOffset   uint32
	RedLength   uint32
	BlueOffset  uint32
	BlueLength  uint32
	GreenOffset uint32
	GreenLength uint32
	AlphaOffset uint32
	AlphaLength uint32
}

// Framebuffer is one captured frame: the header plus raw pixel bytes.
// Image encoding is left to the caller.
type Framebuffer struct {
	Info   FramebufferInfo
	Pixels []byte
}

// framebufferHeaderWords is the header length in u32 words, excluding the
// version tag, per version.
var framebufferHeaderWords = map[uint32]int{
	FramebufferV1: 12,
	FramebufferV2: 13,
}

// decodeFramebufferInfo parses the header words following the version tag.
func decodeFramebufferInfo(version uint32, buf []byte) (FramebufferInfo, error) {
	words, ok := framebufferHeaderWords[version]
	if !ok {
		return FramebufferInfo{}, fmt.Errorf("unsupported framebuffer version %d", version)
	}
	if len(buf) < words*4 {
		return FramebufferInfo{}, fmt.Errorf("framebuffer header truncated: %d bytes", len(buf))
	}

	next := func(i int) uint32 { return binary.LittleEndian.Uint32(buf[i*4 : i*4+4]) }

	info := FramebufferInfo{Version: version, BPP: next(0)}
	i := 1
	if version == FramebufferV2 {
		info.ColorSpace = next(i)
		i++
	}
	info.Size = next(i)
	info.Width = next(i + 1)
	info.Height = next(i + 2)
	info.RedOffset = next(i + 3)
	info.RedLength = next(i + 4)
	info.BlueOffset = next(i + 5)
	info.BlueLength = next(i + 6)
	info.GreenOffset = next(i + 7)
	info.GreenLength = next(i + 8)
	info.AlphaOffset = next(i + 9)
	info.AlphaLength = next(i + 10)
	return info, nil
}

// DecodeFramebuffer parses a complete capture (version tag, header, pixel
// buffer) from a contiguous byte stream, as delivered by the server-proxied
// backend.
func DecodeFramebuffer(raw []byte) (*Framebuffer, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("framebuffer reply too short: %d bytes", len(raw))
	}
	version := binary.LittleEndian.Uint32(raw[:4])
	info, err := decodeFramebufferInfo(version, raw[4:])
	if err != nil {
		return nil, err
	}
	headerLen := 4 + framebufferHeaderWords[version]*4
	pixels := raw[headerLen:]
	if uint32(len(pixels)) != info.Size {
		return nil, fmt.Errorf("framebuffer has %d of %d pixel bytes", len(pixels), info.Size)
	}
	return &Framebuffer{Info: info, Pixels: pixels}, nil
}

// Framebuffer captures one frame of the display. The first WRTE carries the
// version tag and header; the raw pixel buffer follows, possibly spanning
// further WRTE frames, each acknowledged with an OKAY. After exactly
// info.Size bytes the peer closes the session.
func (d *MessageDevice) Framebuffer() (*Framebuffer, error) {
	s, err := d.openSession("framebuffer:")
	if err != nil {
		return nil, err
	}
	defer s.Close()

	first, err := s.ReadAndOkay(transport.NoTimeout)
	if err != nil {
		return nil, err
	}
	if first.Command != wire.CommandWrite {
		return nil, &ProtocolError{Expected: "WRTE", Got: first.Command, Context: "framebuffer"}
	}
	if len(first.Payload) < 4 {
		return nil, fmt.Errorf("framebuffer reply too short: %d bytes", len(first.Payload))
	}

	version := binary.LittleEndian.Uint32(first.Payload[:4])
	info, err := decodeFramebufferInfo(version, first.Payload[4:])
	if err != nil {
		return nil, err
	}

	headerLen := 4 + framebufferHeaderWords[version]*4
	pixels := make([]byte, 0, info.Size)
	pixels = append(pixels, first.Payload[headerLen:]...)

	for uint32(len(pixels)) < info.Size {
		p, err := s.ReadAndOkay(transport.NoTimeout)
		if err != nil {
			return nil, err
		}
		if p.Command == wire.CommandClose {
			return nil, fmt.Errorf("framebuffer stream ended at %d of %d bytes", len(pixels), info.Size)
		}
		pixels = append(pixels, p.Payload...)
	}
	if uint32(len(pixels)) != info.Size {
		return nil, fmt.Errorf("framebuffer overrun: %d of %d bytes", len(pixels), info.Size)
	}

	return &Framebuffer{Info: info, Pixels: pixels}, nil
}
