package adb

import (
	"fmt"
	"strings"
	"time"

	"github.com/adb-protocol/adb-go/pkg/wire"
)

// EntryType is the file type of a directory entry, taken from bits 13-15
// of the POSIX mode.
type EntryType uint8

const (
	// EntryTypeFile is a regular file.
	EntryTypeFile EntryType = iota
	// EntryTypeDirectory is a directory.
	EntryTypeDirectory
	// EntryTypeSymlink is a symbolic link.
	EntryTypeSymlink
)

// String returns the type name.
func (t EntryType) String() string {
	switch t {
	case EntryTypeFile:
		return "file"
	case EntryTypeDirectory:
		return "directory"
	case EntryTypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// entryTypeFromMode maps mode bits 13-15 onto a type: 010=directory,
// 100=regular file, 101=symlink.
func entryTypeFromMode(mode uint32) (EntryType, error) {
	switch (mode >> 13) & 0b111 {
	case 0b010:
		return EntryTypeDirectory, nil
	case 0b100:
		return EntryTypeFile, nil
	case 0b101:
		return EntryTypeSymlink, nil
	default:
		return 0, fmt.Errorf("unknown file mode %#o", mode)
	}
}

// StatEntry is the metadata of a remote path.
type StatEntry struct {
	// Mode is the raw POSIX mode word. Zero means the path does not
	// exist.
	Mode uint32

	// Size is the file size in bytes.
	Size uint32

	// ModTime is the modification time.
	ModTime time.Time
}

// Permissions returns the low 9 permission bits.
func (s StatEntry) Permissions() uint32 {
	return s.Mode & 0o777
}

// DirEntry is one entry of a remote directory listing.
type DirEntry struct {
	// Name is the entry name, relative to the listed directory.
	Name string

	// Type is the file type from the mode bits.
	Type EntryType

	// Permissions is the low 9 permission bits.
	Permissions uint32

	// Size is the file size in bytes (files < 2 GiB only).
	Size uint32

	// ModTime is the modification time.
	ModTime time.Time
}

// DirEntryFromRecord builds a DirEntry from a decoded DENT record and its
// name bytes.
func DirEntryFromRecord(name string, rec wire.DentRecord) (DirEntry, error) {
	entryType, err := entryTypeFromMode(rec.Mode)
	if err != nil {
		return DirEntry{}, fmt.Errorf("entry %q: %w", name, err)
	}
	return DirEntry{
		Name:        name,
		Type:        entryType,
		Permissions: rec.Mode & 0o777,
		Size:        rec.Size,
		ModTime:     time.Unix(int64(rec.Mtime), 0),
	}, nil
}

// RebootTarget selects the mode a device reboots into.
type RebootTarget string

const (
	// RebootSystem is a normal reboot.
	RebootSystem RebootTarget = ""
	// RebootBootloader reboots into the bootloader.
	RebootBootloader RebootTarget = "bootloader"
	// RebootRecovery reboots into recovery.
	RebootRecovery RebootTarget = "recovery"
	// RebootSideload reboots into recovery sideload mode.
	RebootSideload RebootTarget = "sideload"
	// RebootSideloadAutoReboot sideloads then reboots automatically.
	RebootSideloadAutoReboot RebootTarget = "sideload-auto-reboot"
	// RebootFastboot reboots into fastboot.
	RebootFastboot RebootTarget = "fastboot"
)

// ForwardSpec is a reverse/forward endpoint. Only TCP ports are supported.
type ForwardSpec struct {
	Port uint16
}

// String formats the spec as it appears on the wire.
func (f ForwardSpec) String() string {
	return fmt.Sprintf("tcp:%d", f.Port)
}

// ParseForwardSpec parses "tcp:<port>", tolerating a trailing NUL.
func ParseForwardSpec(s string) (ForwardSpec, error) {
	s = strings.TrimRight(s, "\x00")
	port, ok := strings.CutPrefix(s, "tcp:")
	if !ok {
		return ForwardSpec{}, fmt.Errorf("unsupported forward protocol in %q", s)
	}
	var p uint16
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return ForwardSpec{}, fmt.Errorf("bad forward port in %q: %w", s, err)
	}
	return ForwardSpec{Port: p}, nil
}

// RemountEntry is one "Using <path> for <mode>" line of a remount response.
type RemountEntry struct {
	// Path that was remounted.
	Path string

	// Mode that was used for remounting.
	Mode string
}

// Banner is the parsed payload of a peer's CNXN packet.
type Banner struct {
	// Identity is the part before "::", e.g. "device" or "host".
	Identity string

	// Properties holds the key=value pairs after "::".
	Properties map[string]string
}

// ParseBanner splits a CNXN payload of the form
// "device::ro.product.name=x;ro.product.model=y;".
func ParseBanner(payload []byte) Banner {
	text := strings.TrimRight(string(payload), "\x00")
	identity, props, found := strings.Cut(text, "::")
	b := Banner{Identity: identity, Properties: make(map[string]string)}
	if !found {
		return b
	}
	for _, pair := range strings.Split(props, ";") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		b.Properties[key] = value
	}
	return b
}
