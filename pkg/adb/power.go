package adb

import (
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/adb-protocol/adb-go/pkg/wire"
)

// remountLine matches the per-partition lines of a remount response.
var remountLine = regexp.MustCompile(`^Using\s+(\S+)\s+for\s+(\S+)$`)

// Reboot restarts the device into the given target. The session OPEN being
// acknowledged is the whole exchange; the device goes down immediately
// after.
func (d *MessageDevice) Reboot(target RebootTarget) error {
	s, err := d.openSession("reboot:" + string(target))
	if err != nil {
		return err
	}
	return s.Close()
}

// Root restarts adbd with root privileges. The existing connection usually
// drops right after; callers reconnect.
func (d *MessageDevice) Root() error {
	return d.openAndClose("root:")
}

// EnableVerity re-enables dm-verity on the device.
func (d *MessageDevice) EnableVerity() error {
	return d.openAndClose("enable-verity:")
}

// DisableVerity disables dm-verity on the device.
func (d *MessageDevice) DisableVerity() error {
	return d.openAndClose("disable-verity:")
}

// openAndClose runs a destination whose success is the OPEN/OKAY exchange
// itself.
func (d *MessageDevice) openAndClose(destination string) error {
	s, err := d.openSession(destination)
	if err != nil {
		return err
	}
	return s.Close()
}

// Remount remounts system partitions read-write. The peer streams text
// lines; the final line must end with "remount succeeded", and each
// "Using <path> for <mode>" line yields one entry.
func (d *MessageDevice) Remount() ([]RemountEntry, error) {
	s, err := d.openSession("remount:")
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for {
		p, err := s.Read(10 * time.Second)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if p.Command == wire.CommandClose {
			break
		}
		if p.Command != wire.CommandWrite {
			continue
		}
		if err := s.SendOkay(); err != nil {
			_ = s.Close()
			return nil, err
		}
		text.Write(p.Payload)
	}
	if err := s.Close(); err != nil {
		return nil, err
	}

	return ParseRemountResponse(text.String())
}

// ParseRemountResponse validates the final status line and extracts the
// per-partition entries.
func ParseRemountResponse(response string) ([]RemountEntry, error) {
	trimmed := strings.TrimSpace(response)
	if !strings.HasSuffix(trimmed, "remount succeeded") {
		return nil, &CommandError{Op: "remount", Message: trimmed}
	}

	var entries []RemountEntry
	for _, line := range strings.Split(trimmed, "\n") {
		m := remountLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		entries = append(entries, RemountEntry{Path: m[1], Mode: m[2]})
	}
	return entries, nil
}

// Logcat streams device logs into output until the stream closes. Output
// is forwarded line by line; a trailing partial line is flushed at the
// end.
func (d *MessageDevice) Logcat(output io.Writer) error {
	lw := newLineWriter(output)
	if err := d.ShellCommand(lw, "exec", "logcat"); err != nil {
		return err
	}
	return lw.Flush()
}

// lineWriter buffers written bytes and forwards only complete lines.
type lineWriter struct {
	w   io.Writer
	buf []byte
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

// Write forwards every complete line in buf, keeping the unterminated tail
// buffered.
func (l *lineWriter) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)

	last := -1
	for i := len(l.buf) - 1; i >= 0; i-- {
		if l.buf[i] == '\n' {
			last = i
			break
		}
	}
	if last >= 0 {
		if _, err := l.w.Write(l.buf[:last+1]); err != nil {
			return 0, err
		}
		l.buf = append(l.buf[:0], l.buf[last+1:]...)
	}
	return len(p), nil
}

// Flush forwards any buffered partial line.
func (l *lineWriter) Flush() error {
	if len(l.buf) == 0 {
		return nil
	}
	_, err := l.w.Write(l.buf)
	l.buf = l.buf[:0]
	return err
}
