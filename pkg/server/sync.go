package server

import (
	"fmt"
	"io"
	"time"

	"github.com/adb-protocol/adb-go/pkg/adb"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// syncConn is a device stream switched into the sync protocol: the same
// 8-byte tagged records as the direct backends, carried directly on the
// socket instead of inside WRTE packets.
type syncConn struct {
	*conn
}

// openSync binds a connection and enters sync mode.
func (d *ServerDevice) openSync() (*syncConn, error) {
	c, err := d.service("sync:")
	if err != nil {
		return nil, err
	}
	return &syncConn{conn: c}, nil
}

// request writes one tagged record plus trailing data.
func (sc *syncConn) request(cmd wire.SyncCommand, arg uint32, data []byte) error {
	payload := append(wire.EncodeSyncRequest(cmd, arg), data...)
	_, err := sc.c.Write(payload)
	return err
}

// readRecord reads the next 8-byte record header.
func (sc *syncConn) readRecord() (wire.SyncRequest, error) {
	buf := make([]byte, wire.SyncRequestSize)
	if _, err := io.ReadFull(sc.c, buf); err != nil {
		return wire.SyncRequest{}, err
	}
	return wire.DecodeSyncRequest(buf)
}

// readExact reads n bytes.
func (sc *syncConn) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(sc.c, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// quit ends the sync stream.
func (sc *syncConn) quit() error {
	_ = sc.request(wire.SyncQuit, 0, nil)
	return sc.Close()
}

// Stat returns metadata for a remote path.
func (d *ServerDevice) Stat(path string) (adb.StatEntry, error) {
	sc, err := d.openSync()
	if err != nil {
		return adb.StatEntry{}, err
	}
	defer sc.quit()

	if err := sc.request(wire.SyncStat, uint32(len(path)), []byte(path)); err != nil {
		return adb.StatEntry{}, err
	}

	rec, err := sc.readRecord()
	if err != nil {
		return adb.StatEntry{}, err
	}
	if rec.Command != wire.SyncStat {
		return adb.StatEntry{}, fmt.Errorf("stat reply tagged %s", rec.Command)
	}
	// rec.Arg is the mode; size and mtime follow.
	rest, err := sc.readExact(8)
	if err != nil {
		return adb.StatEntry{}, err
	}
	statRec, err := wire.DecodeStatRecord(append(p32(rec.Arg), rest...))
	if err != nil {
		return adb.StatEntry{}, err
	}
	if statRec.Mode == 0 {
		return adb.StatEntry{}, fmt.Errorf("stat %s: %w", path, adb.ErrNotFound)
	}
	return adb.StatEntry{
		Mode:    statRec.Mode,
		Size:    statRec.Size,
		ModTime: time.Unix(int64(statRec.Mtime), 0),
	}, nil
}

// List returns the entries of a remote directory.
func (d *ServerDevice) List(path string) ([]adb.DirEntry, error) {
	sc, err := d.openSync()
	if err != nil {
		return nil, err
	}
	defer sc.quit()

	if err := sc.request(wire.SyncList, uint32(len(path)), []byte(path)); err != nil {
		return nil, err
	}

	var entries []adb.DirEntry
	for {
		rec, err := sc.readRecord()
		if err != nil {
			return nil, err
		}
		switch rec.Command {
		case wire.SyncDone:
			return entries, nil
		case wire.SyncDent:
			rest, err := sc.readExact(12)
			if err != nil {
				return nil, err
			}
			dent, err := wire.DecodeDentRecord(append(p32(rec.Arg), rest...))
			if err != nil {
				return nil, err
			}
			name, err := sc.readExact(int(dent.NameLen))
			if err != nil {
				return nil, err
			}
			entry, err := adb.DirEntryFromRecord(string(name), dent)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		default:
			return nil, fmt.Errorf("unexpected %s record in listing", rec.Command)
		}
	}
}

// Pull downloads a remote file.
func (d *ServerDevice) Pull(path string, output io.Writer) error {
	if _, err := d.Stat(path); err != nil {
		return err
	}

	sc, err := d.openSync()
	if err != nil {
		return err
	}
	defer sc.quit()

	if err := sc.request(wire.SyncRecv, uint32(len(path)), []byte(path)); err != nil {
		return err
	}

	for {
		rec, err := sc.readRecord()
		if err != nil {
			return err
		}
		switch rec.Command {
		case wire.SyncData:
			if _, err := io.CopyN(output, sc.c, int64(rec.Arg)); err != nil {
				return err
			}
		case wire.SyncDone:
			return nil
		case wire.SyncFail:
			msg, err := sc.readExact(int(rec.Arg))
			if err != nil {
				return err
			}
			return &adb.CommandError{Op: "pull", Message: string(msg)}
		default:
			return fmt.Errorf("unexpected %s record in pull stream", rec.Command)
		}
	}
}

// Push uploads input to a remote path with mode 0777.
func (d *ServerDevice) Push(input io.Reader, path string, mtime time.Time) error {
	sc, err := d.openSync()
	if err != nil {
		return err
	}
	defer sc.quit()

	header := path + ",0777"
	if err := sc.request(wire.SyncSend, uint32(len(header)), []byte(header)); err != nil {
		return err
	}

	buf := make([]byte, adb.SyncMaxChunk)
	for {
		n, rerr := input.Read(buf)
		if n > 0 {
			if err := sc.request(wire.SyncData, uint32(n), buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	var stamp uint32
	if !mtime.IsZero() {
		stamp = uint32(mtime.Unix())
	}
	if err := sc.request(wire.SyncDone, stamp, nil); err != nil {
		return err
	}

	status, err := sc.readRecord()
	if err != nil {
		return err
	}
	switch status.Command {
	case wire.SyncOkay:
		return nil
	case wire.SyncFail:
		msg, err := sc.readExact(int(status.Arg))
		if err != nil {
			return err
		}
		return &adb.CommandError{Op: "push", Message: string(msg)}
	default:
		return fmt.Errorf("unexpected %s push status", status.Command)
	}
}

// p32 encodes a u32 little-endian.
func p32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
