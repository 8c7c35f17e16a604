package adb

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/adb-protocol/adb-go/pkg/log"
	"github.com/adb-protocol/adb-go/pkg/mux"
	"github.com/adb-protocol/adb-go/pkg/transport"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// SyncMaxChunk bounds a single DATA chunk during push. adbd's sync service
// refuses larger chunks regardless of the negotiated max payload.
const SyncMaxChunk = 64 * 1024

// syncSession wraps a sync: session and presents the concatenated WRTE
// payloads as one byte stream. Records (DENT entries, DATA chunks) may
// straddle payload boundaries; readBytes fetches and acknowledges further
// WRTE packets as needed.
type syncSession struct {
	s   *mux.Session
	buf []byte
	pos int
}

// openSync opens the shared file-transfer session.
func (d *MessageDevice) openSync() (*syncSession, error) {
	s, err := d.openSession("sync:")
	if err != nil {
		return nil, err
	}
	return &syncSession{s: s}, nil
}

// request sends one sync sub-command preamble plus trailing data in a
// single WRTE and waits for the OKAY.
func (ss *syncSession) request(cmd wire.SyncCommand, arg uint32, data []byte) error {
	payload := append(wire.EncodeSyncRequest(cmd, arg), data...)
	return ss.s.WriteData(payload)
}

// fetch pulls the next WRTE into the stream buffer, acknowledging it.
func (ss *syncSession) fetch() error {
	p, err := ss.s.ReadAndOkay(transport.NoTimeout)
	if err != nil {
		return err
	}
	switch p.Command {
	case wire.CommandWrite:
		ss.buf = p.Payload
		ss.pos = 0
		return nil
	case wire.CommandClose:
		return mux.ErrSessionClosed
	default:
		return &ProtocolError{Expected: "WRTE", Got: p.Command, Context: "sync"}
	}
}

// readBytes returns exactly n bytes of the sync stream, crossing WRTE
// payload boundaries as needed.
func (ss *syncSession) readBytes(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if ss.pos >= len(ss.buf) {
			if err := ss.fetch(); err != nil {
				return nil, err
			}
		}
		take := min(n-len(out), len(ss.buf)-ss.pos)
		out = append(out, ss.buf[ss.pos:ss.pos+take]...)
		ss.pos += take
	}
	return out, nil
}

// copyBytes streams exactly n bytes of the sync stream into w.
func (ss *syncSession) copyBytes(w io.Writer, n uint32) error {
	remaining := int(n)
	for remaining > 0 {
		if ss.pos >= len(ss.buf) {
			if err := ss.fetch(); err != nil {
				return err
			}
		}
		take := min(remaining, len(ss.buf)-ss.pos)
		if _, err := w.Write(ss.buf[ss.pos : ss.pos+take]); err != nil {
			return err
		}
		ss.pos += take
		remaining -= take
	}
	return nil
}

// readRecord reads the next sub-command preamble from the stream.
func (ss *syncSession) readRecord() (wire.SyncRequest, error) {
	raw, err := ss.readBytes(wire.SyncRequestSize)
	if err != nil {
		return wire.SyncRequest{}, err
	}
	return wire.DecodeSyncRequest(raw)
}

// quit ends the sync session cleanly: QUIT, the peer's CLSE, then the
// client's own CLSE with trailing-echo draining.
func (ss *syncSession) quit() error {
	if err := ss.s.WriteData(wire.EncodeSyncRequest(wire.SyncQuit, 0)); err != nil {
		_ = ss.s.Close()
		return err
	}
	// The peer answers QUIT with CLSE.
	if p, err := ss.s.Read(time.Second); err == nil && p.Command != wire.CommandClose {
		_ = ss.s.Close()
		return &ProtocolError{Expected: "CLSE", Got: p.Command, Context: "sync quit"}
	}
	return ss.s.Close()
}

// logSync emits a sync sub-protocol event.
func (d *MessageDevice) logSync(localID uint32, tag wire.SyncCommand, arg uint32, path string) {
	d.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: d.connID,
		Serial:       d.serial,
		Direction:    log.DirectionOut,
		Layer:        log.LayerDevice,
		Category:     log.CategorySync,
		LocalID:      localID,
		Sync:         &log.SyncEvent{Tag: tag.String(), Arg: arg, Path: path},
	})
}

// statIn performs a STAT on an already-open sync session.
func (d *MessageDevice) statIn(ss *syncSession, path string) (StatEntry, error) {
	d.logSync(ss.s.LocalID(), wire.SyncStat, uint32(len(path)), path)
	if err := ss.request(wire.SyncStat, uint32(len(path)), []byte(path)); err != nil {
		return StatEntry{}, err
	}

	// Reply: one WRTE whose payload is the literal "STAT" plus the
	// 12-byte record.
	p, err := ss.s.Read(transport.NoTimeout)
	if err != nil {
		return StatEntry{}, err
	}
	if p.Command != wire.CommandWrite {
		return StatEntry{}, &ProtocolError{Expected: "WRTE", Got: p.Command, Context: "stat"}
	}
	req, err := wire.DecodeSyncRequest(p.Payload)
	if err != nil {
		return StatEntry{}, err
	}
	if req.Command != wire.SyncStat {
		return StatEntry{}, fmt.Errorf("stat reply tagged %s", req.Command)
	}
	rec, err := wire.DecodeStatRecord(p.Payload[4:])
	if err != nil {
		return StatEntry{}, err
	}
	return StatEntry{
		Mode:    rec.Mode,
		Size:    rec.Size,
		ModTime: time.Unix(int64(rec.Mtime), 0),
	}, nil
}

// Stat returns metadata for a remote path. A mode of zero from the peer
// means the path does not exist and surfaces as ErrNotFound.
func (d *MessageDevice) Stat(path string) (StatEntry, error) {
	ss, err := d.openSync()
	if err != nil {
		return StatEntry{}, err
	}

	entry, err := d.statIn(ss, path)
	if qerr := ss.quit(); err == nil {
		err = qerr
	}
	if err != nil {
		return StatEntry{}, err
	}
	if entry.Mode == 0 {
		return StatEntry{}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
	}
	return entry, nil
}

// List returns the entries of a remote directory. Entries arrive as DENT
// records terminated by DONE and may straddle WRTE boundaries.
func (d *MessageDevice) List(path string) ([]DirEntry, error) {
	ss, err := d.openSync()
	if err != nil {
		return nil, err
	}

	entries, err := d.listIn(ss, path)
	if qerr := ss.quit(); err == nil {
		err = qerr
	}
	return entries, err
}

func (d *MessageDevice) listIn(ss *syncSession, path string) ([]DirEntry, error) {
	d.logSync(ss.s.LocalID(), wire.SyncList, uint32(len(path)), path)
	if err := ss.request(wire.SyncList, uint32(len(path)), []byte(path)); err != nil {
		return nil, err
	}

	var entries []DirEntry
	for {
		rec, err := ss.readRecord()
		if err != nil {
			return nil, err
		}
		switch rec.Command {
		case wire.SyncDone:
			return entries, nil
		case wire.SyncDent:
			// The preamble's arg is the mode; the remaining three
			// metadata words follow.
			rest, err := ss.readBytes(wire.DentRecordSize - 4)
			if err != nil {
				return nil, err
			}
			dent, err := wire.DecodeDentRecord(append(p32(rec.Arg), rest...))
			if err != nil {
				return nil, err
			}
			name, err := ss.readBytes(int(dent.NameLen))
			if err != nil {
				return nil, err
			}
			entry, err := DirEntryFromRecord(string(name), dent)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		default:
			return nil, fmt.Errorf("unexpected %s record in listing", rec.Command)
		}
	}
}

// Pull downloads a remote file into output. The client stats first and
// fails fast on a nonexistent path, then streams DATA chunks until DONE.
func (d *MessageDevice) Pull(path string, output io.Writer) error {
	ss, err := d.openSync()
	if err != nil {
		return err
	}

	err = d.pullIn(ss, path, output)
	if qerr := ss.quit(); err == nil {
		err = qerr
	}
	return err
}

func (d *MessageDevice) pullIn(ss *syncSession, path string, output io.Writer) error {
	entry, err := d.statIn(ss, path)
	if err != nil {
		return err
	}
	if entry.Mode == 0 {
		return fmt.Errorf("pull %s: %w", path, ErrNotFound)
	}

	d.logSync(ss.s.LocalID(), wire.SyncRecv, uint32(len(path)), path)
	if err := ss.request(wire.SyncRecv, uint32(len(path)), []byte(path)); err != nil {
		return err
	}

	for {
		rec, err := ss.readRecord()
		if err != nil {
			return err
		}
		switch rec.Command {
		case wire.SyncData:
			if err := ss.copyBytes(output, rec.Arg); err != nil {
				return err
			}
		case wire.SyncDone:
			return nil
		case wire.SyncFail:
			msg, err := ss.readBytes(int(rec.Arg))
			if err != nil {
				return err
			}
			return &CommandError{Op: "pull", Message: string(msg)}
		default:
			return fmt.Errorf("unexpected %s record in pull stream", rec.Command)
		}
	}
}

// Push uploads input to path on the device with mode 0777. Each DATA chunk
// rides in its own WRTE and waits for its OKAY; the final DONE carries the
// modification time.
func (d *MessageDevice) Push(input io.Reader, path string, mtime time.Time) error {
	ss, err := d.openSync()
	if err != nil {
		return err
	}

	err = d.pushIn(ss, input, path, mtime)
	if qerr := ss.quit(); err == nil {
		err = qerr
	}
	return err
}

func (d *MessageDevice) pushIn(ss *syncSession, input io.Reader, path string, mtime time.Time) error {
	header := path + ",0777"
	d.logSync(ss.s.LocalID(), wire.SyncSend, uint32(len(header)), path)
	if err := ss.request(wire.SyncSend, uint32(len(header)), []byte(header)); err != nil {
		return err
	}

	buf := make([]byte, SyncMaxChunk)
	for {
		n, rerr := input.Read(buf)
		if n > 0 {
			chunk := append(wire.EncodeSyncRequest(wire.SyncData, uint32(n)), buf[:n]...)
			if err := ss.s.WriteData(chunk); err != nil {
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
	d.logSync(ss.s.LocalID(), wire.SyncDone, stamp, path)
	if err := ss.s.WriteData(wire.EncodeSyncRequest(wire.SyncDone, stamp)); err != nil {
		return err
	}

	// The peer reports the transfer result in one final WRTE: a
	// sync-level OKAY, or FAIL plus message.
	p, err := ss.s.Read(transport.NoTimeout)
	if err != nil {
		return err
	}
	if p.Command != wire.CommandWrite {
		return &ProtocolError{Expected: "WRTE", Got: p.Command, Context: "push status"}
	}
	status, err := wire.DecodeSyncRequest(p.Payload)
	if err != nil {
		return err
	}
	switch status.Command {
	case wire.SyncOkay:
		return nil
	case wire.SyncFail:
		msg := p.Payload[wire.SyncRequestSize:]
		if int(status.Arg) <= len(msg) {
			msg = msg[:status.Arg]
		}
		return &CommandError{Op: "push", Message: string(msg)}
	default:
		return fmt.Errorf("unexpected %s push status", status.Command)
	}
}

// PushFile uploads a local file, forwarding its content and modification
// time.
func (d *MessageDevice) PushFile(localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return d.Push(f, remotePath, info.ModTime())
}

// p32 encodes a u32 little-endian.
func p32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
