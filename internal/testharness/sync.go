package testharness

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/adb-protocol/adb-go/pkg/wire"
)

// serveSync implements the device side of the sync: file protocol against
// the in-memory file system.
func (dc *devConn) serveSync(devID, clientID uint32) error {
	for {
		p, err := dc.read()
		if err != nil {
			return nil
		}
		if p.Command == wire.CommandClose {
			return dc.write(wire.NewPacket(wire.CommandClose, devID, clientID, nil))
		}
		if p.Command != wire.CommandWrite {
			return fmt.Errorf("harness sync: unexpected %s", p.Command)
		}
		if err := dc.write(wire.NewPacket(wire.CommandOkay, devID, clientID, nil)); err != nil {
			return err
		}

		req, err := wire.DecodeSyncRequest(p.Payload)
		if err != nil {
			return err
		}
		rest := p.Payload[wire.SyncRequestSize:]

		switch req.Command {
		case wire.SyncStat:
			if err := dc.syncStat(devID, clientID, string(rest[:req.Arg])); err != nil {
				return err
			}
		case wire.SyncList:
			if err := dc.syncList(devID, clientID, string(rest[:req.Arg])); err != nil {
				return err
			}
		case wire.SyncRecv:
			if err := dc.syncRecv(devID, clientID, string(rest[:req.Arg])); err != nil {
				return err
			}
		case wire.SyncSend:
			if err := dc.syncSend(devID, clientID, string(rest[:req.Arg])); err != nil {
				return err
			}
		case wire.SyncQuit:
			return dc.closeStream(devID, clientID)
		default:
			return fmt.Errorf("harness sync: unknown record %s", req.Command)
		}
	}
}

// lookup finds a seeded or pushed file.
func (dc *devConn) lookup(p string) (*File, bool) {
	if f, ok := dc.srv.opts.Files[p]; ok {
		return f, true
	}
	return dc.srv.Pushed(p)
}

// syncStat replies with the literal "STAT" tag plus the 12-byte record;
// all-zero for a missing path. The reply is not acknowledged.
func (dc *devConn) syncStat(devID, clientID uint32, path string) error {
	var rec wire.StatRecord
	if f, ok := dc.lookup(path); ok {
		mode := f.Mode
		if mode == 0 {
			mode = 0o100644
		}
		rec = wire.StatRecord{Mode: mode, Size: uint32(len(f.Content)), Mtime: f.Mtime}
	}
	payload := append(wire.EncodeSyncRequest(wire.SyncStat, 0)[:4], rec.Encode()...)
	return dc.write(wire.NewPacket(wire.CommandWrite, devID, clientID, payload))
}

// syncList streams DENT records for every file under dir, deliberately
// split at awkward boundaries so entries straddle WRTE payloads.
func (dc *devConn) syncList(devID, clientID uint32, dir string) error {
	var stream []byte
	appendU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		stream = append(stream, b[:]...)
	}

	for p, f := range dc.srv.opts.Files {
		if path.Dir(p) != strings.TrimRight(dir, "/") {
			continue
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o100644
		}
		name := path.Base(p)
		stream = append(stream, "DENT"...)
		appendU32(mode)
		appendU32(uint32(len(f.Content)))
		appendU32(f.Mtime)
		appendU32(uint32(len(name)))
		stream = append(stream, name...)
	}
	stream = append(stream, "DONE"...)
	appendU32(0)

	// Split mid-record: 13 bytes puts the boundary inside the first
	// DENT metadata.
	chunk := 13
	for off := 0; off < len(stream); off += chunk {
		end := min(off+chunk, len(stream))
		if err := dc.sendData(devID, clientID, stream[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// syncRecv streams DATA chunks plus the trailing DONE, or FAIL for a
// missing path.
func (dc *devConn) syncRecv(devID, clientID uint32, path string) error {
	f, ok := dc.lookup(path)
	if !ok {
		msg := "No such file or directory"
		payload := append(wire.EncodeSyncRequest(wire.SyncFail, uint32(len(msg))), msg...)
		return dc.sendData(devID, clientID, payload)
	}

	// Two DATA chunks when possible, then DONE in its own frame.
	content := f.Content
	half := len(content) / 2
	chunks := [][]byte{content}
	if half > 0 {
		chunks = [][]byte{content[:half], content[half:]}
	}
	for _, c := range chunks {
		payload := append(wire.EncodeSyncRequest(wire.SyncData, uint32(len(c))), c...)
		if err := dc.sendData(devID, clientID, payload); err != nil {
			return err
		}
	}
	return dc.sendData(devID, clientID, wire.EncodeSyncRequest(wire.SyncDone, f.Mtime))
}

// syncSend collects DATA chunks until DONE, storing the result, then
// reports the sync-level OKAY.
func (dc *devConn) syncSend(devID, clientID uint32, header string) error {
	name, _, ok := strings.Cut(header, ",")
	if !ok {
		name = header
	}

	var content []byte
	var mtime uint32
	for {
		p, err := dc.read()
		if err != nil {
			return err
		}
		if p.Command != wire.CommandWrite {
			return fmt.Errorf("harness sync send: unexpected %s", p.Command)
		}
		if err := dc.write(wire.NewPacket(wire.CommandOkay, devID, clientID, nil)); err != nil {
			return err
		}

		req, err := wire.DecodeSyncRequest(p.Payload)
		if err != nil {
			return err
		}
		switch req.Command {
		case wire.SyncData:
			content = append(content, p.Payload[wire.SyncRequestSize:wire.SyncRequestSize+int(req.Arg)]...)
		case wire.SyncDone:
			mtime = req.Arg
			dc.srv.mu.Lock()
			dc.srv.pushed[name] = &File{Content: content, Mode: 0o100777, Mtime: mtime}
			dc.srv.mu.Unlock()
			// Sync-level OKAY status, unacknowledged.
			return dc.write(wire.NewPacket(wire.CommandWrite, devID, clientID,
				wire.EncodeSyncRequest(wire.SyncOkay, 0)))
		default:
			return fmt.Errorf("harness sync send: unknown record %s", req.Command)
		}
	}
}
