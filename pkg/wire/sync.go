package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SyncRequestSize is the size of an encoded sync sub-command request.
const SyncRequestSize = 8

// ErrSyncTruncated indicates a sync record shorter than its fixed size.
var ErrSyncTruncated = errors.New("sync record truncated")

// SyncRequest is the fixed preamble of every sync sub-command: a 4-byte tag
// followed by a 4-byte argument, both little-endian. The meaning of Arg is
// tag-specific (path length, chunk length, mtime...).
type SyncRequest struct {
	Command SyncCommand
	Arg     uint32
}

// EncodeSyncRequest serializes the tag and argument.
func EncodeSyncRequest(cmd SyncCommand, arg uint32) []byte {
	buf := make([]byte, SyncRequestSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], arg)
	return buf
}

// DecodeSyncRequest parses a tag+argument pair from the front of buf.
func DecodeSyncRequest(buf []byte) (SyncRequest, error) {
	if len(buf) < SyncRequestSize {
		return SyncRequest{}, fmt.Errorf("%w: %d bytes", ErrSyncTruncated, len(buf))
	}
	return SyncRequest{
		Command: SyncCommand(binary.LittleEndian.Uint32(buf[0:4])),
		Arg:     binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// StatRecordSize is the size of the metadata record following the STAT tag
// in a stat response.
const StatRecordSize = 12

// StatRecord is the 12-byte metadata record of a STAT response. A Mode of
// zero means the remote path does not exist.
type StatRecord struct {
	Mode  uint32
	Size  uint32
	Mtime uint32
}

// DecodeStatRecord parses the 12-byte record that follows the literal
// "STAT" tag in a stat response payload.
func DecodeStatRecord(buf []byte) (StatRecord, error) {
	if len(buf) < StatRecordSize {
		return StatRecord{}, fmt.Errorf("%w: stat record has %d bytes", ErrSyncTruncated, len(buf))
	}
	return StatRecord{
		Mode:  binary.LittleEndian.Uint32(buf[0:4]),
		Size:  binary.LittleEndian.Uint32(buf[4:8]),
		Mtime: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// EncodeStatRecord serializes a stat metadata record.
func (r StatRecord) Encode() []byte {
	buf := make([]byte, StatRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Mode)
	binary.LittleEndian.PutUint32(buf[4:8], r.Size)
	binary.LittleEndian.PutUint32(buf[8:12], r.Mtime)
	return buf
}

// DentRecordSize is the fixed part of a DENT listing entry: mode, size,
// mtime and name length, before the variable-length name bytes.
const DentRecordSize = 16

// DentRecord is the fixed metadata of one directory entry in a LIST
// response. The name bytes follow the record on the wire.
type DentRecord struct {
	Mode    uint32
	Size    uint32
	Mtime   uint32
	NameLen uint32
}

// DecodeDentRecord parses the fixed metadata that follows a DENT tag.
func DecodeDentRecord(buf []byte) (DentRecord, error) {
	if len(buf) < DentRecordSize {
		return DentRecord{}, fmt.Errorf("%w: dent record has %d bytes", ErrSyncTruncated, len(buf))
	}
	return DentRecord{
		Mode:    binary.LittleEndian.Uint32(buf[0:4]),
		Size:    binary.LittleEndian.Uint32(buf[4:8]),
		Mtime:   binary.LittleEndian.Uint32(buf[8:12]),
		NameLen: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}
