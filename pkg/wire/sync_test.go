package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestSyncRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cmd  SyncCommand
		arg  uint32
	}{
		{"stat path length", SyncStat, 5},
		{"recv path length", SyncRecv, 18},
		{"data chunk length", SyncData, 65536},
		{"done mtime", SyncDone, 1700000000},
		{"quit", SyncQuit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeSyncRequest(tt.cmd, tt.arg)
			if len(encoded) != SyncRequestSize {
				t.Fatalf("encoded length = %d", len(encoded))
			}

			decoded, err := DecodeSyncRequest(encoded)
			if err != nil {
				t.Fatalf("DecodeSyncRequest failed: %v", err)
			}
			if decoded.Command != tt.cmd || decoded.Arg != tt.arg {
				t.Errorf("decoded = %+v", decoded)
			}
		})
	}
}

func TestSyncRequestWireFormat(t *testing.T) {
	// STAT with a 5-byte path must serialize to the literal scenario bytes.
	encoded := EncodeSyncRequest(SyncStat, 5)
	want := append([]byte("STAT"), 0x05, 0x00, 0x00, 0x00)
	if !bytes.Equal(encoded, want) {
		t.Errorf("encoded = %x, want %x", encoded, want)
	}
}

func TestDecodeSyncRequestTruncated(t *testing.T) {
	_, err := DecodeSyncRequest([]byte("STA"))
	if !errors.Is(err, ErrSyncTruncated) {
		t.Errorf("expected ErrSyncTruncated, got %v", err)
	}
}

func TestStatRecordRoundTrip(t *testing.T) {
	rec := StatRecord{Mode: 0o100644, Size: 4096, Mtime: 1700000000}
	decoded, err := DecodeStatRecord(rec.Encode())
	if err != nil {
		t.Fatalf("DecodeStatRecord failed: %v", err)
	}
	if decoded != rec {
		t.Errorf("decoded = %+v, want %+v", decoded, rec)
	}
}

func TestStatRecordNotFound(t *testing.T) {
	// Twelve zero bytes mean "no such file".
	decoded, err := DecodeStatRecord(make([]byte, StatRecordSize))
	if err != nil {
		t.Fatalf("DecodeStatRecord failed: %v", err)
	}
	if decoded.Mode != 0 {
		t.Errorf("mode = %d, want 0", decoded.Mode)
	}
}

func TestDecodeDentRecord(t *testing.T) {
	buf := make([]byte, DentRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], 0o40755)
	binary.LittleEndian.PutUint32(buf[4:8], 4096)
	binary.LittleEndian.PutUint32(buf[8:12], 1700000000)
	binary.LittleEndian.PutUint32(buf[12:16], 7)

	rec, err := DecodeDentRecord(buf)
	if err != nil {
		t.Fatalf("DecodeDentRecord failed: %v", err)
	}
	if rec.Mode != 0o40755 || rec.Size != 4096 || rec.NameLen != 7 {
		t.Errorf("rec = %+v", rec)
	}

	if _, err := DecodeDentRecord(buf[:8]); !errors.Is(err, ErrSyncTruncated) {
		t.Errorf("expected ErrSyncTruncated, got %v", err)
	}
}
