package server

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adb-protocol/adb-go/pkg/adb"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// fakeAdbServer speaks the hex-length text framing of an adb server. Each
// accepted connection is handed to handler after framing setup.
type fakeAdbServer struct {
	ln      net.Listener
	handler func(c *serverConn)
}

type serverConn struct {
	net.Conn
	t *testing.T
}

// readRequest parses one hex-framed service request.
func (c *serverConn) readRequest() (string, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c, lenBuf); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(lenBuf), 16, 32)
	if err != nil {
		return "", err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c, body); err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *serverConn) okay() {
	_, _ = c.Write([]byte("OKAY"))
}

func (c *serverConn) fail(msg string) {
	_, _ = c.Write([]byte(fmt.Sprintf("FAIL%04x%s", len(msg), msg)))
}

func (c *serverConn) hexBody(body string) {
	_, _ = c.Write([]byte(fmt.Sprintf("%04x%s", len(body), body)))
}

func startFakeServer(t *testing.T, handler func(c *serverConn)) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
				handler(&serverConn{Conn: conn, t: t})
			}()
		}
	}()
	return New(ln.Addr().String())
}

func TestVersion(t *testing.T) {
	srv := startFakeServer(t, func(c *serverConn) {
		req, err := c.readRequest()
		if err != nil || req != "host:version" {
			return
		}
		c.okay()
		c.hexBody("0029")
	})

	v, err := srv.Version()
	require.NoError(t, err)
	assert.Equal(t, 0x29, v)
}

func TestDevices(t *testing.T) {
	srv := startFakeServer(t, func(c *serverConn) {
		_, _ = c.readRequest()
		c.okay()
		c.hexBody("R58M1234ABC\tdevice\nemulator-5554\toffline\n")
	})

	devices, err := srv.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, DeviceEntry{Serial: "R58M1234ABC", State: StateDevice}, devices[0])
	assert.Equal(t, StateOffline, devices[1].State)
}

func TestRequestFailed(t *testing.T) {
	srv := startFakeServer(t, func(c *serverConn) {
		_, _ = c.readRequest()
		c.fail("device 'nope' not found")
	})

	_, err := srv.Device("nope").Stat("/x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestFailed), "err = %v", err)
	assert.Contains(t, err.Error(), "not found")
}

// expectTransport consumes the host:transport preamble.
func expectTransport(c *serverConn, want string) bool {
	req, err := c.readRequest()
	if err != nil || req != want {
		return false
	}
	c.okay()
	return true
}

func TestServerShellCommand(t *testing.T) {
	srv := startFakeServer(t, func(c *serverConn) {
		if !expectTransport(c, "host:transport:serial-1") {
			return
		}
		req, _ := c.readRequest()
		if !bytes.Contains([]byte(req), []byte("getprop")) {
			c.fail("bad service")
			return
		}
		c.okay()
		_, _ = c.Write([]byte("Pixel 7\n"))
	})

	var out bytes.Buffer
	require.NoError(t, srv.Device("serial-1").ShellCommand(&out, "getprop", "ro.product.model"))
	assert.Equal(t, "Pixel 7\n", out.String())
}

func TestServerStat(t *testing.T) {
	srv := startFakeServer(t, func(c *serverConn) {
		if !expectTransport(c, "host:transport-any") {
			return
		}
		req, _ := c.readRequest()
		if req != "sync:" {
			return
		}
		c.okay()

		// STAT request: 8-byte record + path.
		head := make([]byte, wire.SyncRequestSize)
		if _, err := io.ReadFull(c, head); err != nil {
			return
		}
		rec, _ := wire.DecodeSyncRequest(head)
		path := make([]byte, rec.Arg)
		if _, err := io.ReadFull(c, path); err != nil {
			return
		}

		reply := append([]byte("STAT"), wire.StatRecord{Mode: 0o100644, Size: 42, Mtime: 1700000000}.Encode()...)
		_, _ = c.Write(reply)
	})

	entry, err := srv.Device("").Stat("/sdcard/file")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), entry.Size)
	assert.Equal(t, uint32(0o644), entry.Mode&0o777)
}

func TestServerStatNotFound(t *testing.T) {
	srv := startFakeServer(t, func(c *serverConn) {
		if !expectTransport(c, "host:transport-any") {
			return
		}
		if req, _ := c.readRequest(); req != "sync:" {
			return
		}
		c.okay()

		head := make([]byte, wire.SyncRequestSize)
		if _, err := io.ReadFull(c, head); err != nil {
			return
		}
		rec, _ := wire.DecodeSyncRequest(head)
		path := make([]byte, rec.Arg)
		_, _ = io.ReadFull(c, path)

		_, _ = c.Write(append([]byte("STAT"), make([]byte, 12)...))
	})

	_, err := srv.Device("").Stat("/missing")
	assert.True(t, errors.Is(err, adb.ErrNotFound), "err = %v", err)
}

func TestServerPush(t *testing.T) {
	var stored []byte
	var header string

	srv := startFakeServer(t, func(c *serverConn) {
		if !expectTransport(c, "host:transport-any") {
			return
		}
		if req, _ := c.readRequest(); req != "sync:" {
			return
		}
		c.okay()

		for {
			head := make([]byte, wire.SyncRequestSize)
			if _, err := io.ReadFull(c, head); err != nil {
				return
			}
			rec, err := wire.DecodeSyncRequest(head)
			if err != nil {
				return
			}
			switch rec.Command {
			case wire.SyncSend:
				buf := make([]byte, rec.Arg)
				_, _ = io.ReadFull(c, buf)
				header = string(buf)
			case wire.SyncData:
				buf := make([]byte, rec.Arg)
				_, _ = io.ReadFull(c, buf)
				stored = append(stored, buf...)
			case wire.SyncDone:
				okay := make([]byte, 8)
				binary.LittleEndian.PutUint32(okay[0:4], uint32(wire.SyncOkay))
				_, _ = c.Write(okay)
			case wire.SyncQuit:
				return
			}
		}
	})

	err := srv.Device("").Push(bytes.NewReader([]byte("payload")), "/sdcard/f", time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), stored)
	assert.Equal(t, "/sdcard/f,0777", header)
}

func TestParseDeviceListMalformed(t *testing.T) {
	_, err := parseDeviceList("loneword\n")
	assert.Error(t, err)

	devices, err := parseDeviceList("")
	assert.NoError(t, err)
	assert.Empty(t, devices)
}
