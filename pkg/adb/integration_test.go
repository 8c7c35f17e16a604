package adb_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adb-protocol/adb-go/internal/testharness"
	"github.com/adb-protocol/adb-go/pkg/adb"
	"github.com/adb-protocol/adb-go/pkg/adbkey"
)

// testKey is generated once; RSA keygen is slow enough to share.
var testKeyOnce *adbkey.Key

func sharedKey(t *testing.T) *adbkey.Key {
	t.Helper()
	if testKeyOnce == nil {
		key, err := adbkey.Generate()
		require.NoError(t, err)
		testKeyOnce = key
	}
	return testKeyOnce
}

func startHarness(t *testing.T, opts testharness.Options) *testharness.Server {
	t.Helper()
	srv, err := testharness.New(opts)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func dialDevice(t *testing.T, srv *testharness.Server) *adb.TCPDevice {
	t.Helper()
	dev, err := adb.NewTCPDevice(srv.Addr(), sharedKey(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestHandshakeTrustedPeer(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	banner := dev.Banner()
	assert.Equal(t, "device", banner.Identity)
	assert.Equal(t, "harness", banner.Properties["ro.product.name"])
}

func TestHandshakeAuthTrustedKey(t *testing.T) {
	srv := startHarness(t, testharness.Options{
		RequireAuth: true,
		TrustedKey:  sharedKey(t).Public(),
	})
	dev := dialDevice(t, srv)
	assert.Equal(t, "device", dev.Banner().Identity)
}

func TestHandshakeAuthPubkeyApproved(t *testing.T) {
	srv := startHarness(t, testharness.Options{
		RequireAuth:   true,
		ApprovePubkey: true,
	})
	dev := dialDevice(t, srv)
	assert.Equal(t, "device", dev.Banner().Identity)

	offered := srv.OfferedKeys()
	require.Len(t, offered, 1)
	// The offered key is the Android-encoded public key plus a NUL.
	pub, err := adbkey.EncodePublicKey(sharedKey(t).Public())
	require.NoError(t, err)
	assert.Equal(t, pub+"\x00", string(offered[0]))
}

func TestHandshakeAuthRejected(t *testing.T) {
	srv := startHarness(t, testharness.Options{RequireAuth: true})

	_, err := adb.NewTCPDevice(srv.Addr(), sharedKey(t))
	require.Error(t, err)
}

func TestHandshakeTLS(t *testing.T) {
	deviceKey, err := adbkey.Generate()
	require.NoError(t, err)
	cert, err := deviceKey.TLSCertificate()
	require.NoError(t, err)

	srv := startHarness(t, testharness.Options{
		UseTLS:  true,
		TLSCert: cert,
	})
	dev := dialDevice(t, srv)
	assert.Equal(t, "device", dev.Banner().Identity)
}

func TestHandshakeTLSWithAuth(t *testing.T) {
	deviceKey, err := adbkey.Generate()
	require.NoError(t, err)
	cert, err := deviceKey.TLSCertificate()
	require.NoError(t, err)

	srv := startHarness(t, testharness.Options{
		UseTLS:      true,
		TLSCert:     cert,
		RequireAuth: true,
		TrustedKey:  sharedKey(t).Public(),
	})
	dev := dialDevice(t, srv)
	assert.Equal(t, "device", dev.Banner().Identity)
}

func TestShellCommand(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	var out bytes.Buffer
	require.NoError(t, dev.ShellCommand(&out, "getprop", "ro.product.model"))
	// The harness echoes the command; output arrives split over two
	// WRTE frames and must be reassembled in order.
	assert.Equal(t, "exec:getprop ro.product.model\n", out.String())
}

func TestInteractiveShellEcho(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	shellDone := make(chan error, 1)
	go func() {
		shellDone <- dev.Shell(inR, outW)
	}()

	_, err := inW.Write([]byte("echo hello\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(outR).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo hello\n", line)

	// EOF on the input ends the session gracefully.
	require.NoError(t, inW.Close())
	require.NoError(t, <-shellDone)
}

func TestStat(t *testing.T) {
	srv := startHarness(t, testharness.Options{
		Files: map[string]*testharness.File{
			"/sdcard/hello.txt": {Content: []byte("hello"), Mode: 0o100644, Mtime: 1700000000},
		},
	})
	dev := dialDevice(t, srv)

	entry, err := dev.Stat("/sdcard/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), entry.Size)
	assert.Equal(t, uint32(0o644), entry.Permissions())
	assert.Equal(t, time.Unix(1700000000, 0), entry.ModTime)
}

func TestStatNotFound(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	_, err := dev.Stat("/noop")
	assert.True(t, errors.Is(err, adb.ErrNotFound), "err = %v", err)

	// The sync session closed cleanly; the next operation reuses a
	// fresh one.
	_, err = dev.Stat("/noop2")
	assert.True(t, errors.Is(err, adb.ErrNotFound), "err = %v", err)
}

func TestList(t *testing.T) {
	srv := startHarness(t, testharness.Options{
		Files: map[string]*testharness.File{
			"/data/a.txt": {Content: []byte("aaa"), Mode: 0o100644, Mtime: 1700000001},
			"/data/b.bin": {Content: bytes.Repeat([]byte{1}, 100), Mode: 0o100755, Mtime: 1700000002},
		},
	})
	dev := dialDevice(t, srv)

	entries, err := dev.List("/data")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]adb.DirEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	a := byName["a.txt"]
	assert.Equal(t, adb.EntryTypeFile, a.Type)
	assert.Equal(t, uint32(3), a.Size)
	assert.Equal(t, uint32(0o644), a.Permissions)
	b := byName["b.bin"]
	assert.Equal(t, uint32(100), b.Size)
	assert.Equal(t, uint32(0o755), b.Permissions)
}

func TestPull(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1000)
	srv := startHarness(t, testharness.Options{
		Files: map[string]*testharness.File{
			"/sdcard/data.bin": {Content: content, Mtime: 1700000000},
		},
	})
	dev := dialDevice(t, srv)

	var out bytes.Buffer
	require.NoError(t, dev.Pull("/sdcard/data.bin", &out))
	assert.Equal(t, content, out.Bytes())
}

func TestPullNotFound(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	err := dev.Pull("/missing", io.Discard)
	assert.True(t, errors.Is(err, adb.ErrNotFound), "err = %v", err)
}

func TestPush(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	mtime := time.Unix(1700000123, 0)
	require.NoError(t, dev.Push(strings.NewReader("hello"), "/sdcard/x", mtime))

	pushed, ok := srv.Pushed("/sdcard/x")
	require.True(t, ok, "file not stored on device")
	assert.Equal(t, []byte("hello"), pushed.Content)
	assert.Equal(t, uint32(1700000123), pushed.Mtime)
}

func TestPushLarge(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	// Three full chunks plus change forces multiple DATA frames.
	content := bytes.Repeat([]byte{0xAB}, adb.SyncMaxChunk*3+17)
	require.NoError(t, dev.Push(bytes.NewReader(content), "/sdcard/big", time.Time{}))

	pushed, ok := srv.Pushed("/sdcard/big")
	require.True(t, ok)
	assert.Equal(t, content, pushed.Content)
}

func TestInstall(t *testing.T) {
	apk := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(apk, bytes.Repeat([]byte{0x50}, 100_000), 0644))

	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	require.NoError(t, dev.Install(apk))
}

func TestInstallRejectsNonAPK(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	err := dev.Install("/tmp/archive.zip")
	require.Error(t, err)
}

func TestUninstall(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	require.NoError(t, dev.Uninstall("com.example.app", -1))
	require.NoError(t, dev.Uninstall("com.example.app", 10))
}

func TestRemount(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	entries, err := dev.Remount()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, adb.RemountEntry{Path: "overlayfs", Mode: "/system"}, entries[0])
}

func TestRebootAndFriends(t *testing.T) {
	srv := startHarness(t, testharness.Options{RepeatCloseEcho: true})
	dev := dialDevice(t, srv)

	require.NoError(t, dev.Root())
	require.NoError(t, dev.EnableVerity())
	require.NoError(t, dev.DisableVerity())
	require.NoError(t, dev.Reboot(adb.RebootBootloader))
}

func TestFramebufferV1(t *testing.T) {
	srv := startHarness(t, testharness.Options{
		FramebufferVersion: 1,
		FramebufferWidth:   8,
		FramebufferHeight:  8,
	})
	dev := dialDevice(t, srv)

	fb, err := dev.Framebuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), fb.Info.Version)
	assert.Equal(t, uint32(8), fb.Info.Width)
	assert.Equal(t, uint32(8), fb.Info.Height)
	assert.Len(t, fb.Pixels, 8*8*4)
	// Spot-check the generated pattern.
	assert.Equal(t, byte(7), fb.Pixels[1])
}

func TestFramebufferV2(t *testing.T) {
	srv := startHarness(t, testharness.Options{
		FramebufferVersion: 2,
		FramebufferWidth:   4,
		FramebufferHeight:  2,
	})
	dev := dialDevice(t, srv)

	fb, err := dev.Framebuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), fb.Info.Version)
	assert.Len(t, fb.Pixels, 4*2*4)
}

func TestReverseForwardEcho(t *testing.T) {
	// Local echo server standing in for the application's listener.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadString('\n')
				if err == nil {
					_, _ = conn.Write([]byte(line))
				}
			}()
		}
	}()
	localPort := uint16(ln.Addr().(*net.TCPAddr).Port)

	probe := &testharness.ReverseProbe{
		Destination: "tcp:9000",
		Send:        []byte("ping\n"),
		Response:    make(chan []byte, 1),
	}
	srv := startHarness(t, testharness.Options{ReverseProbe: probe})
	dev := dialDevice(t, srv)

	go func() {
		_ = dev.Reverse(adb.ForwardSpec{Port: 9000}, adb.ForwardSpec{Port: localPort})
	}()

	select {
	case response := <-probe.Response:
		assert.Equal(t, []byte("ping\n"), response)
	case <-time.After(5 * time.Second):
		t.Fatal("no reverse response")
	}
}

func TestLogcat(t *testing.T) {
	srv := startHarness(t, testharness.Options{})
	dev := dialDevice(t, srv)

	var out bytes.Buffer
	require.NoError(t, dev.Logcat(&out))
	assert.Equal(t, "exec:exec logcat\n", out.String())
}

func TestParseForwardSpec(t *testing.T) {
	spec, err := adb.ParseForwardSpec("tcp:9000\x00")
	require.NoError(t, err)
	assert.Equal(t, uint16(9000), spec.Port)
	assert.Equal(t, "tcp:9000", spec.String())

	_, err = adb.ParseForwardSpec("udp:9000")
	assert.Error(t, err)
}

func TestParseBanner(t *testing.T) {
	b := adb.ParseBanner([]byte("device::ro.product.name=pixel;ro.product.model=Pixel 7;\x00"))
	assert.Equal(t, "device", b.Identity)
	assert.Equal(t, "pixel", b.Properties["ro.product.name"])
	assert.Equal(t, "Pixel 7", b.Properties["ro.product.model"])

	plain := adb.ParseBanner([]byte("host::"))
	assert.Equal(t, "host", plain.Identity)
	assert.Empty(t, plain.Properties)
}
