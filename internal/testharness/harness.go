package testharness

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/adb-protocol/adb-go/pkg/adbkey"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// DefaultBanner is the CNXN payload the fake device sends.
const DefaultBanner = "device::ro.product.name=harness;ro.product.model=Fake;ro.product.device=pipe;"

// Options configures the fake device.
type Options struct {
	// RequireAuth makes the device issue an AUTH TOKEN challenge.
	RequireAuth bool

	// TrustedKey, when set with RequireAuth, accepts a signature that
	// verifies under this key on the first round.
	TrustedKey *rsa.PublicKey

	// ApprovePubkey, with RequireAuth and no (matching) TrustedKey,
	// simulates the user approving the offered key: the device rejects
	// the signature once, then accepts after AUTH(RSAPUBLICKEY).
	ApprovePubkey bool

	// UseTLS makes the device request STLS after the client's CNXN.
	// TLSCert must then be set.
	UseTLS  bool
	TLSCert tls.Certificate

	// Banner overrides DefaultBanner.
	Banner string

	// Files seeds the in-memory sync file system, keyed by absolute
	// path.
	Files map[string]*File

	// MaxPayload declared in the device CNXN (default 1 MiB).
	MaxPayload uint32

	// FramebufferVersion (1 or 2), FramebufferWidth/Height control the
	// framebuffer service. Pixels are width*height*4 pseudo-random
	// bytes, split across several WRTE frames.
	FramebufferVersion uint32
	FramebufferWidth   uint32
	FramebufferHeight  uint32

	// RemountLines is streamed by the remount service (default: one
	// partition plus the success line).
	RemountLines []string

	// ReverseProbe, when set, makes the device open one reversed
	// connection after a reverse rule is installed.
	ReverseProbe *ReverseProbe

	// RepeatCloseEcho re-sends the final CLSE of each session once, as
	// some devices do.
	RepeatCloseEcho bool
}

// File is an entry of the fake sync file system.
type File struct {
	Content []byte
	Mode    uint32
	Mtime   uint32
}

// ReverseProbe scripts one device-initiated reversed connection.
type ReverseProbe struct {
	// Destination is the OPEN payload, e.g. "tcp:9000".
	Destination string

	// Send is written as the first WRTE on the reversed session.
	Send []byte

	// Response receives the relayed reply.
	Response chan []byte
}

// Server is a fake adbd listening on localhost.
type Server struct {
	opts Options
	ln   net.Listener

	mu       sync.Mutex
	pushed   map[string]*File
	offered  [][]byte // public keys offered via AUTH(RSAPUBLICKEY)
	closing  bool
	handlers sync.WaitGroup
}

// New starts a fake device on a random localhost port.
func New(opts Options) (*Server, error) {
	if opts.Banner == "" {
		opts.Banner = DefaultBanner
	}
	if opts.MaxPayload == 0 {
		opts.MaxPayload = wire.DefaultMaxPayload
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:   opts,
		ln:     ln,
		pushed: make(map[string]*File),
	}

	go s.acceptLoop()
	return s, nil
}

// Addr returns the listen address for the client to dial.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the listener and waits for connection handlers.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	_ = s.ln.Close()
	s.handlers.Wait()
}

// Pushed returns a file stored by the sync SEND service.
func (s *Server) Pushed(path string) (*File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.pushed[path]
	return f, ok
}

// OfferedKeys returns the public keys received via AUTH(RSAPUBLICKEY).
func (s *Server) OfferedKeys() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.offered...)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer conn.Close()
			_ = s.handleConn(conn)
		}()
	}
}

// devConn is one device-side connection.
type devConn struct {
	srv     *Server
	conn    net.Conn
	dec     *wire.Decoder
	nextID  uint32
	streams map[uint32]uint32 // device id -> client id
}

func (s *Server) handleConn(raw net.Conn) error {
	dc := &devConn{
		srv:     s,
		conn:    raw,
		dec:     wire.NewDecoder(raw, 0),
		nextID:  1000,
		streams: make(map[uint32]uint32),
	}

	if err := dc.handshake(); err != nil {
		return err
	}
	return dc.serve()
}

// read returns the next client packet.
func (dc *devConn) read() (wire.Packet, error) {
	_ = dc.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return dc.dec.Decode()
}

// write sends one packet to the client.
func (dc *devConn) write(p wire.Packet) error {
	_ = dc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := dc.conn.Write(p.Encode())
	return err
}

// expect reads and asserts the next command.
func (dc *devConn) expect(cmd wire.Command) (wire.Packet, error) {
	p, err := dc.read()
	if err != nil {
		return wire.Packet{}, err
	}
	if p.Command != cmd {
		return wire.Packet{}, fmt.Errorf("harness expected %s, client sent %s", cmd, p.Command)
	}
	return p, nil
}

// handshake plays the device side of CNXN/STLS/AUTH.
func (dc *devConn) handshake() error {
	if _, err := dc.expect(wire.CommandConnect); err != nil {
		return err
	}

	if dc.srv.opts.UseTLS {
		if err := dc.write(wire.NewPacket(wire.CommandStartTLS, 1, 0, nil)); err != nil {
			return err
		}
		if _, err := dc.expect(wire.CommandStartTLS); err != nil {
			return err
		}
		tlsConn := tls.Server(dc.conn, &tls.Config{
			Certificates: []tls.Certificate{dc.srv.opts.TLSCert},
			MinVersion:   tls.VersionTLS12,
		})
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("harness TLS handshake: %w", err)
		}
		dc.conn = tlsConn
		dc.dec = wire.NewDecoder(tlsConn, 0)
	}

	if dc.srv.opts.RequireAuth {
		if err := dc.authChallenge(); err != nil {
			return err
		}
	}

	return dc.sendBanner()
}

// authChallenge issues a token and walks the signature/pubkey rounds.
func (dc *devConn) authChallenge() error {
	token := make([]byte, 20)
	if _, err := rand.Read(token); err != nil {
		return err
	}
	if err := dc.write(wire.NewPacket(wire.CommandAuth, wire.AuthToken, 0, token)); err != nil {
		return err
	}

	sig, err := dc.expect(wire.CommandAuth)
	if err != nil {
		return err
	}
	if sig.Arg0 != wire.AuthSignature {
		return fmt.Errorf("harness expected AUTH signature, got type %d", sig.Arg0)
	}

	if key := dc.srv.opts.TrustedKey; key != nil {
		if adbkey.Verify(key, token, sig.Payload) == nil {
			return nil
		}
	}
	if !dc.srv.opts.ApprovePubkey {
		// Keep rejecting: resend the challenge and go silent, leaving
		// the client to its confirmation timeout.
		_ = dc.write(wire.NewPacket(wire.CommandAuth, wire.AuthToken, 0, token))
		pub, err := dc.expect(wire.CommandAuth)
		if err == nil && pub.Arg0 == wire.AuthRSAPublicKey {
			dc.recordOffered(pub.Payload)
		}
		// No CNXN follows.
		time.Sleep(50 * time.Millisecond)
		return fmt.Errorf("harness rejected authentication")
	}

	// Reject once, then accept the offered key.
	if err := dc.write(wire.NewPacket(wire.CommandAuth, wire.AuthToken, 0, token)); err != nil {
		return err
	}
	pub, err := dc.expect(wire.CommandAuth)
	if err != nil {
		return err
	}
	if pub.Arg0 != wire.AuthRSAPublicKey {
		return fmt.Errorf("harness expected AUTH pubkey, got type %d", pub.Arg0)
	}
	dc.recordOffered(pub.Payload)
	return nil
}

func (dc *devConn) recordOffered(payload []byte) {
	dc.srv.mu.Lock()
	dc.srv.offered = append(dc.srv.offered, append([]byte(nil), payload...))
	dc.srv.mu.Unlock()
}

// sendBanner completes the handshake with the device CNXN.
func (dc *devConn) sendBanner() error {
	banner := append([]byte(dc.srv.opts.Banner), 0)
	return dc.write(wire.NewPacket(wire.CommandConnect, wire.ConnectVersion, dc.srv.opts.MaxPayload, banner))
}

// serve dispatches sessions until the connection drops.
func (dc *devConn) serve() error {
	for {
		p, err := dc.read()
		if err != nil {
			return nil // client gone
		}
		switch p.Command {
		case wire.CommandOpen:
			if err := dc.handleOpen(p); err != nil {
				return err
			}
		case wire.CommandClose:
			// Stray session close; acknowledge once.
			if remote, ok := dc.streams[p.Arg1]; ok {
				delete(dc.streams, p.Arg1)
				_ = dc.write(wire.NewPacket(wire.CommandClose, p.Arg1, remote, nil))
			}
		default:
			// Ignore leftovers between sessions.
		}
	}
}

// openStream allocates a device-side id and acknowledges the OPEN.
func (dc *devConn) openStream(clientID uint32) (uint32, error) {
	dc.nextID++
	devID := dc.nextID
	dc.streams[devID] = clientID
	return devID, dc.write(wire.NewPacket(wire.CommandOkay, devID, clientID, nil))
}

// closeStream sends CLSE (optionally twice) and absorbs the client's CLSE.
func (dc *devConn) closeStream(devID, clientID uint32) error {
	if err := dc.write(wire.NewPacket(wire.CommandClose, devID, clientID, nil)); err != nil {
		return err
	}
	if dc.srv.opts.RepeatCloseEcho {
		_ = dc.write(wire.NewPacket(wire.CommandClose, devID, clientID, nil))
	}
	// The client replies with its own CLSE; tolerate its absence.
	_ = dc.conn.SetReadDeadline(time.Now().Add(time.Second))
	if p, err := dc.dec.Decode(); err == nil && p.Command == wire.CommandClose {
		delete(dc.streams, devID)
	}
	return nil
}

// sendData writes one WRTE and consumes the client's OKAY.
func (dc *devConn) sendData(devID, clientID uint32, payload []byte) error {
	if err := dc.write(wire.NewPacket(wire.CommandWrite, devID, clientID, payload)); err != nil {
		return err
	}
	_, err := dc.expect(wire.CommandOkay)
	return err
}

// handleOpen routes a session by destination string.
func (dc *devConn) handleOpen(open wire.Packet) error {
	dest := strings.TrimRight(string(open.Payload), "\x00")
	clientID := open.Arg0

	devID, err := dc.openStream(clientID)
	if err != nil {
		return err
	}

	switch {
	case dest == "sync:":
		return dc.serveSync(devID, clientID)
	case strings.HasPrefix(dest, "shell"):
		// Either "shell:<cmd>" or "shell,TERM=<term>,raw:<cmd>".
		_, cmd, ok := strings.Cut(dest, ":")
		if !ok {
			return dc.closeStream(devID, clientID)
		}
		if cmd == "" {
			return dc.serveInteractiveShell(devID, clientID)
		}
		return dc.serveShellCommand(devID, clientID, cmd)
	case dest == "framebuffer:":
		return dc.serveFramebuffer(devID, clientID)
	case strings.HasPrefix(dest, "exec:cmd package 'install'"):
		return dc.serveInstall(devID, clientID, dest)
	case strings.HasPrefix(dest, "exec:cmd package 'uninstall'"):
		return dc.serveStatus(devID, clientID, []byte("Success\n"))
	case dest == "remount:":
		return dc.serveRemount(devID, clientID)
	case strings.HasPrefix(dest, "reboot:"), dest == "root:",
		dest == "enable-verity:", dest == "disable-verity:":
		return dc.closeStream(devID, clientID)
	case strings.HasPrefix(dest, "reverse:"):
		return dc.serveReverse(devID, clientID, dest)
	default:
		// Unknown service: close immediately.
		return dc.closeStream(devID, clientID)
	}
}

// serveShellCommand streams canned output for a non-interactive command.
// The output is the command string itself prefixed with "exec:", split in
// two WRTE frames to exercise reassembly.
func (dc *devConn) serveShellCommand(devID, clientID uint32, command string) error {
	output := []byte("exec:" + command + "\n")
	half := len(output) / 2
	if err := dc.sendData(devID, clientID, output[:half]); err != nil {
		return err
	}
	if err := dc.sendData(devID, clientID, output[half:]); err != nil {
		return err
	}
	return dc.closeStream(devID, clientID)
}

// serveInteractiveShell echoes every inbound WRTE payload back.
func (dc *devConn) serveInteractiveShell(devID, clientID uint32) error {
	for {
		p, err := dc.read()
		if err != nil {
			return nil
		}
		switch p.Command {
		case wire.CommandWrite:
			if err := dc.write(wire.NewPacket(wire.CommandOkay, devID, clientID, nil)); err != nil {
				return err
			}
			if err := dc.sendData(devID, clientID, p.Payload); err != nil {
				return err
			}
		case wire.CommandClose:
			return dc.write(wire.NewPacket(wire.CommandClose, devID, clientID, nil))
		case wire.CommandOkay:
			// Ack of our echo.
		default:
			return fmt.Errorf("harness shell: unexpected %s", p.Command)
		}
	}
}

// serveStatus sends a single status WRTE (unacknowledged) and closes.
func (dc *devConn) serveStatus(devID, clientID uint32, status []byte) error {
	if err := dc.write(wire.NewPacket(wire.CommandWrite, devID, clientID, status)); err != nil {
		return err
	}
	return dc.closeStream(devID, clientID)
}

// serveInstall consumes the streamed APK, acking every WRTE, then reports
// success.
func (dc *devConn) serveInstall(devID, clientID uint32, dest string) error {
	var size int
	if _, err := fmt.Sscanf(dest, "exec:cmd package 'install' -S %d", &size); err != nil {
		return dc.serveStatus(devID, clientID, []byte("Failure [bad install header]\n"))
	}

	received := 0
	for received < size {
		p, err := dc.read()
		if err != nil {
			return err
		}
		if p.Command != wire.CommandWrite {
			return fmt.Errorf("harness install: unexpected %s", p.Command)
		}
		received += len(p.Payload)
		if err := dc.write(wire.NewPacket(wire.CommandOkay, devID, clientID, nil)); err != nil {
			return err
		}
	}
	return dc.serveStatus(devID, clientID, []byte("Success\n"))
}

// serveRemount streams the configured remount lines.
func (dc *devConn) serveRemount(devID, clientID uint32) error {
	lines := dc.srv.opts.RemountLines
	if lines == nil {
		lines = []string{
			"Using overlayfs for /system",
			"Using overlayfs for /vendor",
			"remount succeeded",
		}
	}
	for _, line := range lines {
		if err := dc.sendData(devID, clientID, []byte(line+"\n")); err != nil {
			return err
		}
	}
	return dc.closeStream(devID, clientID)
}

// serveFramebuffer sends the version, header and pixel payload split over
// several frames.
func (dc *devConn) serveFramebuffer(devID, clientID uint32) error {
	version := dc.srv.opts.FramebufferVersion
	if version == 0 {
		version = 1
	}
	width := dc.srv.opts.FramebufferWidth
	if width == 0 {
		width = 4
	}
	height := dc.srv.opts.FramebufferHeight
	if height == 0 {
		height = 4
	}
	size := width * height * 4

	pixels := make([]byte, size)
	for i := range pixels {
		pixels[i] = byte(i * 7)
	}

	header := []byte{}
	put := func(v uint32) {
		header = append(header, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	put(version)
	put(32) // bpp
	if version == 2 {
		put(0) // color space
	}
	put(size)
	put(width)
	put(height)
	// red, blue, green, alpha offset/length pairs
	for _, v := range []uint32{0, 8, 16, 8, 8, 8, 24, 8} {
		put(v)
	}

	// First frame: header plus the first quarter of the pixels.
	quarter := len(pixels) / 4
	if err := dc.sendData(devID, clientID, append(header, pixels[:quarter]...)); err != nil {
		return err
	}
	for off := quarter; off < len(pixels); off += quarter {
		end := min(off+quarter, len(pixels))
		if err := dc.sendData(devID, clientID, pixels[off:end]); err != nil {
			return err
		}
	}
	return dc.closeStream(devID, clientID)
}

// serveReverse acknowledges a reverse control session and optionally
// launches the scripted probe connection.
func (dc *devConn) serveReverse(devID, clientID uint32, dest string) error {
	if err := dc.write(wire.NewPacket(wire.CommandWrite, devID, clientID, []byte("OKAY"))); err != nil {
		return err
	}
	if err := dc.write(wire.NewPacket(wire.CommandClose, devID, clientID, nil)); err != nil {
		return err
	}
	delete(dc.streams, devID)

	probe := dc.srv.opts.ReverseProbe
	if probe == nil || !strings.HasPrefix(dest, "reverse:forward:") {
		return nil
	}

	// Device-initiated reversed connection.
	dc.nextID++
	devSessID := dc.nextID
	payload := append([]byte(probe.Destination), 0)
	if err := dc.write(wire.NewPacket(wire.CommandOpen, devSessID, 0, payload)); err != nil {
		return err
	}

	okay, err := dc.expect(wire.CommandOkay)
	if err != nil {
		return err
	}
	peerID := okay.Arg0

	if err := dc.write(wire.NewPacket(wire.CommandWrite, devSessID, peerID, probe.Send)); err != nil {
		return err
	}
	if _, err := dc.expect(wire.CommandOkay); err != nil {
		return err
	}

	reply, err := dc.expect(wire.CommandWrite)
	if err != nil {
		return err
	}
	if err := dc.write(wire.NewPacket(wire.CommandOkay, devSessID, peerID, nil)); err != nil {
		return err
	}
	probe.Response <- reply.Payload

	if err := dc.write(wire.NewPacket(wire.CommandClose, devSessID, peerID, nil)); err != nil {
		return err
	}
	// Client worker answers with its CLSE.
	_ = dc.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _ = dc.dec.Decode()
	return nil
}
