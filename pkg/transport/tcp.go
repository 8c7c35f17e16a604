package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/adb-protocol/adb-go/pkg/adbkey"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// DefaultTLSPort is the conventional port of a network device waiting for
// direct (non-server-proxied) connections.
const DefaultTLSPort = 5555

// TCPTransport carries ADB packets over a TCP stream, upgraded in place to
// TLS when the peer requests STLS. The client presents a self-signed
// certificate minted from the ADB RSA identity; the server certificate is
// not verified (trust is established by the out-of-band pairing step).
type TCPTransport struct {
	address string
	key     *adbkey.Key

	connectTimeout time.Duration
	maxPayload     uint32

	// writeMu serializes packet writes; stateMu guards conn/decoder
	// swaps (connect, disconnect, TLS upgrade).
	writeMu sync.Mutex
	readMu  sync.Mutex
	stateMu sync.RWMutex

	conn    net.Conn
	decoder *wire.Decoder
	isTLS   bool
}

// TCPOption customizes a TCPTransport.
type TCPOption func(*TCPTransport)

// WithConnectTimeout bounds the initial dial (default 30s).
func WithConnectTimeout(d time.Duration) TCPOption {
	return func(t *TCPTransport) { t.connectTimeout = d }
}

// WithMaxPayload bounds accepted payload sizes (default wire.DefaultMaxPayload).
func WithMaxPayload(size uint32) TCPOption {
	return func(t *TCPTransport) { t.maxPayload = size }
}

// NewTCPTransport creates a transport for the given "host:port" address.
// The key is used for the TLS upgrade; it must be the same identity used
// for AUTH.
func NewTCPTransport(address string, key *adbkey.Key, opts ...TCPOption) *TCPTransport {
	t := &TCPTransport{
		address:        address,
		key:            key,
		connectTimeout: 30 * time.Second,
		maxPayload:     wire.DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Address returns the peer address.
func (t *TCPTransport) Address() string {
	return t.address
}

// Connect dials the device.
func (t *TCPTransport) Connect() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if t.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", t.address, t.connectTimeout)
	if err != nil {
		return fmt.Errorf("dial %s failed: %w", t.address, err)
	}

	t.conn = conn
	t.decoder = wire.NewDecoder(conn, t.maxPayload)
	t.isTLS = false
	return nil
}

// Disconnect closes the connection. Safe to call multiple times and on a
// never-connected transport.
func (t *TCPTransport) Disconnect() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.decoder = nil
	t.isTLS = false
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// current returns the live conn and decoder.
func (t *TCPTransport) current() (net.Conn, *wire.Decoder, error) {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	if t.conn == nil {
		return nil, nil, ErrNotConnected
	}
	return t.conn, t.decoder, nil
}

// ReadPacket reads and validates one packet. The timeout is honored on the
// TLS-upgraded connection as well: tls.Conn deadlines apply to the
// underlying socket.
func (t *TCPTransport) ReadPacket(timeout time.Duration) (wire.Packet, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	conn, decoder, err := t.current()
	if err != nil {
		return wire.Packet{}, err
	}

	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return wire.Packet{}, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	p, err := decoder.Decode()
	if err != nil {
		return wire.Packet{}, wrapTimeout(err)
	}
	return p, nil
}

// WritePacket serializes and writes one packet. Concurrent callers are
// serialized.
func (t *TCPTransport) WritePacket(p wire.Packet, timeout time.Duration) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn, _, err := t.current()
	if err != nil {
		return err
	}

	if timeout == NoTimeout {
		timeout = DefaultWriteTimeout
	}
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})

	if _, err := conn.Write(p.Encode()); err != nil {
		return wrapTimeout(fmt.Errorf("packet write failed: %w", err))
	}
	return nil
}

// UpgradeTLS wraps the live connection in TLS. Called after the STLS
// exchange; all subsequent packets ride inside TLS records.
func (t *TCPTransport) UpgradeTLS() error {
	// Hold both locks: no packet may cross the socket mid-handshake.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.readMu.Lock()
	defer t.readMu.Unlock()
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}
	if t.isTLS {
		return ErrAlreadyTLS
	}

	cert, err := t.key.TLSCertificate()
	if err != nil {
		return err
	}

	tlsConn := tls.Client(t.conn, &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Android devices use self-signed certificates; trust comes
		// from the pairing step, not the chain.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	t.conn = tlsConn
	t.decoder = wire.NewDecoder(tlsConn, t.maxPayload)
	t.isTLS = true
	return nil
}

// IsTLS reports whether the connection has been upgraded.
func (t *TCPTransport) IsTLS() bool {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.isTLS
}

// SetMaxPayload adjusts the accepted payload bound after CNXN negotiation.
func (t *TCPTransport) SetMaxPayload(size uint32) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.maxPayload = size
	if t.decoder != nil {
		t.decoder.SetMaxPayload(size)
	}
}

// wrapTimeout maps net timeout errors onto ErrTimeout so callers can test
// with errors.Is.
func wrapTimeout(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
