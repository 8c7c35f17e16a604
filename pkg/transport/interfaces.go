package transport

import (
	"errors"
	"time"

	"github.com/adb-protocol/adb-go/pkg/wire"
)

// Transport errors.
var (
	// ErrNotConnected indicates an operation on a transport that has not
	// been connected or was disconnected.
	ErrNotConnected = errors.New("transport not connected")

	// ErrAlreadyTLS indicates a TLS upgrade on a connection that is
	// already running TLS.
	ErrAlreadyTLS = errors.New("connection already upgraded to TLS")

	// ErrTLSUnsupported indicates a TLS upgrade on a transport that has
	// no TLS capability (USB).
	ErrTLSUnsupported = errors.New("transport does not support TLS")

	// ErrTimeout indicates a read or write deadline expired.
	ErrTimeout = errors.New("transport timeout")
)

// NoTimeout disables the deadline on a read or write.
const NoTimeout time.Duration = 0

// DefaultWriteTimeout bounds a single packet write.
const DefaultWriteTimeout = 2 * time.Second

// Transport is a raw packet link to a device. Implementations serialize
// concurrent writes internally; reads are expected from a single dedicated
// goroutine.
type Transport interface {
	// Connect establishes the underlying link.
	Connect() error

	// Disconnect tears the link down. It is idempotent and best-effort:
	// it must succeed even if the peer is unreachable.
	Disconnect() error

	// ReadPacket reads one packet, validating header magic and payload
	// checksum. A zero timeout blocks until a packet arrives.
	ReadPacket(timeout time.Duration) (wire.Packet, error)

	// WritePacket writes one packet. A zero timeout applies
	// DefaultWriteTimeout where the link supports deadlines.
	WritePacket(p wire.Packet, timeout time.Duration) error
}

// TLSUpgrader is implemented by transports that can switch a live plaintext
// connection to TLS after the STLS exchange.
type TLSUpgrader interface {
	// UpgradeTLS wraps the connection in TLS. After a successful upgrade
	// all packets are carried inside TLS records; plaintext is never
	// resumed.
	UpgradeTLS() error
}

// Compile-time interface satisfaction checks.
var (
	_ Transport   = (*TCPTransport)(nil)
	_ TLSUpgrader = (*TCPTransport)(nil)
	_ Transport   = (*USBTransport)(nil)
)
