package adb

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adb-protocol/adb-go/pkg/adbkey"
	"github.com/adb-protocol/adb-go/pkg/log"
	"github.com/adb-protocol/adb-go/pkg/mux"
	"github.com/adb-protocol/adb-go/pkg/transport"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// Handshake timing constants.
const (
	// handshakeTimeout bounds the first reply to CNXN.
	handshakeTimeout = 30 * time.Second

	// pubkeyConfirmTimeout is how long the user has to approve a new key
	// on the device before authentication fails.
	pubkeyConfirmTimeout = 10 * time.Second
)

// clientBanner is the payload of the client's CNXN packet.
var clientBanner = []byte("host::adb-go\x00")

// Config configures a MessageDevice.
type Config struct {
	// Transport is the raw packet link. Required, not yet connected.
	Transport transport.Transport

	// Signer answers AUTH challenges. Required.
	Signer adbkey.Signer

	// MaxPayload declared in CNXN (default wire.DefaultMaxPayload).
	MaxPayload uint32

	// Logger receives protocol events (optional).
	Logger log.Logger

	// Serial stamps log events with a device identifier (optional).
	Serial string
}

// MessageDevice implements the device packet engine over any Transport. It
// is the shared core of TCPDevice and USBDevice: CNXN handshake, AUTH state
// machine, STLS upgrade, and every sub-protocol of the Device interface.
type MessageDevice struct {
	tr     transport.Transport
	signer adbkey.Signer
	logger log.Logger
	serial string
	connID string

	maxPayload     uint32
	peerMaxPayload uint32
	mux            *mux.Multiplexer
	authState      AuthState
	banner         Banner
	closed         bool
}

// NewMessageDevice connects the transport, performs the handshake and
// returns a ready device engine.
func NewMessageDevice(cfg Config) (*MessageDevice, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NoopLogger{}
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = wire.DefaultMaxPayload
	}

	d := &MessageDevice{
		tr:         cfg.Transport,
		signer:     cfg.Signer,
		logger:     cfg.Logger,
		serial:     cfg.Serial,
		connID:     uuid.New().String(),
		maxPayload: cfg.MaxPayload,
	}

	if err := d.connect(); err != nil {
		_ = cfg.Transport.Disconnect()
		return nil, err
	}
	return d, nil
}

// Banner returns the device info from the peer's CNXN payload.
func (d *MessageDevice) Banner() Banner {
	return d.banner
}

// ConnectionID returns the id stamped on this connection's log events.
func (d *MessageDevice) ConnectionID() string {
	return d.connID
}

// connect drives the CNXN/STLS/AUTH handshake. The first reply is read
// straight from the transport; once any TLS upgrade is done the multiplexer
// takes over reading, with the remaining handshake packets flowing through
// its pre-authentication queue.
func (d *MessageDevice) connect() error {
	if err := d.tr.Connect(); err != nil {
		return err
	}

	cnxn := wire.NewPacket(wire.CommandConnect, wire.ConnectVersion, d.maxPayload, clientBanner)
	if err := d.tr.WritePacket(cnxn, transport.NoTimeout); err != nil {
		return err
	}

	first, err := d.tr.ReadPacket(handshakeTimeout)
	if err != nil {
		return fmt.Errorf("no reply to CNXN: %w", err)
	}

	if first.Command == wire.CommandStartTLS {
		upgrader, ok := d.tr.(transport.TLSUpgrader)
		if !ok {
			return &ProtocolError{Expected: "CNXN or AUTH", Got: first.Command, Context: "handshake on non-TLS transport"}
		}
		if err := d.tr.WritePacket(wire.NewPacket(wire.CommandStartTLS, 1, 0, nil), transport.NoTimeout); err != nil {
			return err
		}
		if err := upgrader.UpgradeTLS(); err != nil {
			return err
		}
		d.logState(log.EntityConnection, "plaintext", "tls", "peer requested STLS")

		d.startMux()
		first, err = d.mux.ReadHandshake(handshakeTimeout)
		if err != nil {
			return fmt.Errorf("no reply after TLS upgrade: %w", err)
		}
	} else {
		d.startMux()
	}

	switch first.Command {
	case wire.CommandConnect:
		d.completeHandshake(first)
		return nil
	case wire.CommandAuth:
		return d.authenticate(first)
	default:
		return &ProtocolError{Expected: "CNXN, STLS or AUTH", Got: first.Command, Context: "handshake"}
	}
}

// startMux hands the read side to the multiplexer.
func (d *MessageDevice) startMux() {
	d.mux = mux.New(mux.Config{
		Transport:    d.tr,
		Logger:       d.logger,
		ConnectionID: d.connID,
	})
}

// authenticate runs the RSA challenge state machine starting from the
// peer's first AUTH packet.
func (d *MessageDevice) authenticate(challenge wire.Packet) error {
	if challenge.Arg0 != wire.AuthToken {
		return fmt.Errorf("%w: AUTH with type %d instead of TOKEN", ErrAuthenticationFailed, challenge.Arg0)
	}

	sig, err := d.signer.Sign(challenge.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if err := d.mux.WritePacket(wire.NewPacket(wire.CommandAuth, wire.AuthSignature, 0, sig)); err != nil {
		return err
	}
	d.setAuthState(AuthSignatureSent)

	reply, err := d.mux.ReadHandshake(handshakeTimeout)
	if err != nil {
		return fmt.Errorf("no reply to AUTH signature: %w", err)
	}
	if reply.Command == wire.CommandConnect {
		d.completeHandshake(reply)
		return nil
	}
	if reply.Command != wire.CommandAuth {
		return &ProtocolError{Expected: "CNXN or AUTH", Got: reply.Command, Context: "auth"}
	}

	// Signature rejected: offer the public key and wait for the user to
	// approve it on the device.
	pubkey, err := d.signer.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	payload := append(append([]byte(nil), pubkey...), 0)
	if err := d.mux.WritePacket(wire.NewPacket(wire.CommandAuth, wire.AuthRSAPublicKey, 0, payload)); err != nil {
		return err
	}
	d.setAuthState(AuthPubkeySent)

	reply, err = d.mux.ReadHandshake(pubkeyConfirmTimeout)
	if err != nil {
		if errors.Is(err, mux.ErrReadTimeout) {
			return fmt.Errorf("%w: public key not approved within %s", ErrAuthenticationFailed, pubkeyConfirmTimeout)
		}
		return err
	}
	if reply.Command != wire.CommandConnect {
		return fmt.Errorf("%w: peer sent %s after public key", ErrAuthenticationFailed, reply.Command)
	}
	d.completeHandshake(reply)
	return nil
}

// completeHandshake records the peer banner and negotiated payload bound,
// then flips the engine to authenticated routing. No further CNXN may be
// sent on this connection.
func (d *MessageDevice) completeHandshake(cnxn wire.Packet) {
	d.banner = ParseBanner(cnxn.Payload)
	d.peerMaxPayload = min(cnxn.Arg1, d.maxPayload)
	if d.peerMaxPayload == 0 {
		d.peerMaxPayload = d.maxPayload
	}
	d.setAuthState(AuthAuthenticated)
	d.mux.SetAuthenticated()
}

// PeerMaxPayload returns the payload bound agreed during CNXN.
func (d *MessageDevice) PeerMaxPayload() uint32 {
	return d.peerMaxPayload
}

// setAuthState advances the auth state machine, logging the transition.
func (d *MessageDevice) setAuthState(next AuthState) {
	prev := d.authState
	d.authState = next
	d.logState(log.EntityAuth, prev.String(), next.String(), "")
}

func (d *MessageDevice) logState(entity log.Entity, oldState, newState, reason string) {
	d.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: d.connID,
		Serial:       d.serial,
		Layer:        log.LayerDevice,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

// logErrorEvent builds an error event for the protocol log.
func logErrorEvent(connID, serial, context string, err error) log.Event {
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Serial:       serial,
		Layer:        log.LayerDevice,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerDevice,
			Message: err.Error(),
			Context: context,
		},
	}
}

// openSession opens a session for a destination string, appending the
// protocol's trailing NUL.
func (d *MessageDevice) openSession(destination string) (*mux.Session, error) {
	if d.closed {
		return nil, ErrClosed
	}
	return d.mux.Open(destination+"\x00", handshakeTimeout)
}

// Close shuts down the engine: CLSE to live sessions, transport disconnect,
// reader joined. Idempotent.
func (d *MessageDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.mux != nil {
		return d.mux.Close()
	}
	return d.tr.Disconnect()
}
