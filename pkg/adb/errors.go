package adb

import (
	"errors"
	"fmt"

	"github.com/adb-protocol/adb-go/pkg/wire"
)

// Device errors.
var (
	// ErrAuthenticationFailed indicates the signature was rejected and
	// the public key was not approved within the timeout. Distinct from
	// transport failures.
	ErrAuthenticationFailed = errors.New("device authentication failed")

	// ErrNotFound indicates a remote path that does not exist.
	ErrNotFound = errors.New("remote path not found")

	// ErrClosed indicates an operation on a closed device.
	ErrClosed = errors.New("device closed")
)

// ProtocolError indicates the peer sent a command the state machine did not
// expect. Fatal for the session it occurred on, and for the connection when
// raised during the handshake.
type ProtocolError struct {
	Expected string
	Got      wire.Command
	Context  string
}

func (e *ProtocolError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("protocol error (%s): expected %s, peer sent %s", e.Context, e.Expected, e.Got)
	}
	return fmt.Sprintf("protocol error: expected %s, peer sent %s", e.Expected, e.Got)
}

// CommandError carries a textual failure reported by the peer (a sync FAIL
// frame, a non-Success install status...).
type CommandError struct {
	// Op names the failed operation ("install", "push", ...).
	Op string

	// Message is the peer's error text.
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

// AuthState tracks the RSA challenge handshake.
type AuthState uint8

const (
	// AuthNeedsToken is the initial state, before any AUTH exchange.
	AuthNeedsToken AuthState = iota
	// AuthSignatureSent means the token signature has been offered.
	AuthSignatureSent
	// AuthPubkeySent means the public key has been offered and the
	// client is waiting for on-device approval.
	AuthPubkeySent
	// AuthAuthenticated means the handshake completed.
	AuthAuthenticated
)

// String returns the state name.
func (s AuthState) String() string {
	switch s {
	case AuthNeedsToken:
		return "needs-token"
	case AuthSignatureSent:
		return "signature-sent"
	case AuthPubkeySent:
		return "pubkey-sent"
	case AuthAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}
