package mux

import (
	"fmt"
	"time"

	"github.com/adb-protocol/adb-go/pkg/transport"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// Session is a logical stream multiplexed over a connection, identified by
// the (localID, remoteID) pair. It is a small non-owning handle; closing
// the multiplexer invalidates all sessions.
type Session struct {
	mux      *Multiplexer
	localID  uint32
	remoteID uint32
	queue    chan wire.Packet
	closed   bool
}

// LocalID returns the id chosen by this side at OPEN time.
func (s *Session) LocalID() uint32 { return s.localID }

// RemoteID returns the id the peer assigned.
func (s *Session) RemoteID() uint32 { return s.remoteID }

// Read dequeues the next inbound packet for this session, blocking up to
// timeout (zero blocks until the multiplexer closes).
func (s *Session) Read(timeout time.Duration) (wire.Packet, error) {
	return s.mux.await(s.queue, timeout)
}

// packet builds an outbound packet bound to this session's id pair.
func (s *Session) packet(cmd wire.Command, payload []byte) wire.Packet {
	return wire.NewPacket(cmd, s.localID, s.remoteID, payload)
}

// SendOkay acknowledges the most recent inbound WRTE.
func (s *Session) SendOkay() error {
	return s.mux.WritePacket(s.packet(wire.CommandOkay, nil))
}

// ReadAndOkay dequeues one packet and, unless it is a CLSE, acknowledges it
// with an OKAY so the peer may send more.
func (s *Session) ReadAndOkay(timeout time.Duration) (wire.Packet, error) {
	p, err := s.Read(timeout)
	if err != nil {
		return wire.Packet{}, err
	}
	if p.Command == wire.CommandClose {
		return p, nil
	}
	if err := s.SendOkay(); err != nil {
		return wire.Packet{}, err
	}
	return p, nil
}

// SendClose writes a CLSE without tearing the session down. Used when a
// dedicated reader goroutine still owns the queue and will observe the
// peer's closing CLSE itself.
func (s *Session) SendClose() error {
	return s.mux.WritePacket(s.packet(wire.CommandClose, nil))
}

// WriteData sends one WRTE and waits for the peer's OKAY before returning.
// This enforces the alternation invariant: a WRTE may be sent only after
// the previous WRTE on the session has been acknowledged, which doubles as
// flow control.
func (s *Session) WriteData(payload []byte) error {
	return s.writeAwaitOkay(s.packet(wire.CommandWrite, payload))
}

// WriteDataPipelined sends a WRTE without waiting for the OKAY. Used by the
// interactive shell writer, which pipelines keystrokes within the peer's
// advertised window.
func (s *Session) WriteDataPipelined(payload []byte) error {
	return s.mux.WritePacket(s.packet(wire.CommandWrite, payload))
}

// writeAwaitOkay sends p and consumes the matching OKAY.
func (s *Session) writeAwaitOkay(p wire.Packet) error {
	if err := s.mux.WritePacket(p); err != nil {
		return err
	}
	reply, err := s.Read(transport.NoTimeout)
	if err != nil {
		return err
	}
	switch reply.Command {
	case wire.CommandOkay:
		return nil
	case wire.CommandClose:
		return ErrSessionClosed
	default:
		return fmt.Errorf("expected OKAY after WRTE, peer sent %s", reply.Command)
	}
}

// Close ends the session: CLSE to the peer, trailing CLSE echoes drained
// with a short timeout, queue removed. Safe to call twice.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.mux.WritePacket(s.packet(wire.CommandClose, nil))

	// Some devices re-send CLSE until the client acknowledges. Drain
	// them quickly so they don't surface on a reused id.
	for {
		if _, derr := s.Read(closeDrainTimeout); derr != nil {
			break
		}
	}

	s.mux.release(s.localID)
	return err
}

// Detach removes the session queue without sending CLSE. Used when the
// close has already happened at the protocol level.
func (s *Session) Detach() {
	if s.closed {
		return
	}
	s.closed = true
	s.mux.release(s.localID)
}
