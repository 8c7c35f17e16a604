package adb

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/adb-protocol/adb-go/pkg/mux"
	"github.com/adb-protocol/adb-go/pkg/transport"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// reverseRelayChunk bounds one relayed TCP read.
const reverseRelayChunk = 64 * 1024

// Reverse installs a reverse forwarding rule (connections the device makes
// to remote are relayed to the local port) and serves incoming reversed
// connections until the multiplexer shuts down. Each peer-initiated OPEN is
// handed to its own worker; finished workers are reaped before each
// dispatch step.
func (d *MessageDevice) Reverse(remote, local ForwardSpec) error {
	opens := d.mux.Opens()

	if err := d.reverseControl(fmt.Sprintf("reverse:forward:%s;%s", remote, local)); err != nil {
		return err
	}

	type worker struct {
		done chan struct{}
	}
	workers := make(map[uint32]*worker)

	for {
		// Reap finished workers.
		for id, w := range workers {
			select {
			case <-w.done:
				delete(workers, id)
			default:
			}
		}

		var open wire.Packet
		select {
		case open = <-opens:
		case <-d.mux.Done():
			return nil
		case <-time.After(time.Second):
			// Reap tick while idle.
			continue
		}

		w := &worker{done: make(chan struct{})}
		workers[open.Arg0] = w
		go func(open wire.Packet) {
			defer close(w.done)
			if err := d.serveReversed(open, local); err != nil {
				d.logError("reverse worker", err)
			}
		}(open)
	}
}

// reverseControl opens a reverse: control session and consumes its
// WRTE+CLSE acknowledgement pair.
func (d *MessageDevice) reverseControl(destination string) error {
	s, err := d.openSession(destination)
	if err != nil {
		return err
	}

	ack, err := s.Read(handshakeTimeout)
	if err != nil {
		return err
	}
	if ack.Command != wire.CommandWrite {
		_ = s.Close()
		return &ProtocolError{Expected: "WRTE", Got: ack.Command, Context: "reverse control"}
	}

	fin, err := s.Read(handshakeTimeout)
	if err != nil {
		return err
	}
	if fin.Command != wire.CommandClose {
		_ = s.Close()
		return &ProtocolError{Expected: "CLSE", Got: fin.Command, Context: "reverse control"}
	}

	s.Detach()
	return nil
}

// ReverseRemoveAll clears every reverse forwarding rule on the device.
func (d *MessageDevice) ReverseRemoveAll() error {
	return d.reverseControl("reverse:killforward-all")
}

// serveReversed handles one reversed connection: bind the id pair with an
// OKAY, dial the local port, then relay bidirectionally until either side
// closes.
func (d *MessageDevice) serveReversed(open wire.Packet, local ForwardSpec) error {
	s, err := d.adoptReversed(open)
	if err != nil {
		return err
	}
	defer s.Close()

	// The OPEN names the device-side port of the rule; the relay target
	// is the rule's local port.
	dest, err := ParseForwardSpec(string(open.Payload))
	if err != nil {
		return err
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", local.Port))
	if err != nil {
		return fmt.Errorf("reverse dial for %s failed: %w", dest, err)
	}
	defer conn.Close()

	acks := make(chan struct{}, 1)
	relayDone := make(chan error, 1)

	// Inbound half: WRTE payloads into the TCP stream, each acknowledged;
	// OKAYs release the outbound half's next write.
	go func() {
		relayDone <- func() error {
			defer conn.Close()
			for {
				p, err := s.Read(transport.NoTimeout)
				if err != nil {
					return err
				}
				switch p.Command {
				case wire.CommandWrite:
					if _, err := conn.Write(p.Payload); err != nil {
						return err
					}
					if err := s.SendOkay(); err != nil {
						return err
					}
				case wire.CommandOkay:
					select {
					case acks <- struct{}{}:
					default:
					}
				case wire.CommandClose:
					return nil
				default:
					return &ProtocolError{Expected: "WRTE, OKAY or CLSE", Got: p.Command, Context: "reverse relay"}
				}
			}
		}()
	}()

	// Outbound half: TCP bytes out as WRTE, one in flight at a time.
	buf := make([]byte, reverseRelayChunk)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			if err := s.WriteDataPipelined(buf[:n]); err != nil {
				break
			}
			select {
			case <-acks:
			case err := <-relayDone:
				if err != nil {
					return err
				}
				return nil
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && !errors.Is(rerr, net.ErrClosed) {
				return rerr
			}
			break
		}
	}

	// Local side done: announce the close, but leave the queue to the
	// inbound half until it observes the peer's CLSE.
	_ = s.SendClose()
	relayErr := <-relayDone
	for {
		if _, err := s.Read(20 * time.Millisecond); err != nil {
			break
		}
	}
	s.Detach()

	if relayErr != nil && !errors.Is(relayErr, mux.ErrClosed) {
		return relayErr
	}
	return nil
}

// adoptReversed binds a peer-initiated OPEN to a fresh session: pick a
// local id, register it, reply OKAY.
func (d *MessageDevice) adoptReversed(open wire.Packet) (*mux.Session, error) {
	if open.Command != wire.CommandOpen {
		return nil, &ProtocolError{Expected: "OPEN", Got: open.Command, Context: "reverse dispatch"}
	}

	s, err := d.mux.AdoptReversed(open.Arg0)
	if err != nil {
		return nil, err
	}
	if err := s.SendOkay(); err != nil {
		s.Detach()
		return nil, err
	}
	return s, nil
}

// logError emits an error event.
func (d *MessageDevice) logError(context string, err error) {
	d.logger.Log(logErrorEvent(d.connID, d.serial, context, err))
}
