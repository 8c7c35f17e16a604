package mux

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/adb-protocol/adb-go/pkg/log"
	"github.com/adb-protocol/adb-go/pkg/transport"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// DefaultQueueDepth bounds each per-session inbound queue. The WRTE/OKAY
// alternation keeps real depth near one; the bound only matters for
// misbehaving peers.
const DefaultQueueDepth = 256

// closeDrainTimeout is how long trailing CLSE echoes are drained after a
// session ends. Some devices re-send CLSE until acknowledged.
const closeDrainTimeout = 20 * time.Millisecond

// Multiplexer errors.
var (
	// ErrClosed indicates the multiplexer has shut down.
	ErrClosed = errors.New("multiplexer closed")

	// ErrSessionClosed indicates the peer closed the session.
	ErrSessionClosed = errors.New("session closed by peer")

	// ErrReadTimeout indicates no packet arrived within the deadline.
	ErrReadTimeout = errors.New("session read timeout")

	// ErrIDExhausted indicates no free local id could be found.
	ErrIDExhausted = errors.New("cannot allocate session id")
)

// OpenError indicates the peer rejected an OPEN.
type OpenError struct {
	Destination string
	Reply       wire.Command
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %q failed: peer replied %s instead of OKAY", e.Destination, e.Reply)
}

// Config configures a Multiplexer.
type Config struct {
	// Transport is the connected packet link. Required.
	Transport transport.Transport

	// QueueDepth bounds per-session queues (default DefaultQueueDepth).
	QueueDepth int

	// Logger receives protocol events (optional).
	Logger log.Logger

	// ConnectionID stamps log events (optional).
	ConnectionID string
}

// Multiplexer routes inbound packets to per-session queues and serializes
// session lifecycle over one transport.
type Multiplexer struct {
	tr         transport.Transport
	queueDepth int
	logger     log.Logger
	connID     string

	mu            sync.RWMutex
	queues        map[uint32]chan wire.Packet
	handshake     chan wire.Packet
	opens         chan wire.Packet
	authenticated bool
	closed        bool

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a multiplexer over a connected transport and starts its
// reader goroutine.
func New(cfg Config) *Multiplexer {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NoopLogger{}
	}

	m := &Multiplexer{
		tr:         cfg.Transport,
		queueDepth: cfg.QueueDepth,
		logger:     cfg.Logger,
		connID:     cfg.ConnectionID,
		queues:     make(map[uint32]chan wire.Packet),
		handshake:  make(chan wire.Packet, cfg.QueueDepth),
		done:       make(chan struct{}),
	}

	m.wg.Add(1)
	go m.readLoop()
	return m
}

// readLoop is the only reader of the transport. It never blocks on an
// application consumer beyond the queue bound.
func (m *Multiplexer) readLoop() {
	defer m.wg.Done()

	// A reader death (transport failure) releases every blocked consumer.
	defer m.closeDone()

	for {
		p, err := m.tr.ReadPacket(transport.NoTimeout)
		if err != nil {
			select {
			case <-m.done:
			default:
				m.logger.Log(log.Event{
					Timestamp:    time.Now(),
					ConnectionID: m.connID,
					Direction:    log.DirectionIn,
					Layer:        log.LayerTransport,
					Category:     log.CategoryError,
					Error: &log.ErrorEventData{
						Layer:   log.LayerTransport,
						Message: err.Error(),
						Context: "reader loop",
					},
				})
			}
			return
		}

		m.logPacket(p, log.DirectionIn)
		m.route(p)
	}
}

// route places an inbound packet on the queue matching its arg1 (our local
// id from the peer's perspective), or on the handshake queue before
// authentication.
func (m *Multiplexer) route(p wire.Packet) {
	m.mu.RLock()
	authenticated := m.authenticated
	queue, known := m.queues[p.Arg1]
	opens := m.opens
	m.mu.RUnlock()

	if !authenticated {
		select {
		case m.handshake <- p:
		case <-m.done:
		}
		return
	}

	// A peer-initiated OPEN carries no local id yet; hand it to the
	// reverse-forward dispatcher when one is listening.
	if p.Command == wire.CommandOpen && opens != nil {
		select {
		case opens <- p:
		case <-m.done:
		}
		return
	}

	if !known {
		m.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: m.connID,
			Direction:    log.DirectionIn,
			Layer:        log.LayerDevice,
			Category:     log.CategoryError,
			Error: &log.ErrorEventData{
				Layer:   log.LayerDevice,
				Message: fmt.Sprintf("dropping %s for unknown session %d", p.Command, p.Arg1),
			},
		})
		return
	}

	select {
	case queue <- p:
	case <-m.done:
	}
}

// SetAuthenticated switches routing from the handshake queue to per-session
// queues. Called once the CNXN exchange completes.
func (m *Multiplexer) SetAuthenticated() {
	m.mu.Lock()
	was := m.authenticated
	m.authenticated = true
	m.mu.Unlock()

	if !was {
		m.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: m.connID,
			Layer:        log.LayerDevice,
			Category:     log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:   log.EntityAuth,
				OldState: "handshake",
				NewState: "authenticated",
			},
		})
	}
}

// ReadHandshake returns the next packet received before authentication
// completed. Used by the CNXN/AUTH/STLS exchange.
func (m *Multiplexer) ReadHandshake(timeout time.Duration) (wire.Packet, error) {
	return m.await(m.handshake, timeout)
}

// await pops from a queue with an optional deadline.
func (m *Multiplexer) await(queue <-chan wire.Packet, timeout time.Duration) (wire.Packet, error) {
	if timeout <= 0 {
		select {
		case p := <-queue:
			return p, nil
		case <-m.done:
			return wire.Packet{}, ErrClosed
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-queue:
		return p, nil
	case <-m.done:
		return wire.Packet{}, ErrClosed
	case <-timer.C:
		return wire.Packet{}, ErrReadTimeout
	}
}

// WritePacket sends a packet on the shared transport, logging it.
func (m *Multiplexer) WritePacket(p wire.Packet) error {
	return m.WritePacketTimeout(p, transport.NoTimeout)
}

// WritePacketTimeout sends a packet with an explicit write deadline.
func (m *Multiplexer) WritePacketTimeout(p wire.Packet, timeout time.Duration) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	if err := m.tr.WritePacket(p, timeout); err != nil {
		return err
	}
	m.logPacket(p, log.DirectionOut)
	return nil
}

// allocateID picks a random non-zero local id not used by any live session
// and registers its queue.
func (m *Multiplexer) allocateID() (uint32, chan wire.Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, nil, ErrClosed
	}

	for range 64 {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, taken := m.queues[id]; taken {
			continue
		}
		queue := make(chan wire.Packet, m.queueDepth)
		m.queues[id] = queue
		return id, queue, nil
	}
	return 0, nil, ErrIDExhausted
}

// release removes a session queue.
func (m *Multiplexer) release(localID uint32) {
	m.mu.Lock()
	delete(m.queues, localID)
	m.mu.Unlock()
}

// Open establishes a new session for the given destination (including its
// trailing NUL). It sends OPEN, waits for the peer's OKAY and records the
// remote id.
func (m *Multiplexer) Open(destination string, timeout time.Duration) (*Session, error) {
	localID, queue, err := m.allocateID()
	if err != nil {
		return nil, err
	}

	open := wire.NewPacket(wire.CommandOpen, localID, 0, []byte(destination))
	if err := m.WritePacket(open); err != nil {
		m.release(localID)
		return nil, err
	}

	reply, err := m.await(queue, timeout)
	if err != nil {
		m.release(localID)
		return nil, fmt.Errorf("no reply to open %q: %w", destination, err)
	}
	if reply.Command != wire.CommandOkay {
		m.release(localID)
		return nil, &OpenError{Destination: destination, Reply: reply.Command}
	}

	s := &Session{
		mux:      m,
		localID:  localID,
		remoteID: reply.Arg0,
		queue:    queue,
	}

	m.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: m.connID,
		Layer:        log.LayerDevice,
		Category:     log.CategoryState,
		LocalID:      localID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.EntitySession,
			OldState: "opening",
			NewState: "open",
			Reason:   destination,
		},
	})
	return s, nil
}

// Opens returns a channel receiving peer-initiated OPEN packets, enabling
// it on first call. Used by the reverse-forward dispatcher.
func (m *Multiplexer) Opens() <-chan wire.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opens == nil {
		m.opens = make(chan wire.Packet, m.queueDepth)
	}
	return m.opens
}

// AdoptReversed allocates a fresh local id for a peer-initiated session
// (the peer's OPEN carries its id in arg0) and registers its queue.
func (m *Multiplexer) AdoptReversed(remoteID uint32) (*Session, error) {
	localID, queue, err := m.allocateID()
	if err != nil {
		return nil, err
	}
	return &Session{mux: m, localID: localID, remoteID: remoteID, queue: queue}, nil
}

// Done returns a channel closed when the multiplexer shuts down.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// SessionCount returns the number of live sessions.
func (m *Multiplexer) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues)
}

// Close shuts the multiplexer down: best-effort CLSE to every live session,
// transport disconnect, reader joined. Idempotent.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	live := make([]uint32, 0, len(m.queues))
	for id := range m.queues {
		live = append(live, id)
	}
	m.mu.Unlock()

	for _, id := range live {
		_ = m.tr.WritePacket(wire.NewPacket(wire.CommandClose, id, 0, nil), transport.DefaultWriteTimeout)
	}

	m.closeDone()
	err := m.tr.Disconnect()
	m.wg.Wait()

	m.mu.Lock()
	m.queues = make(map[uint32]chan wire.Packet)
	m.mu.Unlock()
	return err
}

// closeDone closes the shutdown channel exactly once.
func (m *Multiplexer) closeDone() {
	m.doneOnce.Do(func() { close(m.done) })
}

// logPacket emits a packet event.
func (m *Multiplexer) logPacket(p wire.Packet, dir log.Direction) {
	if _, noop := m.logger.(log.NoopLogger); noop {
		return
	}
	payload, truncated := log.CapturePayload(p.Payload)
	m.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: m.connID,
		Direction:    dir,
		Layer:        log.LayerPacket,
		Category:     log.CategoryPacket,
		Packet: &log.PacketEvent{
			Command:     p.Command.String(),
			Arg0:        p.Arg0,
			Arg1:        p.Arg1,
			PayloadSize: len(p.Payload),
			Payload:     payload,
			Truncated:   truncated,
		},
	})
}
