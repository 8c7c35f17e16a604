package mux

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adb-protocol/adb-go/pkg/transport"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// fakeTransport is an in-memory packet link driven by the test.
type fakeTransport struct {
	in  chan wire.Packet // delivered to the multiplexer's reader
	out chan wire.Packet // written by the multiplexer

	mu     sync.Mutex
	closed chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan wire.Packet, 1024),
		out:    make(chan wire.Packet, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Connect() error { return nil }

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) ReadPacket(timeout time.Duration) (wire.Packet, error) {
	if timeout <= 0 {
		select {
		case p := <-f.in:
			return p, nil
		case <-f.closed:
			return wire.Packet{}, transport.ErrNotConnected
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-f.in:
		return p, nil
	case <-f.closed:
		return wire.Packet{}, transport.ErrNotConnected
	case <-timer.C:
		return wire.Packet{}, transport.ErrTimeout
	}
}

func (f *fakeTransport) WritePacket(p wire.Packet, timeout time.Duration) error {
	select {
	case <-f.closed:
		return transport.ErrNotConnected
	default:
	}
	f.out <- p
	return nil
}

// nextOut returns the next packet the multiplexer wrote.
func (f *fakeTransport) nextOut(t *testing.T) wire.Packet {
	t.Helper()
	select {
	case p := <-f.out:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound packet")
		return wire.Packet{}
	}
}

func newTestMux(t *testing.T) (*Multiplexer, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	m := New(Config{Transport: tr, ConnectionID: "test"})
	t.Cleanup(func() { _ = m.Close() })
	return m, tr
}

// respondOpen answers the next OPEN on tr with an OKAY carrying remoteID.
func respondOpen(t *testing.T, tr *fakeTransport, remoteID uint32) uint32 {
	t.Helper()
	open := tr.nextOut(t)
	require.Equal(t, wire.CommandOpen, open.Command)
	tr.in <- wire.NewPacket(wire.CommandOkay, remoteID, open.Arg0, nil)
	return open.Arg0
}

func TestOpenSession(t *testing.T) {
	m, tr := newTestMux(t)
	m.SetAuthenticated()

	done := make(chan struct{})
	go func() {
		defer close(done)
		localID := respondOpen(t, tr, 500)
		assert.NotZero(t, localID)
	}()

	s, err := m.Open("shell:\x00", 2*time.Second)
	require.NoError(t, err)
	<-done

	assert.NotZero(t, s.LocalID())
	assert.Equal(t, uint32(500), s.RemoteID())
	assert.Equal(t, 1, m.SessionCount())
}

func TestOpenRejected(t *testing.T) {
	m, tr := newTestMux(t)
	m.SetAuthenticated()

	go func() {
		open := tr.nextOut(t)
		tr.in <- wire.NewPacket(wire.CommandClose, 0, open.Arg0, nil)
	}()

	_, err := m.Open("shell:\x00", 2*time.Second)
	var oerr *OpenError
	require.True(t, errors.As(err, &oerr), "err = %v", err)
	assert.Equal(t, wire.CommandClose, oerr.Reply)
	assert.Equal(t, 0, m.SessionCount())
}

func TestSessionFIFOOrder(t *testing.T) {
	m, tr := newTestMux(t)
	m.SetAuthenticated()

	go respondOpen(t, tr, 9)
	s, err := m.Open("sync:\x00", 2*time.Second)
	require.NoError(t, err)

	for i := range 10 {
		tr.in <- wire.NewPacket(wire.CommandWrite, 9, s.LocalID(), []byte{byte(i)})
	}

	for i := range 10 {
		p, err := s.Read(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, byte(i), p.Payload[0], "arrival order not preserved")
	}
}

func TestCrossSessionIndependence(t *testing.T) {
	m, tr := newTestMux(t)
	m.SetAuthenticated()

	go respondOpen(t, tr, 1)
	a, err := m.Open("shell:slow\x00", 2*time.Second)
	require.NoError(t, err)

	go respondOpen(t, tr, 2)
	b, err := m.Open("shell:fast\x00", 2*time.Second)
	require.NoError(t, err)

	// Fill session A's queue without consuming it, then deliver to B.
	for range 50 {
		tr.in <- wire.NewPacket(wire.CommandWrite, 1, a.LocalID(), []byte("a"))
	}
	tr.in <- wire.NewPacket(wire.CommandWrite, 2, b.LocalID(), []byte("b"))

	// B's packet must arrive even though A is unconsumed.
	p, err := b.Read(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), p.Payload)
}

func TestUniqueNonZeroLocalIDs(t *testing.T) {
	m, tr := newTestMux(t)
	m.SetAuthenticated()

	seen := make(map[uint32]bool)
	for range 20 {
		go respondOpen(t, tr, 77)
		s, err := m.Open("x\x00", 2*time.Second)
		require.NoError(t, err)
		assert.NotZero(t, s.LocalID())
		assert.False(t, seen[s.LocalID()], "duplicate local id %d", s.LocalID())
		seen[s.LocalID()] = true
	}
}

func TestWriteDataAwaitsOkay(t *testing.T) {
	m, tr := newTestMux(t)
	m.SetAuthenticated()

	go respondOpen(t, tr, 3)
	s, err := m.Open("sync:\x00", 2*time.Second)
	require.NoError(t, err)

	wrote := make(chan error, 1)
	go func() {
		wrote <- s.WriteData([]byte("chunk"))
	}()

	// The WRTE goes out immediately...
	p := tr.nextOut(t)
	require.Equal(t, wire.CommandWrite, p.Command)
	assert.Equal(t, []byte("chunk"), p.Payload)

	// ...but WriteData must not return before the OKAY.
	select {
	case <-wrote:
		t.Fatal("WriteData returned before OKAY")
	case <-time.After(50 * time.Millisecond):
	}

	tr.in <- wire.NewPacket(wire.CommandOkay, 3, s.LocalID(), nil)
	require.NoError(t, <-wrote)
}

func TestWriteDataPeerClose(t *testing.T) {
	m, tr := newTestMux(t)
	m.SetAuthenticated()

	go respondOpen(t, tr, 3)
	s, err := m.Open("sync:\x00", 2*time.Second)
	require.NoError(t, err)

	go func() {
		tr.nextOut(t) // the WRTE
		tr.in <- wire.NewPacket(wire.CommandClose, 3, s.LocalID(), nil)
	}()

	err = s.WriteData([]byte("chunk"))
	assert.True(t, errors.Is(err, ErrSessionClosed), "err = %v", err)
}

func TestHandshakeQueue(t *testing.T) {
	m, tr := newTestMux(t)

	// Before SetAuthenticated everything lands on the handshake queue,
	// whatever its arg1.
	tr.in <- wire.NewPacket(wire.CommandAuth, wire.AuthToken, 0, make([]byte, 20))

	p, err := m.ReadHandshake(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.CommandAuth, p.Command)
	assert.Equal(t, wire.AuthToken, p.Arg0)

	_, err = m.ReadHandshake(50 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrReadTimeout))
}

func TestUnroutedPacketDropped(t *testing.T) {
	m, tr := newTestMux(t)
	m.SetAuthenticated()

	go respondOpen(t, tr, 4)
	s, err := m.Open("shell:\x00", 2*time.Second)
	require.NoError(t, err)

	// A packet for an id that matches no session is discarded.
	tr.in <- wire.NewPacket(wire.CommandWrite, 4, s.LocalID()+1, []byte("stray"))
	tr.in <- wire.NewPacket(wire.CommandWrite, 4, s.LocalID(), []byte("mine"))

	p, err := s.Read(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), p.Payload)
}

func TestSessionCloseDrainsEchoes(t *testing.T) {
	m, tr := newTestMux(t)
	m.SetAuthenticated()

	go respondOpen(t, tr, 5)
	s, err := m.Open("sync:\x00", 2*time.Second)
	require.NoError(t, err)

	// Queue two trailing CLSE echoes before the client closes.
	tr.in <- wire.NewPacket(wire.CommandClose, 5, s.LocalID(), nil)
	tr.in <- wire.NewPacket(wire.CommandClose, 5, s.LocalID(), nil)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, m.SessionCount())

	// The outbound CLSE was sent.
	p := tr.nextOut(t)
	assert.Equal(t, wire.CommandClose, p.Command)
	assert.Equal(t, s.LocalID(), p.Arg0)
}

func TestMuxCloseSendsClseToLiveSessions(t *testing.T) {
	tr := newFakeTransport()
	m := New(Config{Transport: tr})
	m.SetAuthenticated()

	go respondOpen(t, tr, 6)
	s, err := m.Open("shell:\x00", 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent

	p := tr.nextOut(t)
	assert.Equal(t, wire.CommandClose, p.Command)
	assert.Equal(t, s.LocalID(), p.Arg0)

	_, err = s.Read(50 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrClosed))
}
