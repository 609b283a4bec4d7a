package server

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touka-aoi/rendezvous/core/engine"
	toukaerrors "github.com/touka-aoi/rendezvous/core/errors"
	"github.com/touka-aoi/rendezvous/core/event"
	"github.com/touka-aoi/rendezvous/middleware"
	"github.com/touka-aoi/rendezvous/server/peer"
)

type fakeWrite struct {
	fd   int32
	data []byte
}

// fakeEngine は呼び出しを記録するだけのエンジン。イベントはテストが積む
type fakeEngine struct {
	mu        sync.Mutex
	queue     []*engine.NetEvent
	writes    []fakeWrite
	closed    []int32
	reads     []int32
	cancelled bool
	writeErr  error
}

type fakeListener struct{}

func (fakeListener) Addr() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:9118")
}

func (fakeListener) Close() error {
	return nil
}

func (f *fakeEngine) Listen(ctx context.Context, address string, backlog int) (engine.Listener, error) {
	return fakeListener{}, nil
}

func (f *fakeEngine) Accept(ctx context.Context, listener engine.Listener) error { return nil }

func (f *fakeEngine) CancelAccept(ctx context.Context, listener engine.Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeEngine) ReceiveData(ctx context.Context) ([]*engine.NetEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, toukaerrors.ErrWouldBlock
	}
	events := f.queue
	f.queue = nil
	return events, nil
}

func (f *fakeEngine) WaitEvent(ctx context.Context) error {
	time.Sleep(time.Millisecond)
	return nil
}

func (f *fakeEngine) RegisterRead(ctx context.Context, fd int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, fd)
	return nil
}

func (f *fakeEngine) Write(ctx context.Context, fd int32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, fakeWrite{fd: fd, data: data})
	return nil
}

func (f *fakeEngine) ClosePeer(ctx context.Context, fd int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, fd)
	f.queue = append(f.queue, &engine.NetEvent{EventType: event.EVENT_TYPE_CLOSE, Fd: fd})
	return nil
}

func (f *fakeEngine) GetSockAddr(ctx context.Context, fd int32) (*engine.SockAddr, error) {
	return &engine.SockAddr{
		Fd:         fd,
		LocalAddr:  netip.MustParseAddrPort("127.0.0.1:9118"),
		RemoteAddr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(fd)}), 40000),
	}, nil
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) push(ev *engine.NetEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, ev)
}

func (f *fakeEngine) snapshot() ([]fakeWrite, []int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeWrite(nil), f.writes...), append([]int32(nil), f.closed...)
}

// takeClose は ClosePeer で積まれた CLOSE イベントを取り出す
func (f *fakeEngine) takeClose() *engine.NetEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ev := range f.queue {
		if ev.EventType == event.EVENT_TYPE_CLOSE {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			return ev
		}
	}
	return nil
}

type writeResult struct {
	n   int
	err error
}

type recordingApp struct {
	mu          sync.Mutex
	connectErr  error
	onData      func(ctx context.Context, p *peer.Peer, data []byte) (bool, error)
	connects    []*peer.Peer
	disconnects []*peer.Peer
	writes      []writeResult
}

func (a *recordingApp) OnConnect(ctx context.Context, p *peer.Peer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects = append(a.connects, p)
	return a.connectErr
}

func (a *recordingApp) OnData(ctx context.Context, p *peer.Peer, data []byte) (bool, error) {
	if a.onData == nil {
		return false, nil
	}
	return a.onData(ctx, p, data)
}

func (a *recordingApp) OnWriteComplete(ctx context.Context, p *peer.Peer, n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, writeResult{n: n, err: err})
}

func (a *recordingApp) OnDisconnect(ctx context.Context, p *peer.Peer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects = append(a.disconnects, p)
	return nil
}

func (a *recordingApp) disconnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.disconnects)
}

func newTestServer(config NetworkServerConfig) (*NetworkServer, *fakeEngine, *recordingApp) {
	fe := &fakeEngine{}
	ns := NewNetworkServer(fe, config, middleware.NewPipeline().Use(middleware.AccessLogMiddleware))
	app := &recordingApp{}
	ns.app = app
	return ns, fe, app
}

func accept(t *testing.T, ns *NetworkServer, fd int32) *peer.Peer {
	t.Helper()
	ns.dispatch(context.Background(), &engine.NetEvent{EventType: event.EVENT_TYPE_ACCEPT, Fd: fd})
	p, ok := ns.connections[fd]
	require.True(t, ok)
	return p
}

func TestNewNetworkServer_Defaults(t *testing.T) {
	ns := NewNetworkServer(&fakeEngine{}, NetworkServerConfig{}, nil)
	assert.Equal(t, "tcp", ns.config.Protocol)
	assert.Equal(t, defaultBacklog, ns.config.Backlog)
	assert.Equal(t, defaultDrainTimeout, ns.config.DrainTimeout)
	assert.Equal(t, Running, ns.Status())
	assert.Equal(t, "running", ns.Status().String())
}

func TestNetworkServer_Listen(t *testing.T) {
	ns := NewNetworkServer(&fakeEngine{}, NetworkServerConfig{Address: "127.0.0.1", Port: 9118}, nil)
	require.NoError(t, ns.Listen(context.Background()))
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:9118"), ns.Addr())

	udp := NewNetworkServer(&fakeEngine{}, NetworkServerConfig{Protocol: "udp"}, nil)
	assert.ErrorIs(t, udp.Listen(context.Background()), ErrUnsupportedProtocol)
	assert.Equal(t, netip.AddrPort{}, udp.Addr())
}

func TestNetworkServer_Accept(t *testing.T) {
	ns, fe, app := newTestServer(NetworkServerConfig{})
	p := accept(t, ns, 5)

	assert.Equal(t, peer.StateIdle, p.State())
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.5:40000"), p.RemoteAddr())
	assert.Equal(t, []int32{5}, fe.reads)
	assert.Len(t, app.connects, 1)
}

func TestNetworkServer_AcceptRejectedByApplication(t *testing.T) {
	ns, fe, app := newTestServer(NetworkServerConfig{})
	app.connectErr = errors.New("not ipv4")

	ns.dispatch(context.Background(), &engine.NetEvent{EventType: event.EVENT_TYPE_ACCEPT, Fd: 5})
	assert.NotContains(t, ns.connections, int32(5))
	assert.Empty(t, fe.reads)
	_, closed := fe.snapshot()
	assert.Equal(t, []int32{5}, closed)

	// エンジンからの CLOSE は知らない接続なので無視される
	ns.dispatch(context.Background(), fe.takeClose())
	assert.Equal(t, 0, app.disconnectCount())
}

func TestNetworkServer_CloseWaitsForWrite(t *testing.T) {
	ns, fe, app := newTestServer(NetworkServerConfig{})
	ctx := context.Background()
	response := []byte{0, 0, 0, 1, 10, 0, 0, 9}
	app.onData = func(ctx context.Context, p *peer.Peer, data []byte) (bool, error) {
		require.NoError(t, ns.Send(ctx, p, response))
		require.NoError(t, ns.Close(ctx, p))
		return true, nil
	}
	p := accept(t, ns, 3)

	ns.dispatch(ctx, &engine.NetEvent{EventType: event.EVENT_TYPE_READ, Fd: 3, Data: []byte{0x1A}})
	writes, closed := fe.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, response, writes[0].data)
	assert.Empty(t, closed, "close must wait for the write")
	assert.Equal(t, peer.StateClosing, p.State())

	ns.dispatch(ctx, &engine.NetEvent{EventType: event.EVENT_TYPE_WRITE, Fd: 3, SentLength: len(response)})
	_, closed = fe.snapshot()
	assert.Equal(t, []int32{3}, closed)
	assert.Equal(t, []writeResult{{n: len(response)}}, app.writes)

	ns.dispatch(ctx, fe.takeClose())
	assert.Equal(t, 1, app.disconnectCount())
	assert.Equal(t, peer.StateClosed, p.State())
	assert.ErrorIs(t, ns.Send(ctx, p, []byte{1}), toukaerrors.ErrUnknownPeer)
}

func TestNetworkServer_PartialWriteResends(t *testing.T) {
	ns, fe, _ := newTestServer(NetworkServerConfig{})
	ctx := context.Background()
	p := accept(t, ns, 3)

	require.NoError(t, ns.Send(ctx, p, []byte("abcdef")))
	ns.dispatch(ctx, &engine.NetEvent{EventType: event.EVENT_TYPE_WRITE, Fd: 3, SentLength: 2})

	writes, _ := fe.snapshot()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte("abcdef"), writes[0].data)
	assert.Equal(t, []byte("cdef"), writes[1].data)
}

func TestNetworkServer_SendQueuesWhileInFlight(t *testing.T) {
	ns, fe, _ := newTestServer(NetworkServerConfig{})
	ctx := context.Background()
	p := accept(t, ns, 3)

	require.NoError(t, ns.Send(ctx, p, []byte("one")))
	require.NoError(t, ns.Send(ctx, p, []byte("two")))
	require.NoError(t, ns.Send(ctx, p, []byte("three")))
	writes, _ := fe.snapshot()
	require.Len(t, writes, 1)

	ns.dispatch(ctx, &engine.NetEvent{EventType: event.EVENT_TYPE_WRITE, Fd: 3, SentLength: 3})
	writes, _ = fe.snapshot()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte("twothree"), writes[1].data)
}

func TestNetworkServer_WriteErrorClosesPeer(t *testing.T) {
	ns, fe, app := newTestServer(NetworkServerConfig{})
	ctx := context.Background()
	p := accept(t, ns, 3)
	broken := errors.New("broken pipe")

	require.NoError(t, ns.Send(ctx, p, []byte("data")))
	ns.dispatch(ctx, &engine.NetEvent{EventType: event.EVENT_TYPE_WRITE, Fd: 3, Err: broken})

	assert.Equal(t, []writeResult{{err: broken}}, app.writes)
	_, closed := fe.snapshot()
	assert.Equal(t, []int32{3}, closed)
	assert.True(t, p.Writer.Drained())
}

func TestNetworkServer_EngineWriteFailure(t *testing.T) {
	ns, fe, _ := newTestServer(NetworkServerConfig{})
	ctx := context.Background()
	p := accept(t, ns, 3)
	fe.writeErr = errors.New("submission queue full")

	require.NoError(t, ns.Send(ctx, p, []byte("data")))
	_, closed := fe.snapshot()
	assert.Equal(t, []int32{3}, closed)
}

func TestNetworkServer_UnhandledPolicy(t *testing.T) {
	ctx := context.Background()

	keep, keepEngine, _ := newTestServer(NetworkServerConfig{})
	p := accept(t, keep, 3)
	keep.dispatch(ctx, &engine.NetEvent{EventType: event.EVENT_TYPE_READ, Fd: 3, Data: []byte{0xFF}})
	_, closed := keepEngine.snapshot()
	assert.Empty(t, closed)
	assert.Equal(t, peer.StateIdle, p.State())

	drop, dropEngine, _ := newTestServer(NetworkServerConfig{CloseOnUnhandled: true})
	accept(t, drop, 3)
	drop.dispatch(ctx, &engine.NetEvent{EventType: event.EVENT_TYPE_READ, Fd: 3, Data: []byte{0xFF}})
	_, closed = dropEngine.snapshot()
	assert.Equal(t, []int32{3}, closed)
}

func TestNetworkServer_DropsReadsWhileClosing(t *testing.T) {
	ns, _, app := newTestServer(NetworkServerConfig{})
	ctx := context.Background()
	calls := 0
	app.onData = func(ctx context.Context, p *peer.Peer, data []byte) (bool, error) {
		calls++
		require.NoError(t, ns.Send(ctx, p, []byte{1}))
		require.NoError(t, ns.Close(ctx, p))
		return true, nil
	}
	p := accept(t, ns, 3)

	ns.dispatch(ctx, &engine.NetEvent{EventType: event.EVENT_TYPE_READ, Fd: 3, Data: []byte{0x1A}})
	ns.dispatch(ctx, &engine.NetEvent{EventType: event.EVENT_TYPE_READ, Fd: 3, Data: []byte{0x1A}})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, ns.Send(ctx, p, []byte{2}), toukaerrors.ErrPeerClosing)
	assert.ErrorIs(t, ns.Close(ctx, p), toukaerrors.ErrPeerClosing)
}

func TestNetworkServer_RemoteClose(t *testing.T) {
	ns, _, app := newTestServer(NetworkServerConfig{})
	p := accept(t, ns, 3)

	ns.dispatch(context.Background(), &engine.NetEvent{EventType: event.EVENT_TYPE_CLOSE, Fd: 3, Err: errors.New("connection reset")})
	assert.Empty(t, ns.connections)
	assert.Equal(t, []*peer.Peer{p}, app.disconnects)
}

func TestNetworkServer_ServeDrains(t *testing.T) {
	fe := &fakeEngine{}
	ns := NewNetworkServer(fe, NetworkServerConfig{DrainTimeout: 5 * time.Second}, nil)
	require.NoError(t, ns.Listen(context.Background()))
	app := &recordingApp{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ns.Serve(ctx, app) }()

	fe.push(&engine.NetEvent{EventType: event.EVENT_TYPE_ACCEPT, Fd: 1})
	fe.push(&engine.NetEvent{EventType: event.EVENT_TYPE_ACCEPT, Fd: 2})
	require.Eventually(t, func() bool {
		app.mu.Lock()
		defer app.mu.Unlock()
		return len(app.connects) == 2
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, Stopped, ns.Status())
	assert.True(t, fe.cancelled)
	_, closed := fe.snapshot()
	assert.ElementsMatch(t, []int32{1, 2}, closed)
	assert.Equal(t, 2, app.disconnectCount())
}

// stuckEngine は ClosePeer しても CLOSE を返さない
type stuckEngine struct {
	fakeEngine
}

func (s *stuckEngine) ClosePeer(ctx context.Context, fd int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, fd)
	return nil
}

func TestNetworkServer_ServeDrainTimeout(t *testing.T) {
	se := &stuckEngine{}
	ns := NewNetworkServer(se, NetworkServerConfig{DrainTimeout: 20 * time.Millisecond}, nil)
	app := &recordingApp{}
	se.push(&engine.NetEvent{EventType: event.EVENT_TYPE_ACCEPT, Fd: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ns.Serve(ctx, app) }()
	require.Eventually(t, func() bool {
		app.mu.Lock()
		defer app.mu.Unlock()
		return len(app.connects) == 1
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, Stopped, ns.Status())
	assert.Equal(t, 1, app.disconnectCount())
}
