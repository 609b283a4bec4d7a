//go:build linux

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/touka-aoi/rendezvous/core/core"
	terrr "github.com/touka-aoi/rendezvous/core/errors"
	"github.com/touka-aoi/rendezvous/core/event"
	"golang.org/x/sys/unix"
)

const (
	uringEntries   = 4096
	uringBatchSize = 256
)

type userData struct {
	eventType event.EventType
	fd        int32
}

// UringNetEngine は io_uring で NetEngine を実装する
// 受信バッファと送信中のバッファはCQEが返るまでここで保持する
type UringNetEngine struct {
	mu        sync.Mutex
	uring     *core.Uring
	peers     map[int32]*uringPeer
	listeners map[int32]*TCPListener
	// カーネルを経由しないイベント (読み込み前のClosePeerなど)
	backlog []*NetEvent
	closed  bool

	readBufferSize int
	waitTimeout    time.Duration
}

type uringPeer struct {
	buf      []byte
	pending  [][]byte
	reading  bool
	readDone bool
}

func newUringEngine() (NetEngine, error) {
	e, err := NewUringNetEngine()
	if err != nil {
		return nil, err
	}
	return e, nil
}

func NewUringNetEngine() (*UringNetEngine, error) {
	uring, err := core.CreateUring(uringEntries)
	if err != nil {
		return nil, err
	}
	return &UringNetEngine{
		uring:          uring,
		peers:          make(map[int32]*uringPeer),
		listeners:      make(map[int32]*TCPListener),
		readBufferSize: defaultReadBufferSize,
		waitTimeout:    defaultWaitTimeout,
	}, nil
}

func (e *UringNetEngine) Listen(ctx context.Context, address string, backlog int) (Listener, error) {
	return Listen(address, backlog)
}

func (e *UringNetEngine) Accept(ctx context.Context, listener Listener) error {
	l, ok := listener.(*TCPListener)
	if !ok {
		return fmt.Errorf("uring engine cannot accept on %T", listener)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return terrr.ErrEngineClosed
	}
	e.listeners[l.Fd()] = l
	return e.submitAcceptLocked(l.Fd())
}

func (e *UringNetEngine) submitAcceptLocked(fd int32) error {
	op := e.uring.AcceptMultishot(fd, e.encodeUserData(event.EVENT_TYPE_ACCEPT, fd))
	return e.uring.Submit(op)
}

func (e *UringNetEngine) CancelAccept(ctx context.Context, listener Listener) error {
	l, ok := listener.(*TCPListener)
	if !ok {
		return fmt.Errorf("uring engine cannot cancel %T", listener)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[l.Fd()]; !ok {
		return terrr.ErrNotListening
	}
	delete(e.listeners, l.Fd())
	target := e.encodeUserData(event.EVENT_TYPE_ACCEPT, l.Fd())
	return e.uring.Submit(e.uring.Cancel(target, e.encodeUserData(event.EVENT_TYPE_CANCEL, l.Fd())))
}

// ReceiveData関数は溜まっているCQEを処理して、イベントとして返します
// ここでIO_URINGの依存関係を打ち切ります
func (e *UringNetEngine) ReceiveData(ctx context.Context) ([]*NetEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, terrr.ErrEngineClosed
	}

	netEvents := e.backlog
	e.backlog = nil

	cqeEvents, err := e.uring.PeekBatchEvents(uringBatchSize)
	if err != nil && !errors.Is(err, terrr.ErrWouldBlock) {
		return netEvents, err
	}

	for cqeEvent := range slices.Values(cqeEvents) {
		userData := e.decodeUserData(cqeEvent.UserData)

		switch userData.eventType {
		case event.EVENT_TYPE_ACCEPT:
			netEvents = e.handleAcceptLocked(ctx, userData.fd, cqeEvent, netEvents)
		case event.EVENT_TYPE_READ:
			netEvents = e.handleReadLocked(ctx, userData.fd, cqeEvent, netEvents)
		case event.EVENT_TYPE_WRITE:
			netEvents = e.handleWriteLocked(userData.fd, cqeEvent, netEvents)
		case event.EVENT_TYPE_CANCEL:
			slog.DebugContext(ctx, "Accept cancelled", "fd", userData.fd, "res", cqeEvent.Res)
		default:
			slog.WarnContext(ctx, "Unknown completion", "userData", cqeEvent.UserData)
		}
	}

	if len(netEvents) == 0 {
		return nil, terrr.ErrWouldBlock
	}
	return netEvents, nil
}

func (e *UringNetEngine) handleAcceptLocked(ctx context.Context, listenerFd int32, cqe *core.UringCQE, events []*NetEvent) []*NetEvent {
	_, active := e.listeners[listenerFd]
	// multishotが外れたら張り直す
	if active && cqe.Flags&core.IORING_CQE_F_MORE == 0 {
		if err := e.submitAcceptLocked(listenerFd); err != nil {
			slog.ErrorContext(ctx, "Failed to rearm accept", "fd", listenerFd, "error", err)
		}
	}
	if cqe.Res < 0 {
		errno := unix.Errno(-cqe.Res)
		if errno != unix.ECANCELED {
			slog.ErrorContext(ctx, "Accept failed", "fd", listenerFd, "error", errno)
		}
		return events
	}

	fd := cqe.Res
	e.peers[fd] = &uringPeer{}
	remote, err := core.RemoteAddrPort(fd)
	if err != nil {
		slog.WarnContext(ctx, "Failed to get peer name", "fd", fd, "error", err)
	}
	return append(events, &NetEvent{
		EventType:  event.EVENT_TYPE_ACCEPT,
		Fd:         fd,
		RemoteAddr: remote,
	})
}

func (e *UringNetEngine) handleReadLocked(ctx context.Context, fd int32, cqe *core.UringCQE, events []*NetEvent) []*NetEvent {
	p, ok := e.peers[fd]
	if !ok {
		return events
	}
	if cqe.Res > 0 {
		data := make([]byte, cqe.Res)
		copy(data, p.buf[:cqe.Res])
		events = append(events, &NetEvent{
			EventType: event.EVENT_TYPE_READ,
			Fd:        fd,
			Data:      data,
		})
		err := e.submitRecvLocked(fd, p)
		if err == nil {
			return events
		}
		slog.ErrorContext(ctx, "Failed to rearm recv", "fd", fd, "error", err)
	}

	// 0 は相手からのFIN もしくは ClosePeer による shutdown
	var closeErr error
	if cqe.Res < 0 {
		errno := unix.Errno(-cqe.Res)
		if errno != unix.ECONNRESET && errno != unix.ECANCELED {
			closeErr = errno
		}
	}
	p.readDone = true
	p.buf = nil
	e.releaseLocked(fd, p)
	return append(events, &NetEvent{
		EventType: event.EVENT_TYPE_CLOSE,
		Fd:        fd,
		Err:       closeErr,
	})
}

func (e *UringNetEngine) handleWriteLocked(fd int32, cqe *core.UringCQE, events []*NetEvent) []*NetEvent {
	p, ok := e.peers[fd]
	if !ok {
		return events
	}
	if len(p.pending) > 0 {
		p.pending = p.pending[1:]
	}
	ev := &NetEvent{EventType: event.EVENT_TYPE_WRITE, Fd: fd}
	if cqe.Res < 0 {
		ev.Err = unix.Errno(-cqe.Res)
	} else {
		ev.SentLength = int(cqe.Res)
	}
	e.releaseLocked(fd, p)
	return append(events, ev)
}

func (e *UringNetEngine) WaitEvent(ctx context.Context) error {
	e.mu.Lock()
	pending := len(e.backlog)
	e.mu.Unlock()
	if pending > 0 || ctx.Err() != nil {
		return nil
	}
	return e.uring.WaitEventWithTimeout(e.waitTimeout)
}

func (e *UringNetEngine) RegisterRead(ctx context.Context, fd int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[fd]
	if !ok {
		return fmt.Errorf("register read fd=%d: %w", fd, terrr.ErrUnknownPeer)
	}
	if p.reading {
		return nil
	}
	p.reading = true
	p.buf = make([]byte, e.readBufferSize)
	return e.submitRecvLocked(fd, p)
}

func (e *UringNetEngine) submitRecvLocked(fd int32, p *uringPeer) error {
	return e.uring.Submit(e.uring.Recv(fd, p.buf, e.encodeUserData(event.EVENT_TYPE_READ, fd)))
}

func (e *UringNetEngine) Write(ctx context.Context, fd int32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[fd]
	if !ok {
		return fmt.Errorf("write fd=%d: %w", fd, terrr.ErrUnknownPeer)
	}
	buf := slices.Clone(data)
	p.pending = append(p.pending, buf)
	if err := e.uring.Submit(e.uring.Send(fd, buf, e.encodeUserData(event.EVENT_TYPE_WRITE, fd))); err != nil {
		p.pending = p.pending[:len(p.pending)-1]
		return err
	}
	return nil
}

func (e *UringNetEngine) ClosePeer(ctx context.Context, fd int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[fd]
	if !ok {
		return fmt.Errorf("close fd=%d: %w", fd, terrr.ErrUnknownPeer)
	}
	if p.reading && !p.readDone {
		// 受信中のrecvが0で返ってくるので、そこでCLOSEを通知する
		return unix.Shutdown(int(fd), unix.SHUT_RDWR)
	}
	p.readDone = true
	e.releaseLocked(fd, p)
	e.backlog = append(e.backlog, &NetEvent{EventType: event.EVENT_TYPE_CLOSE, Fd: fd})
	return nil
}

// releaseLocked は受信が終わり送信中のバッファもなくなったfdを閉じる
func (e *UringNetEngine) releaseLocked(fd int32, p *uringPeer) {
	if !p.readDone || len(p.pending) > 0 {
		return
	}
	delete(e.peers, fd)
	if err := unix.Close(int(fd)); err != nil {
		slog.Warn("Failed to close fd", "fd", fd, "error", err)
	}
}

func (e *UringNetEngine) GetSockAddr(ctx context.Context, fd int32) (*SockAddr, error) {
	local, err := core.LocalAddrPort(fd)
	if err != nil {
		return nil, err
	}
	remote, err := core.RemoteAddrPort(fd)
	if err != nil {
		return nil, err
	}
	return &SockAddr{
		Fd:         fd,
		LocalAddr:  local,
		RemoteAddr: remote,
	}, nil
}

func (e *UringNetEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for fd := range e.peers {
		unix.Close(int(fd))
	}
	clear(e.peers)
	return e.uring.Close()
}

func (e *UringNetEngine) encodeUserData(ev event.EventType, fd int32) uint64 {
	return uint64(ev)<<32 | uint64(uint32(fd))
}

func (e *UringNetEngine) decodeUserData(data uint64) *userData {
	return &userData{
		eventType: event.EventType(data >> 32),
		fd:        int32(data & 0xFFFFFFFF),
	}
}

type TCPListener struct {
	socket *core.Socket
}

// Listen はio_uringで使うIPv4のリッスンソケットを作る
func Listen(externalAddress string, backlog int) (*TCPListener, error) {
	addr, err := netip.ParseAddrPort(externalAddress)
	if err != nil {
		return nil, err
	}

	s, err := core.CreateTCPSocket()
	if err != nil {
		return nil, err
	}
	if err := s.Bind(addr); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.Listen(backlog); err != nil {
		s.Close()
		return nil, err
	}

	return &TCPListener{
		socket: s,
	}, nil
}

func (l *TCPListener) Fd() int32 {
	return l.socket.Fd
}

func (l *TCPListener) Addr() netip.AddrPort {
	return l.socket.LocalAddr
}

func (l *TCPListener) Close() error {
	return l.socket.Close()
}
