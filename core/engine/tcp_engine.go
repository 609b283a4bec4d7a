package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	terrr "github.com/touka-aoi/rendezvous/core/errors"
	"github.com/touka-aoi/rendezvous/core/event"
)

const (
	defaultReadBufferSize = 4096
	defaultWaitTimeout    = 100 * time.Millisecond
	acceptRetryDelay      = 5 * time.Millisecond
)

// TCPNetEngine は net パッケージの上に NetEngine を実装する
// 受け入れと読み込みはゴルーチンで行い、完了をキューに積んでおく
type TCPNetEngine struct {
	mu        sync.Mutex
	conns     map[int32]*tcpConn
	listeners []*tcpListener
	queue     []*NetEvent
	closed    bool

	nextFd atomic.Int32
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	readBufferSize int
	waitTimeout    time.Duration
}

type tcpConn struct {
	conn       net.Conn
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort
	reading    bool
	readDone   bool
	writing    bool
}

type tcpListener struct {
	ln   *net.TCPListener
	addr netip.AddrPort
	once sync.Once
	err  error
}

func (l *tcpListener) Addr() netip.AddrPort {
	return l.addr
}

func (l *tcpListener) Close() error {
	l.once.Do(func() {
		l.err = l.ln.Close()
	})
	return l.err
}

func NewTCPNetEngine() *TCPNetEngine {
	return &TCPNetEngine{
		conns:          make(map[int32]*tcpConn),
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
		readBufferSize: defaultReadBufferSize,
		waitTimeout:    defaultWaitTimeout,
	}
}

func (e *TCPNetEngine) Listen(ctx context.Context, address string, backlog int) (Listener, error) {
	// backlog はカーネルの somaxconn に任せる
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", address)
	if err != nil {
		return nil, err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener type %T", ln)
	}
	l := &tcpListener{
		ln:   tcpLn,
		addr: addrPortOf(tcpLn.Addr()),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		l.Close()
		return nil, terrr.ErrEngineClosed
	}
	e.listeners = append(e.listeners, l)
	return l, nil
}

func (e *TCPNetEngine) Accept(ctx context.Context, listener Listener) error {
	l, ok := listener.(*tcpListener)
	if !ok {
		return fmt.Errorf("tcp engine cannot accept on %T", listener)
	}
	if !e.track() {
		return terrr.ErrEngineClosed
	}
	go func() {
		defer e.wg.Done()
		e.acceptLoop(ctx, l)
	}()
	return nil
}

func (e *TCPNetEngine) acceptLoop(ctx context.Context, l *tcpListener) {
	for {
		conn, err := l.ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			slog.DebugContext(ctx, "Accept loop stopped", "address", l.addr)
			return
		}
		if err != nil {
			slog.WarnContext(ctx, "Accept failed", "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		c := &tcpConn{
			conn:       conn,
			localAddr:  addrPortOf(conn.LocalAddr()),
			remoteAddr: addrPortOf(conn.RemoteAddr()),
		}

		fd := e.nextFd.Add(1)
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			conn.Close()
			return
		}
		e.conns[fd] = c
		e.mu.Unlock()

		e.post(&NetEvent{
			EventType:  event.EVENT_TYPE_ACCEPT,
			Fd:         fd,
			RemoteAddr: c.remoteAddr,
		})
	}
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := tcpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (e *TCPNetEngine) CancelAccept(ctx context.Context, listener Listener) error {
	return listener.Close()
}

func (e *TCPNetEngine) ReceiveData(ctx context.Context) ([]*NetEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, terrr.ErrEngineClosed
	}
	if len(e.queue) == 0 {
		return nil, terrr.ErrWouldBlock
	}
	events := e.queue
	e.queue = nil
	return events, nil
}

func (e *TCPNetEngine) WaitEvent(ctx context.Context) error {
	timer := time.NewTimer(e.waitTimeout)
	defer timer.Stop()
	select {
	case <-e.notify:
		return nil
	case <-ctx.Done():
		return nil
	case <-e.done:
		return terrr.ErrEngineClosed
	case <-timer.C:
		return terrr.ErrWouldBlock
	}
}

func (e *TCPNetEngine) RegisterRead(ctx context.Context, fd int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[fd]
	if !ok {
		return fmt.Errorf("register read fd=%d: %w", fd, terrr.ErrUnknownPeer)
	}
	if c.reading {
		return nil
	}
	if e.closed {
		return terrr.ErrEngineClosed
	}
	c.reading = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readLoop(fd, c)
	}()
	return nil
}

func (e *TCPNetEngine) readLoop(fd int32, c *tcpConn) {
	buf := make([]byte, e.readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			e.post(&NetEvent{
				EventType: event.EVENT_TYPE_READ,
				Fd:        fd,
				Data:      data,
			})
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			e.mu.Lock()
			c.readDone = true
			e.releaseLocked(fd, c)
			e.mu.Unlock()
			e.post(&NetEvent{
				EventType: event.EVENT_TYPE_CLOSE,
				Fd:        fd,
				Err:       err,
			})
			return
		}
	}
}

func (e *TCPNetEngine) Write(ctx context.Context, fd int32, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[fd]
	if !ok {
		return fmt.Errorf("write fd=%d: %w", fd, terrr.ErrUnknownPeer)
	}
	if e.closed {
		return terrr.ErrEngineClosed
	}
	c.writing = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		n, err := c.conn.Write(data)
		e.mu.Lock()
		c.writing = false
		e.releaseLocked(fd, c)
		e.mu.Unlock()
		e.post(&NetEvent{
			EventType:  event.EVENT_TYPE_WRITE,
			Fd:         fd,
			SentLength: n,
			Err:        err,
		})
	}()
	return nil
}

func (e *TCPNetEngine) ClosePeer(ctx context.Context, fd int32) error {
	e.mu.Lock()
	c, ok := e.conns[fd]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("close fd=%d: %w", fd, terrr.ErrUnknownPeer)
	}
	err := c.conn.Close()
	if c.reading {
		// readLoop が CLOSE を通知する
		e.mu.Unlock()
		return err
	}
	c.readDone = true
	e.releaseLocked(fd, c)
	e.mu.Unlock()
	e.post(&NetEvent{EventType: event.EVENT_TYPE_CLOSE, Fd: fd})
	return err
}

// releaseLocked は読み込みも書き込みも終わった接続を閉じて忘れる
func (e *TCPNetEngine) releaseLocked(fd int32, c *tcpConn) {
	if !c.readDone || c.writing {
		return
	}
	c.conn.Close()
	delete(e.conns, fd)
}

func (e *TCPNetEngine) GetSockAddr(ctx context.Context, fd int32) (*SockAddr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[fd]
	if !ok {
		return nil, fmt.Errorf("sockaddr fd=%d: %w", fd, terrr.ErrUnknownPeer)
	}
	return &SockAddr{
		Fd:         fd,
		LocalAddr:  c.localAddr,
		RemoteAddr: c.remoteAddr,
	}, nil
}

func (e *TCPNetEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	for _, l := range e.listeners {
		l.Close()
	}
	for fd, c := range e.conns {
		c.conn.Close()
		delete(e.conns, fd)
	}
	e.queue = nil
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *TCPNetEngine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *TCPNetEngine) post(ev *NetEvent) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}
