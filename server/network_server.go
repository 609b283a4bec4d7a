package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/touka-aoi/rendezvous/core/engine"
	toukaerrors "github.com/touka-aoi/rendezvous/core/errors"
	"github.com/touka-aoi/rendezvous/core/event"
	"github.com/touka-aoi/rendezvous/middleware"
	"github.com/touka-aoi/rendezvous/server/peer"
	"github.com/touka-aoi/rendezvous/transport"
)

const (
	maxConnections      = 65535
	defaultBacklog      = 1024
	defaultDrainTimeout = 10 * time.Second
)

var ErrUnsupportedProtocol = errors.New("unsupported protocol")

type NetworkServerConfig struct {
	Protocol     string
	Address      string
	Port         int
	Backlog      int
	DrainTimeout time.Duration
	// CloseOnUnhandled が true なら、アプリケーションが扱わなかった読み込みで接続を閉じる
	CloseOnUnhandled bool
}

type SrvStatus int32

const (
	Running SrvStatus = iota
	Draining
	Stopped
)

var stateName = map[SrvStatus]string{
	Running:  "running",
	Draining: "draining",
	Stopped:  "stopped",
}

func (s SrvStatus) String() string {
	return stateName[s]
}

// NetworkServer はエンジンのイベントを一つのループで捌き、アプリケーションに渡す
// Send と Close はアプリケーションのコールバックの中、つまり Serve のゴルーチンから呼ぶ
type NetworkServer struct {
	engine      engine.NetEngine
	listener    engine.Listener
	config      NetworkServerConfig
	connections map[int32]*peer.Peer
	closeIssued map[int32]struct{}
	pipeline    *middleware.Pipeline
	app         transport.Application
	status      atomic.Int32
}

var _ transport.Transport = (*NetworkServer)(nil)

func NewNetworkServer(netEngine engine.NetEngine, config NetworkServerConfig, pipeline *middleware.Pipeline) *NetworkServer {
	if config.Protocol == "" {
		config.Protocol = "tcp"
	}
	if config.Backlog <= 0 {
		config.Backlog = defaultBacklog
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaultDrainTimeout
	}
	return &NetworkServer{
		engine:      netEngine,
		config:      config,
		connections: make(map[int32]*peer.Peer),
		closeIssued: make(map[int32]struct{}),
		pipeline:    pipeline,
	}
}

func (ns *NetworkServer) Status() SrvStatus {
	return SrvStatus(ns.status.Load())
}

func (ns *NetworkServer) setStatus(s SrvStatus) {
	ns.status.Store(int32(s))
}

// Addr は待ち受けているアドレスを返す。Listen 前はゼロ値
func (ns *NetworkServer) Addr() netip.AddrPort {
	if ns.listener == nil {
		return netip.AddrPort{}
	}
	return ns.listener.Addr()
}

func (ns *NetworkServer) Listen(ctx context.Context) error {
	if ns.config.Protocol != "tcp" {
		return fmt.Errorf("%s: %w", ns.config.Protocol, ErrUnsupportedProtocol)
	}
	host := ns.config.Address
	if host == "" {
		host = "0.0.0.0"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(ns.config.Port))
	listener, err := ns.engine.Listen(ctx, addr, ns.config.Backlog)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	ns.listener = listener

	if err := ns.engine.Accept(ctx, listener); err != nil {
		slog.ErrorContext(ctx, "Failed to start accepting connections", "error", err)
		listener.Close()
		return err
	}

	slog.InfoContext(ctx, "Listening on", "address", listener.Addr())
	return nil
}

// Serve は ctx がキャンセルされるまでイベントを処理する
// キャンセル後は新しい接続を止め、既存の接続が閉じ終わるか DrainTimeout を過ぎたら戻る
func (ns *NetworkServer) Serve(ctx context.Context, app transport.Application) error {
	ns.app = app
	ns.setStatus(Running)
	var drainingDeadline time.Time

	// キャンセル後もエンジンへの操作は続けるので、ループ内はキャンセルされない ctx を使う
	loopCtx := context.WithoutCancel(ctx)

	for {
		netEvents, recvError := ns.engine.ReceiveData(loopCtx)
		if errors.Is(recvError, toukaerrors.ErrEngineClosed) {
			ns.setStatus(Stopped)
			return recvError
		}
		if recvError != nil && !errors.Is(recvError, toukaerrors.ErrWouldBlock) {
			slog.ErrorContext(loopCtx, "Failed to receive data", "error", recvError)
		}

		for netEvent := range slices.Values(netEvents) {
			ns.dispatch(loopCtx, netEvent)
		}

		if ns.Status() == Running && ctx.Err() != nil {
			ns.setStatus(Draining)
			drainingDeadline = time.Now().Add(ns.config.DrainTimeout)
			ns.PrepareClose(loopCtx)
		}

		if ns.Status() == Draining {
			if len(ns.connections) == 0 {
				ns.setStatus(Stopped)
				slog.InfoContext(loopCtx, "Server stopped")
				return nil
			}
			if time.Now().After(drainingDeadline) {
				slog.WarnContext(loopCtx, "Draining timeout exceeded", "remaining", len(ns.connections))
				ns.forceClose(loopCtx)
				ns.setStatus(Stopped)
				return nil
			}
		}

		if errors.Is(recvError, toukaerrors.ErrWouldBlock) {
			// エンジンの待ちはタイムアウト付きなので、キャンセルはループの先頭で拾える
			err := ns.engine.WaitEvent(loopCtx)
			if errors.Is(err, toukaerrors.ErrEngineClosed) {
				ns.setStatus(Stopped)
				return err
			}
			if err != nil && !errors.Is(err, toukaerrors.ErrWouldBlock) {
				slog.ErrorContext(loopCtx, "Failed to wait event", "error", err)
			}
		}
	}
}

func (ns *NetworkServer) dispatch(ctx context.Context, ev *engine.NetEvent) {
	switch ev.EventType {
	case event.EVENT_TYPE_ACCEPT:
		ns.handleAccept(ctx, ev)
	case event.EVENT_TYPE_READ:
		ns.handleRead(ctx, ev)
	case event.EVENT_TYPE_WRITE:
		ns.handleWrite(ctx, ev)
	case event.EVENT_TYPE_CLOSE:
		ns.handleClose(ctx, ev)
	default:
		slog.DebugContext(ctx, "Ignored event", "type", ev.EventType, "fd", ev.Fd)
	}
}

// PrepareClose は新しい接続の受け付けを止め、全ての接続に送信後の切断を要求する
func (ns *NetworkServer) PrepareClose(ctx context.Context) {
	slog.InfoContext(ctx, "Server prepare to close", "connections", len(ns.connections))
	if ns.listener != nil {
		if err := ns.engine.CancelAccept(ctx, ns.listener); err != nil {
			slog.ErrorContext(ctx, "Failed to cancel accept", "error", err)
		}
	}
	for _, conn := range ns.connections {
		if err := ns.Close(ctx, conn); err != nil && !errors.Is(err, toukaerrors.ErrPeerClosing) {
			slog.WarnContext(ctx, "Failed to close peer", "fd", conn.Fd(), "error", err)
		}
	}
}

func (ns *NetworkServer) forceClose(ctx context.Context) {
	for fd, conn := range ns.connections {
		conn.Writer.Abort()
		if _, issued := ns.closeIssued[fd]; !issued {
			if err := ns.engine.ClosePeer(ctx, fd); err != nil {
				slog.WarnContext(ctx, "Failed to close peer", "fd", fd, "error", err)
			}
		}
		ns.forget(ctx, conn)
	}
}

func (ns *NetworkServer) handleAccept(ctx context.Context, event *engine.NetEvent) {
	newFd := event.Fd
	if newFd < 0 {
		slog.WarnContext(ctx, "Invalid file descriptor for new connection", "fd", newFd)
		return
	}

	if ns.Status() != Running || len(ns.connections) >= maxConnections {
		slog.WarnContext(ctx, "Refusing connection", "fd", newFd, "status", ns.Status(), "connections", len(ns.connections))
		ns.engine.ClosePeer(ctx, newFd)
		return
	}

	sockAddr, err := ns.engine.GetSockAddr(ctx, newFd)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to get peer name", "fd", newFd, "error", err)
		ns.engine.ClosePeer(ctx, newFd)
		return
	}
	connPeer := peer.NewPeer(sockAddr.Fd, sockAddr.LocalAddr, sockAddr.RemoteAddr)
	slog.DebugContext(ctx, "Accepted new connection", "fd", newFd, "sessionID", connPeer.SessionID, "localAddr", connPeer.LocalAddr(), "remoteAddr", connPeer.RemoteAddr())

	ns.connections[newFd] = connPeer

	// Applicationに通知
	if ns.app != nil {
		if err := ns.app.OnConnect(ctx, connPeer); err != nil {
			slog.ErrorContext(ctx, "Application rejected connection", "fd", newFd, "error", err)
			delete(ns.connections, newFd)
			connPeer.SetState(peer.StateClosed)
			ns.engine.ClosePeer(ctx, newFd)
			return
		}
	}

	// 新しい接続に対してREAD操作を登録
	if err := ns.engine.RegisterRead(ctx, connPeer.Fd()); err != nil {
		slog.ErrorContext(ctx, "Failed to register read operation", "fd", newFd, "error", err)
		ns.closePeer(ctx, connPeer)
		return
	}
	connPeer.SetState(peer.StateIdle)
}

func (ns *NetworkServer) handleRead(ctx context.Context, event *engine.NetEvent) {
	fd := event.Fd
	data := event.Data

	if len(data) == 0 {
		slog.WarnContext(ctx, "Received empty data for read event", "fd", fd)
		return
	}

	connPeer, ok := ns.connections[fd]
	if !ok {
		slog.WarnContext(ctx, "Peer not found for read event", "fd", fd)
		return
	}

	// 切断待ちの接続に届いたデータは捨てる
	if !connPeer.CompareAndSwapState(peer.StateIdle, peer.StateActive) {
		slog.DebugContext(ctx, "Dropped data for closing peer", "fd", fd, "status", connPeer.Status(), "dataLength", len(data))
		return
	}
	defer connPeer.CompareAndSwapState(peer.StateActive, peer.StateIdle)

	// ミドルウェア実行（ログ等）
	if ns.pipeline != nil {
		mctx := middleware.NewContext(ctx, data, connPeer)
		if err := ns.pipeline.Execute(mctx); err != nil {
			slog.ErrorContext(ctx, "Pipeline execution failed", "fd", fd, "error", err)
			return
		}
	}

	// Applicationに処理を委譲
	if ns.app == nil {
		return
	}
	handled, err := ns.app.OnData(ctx, connPeer, data)
	if err != nil {
		slog.ErrorContext(ctx, "Application error", "fd", fd, "error", err)
	}
	if !handled && ns.config.CloseOnUnhandled {
		if err := ns.Close(ctx, connPeer); err != nil && !errors.Is(err, toukaerrors.ErrPeerClosing) {
			slog.WarnContext(ctx, "Failed to close peer", "fd", fd, "error", err)
		}
	}
}

func (ns *NetworkServer) handleWrite(ctx context.Context, event *engine.NetEvent) {
	connPeer, ok := ns.connections[event.Fd]
	if !ok {
		return
	}

	if event.Err != nil {
		connPeer.Writer.Abort()
		if ns.app != nil {
			ns.app.OnWriteComplete(ctx, connPeer, event.SentLength, event.Err)
		}
		ns.closePeer(ctx, connPeer)
		return
	}

	connPeer.Writer.Complete(event.SentLength)
	if ns.app != nil {
		ns.app.OnWriteComplete(ctx, connPeer, event.SentLength, nil)
	}
	ns.flush(ctx, connPeer)
}

func (ns *NetworkServer) handleClose(ctx context.Context, event *engine.NetEvent) {
	connPeer, ok := ns.connections[event.Fd]
	if !ok {
		return
	}
	if event.Err != nil {
		slog.DebugContext(ctx, "Connection closed with error", "fd", event.Fd, "error", event.Err)
	}
	ns.forget(ctx, connPeer)
}

func (ns *NetworkServer) forget(ctx context.Context, connPeer *peer.Peer) {
	delete(ns.connections, connPeer.Fd())
	delete(ns.closeIssued, connPeer.Fd())
	connPeer.SetState(peer.StateClosed)
	if ns.app != nil {
		if err := ns.app.OnDisconnect(ctx, connPeer); err != nil {
			slog.ErrorContext(ctx, "Application error", "fd", connPeer.Fd(), "error", err)
		}
	}
}

// Send はデータを接続の送信キューに積み、送信中でなければ送り出す
func (ns *NetworkServer) Send(ctx context.Context, connPeer *peer.Peer, data []byte) error {
	if err := ns.lookup(connPeer); err != nil {
		return err
	}
	if connPeer.State() == peer.StateClosing {
		return fmt.Errorf("send fd=%d: %w", connPeer.Fd(), toukaerrors.ErrPeerClosing)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := connPeer.Writer.Write(data); err != nil {
		return err
	}
	ns.flush(ctx, connPeer)
	return nil
}

// Close は送信キューが空になってから接続を閉じる
func (ns *NetworkServer) Close(ctx context.Context, connPeer *peer.Peer) error {
	if err := ns.lookup(connPeer); err != nil {
		return err
	}
	if connPeer.State() == peer.StateClosing {
		return fmt.Errorf("close fd=%d: %w", connPeer.Fd(), toukaerrors.ErrPeerClosing)
	}
	connPeer.SetState(peer.StateClosing)
	connPeer.Writer.CloseAfterDrain()
	if connPeer.Writer.ShouldClose() {
		ns.closePeer(ctx, connPeer)
	}
	return nil
}

func (ns *NetworkServer) lookup(connPeer *peer.Peer) error {
	if connPeer == nil {
		return toukaerrors.ErrUnknownPeer
	}
	if known, ok := ns.connections[connPeer.Fd()]; !ok || known != connPeer {
		return fmt.Errorf("fd=%d: %w", connPeer.Fd(), toukaerrors.ErrUnknownPeer)
	}
	return nil
}

// flush は一度に一つだけ書き込みを出す。残りは WRITE の完了で続きを出す
func (ns *NetworkServer) flush(ctx context.Context, connPeer *peer.Peer) {
	if out := connPeer.Writer.Acquire(); out != nil {
		if err := ns.engine.Write(ctx, connPeer.Fd(), out); err != nil {
			slog.WarnContext(ctx, "Failed to write", "fd", connPeer.Fd(), "error", err)
			connPeer.Writer.Abort()
			ns.closePeer(ctx, connPeer)
		}
		return
	}
	if connPeer.Writer.ShouldClose() {
		ns.closePeer(ctx, connPeer)
	}
}

// closePeer はエンジンに切断を一度だけ依頼する。片付けは CLOSE イベントで行う
func (ns *NetworkServer) closePeer(ctx context.Context, connPeer *peer.Peer) {
	fd := connPeer.Fd()
	if _, issued := ns.closeIssued[fd]; issued {
		return
	}
	ns.closeIssued[fd] = struct{}{}
	connPeer.SetState(peer.StateClosing)
	if err := ns.engine.ClosePeer(ctx, fd); err != nil {
		slog.WarnContext(ctx, "Failed to close peer", "fd", fd, "error", err)
	}
}
