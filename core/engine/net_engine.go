package engine

import (
	"context"
	"fmt"
	"net/netip"
)

const (
	EngineNet   = "net"
	EngineUring = "uring"
)

type Listener interface {
	Addr() netip.AddrPort
	Close() error
}

// NetEngine は接続の受け入れと非同期I/Oを担う。ReceiveData で完了した操作を
// NetEvent として取り出す。1つの fd に対して Write は同時に1つまで
type NetEngine interface {
	Listen(ctx context.Context, address string, backlog int) (Listener, error)
	Accept(ctx context.Context, listener Listener) error
	CancelAccept(ctx context.Context, listener Listener) error
	// ReceiveData は溜まっているイベントを返す。何もなければ ErrWouldBlock
	ReceiveData(ctx context.Context) ([]*NetEvent, error)
	// WaitEvent はイベントが届くかタイムアウトするまで待つ
	WaitEvent(ctx context.Context) error
	RegisterRead(ctx context.Context, fd int32) error
	Write(ctx context.Context, fd int32, data []byte) error
	// ClosePeer の完了は CLOSE イベントで通知される
	ClosePeer(ctx context.Context, fd int32) error
	GetSockAddr(ctx context.Context, fd int32) (*SockAddr, error)
	Close() error
}

// New は kind に応じたエンジンを作る
func New(kind string) (NetEngine, error) {
	switch kind {
	case "", EngineNet:
		return NewTCPNetEngine(), nil
	case EngineUring:
		return newUringEngine()
	default:
		return nil, fmt.Errorf("unknown engine %q", kind)
	}
}
