package peer

import (
	"net/netip"
	"sync/atomic"

	"github.com/google/uuid"
)

const defaultWriteBufferSize = 512

type Peer struct {
	SessionID  string
	fd         int32
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort
	status     atomic.Int32

	// Writer は送信待ちのバイト列。サーバーのイベントループからのみ触る
	Writer *RingWriter
}

func NewPeer(fd int32, localAddr netip.AddrPort, remoteAddr netip.AddrPort) *Peer {
	sessionID := uuid.NewString()
	return &Peer{
		SessionID:  sessionID,
		fd:         fd,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
		Writer:     NewRingWriter(defaultWriteBufferSize),
	}
}

func (p *Peer) Fd() int32 {
	return p.fd
}

func (p *Peer) LocalAddr() netip.AddrPort {
	return p.localAddr
}

func (p *Peer) RemoteAddr() netip.AddrPort {
	return p.remoteAddr
}

func (p *Peer) State() ConnState {
	return ConnState(p.status.Load())
}

func (p *Peer) Status() string {
	return p.State().String()
}

func (p *Peer) SetState(s ConnState) {
	p.status.Store(int32(s))
}

// CompareAndSwapState は現在の状態が old のときだけ new に遷移させる
func (p *Peer) CompareAndSwapState(old, new ConnState) bool {
	return p.status.CompareAndSwap(int32(old), int32(new))
}
