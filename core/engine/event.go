package engine

import (
	"net/netip"

	"github.com/touka-aoi/rendezvous/core/event"
)

// NetEvent はエンジンからサーバーへ渡される1つのI/O完了通知
type NetEvent struct {
	EventType  event.EventType
	Fd         int32
	Data       []byte
	RemoteAddr netip.AddrPort
	SentLength int
	// Err は WRITE と CLOSE の失敗理由。正常終了なら nil
	Err error
}

type SockAddr struct {
	Fd         int32
	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort
}
