package peer

import "net/netip"

// Endpoint はミドルウェアなどに見せる読み取り専用の接続情報
type Endpoint interface {
	Fd() int32
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Status() string
}

var _ Endpoint = (*Peer)(nil)
