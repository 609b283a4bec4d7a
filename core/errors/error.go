package terrr

import "errors"

// ErrWouldBlock は、非ブロッキング操作がすぐに完了できない場合に返されるエラー
var ErrWouldBlock = errors.New("operation would block")

var (
	ErrEngineClosed = errors.New("engine is closed")
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrNotListening = errors.New("listener is not active")
	ErrUnsupported  = errors.New("engine is not supported on this platform")
	ErrPeerClosing  = errors.New("peer is closing")
)
