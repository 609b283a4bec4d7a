package transport

import (
	"context"

	"github.com/touka-aoi/rendezvous/server/peer"
)

// Application はサーバーから接続ごとのイベントを受け取る
// コールバックはサーバーのイベントループから呼ばれるので、同じ接続に対して並行に呼ばれることはない
type Application interface {
	OnConnect(ctx context.Context, peer *peer.Peer) error
	// OnData は受け取ったバイト列を処理し、処理したかどうかを返す
	OnData(ctx context.Context, peer *peer.Peer, data []byte) (bool, error)
	OnWriteComplete(ctx context.Context, peer *peer.Peer, n int, err error)
	OnDisconnect(ctx context.Context, peer *peer.Peer) error
}

// Transport はアプリケーションから接続を操作する
type Transport interface {
	// Send は data を送信キューに積む。先に積まれたものから順に送られる
	Send(ctx context.Context, peer *peer.Peer, data []byte) error
	// Close は送信キューを出し切ってから接続を閉じる
	Close(ctx context.Context, peer *peer.Peer) error
}
