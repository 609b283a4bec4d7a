// Package rendezvous は中央サーバーのアプリケーション層
// 接続してきたピアを登録し、0x1A を受けたら他のピアの一覧を返して切断する
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/touka-aoi/rendezvous/application/registry"
	"github.com/touka-aoi/rendezvous/server/peer"
	"github.com/touka-aoi/rendezvous/transport"
	"github.com/touka-aoi/rendezvous/transport/protocol"
)

type Handler struct {
	registry  *registry.Registry
	transport transport.Transport
}

var _ transport.Application = (*Handler)(nil)

func NewHandler(reg *registry.Registry, tx transport.Transport) *Handler {
	return &Handler{
		registry:  reg,
		transport: tx,
	}
}

func (h *Handler) OnConnect(ctx context.Context, conn *peer.Peer) error {
	addr, err := protocol.AddressFrom(conn.RemoteAddr().Addr())
	if err != nil {
		return fmt.Errorf("register peer %s: %w", conn.RemoteAddr(), err)
	}
	h.registry.Add(addr)
	slog.InfoContext(ctx, "Peer registered", "sessionID", conn.SessionID, "address", addr, "peers", h.registry.Count())
	return nil
}

func (h *Handler) OnData(ctx context.Context, conn *peer.Peer, data []byte) (bool, error) {
	// DecodeCommand が ok を返すのは CmdListPeers だけ
	cmd, ok := protocol.DecodeCommand(data)
	if !ok {
		slog.DebugContext(ctx, "Unhandled command", "sessionID", conn.SessionID, "dataLength", len(data))
		return false, nil
	}

	slog.DebugContext(ctx, "Command received", "sessionID", conn.SessionID, "command", cmd)
	h.listPeers(ctx, conn)
	return true, nil
}

func (h *Handler) listPeers(ctx context.Context, conn *peer.Peer) {
	// OnConnect を通った接続は必ず IPv4
	self, err := protocol.AddressFrom(conn.RemoteAddr().Addr())
	if err != nil {
		slog.WarnContext(ctx, "List peers from unregistered address", "sessionID", conn.SessionID, "error", err)
		h.close(ctx, conn)
		return
	}

	roster := h.registry.Snapshot(self)
	response, err := protocol.EncodeRoster(roster)
	if errors.Is(err, protocol.ErrRosterTooLarge) {
		slog.ErrorContext(ctx, "Roster too large to send", "sessionID", conn.SessionID, "peers", len(roster))
		h.close(ctx, conn)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode roster", "sessionID", conn.SessionID, "error", err)
		h.close(ctx, conn)
		return
	}

	if err := h.transport.Send(ctx, conn, response); err != nil {
		slog.WarnContext(ctx, "Failed to send roster", "sessionID", conn.SessionID, "error", err)
	}
	slog.DebugContext(ctx, "Roster sent", "sessionID", conn.SessionID, "peers", len(roster), "bytes", len(response))
	h.close(ctx, conn)
}

func (h *Handler) close(ctx context.Context, conn *peer.Peer) {
	if err := h.transport.Close(ctx, conn); err != nil {
		slog.WarnContext(ctx, "Failed to close peer", "sessionID", conn.SessionID, "error", err)
	}
}

func (h *Handler) OnWriteComplete(ctx context.Context, conn *peer.Peer, n int, err error) {
	if err != nil {
		slog.DebugContext(ctx, "Write failed", "sessionID", conn.SessionID, "written", n, "error", err)
		return
	}
	slog.DebugContext(ctx, "Write completed", "sessionID", conn.SessionID, "written", n)
}

// OnDisconnect は登録を消さない。切断したピアも一覧に残り続ける
func (h *Handler) OnDisconnect(ctx context.Context, conn *peer.Peer) error {
	slog.DebugContext(ctx, "Peer disconnected", "sessionID", conn.SessionID, "remoteAddr", conn.RemoteAddr())
	return nil
}
