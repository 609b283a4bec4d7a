package middleware

import (
	"log/slog"
	"time"

	"github.com/touka-aoi/rendezvous/transport/protocol"
)

const metadataReceivedAt = "receivedAt"

// CommandParserMiddleware は先頭バイトを読んで Request にコマンドを入れる
// 知らないコマンドでも止めずに次へ渡す。扱うかどうかはアプリケーションが決める
func CommandParserMiddleware(ctx *Context, next NextFunc) error {
	cmd, ok := protocol.DecodeCommand(ctx.Data)
	if ok {
		ctx.Request = cmd
	}
	return next(ctx)
}

// AccessLogMiddleware は読み込みごとに一行ログを出す
func AccessLogMiddleware(ctx *Context, next NextFunc) error {
	start := time.Now()
	ctx.Metadata[metadataReceivedAt] = start

	err := next(ctx)

	attrs := []any{
		"fd", ctx.Fd,
		"remoteAddr", ctx.Peer.RemoteAddr(),
		"status", ctx.Peer.Status(),
		"dataLength", len(ctx.Data),
		"elapsed", time.Since(start),
	}
	if cmd, ok := ctx.Request.(protocol.Command); ok {
		attrs = append(attrs, "command", cmd.String())
	} else if len(ctx.Data) > 0 {
		attrs = append(attrs, "command", protocol.Command(ctx.Data[0]).String())
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	slog.DebugContext(ctx, "Read from peer", attrs...)
	return err
}
