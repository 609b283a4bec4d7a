// Package client は中央サーバーからピア一覧を取ってくる
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/touka-aoi/rendezvous/transport/protocol"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 10 * time.Second
)

type Client struct {
	dialTimeout time.Duration
	ioTimeout   time.Duration
	maxRoster   int
}

type clientOption func(*Client) error

// WithDialTimeout は接続のタイムアウトを上書きする
func WithDialTimeout(timeout time.Duration) clientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("client.WithDialTimeout: invalid timeout (%v)", timeout)
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithIOTimeout は送受信の期限を上書きする
// FetchRoster に渡した ctx に期限があればそちらを優先する
func WithIOTimeout(timeout time.Duration) clientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("client.WithIOTimeout: invalid timeout (%v)", timeout)
		}
		c.ioTimeout = timeout
		return nil
	}
}

// WithMaxRoster は1回のレスポンスで受け付けるアドレス数の上限を決める
func WithMaxRoster(n int) clientOption {
	return func(c *Client) error {
		if n <= 0 || n > protocol.MaxRosterSize {
			return fmt.Errorf("client.WithMaxRoster: invalid size (%d)", n)
		}
		c.maxRoster = n
		return nil
	}
}

func New(opts ...clientOption) (*Client, error) {
	c := &Client{
		dialTimeout: defaultDialTimeout,
		ioTimeout:   defaultIOTimeout,
		maxRoster:   protocol.MaxRosterSize,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FetchRoster は address に接続して 0x1A を送り、返ってきたピア一覧を返す
// 自分自身のアドレスはサーバー側で除かれている
func (c *Client) FetchRoster(ctx context.Context, address string) ([]protocol.Address, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp4", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.ioTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := conn.Write([]byte{byte(protocol.CmdListPeers)}); err != nil {
		return nil, fmt.Errorf("send list peers: %w", err)
	}
	roster, err := protocol.ReadRoster(conn, c.maxRoster)
	if err != nil {
		return nil, fmt.Errorf("read roster from %s: %w", address, err)
	}
	return roster, nil
}
