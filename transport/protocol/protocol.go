package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// REQUEST LAYOUT
// +--------+
// | Cmd(1) |
// +--------+
// | 0x1A   |
// +--------+
//
// RESPONSE LAYOUT (big endian)
// +--------+--------+--------+--------+--------+--------+--------+--------+---
// |        Count N (int32)            |      Address #1 (IPv4)            | ... N addresses
// +--------+--------+--------+--------+--------+--------+--------+--------+---

type Command uint8

const (
	CmdListPeers Command = 0x1A

	CountSize   = 4
	AddressSize = 4

	// MaxRosterSize はレスポンスに載せるアドレス数の上限 (4MiB)
	MaxRosterSize = 1 << 20
)

var (
	ErrNotIPv4        = errors.New("address is not IPv4")
	ErrRosterTooLarge = errors.New("roster exceeds maximum size")
	ErrShortRoster    = errors.New("roster response is truncated")
	ErrNegativeCount  = errors.New("roster count is negative")
	ErrTrailingData   = errors.New("roster response has trailing data")
)

func (c Command) String() string {
	switch c {
	case CmdListPeers:
		return "LIST_PEERS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(c))
	}
}

// DecodeCommand は先頭1バイトだけをコマンドとして読む。残りのバイトは無視する
func DecodeCommand(data []byte) (Command, bool) {
	if len(data) == 0 {
		return 0, false
	}
	cmd := Command(data[0])
	switch cmd {
	case CmdListPeers:
		return cmd, true
	default:
		return cmd, false
	}
}

// RosterSize は n 件のアドレスを載せたレスポンスのバイト数
func RosterSize(n int) int {
	return CountSize + AddressSize*n
}

// EncodeRoster は一覧レスポンスを組み立てる。バッファは一覧の長さから決めるので
// 途中で切り詰められることはない
func EncodeRoster(addrs []Address) ([]byte, error) {
	if len(addrs) > MaxRosterSize {
		return nil, fmt.Errorf("encode %d addresses: %w", len(addrs), ErrRosterTooLarge)
	}
	buf := make([]byte, RosterSize(len(addrs)))
	binary.BigEndian.PutUint32(buf[:CountSize], uint32(int32(len(addrs))))
	offset := CountSize
	for _, addr := range addrs {
		copy(buf[offset:offset+AddressSize], addr[:])
		offset += AddressSize
	}
	return buf, nil
}

// DecodeRoster はレスポンス全体を読む。余りや不足があればエラー
func DecodeRoster(data []byte) ([]Address, error) {
	n, err := decodeCount(data, MaxRosterSize)
	if err != nil {
		return nil, err
	}
	size := RosterSize(n)
	if len(data) < size {
		return nil, fmt.Errorf("want %d bytes, got %d: %w", size, len(data), ErrShortRoster)
	}
	if len(data) > size {
		return nil, fmt.Errorf("want %d bytes, got %d: %w", size, len(data), ErrTrailingData)
	}
	return decodeAddresses(data[CountSize:], n), nil
}

// ReadRoster は r からレスポンスを1つ読む。limit を超える件数は受け付けない
// limit が 0 以下か MaxRosterSize より大きければ MaxRosterSize を使う
func ReadRoster(r io.Reader, limit int) ([]Address, error) {
	if limit <= 0 || limit > MaxRosterSize {
		limit = MaxRosterSize
	}
	header := make([]byte, CountSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read count: %w", shortRead(err))
	}
	n, err := decodeCount(header, limit)
	if err != nil {
		return nil, err
	}
	body := make([]byte, AddressSize*n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read %d addresses: %w", n, shortRead(err))
	}
	return decodeAddresses(body, n), nil
}

func decodeCount(data []byte, limit int) (int, error) {
	if len(data) < CountSize {
		return 0, fmt.Errorf("want %d count bytes, got %d: %w", CountSize, len(data), ErrShortRoster)
	}
	count := int32(binary.BigEndian.Uint32(data[:CountSize]))
	if count < 0 {
		return 0, fmt.Errorf("count %d: %w", count, ErrNegativeCount)
	}
	if int(count) > limit {
		return 0, fmt.Errorf("count %d over %d: %w", count, limit, ErrRosterTooLarge)
	}
	return int(count), nil
}

func decodeAddresses(data []byte, n int) []Address {
	addrs := make([]Address, n)
	for i := range addrs {
		copy(addrs[i][:], data[i*AddressSize:(i+1)*AddressSize])
	}
	return addrs
}

func shortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortRoster
	}
	return err
}

// Address はピアの IPv4 アドレス (ネットワークバイトオーダー)
type Address [AddressSize]byte

// AddressFrom は addr を Address に変換する。IPv4-mapped IPv6 は IPv4 に戻す
func AddressFrom(addr netip.Addr) (Address, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return Address{}, fmt.Errorf("%s: %w", addr, ErrNotIPv4)
	}
	return Address(addr.As4()), nil
}

// MustParseAddress は IPv4 の文字列から Address を作る。不正な値なら panic する
// 定数やテストデータのように、値が正しいと分かっている場所で使う
func MustParseAddress(s string) Address {
	addr, err := AddressFrom(netip.MustParseAddr(s))
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) Addr() netip.Addr {
	return netip.AddrFrom4(a)
}

func (a Address) String() string {
	return a.Addr().String()
}
