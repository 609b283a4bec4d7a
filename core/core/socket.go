//go:build linux

package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrAddressFamily = errors.New("only IPv4 addresses are supported")

type sockAddr struct {
	Family uint16
	Data   [14]byte
}

type Socket struct {
	Fd        int32
	LocalAddr netip.AddrPort
}

func CreateTCPSocket() (*Socket, error) {
	fd, _, errno := unix.Syscall6(
		unix.SYS_SOCKET,
		unix.AF_INET,
		unix.SOCK_STREAM|unix.SOCK_CLOEXEC,
		0,
		0,
		0,
		0)

	if errno != 0 {
		slog.Error("Failed to create socket", "errno", errno, "err", errno.Error())
		return nil, fmt.Errorf("socket: %w", errno)
	}

	opVal := int32(1)
	_, _, errno = unix.Syscall6(unix.SYS_SETSOCKOPT, fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, uintptr(unsafe.Pointer(&opVal)), unsafe.Sizeof(opVal), 0)
	if errno != 0 {
		slog.Error("Failed to set socket option", "errno", errno, "err", errno.Error())
		unix.Close(int(fd))
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", errno)
	}

	return &Socket{Fd: int32(fd)}, nil
}

func (s *Socket) Bind(address netip.AddrPort) error {
	// https://man7.org/linux/man-pages/man2/bind.2.html
	addr := address.Addr().Unmap()
	if !addr.Is4() {
		return ErrAddressFamily
	}

	sockaddr := sockAddr{
		Family: unix.AF_INET,
	}
	binary.BigEndian.PutUint16(sockaddr.Data[:], address.Port())
	ip := addr.As4()
	copy(sockaddr.Data[2:], ip[:])

	_, _, errno := unix.Syscall6(
		unix.SYS_BIND,
		uintptr(s.Fd),
		uintptr(unsafe.Pointer(&sockaddr)),
		uintptr(unsafe.Sizeof(sockaddr)),
		0,
		0,
		0)

	if errno != 0 {
		slog.Error("Failed to bind", "address", address, "errno", errno, "err", errno.Error())
		return fmt.Errorf("bind %s: %w", address, errno)
	}

	// ポート0でbindした場合に備えてカーネルが選んだアドレスを読み直す
	local, err := LocalAddrPort(s.Fd)
	if err != nil {
		return err
	}
	s.LocalAddr = local
	return nil
}

func (s *Socket) Listen(maxConn int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_LISTEN,
		uintptr(s.Fd),
		uintptr(maxConn),
		0,
		0,
		0,
		0)

	if errno != 0 {
		slog.Error("Failed to listen", "errno", errno, "err", errno.Error())
		return fmt.Errorf("listen: %w", errno)
	}

	return nil
}

func (s *Socket) Close() error {
	return unix.Close(int(s.Fd))
}

func LocalAddrPort(fd int32) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return toAddrPort(sa)
}

func RemoteAddrPort(fd int32) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(int(fd))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return toAddrPort(sa)
}

func toAddrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr), uint16(addr.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr), uint16(addr.Port)), nil
	default:
		return netip.AddrPort{}, unix.EAFNOSUPPORT
	}
}
