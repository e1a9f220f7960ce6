// Package skt provides raw socket create/bind/listen/accept/connect/recvfrom
// wrappers over golang.org/x/sys/unix, grounded on original_source's
// net/socket.c (skt_create/skt_bind/skt_listen/skt_accept/skt_connect/
// skt_recvfrom) and the teacher's raw-syscall style in internal/uring/minimal.go.
// The higher-level option tuning (buffer sizes, keepalive, congestion
// control, ...) lives in internal/sockopt; this package only creates and
// moves descriptors.
package skt

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Flag mirrors SKT_CREATE_FLAG_MASK / SKT_BIND_FLAG_MASK: the handful of
// socket options cheap and common enough to fold into creation itself
// rather than going through internal/sockopt.
type Flag uint32

const (
	FlagNonblock Flag = 1 << iota
	FlagBroadcast
	FlagReuseAddr
	FlagReusePort
)

// Create opens a socket of the given domain/type/protocol, applying
// SOCK_NONBLOCK/SOCK_CLOEXEC and SO_BROADCAST per flags (skt_create).
func Create(domain, typ, proto int, flags Flag) (int, error) {
	t := typ | unix.SOCK_CLOEXEC
	if flags&FlagNonblock != 0 {
		t |= unix.SOCK_NONBLOCK
	}
	fd, err := unix.Socket(domain, t, proto)
	if err != nil {
		return -1, fmt.Errorf("skt: socket: %w", err)
	}
	if flags&FlagBroadcast != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("skt: SO_BROADCAST: %w", err)
		}
	}
	return fd, nil
}

func domainFor(ip net.IP) int {
	if ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, fmt.Errorf("skt: invalid address %v", addr.IP)
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip6)
	return sa, nil
}

func fromSockaddr(sa unix.Sockaddr) net.Addr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, s.Addr[:])
		return &net.TCPAddr{IP: ip, Port: s.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, s.Addr[:])
		return &net.TCPAddr{IP: ip, Port: s.Port}
	default:
		return nil
	}
}

// Bind creates a socket and binds it to addr, applying SO_REUSEADDR/
// SO_REUSEPORT per flags before binding (skt_bind/skt_bind_ap).
func Bind(addr *net.TCPAddr, typ, proto int, flags Flag) (int, error) {
	fd, err := Create(domainFor(addr.IP), typ, proto, flags)
	if err != nil {
		return -1, err
	}
	if flags&FlagReuseAddr != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("skt: SO_REUSEADDR: %w", err)
		}
	}
	if flags&FlagReusePort != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("skt: SO_REUSEPORT: %w", err)
		}
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("skt: bind: %w", err)
	}
	return fd, nil
}

// Listen marks fd as a listening socket (skt_listen).
func Listen(fd int, backlog int) error {
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("skt: listen: %w", err)
	}
	return nil
}

// Accept accepts one pending connection on fd (skt_accept).
func Accept(fd int, flags Flag) (int, net.Addr, error) {
	t := unix.SOCK_CLOEXEC
	if flags&FlagNonblock != 0 {
		t |= unix.SOCK_NONBLOCK
	}
	nfd, sa, err := unix.Accept4(fd, t)
	if err != nil {
		return -1, nil, fmt.Errorf("skt: accept: %w", err)
	}
	return nfd, fromSockaddr(sa), nil
}

// Connect creates a non-blocking socket and starts connecting to addr,
// returning immediately with EINPROGRESS treated as success (skt_connect);
// the caller drives completion through the reactor, as connectex does.
func Connect(addr *net.TCPAddr, typ, proto int, flags Flag) (int, error) {
	fd, err := Create(domainFor(addr.IP), typ, proto, flags|FlagNonblock)
	if err != nil {
		return -1, err
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("skt: connect: %w", err)
	}
	return fd, nil
}

// IsConnectError reports whether err represents a genuine connect failure
// as opposed to the expected EINPROGRESS/EALREADY of a non-blocking
// connect still in flight (skt_is_connect_error).
func IsConnectError(err error) bool {
	if err == nil {
		return false
	}
	var errno unix.Errno
	if e, ok := err.(unix.Errno); ok {
		errno = e
	} else {
		return true
	}
	switch errno {
	case unix.EINPROGRESS, unix.EALREADY, 0:
		return false
	default:
		return true
	}
}

// RecvFrom reads one datagram from fd (skt_recvfrom).
func RecvFrom(fd int, buf []byte, flags int) (int, net.Addr, error) {
	n, from, err := unix.Recvfrom(fd, buf, flags)
	if err != nil {
		return 0, nil, fmt.Errorf("skt: recvfrom: %w", err)
	}
	return n, fromSockaddr(from), nil
}

// ConnectError reads SO_ERROR to retrieve a completed non-blocking
// connect's final result, as the reactor dispatch does once the socket
// reports writable.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("skt: SO_ERROR: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
