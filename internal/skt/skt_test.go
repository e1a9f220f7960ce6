package skt

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func TestBindListenAcceptConnectLoopback(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	lfd, err := Bind(addr, unix.SOCK_STREAM, 0, FlagReuseAddr)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer unix.Close(lfd)

	sa, err := unix.Getsockname(lfd)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	boundPort := sa.(*unix.SockaddrInet4).Port

	if err := Listen(lfd, 4); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	dst := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: boundPort}
	cfd, err := Connect(dst, unix.SOCK_STREAM, 0, 0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer unix.Close(cfd)

	deadline := 0
	var afd int
	var aerr error
	for deadline < 100 {
		afd, _, aerr = Accept(lfd, 0)
		if aerr == nil {
			break
		}
		if aerr != nil && !isTransient(aerr) {
			t.Fatalf("Accept: %v", aerr)
		}
		deadline++
	}
	if aerr != nil {
		t.Fatalf("Accept never completed: %v", aerr)
	}
	defer unix.Close(afd)

	if err := ConnectError(cfd); err != nil {
		t.Fatalf("ConnectError: expected nil once accepted, got %v", err)
	}
}

func isTransient(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && (errno == unix.EAGAIN || errno == unix.EWOULDBLOCK)
}

func TestRecvFromUDP(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	rfd, err := Bind(addr, unix.SOCK_DGRAM, 0, 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer unix.Close(rfd)

	sa, err := unix.Getsockname(rfd)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port

	sfd, err := Create(unix.AF_INET, unix.SOCK_DGRAM, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer unix.Close(sfd)

	dst := &unix.SockaddrInet4{Port: port}
	copy(dst.Addr[:], net.IPv4(127, 0, 0, 1).To4())
	if err := unix.Sendto(sfd, []byte("ping"), 0, dst); err != nil {
		t.Fatalf("Sendto: %v", err)
	}

	buf := make([]byte, 16)
	n, from, err := RecvFrom(rfd, buf, 0)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected payload %q, got %q", "ping", buf[:n])
	}
	if from == nil {
		t.Fatal("expected a non-nil sender address")
	}
}

func TestIsConnectError(t *testing.T) {
	if IsConnectError(nil) {
		t.Fatal("nil should not be a connect error")
	}
	if IsConnectError(unix.EINPROGRESS) {
		t.Fatal("EINPROGRESS should not be treated as a hard connect error")
	}
	if !IsConnectError(unix.ECONNREFUSED) {
		t.Fatal("ECONNREFUSED should be treated as a hard connect error")
	}
}
