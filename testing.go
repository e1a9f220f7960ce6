package tpio

import (
	"net"

	"github.com/reactorpool/tpio/internal/reactor"
)

// NewMockPool builds a Pool backed by internal/reactor's in-memory
// MockMultiplexer instead of a real epoll/kqueue descriptor, for
// consumers' unit tests that want to exercise pool/worker/task wiring
// without real file descriptors (mirrors the teacher's exported
// MockBackend test double in testing.go, generalized from "fake block
// storage" to "fake event queue"). The mock has no descriptor, so the
// pool's workers are not subscribed to its PVT.
func NewMockPool(settings Settings) (*Pool, error) {
	return newPool(settings, func() (reactor.Multiplexer, error) {
		return reactor.NewMockMultiplexer(), nil
	})
}

// NewMockConnPair returns two connected net.Conn endpoints (client, server)
// backed by a real loopback TCP pair rather than net.Pipe, so non-blocking
// reads/writes behave like a genuine socket, which net.Pipe's synchronous
// in-memory implementation does not.
func NewMockConnPair() (a, b net.Conn, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}

	select {
	case server := <-acceptCh:
		return client, server, nil
	case err := <-errCh:
		client.Close()
		return nil, nil, err
	}
}

// Fd returns the underlying file descriptor of a *net.TCPConn, for tests
// that need to hand a raw descriptor to internal/iotask's task
// constructors (which take an ident, not a net.Conn).
func Fd(c net.Conn) (uintptr, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return 0, NewError("testing.Fd", ErrCodeInvalidArg, "not a *net.TCPConn")
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return 0, WrapError("testing.Fd", err)
	}
	var fd uintptr
	ctrlErr := raw.Control(func(f uintptr) { fd = f })
	if ctrlErr != nil {
		return 0, WrapError("testing.Fd", ctrlErr)
	}
	return fd, nil
}
