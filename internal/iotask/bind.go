package iotask

import (
	"math"
	"net"

	"golang.org/x/sys/unix"

	"github.com/reactorpool/tpio/internal/reactor"
	"github.com/reactorpool/tpio/internal/skt"
	"github.com/reactorpool/tpio/internal/sockopt"
	"github.com/reactorpool/tpio/internal/worker"
)

// BindAcceptConfig configures CreateBindAccept (§4.4's bind-and-accept
// helper).
type BindAcceptConfig struct {
	Addr       *net.TCPAddr
	Backlog    int // 0 selects math.MaxInt32, matching the original's INT_MAX sentinel
	ReuseAddr  bool
	ReusePort  bool
	ListenOpts *sockopt.Options // applied via MaskTCPListenAfterListen if non-nil
}

// CreateBindAccept binds a listening socket, optionally applies
// SO_REUSEADDR/SO_REUSEPORT, calls listen(2), applies the listen-phase
// socket-option mask, and wires up an accept task (§4.4's bind-and-accept
// helper).
func CreateBindAccept(w *worker.Worker, cfg BindAcceptConfig, cb Callback, udata any) (*Task, error) {
	flags := skt.Flag(0)
	if cfg.ReuseAddr {
		flags |= skt.FlagReuseAddr
	}
	if cfg.ReusePort {
		flags |= skt.FlagReusePort
	}

	fd, err := skt.Bind(cfg.Addr, unix.SOCK_STREAM, 0, flags)
	if err != nil {
		return nil, err
	}

	backlog := cfg.Backlog
	if backlog == 0 {
		backlog = math.MaxInt32
	}
	if err := skt.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if cfg.ListenOpts != nil {
		family := unix.AF_INET
		if cfg.Addr.IP.To4() == nil {
			family = unix.AF_INET6
		}
		if _, err := sockopt.ApplyEx(fd, sockopt.MaskTCPListenAfterListen, cfg.ListenOpts, family); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	task, err := NewAccept(w, uintptr(fd), FlagCloseOnDestroy, cb, udata)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := task.Start(reactor.EventRead, 0, 0, 0, nil); err != nil {
		return nil, err
	}
	return task, nil
}
