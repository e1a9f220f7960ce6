package tpio

import (
	"net"

	"github.com/reactorpool/tpio/internal/iotask"
	"github.com/reactorpool/tpio/internal/sockopt"
)

// AcceptCallback receives each newly accepted connection's file descriptor.
// Re-exported with the iotask.Callback signature so application code
// doesn't need to import internal/iotask directly.
type AcceptCallback = iotask.Callback

// ListenOptions configures CreateBindAccept/CreateMultiBindAccept.
type ListenOptions struct {
	Backlog    int // 0 selects an unbounded backlog
	ReuseAddr  bool
	ReusePort  bool
	ListenOpts *sockopt.Options
}

// CreateBindAccept binds addr on w, applies ListenOptions, and starts an
// accept task delivering each new connection's fd to cb (§4.4's
// bind-and-accept helper).
func (p *Pool) CreateBindAccept(w *Worker, addr *net.TCPAddr, opts ListenOptions, cb AcceptCallback, udata any) error {
	_, err := iotask.CreateBindAccept(w.internal(), iotask.BindAcceptConfig{
		Addr:       addr,
		Backlog:    opts.Backlog,
		ReuseAddr:  opts.ReuseAddr,
		ReusePort:  opts.ReusePort,
		ListenOpts: opts.ListenOpts,
	}, cb, udata)
	return err
}

// CreateMultiBindAccept opens one listen socket per worker via
// SO_REUSEPORT, distributing incoming connections across every worker's
// own accept loop instead of funneling them all through one (§4.4's
// multi-bind variant). A worker whose REUSEPORT bind fails (kernel or
// platform lacking support) is skipped; only when no worker bound does it
// fall back to a single listen socket on a round-robin-selected worker so
// callers still get a working listener.
func (p *Pool) CreateMultiBindAccept(addr *net.TCPAddr, opts ListenOptions, cb AcceptCallback, udata any) error {
	opts.ReusePort = true

	started := 0
	for _, w := range p.workers {
		if err := p.CreateBindAccept(wrapWorker(w), addr, opts, cb, udata); err != nil {
			p.logger.Debugf("tp: multi-bind on worker %d failed (%v), falling back to single bind", w.ID(), err)
			continue
		}
		started++
	}
	if started > 0 {
		return nil
	}

	opts.ReusePort = false
	return p.CreateBindAccept(p.ThreadGetRR(), addr, opts, cb, udata)
}
