package tpio

import (
	"sync/atomic"

	"github.com/reactorpool/tpio/internal/mq"
	"github.com/reactorpool/tpio/internal/worker"
)

// Worker is the application-facing handle for one thread pool worker
// (TPT, §3): a thin wrapper exposing the accessor surface spec.md's
// thread-accessor block describes (tp_thread_get/_rr/_pvt/_current).
type Worker struct {
	w *worker.Worker
}

func wrapWorker(w *worker.Worker) *Worker {
	if w == nil {
		return nil
	}
	return &Worker{w: w}
}

// Num returns the worker's index within the pool (the PVT's index equals
// ThreadsMax()).
func (w *Worker) Num() int { return w.w.ID() }

// CPUID returns the CPU this worker is pinned to, or -1 if unbound.
func (w *Worker) CPUID() int { return w.w.CPUID() }

// IsRunning reports whether the worker's reactor loop is currently active.
func (w *Worker) IsRunning() bool { return w.w.IsRunning() }

// IsPVT reports whether this worker is the pool virtual thread.
func (w *Worker) IsPVT() bool { return w.w.IsPVT() }

// Tick returns the worker's reactor-loop iteration counter, usable by an
// external watchdog to detect a stalled worker.
func (w *Worker) Tick() uint64 { return w.w.Tick() }

// Queue returns this worker's cross-thread message queue endpoint, the
// same one addressed by Pool.Hub().Send(num, ...). Application code
// registers its own callback slots here to exchange messages outside of
// any I/O task (C3).
func (w *Worker) Queue() *mq.Queue { return w.w.Queue() }

// internal exposes the wrapped *internal/worker.Worker for packages within
// this module (e.g. internal/iotask, internal/connectex constructors) that
// need the lower-level handle; unexported so it stays out of the public API.
func (w *Worker) internal() *worker.Worker { return w.w }

// ThreadGet returns the worker at index i, clamping i into [0, ThreadsMax())
// (tp_thread_get).
func (p *Pool) ThreadGet(i int) *Worker {
	if len(p.workers) == 0 {
		return nil
	}
	if i < 0 {
		i = 0
	}
	if i >= len(p.workers) {
		i = len(p.workers) - 1
	}
	return wrapWorker(p.workers[i])
}

// ThreadGetRR advances the pool's round-robin cursor and returns the next
// worker (tp_thread_get_rr). The cursor is an advisory counter (§5): races
// on it are accepted as benign.
func (p *Pool) ThreadGetRR() *Worker {
	if len(p.workers) == 0 {
		return nil
	}
	idx := atomic.AddUint32(&p.rrIdx, 1) % uint32(len(p.workers))
	return wrapWorker(p.workers[idx])
}

// ThreadGetPVT returns the pool virtual thread (tp_thread_get_pvt).
func (p *Pool) ThreadGetPVT() *Worker { return wrapWorker(p.pvt) }

// ThreadGetCurrent resolves the Worker running the calling OS thread's
// reactor loop, or nil if the caller isn't inside one (tp_thread_get_current).
func ThreadGetCurrent() *Worker {
	w, ok := worker.Current()
	if !ok {
		return nil
	}
	return wrapWorker(w)
}
