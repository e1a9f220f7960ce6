// Package worker implements the thread pool's per-thread reactor loop (C2),
// grounded on the teacher's internal/queue/runner.go ioLoop: pin to an OS
// thread, optionally set CPU affinity, then spin on the reactor draining
// either this worker's own message queue or application-registered events.
package worker

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/reactorpool/tpio/internal/logging"
	"github.com/reactorpool/tpio/internal/mq"
	"github.com/reactorpool/tpio/internal/reactor"
)

// State is the worker's running-state counter (§3 Worker (TPT)).
type State int32

const (
	StateStopped          State = iota // 0: not running
	StateStarting                      // 1: spawned, hasn't entered the reactor loop yet
	StateAttachedExternal              // 2: reactor runs on a caller-supplied goroutine (tp_thread_attach_first)
	StateRunning                       // running (>=1 per spec's "≥1=running" contract is satisfied by any value from here up)
)

// registry maps the OS thread currently running a worker's reactor loop to
// that *Worker, emulating tp_thread_get_current()'s TLS lookup (§4.2) via
// currentThreadID instead of real thread-local storage.
var (
	registryMu sync.RWMutex
	registry   = map[int]*Worker{}
)

// Current resolves to the Worker running the calling OS thread's reactor
// loop, or (nil, false) if the caller isn't inside a worker's Run (or on a
// platform without a stable thread id, see tls_other.go).
func Current() (*Worker, bool) {
	if !tlsSupported {
		return nil, false
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	w, ok := registry[currentThreadID()]
	return w, ok
}

// Dispatcher handles one application-facing readiness event; wired by the
// task layer (C4) so this package stays domain-agnostic about what an Ident
// means.
type Dispatcher func(ev reactor.Event, ud reactor.UserData)

// mqSentinel tags the UserData registered for this worker's own MQ read fd,
// distinguishing "drain my queue" from an application event without
// reserving part of the Ident space.
type mqSentinel struct{}

// pvtSentinel tags the UserData registered for a subscribed PVT's reactor
// fd (§4.1 PVT observation).
type pvtSentinel struct{ pvt *Worker }

// Worker is one thread pool worker: its own reactor, its own message queue,
// an optional CPU affinity preference, and a tick counter external
// watchdogs can poll.
type Worker struct {
	id     int
	cpuID  int // -1 = unbound
	mux    reactor.Multiplexer
	queue  *mq.Queue
	logger *logging.Logger
	isPVT  bool

	tick  uint64 // atomic
	state int32  // atomic State

	observer any // iotask.Observer/connectex.Observer, held opaque to avoid an import cycle
}

// Config assembles the pieces Run needs; the pool constructs one per worker
// during tp_threads_create.
type Config struct {
	ID      int
	CPUID   int // -1 = unbound
	Reactor reactor.Multiplexer
	Queue   *mq.Queue // nil for a worker that doesn't participate in MQ (unused currently; every worker gets one)
	Logger  *logging.Logger
	IsPVT   bool

	// Observer is the pool's metrics observer, handed to iotask/connectex
	// tasks constructed on this worker. Held as any: worker can't import
	// the consuming packages' Observer interfaces without an import cycle,
	// so callers type-assert the value they get back from Observer().
	Observer any
}

// New constructs a Worker and registers its own message queue (if any) for
// draining. It does not start the reactor loop; call Run for that.
func New(cfg Config) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	w := &Worker{
		id:       cfg.ID,
		cpuID:    cfg.CPUID,
		mux:      cfg.Reactor,
		queue:    cfg.Queue,
		logger:   cfg.Logger,
		isPVT:    cfg.IsPVT,
		observer: cfg.Observer,
	}
	atomic.StoreInt32(&w.state, int32(StateStarting))

	if w.queue != nil {
		err := w.mux.Add(uintptr(w.queue.ReadFd()), reactor.EventRead, 0, reactor.UserData{
			Ident: uintptr(w.queue.ReadFd()),
			Ptr:   mqSentinel{},
		})
		if err != nil {
			return nil, fmt.Errorf("worker %d: register mq fd: %w", w.id, err)
		}
	}

	return w, nil
}

func (w *Worker) ID() int                      { return w.id }
func (w *Worker) CPUID() int                   { return w.cpuID }
func (w *Worker) Tick() uint64                 { return atomic.LoadUint64(&w.tick) }
func (w *Worker) State() State                 { return State(atomic.LoadInt32(&w.state)) }
func (w *Worker) IsRunning() bool              { return w.State() >= StateRunning }
func (w *Worker) IsPVT() bool                  { return w.isPVT }
func (w *Worker) Queue() *mq.Queue             { return w.queue }
func (w *Worker) Reactor() reactor.Multiplexer { return w.mux }

// Observer returns the pool's metrics observer, set via Config.Observer.
// Callers type-assert to their own local Observer interface; nil (or a
// failed assertion) means "no observer configured".
func (w *Worker) Observer() any { return w.observer }

func (w *Worker) setState(s State) { atomic.StoreInt32(&w.state, int32(s)) }

// MarkAttachedExternal records that this worker's reactor loop will run on
// a caller-supplied goroutine (tp_thread_attach_first) rather than one
// spawned by the pool.
func (w *Worker) MarkAttachedExternal() { w.setState(StateAttachedExternal) }

// SubscribePVT registers pvt's underlying reactor descriptor as a readable
// source on w's own reactor (§4.1 PVT observation): when pvt's queue has an
// event pending, w's Wait call wakes and Run drains the events returned by
// one zero-timeout Wait on pvt, on w's behalf.
func (w *Worker) SubscribePVT(pvt *Worker) error {
	if pvt == w {
		return fmt.Errorf("worker %d: cannot subscribe to itself as PVT", w.id)
	}
	fd := pvt.mux.Fd()
	if fd < 0 {
		return fmt.Errorf("worker %d: PVT reactor exposes no pollable fd", w.id)
	}
	return w.mux.Add(uintptr(fd), reactor.EventRead, reactor.FlagEdge, reactor.UserData{
		Ident: uintptr(fd),
		Ptr:   pvtSentinel{pvt: pvt},
	})
}

// Run pins the calling goroutine to its OS thread, applies CPU affinity if
// configured, then spins on the reactor until Stop is called. Intended to
// be the body of the goroutine the pool spawns for each worker (or called
// directly on the caller's goroutine for tp_thread_attach_first).
func (w *Worker) Run(dispatch Dispatcher) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.cpuID >= 0 {
		if err := pinCurrentThread(w.cpuID); err != nil {
			w.logger.Warnf("worker %d: failed to set CPU affinity to %d: %v", w.id, w.cpuID, err)
		} else {
			w.logger.Debugf("worker %d: pinned to CPU %d", w.id, w.cpuID)
		}
	}

	if tlsSupported {
		tid := currentThreadID()
		registryMu.Lock()
		registry[tid] = w
		registryMu.Unlock()
		defer func() {
			registryMu.Lock()
			delete(registry, tid)
			registryMu.Unlock()
		}()
	}

	w.setState(StateRunning)
	defer w.setState(StateStopped)

	w.logger.Debugf("worker %d: entering reactor loop", w.id)

	for {
		atomic.AddUint64(&w.tick, 1)

		if w.State() < StateRunning {
			w.logger.Debugf("worker %d: stopping", w.id)
			return nil
		}

		events, udata, err := w.mux.Wait(-1)
		if err != nil {
			return fmt.Errorf("worker %d: wait: %w", w.id, err)
		}

		if w.State() < StateRunning {
			w.logger.Debugf("worker %d: stopping", w.id)
			return nil
		}

		for i, ev := range events {
			ud := udata[i]
			switch p := ud.Ptr.(type) {
			case mqSentinel:
				if _, derr := w.queue.Drain(); derr != nil {
					w.logger.Warnf("worker %d: mq drain: %v", w.id, derr)
				}
			case pvtSentinel:
				w.drainPVT(p.pvt, dispatch)
			default:
				if dispatch != nil {
					dispatch(ev, ud)
				}
			}
		}
	}
}

// drainPVT pulls ready events off the subscribed PVT non-blockingly and
// dispatches them as if they belonged to w. The original drains a single
// event per wakeup (one nested, zero-timeout os_wait); this backend's
// Wait can legitimately return a small batch from one syscall, so every
// event in that batch is dispatched here rather than only the first —
// otherwise a registration added to the PVT with ONESHOT/DISPATCH and left
// undrained would never be re-armed. Events beyond the first are the rare
// case (a burst landing on the PVT between two worker wakeups).
func (w *Worker) drainPVT(pvt *Worker, dispatch Dispatcher) {
	events, udata, err := pvt.mux.Wait(0)
	if err != nil {
		w.logger.Warnf("worker %d: pvt drain: %v", w.id, err)
		return
	}
	for i, ev := range events {
		if dispatch != nil {
			dispatch(ev, udata[i])
		}
	}
}

// Stop requests the reactor loop to exit at its next wakeup and wakes a
// blocked Wait immediately, matching tp_shutdown's per-worker message
// semantics without requiring a real MQ round-trip when the caller already
// holds a *Worker (the pool uses this; cross-thread shutdown still goes
// through the MQ so ordering-after-shutdown guarantees hold for messages
// posted by other threads).
func (w *Worker) Stop() {
	w.setState(StateStopped)
	if err := w.mux.Wake(); err != nil {
		w.logger.Warnf("worker %d: wake on stop: %v", w.id, err)
	}
}
