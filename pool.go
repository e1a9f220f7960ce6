// Package tpio implements the event-driven thread pool and I/O task
// runtime: a fixed set of worker threads, each running its own reactor
// loop over epoll/kqueue, plus a pool virtual thread whose readiness is
// observable from every worker.
package tpio

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reactorpool/tpio/internal/constants"
	"github.com/reactorpool/tpio/internal/iotask"
	"github.com/reactorpool/tpio/internal/logging"
	"github.com/reactorpool/tpio/internal/mq"
	"github.com/reactorpool/tpio/internal/reactor"
	"github.com/reactorpool/tpio/internal/worker"
)

// Flag selects pool-wide behavior at creation time (tp_create's flags).
type Flag uint32

const (
	// FlagBind2CPU pins each worker to a distinct CPU, round-robin over
	// runtime.NumCPU() at creation time.
	FlagBind2CPU Flag = 1 << iota
)

// Settings configures Pool creation: a plain struct literal with a Default
// constructor, rather than functional options.
type Settings struct {
	// ThreadsMax is the number of real worker threads; 0 selects the
	// online CPU count (§4.2).
	ThreadsMax int
	Flags      Flag
	Logger     *logging.Logger
	Metrics    *Metrics

	// Observer overrides the pool's metrics collection; nil defaults to a
	// MetricsObserver backed by Metrics (or a freshly allocated one),
	// matching the teacher's Device Options.Observer default.
	Observer Observer
}

// DefaultSettings returns a Settings with the online CPU count and no
// affinity pinning.
func DefaultSettings() Settings {
	return Settings{
		ThreadsMax: 0,
		Flags:      0,
	}
}

const stopCallbackSlot = 0 // every worker's queue registers "stop" first, in New.

// Pool is the thread pool (TP, §3): threadsMax workers plus one pool
// virtual thread (PVT), a round-robin cursor for ThreadRR, and the
// cross-thread message hub shared by every worker.
type Pool struct {
	settings Settings
	workers  []*worker.Worker // index 0..threadsMax-1
	pvt      *worker.Worker
	hub      *mq.Hub
	logger   *logging.Logger
	metrics  *Metrics

	rrIdx uint32 // atomic round-robin cursor, §5 "advisory counter"

	observer Observer

	mu          sync.Mutex
	spawned     []bool // per-worker: whether ThreadsCreate spawned a goroutine for it
	attachedIdx int    // index attached via AttachFirst, -1 if none
	runningCnt  int32  // atomic count of workers currently in Run()
}

// New allocates threadsMax+1 workers (the last being the PVT), matching
// tp_create: one reactor + one message queue per worker, and every real
// worker subscribed to the PVT's reactor (§4.1 PVT observation).
func New(settings Settings) (*Pool, error) {
	return newPool(settings, reactor.NewMultiplexer)
}

func newPool(settings Settings, newMux func() (reactor.Multiplexer, error)) (*Pool, error) {
	if settings.ThreadsMax == 0 {
		settings.ThreadsMax = runtime.NumCPU()
	}
	if settings.ThreadsMax <= 0 {
		return nil, NewError("tp_create", ErrCodeInvalidArg, "threads_max must be >= 0")
	}
	if settings.Logger == nil {
		settings.Logger = logging.Default()
	}
	if settings.Metrics == nil {
		settings.Metrics = NewMetrics()
	}
	observer := settings.Observer
	if observer == nil {
		observer = NewMetricsObserver(settings.Metrics)
	}

	p := &Pool{
		settings:    settings,
		hub:         mq.NewHub(),
		logger:      settings.Logger,
		metrics:     settings.Metrics,
		observer:    observer,
		attachedIdx: -1,
	}

	total := settings.ThreadsMax + 1 // + PVT
	all := make([]*worker.Worker, total)

	cpu := 0
	ncpu := runtime.NumCPU()
	for i := 0; i < total; i++ {
		isPVT := i == settings.ThreadsMax

		mux, err := newMux()
		if err != nil {
			p.closeAll(all[:i])
			return nil, WrapError("tp_create", err)
		}
		q, err := mq.NewQueue(p.logger)
		if err != nil {
			mux.Close()
			p.closeAll(all[:i])
			return nil, WrapError("tp_create", err)
		}
		q.SetObserver(p.observer)
		q.Register(func(udata uint64) {
			// udata carries the index of the worker this stop message
			// targets, so a single registry slot (0) serves every worker.
			idx := int(udata)
			if idx >= 0 && idx < len(all) && all[idx] != nil {
				all[idx].Stop()
			}
		})

		cpuID := -1
		if settings.Flags&FlagBind2CPU != 0 && !isPVT {
			cpuID = cpu % ncpu
			cpu++
		}

		w, err := worker.New(worker.Config{
			ID:       i,
			CPUID:    cpuID,
			Reactor:  mux,
			Queue:    q,
			Logger:   p.logger,
			IsPVT:    isPVT,
			Observer: p.observer,
		})
		if err != nil {
			q.Close()
			mux.Close()
			p.closeAll(all[:i])
			return nil, WrapError("tp_create", err)
		}
		all[i] = w
		p.hub.Attach(&mq.Endpoint{Queue: q, Running: w.IsRunning})
	}

	p.pvt = all[settings.ThreadsMax]
	p.workers = all[:settings.ThreadsMax]
	p.spawned = make([]bool, settings.ThreadsMax)

	// A reactor with no pollable descriptor (the in-memory mock) cannot be
	// subscribed to, so workers are only subscribed to a PVT that has one.
	if p.pvt.Reactor().Fd() >= 0 {
		for _, w := range p.workers {
			if err := w.SubscribePVT(p.pvt); err != nil {
				p.closeAll(all)
				return nil, WrapError("tp_create", err)
			}
		}
	}

	return p, nil
}

func (p *Pool) closeAll(ws []*worker.Worker) {
	for _, w := range ws {
		if w == nil {
			continue
		}
		w.Reactor().Close()
		if w.Queue() != nil {
			w.Queue().Close()
		}
	}
}

// ThreadsMax returns the number of real workers (excluding the PVT).
func (p *Pool) ThreadsMax() int { return len(p.workers) }

// ThreadsCreate spawns a goroutine running the reactor loop for every
// worker except worker 0 when skipFirst is true (worker 0 is then reserved
// for AttachFirst, matching tp_threads_create's contract).
func (p *Pool) ThreadsCreate(skipFirst bool) error {
	dispatch := p.dispatcher()

	start := 0
	if skipFirst {
		start = 1
	}
	for i := start; i < len(p.workers); i++ {
		i := i
		w := p.workers[i]
		p.mu.Lock()
		p.spawned[i] = true
		p.mu.Unlock()
		atomic.AddInt32(&p.runningCnt, 1)
		go func() {
			defer atomic.AddInt32(&p.runningCnt, -1)
			if err := w.Run(dispatch); err != nil {
				p.logger.Warnf("tp: worker %d exited: %v", i, err)
			}
		}()
	}

	// The PVT itself never runs a dispatch loop of its own (§3: "not
	// scheduled"); it only serves as a shared readiness source other
	// workers drain from.
	return nil
}

// AttachFirst runs worker 0's reactor loop on the calling goroutine,
// blocking until Shutdown stops it (tp_thread_attach_first).
func (p *Pool) AttachFirst() error {
	if len(p.workers) == 0 {
		return NewError("tp_thread_attach_first", ErrCodeInvalidArg, "pool has no workers")
	}
	w := p.workers[0]

	p.mu.Lock()
	if p.spawned[0] || p.attachedIdx == 0 {
		p.mu.Unlock()
		return NewWorkerError("tp_thread_attach_first", 0, ErrCodeInvalidArg, "worker 0 already running")
	}
	p.spawned[0] = true
	p.attachedIdx = 0
	p.mu.Unlock()

	w.MarkAttachedExternal()
	atomic.AddInt32(&p.runningCnt, 1)
	defer atomic.AddInt32(&p.runningCnt, -1)
	return w.Run(p.dispatcher())
}

// DetachThread un-registers a worker previously attached via AttachFirst,
// returning control to its caller without tearing down the rest of the
// pool (S1 supplement: the original's tp_thread_dettach, omitted from
// spec.md's lifecycle table but present in threadpool.h).
func (p *Pool) DetachThread(w *Worker) error {
	if w == nil || w.w == nil {
		return NewError("tp_thread_dettach", ErrCodeInvalidArg, "nil worker")
	}
	w.w.Stop()
	return nil
}

// dispatcher wires internal/iotask's reactor-event router as this pool's
// Dispatcher: every I/O task registers itself as the event's UserData.Ptr,
// so routing is just iotask.Dispatch's type switch.
func (p *Pool) dispatcher() worker.Dispatcher {
	return iotask.Dispatch
}

// Shutdown posts a stop message to every worker (tp_shutdown): the pool
// remains addressable (Destroy not yet called) but each worker's Run
// returns at its next reactor wakeup. Ordering guarantee (§5): the stop
// message for worker W is processed before any later message posted to W.
func (p *Pool) Shutdown() {
	for i, w := range p.workers {
		if !w.IsRunning() {
			continue
		}
		if err := p.hub.Send(i, -1, 0, stopCallbackSlot, uint64(i), nil); err != nil {
			p.logger.Warnf("tp: shutdown message to worker %d: %v", i, err)
			w.Stop() // the worker isn't reachable via MQ; stop it directly
		}
	}
}

// ShutdownWait polls until every worker has exited its reactor loop
// (tp_shutdown_wait).
func (p *Pool) ShutdownWait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadInt32(&p.runningCnt) == 0 {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return NewError("tp_shutdown_wait", ErrCodeTimeout, "workers still running after timeout")
		}
		time.Sleep(constants.ShutdownPollInterval)
	}
}

// Destroy releases every worker's OS handles (tp_destroy). Call only after
// ShutdownWait has confirmed every worker exited; closing queues/reactors
// out from under a running worker risks a write to a closed pipe.
func (p *Pool) Destroy() error {
	var firstErr error
	for _, w := range p.workers {
		if err := w.Reactor().Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.Queue().Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.pvt != nil {
		if err := p.pvt.Reactor().Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.pvt.Queue().Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Hub exposes the cross-thread message queue hub (C3) so application code
// can post unicast/broadcast messages against this pool's workers.
func (p *Pool) Hub() *mq.Hub { return p.hub }

// Metrics returns the pool's counters (atomic, safe to read concurrently).
func (p *Pool) Metrics() *Metrics { return p.metrics }

// Observer returns the Observer in effect for this pool: the Settings.Observer
// override if one was supplied, otherwise the MetricsObserver backing
// Metrics.
func (p *Pool) Observer() Observer { return p.observer }
