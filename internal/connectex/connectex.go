// Package connectex implements the connect-with-retry state machine (C5):
// given a list of destination addresses, it drives a non-blocking connect
// attempt per address through a worker's reactor, retrying across tries
// and addresses until one succeeds, the wall-clock deadline elapses, or
// the retry budget is exhausted. Grounded on the original's
// threadpool_task.h tp_task_create_connect_ex pseudocode, with the
// deadline-polling idiom adapted from the teacher's backend.go waitLive.
package connectex

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/reactorpool/tpio/internal/iotask"
	"github.com/reactorpool/tpio/internal/logging"
	"github.com/reactorpool/tpio/internal/reactor"
	"github.com/reactorpool/tpio/internal/skt"
	"github.com/reactorpool/tpio/internal/worker"
)

// Flag selects traversal/timing behavior (§4.5).
type Flag uint32

const (
	// FlagRoundRobin moves to the next address after every failure instead
	// of exhausting MaxTries against the current one first. Implied when
	// MaxTries == 0.
	FlagRoundRobin Flag = 1 << iota
	// FlagInitialDelay waits RetryDelay before the very first attempt.
	// Requires RetryDelay > 0.
	FlagInitialDelay
	// FlagCBAfterEveryTry invokes the callback after every failed attempt,
	// not only on the terminal outcome.
	FlagCBAfterEveryTry
)

// Params bundles the construction-time parameters (§4.5), matching
// tp_connect_ex_prms_t.
type Params struct {
	Addresses    []*net.TCPAddr
	TimeLimit    time.Duration // 0 = no deadline
	TimeoutEach  time.Duration // per-attempt connect timeout
	RetryDelay   time.Duration // delay between outer retries/tries
	MaxTries     int           // 0 = unlimited, forces round-robin
	Flags        Flag
	Protocol     int // IPPROTO_TCP unless overridden
}

// DefaultParams returns a Params with the spec's sane defaults (TaskConfig
// style, per SPEC_FULL §1 "Configuration"): bounded single-try-per-address
// round robin with a 10s per-attempt timeout and no overall deadline.
func DefaultParams(addresses []*net.TCPAddr) Params {
	return Params{
		Addresses:   addresses,
		TimeoutEach: 10 * time.Second,
		MaxTries:    1,
		Flags:       FlagRoundRobin,
	}
}

var (
	// ErrInvalidParams mirrors the construction-time validation in §4.5:
	// a time_limit_ms that doesn't dominate timeout_ms/retry_delay_ms, or
	// an initial delay requested with no delay configured, is rejected
	// before any connect attempt is made.
	ErrInvalidParams = errors.New("connectex: invalid parameters")
	// ErrExhausted is delivered when every address/try combination failed
	// without the deadline having elapsed (MaxTries bound reached).
	ErrExhausted = errors.New("connectex: retries exhausted")
	// ErrDeadline is delivered when TimeLimit elapsed before a connect
	// succeeded.
	ErrDeadline = errors.New("connectex: time limit exceeded")
)

func validate(p Params) error {
	if len(p.Addresses) == 0 {
		return fmt.Errorf("%w: no addresses", ErrInvalidParams)
	}
	if p.TimeLimit > 0 {
		if p.TimeoutEach <= 0 || p.TimeoutEach >= p.TimeLimit {
			return fmt.Errorf("%w: timeout_each must be >0 and < time_limit", ErrInvalidParams)
		}
		if p.RetryDelay >= p.TimeLimit {
			return fmt.Errorf("%w: retry_delay must be < time_limit", ErrInvalidParams)
		}
	}
	if p.Flags&FlagInitialDelay != 0 && p.RetryDelay <= 0 {
		return fmt.Errorf("%w: initial delay requested with retry_delay<=0", ErrInvalidParams)
	}
	return nil
}

// Observer receives the terminal outcome of a connect-ex run; satisfied
// structurally by tpio.MetricsObserver and tpio.NoOpObserver (connectex
// can't import the root package, which imports connectex, without a cycle).
type Observer interface {
	ObserveConnectEx(latencyNs uint64, success bool)
}

type noopObserver struct{}

func (noopObserver) ObserveConnectEx(uint64, bool) {}

// Result is delivered to Callback on every attempt (if FlagCBAfterEveryTry
// is set) and exactly once on the terminal outcome.
type Result struct {
	Err       error
	Conn      int // connected fd, valid only when Err == nil
	AddrIndex int
	Terminal  bool
}

// Callback receives each attempt's Result; udata is the opaque pointer
// passed to Start.
type Callback func(res Result, udata any)

// Task drives one connect-ex run to completion on a single worker. Each
// attempt is driven by an internal/iotask notify task registered for
// EventWrite (non-blocking connect's readiness signal), matching the way
// handler_connect itself is a one-shot write-readiness wait.
type Task struct {
	w        *worker.Worker
	params   Params
	cb       Callback
	udata    any
	logger   *logging.Logger
	observer Observer

	addrIdx   int
	tryCount  int
	outerTry  int
	startTime time.Time

	cur *iotask.Task
}

// New validates params and constructs a Task bound to w. The task is not
// started until Start is called.
func New(w *worker.Worker, params Params, cb Callback, udata any) (*Task, error) {
	if err := validate(params); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, fmt.Errorf("%w: cb_func is required", ErrInvalidParams)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: worker is required", ErrInvalidParams)
	}
	obs, ok := w.Observer().(Observer)
	if !ok || obs == nil {
		obs = noopObserver{}
	}
	return &Task{w: w, params: params, cb: cb, udata: udata, logger: logging.Default(), observer: obs}, nil
}

// Start begins the state machine: connects to Addresses[0], arming a
// write-readiness wait; subsequent attempts are driven from the notify
// task's callback via advance.
func (t *Task) Start() error {
	t.startTime = time.Now()
	if t.params.Flags&FlagInitialDelay != 0 {
		return t.delayThenAttempt(t.params.RetryDelay)
	}
	return t.attempt()
}

// delayThenAttempt drives the next connect attempt either immediately or
// after RetryDelay, via a reactor timer rather than blocking the worker in
// time.Sleep (§5: only os_wait may block; a callback that sleeps stalls the
// entire worker for the delay).
func (t *Task) delayThenAttempt(delay time.Duration) error {
	if delay <= 0 {
		return t.attempt()
	}
	timer, err := iotask.NewTimer(t.w, func(_ *iotask.Task, _ error, _ any, _ iotask.EOFFlags, _ uint64, _ any) iotask.Result {
		if ferr := t.attempt(); ferr != nil {
			t.logger.Warnf("connectex: attempt after retry delay: %v", ferr)
		}
		return iotask.ResultNone
	}, nil)
	if err != nil {
		return err
	}
	t.cur = timer
	return timer.StartTimer(uint64(delay / time.Millisecond))
}

// Stop tears down any in-flight attempt without delivering a callback.
func (t *Task) Stop() error {
	if t.cur != nil {
		return t.cur.Destroy()
	}
	return nil
}

func (t *Task) deadlineExceeded() bool {
	return t.params.TimeLimit > 0 && time.Since(t.startTime) >= t.params.TimeLimit
}

func (t *Task) attempt() error {
	addr := t.params.Addresses[t.addrIdx]

	fd, err := skt.Connect(addr, 1 /* SOCK_STREAM */, t.params.Protocol, 0)
	if err != nil {
		return t.onAttemptFailed(err)
	}

	task, err := iotask.NewNotify(t.w, uintptr(fd), 0, t.onWritable, nil)
	if err != nil {
		unix.Close(fd)
		return t.onAttemptFailed(err)
	}
	t.cur = task

	timeoutMs := uint64(t.params.TimeoutEach / time.Millisecond)
	return task.Start(reactor.EventWrite, reactor.FlagOneshot|reactor.FlagDispatch, timeoutMs, 0, nil)
}

func (t *Task) onWritable(tk *iotask.Task, err error, _ any, _ iotask.EOFFlags, _ uint64, _ any) iotask.Result {
	fd := int(tk.Ident())
	var connErr error
	if err != nil {
		connErr = err
	} else {
		connErr = skt.ConnectError(fd)
	}

	if connErr == nil {
		t.deliver(Result{Conn: fd, AddrIndex: t.addrIdx, Terminal: true})
		return iotask.ResultNone
	}

	unix.Close(fd)
	if ferr := t.onAttemptFailed(connErr); ferr != nil {
		t.logger.Warnf("connectex: advance after failed attempt: %v", ferr)
	}
	return iotask.ResultNone
}

// onAttemptFailed applies §4.5's retry/advance rules after one failed
// attempt (including a failed skt.Connect itself, which never reaches
// onWritable).
func (t *Task) onAttemptFailed(err error) error {
	if t.params.Flags&FlagCBAfterEveryTry != 0 {
		t.cb(Result{Err: err, AddrIndex: t.addrIdx}, t.udata)
	}

	if t.deadlineExceeded() {
		t.deliver(Result{Err: fmt.Errorf("%w: %v", ErrDeadline, err), AddrIndex: t.addrIdx, Terminal: true})
		return nil
	}

	roundRobin := t.params.Flags&FlagRoundRobin != 0 || t.params.MaxTries == 0

	if roundRobin {
		t.addrIdx++
		if t.addrIdx >= len(t.params.Addresses) {
			t.addrIdx = 0
			t.outerTry++
			if t.params.MaxTries > 0 && t.outerTry >= t.params.MaxTries {
				t.deliver(Result{Err: fmt.Errorf("%w: %v", ErrExhausted, err), AddrIndex: t.addrIdx, Terminal: true})
				return nil
			}
			return t.delayThenAttempt(t.params.RetryDelay)
		}
		return t.attempt()
	}

	t.tryCount++
	if t.tryCount >= t.params.MaxTries {
		t.tryCount = 0
		t.addrIdx++
		if t.addrIdx >= len(t.params.Addresses) {
			t.deliver(Result{Err: fmt.Errorf("%w: %v", ErrExhausted, err), AddrIndex: t.addrIdx, Terminal: true})
			return nil
		}
		return t.attempt()
	}
	return t.delayThenAttempt(t.params.RetryDelay)
}

func (t *Task) deliver(res Result) {
	if res.Terminal {
		t.observer.ObserveConnectEx(uint64(time.Since(t.startTime).Nanoseconds()), res.Err == nil)
	}
	t.cb(res, t.udata)
}
