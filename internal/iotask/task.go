// Package iotask implements the I/O task layer (C4): descriptor-bound
// state (buffer, offset, timeout, flags) plus canned handlers that turn
// reactor readiness into application callbacks, built around a per-tag
// state machine with a full get/set accessor surface.
package iotask

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/reactorpool/tpio/internal/iobuf"
	"github.com/reactorpool/tpio/internal/logging"
	"github.com/reactorpool/tpio/internal/reactor"
	"github.com/reactorpool/tpio/internal/worker"
)

// Result is a callback's return code (§4.4).
type Result int

const (
	ResultError    Result = iota - 1 // terminal; the application will destroy the task
	ResultNone                       // done; nothing further to do
	ResultEOF                        // done, with EOF semantics
	ResultContinue                   // reschedule: the only code that re-arms DISPATCH/timer
)

func (r Result) String() string {
	switch r {
	case ResultError:
		return "Error"
	case ResultNone:
		return "None"
	case ResultEOF:
		return "EOF"
	case ResultContinue:
		return "Continue"
	default:
		return "Unknown"
	}
}

// EOFFlags reports why a handler's loop stopped short of fully draining or
// filling its buffer.
type EOFFlags uint8

const (
	EOFRemote EOFFlags = 1 << iota // peer half-closed / read returned 0
	EOFBuf                         // read returned 0 with free space left in the buffer (read), or nothing left to send (write)
)

// Flags are task-level bits (spec §3).
type Flags uint8

const (
	FlagCloseOnDestroy   Flags = 1 << iota // close ident on task destruction
	FlagCBAfterEveryRead                   // invoke callback after every successful read, not only on fill/EOF
)

// Callback is the application-visible callback shared by every canned
// handler. payload carries handler-specific state: a *iobuf.Buffer for
// handlerRW/handlerSR/handlerPktRcvr, an accepted file descriptor (int) for
// handlerAccept — mirroring the original's void* buf, which doubles as an
// I/O buffer or a Connect-Ex parameter block depending on task kind.
type Callback func(t *Task, err error, payload any, eof EOFFlags, transferred uint64, udata any) Result

// Handler is the internal reactor-facing function bound to a task's I/O
// event registration.
type Handler func(t *Task, ev reactor.Event)

var (
	// ErrInvalidArg mirrors the original's synchronous-at-entry argument
	// validation (§7 error kinds).
	ErrInvalidArg = errors.New("iotask: invalid argument")
	// ErrArmed is returned by accessors that may only mutate a task while
	// it is Parked (not registered with any reactor) — §9's Armed/Parked
	// type-state design note, enforced here as a runtime check.
	ErrArmed = errors.New("iotask: task is armed; stop it first")
	// ErrTimedOut is delivered to a callback when the task's timer fires
	// before the I/O event does.
	ErrTimedOut = errors.New("iotask: timed out")
)

type armState int32

const (
	stateParked armState = iota
	stateArmed
)

// Task is the I/O task (IOTask, §3): the descriptor-bound state a canned
// handler drives from reactor readiness to application callback.
type Task struct {
	ident   uintptr
	flags   Flags
	handler Handler
	cb      Callback
	udata   any

	event      reactor.EventKind
	eventFlags reactor.EventFlag
	timeoutMs  uint64

	offset         int64 // byte offset for rw; unused by sr/notify/pkt_rcvr/accept
	buf            *iobuf.Buffer
	totTransferred uint64
	startTime      time.Time
	connectDone    bool // handlerConnectSend only: false until the connect phase completes
	timerOnly      bool // StartTimer only: no I/O event was ever registered, so Stop must not try to remove one

	w     *worker.Worker
	armed int32 // atomic armState

	logger   *logging.Logger
	observer Observer
}

// Observer receives completion metrics for the canned handlers' transfer
// and accept operations; satisfied structurally by tpio.MetricsObserver and
// tpio.NoOpObserver (iotask can't import the root package, which imports
// iotask, without a cycle).
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveAccept(latencyNs uint64)
}

type noopObserver struct{}

func (noopObserver) ObserveRead(uint64, uint64, bool)  {}
func (noopObserver) ObserveWrite(uint64, uint64, bool) {}
func (noopObserver) ObserveAccept(uint64)              {}

func newTask(w *worker.Worker, ident uintptr, handler Handler, flags Flags, cb Callback, udata any) (*Task, error) {
	if handler == nil || cb == nil {
		return nil, fmt.Errorf("%w: handler and cb_func are required", ErrInvalidArg)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: worker is required", ErrInvalidArg)
	}
	obs, ok := w.Observer().(Observer)
	if !ok || obs == nil {
		obs = noopObserver{}
	}
	return &Task{
		ident:    ident,
		handler:  handler,
		cb:       cb,
		udata:    udata,
		flags:    flags,
		w:        w,
		logger:   logging.Default(),
		observer: obs,
	}, nil
}

// NewRW creates a positional read/write task (handler_rw).
func NewRW(w *worker.Worker, ident uintptr, flags Flags, cb Callback, udata any) (*Task, error) {
	return newTask(w, ident, handlerRW, flags, cb, udata)
}

// NewSR creates a socket send/recv task (handler_sr).
func NewSR(w *worker.Worker, ident uintptr, flags Flags, cb Callback, udata any) (*Task, error) {
	return newTask(w, ident, handlerSR, flags, cb, udata)
}

// NewNotify creates a readiness-only task with no transfer (handler_notify).
func NewNotify(w *worker.Worker, ident uintptr, flags Flags, cb Callback, udata any) (*Task, error) {
	return newTask(w, ident, handlerNotify, flags, cb, udata)
}

// NewTimer creates a delay-only task bound to no descriptor at all: start it
// with StartTimer instead of Start. cb is invoked exactly once, with
// ErrTimedOut, when the timer fires (handler_notify's timer branch, reused
// here with no I/O event ever registered). This gives callers that need a
// plain reactor-driven delay — e.g. connect-ex's between-try retry wait — a
// way to get it without blocking the worker the way time.Sleep would (§5:
// only os_wait may block).
func NewTimer(w *worker.Worker, cb Callback, udata any) (*Task, error) {
	return newTask(w, 0, handlerNotify, 0, cb, udata)
}

// NewPktRcvr creates a datagram-receive task, one callback per packet
// (handler_pkt_rcvr).
func NewPktRcvr(w *worker.Worker, ident uintptr, flags Flags, cb Callback, udata any) (*Task, error) {
	return newTask(w, ident, handlerPktRcvr, flags, cb, udata)
}

// NewAccept creates an accept-loop task delivering new sockets
// (handler_accept). payload delivered to cb is the accepted fd (int).
func NewAccept(w *worker.Worker, ident uintptr, flags Flags, cb Callback, udata any) (*Task, error) {
	return newTask(w, ident, handlerAccept, flags, cb, udata)
}

// ConnectCallback is tp_task_connect_cb's signature: invoked once a
// non-blocking connect in flight on ident completes, successfully or not.
// Unlike Callback it carries no payload/eof/transferred-size — a plain
// connect either succeeds or it doesn't — and its return value is ignored,
// since the handler has already stopped the task by the time it's called.
type ConnectCallback func(t *Task, err error, udata any)

// NewConnect creates a connect task (handler_connect, §6 tp_task_create_connect):
// ident must already be a non-blocking socket with connect(2) in flight
// (e.g. the fd returned by skt.Connect). Start the returned task with
// event=EventWrite to wait for connect-readiness. Use this when the
// application will read after connecting; for connect-then-send, use
// NewConnectSend instead (per the header: "For connect and send use
// tp_task_sr_handler() + tp_task_cb() for write").
func NewConnect(w *worker.Worker, ident uintptr, flags Flags, cb ConnectCallback, udata any) (*Task, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: cb_func is required", ErrInvalidArg)
	}
	wrapped := func(t *Task, err error, _ any, _ EOFFlags, _ uint64, udata any) Result {
		cb(t, err, udata)
		return ResultNone
	}
	return newTask(w, ident, handlerConnect, flags, wrapped, udata)
}

// NewConnectSend creates a connect-then-send task (handler_connect_send,
// §6 tp_task_create_connect_send): ident must already have a connect(2) in
// flight; once it completes, the task transparently switches to handler_sr
// semantics to write buf, delivered to Start. Start the returned task with
// event=EventWrite; the timeout passed to Start applies to the connect
// phase first, then is reused (re-armed the same way a DISPATCH timer
// always is) for the send phase, matching the header's "timeout - for
// connect, then for send (write) data".
func NewConnectSend(w *worker.Worker, ident uintptr, flags Flags, cb Callback, udata any) (*Task, error) {
	return newTask(w, ident, handlerConnectSend, flags, cb, udata)
}

// --- S2 accessor surface ---

func (t *Task) Ident() uintptr { return t.ident }

// SetIdent is only legal while the task is Parked (not registered with a
// reactor).
func (t *Task) SetIdent(ident uintptr) error {
	if t.isArmed() {
		return ErrArmed
	}
	t.ident = ident
	return nil
}

func (t *Task) Flags() Flags         { return t.flags }
func (t *Task) AddFlags(f Flags)     { t.flags |= f }
func (t *Task) DelFlags(f Flags)     { t.flags &^= f }
func (t *Task) Offset() int64        { return t.offset }
func (t *Task) SetOffset(v int64)    { t.offset = v }
func (t *Task) Timeout() uint64      { return t.timeoutMs }
func (t *Task) SetTimeout(ms uint64) { t.timeoutMs = ms }
func (t *Task) Buf() *iobuf.Buffer   { return t.buf }
func (t *Task) SetBuf(b *iobuf.Buffer) { t.buf = b }
func (t *Task) Worker() *worker.Worker { return t.w }

// SetWorker reassigns the task's owning worker. Only legal while Parked,
// per §9's Armed/Parked design note: a task registered on a reactor may not
// have its worker pointer mutated out from under the owning thread.
func (t *Task) SetWorker(w *worker.Worker) error {
	if t.isArmed() {
		return ErrArmed
	}
	t.w = w
	return nil
}

func (t *Task) TotalTransferred() uint64 { return t.totTransferred }
func (t *Task) IsArmed() bool            { return t.isArmed() }

func (t *Task) isArmed() bool { return atomic.LoadInt32(&t.armed) == int32(stateArmed) }

func (t *Task) timerIdent() uintptr { return uintptr(unsafe.Pointer(t)) }

// Start registers the task's I/O event (and timer, if timeoutMs > 0) on its
// worker's reactor (tp_task_start, §4.4). Registration is transactional: if
// the I/O event fails to register after the timer succeeded, the timer is
// removed before returning (§7 propagation policy).
func (t *Task) Start(event reactor.EventKind, eventFlags reactor.EventFlag, timeoutMs uint64, offset int64, buf *iobuf.Buffer) error {
	if t.cb == nil {
		return fmt.Errorf("%w: cb_func not set before start", ErrInvalidArg)
	}

	t.event = event
	t.eventFlags = eventFlags
	t.timeoutMs = timeoutMs
	t.offset = offset
	t.buf = buf
	t.startTime = time.Now()
	t.connectDone = false

	if timeoutMs > 0 {
		ud := reactor.UserData{Ident: t.timerIdent(), Ptr: t}
		if err := t.w.Reactor().AddTimer(t.timerIdent(), true, timeoutMs, reactor.TimerMillis, reactor.FlagDispatch, ud); err != nil {
			return fmt.Errorf("iotask: register timer: %w", err)
		}
	}

	ud := reactor.UserData{Ident: t.ident, Ptr: t}
	if err := t.w.Reactor().Add(t.ident, event, eventFlags, ud); err != nil {
		if timeoutMs > 0 {
			t.w.Reactor().AddTimer(t.timerIdent(), false, 0, 0, 0, reactor.UserData{})
		}
		return fmt.Errorf("iotask: register event: %w", err)
	}

	atomic.StoreInt32(&t.armed, int32(stateArmed))

	// Boundary behavior (§8): buf != nil with no writable/unread room means
	// the first syscall would make no progress; synthesize a zero-transfer
	// callback immediately rather than waiting on a readiness event that
	// would only confirm what's already known.
	noProgress := false
	switch {
	case buf == nil || event == reactor.EventTimer:
	case event == reactor.EventRead:
		noProgress = cap(buf.Writable()) == 0
	case event == reactor.EventWrite:
		noProgress = len(buf.Unread()) == 0
	}
	if noProgress {
		if ret := t.cb(t, nil, buf, 0, 0, t.udata); ret != ResultContinue {
			t.Stop()
		}
	}

	return nil
}

// StartTimer arms a one-shot reactor timer and nothing else: built for tasks
// constructed with NewTimer, which have no ident to register an I/O event
// against. Stop (or a non-Continue return from cb) disarms it the same way
// a Start'd task's timer is disarmed.
func (t *Task) StartTimer(delayMs uint64) error {
	if t.cb == nil {
		return fmt.Errorf("%w: cb_func not set before start", ErrInvalidArg)
	}

	t.event = reactor.EventTimer
	t.eventFlags = 0
	t.timeoutMs = delayMs
	t.startTime = time.Now()
	t.timerOnly = true

	ud := reactor.UserData{Ident: t.timerIdent(), Ptr: t}
	if err := t.w.Reactor().AddTimer(t.timerIdent(), true, delayMs, reactor.TimerMillis, reactor.FlagOneshot, ud); err != nil {
		return fmt.Errorf("iotask: register timer: %w", err)
	}

	atomic.StoreInt32(&t.armed, int32(stateArmed))
	return nil
}

// Stop removes the I/O event and, if configured, the timer. Idempotent and
// safe from any worker (§8 idempotence law): calling it on an already-Parked
// task is a no-op.
func (t *Task) Stop() error {
	if !t.isArmed() {
		return nil
	}

	var firstErr error
	if !t.timerOnly {
		if err := t.w.Reactor().Del(t.ident, t.event); err != nil {
			firstErr = err
		}
	}
	if t.timeoutMs > 0 {
		if err := t.w.Reactor().AddTimer(t.timerIdent(), false, 0, 0, 0, reactor.UserData{}); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	atomic.StoreInt32(&t.armed, int32(stateParked))
	return firstErr
}

// Enable toggles the task's I/O event on/off without re-registering it,
// leaving event kind/flags/timeout observably unchanged (§8 idempotence
// law: Enable(false); Enable(true) is a no-op on task shape).
func (t *Task) Enable(enable bool) error {
	return t.w.Reactor().Enable(enable, t.ident, t.event)
}

// Restart stops and re-starts the task with its current parameters.
func (t *Task) Restart() error {
	event, eventFlags, timeoutMs, offset, buf := t.event, t.eventFlags, t.timeoutMs, t.offset, t.buf
	if err := t.Stop(); err != nil {
		return err
	}
	return t.Start(event, eventFlags, timeoutMs, offset, buf)
}

// Destroy stops the task and, if FlagCloseOnDestroy is set, closes ident.
func (t *Task) Destroy() error {
	if err := t.Stop(); err != nil {
		t.logger.Warnf("iotask: destroy: stop returned %v", err)
	}
	if t.flags&FlagCloseOnDestroy != 0 {
		return unix.Close(int(t.ident))
	}
	return nil
}

// reschedule applies the post-callback rearm rule (§4.4): only ResultContinue
// re-enables a DISPATCH-style timer or I/O event; anything else stops the
// task.
func (t *Task) reschedule(ret Result) {
	if ret != ResultContinue {
		if err := t.Stop(); err != nil {
			t.logger.Warnf("iotask: stop after %v: %v", ret, err)
		}
		return
	}

	if t.timeoutMs > 0 {
		ud := reactor.UserData{Ident: t.timerIdent(), Ptr: t}
		if err := t.w.Reactor().AddTimer(t.timerIdent(), true, t.timeoutMs, reactor.TimerMillis, reactor.FlagDispatch, ud); err != nil {
			t.logger.Warnf("iotask: re-arm timer: %v", err)
		}
	}
	if t.eventFlags&reactor.FlagDispatch != 0 {
		if err := t.w.Reactor().Enable(true, t.ident, t.event); err != nil {
			t.logger.Warnf("iotask: re-enable event: %v", err)
		}
	}
}

// Dispatch routes a reactor event to its owning task's handler; wired as
// the worker.Dispatcher for pools that use this package.
//
// A single Wait() call can return a batch of events (§4.1 notes the
// original's os_wait delivers one at a time; this backend's multiplexers
// may return up to their own batch limit per syscall). An earlier event in
// that same batch can Stop/Destroy a task via its application callback
// before a later event in the batch names the same task, so Dispatch must
// recheck armed state itself rather than trust that registration still
// holds — a Parked task is skipped rather than handed to its handler.
func Dispatch(ev reactor.Event, ud reactor.UserData) {
	t, ok := ud.Ptr.(*Task)
	if !ok || t == nil {
		return
	}
	if !t.isArmed() {
		return
	}
	t.handler(t, ev)
}

// isTransientErrno implements the §4.4/§7 transient-error filter: EAGAIN,
// EWOULDBLOCK, EBUSY, and EINTR are normalized to "no progress, try again"
// without ever reaching the application callback.
func isTransientErrno(err error) bool {
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EAGAIN, unix.EBUSY, unix.EINTR:
			return true
		}
	}
	return false
}

// DefaultContinuePredicate implements tp_task_cb_check (S3): the common
// "keep receiving while the peer hasn't closed and the buffer has room"
// decision, reusable by application callbacks that want handler_rw/sr's
// default fill-until-full-or-EOF behavior without hand-rolling it.
func DefaultContinuePredicate(buf *iobuf.Buffer, eof EOFFlags) bool {
	return eof&EOFRemote == 0 && !buf.Full()
}
