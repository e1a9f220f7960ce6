// Package reactor provides the event-multiplexer abstraction (C1) that the
// worker package drains in its per-thread loop: a single blocking wait
// primitive over registered descriptors and timers, backed by epoll on
// Linux and kqueue on BSD/Darwin.
package reactor

import "errors"

// ErrQueueFull is returned when a platform's readiness queue cannot accept
// another registration (analogous to the teacher's io_uring ErrRingFull).
var ErrQueueFull = errors.New("reactor: event queue full")

// Event filter kinds, matching spec §4.1 / the original's TP_EV_* table.
type EventKind uint16

const (
	EventRead EventKind = iota
	EventWrite
	EventTimer
)

// Event flags (set-only, matching TP_F_ONESHOT/TP_F_DISPATCH/TP_F_EDGE).
type EventFlag uint16

const (
	FlagOneshot  EventFlag = 1 << 0 // delete registration after one delivery
	FlagDispatch EventFlag = 1 << 1 // disable (not delete) registration after delivery
	FlagEdge     EventFlag = 1 << 2 // edge-triggered: report only on state change
)

// Return-only flags describing why an event fired.
type ReturnFlag uint16

const (
	FlagEOF   ReturnFlag = 1 << 3
	FlagError ReturnFlag = 1 << 4
)

// Timer fflags select the unit in which AddTimer reads its timeout for
// EventTimer registrations, matching TP_FF_T_*.
type TimerUnit uint32

const (
	TimerSeconds TimerUnit = 1 << iota
	TimerMillis
	TimerMicros
	TimerNanos
	TimerAbsolute
)

// Event is the per-registration readiness/timeout/error record delivered by
// Wait, mirroring thread_pool_event_s.
type Event struct {
	Kind   EventKind
	Flags  EventFlag
	Return ReturnFlag
	Errno  int32 // populated when Return&FlagError != 0
	Data   uint64
	Ident  uintptr // descriptor or timer identifier this event concerns
}

// UserData is the opaque registration record a caller attaches to an Ident;
// it round-trips through Wait so the caller can dispatch without a lookup
// table, mirroring thread_pool_udata_s.
type UserData struct {
	Ident uintptr
	Ptr   any
}

// Multiplexer is the per-worker OS event-queue handle: one instance per
// worker thread. The owning worker's loop makes most calls; Wake may be
// called from any goroutine, and the PVT's Wait is also called by the
// workers subscribed to it.
type Multiplexer interface {
	// Close releases the underlying OS queue descriptor.
	Close() error

	// Fd returns the underlying OS queue descriptor itself (epfd/kq), which
	// is a pollable fd like any other. Workers use this to subscribe to the
	// pool virtual thread's reactor per §4.1's PVT-observation requirement,
	// without a dedicated cross-multiplexer API.
	Fd() int

	// Add registers ident for the given event/flags, attaching ud so it is
	// returned verbatim in the corresponding Event delivery.
	Add(ident uintptr, kind EventKind, flags EventFlag, ud UserData) error

	// Del removes a prior registration for ident/kind.
	Del(ident uintptr, kind EventKind) error

	// Enable toggles a TP_F_DISPATCH-disabled registration back on/off
	// without re-registering ident.
	Enable(enable bool, ident uintptr, kind EventKind) error

	// AddTimer arms (or disarms, if !enable) a timer identified by ident,
	// firing after timeout interpreted per unit.
	AddTimer(ident uintptr, enable bool, timeout uint64, unit TimerUnit, flags EventFlag, ud UserData) error

	// Wait blocks (up to timeoutMs, or indefinitely if timeoutMs < 0) for one
	// or more ready events and returns them together with the UserData each
	// was registered with. Returns (nil, nil) on a spurious/empty wake.
	Wait(timeoutMs int) ([]Event, []UserData, error)

	// Wake unblocks a concurrent Wait call from another goroutine; used by
	// the worker loop's shutdown path and by the message queue to force a
	// drain (§4.3's "wakeup" requirement for cross-thread delivery).
	Wake() error
}

// NewMultiplexer constructs the platform-appropriate backend.
func NewMultiplexer() (Multiplexer, error) {
	return newPlatformMultiplexer()
}
