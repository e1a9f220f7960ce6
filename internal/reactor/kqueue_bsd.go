//go:build darwin || freebsd || netbsd || openbsd

package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// kqueueMultiplexer is the BSD/Darwin backend for Multiplexer.
type kqueueMultiplexer struct {
	kq    int
	wakeR int
	wakeW int
	mu    sync.Mutex
	udata map[kqueueKey]UserData
}

type kqueueKey struct {
	ident uintptr
	kind  EventKind
}

func newPlatformMultiplexer() (Multiplexer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("reactor: kqueue: %w", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("reactor: wakeup pipe: %w", err)
	}

	m := &kqueueMultiplexer{
		kq:    kq,
		wakeR: fds[0],
		wakeW: fds[1],
		udata: make(map[kqueueKey]UserData),
	}

	wakeKevent := unix.Kevent_t{
		Ident:  uint64(m.wakeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wakeKevent}, nil, nil); err != nil {
		m.Close()
		return nil, fmt.Errorf("reactor: register wakeup fd: %w", err)
	}

	return m, nil
}

func kqueueFilterFor(kind EventKind) int16 {
	switch kind {
	case EventWrite:
		return unix.EVFILT_WRITE
	case EventTimer:
		return unix.EVFILT_TIMER
	default:
		return unix.EVFILT_READ
	}
}

func kqueueFlagsFor(flags EventFlag) uint16 {
	f := uint16(unix.EV_ADD)
	if flags&FlagOneshot != 0 {
		f |= unix.EV_ONESHOT
	}
	if flags&FlagDispatch != 0 {
		f |= unix.EV_DISPATCH
	}
	if flags&FlagEdge != 0 {
		f |= unix.EV_CLEAR
	}
	return f
}

func (m *kqueueMultiplexer) Add(ident uintptr, kind EventKind, flags EventFlag, ud UserData) error {
	m.mu.Lock()
	m.udata[kqueueKey{ident, kind}] = ud
	m.mu.Unlock()

	kev := unix.Kevent_t{
		Ident:  uint64(ident),
		Filter: kqueueFilterFor(kind),
		Flags:  kqueueFlagsFor(flags),
	}
	_, err := unix.Kevent(m.kq, []unix.Kevent_t{kev}, nil, nil)
	if err != nil {
		return fmt.Errorf("reactor: kevent add: %w", err)
	}
	return nil
}

func (m *kqueueMultiplexer) Del(ident uintptr, kind EventKind) error {
	m.mu.Lock()
	delete(m.udata, kqueueKey{ident, kind})
	m.mu.Unlock()

	kev := unix.Kevent_t{
		Ident:  uint64(ident),
		Filter: kqueueFilterFor(kind),
		Flags:  unix.EV_DELETE,
	}
	_, err := unix.Kevent(m.kq, []unix.Kevent_t{kev}, nil, nil)
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("reactor: kevent del: %w", err)
	}
	return nil
}

func (m *kqueueMultiplexer) Enable(enable bool, ident uintptr, kind EventKind) error {
	m.mu.Lock()
	ud, ok := m.udata[kqueueKey{ident, kind}]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("reactor: enable on unregistered ident %d", ident)
	}

	flag := uint16(unix.EV_ENABLE)
	if !enable {
		flag = unix.EV_DISABLE
	}
	kev := unix.Kevent_t{
		Ident:  uint64(ident),
		Filter: kqueueFilterFor(kind),
		Flags:  flag,
	}
	_, err := unix.Kevent(m.kq, []unix.Kevent_t{kev}, nil, nil)
	if err != nil {
		return fmt.Errorf("reactor: kevent enable: %w", err)
	}
	_ = ud
	return nil
}

func (m *kqueueMultiplexer) AddTimer(ident uintptr, enable bool, timeout uint64, unitFlag TimerUnit, flags EventFlag, ud UserData) error {
	if !enable {
		kev := unix.Kevent_t{Ident: uint64(ident), Filter: unix.EVFILT_TIMER, Flags: unix.EV_DELETE}
		_, err := unix.Kevent(m.kq, []unix.Kevent_t{kev}, nil, nil)
		if err != nil && err != unix.ENOENT {
			return fmt.Errorf("reactor: kevent timer del: %w", err)
		}
		m.mu.Lock()
		delete(m.udata, kqueueKey{ident, EventTimer})
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.udata[kqueueKey{ident, EventTimer}] = ud
	m.mu.Unlock()

	data, fflags := timerDataFor(timeout, unitFlag)
	kev := unix.Kevent_t{
		Ident:  uint64(ident),
		Filter: unix.EVFILT_TIMER,
		Flags:  kqueueFlagsFor(flags),
		Fflags: fflags,
		Data:   data,
	}
	_, err := unix.Kevent(m.kq, []unix.Kevent_t{kev}, nil, nil)
	if err != nil {
		return fmt.Errorf("reactor: kevent timer add: %w", err)
	}
	return nil
}

func timerDataFor(timeout uint64, unitFlag TimerUnit) (int64, uint32) {
	switch {
	case unitFlag&TimerSeconds != 0:
		return int64(timeout), unix.NOTE_SECONDS
	case unitFlag&TimerMicros != 0:
		return int64(timeout), unix.NOTE_USECONDS
	case unitFlag&TimerNanos != 0:
		return int64(timeout), unix.NOTE_NSECONDS
	default: // milliseconds is kqueue's native EVFILT_TIMER unit
		return int64(timeout), 0
	}
}

func (m *kqueueMultiplexer) Wait(timeoutMs int) ([]Event, []UserData, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1_000_000)
		ts = &t
	}

	raw := make([]unix.Kevent_t, constantsMaxEvents)
	n, err := unix.Kevent(m.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reactor: kevent wait: %w", err)
	}
	if n == 0 {
		return nil, nil, nil
	}

	events := make([]Event, 0, n)
	userdata := make([]UserData, 0, n)

	for i := 0; i < n; i++ {
		ident := uintptr(raw[i].Ident)
		if int(ident) == m.wakeR && raw[i].Filter == unix.EVFILT_READ {
			drainWakeupPipe(m.wakeR)
			continue
		}

		kind := kindFromFilter(raw[i].Filter)
		m.mu.Lock()
		ud, ok := m.udata[kqueueKey{ident, kind}]
		m.mu.Unlock()
		if !ok {
			continue
		}

		ev := Event{Kind: kind, Ident: ident, Data: uint64(raw[i].Data)}
		if raw[i].Flags&unix.EV_EOF != 0 {
			ev.Return |= FlagEOF
			if raw[i].Fflags != 0 {
				ev.Return |= FlagError
				ev.Errno = int32(raw[i].Fflags)
			}
		}

		events = append(events, ev)
		userdata = append(userdata, ud)
	}

	return events, userdata, nil
}

func kindFromFilter(filter int16) EventKind {
	switch filter {
	case unix.EVFILT_WRITE:
		return EventWrite
	case unix.EVFILT_TIMER:
		return EventTimer
	default:
		return EventRead
	}
}

func (m *kqueueMultiplexer) Fd() int { return m.kq }

func (m *kqueueMultiplexer) Wake() error {
	var b [1]byte
	_, err := unix.Write(m.wakeW, b[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("reactor: wake: %w", err)
	}
	return nil
}

func (m *kqueueMultiplexer) Close() error {
	unix.Close(m.wakeR)
	unix.Close(m.wakeW)
	return unix.Close(m.kq)
}

const constantsMaxEvents = 256
