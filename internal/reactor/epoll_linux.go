//go:build linux

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// epollMultiplexer is the Linux backend for Multiplexer, built directly on
// golang.org/x/sys/unix the way the teacher's internal/uring/minimal.go
// drives io_uring through raw unix syscalls rather than a C binding.
type epollMultiplexer struct {
	epfd         int
	wakeR        int // non-blocking pipe read end, registered for EventRead
	wakeW        int
	mu           sync.Mutex
	timerFds     map[uintptr]int // ident -> timerfd, for AddTimer/Del bookkeeping
	fdTimerIdent map[int]uintptr // timerfd -> ident, so Wait can resolve the original registration
	udata        map[epollKey]UserData
}

type epollKey struct {
	ident uintptr
	kind  EventKind
}

func newPlatformMultiplexer() (Multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: wakeup pipe: %w", err)
	}

	m := &epollMultiplexer{
		epfd:         epfd,
		wakeR:        fds[0],
		wakeW:        fds[1],
		timerFds:     make(map[uintptr]int),
		fdTimerIdent: make(map[int]uintptr),
		udata:        make(map[epollKey]UserData),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, m.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(m.wakeR),
	}); err != nil {
		m.Close()
		return nil, fmt.Errorf("reactor: register wakeup fd: %w", err)
	}

	return m, nil
}

func epollEventsFor(kind EventKind, flags EventFlag) uint32 {
	var ev uint32
	switch kind {
	case EventRead, EventTimer:
		ev = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLPRI
	case EventWrite:
		ev = unix.EPOLLOUT
	}
	ev |= unix.EPOLLERR
	if flags&FlagEdge != 0 {
		ev |= unix.EPOLLET
	}
	if flags&FlagOneshot != 0 || flags&FlagDispatch != 0 {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

func (m *epollMultiplexer) Add(ident uintptr, kind EventKind, flags EventFlag, ud UserData) error {
	m.mu.Lock()
	m.udata[epollKey{ident, kind}] = ud
	m.mu.Unlock()

	ev := &unix.EpollEvent{
		Events: epollEventsFor(kind, flags),
		Fd:     int32(ident),
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, int(ident), ev); err != nil {
		if err == unix.EEXIST {
			return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, int(ident), ev)
		}
		return fmt.Errorf("reactor: epoll_ctl add: %w", err)
	}
	return nil
}

func (m *epollMultiplexer) Del(ident uintptr, kind EventKind) error {
	m.mu.Lock()
	delete(m.udata, epollKey{ident, kind})
	m.mu.Unlock()

	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, int(ident), nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("reactor: epoll_ctl del: %w", err)
	}
	return nil
}

func (m *epollMultiplexer) Enable(enable bool, ident uintptr, kind EventKind) error {
	m.mu.Lock()
	ud, ok := m.udata[epollKey{ident, kind}]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("reactor: enable on unregistered ident %d", ident)
	}
	if !enable {
		return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, int(ident), nil)
	}
	return m.Add(ident, kind, FlagDispatch, ud)
}

func (m *epollMultiplexer) AddTimer(ident uintptr, enable bool, timeout uint64, unitFlag TimerUnit, flags EventFlag, ud UserData) error {
	m.mu.Lock()
	fd, exists := m.timerFds[ident]
	m.mu.Unlock()

	if !enable {
		if exists {
			unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			unix.Close(fd)
			m.mu.Lock()
			delete(m.timerFds, ident)
			delete(m.fdTimerIdent, fd)
			delete(m.udata, epollKey{ident, EventTimer})
			m.mu.Unlock()
		}
		return nil
	}

	if !exists {
		newFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
		if err != nil {
			return fmt.Errorf("reactor: timerfd_create: %w", err)
		}
		fd = newFd
		m.mu.Lock()
		m.timerFds[ident] = fd
		m.fdTimerIdent[fd] = ident
		m.udata[epollKey{ident, EventTimer}] = ud
		m.mu.Unlock()

		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: epollEventsFor(EventTimer, flags),
			Fd:     int32(fd),
		}); err != nil {
			return fmt.Errorf("reactor: register timerfd: %w", err)
		}
	} else {
		// The fd may still be sitting EPOLLONESHOT-disabled from its last
		// delivery: task.go's reschedule re-arms a DISPATCH-style task
		// timeout by calling AddTimer again on the same ident, and that
		// needs the same MOD re-enable Enable(true) does for I/O events,
		// not just a fresh timer value.
		m.mu.Lock()
		m.udata[epollKey{ident, EventTimer}] = ud
		m.mu.Unlock()
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
			Events: epollEventsFor(EventTimer, flags),
			Fd:     int32(fd),
		}); err != nil {
			return fmt.Errorf("reactor: epoll_ctl mod timerfd: %w", err)
		}
	}

	spec := timerSpecFor(timeout, unitFlag, flags)
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("reactor: timerfd_settime: %w", err)
	}
	return nil
}

// timerSpecFor derives the one-shot Value and, for a non-ONESHOT/DISPATCH
// registration, a matching Interval so the timerfd repeats on its own —
// kqueue's EVFILT_TIMER is periodic by default unless EV_ONESHOT is set, and
// this backend has to reproduce that rather than only ever firing once.
func timerSpecFor(timeout uint64, unitFlag TimerUnit, flags EventFlag) unix.ItimerSpec {
	var ns int64
	switch {
	case unitFlag&TimerSeconds != 0:
		ns = int64(timeout) * 1_000_000_000
	case unitFlag&TimerMicros != 0:
		ns = int64(timeout) * 1_000
	case unitFlag&TimerNanos != 0:
		ns = int64(timeout)
	default: // TP default: milliseconds
		ns = int64(timeout) * 1_000_000
	}
	sec := ns / 1_000_000_000
	nsec := ns % 1_000_000_000
	value := unix.Timespec{Sec: sec, Nsec: nsec}

	interval := unix.Timespec{}
	if flags&(FlagOneshot|FlagDispatch) == 0 {
		interval = value
	}
	return unix.ItimerSpec{Value: value, Interval: interval}
}

func (m *epollMultiplexer) Wait(timeoutMs int) ([]Event, []UserData, error) {
	var raw [constantsMaxEvents]unix.EpollEvent
	n, err := unix.EpollWait(m.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	if n == 0 {
		return nil, nil, nil
	}

	events := make([]Event, 0, n)
	userdata := make([]UserData, 0, n)

	for i := 0; i < n; i++ {
		fd := uintptr(raw[i].Fd)
		if int(fd) == m.wakeR {
			drainWakeupPipe(m.wakeR)
			continue
		}

		m.mu.Lock()
		ident, isTimer := m.fdTimerIdent[int(fd)]
		m.mu.Unlock()

		if isTimer {
			// Drain the 8-byte expiration counter the timerfd delivers
			// regardless of whether anything is listening for it, else
			// the fd stays readable and epoll re-delivers it every wait.
			var buf [8]byte
			rn, _ := unix.Read(int(fd), buf[:])
			var expirations uint64
			if rn == 8 {
				expirations = binary.LittleEndian.Uint64(buf[:])
			}

			m.mu.Lock()
			ud, ok := m.udata[epollKey{ident, EventTimer}]
			m.mu.Unlock()
			if !ok {
				continue
			}

			ev := Event{Kind: EventTimer, Ident: ident, Data: expirations}
			if raw[i].Events&unix.EPOLLERR != 0 {
				ev.Return |= FlagError
			}
			events = append(events, ev)
			userdata = append(userdata, ud)
			continue
		}

		kind, ud, ok := m.lookup(fd, raw[i].Events)
		if !ok {
			continue
		}

		ev := Event{Kind: kind, Ident: fd}
		if raw[i].Events&unix.EPOLLRDHUP != 0 {
			ev.Return |= FlagEOF
		}
		if raw[i].Events&unix.EPOLLERR != 0 {
			ev.Return |= FlagError
			if soErr, gerr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil {
				ev.Errno = int32(soErr)
			}
		}

		events = append(events, ev)
		userdata = append(userdata, ud)
	}

	return events, userdata, nil
}

func (m *epollMultiplexer) lookup(fd uintptr, _ uint32) (EventKind, UserData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kind := range [...]EventKind{EventRead, EventWrite} {
		if ud, ok := m.udata[epollKey{fd, kind}]; ok {
			return kind, ud, true
		}
	}
	return 0, UserData{}, false
}

func (m *epollMultiplexer) Fd() int { return m.epfd }

func (m *epollMultiplexer) Wake() error {
	var b [1]byte
	_, err := unix.Write(m.wakeW, b[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("reactor: wake: %w", err)
	}
	return nil
}

func drainWakeupPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (m *epollMultiplexer) Close() error {
	m.mu.Lock()
	for _, fd := range m.timerFds {
		unix.Close(fd)
	}
	m.mu.Unlock()
	unix.Close(m.wakeR)
	unix.Close(m.wakeW)
	return unix.Close(m.epfd)
}

const constantsMaxEvents = 256
