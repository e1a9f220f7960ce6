//go:build linux

package reactor

import (
	"testing"
	"time"
)

// TestEpollMultiplexerDeliversTimer drives a short timer through the real
// epoll backend end-to-end: AddTimer creates a timerfd keyed by an
// arbitrary ident (a heap pointer in iotask's case, here just a sentinel
// value), and Wait must resolve the expiring timerfd back to that ident and
// the UserData it was registered with — not drop it the way a timerfd-keyed
// lookup would.
func TestEpollMultiplexerDeliversTimer(t *testing.T) {
	m, err := newPlatformMultiplexer()
	if err != nil {
		t.Fatalf("newPlatformMultiplexer: %v", err)
	}
	defer m.Close()

	const ident uintptr = 0xdeadbeef
	ud := UserData{Ident: ident, Ptr: "timer-udata"}

	if err := m.AddTimer(ident, true, 20, TimerMillis, FlagOneshot, ud); err != nil {
		t.Fatalf("AddTimer: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		events, userdata, err := m.Wait(int(time.Until(deadline) / time.Millisecond))
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if len(events) == 0 {
			if time.Now().After(deadline) {
				t.Fatal("timer event never arrived")
			}
			continue
		}
		if len(events) != 1 {
			t.Fatalf("expected exactly one event, got %+v", events)
		}
		if events[0].Kind != EventTimer {
			t.Fatalf("expected EventTimer, got %v", events[0].Kind)
		}
		if events[0].Ident != ident {
			t.Fatalf("expected ident %#x to round-trip, got %#x", ident, events[0].Ident)
		}
		if userdata[0].Ptr != "timer-udata" {
			t.Fatalf("expected userdata to round-trip, got %+v", userdata[0])
		}
		return
	}
}

// TestEpollMultiplexerRearmsDispatchTimer exercises the re-arm path
// task.go's reschedule uses after a ResultContinue: a FlagDispatch timer is
// registered EPOLLONESHOT, fires once, and a second AddTimer call on the
// same ident (exists==true) must still produce a delivery rather than
// leaving the fd disabled.
func TestEpollMultiplexerRearmsDispatchTimer(t *testing.T) {
	m, err := newPlatformMultiplexer()
	if err != nil {
		t.Fatalf("newPlatformMultiplexer: %v", err)
	}
	defer m.Close()

	const ident uintptr = 0xfeedface
	ud := UserData{Ident: ident, Ptr: "dispatch-timer"}

	if err := m.AddTimer(ident, true, 15, TimerMillis, FlagDispatch, ud); err != nil {
		t.Fatalf("AddTimer (first arm): %v", err)
	}
	waitForTimer(t, m, ident)

	if err := m.AddTimer(ident, true, 15, TimerMillis, FlagDispatch, ud); err != nil {
		t.Fatalf("AddTimer (re-arm): %v", err)
	}
	waitForTimer(t, m, ident)
}

func waitForTimer(t *testing.T, m Multiplexer, ident uintptr) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		events, _, err := m.Wait(int(time.Until(deadline) / time.Millisecond))
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		for _, ev := range events {
			if ev.Kind == EventTimer && ev.Ident == ident {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timer for ident %#x never arrived", ident)
		}
	}
}
