package reactor

import "sync"

// MockMultiplexer is an in-memory Multiplexer for tests that don't need a
// real OS event queue. Events are injected with Deliver and drained by Wait,
// mirroring the shape of the teacher's iouring_stub.go fallback for builds
// without a real backend.
type MockMultiplexer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pending   []Event
	udata     map[mockKey]UserData
	closed    bool
	woken     bool
}

type mockKey struct {
	ident uintptr
	kind  EventKind
}

// NewMockMultiplexer creates a ready-to-use mock.
func NewMockMultiplexer() *MockMultiplexer {
	m := &MockMultiplexer{udata: make(map[mockKey]UserData)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *MockMultiplexer) Add(ident uintptr, kind EventKind, flags EventFlag, ud UserData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.udata[mockKey{ident, kind}] = ud
	return nil
}

func (m *MockMultiplexer) Del(ident uintptr, kind EventKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.udata, mockKey{ident, kind})
	return nil
}

func (m *MockMultiplexer) Enable(enable bool, ident uintptr, kind EventKind) error {
	return nil
}

func (m *MockMultiplexer) AddTimer(ident uintptr, enable bool, timeout uint64, unit TimerUnit, flags EventFlag, ud UserData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enable {
		m.udata[mockKey{ident, EventTimer}] = ud
	} else {
		delete(m.udata, mockKey{ident, EventTimer})
	}
	return nil
}

// Deliver injects an event as if the OS had reported it; used by tests to
// simulate readiness without real descriptors.
func (m *MockMultiplexer) Deliver(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, ev)
	m.cond.Signal()
}

func (m *MockMultiplexer) Wait(timeoutMs int) ([]Event, []UserData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.pending) == 0 && !m.woken && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil, nil, nil
	}
	if m.woken {
		m.woken = false
		return nil, nil, nil
	}

	events := m.pending
	m.pending = nil

	userdata := make([]UserData, 0, len(events))
	kept := events[:0]
	for _, ev := range events {
		ud, ok := m.udata[mockKey{ev.Ident, ev.Kind}]
		if !ok {
			continue
		}
		kept = append(kept, ev)
		userdata = append(userdata, ud)
	}
	return kept, userdata, nil
}

// Fd has no OS descriptor to return; the mock never backs a real PVT
// subscription. Callers that need to test PVT fan-out should Deliver events
// directly to each worker's mock instead.
func (m *MockMultiplexer) Fd() int { return -1 }

func (m *MockMultiplexer) Wake() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.woken = true
	m.cond.Signal()
	return nil
}

func (m *MockMultiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

var _ Multiplexer = (*MockMultiplexer)(nil)
