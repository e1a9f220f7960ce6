package tpio

import (
	"testing"
	"time"
)

// stopAllDirect bypasses the MQ-based Shutdown path and calls each
// worker's Stop directly. NewMockPool's workers run on a MockMultiplexer,
// which (unlike a real epoll/kqueue backend) never observes readiness on
// the queue's pipe fd on its own — Deliver must be called explicitly, or
// the worker must be woken directly, for its Wait to return. Production
// code always runs on a real reactor, where Shutdown's queued stop
// message is what wakes the worker; these tests sidestep that because the
// mock has no pipe-to-Wait bridge.
func stopAllDirect(p *Pool) {
	for _, w := range p.workers {
		w.Stop()
	}
}

func TestNewAllocatesThreadsMaxPlusPVT(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 3})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	if pool.ThreadsMax() != 3 {
		t.Fatalf("expected 3 workers, got %d", pool.ThreadsMax())
	}
	if pool.ThreadGetPVT() == nil {
		t.Fatal("expected a PVT worker")
	}
	if pool.ThreadGetPVT().IsPVT() != true {
		t.Fatal("expected ThreadGetPVT to report IsPVT")
	}
}

func TestNewRejectsNegativeThreadsMax(t *testing.T) {
	if _, err := NewMockPool(Settings{ThreadsMax: -1}); err == nil {
		t.Fatal("expected an error for a negative ThreadsMax")
	}
}

func TestThreadGetClampsOutOfRangeIndex(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 2})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	if pool.ThreadGet(-5).Num() != pool.ThreadGet(0).Num() {
		t.Fatal("expected negative index to clamp to 0")
	}
	if pool.ThreadGet(100).Num() != pool.ThreadGet(1).Num() {
		t.Fatal("expected out-of-range index to clamp to the last worker")
	}
}

func TestThreadGetRRCyclesThroughWorkers(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 3})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		seen[pool.ThreadGetRR().Num()] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected ThreadGetRR to visit all 3 workers, saw %d distinct", len(seen))
	}
}

func TestThreadsCreateAndShutdownWait(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 2})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	if err := pool.ThreadsCreate(false); err != nil {
		t.Fatalf("ThreadsCreate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !pool.ThreadGet(0).IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("worker never entered the running state")
		}
		time.Sleep(time.Millisecond)
	}

	stopAllDirect(pool)
	if err := pool.ShutdownWait(2 * time.Second); err != nil {
		t.Fatalf("ShutdownWait: %v", err)
	}
	if err := pool.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestShutdownWaitTimesOutIfWorkersNeverExit(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 1})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	if err := pool.ThreadsCreate(false); err != nil {
		t.Fatalf("ThreadsCreate: %v", err)
	}
	defer func() {
		stopAllDirect(pool)
		pool.ShutdownWait(2 * time.Second)
		pool.Destroy()
	}()

	if err := pool.ShutdownWait(10 * time.Millisecond); err == nil {
		t.Fatal("expected a timeout error before Shutdown is called")
	}
}

func TestAttachFirstRejectsDoubleAttach(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 1})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	go func() {
		pool.AttachFirst()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !pool.ThreadGet(0).IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("worker never attached")
		}
		time.Sleep(time.Millisecond)
	}

	if err := pool.AttachFirst(); err == nil {
		t.Fatal("expected a second AttachFirst on the same worker to fail")
	}

	stopAllDirect(pool)
	pool.ShutdownWait(2 * time.Second)
	pool.Destroy()
}

func TestShutdownIsNoOpWhenNoWorkersRunning(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 2})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	pool.Shutdown() // no worker has been started; must not block or panic
	if err := pool.ShutdownWait(100 * time.Millisecond); err != nil {
		t.Fatalf("ShutdownWait: %v", err)
	}
}

func TestHubReturnsSameInstance(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 1})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	if pool.Hub() != pool.Hub() {
		t.Fatal("expected Hub() to return a stable instance")
	}
}

func TestMetricsReturnsConfiguredObserver(t *testing.T) {
	m := NewMetrics()
	pool, err := NewMockPool(Settings{ThreadsMax: 1, Metrics: m})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	if pool.Metrics() != m {
		t.Fatal("expected Metrics() to return the configured instance")
	}
}

func TestPoolDefaultObserverRecordsToMetrics(t *testing.T) {
	m := NewMetrics()
	pool, err := NewMockPool(Settings{ThreadsMax: 1, Metrics: m})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}

	obs := pool.Observer()
	if obs == nil {
		t.Fatal("expected a default Observer, got nil")
	}
	obs.ObserveRead(1024, 1000, true)
	if snap := m.Snapshot(); snap.ReadOps != 1 || snap.ReadBytes != 1024 {
		t.Fatalf("expected default observer to record into Metrics, got %+v", snap)
	}
}

func TestPoolCustomObserverOverridesDefault(t *testing.T) {
	custom := &countingObserver{}
	pool, err := NewMockPool(Settings{ThreadsMax: 1, Observer: custom})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}

	if pool.Observer() != custom {
		t.Fatal("expected Observer() to return the configured override")
	}
	pool.Observer().ObserveAccept(500)
	if custom.accepts != 1 {
		t.Fatalf("expected the custom observer to be invoked, got accepts=%d", custom.accepts)
	}
}

type countingObserver struct {
	NoOpObserver
	accepts int
}

func (c *countingObserver) ObserveAccept(latencyNs uint64) { c.accepts++ }
