package tpio

import "testing"

func TestThreadGetCurrentOutsideAWorkerReturnsNil(t *testing.T) {
	if w := ThreadGetCurrent(); w != nil {
		t.Fatalf("expected nil outside a worker's reactor loop, got %v", w)
	}
}

func TestWrapWorkerAccessorsMatchThePool(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 1})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}

	w := pool.ThreadGet(0)
	if w.Num() != 0 {
		t.Fatalf("expected worker 0, got %d", w.Num())
	}
	if w.IsPVT() {
		t.Fatal("worker 0 must not report as the PVT")
	}
	if pool.ThreadGetPVT().Num() != pool.ThreadsMax() {
		t.Fatalf("expected PVT index to equal ThreadsMax, got %d", pool.ThreadGetPVT().Num())
	}
}

func TestCPUIDUnboundByDefault(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 1})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	if got := pool.ThreadGet(0).CPUID(); got != -1 {
		t.Fatalf("expected unbound CPUID -1 without FlagBind2CPU, got %d", got)
	}
}

func TestCPUIDPinnedRoundRobinWithFlagBind2CPU(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 2, Flags: FlagBind2CPU})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	if pool.ThreadGet(0).CPUID() < 0 {
		t.Fatal("expected worker 0 to be pinned with FlagBind2CPU set")
	}
}

func TestQueueReturnsDistinctQueuesPerWorker(t *testing.T) {
	pool, err := NewMockPool(Settings{ThreadsMax: 2})
	if err != nil {
		t.Fatalf("NewMockPool: %v", err)
	}
	q0 := pool.ThreadGet(0).Queue()
	q1 := pool.ThreadGet(1).Queue()
	if q0 == nil || q1 == nil {
		t.Fatal("expected non-nil queues")
	}
	if q0 == q1 {
		t.Fatal("expected distinct queues per worker")
	}
}
