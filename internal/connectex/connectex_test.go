package connectex

import (
	"net"
	"testing"
	"time"

	"github.com/reactorpool/tpio/internal/iotask"
	"github.com/reactorpool/tpio/internal/mq"
	"github.com/reactorpool/tpio/internal/reactor"
	"github.com/reactorpool/tpio/internal/worker"
)

func newTestWorker(t *testing.T) *worker.Worker {
	t.Helper()
	q, err := mq.NewQueue(nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	w, err := worker.New(worker.Config{ID: 0, CPUID: -1, Reactor: reactor.NewMockMultiplexer(), Queue: q})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	return w
}

// closedPort returns the address of a TCP port nothing listens on, by
// binding then immediately closing a listener (refused-connection case).
func closedPort(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return addr
}

// fireWritable drives the one in-flight attempt's notify task as if the
// reactor observed write-readiness, without running a real event loop
// (mirrors the internal/iotask package's own Dispatch-driven test style).
func fireWritable(tk *Task) {
	iotask.Dispatch(reactor.Event{Kind: reactor.EventWrite, Ident: tk.cur.Ident()}, reactor.UserData{Ptr: tk.cur})
}

func TestConnectExSucceedsOnFirstAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
		}
	}()

	w := newTestWorker(t)
	addr := ln.Addr().(*net.TCPAddr)

	var results []Result
	task, err := New(w, DefaultParams([]*net.TCPAddr{addr}), func(res Result, udata any) {
		results = append(results, res)
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := task.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the kernel a moment to complete the loopback handshake before
	// simulating the write-ready wakeup.
	time.Sleep(20 * time.Millisecond)
	fireWritable(task)

	if len(results) != 1 {
		t.Fatalf("expected exactly one terminal callback, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("expected success, got error %v", results[0].Err)
	}
	if results[0].AddrIndex != 0 {
		t.Fatalf("expected addr index 0, got %d", results[0].AddrIndex)
	}
	if !results[0].Terminal {
		t.Fatal("expected the success callback to be terminal")
	}
}

func TestConnectExRoundRobinsPastRefusedAddress(t *testing.T) {
	refused := closedPort(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
		}
	}()
	accepting := ln.Addr().(*net.TCPAddr)

	w := newTestWorker(t)

	var results []Result
	params := Params{
		Addresses:   []*net.TCPAddr{refused, accepting},
		TimeoutEach: time.Second,
		MaxTries:    1,
		Flags:       FlagRoundRobin | FlagCBAfterEveryTry,
	}
	task, err := New(w, params, func(res Result, udata any) {
		results = append(results, res)
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := task.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// First attempt (refused) completes almost immediately with ECONNREFUSED
	// once the kernel delivers the RST; give it a moment, then drive it.
	time.Sleep(20 * time.Millisecond)
	fireWritable(task)

	time.Sleep(20 * time.Millisecond)
	fireWritable(task)

	if len(results) < 2 {
		t.Fatalf("expected at least a failure callback and a terminal callback, got %d", len(results))
	}
	last := results[len(results)-1]
	if last.Err != nil {
		t.Fatalf("expected the second address to succeed, got %v", last.Err)
	}
	if last.AddrIndex != 1 {
		t.Fatalf("expected the terminal callback to report addr index 1, got %d", last.AddrIndex)
	}
	if !last.Terminal {
		t.Fatal("expected the final callback to be terminal")
	}
}

func TestConnectExRejectsInvalidDeadline(t *testing.T) {
	_, err := New(nil, Params{
		Addresses:   []*net.TCPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: 1}},
		TimeLimit:   time.Second,
		TimeoutEach: 2 * time.Second, // >= TimeLimit: invalid per §4.5
		MaxTries:    1,
	}, func(Result, any) {}, nil)
	if err == nil {
		t.Fatal("expected construction to fail validation")
	}
}
