// Package constants holds tunables shared across the reactor, worker,
// message queue, and I/O task packages.
package constants

import "time"

// Default configuration constants.
const (
	// DefaultMaxEvents is the default number of events drained per reactor wait.
	DefaultMaxEvents = 256

	// DefaultIOBufferSize is the default per-task I/O buffer size (64KB),
	// matching the teacher's per-tag buffer allocation.
	DefaultIOBufferSize = 64 * 1024

	// DefaultMQDepth is the default cross-thread message queue packet backlog
	// before a send blocks or is dropped (discipline-dependent, §4.3).
	DefaultMQDepth = 1024

	// DefaultConnectExMaxRetries is a per-address Connect-Ex retry bound
	// (§4.5) for callers filling in Params.MaxTries themselves;
	// connectex.DefaultParams does not use it and tries each address once.
	DefaultConnectExMaxRetries = 3
)

// Timing constants for the reactor/worker lifecycle.
//
// These mirror the ordering constraints the original C runtime enforces:
//  1. tp_create allocates the pool and its PVT.
//  2. tp_threads_create spawns worker threads, each pinning an OS thread and
//     arming its reactor's wakeup descriptor before accepting tasks.
//  3. tp_shutdown marks the pool terminal; tp_shutdown_wait blocks until every
//     worker has drained its message queue and exited its reactor loop.
const (
	// WorkerStartupTimeout is a startup bound for a worker's reactor loop.
	// Pool.ThreadsCreate does not use it: it starts the workers and returns
	// without waiting for any of them to report ready.
	WorkerStartupTimeout = 5 * time.Second

	// ShutdownPollInterval is how often ShutdownWait polls worker running-state
	// while waiting for every worker to exit its reactor loop.
	ShutdownPollInterval = 5 * time.Millisecond

	// ConnectExDefaultTimeout bounds a single connect attempt before the
	// state machine advances to the next candidate address (§4.5).
	ConnectExDefaultTimeout = 10 * time.Second
)
