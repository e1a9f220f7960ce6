//go:build linux

package worker

import "golang.org/x/sys/unix"

// currentThreadID returns a stable identifier for the calling OS thread,
// valid for as long as the goroutine stays pinned via LockOSThread. Used
// to emulate tp_thread_get_current()'s thread-local lookup without actual
// TLS, which Go doesn't expose: Run registers the owning *Worker under its
// gettid() once at loop entry and clears it at exit.
func currentThreadID() int { return unix.Gettid() }

const tlsSupported = true
