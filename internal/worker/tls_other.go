//go:build !linux

package worker

// currentThreadID has no portable equivalent to Linux's gettid() on the
// BSD family from pure Go without cgo; Current() reports "not a worker
// thread" everywhere on these platforms rather than risk an unstable key,
// matching the non-fatal "continue without affinity" stance affinity_other.go
// already takes for CPU pinning.
func currentThreadID() int { return -1 }

const tlsSupported = false
