//go:build linux

package worker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinCurrentThread pins the calling OS thread to cpuID, grounded on the
// teacher's ioLoop (internal/queue/runner.go), which calls the same pair
// for ublk queue threads.
func pinCurrentThread(cpuID int) error {
	var mask unix.CPUSet
	mask.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return fmt.Errorf("sched_setaffinity: %w", err)
	}
	return nil
}
