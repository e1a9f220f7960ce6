//go:build linux

package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setTCPKeepIdle(fd int, seconds uint32) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(seconds))
}

// setSndLowat is a no-op on Linux: SO_SNDLOWAT is accepted by setsockopt
// but the kernel ignores it for TCP sockets and some paths return EINVAL,
// matching the original's "#ifdef BSD /* Linux allways fail */" guard.
func setSndLowat(fd int, bytes uint32) error {
	return nil
}

func setTCPNoPush(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_CORK, boolInt(on))
}

func setTCPCongestion(fd int, name string) error {
	return unix.SetsockoptString(fd, unix.IPPROTO_TCP, unix.TCP_CONGESTION, name)
}

// applyAcceptFilter uses TCP_DEFER_ACCEPT (the Linux equivalent of BSD's
// SO_ACCEPTFILTER): the kernel won't wake accept() until data arrives, up
// to AcceptDeferSeconds, matching the original's "#elif defined(TCP_DEFER_ACCEPT)"
// downgrade path (S6).
func applyAcceptFilter(fd int, o *Options) error {
	if o.AcceptDeferSeconds == 0 {
		return fmt.Errorf("sockopt: accept filter requested with AcceptDeferSeconds=0")
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, int(o.AcceptDeferSeconds))
}
