//go:build darwin || freebsd || netbsd || openbsd

package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setTCPKeepIdle(fd int, seconds uint32) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, int(seconds))
}

// setSndLowat is attempted on BSD, matching the original's "#ifdef BSD"
// guard around SO_SNDLOWAT (Linux drops this path entirely).
func setSndLowat(fd int, bytes uint32) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDLOWAT, int(bytes))
}

func setTCPNoPush(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NOPUSH, boolInt(on))
}

// setTCPCongestion: TCP_CONGESTION is a Linux-specific sockopt; none of the
// BSD family exposes a setsockopt-level congestion control switch the same
// way, so this reports the option as unsupported rather than silently
// dropping it (S6 downgrade path, the accept-filter-style "no direct
// equivalent" case applied to congestion control instead).
func setTCPCongestion(fd int, name string) error {
	return fmt.Errorf("sockopt: TCP_CONGESTION has no BSD equivalent")
}

// applyAcceptFilter uses SO_ACCEPTFILTER (FreeBSD/NetBSD's real accept
// filter mechanism), writing AcceptFilterName as the filter name. This
// approximates struct accept_filter_arg's {af_name, af_arg} layout with a
// plain name-only setsockopt; filters that need af_arg (e.g. dataready's
// optional args) aren't supported here.
func applyAcceptFilter(fd int, o *Options) error {
	if o.AcceptFilterName == "" {
		return fmt.Errorf("sockopt: accept filter requested with empty AcceptFilterName")
	}
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_ACCEPTFILTER, o.AcceptFilterName)
}
