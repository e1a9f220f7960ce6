// Package sockopt implements the declarative socket-option applier (C6):
// a bitmask of "what to set" plus a value struct, applied in one pass with
// either fail-fast or best-effort-and-report-everything semantics.
package sockopt

import (
	"math"

	"golang.org/x/sys/unix"
)

// Flag selects which option(s) an Options value carries and Apply(Ex)
// should touch, mirroring SO_F_*.
type Flag uint32

const (
	FlagNonblock Flag = 1 << iota
	FlagBroadcast
	FlagReuseAddr
	FlagReusePort
	FlagHalfCloseRD
	FlagHalfCloseWR
	FlagBacklog
	FlagKeepAlive
	FlagRcvBuf
	FlagRcvLowat
	FlagRcvTimeout
	FlagSndBuf
	FlagSndLowat
	FlagSndTimeout
	FlagIPHopLimitUnicast
	FlagIPHopLimitMulticast
	FlagIPMulticastLoop
	FlagAcceptFilter
	FlagTCPKeepIdle
	FlagTCPKeepIntvl
	FlagTCPKeepCnt
	FlagTCPNoDelay
	FlagTCPNoPush
	FlagTCPCongestion
	FlagFailOnErr
)

// FlagHalfCloseRDWR requests shutdown(SHUT_RDWR).
const FlagHalfCloseRDWR = FlagHalfCloseRD | FlagHalfCloseWR

// bitValsMask is the subset of flags whose meaning lives entirely in
// Options.BitVals rather than a separate value field (SO_F_BIT_VALS_MASK).
const bitValsMask = FlagNonblock | FlagBroadcast | FlagReuseAddr | FlagReusePort |
	FlagKeepAlive | FlagIPMulticastLoop | FlagAcceptFilter | FlagTCPNoDelay | FlagTCPNoPush

// Apply-phase masks (SO_F_*_MASK / SO_F_*_AF_MASK): which options make
// sense to (re-)apply at each point in a socket's lifecycle.
const (
	MaskRcv                        = FlagRcvBuf | FlagRcvLowat | FlagRcvTimeout
	MaskSnd                        = FlagSndBuf | FlagSndLowat | FlagSndTimeout
	MaskUDPAfterBind               = MaskRcv | MaskSnd | FlagIPHopLimitUnicast | FlagIPHopLimitMulticast | FlagIPMulticastLoop
	MaskTCPListenAfterListen       = FlagIPHopLimitUnicast | FlagAcceptFilter | FlagKeepAlive | FlagTCPKeepIdle | FlagTCPKeepIntvl | FlagTCPKeepCnt
	MaskTCPEstablishedAfterConnect = FlagHalfCloseRDWR | FlagKeepAlive | FlagTCPKeepIdle | FlagTCPKeepIntvl | FlagTCPKeepCnt |
		MaskRcv | MaskSnd | FlagIPHopLimitUnicast | FlagTCPNoDelay | FlagTCPNoPush | FlagTCPCongestion
)

// Unit selects skt_opts_cvt's scale table.
type Unit int

const (
	UnitNone Unit = iota
	UnitKilo
	UnitMega
	UnitGiga
)

// Options holds the values skt_opts_apply_ex may set, gated by Mask/BitVals.
type Options struct {
	Mask    Flag
	BitVals Flag

	Backlog int

	RcvBuf     uint32
	RcvLowat   uint32
	RcvTimeout uint64
	SndBuf     uint32
	SndLowat   uint32
	SndTimeout uint64

	HopLimitUnicast   uint8
	HopLimitMulticast uint8

	AcceptFilterName   string // BSD SO_ACCEPTFILTER name (e.g. "httpready")
	AcceptDeferSeconds uint32 // Linux TCP_DEFER_ACCEPT

	TCPKeepIdle   uint32
	TCPKeepIntvl  uint32
	TCPKeepCnt    uint32
	TCPCongestion string
}

// Init zeroes opts and sets the initial mask/bit_vals and default backlog,
// mirroring skt_opts_init (the unbounded default backlog is applied at
// listen time by the caller, matching the original's INT_MAX sentinel).
func Init(mask, bitVals Flag) *Options {
	return &Options{
		Mask:    bitValsMask & mask,
		BitVals: bitVals,
		Backlog: math.MaxInt32,
	}
}

// Convert scales the size/timeout fields by unit, per skt_opts_cvt's actual
// table: RcvBuf/RcvLowat/SndBuf/SndLowat scale by powers of 1024 (binary,
// since they're byte counts), while RcvTimeout/SndTimeout scale by powers
// of 1000 (decimal, since they're durations) — two different bases in the
// same call, not the single uniform scale spec.md's prose suggested
// (Open Question decision #2).
func (o *Options) Convert(unit Unit) {
	if unit < UnitNone || unit > UnitGiga {
		return
	}
	dtbl := [4]uint64{1, 1000, 1000000, 1000000000}
	btbl := [4]uint32{1, 1024, 1048576, 1073741824}

	o.RcvBuf *= btbl[unit]
	o.RcvLowat *= btbl[unit]
	o.RcvTimeout *= dtbl[unit]
	o.SndBuf *= btbl[unit]
	o.SndLowat *= btbl[unit]
	o.SndTimeout *= dtbl[unit]
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// detectFamily reads a bound/connected socket's address family for the
// "family == AF_UNSPEC, try both" dual-stack path.
func detectFamily(fd int) int {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return unix.AF_UNSPEC
	}
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	default:
		return unix.AF_UNSPEC
	}
}

// applyDualStack tries the IPv6 setter first ("prefer IPv6 to not rewrite
// code in future", per the original's comment), then IPv4, skipping
// whichever doesn't match family unless family is AF_UNSPEC.
func applyDualStack(family int, tryV6, tryV4 func() error) error {
	var lastErr error
	tried := false
	if family == unix.AF_UNSPEC || family == unix.AF_INET6 {
		tried = true
		if err := tryV6(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if family == unix.AF_UNSPEC || family == unix.AF_INET {
		tried = true
		if err := tryV4(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if !tried {
		return unix.EAFNOSUPPORT
	}
	return lastErr
}

// ApplyEx applies every option flagged in mask∩o.Mask to fd. If
// FlagFailOnErr is set in mask (o.Mask's copy of the bit is not
// consulted), the first failing option stops the pass and its error is
// returned; otherwise every option is attempted, every failure
// accumulates into errMask and err is nil, matching skt_opts_apply_ex's
// best-effort default with an opt-in fail-fast override.
func ApplyEx(fd int, mask Flag, o *Options, family int) (errMask Flag, err error) {
	eff := mask & (o.Mask | FlagFailOnErr)
	failFast := eff&FlagFailOnErr != 0

	fail := func(f Flag, e error) bool {
		errMask |= f
		if failFast {
			err = e
		}
		return failFast
	}

	if eff&FlagNonblock != 0 {
		if e := unix.SetNonblock(fd, o.BitVals&FlagNonblock != 0); e != nil && fail(FlagNonblock, e) {
			return
		}
	}
	if eff&FlagHalfCloseRDWR != 0 {
		how := -1
		switch eff & FlagHalfCloseRDWR & o.BitVals {
		case FlagHalfCloseRD:
			how = unix.SHUT_RD
		case FlagHalfCloseWR:
			how = unix.SHUT_WR
		case FlagHalfCloseRDWR:
			how = unix.SHUT_RDWR
		}
		if how >= 0 {
			if e := unix.Shutdown(fd, how); e != nil && fail(FlagHalfCloseRDWR, e) {
				return
			}
		}
	}
	if eff&FlagBroadcast != 0 {
		if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, boolInt(o.BitVals&FlagBroadcast != 0)); e != nil && fail(FlagBroadcast, e) {
			return
		}
	}
	if eff&FlagReuseAddr != 0 {
		if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(o.BitVals&FlagReuseAddr != 0)); e != nil && fail(FlagReuseAddr, e) {
			return
		}
	}
	if eff&FlagReusePort != 0 {
		if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolInt(o.BitVals&FlagReusePort != 0)); e != nil && fail(FlagReusePort, e) {
			return
		}
	}
	if eff&FlagKeepAlive != 0 {
		if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolInt(o.BitVals&FlagKeepAlive != 0)); e != nil && fail(FlagKeepAlive, e) {
			return
		}
		if eff&FlagTCPKeepIdle != 0 && o.TCPKeepIdle != 0 {
			if e := setTCPKeepIdle(fd, o.TCPKeepIdle); e != nil && fail(FlagTCPKeepIdle, e) {
				return
			}
		}
		if eff&FlagTCPKeepIntvl != 0 && o.TCPKeepIntvl != 0 {
			if e := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(o.TCPKeepIntvl)); e != nil && fail(FlagTCPKeepIntvl, e) {
				return
			}
		}
		if eff&FlagTCPKeepCnt != 0 && o.TCPKeepCnt != 0 {
			if e := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, int(o.TCPKeepCnt)); e != nil && fail(FlagTCPKeepCnt, e) {
				return
			}
		}
	}
	if eff&FlagRcvBuf != 0 && o.RcvBuf != 0 {
		if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, int(o.RcvBuf)); e != nil && fail(FlagRcvBuf, e) {
			return
		}
	}
	if eff&FlagRcvLowat != 0 && o.RcvLowat != 0 {
		if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVLOWAT, int(o.RcvLowat)); e != nil && fail(FlagRcvLowat, e) {
			return
		}
	}
	if eff&FlagRcvTimeout != 0 && o.RcvTimeout != 0 {
		tv := unix.NsecToTimeval(int64(o.RcvTimeout))
		if e := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); e != nil && fail(FlagRcvTimeout, e) {
			return
		}
	}
	if eff&FlagSndBuf != 0 && o.SndBuf != 0 {
		if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, int(o.SndBuf)); e != nil && fail(FlagSndBuf, e) {
			return
		}
	}
	if eff&FlagSndLowat != 0 && o.SndLowat != 0 {
		if e := setSndLowat(fd, o.SndLowat); e != nil && fail(FlagSndLowat, e) {
			return
		}
	}
	if eff&FlagSndTimeout != 0 && o.SndTimeout != 0 {
		tv := unix.NsecToTimeval(int64(o.SndTimeout))
		if e := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); e != nil && fail(FlagSndTimeout, e) {
			return
		}
	}

	if eff&(FlagIPHopLimitUnicast|FlagIPHopLimitMulticast|FlagIPMulticastLoop) != 0 && family == unix.AF_UNSPEC {
		family = detectFamily(fd)
	}
	if eff&FlagIPHopLimitUnicast != 0 {
		v := int(o.HopLimitUnicast)
		e := applyDualStack(family,
			func() error { return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, v) },
			func() error { return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, v) },
		)
		if e != nil && fail(FlagIPHopLimitUnicast, e) {
			return
		}
	}
	if eff&FlagIPHopLimitMulticast != 0 {
		v := int(o.HopLimitMulticast)
		e := applyDualStack(family,
			func() error { return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, v) },
			func() error { return unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, o.HopLimitMulticast) },
		)
		if e != nil && fail(FlagIPHopLimitMulticast, e) {
			return
		}
	}
	if eff&FlagIPMulticastLoop != 0 {
		on := o.BitVals&FlagIPMulticastLoop != 0
		e := applyDualStack(family,
			func() error { return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, boolInt(on)) },
			func() error { return unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, byte(boolInt(on))) },
		)
		if e != nil && fail(FlagIPMulticastLoop, e) {
			return
		}
	}

	if eff&FlagAcceptFilter != 0 && o.BitVals&FlagAcceptFilter != 0 {
		if e := applyAcceptFilter(fd, o); e != nil && fail(FlagAcceptFilter, e) {
			return
		}
	}
	if eff&FlagTCPNoDelay != 0 {
		if e := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(o.BitVals&FlagTCPNoDelay != 0)); e != nil && fail(FlagTCPNoDelay, e) {
			return
		}
	}
	if eff&FlagTCPNoPush != 0 {
		if e := setTCPNoPush(fd, o.BitVals&FlagTCPNoPush != 0); e != nil && fail(FlagTCPNoPush, e) {
			return
		}
	}
	if eff&FlagTCPCongestion != 0 && o.TCPCongestion != "" {
		if e := setTCPCongestion(fd, o.TCPCongestion); e != nil && fail(FlagTCPCongestion, e) {
			return
		}
	}

	return errMask, err
}

// Apply is ApplyEx without per-option error tracking, for callers that only
// need the SO_F_BIT_VALS_MASK boolean flags (skt_opts_apply).
func Apply(fd int, mask, bitVals Flag, family int) error {
	o := &Options{Mask: bitValsMask & mask, BitVals: bitVals}
	_, err := ApplyEx(fd, mask, o, family)
	return err
}
