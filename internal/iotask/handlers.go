package iotask

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/reactorpool/tpio/internal/reactor"
	"github.com/reactorpool/tpio/internal/skt"
)

// handlerRW is the canned read/write handler: positional (pread/pwrite)
// transfer against t.offset, advancing it as bytes move. Registered for
// either EventRead or EventWrite depending on which direction the task was
// Start'd with; the handler derives direction from the delivered event, not
// from any stored "isRead" flag, so one handler serves both.
func handlerRW(t *Task, ev reactor.Event) {
	runTransferLoop(t, ev, true)
}

// handlerSR is the canned socket send/recv handler: non-positional transfer
// (no seek offset) suited to sockets, otherwise identical to handlerRW.
// The original's MSG_DONTWAIT|MSG_NOSIGNAL intent is satisfied here by
// registering only non-blocking fds and relying on Go's runtime, which
// does not deliver a process-terminating SIGPIPE for writes on fds other
// than stdout/stderr — a plain Write already returns EPIPE as an error.
func handlerSR(t *Task, ev reactor.Event) {
	runTransferLoop(t, ev, false)
}

func runTransferLoop(t *Task, ev reactor.Event, positional bool) {
	callStart := time.Now()
	isRead := ev.Kind == reactor.EventRead
	observe := func(bytes uint64, success bool) {
		if isRead {
			t.observer.ObserveRead(bytes, uint64(time.Since(callStart).Nanoseconds()), success)
		} else {
			t.observer.ObserveWrite(bytes, uint64(time.Since(callStart).Nanoseconds()), success)
		}
	}

	switch {
	case ev.Kind == reactor.EventTimer:
		observe(0, false)
		ret := t.cb(t, ErrTimedOut, t.buf, 0, t.totTransferred, t.udata)
		t.reschedule(ret)
		return
	case ev.Return&reactor.FlagError != 0:
		observe(0, false)
		ret := t.cb(t, unix.Errno(ev.Errno), t.buf, 0, t.totTransferred, t.udata)
		t.reschedule(ret)
		return
	}

	buf := t.buf

	var err error
	var eof EOFFlags
	var transferred uint64
	invokeCB := true

	for {
		var chunk []byte
		if isRead {
			chunk = buf.Writable()
		} else {
			chunk = buf.Unread()
		}
		if len(chunk) == 0 {
			if !isRead {
				eof |= EOFBuf
			}
			break
		}

		var n int
		var ioErr error
		switch {
		case isRead && positional:
			n, ioErr = unix.Pread(int(t.ident), chunk, t.offset)
		case isRead && !positional:
			n, ioErr = unix.Read(int(t.ident), chunk)
		case !isRead && positional:
			n, ioErr = unix.Pwrite(int(t.ident), chunk, t.offset)
		default:
			n, ioErr = unix.Write(int(t.ident), chunk)
		}

		if ioErr != nil {
			if isTransientErrno(ioErr) {
				invokeCB = false
			} else {
				err = ioErr
			}
			break
		}
		if n == 0 {
			if isRead {
				eof |= EOFRemote
				if !buf.Full() {
					eof |= EOFBuf
				}
			}
			break
		}

		if isRead {
			buf.Produced(n)
		} else {
			buf.Consumed(n)
		}
		if positional {
			t.offset += int64(n)
		}
		transferred += uint64(n)

		if isRead && buf.Full() {
			break
		}
		if !isRead && buf.Empty() {
			break
		}
		if isRead && t.flags&FlagCBAfterEveryRead != 0 {
			break
		}
	}

	t.totTransferred += transferred

	if !invokeCB {
		t.reschedule(ResultContinue)
		return
	}

	observe(transferred, err == nil)
	ret := t.cb(t, err, buf, eof, t.totTransferred, t.udata)
	t.reschedule(ret)
}

// handlerNotify delivers readiness with no transfer: one callback per
// wakeup, t.buf (if any) passed through untouched.
func handlerNotify(t *Task, ev reactor.Event) {
	var err error
	var eof EOFFlags

	switch {
	case ev.Kind == reactor.EventTimer:
		err = ErrTimedOut
	case ev.Return&reactor.FlagError != 0:
		err = unix.Errno(ev.Errno)
	case ev.Return&reactor.FlagEOF != 0:
		eof |= EOFRemote
	}

	ret := t.cb(t, err, t.buf, eof, ev.Data, t.udata)
	t.reschedule(ret)
}

// handlerPktRcvr receives datagrams in a loop, delivering one callback per
// packet (recvfrom resets the buffer between packets rather than
// accumulating across datagram boundaries).
func handlerPktRcvr(t *Task, ev reactor.Event) {
	switch {
	case ev.Kind == reactor.EventTimer:
		ret := t.cb(t, ErrTimedOut, t.buf, 0, t.totTransferred, t.udata)
		t.reschedule(ret)
		return
	case ev.Return&reactor.FlagError != 0:
		ret := t.cb(t, unix.Errno(ev.Errno), t.buf, 0, t.totTransferred, t.udata)
		t.reschedule(ret)
		return
	}

	buf := t.buf
	for {
		chunk := buf.Writable()
		if len(chunk) == 0 {
			ret := t.cb(t, nil, buf, EOFBuf, t.totTransferred, t.udata)
			t.reschedule(ret)
			return
		}

		n, _, err := unix.Recvfrom(int(t.ident), chunk, 0)
		if err != nil {
			if isTransientErrno(err) {
				t.reschedule(ResultContinue)
				return
			}
			ret := t.cb(t, err, buf, 0, t.totTransferred, t.udata)
			t.reschedule(ret)
			return
		}

		buf.Produced(n)
		t.totTransferred += uint64(n)

		ret := t.cb(t, nil, buf, 0, t.totTransferred, t.udata)
		buf.Reset()
		if ret != ResultContinue {
			t.reschedule(ret)
			return
		}
	}
}

// handlerAccept runs an accept loop, delivering each accepted connection's
// fd to cb via the payload argument (an int, not a *iobuf.Buffer — accept
// has nothing to fill). ev.Data carries the backlog hint some backends
// report (e.g. kqueue's EVFILT_READ data); zero means "drain until EAGAIN".
func handlerAccept(t *Task, ev reactor.Event) {
	switch {
	case ev.Kind == reactor.EventTimer:
		ret := t.cb(t, ErrTimedOut, -1, 0, t.totTransferred, t.udata)
		t.reschedule(ret)
		return
	case ev.Return&reactor.FlagError != 0:
		ret := t.cb(t, unix.Errno(ev.Errno), -1, 0, t.totTransferred, t.udata)
		t.reschedule(ret)
		return
	}

	budget := ev.Data
	var accepted uint64
	for budget == 0 || accepted < budget {
		callStart := time.Now()
		fd, _, err := unix.Accept4(int(t.ident), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if isTransientErrno(err) {
				break
			}
			ret := t.cb(t, err, -1, 0, t.totTransferred, t.udata)
			t.reschedule(ret)
			return
		}
		t.observer.ObserveAccept(uint64(time.Since(callStart).Nanoseconds()))

		accepted++
		t.totTransferred++
		ret := t.cb(t, nil, fd, 0, t.totTransferred, t.udata)
		if ret != ResultContinue {
			t.reschedule(ret)
			return
		}
	}

	t.reschedule(ResultContinue)
}

// handlerConnect is the one-shot connect-readiness handler (handler_connect,
// §4.4): ident must already be a non-blocking socket with a connect(2) in
// flight (e.g. from skt.Connect), and the task is Start'd with
// event=EventWrite. On write-readiness (or timer expiry) it reads SO_ERROR
// to learn the final outcome, stops the task, then hands the result to the
// application callback — matching the header's "handler call
// tp_task_stop() before tp_task_connect_cb call" contract. There is no
// buffer: connect either completes or it doesn't, so cb's return code is
// ignored (the original: "TP_TASK_CB_CONTINUE return code - ignored").
func handlerConnect(t *Task, ev reactor.Event) {
	var err error
	switch {
	case ev.Kind == reactor.EventTimer:
		err = ErrTimedOut
	case ev.Return&reactor.FlagError != 0:
		err = unix.Errno(ev.Errno)
	default:
		err = skt.ConnectError(int(t.ident))
	}
	t.Stop()
	t.cb(t, err, nil, 0, 0, t.udata)
}

// handlerConnectSend drives handler_connect's readiness wait through to
// completion, then switches in place to handler_sr's non-positional write
// loop to deliver t.buf — "for connect and send use tp_task_sr_handler() +
// tp_task_cb() for write" generalized into one handler so a single task
// covers both phases without the caller re-Start'ing it. t.connectDone
// gates which phase a given wakeup belongs to: the first write-readiness
// (or timer) event is the connect outcome, every one after is send
// progress, matching the header's "timeout - for connect, then for send"
// note (the same DISPATCH timer is reused for both phases).
func handlerConnectSend(t *Task, ev reactor.Event) {
	if t.connectDone {
		runTransferLoop(t, ev, false)
		return
	}

	var err error
	switch {
	case ev.Kind == reactor.EventTimer:
		err = ErrTimedOut
	case ev.Return&reactor.FlagError != 0:
		err = unix.Errno(ev.Errno)
	default:
		err = skt.ConnectError(int(t.ident))
	}
	if err != nil {
		ret := t.cb(t, err, t.buf, 0, 0, t.udata)
		t.reschedule(ret)
		return
	}

	t.connectDone = true
	runTransferLoop(t, ev, false)
}
