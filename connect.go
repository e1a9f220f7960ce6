package tpio

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/reactorpool/tpio/internal/iobuf"
	"github.com/reactorpool/tpio/internal/iotask"
	"github.com/reactorpool/tpio/internal/reactor"
	"github.com/reactorpool/tpio/internal/skt"
)

// ConnectCallback is tp_task_connect_cb's signature (§4.4 handler_connect):
// invoked once, with the outcome of a single-address, single-attempt
// connect. Unlike ConnectEx's callback there's no retry/address-index
// bookkeeping — the task is already stopped by the time cb runs.
type ConnectCallback = iotask.ConnectCallback

// ConnectSendCallback is the completion callback for CreateConnectSend,
// sharing iotask.Callback's signature: payload is the task's *iobuf.Buffer
// holding the copy of data being sent, and err covers both the connect and
// the send phase.
type ConnectSendCallback = iotask.Callback

// CreateConnect starts a non-blocking connect to addr on w and delivers the
// outcome via cb once the connect completes, successfully or not (§4.4
// handler_connect, §6 tp_task_create_connect). Use this when the
// application will read from the connection itself afterward; for
// connect-then-send, use CreateConnectSend.
func (p *Pool) CreateConnect(w *Worker, addr *net.TCPAddr, timeout time.Duration, cb ConnectCallback, udata any) error {
	fd, err := skt.Connect(addr, unix.SOCK_STREAM, 0, 0)
	if err != nil {
		return WrapError("tp_task_create_connect", err)
	}

	wrapped := func(t *iotask.Task, cerr error, udata any) {
		if cerr != nil {
			unix.Close(fd)
		}
		cb(t, cerr, udata)
	}

	task, err := iotask.NewConnect(w.internal(), uintptr(fd), 0, wrapped, udata)
	if err != nil {
		unix.Close(fd)
		return WrapError("tp_task_create_connect", err)
	}
	timeoutMs := uint64(timeout / time.Millisecond)
	if err := task.Start(reactor.EventWrite, reactor.FlagOneshot|reactor.FlagDispatch, timeoutMs, 0, nil); err != nil {
		unix.Close(fd)
		return WrapError("tp_task_create_connect", err)
	}
	return nil
}

// CreateConnectSend starts a non-blocking connect to addr on w and, once
// connected, writes data before invoking cb (§4.4 handler_connect_send,
// §6 tp_task_create_connect_send): "timeout - for connect, then for send
// (write) data" — the same timeout value covers both phases. On any
// failure (connect or send), the socket is closed after cb returns, unless
// cb returns ResultContinue.
func (p *Pool) CreateConnectSend(w *Worker, addr *net.TCPAddr, data []byte, timeout time.Duration, cb ConnectSendCallback, udata any) error {
	fd, err := skt.Connect(addr, unix.SOCK_STREAM, 0, 0)
	if err != nil {
		return WrapError("tp_task_create_connect_send", err)
	}

	buf := iobuf.NewBuffer(uint32(len(data)))
	n := copy(buf.Writable(), data)
	buf.Produced(n)

	wrapped := func(t *iotask.Task, cerr error, payload any, eof iotask.EOFFlags, transferred uint64, udata any) iotask.Result {
		ret := cb(t, cerr, payload, eof, transferred, udata)
		if cerr != nil && ret != iotask.ResultContinue {
			unix.Close(fd)
		}
		return ret
	}

	task, err := iotask.NewConnectSend(w.internal(), uintptr(fd), iotask.FlagCloseOnDestroy, wrapped, udata)
	if err != nil {
		unix.Close(fd)
		return WrapError("tp_task_create_connect_send", err)
	}
	timeoutMs := uint64(timeout / time.Millisecond)
	if err := task.Start(reactor.EventWrite, reactor.FlagOneshot|reactor.FlagDispatch, timeoutMs, 0, buf); err != nil {
		unix.Close(fd)
		return WrapError("tp_task_create_connect_send", err)
	}
	return nil
}
