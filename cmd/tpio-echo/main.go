// Command tpio-echo runs a TCP echo server on the thread pool runtime: one
// bind-accept task on a round-robin-selected worker (or, with -multi-bind,
// one SO_REUSEPORT listen socket per worker) accepts connections, and each
// accepted connection gets its own SR task that bounces bytes back to the
// sender until the peer disconnects.
package main

import (
	"flag"
	"log"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/reactorpool/tpio"
	"github.com/reactorpool/tpio/internal/iobuf"
	"github.com/reactorpool/tpio/internal/iotask"
	"github.com/reactorpool/tpio/internal/logging"
	"github.com/reactorpool/tpio/internal/reactor"
)

const bufSize = 16 * 1024

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:9000", "address to listen on")
		threads = flag.Int("threads", 0, "worker thread count (0 selects the online CPU count)")
		multi   = flag.Bool("multi-bind", false, "open one listen socket per worker via SO_REUSEPORT")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	tcpAddr, err := net.ResolveTCPAddr("tcp", *addr)
	if err != nil {
		log.Fatalf("resolve %q: %v", *addr, err)
	}

	pool, err := tpio.New(tpio.Settings{ThreadsMax: *threads, Logger: logger})
	if err != nil {
		log.Fatalf("tpio.New: %v", err)
	}
	if err := pool.ThreadsCreate(true); err != nil {
		log.Fatalf("ThreadsCreate: %v", err)
	}

	opts := tpio.ListenOptions{ReuseAddr: true}
	if *multi {
		err = pool.CreateMultiBindAccept(tcpAddr, opts, onAccept, nil)
	} else {
		err = pool.CreateBindAccept(pool.ThreadGetRR(), tcpAddr, opts, onAccept, nil)
	}
	if err != nil {
		log.Fatalf("bind %s: %v", tcpAddr, err)
	}

	logger.Info("echo server listening", "addr", tcpAddr.String(), "multi_bind", *multi)

	token := pool.NotifyShutdownOn(os.Interrupt)
	defer token.Stop()

	if err := pool.AttachFirst(); err != nil {
		logger.Error("AttachFirst", "error", err)
	}
	if err := pool.ShutdownWait(0); err != nil {
		logger.Error("ShutdownWait", "error", err)
	}
	if err := pool.Destroy(); err != nil {
		logger.Error("Destroy", "error", err)
	}
}

func onAccept(t *iotask.Task, err error, payload any, eof iotask.EOFFlags, transferred uint64, udata any) iotask.Result {
	if err != nil {
		logging.Default().Warn("accept failed", "error", err)
		return iotask.ResultContinue
	}

	fd := payload.(int)
	w := t.Worker()
	buf := iobuf.NewBuffer(bufSize)

	rw, err := iotask.NewSR(w, uintptr(fd), iotask.FlagCloseOnDestroy|iotask.FlagCBAfterEveryRead, echoCallback, nil)
	if err != nil {
		logging.Default().Warn("NewSR", "error", err)
		unix.Close(fd)
		buf.Release()
		return iotask.ResultContinue
	}
	if err := rw.Start(reactor.EventRead, 0, 0, 0, buf); err != nil {
		logging.Default().Warn("Start", "error", err)
		buf.Release()
		return iotask.ResultContinue
	}

	return iotask.ResultContinue
}

// echoCallback writes back whatever the read side just produced, then lets
// the task reschedule for the next read. Writes are issued synchronously
// here rather than through a second task: echo payloads are small enough
// that a non-blocking write essentially never partially completes, and
// keeping one task per connection avoids the bookkeeping a read/write pair
// would need to hand the buffer back and forth.
func echoCallback(t *iotask.Task, err error, payload any, eof iotask.EOFFlags, transferred uint64, udata any) iotask.Result {
	buf, _ := payload.(*iobuf.Buffer)

	if buf != nil && buf.Used() > 0 {
		unread := buf.Unread()
		for len(unread) > 0 {
			n, werr := unix.Write(int(t.Ident()), unread)
			if werr != nil {
				if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
					continue
				}
				break
			}
			unread = unread[n:]
		}
		buf.Reset()
	}

	if err != nil || eof&iotask.EOFRemote != 0 {
		return iotask.ResultNone
	}
	return iotask.ResultContinue
}
