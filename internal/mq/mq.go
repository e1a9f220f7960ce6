// Package mq implements the cross-thread message queue (C3): a
// pipe-backed, fixed-format packet channel that lets any worker hand a
// callback + opaque user data to another worker's reactor loop without
// shared-memory locking.
package mq

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/reactorpool/tpio/internal/logging"
)

const magic uint32 = 0x6d71706b // "mqpk"

// packet is the wire format placed on the pipe: {magic, cb_func, udata, chksum}.
// cbFunc and udata are registry indices rather than raw pointers/function
// values, since Go code can't serialize a func value across a pipe; the
// sender and receiver of a given Queue share the same callback registry.
type packet struct {
	Magic  uint32
	CBFunc uint32
	UData  uint64
	Chksum uint32
}

const packetSize = 4 + 4 + 8 + 4

func (p packet) checksum() uint32 {
	var sum uint32
	sum += p.Magic
	sum += p.CBFunc
	sum += uint32(p.UData) + uint32(p.UData>>32)
	return sum
}

func encode(p packet) []byte {
	buf := make([]byte, packetSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], p.CBFunc)
	binary.LittleEndian.PutUint64(buf[8:16], p.UData)
	binary.LittleEndian.PutUint32(buf[16:20], p.Chksum)
	return buf
}

func decode(buf []byte) (packet, bool) {
	if len(buf) != packetSize {
		return packet{}, false
	}
	p := packet{
		Magic:  binary.LittleEndian.Uint32(buf[0:4]),
		CBFunc: binary.LittleEndian.Uint32(buf[4:8]),
		UData:  binary.LittleEndian.Uint64(buf[8:16]),
		Chksum: binary.LittleEndian.Uint32(buf[16:20]),
	}
	if p.Magic != magic || p.checksum() != p.Chksum {
		return packet{}, false
	}
	return p, true
}

// Callback is invoked on the destination worker when its queue drains a
// packet naming this callback's registry slot.
type Callback func(udata uint64)

// Observer receives send/resync outcomes for a Queue; satisfied
// structurally by tpio.MetricsObserver and tpio.NoOpObserver (mq can't
// import the root package, which imports mq, without a cycle).
type Observer interface {
	ObserveMQSend(delivered bool)
	ObserveMQResync()
}

type noopObserver struct{}

func (noopObserver) ObserveMQSend(bool) {}
func (noopObserver) ObserveMQResync()   {}

// Queue is one worker's receiving end of the message queue: a non-blocking
// pipe plus a callback registry, drained by the worker loop each time its
// reactor reports the pipe's read fd ready.
type Queue struct {
	readFd, writeFd int
	mu              sync.Mutex
	callbacks       []Callback
	logger          *logging.Logger
	observer        Observer
	resyncs         uint64
}

// NewQueue creates a non-blocking pipe-backed queue.
func NewQueue(logger *logging.Logger) (*Queue, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("mq: pipe2: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{readFd: fds[0], writeFd: fds[1], logger: logger, observer: noopObserver{}}, nil
}

// SetObserver installs the metrics observer Send/Drain report to. Passing
// nil restores the no-op observer. Must be called before the queue is
// handed to a worker's reactor loop; not safe to change concurrently with
// Send/Drain.
func (q *Queue) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	q.observer = o
}

// ReadFd is the descriptor the owning worker registers with its reactor for
// EventRead.
func (q *Queue) ReadFd() int { return q.readFd }

// Register assigns cb a stable slot and returns its id for use with Send.
func (q *Queue) Register(cb Callback) uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks = append(q.callbacks, cb)
	return uint32(len(q.callbacks) - 1)
}

// invoke calls the callback registered at cbID directly, without going
// through the pipe. Used by Hub.CBSend's one-by-one chain, which must run
// the target's own handler on the worker thread that dispatches the chain
// wrapper rather than re-sending a second packet for it.
func (q *Queue) invoke(cbID uint32, udata uint64) {
	q.mu.Lock()
	var cb Callback
	if int(cbID) < len(q.callbacks) {
		cb = q.callbacks[cbID]
	}
	q.mu.Unlock()
	if cb != nil {
		cb(udata)
	}
}

// Send implements tpt_msg_send: unicast delivery of one packet (cbID, udata)
// to this queue's owning worker. Safe to call from any goroutine/worker.
func (q *Queue) Send(cbID uint32, udata uint64) error {
	p := packet{Magic: magic, CBFunc: cbID, UData: udata}
	p.Chksum = p.checksum()
	buf := encode(p)

	n, err := unix.Write(q.writeFd, buf)
	if err != nil {
		q.observer.ObserveMQSend(false)
		return fmt.Errorf("mq: write: %w", err)
	}
	if n != len(buf) {
		q.observer.ObserveMQSend(false)
		return fmt.Errorf("mq: short write (%d/%d), packet stream corrupted", n, len(buf))
	}
	q.observer.ObserveMQSend(true)
	return nil
}

// Drain is called by the owning worker's reactor loop when ReadFd is ready.
// It reads and dispatches as many whole packets as are currently available,
// resynchronizing on corruption per spec §4.3: a bad magic/checksum causes
// the reader to discard one byte at a time until a valid packet boundary is
// found, rather than wedging the queue.
func (q *Queue) Drain() (dispatched int, err error) {
	buf := make([]byte, 0, 64*packetSize)
	tmp := make([]byte, 4096)

	for {
		n, rerr := unix.Read(q.readFd, tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				break
			}
			if n == 0 {
				return dispatched, fmt.Errorf("mq: read: %w", rerr)
			}
		}
		if n == 0 {
			break
		}
	}

	for len(buf) >= packetSize {
		p, ok := decode(buf[:packetSize])
		if !ok {
			// Corrupted stream: resync by sliding one byte at a time.
			q.resyncs++
			q.observer.ObserveMQResync()
			q.logger.Warnf("mq: packet resync (dropped byte), total resyncs=%d", q.resyncs)
			buf = buf[1:]
			continue
		}
		q.dispatch(p)
		dispatched++
		buf = buf[packetSize:]
	}

	return dispatched, nil
}

// Resyncs reports the number of corruption-recovery events observed by this
// queue; exposed for metrics (Observer.ObserveMQResync callers can poll the
// delta).
func (q *Queue) Resyncs() uint64 { return q.resyncs }

func (q *Queue) dispatch(p packet) {
	q.mu.Lock()
	var cb Callback
	if int(p.CBFunc) < len(q.callbacks) {
		cb = q.callbacks[p.CBFunc]
	}
	q.mu.Unlock()

	if cb == nil {
		q.logger.Warnf("mq: packet names unknown callback slot %d, dropped", p.CBFunc)
		return
	}
	cb(p.UData)
}

// Close releases both pipe ends.
func (q *Queue) Close() error {
	unix.Close(q.writeFd)
	return unix.Close(q.readFd)
}
