package mq

import (
	"fmt"
	"sync"
)

// SendFlag mirrors TP_MSG_F_*/TP_BMSG_F_*/TP_CBMSG_F_*.
type SendFlag uint32

const (
	FlagSelfDirect  SendFlag = 1 << 0 // call cb directly if dst == src
	FlagForce       SendFlag = 1 << 1 // dst not running: call cb directly anyway
	FlagFailDirect  SendFlag = 1 << 2 // call cb directly if the pipe send fails

	FlagBroadcastSelfSkip SendFlag = 1 << 8 // don't send to the calling worker
	FlagBroadcastSync     SendFlag = 1 << 9 // block until every worker has processed

	FlagCBOneByOne SendFlag = 1 << 16 // send to the next worker only after the current one finishes
)

// Async-op argument slot names (S4), matching TP_MSG_AOP_ARG0..ARG4/ARG_ERR.
const (
	AsyncOpArg0   = 0
	AsyncOpArg1   = 1
	AsyncOpArg2   = 2
	AsyncOpArg3   = 3
	AsyncOpArg4   = 4
	AsyncOpArgErr = 5
	AsyncOpArgCnt = 6
)

// Endpoint is the minimal worker-facing surface Hub needs: a queue to send
// into, and whether the worker is currently running (spec §4.3's
// running-state check before unicast delivery).
type Endpoint struct {
	Queue   *Queue
	Running func() bool
}

// Hub tracks every worker's Endpoint so unicast/broadcast/cbsend can be
// addressed by worker index, the way tp_p threads are addressed by tpt_p in
// the original.
type Hub struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
}

// NewHub creates an empty hub; workers register themselves via Attach.
func NewHub() *Hub { return &Hub{} }

// Attach registers ep under a stable worker index, returning that index.
func (h *Hub) Attach(ep *Endpoint) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints = append(h.endpoints, ep)
	return len(h.endpoints) - 1
}

func (h *Hub) get(idx int) *Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if idx < 0 || idx >= len(h.endpoints) {
		return nil
	}
	return h.endpoints[idx]
}

func (h *Hub) all() []*Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Endpoint, len(h.endpoints))
	copy(out, h.endpoints)
	return out
}

// ErrHostDown mirrors the original's EHOSTDOWN: the destination worker is
// not running and FlagForce was not set.
var ErrHostDown = fmt.Errorf("mq: destination worker not running")

// Send implements tpt_msg_send: unicast delivery of cbID/udata to worker
// dst. src identifies the calling worker for FlagSelfDirect; pass -1 if the
// call doesn't originate from a worker.
func (h *Hub) Send(dst, src int, flags SendFlag, cbID uint32, udata uint64, direct Callback) error {
	if flags&FlagSelfDirect != 0 && dst == src {
		if direct != nil {
			direct(udata)
		}
		return nil
	}

	ep := h.get(dst)
	if ep == nil {
		return fmt.Errorf("mq: unknown worker %d", dst)
	}

	if !ep.Running() {
		if flags&FlagForce != 0 && direct != nil {
			direct(udata)
			return nil
		}
		return ErrHostDown
	}

	if err := ep.Queue.Send(cbID, udata); err != nil {
		if flags&FlagFailDirect != 0 && direct != nil {
			direct(udata)
			return nil
		}
		return err
	}
	return nil
}

// Broadcast implements tpt_msg_bsend_ex: send to every attached worker
// (optionally skipping src), returning the count sent and failed.
//
// When FlagBroadcastSync is set (§4.3 item 2 "synchronous wait", testable
// property 3), Broadcast blocks until every worker it successfully sent to
// has run cbID exactly once: cbID is wrapped in a per-call completion
// callback released from that worker's own dispatch of the packet, and the
// caller waits on a sync.WaitGroup instead of the original's spin loop
// (sched_yield/nanosleep(10ms)) — Go has a blocking primitive the C
// original didn't, so there's nothing to gain from busy-waiting here. A
// worker recorded as failed (not running, or the pipe write failed) never
// adds to the wait, matching "invoked cb exactly once or been recorded as
// an error".
func (h *Hub) Broadcast(src int, flags SendFlag, cbID uint32, udata uint64) (sent, failed int, err error) {
	endpoints := h.all()
	sync_ := flags&FlagBroadcastSync != 0

	var wg sync.WaitGroup
	for i, ep := range endpoints {
		if flags&FlagBroadcastSelfSkip != 0 && i == src {
			continue
		}
		if ep == nil || !ep.Running() {
			failed++
			continue
		}

		sendID := cbID
		if sync_ {
			ep := ep
			wg.Add(1)
			sendID = ep.Queue.Register(func(u uint64) {
				defer wg.Done()
				ep.Queue.invoke(cbID, u)
			})
		}

		if sendErr := ep.Queue.Send(sendID, udata); sendErr != nil {
			if sync_ {
				wg.Done()
			}
			failed++
			continue
		}
		sent++
	}

	if sync_ {
		wg.Wait()
	}

	if sent == 0 && len(endpoints) > 0 {
		return sent, failed, fmt.Errorf("mq: broadcast failed on all %d workers", failed)
	}
	return sent, failed, nil
}

// DoneCallback mirrors tpt_msg_done_cb, invoked after CBSend's broadcast
// finishes (or, with FlagCBOneByOne, after the final worker processes it).
type DoneCallback func(sentCount, errorCount int)

// CBSend implements tpt_msg_cbsend: broadcasts like Broadcast but invokes
// done once every recipient has been attempted (or, under FlagCBOneByOne,
// chains delivery one worker at a time: each worker only receives the
// message after the previous one has finished running cbID, mirroring the
// original's worker-to-worker forwarding instead of an up-front fan-out).
func (h *Hub) CBSend(src int, flags SendFlag, cbID uint32, udata uint64, done DoneCallback) error {
	if flags&FlagCBOneByOne == 0 {
		sent, failed, err := h.Broadcast(src, flags, cbID, udata)
		if done != nil {
			done(sent, failed)
		}
		return err
	}

	endpoints := h.all()
	var order []int
	skipped := 0
	for i, ep := range endpoints {
		if flags&FlagBroadcastSelfSkip != 0 && i == src {
			continue
		}
		if ep == nil || !ep.Running() {
			skipped++
			continue
		}
		order = append(order, i)
	}
	if len(order) == 0 {
		if done != nil {
			done(0, skipped)
		}
		if skipped > 0 {
			return fmt.Errorf("mq: cbsend failed on all %d workers", skipped)
		}
		return nil
	}

	var mu sync.Mutex
	sent, failed := 0, skipped
	var chain func(pos int)
	chain = func(pos int) {
		if pos >= len(order) {
			if done != nil {
				done(sent, failed)
			}
			return
		}
		ep := endpoints[order[pos]]
		wrapperID := ep.Queue.Register(func(u uint64) {
			ep.Queue.invoke(cbID, u)
			mu.Lock()
			sent++
			mu.Unlock()
			chain(pos + 1)
		})
		if err := ep.Queue.Send(wrapperID, udata); err != nil {
			mu.Lock()
			failed++
			mu.Unlock()
			chain(pos + 1)
		}
	}
	chain(0)
	return nil
}

// AsyncOp is the generic typed-slot argument block for one async operation
// dispatched across workers, matching tpt_msg_async_op_p's udata[6] array.
type AsyncOp struct {
	args [AsyncOpArgCnt]any
}

// NewAsyncOp allocates an AsyncOp with all slots unset.
func NewAsyncOp() *AsyncOp { return &AsyncOp{} }

// Arg returns the value stored at slot index.
func (a *AsyncOp) Arg(index int) any { return a.args[index] }

// SetArg stores a value at slot index.
func (a *AsyncOp) SetArg(index int, v any) { a.args[index] = v }

// Err returns the conventional error slot (AsyncOpArgErr).
func (a *AsyncOp) Err() error {
	if err, ok := a.args[AsyncOpArgErr].(error); ok {
		return err
	}
	return nil
}

// SetErr stores err in the conventional error slot.
func (a *AsyncOp) SetErr(err error) { a.args[AsyncOpArgErr] = err }
