// Command tpio-pingpong exercises the cross-thread message queue (C3) by
// bouncing a counter between two workers' queues until it reaches -count,
// demonstrating the non-blocking pipe-backed Hub.Send path outside of any
// I/O task.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/reactorpool/tpio"
	"github.com/reactorpool/tpio/internal/logging"
)

func main() {
	count := flag.Int("count", 100000, "number of ping/pong round trips")
	flag.Parse()

	logger := logging.Default()

	pool, err := tpio.New(tpio.Settings{ThreadsMax: 2, Logger: logger})
	if err != nil {
		log.Fatalf("tpio.New: %v", err)
	}
	if err := pool.ThreadsCreate(false); err != nil {
		log.Fatalf("ThreadsCreate: %v", err)
	}

	a := pool.ThreadGet(0)
	b := pool.ThreadGet(1)

	hub := pool.Hub()
	done := make(chan struct{})
	start := time.Now()

	// Slot 0 is reserved for the pool's own stop message on every queue
	// (see pool.go's stopCallbackSlot); pingCB registers into slot 1.
	var pingCB, pongCB uint32
	pingCB = a.Queue().Register(func(udata uint64) {
		if int(udata) >= *count {
			close(done)
			return
		}
		if err := hub.Send(1, 0, 0, pongCB, udata+1, nil); err != nil {
			logger.Warn("ping send failed", "error", err)
		}
	})
	pongCB = b.Queue().Register(func(udata uint64) {
		if int(udata) >= *count {
			close(done)
			return
		}
		if err := hub.Send(0, 1, 0, pingCB, udata+1, nil); err != nil {
			logger.Warn("pong send failed", "error", err)
		}
	})

	if err := hub.Send(0, -1, 0, pingCB, 0, nil); err != nil {
		log.Fatalf("Send: %v", err)
	}

	<-done
	elapsed := time.Since(start)
	logger.Info("pingpong complete", "round_trips", *count, "elapsed", elapsed.String())

	pool.Shutdown()
	if err := pool.ShutdownWait(5 * time.Second); err != nil {
		logger.Error("ShutdownWait", "error", err)
	}
	if err := pool.Destroy(); err != nil {
		logger.Error("Destroy", "error", err)
	}
}
