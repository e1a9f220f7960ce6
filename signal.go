package tpio

import (
	"os"
	"os/signal"
	"sync"
)

// ShutdownToken is an explicit registration object returned by
// NotifyShutdownOn: call Stop to unregister the signal handler without
// affecting the pool otherwise. This replaces the original's
// tp_signal_handler, a process-wide singleton that silently misbehaves
// with more than one TP per process (spec.md §9 open question); an
// explicit per-pool token sidesteps the ambiguity entirely rather than
// preserving it, per §9's design note recommending the singleton be
// designed out.
type ShutdownToken struct {
	stopCh chan struct{}
	sigCh  chan os.Signal
	once   sync.Once
}

// Stop unregisters the signal handler goroutine NotifyShutdownOn started.
// It does not affect the pool's running state. Safe to call more than
// once.
func (t *ShutdownToken) Stop() {
	t.once.Do(func() {
		signal.Stop(t.sigCh)
		close(t.stopCh)
	})
}

// NotifyShutdownOn spawns a goroutine that calls p.Shutdown() the first
// time one of sigs arrives (grounded on the teacher's cmd/ublk-mem SIGINT/
// SIGTERM handling via os/signal.Notify). The caller is still responsible
// for calling ShutdownWait/Destroy afterward; this only triggers the
// initial Shutdown() call.
func (p *Pool) NotifyShutdownOn(sigs ...os.Signal) *ShutdownToken {
	t := &ShutdownToken{
		stopCh: make(chan struct{}),
		sigCh:  make(chan os.Signal, 1),
	}
	signal.Notify(t.sigCh, sigs...)

	go func() {
		select {
		case <-t.sigCh:
			p.logger.Infof("tp: shutdown signal received")
			p.Shutdown()
		case <-t.stopCh:
		}
	}()

	return t
}
