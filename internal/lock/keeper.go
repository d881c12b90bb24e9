package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Keeper renews a held lock in the background for the duration of a
// long-running apply. If a renewal fails, the Lost channel is closed and
// the holder must abort: continuing without a valid lease risks two
// writers converging the same state.
type Keeper struct {
	mgr Manager
	log logr.Logger

	mu   sync.Mutex
	lock *Lock

	lost   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// StartKeeper begins renewing l at a third of its lease interval.
func StartKeeper(ctx context.Context, mgr Manager, l *Lock, log logr.Logger) *Keeper {
	ctx, cancel := context.WithCancel(ctx)
	k := &Keeper{
		mgr:    mgr,
		log:    log,
		lock:   l,
		lost:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go k.run(ctx)
	return k
}

// Lost returns a channel closed when the lock could not be renewed.
func (k *Keeper) Lost() <-chan struct{} {
	return k.lost
}

// Current returns the most recently renewed lock.
func (k *Keeper) Current() *Lock {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lock
}

// Stop halts renewal and waits for the renewal goroutine to exit. It
// does not release the lock; that stays the holder's responsibility.
func (k *Keeper) Stop() {
	k.cancel()
	<-k.done
}

func (k *Keeper) run(ctx context.Context) {
	defer close(k.done)

	interval := k.Current().Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := k.Current()
			renewed, err := k.mgr.Renew(ctx, current)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				k.log.Error(err, "lock renewal failed, treating lock as lost", "key", current.Key)
				close(k.lost)
				return
			}
			k.mu.Lock()
			k.lock = renewed
			k.mu.Unlock()
		}
	}
}
