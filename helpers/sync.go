package helpers

import (
	"context"
	"sync"

	"github.com/temoto/alive/v2"
)

// AliveContext returns ctx cancelled when either parent is done or a stops.
func AliveContext(parent context.Context, a *alive.Alive) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-a.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

// AtomicError keeps first stored error, used for die-once connection state.
type AtomicError struct {
	mu  sync.Mutex
	err error
	set bool
}

func (a *AtomicError) Load() (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err, a.set
}

// StoreOnce stores e only first time, returns same as Load() before modification.
func (a *AtomicError) StoreOnce(e error) (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	berr, bset := a.err, a.set
	if !bset {
		a.err, a.set = e, true
	}
	return berr, bset
}
