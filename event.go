package torrent

import "context"

// completionEvent lets goroutines wait for the torrent to finish without
// polling, adapted from the teacher's Event (event.go) — a condition
// variable built from per-waiter channels rather than sync.Cond, because it
// must interoperate with lockWithDeferreds: releasing and reacquiring a
// sync.Cond's L would run the deferred actions at the wrong time.
type completionEvent struct {
	waiters []chan struct{}
}

// wait blocks until Broadcast is called or ctx is done, releasing and
// reacquiring the engine lock around the wait the same way Event.Wait does.
func (e *completionEvent) wait(ctx context.Context, lock *lockWithDeferreds) error {
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)

	lock.SafeUnlock()
	defer lock.SafeLock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcast wakes every waiter. Must be called with the engine lock held.
func (e *completionEvent) broadcast() {
	waiters := e.waiters
	e.waiters = nil
	for _, ch := range waiters {
		close(ch)
	}
}
