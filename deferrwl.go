// Package torrent implements the torrent session state and peer
// coordination engine: the in-memory state machine that tracks every peer
// connection, reserves and distributes piece requests, validates and
// persists downloaded data, and broadcasts progress. The wire codec,
// tracker client, DHT, magnet-link parsing, and CLI are external
// collaborators this package only ever talks to through plain Go values.
package torrent

import (
	"github.com/anacrolix/missinggo/v2/panicif"
	xsync "github.com/anacrolix/sync"
)

// lockWithDeferreds is TorrentState's engine lock (spec §5): a
// reader-writer mutex that can queue actions to run immediately after
// Unlock releases it. TorrentState uses this to schedule
// task_transmit_haves strictly after the write-lock that marks a piece have
// is released, satisfying the ordering guarantee that any peer observing
// our Have can assume we can serve the piece.
type lockWithDeferreds struct {
	internal      xsync.RWMutex
	unlockActions []func()
	allowDefers   bool
}

func (me *lockWithDeferreds) Lock() {
	me.internal.Lock()
	panicif.True(me.allowDefers)
	me.allowDefers = true
}

func (me *lockWithDeferreds) Unlock() {
	panicif.False(me.allowDefers)
	me.allowDefers = false
	actions := me.unlockActions
	me.unlockActions = nil
	me.internal.Unlock()
	runUnlockActions(actions)
}

func (me *lockWithDeferreds) RLock() {
	me.internal.RLock()
}

func (me *lockWithDeferreds) RUnlock() {
	me.internal.RUnlock()
}

// Defer schedules an action to run when the lock is unlocked.
func (me *lockWithDeferreds) Defer(action func()) {
	me.deferInner(action)
}

func (me *lockWithDeferreds) deferInner(action func()) {
	panicif.False(me.allowDefers)
	me.unlockActions = append(me.unlockActions, action)
}

func runUnlockActions(actions []func()) {
	for _, action := range actions {
		action()
	}
}

// SafeUnlock releases the internal mutex without running deferred actions (for completionEvent.wait).
func (me *lockWithDeferreds) SafeUnlock() {
	panicif.False(me.allowDefers)
	me.allowDefers = false
	me.internal.Unlock()
}

// SafeLock reacquires the mutex after SafeUnlock.
func (me *lockWithDeferreds) SafeLock() {
	me.internal.Lock()
	panicif.True(me.allowDefers)
	me.allowDefers = true
}
