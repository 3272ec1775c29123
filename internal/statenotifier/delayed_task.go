package statenotifier

import (
	"sync"
	"time"
)

// delayedTask holds at most one pending function. Scheduling replaces, and so
// cancels, whatever was pending.
type delayedTask struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (d *delayedTask) schedule(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, fn)
}

// cancel reports whether a pending function was prevented from running.
func (d *delayedTask) cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer == nil {
		return false
	}
	stopped := d.timer.Stop()
	d.timer = nil

	return stopped
}
