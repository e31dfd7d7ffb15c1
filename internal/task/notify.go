package task

import (
	"sync"
	"time"
)

// Notifier is a single-use completion signal. It is armed when the pending
// record is created, strictly before the executor is dispatched, so a fast
// completion cannot race past a synchronous waiter.
type Notifier struct {
	ch   chan *Completed
	once sync.Once
}

func newNotifier() *Notifier {
	return &Notifier{ch: make(chan *Completed, 1)}
}

// fire delivers the record to at most one waiter. Subsequent calls are no-ops.
func (n *Notifier) fire(rec *Completed) {
	n.once.Do(func() {
		n.ch <- rec
	})
}

// Wait blocks until the task completes or d elapses. The boolean is false on
// deadline expiry.
func (n *Notifier) Wait(d time.Duration) (*Completed, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case rec := <-n.ch:
		return rec, true
	case <-timer.C:
		return nil, false
	}
}
