package task

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Registry errors surfaced through the admission and lookup paths.
var (
	ErrCapacity       = errors.New("pending task capacity reached")
	ErrDuplicate      = errors.New("task_id already in use")
	ErrNotFound       = errors.New("task not found")
	ErrForbidden      = errors.New("requester does not own this task")
	ErrNotCancellable = errors.New("task is not cancellable")
)

const (
	DefaultMaxPending    = 500
	DefaultMaxCompleted  = 1000
	DefaultCompletedTTL  = time.Hour
	DefaultSweepInterval = time.Minute
)

type pendingRecord struct {
	sub        *Submission
	admittedAt time.Time
	notifier   *Notifier
}

// Handle is returned on admission. It carries the single-use notifier a
// synchronous caller can wait on.
type Handle struct {
	TaskID   string
	notifier *Notifier
}

// Wait blocks until completion or d elapses.
func (h *Handle) Wait(d time.Duration) (*Completed, bool) {
	return h.notifier.Wait(d)
}

// Options tunes the registry bounds. Zero values take the defaults.
type Options struct {
	MaxPending    int
	MaxCompleted  int
	CompletedTTL  time.Duration
	SweepInterval time.Duration
}

// Registry owns the pending, completed and owner maps. All three are bounded;
// no registry operation performs I/O or invokes a collaborator while holding
// the lock.
type Registry struct {
	mu        sync.Mutex
	pending   map[string]*pendingRecord
	completed map[string]*Completed
	owners    map[string]string

	maxPending   int
	maxCompleted int
	ttl          time.Duration

	onComplete func(*Completed) // invoked after the lock is released

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts its TTL sweeper.
func NewRegistry(opts Options) *Registry {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.MaxCompleted <= 0 {
		opts.MaxCompleted = DefaultMaxCompleted
	}
	if opts.CompletedTTL <= 0 {
		opts.CompletedTTL = DefaultCompletedTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	r := &Registry{
		pending:      make(map[string]*pendingRecord),
		completed:    make(map[string]*Completed),
		owners:       make(map[string]string),
		maxPending:   opts.MaxPending,
		maxCompleted: opts.MaxCompleted,
		ttl:          opts.CompletedTTL,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	go r.sweepLoop(opts.SweepInterval)
	return r
}

// SetOnComplete registers a hook fired once per terminal record, after the
// registry lock is released. Used for WebSocket fan-out.
func (r *Registry) SetOnComplete(fn func(*Completed)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onComplete = fn
}

// Admit inserts the pending record and its owner atomically. The returned
// handle's notifier is already armed.
func (r *Registry) Admit(sub *Submission) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) >= r.maxPending {
		return nil, ErrCapacity
	}
	if _, exists := r.pending[sub.TaskID]; exists {
		return nil, ErrDuplicate
	}
	if _, exists := r.completed[sub.TaskID]; exists {
		return nil, ErrDuplicate
	}

	rec := &pendingRecord{
		sub:        sub,
		admittedAt: r.now(),
		notifier:   newNotifier(),
	}
	r.pending[sub.TaskID] = rec
	r.owners[sub.TaskID] = sub.ClientIdentity
	return &Handle{TaskID: sub.TaskID, notifier: rec.notifier}, nil
}

// Complete moves a pending task to its terminal record, stamping the TTL and
// evicting the eldest completed record if over capacity. Returns false when
// no pending record existed (already completed or never admitted); in that
// case nothing is stored and nobody is signaled.
func (r *Registry) Complete(taskID string, rec *Completed) bool {
	r.mu.Lock()
	pending, ok := r.pending[taskID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, taskID)

	rec.TaskID = taskID
	rec.ExpiresAt = r.now().Add(r.ttl)
	r.completed[taskID] = rec

	if len(r.completed) > r.maxCompleted {
		r.evictEldestLocked()
	}
	hook := r.onComplete
	r.mu.Unlock()

	pending.notifier.fire(rec)
	if hook != nil {
		hook(rec)
	}
	return true
}

// evictEldestLocked drops the completed record closest to expiry.
func (r *Registry) evictEldestLocked() {
	var eldestID string
	var eldestAt time.Time
	for id, rec := range r.completed {
		if eldestID == "" || rec.ExpiresAt.Before(eldestAt) {
			eldestID = id
			eldestAt = rec.ExpiresAt
		}
	}
	if eldestID != "" {
		delete(r.completed, eldestID)
		delete(r.owners, eldestID)
		slog.Debug("evicted completed task", "task_id", eldestID)
	}
}

// Lookup returns the terminal record, or running=true while pending. Owner
// mismatch is ErrForbidden; unknown or expired ids are ErrNotFound.
func (r *Registry) Lookup(taskID, requester string) (rec *Completed, running bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, known := r.owners[taskID]
	if !known {
		return nil, false, ErrNotFound
	}
	// An expired record is indistinguishable from an unknown one, even for
	// a requester who would otherwise be refused by the owner gate.
	if rec, ok := r.completed[taskID]; ok && r.now().After(rec.ExpiresAt) {
		return nil, false, ErrNotFound
	}
	if owner != requester {
		return nil, false, ErrForbidden
	}
	if _, ok := r.pending[taskID]; ok {
		return nil, true, nil
	}
	if rec, ok := r.completed[taskID]; ok {
		return rec, false, nil
	}
	return nil, false, ErrNotFound
}

// PendingSubmission returns the submission for a cancellable task, enforcing
// the owner gate. Completed tasks are ErrNotCancellable.
func (r *Registry) PendingSubmission(taskID, requester string) (*Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, known := r.owners[taskID]
	if !known {
		return nil, ErrNotFound
	}
	if rec, ok := r.completed[taskID]; ok && r.now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	if owner != requester {
		return nil, ErrForbidden
	}
	if p, ok := r.pending[taskID]; ok {
		return p.sub, nil
	}
	return nil, ErrNotCancellable
}

// ActiveCount reports the number of pending tasks.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// CompletedCount reports the number of stored terminal records.
func (r *Registry) CompletedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

// Sweep removes expired completed records and their owner entries. Exposed
// for tests; normally driven by the sweeper goroutine.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, rec := range r.completed {
		if now.After(rec.ExpiresAt) {
			delete(r.completed, id)
			delete(r.owners, id)
			removed++
		}
	}
	return removed
}

func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				slog.Debug("registry sweep", "removed", n)
			}
		case <-r.stop:
			return
		}
	}
}

// Close stops the sweeper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
