package storage

import (
	"fmt"
	"sync"
)

// Lease is a claimed job whose running state must be released exactly once.
// Callers defer Release right after Acquire so that every exit path,
// including panics and cancellation, leaves the job in a non-running state.
type Lease struct {
	Job Job

	store   *Store
	mu      sync.Mutex
	settled bool
}

// Acquire claims the next eligible job. It returns nil, nil when the queue
// has nothing eligible.
func (s *Store) Acquire(retryFailed bool, maxAttempts int) (*Lease, error) {
	j, err := s.ClaimNextJob(retryFailed, maxAttempts)
	if err != nil || j == nil {
		return nil, err
	}
	return &Lease{Job: *j, store: s}, nil
}

func (l *Lease) settle(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	l.settled = true
	return nil
}

// Done marks the job done.
func (l *Lease) Done() error {
	return l.settle(func() error { return l.store.MarkDone(l.Job.ID) })
}

// Fail marks the job failed with msg.
func (l *Lease) Fail(msg string) error {
	return l.settle(func() error { return l.store.MarkFailed(l.Job.ID, msg) })
}

// Skip marks the job skipped with msg.
func (l *Lease) Skip(msg string) error {
	return l.settle(func() error { return l.store.MarkSkipped(l.Job.ID, msg) })
}

// Settled reports whether a terminal mark has been written.
func (l *Lease) Settled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled
}

// Release marks the job failed with reason unless it was already settled.
// A recovered panic is re-raised after the job is released.
func (l *Lease) Release(reason string) error {
	if r := recover(); r != nil {
		_ = l.Fail(fmt.Sprintf("panic: %v", r))
		panic(r)
	}
	return l.Fail(reason)
}
