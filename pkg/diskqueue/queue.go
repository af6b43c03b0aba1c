package diskqueue

import (
	"errors"
	"fmt"
	"time"
)

// Queue is an open queue directory. Obtain one with [Open] or [WaitFor],
// interact through sessions, and release it with [Queue.Close].
//
// A Queue is safe for concurrent use; give each goroutine its own
// [Session].
type Queue struct {
	core *queueCore
}

// Open opens (creating if needed) the queue at opts.Path, recovering
// its state from disk.
//
// Fails immediately with [ErrLocked] when another live owner holds the
// directory, and with [ErrUnrecoverable] when the transaction log is
// corrupt and opts.AllowTruncatedEntries is false.
func Open(opts Options) (*Queue, error) {
	err := opts.validate()
	if err != nil {
		return nil, err
	}

	core, err := openCore(opts.withDefaults())
	if err != nil {
		return nil, err
	}

	return &Queue{core: core}, nil
}

// waitForRetryInterval is how often WaitFor re-attempts a locked open.
const waitForRetryInterval = 100 * time.Millisecond

// WaitFor retries [Open] until it succeeds, fails with something other
// than lock contention, or the timeout elapses.
func WaitFor(opts Options, timeout time.Duration) (*Queue, error) {
	deadline := time.Now().Add(timeout)

	for {
		q, err := Open(opts)
		if err == nil {
			return q, nil
		}

		if !errors.Is(err, ErrLocked) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("queue not released within %v: %w", timeout, err)
		}

		time.Sleep(waitForRetryInterval)
	}
}

// OpenSession returns a new transactional session bound to this queue.
func (q *Queue) OpenSession() (*Session, error) {
	if q.core.isClosed() {
		return nil, ErrClosed
	}

	q.core.sessionOpened()

	return &Session{core: q.core}, nil
}

// EstimatedCount is a snapshot of how many committed entries are
// currently available for dequeue: live entries minus tentative
// dequeues held by open sessions.
func (q *Queue) EstimatedCount() int {
	return q.core.estimatedCount()
}

// Close releases the queue: open file handles, deferred deletes, and
// the directory lock. On sessions still open afterwards, Dequeue and a
// Flush with work to commit fail with [ErrClosed]; Enqueue still
// buffers. Their unflushed work is lost, as it would be in a crash.
func (q *Queue) Close() error {
	return q.core.close()
}
