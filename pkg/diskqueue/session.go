package diskqueue

import (
	"errors"
	"fmt"
	"time"
)

// pendingWriteBatch is how many outstanding background writes Flush
// waits on per timeout window.
const pendingWriteBatch = 32

// pendingWrite is one in-flight background write. done is closed once
// ops and err are set.
type pendingWrite struct {
	done chan struct{}
	ops  []operation
	err  error
}

// Session is a transactional handle on a queue.
//
// Enqueues are buffered in memory (spilling to disk ahead of time once
// the buffer crosses Options.WriteBufferSize) and dequeues are
// tentative; neither is durable or visible to other sessions until
// [Session.Flush] returns. Closing an unflushed session reverts it.
//
// A Session is owned by its creator and is not safe for concurrent use
// by multiple goroutines.
type Session struct {
	core *queueCore

	buffer        [][]byte
	bufferedBytes int

	// writes are opportunistic background writes, oldest first. Each
	// waits for its predecessor, so completed ops preserve enqueue
	// order. prevDone is the tail of that chain.
	writes   []*pendingWrite
	prevDone chan struct{}

	// enqOps are operations from background writes already collected,
	// in order. deqOps / dequeued record tentative dequeues.
	enqOps   []operation
	deqOps   []operation
	dequeued []entry

	closed bool
}

// Enqueue buffers payload for the current transaction. The payload is
// copied; the caller may reuse the slice. A nil payload is invalid
// (an empty one is fine and round-trips as empty, not nil).
func (s *Session) Enqueue(payload []byte) error {
	if s.closed {
		return ErrClosed
	}

	if payload == nil {
		return fmt.Errorf("nil payload: %w", ErrInvalidInput)
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	s.buffer = append(s.buffer, buf)
	s.bufferedBytes += len(buf)

	if s.bufferedBytes > s.core.opts.WriteBufferSize {
		s.startBackgroundWrite()
	}

	return nil
}

// startBackgroundWrite hands the current buffer to a goroutine that
// appends it to the data files now, so only the log append and
// checkpoint rewrite remain on the critical path of Flush. The write
// chains behind any previous one to keep payload order.
func (s *Session) startBackgroundWrite() {
	batch := s.buffer
	s.buffer = nil
	s.bufferedBytes = 0

	pw := &pendingWrite{done: make(chan struct{})}
	prev := s.prevDone
	s.prevDone = pw.done
	s.writes = append(s.writes, pw)

	go func() {
		if prev != nil {
			<-prev
		}

		pw.ops, pw.err = s.core.writeAll(batch)
		close(pw.done)
	}()
}

// Dequeue removes the entry at the head of the queue and returns its
// payload. ok=false means the queue is empty. The removal is tentative
// until Flush; Close without Flush reinstates the entry at the head.
func (s *Session) Dequeue() ([]byte, bool, error) {
	if s.closed {
		return nil, false, ErrClosed
	}

	payload, e, ok, err := s.core.dequeue()
	if err != nil || !ok {
		return nil, false, err
	}

	s.dequeued = append(s.dequeued, e)
	s.deqOps = append(s.deqOps, dequeueOp(e))

	return payload, true, nil
}

// Flush commits the session's batch atomically: every enqueue becomes
// durable and visible, every dequeue becomes permanent. On error
// nothing is committed; tentative dequeues stay reverted-on-Close. The
// one exception is a failure to delete data files the commit drained:
// the batch is then committed and the returned error wraps
// ErrPendingWrites.
//
// Failures of background writes (including timeouts waiting for them)
// aggregate under ErrPendingWrites with each inner cause attached.
func (s *Session) Flush() error {
	if s.closed {
		return ErrClosed
	}

	err := s.collectBackgroundWrites()
	if err != nil {
		return err
	}

	if len(s.buffer) > 0 {
		ops, werr := s.core.writeAll(s.buffer)
		if werr != nil {
			return fmt.Errorf("%w: %w", ErrPendingWrites, werr)
		}

		s.enqOps = append(s.enqOps, ops...)
		s.buffer = nil
		s.bufferedBytes = 0
	}

	ops := make([]operation, 0, len(s.enqOps)+len(s.deqOps))
	ops = append(ops, s.enqOps...)
	ops = append(ops, s.deqOps...)

	err = s.core.commitTransaction(ops)
	if err != nil && !errors.Is(err, ErrPendingWrites) {
		return err
	}

	s.enqOps = nil
	s.deqOps = nil
	s.dequeued = nil
	s.writes = nil
	s.prevDone = nil

	return err
}

// collectBackgroundWrites waits for outstanding writes in batches of
// pendingWriteBatch, each batch bounded by Options.PendingWriteTimeout,
// and folds their operations into enqOps in order.
func (s *Session) collectBackgroundWrites() error {
	if len(s.writes) == 0 {
		return nil
	}

	var errs []error

	writes := s.writes
	s.writes = nil
	s.prevDone = nil

	for len(writes) > 0 {
		batch := writes
		if len(batch) > pendingWriteBatch {
			batch = batch[:pendingWriteBatch]
		}

		writes = writes[len(batch):]

		timeout := time.NewTimer(s.core.opts.PendingWriteTimeout)

		for _, pw := range batch {
			select {
			case <-pw.done:
				if pw.err != nil {
					errs = append(errs, pw.err)
				} else {
					s.enqOps = append(s.enqOps, pw.ops...)
				}

			case <-timeout.C:
				errs = append(errs, fmt.Errorf(
					"timed out after %v waiting for a batch of %d background writes",
					s.core.opts.PendingWriteTimeout, len(batch)))

				timeout.Stop()

				return fmt.Errorf("%w: %w", ErrPendingWrites, errors.Join(errs...))
			}
		}

		timeout.Stop()
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPendingWrites, errors.Join(errs...))
	}

	return nil
}

// Close disposes the session. If the session has operations that were
// never flushed, they are reverted: buffered and background-written
// enqueues are abandoned (their bytes become dead space) and tentative
// dequeues rejoin the head of the queue in original order.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	unflushed := len(s.buffer) > 0 || len(s.writes) > 0 ||
		len(s.enqOps) > 0 || len(s.deqOps) > 0

	// Let in-flight writes finish; their bytes are harmless without a
	// committed transaction referencing them.
	for _, pw := range s.writes {
		<-pw.done
	}

	s.core.reinstate(s.dequeued)

	if unflushed {
		s.core.log.Warn("diskqueue: session closed with unflushed operations, reverted",
			"enqueues_dropped", len(s.buffer)+len(s.enqOps),
			"dequeues_reinstated", len(s.dequeued))
	}

	s.buffer = nil
	s.writes = nil
	s.prevDone = nil
	s.enqOps = nil
	s.deqOps = nil
	s.dequeued = nil

	s.core.sessionClosed()

	return nil
}
