// Package diskqueue provides a persistent, transactional, single-node
// FIFO queue of byte payloads.
//
// Queue state lives in a directory: append-only data files (data.0000,
// data.0001, ...), an append-only transaction log (transaction.log), a
// checkpoint (meta.state) and a lock file. The transaction log is the
// source of truth; everything else is rebuilt from it on open.
//
// # Basic Usage
//
//	q, err := diskqueue.Open(diskqueue.Options{Path: "/var/lib/myapp/queue"})
//	if err != nil {
//	    // errors.Is(err, diskqueue.ErrLocked): another process owns the dir
//	    // errors.Is(err, diskqueue.ErrUnrecoverable): corrupt log, strict policy
//	}
//	defer q.Close()
//
//	s, _ := q.OpenSession()
//	defer s.Close()
//
//	s.Enqueue([]byte("payload"))
//	data, ok, _ := s.Dequeue()
//	s.Flush() // nothing above is durable, or visible to others, before this
//
// # Transactions
//
// A [Session] batches operations. Flush commits the batch atomically:
// after Flush returns, enqueued payloads survive a crash and dequeued
// entries are permanently gone. Closing a session without flushing
// reverts it: buffered enqueues are dropped and tentative dequeues
// rejoin the head of the queue in their original order.
//
// # Concurrency
//
// A [Queue] may be shared by any number of goroutines, each with its own
// [Session]. A [Session] is owned by its creator and is not safe for
// concurrent use. Across processes the directory is exclusive: opening a
// queue that a live process owns fails with [ErrLocked]; lock files left
// behind by dead processes are detected and replaced.
package diskqueue
