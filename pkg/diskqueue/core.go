package diskqueue

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/calvinalkan/diskq/internal/fs"
)

// logFileName is the append-only transaction log inside a queue directory.
const logFileName = "transaction.log"

// queueCore owns the shared queue state: the live-range map, the FIFO of
// committed-but-unread entries, the write position, and the open file
// handles. Sessions funnel every shared mutation through it.
//
// Lock order: writerMu before mu. writerMu serializes every append (data
// files and transaction log); mu guards the in-memory queue state and is
// never held across I/O.
type queueCore struct {
	opts Options
	dir  string
	fsys fs.FS
	drv  *driver
	log  *slog.Logger
	lock *lockHandle

	writerMu  sync.Mutex
	current   fs.File // active data file, nil until first write
	logFile   fs.File // transaction log append handle, nil until first commit
	writeFile uint32
	writePos  uint64

	mu       sync.Mutex
	pending  []entry // committed entries not yet handed to a session, FIFO
	live     map[uint32][]byteRange
	txID     uint64
	sessions int
	closed   bool
}

// openCore runs the recovery procedure and returns a ready core.
// opts must already carry defaults.
func openCore(opts Options) (*queueCore, error) {
	fsys := opts.FS
	dir := opts.Path

	err := fsys.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	lock, err := acquireDirLock(fsys, dir)
	if err != nil {
		return nil, err
	}

	c := &queueCore{
		opts: opts,
		dir:  dir,
		fsys: fsys,
		drv:  newDriver(fsys, opts.Logger),
		log:  opts.Logger,
		lock: lock,
		live: map[uint32][]byteRange{},
	}

	err = c.recover()
	if err != nil {
		lock.release(fsys)

		return nil, err
	}

	return c, nil
}

// recover rebuilds in-memory state: replay the transaction log (source
// of truth), locate the write tail from the data files on disk, rewrite
// the checkpoint, and sweep data files no live entry references.
func (c *queueCore) recover() error {
	metaPath := filepath.Join(c.dir, metaFileName)

	cached := loadCheckpoint(c.drv, metaPath, c.opts.ReadBufferSize)

	err := c.replayLog()
	if err != nil {
		return err
	}

	err = c.locateWriteTail()
	if err != nil {
		return err
	}

	cp := c.snapshotLocked(c.writeFile, c.writePos)
	if cached != nil && !cp.equalState(cached) {
		c.log.Warn("diskqueue: checkpoint lags transaction log, rebuilt",
			"checkpoint_tx", cached.txID, "log_tx", cp.txID)
	}

	err = storeCheckpoint(c.drv, metaPath, cp)
	if err != nil {
		return fmt.Errorf("rewrite checkpoint: %w", err)
	}

	return c.sweepDeadFiles()
}

// replayLog reads transaction.log from offset 0 and applies every
// committed transaction. A bad record fails with ErrUnrecoverable under
// the strict policy; with AllowTruncatedEntries the log is rewritten up
// to the last good transaction boundary.
func (c *queueCore) replayLog() error {
	logPath := filepath.Join(c.dir, logFileName)

	var (
		badRecord error
		goodBytes int64
	)

	err := c.drv.atomicRead(logPath, c.opts.ReadBufferSize, func(r io.Reader) error {
		// The driver may re-run this on a transient read fault; start
		// from a clean slate every attempt.
		c.live = map[uint32][]byteRange{}
		c.pending = nil
		c.txID = 0
		badRecord = nil
		goodBytes = 0

		lr := newLogReader(r)

		for {
			ops, readErr := lr.Next()
			if readErr == io.EOF {
				return nil
			}

			if readErr != nil {
				if errors.Is(readErr, errBadRecord) {
					badRecord = readErr
					goodBytes = lr.GoodOffset()

					if !c.opts.AllowTruncatedEntries {
						return fmt.Errorf(
							"Unexpected data in transaction log. Expected to get transaction separator but got unknown data. Tx #%d: %w",
							lr.Count()+1, ErrUnrecoverable)
					}

					return nil
				}

				return readErr
			}

			applyErr := c.applyReplayed(ops, lr.Count()-1)
			if applyErr != nil {
				return applyErr
			}

			c.txID++
		}
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil // fresh queue
		}

		return err
	}

	if badRecord != nil {
		c.log.Warn("diskqueue: truncating corrupt transaction log tail",
			"good_bytes", goodBytes, "error", badRecord)

		return c.truncateLog(logPath, goodBytes)
	}

	return nil
}

// applyReplayed applies one committed transaction's operations to the
// live-range map and the pending FIFO. txIndex is the 0-based index of
// the transaction, used in diagnostics.
func (c *queueCore) applyReplayed(ops []operation, txIndex int) error {
	for _, op := range ops {
		switch op.kind {
		case opEnqueue:
			err := c.addRange(op.file, byteRange{start: op.start, length: op.length})
			if err != nil {
				return fmt.Errorf("tx #%d: %w", txIndex+1, err)
			}

			c.pending = append(c.pending, op.entry())

		case opDequeue:
			if !c.removeRange(op.file, byteRange{start: op.start, length: op.length}) {
				return fmt.Errorf(
					"tx #%d frees unknown range file=%d start=%d length=%d: %w",
					txIndex+1, op.file, op.start, op.length, ErrUnrecoverable)
			}

			c.dropPendingEntry(op.entry())
		}
	}

	return nil
}

// addRange inserts a live range, keeping per-file ranges sorted by start
// and rejecting overlap with an existing live range.
func (c *queueCore) addRange(file uint32, r byteRange) error {
	ranges := c.live[file]

	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].start >= r.start })

	if i > 0 {
		prev := ranges[i-1]
		if prev.start+uint64(prev.length) > r.start {
			return fmt.Errorf("range file=%d start=%d overlaps live range at %d: %w",
				file, r.start, prev.start, ErrUnrecoverable)
		}
	}

	if i < len(ranges) {
		next := ranges[i]
		if r.start+uint64(r.length) > next.start {
			return fmt.Errorf("range file=%d start=%d overlaps live range at %d: %w",
				file, r.start, next.start, ErrUnrecoverable)
		}
	}

	ranges = append(ranges, byteRange{})
	copy(ranges[i+1:], ranges[i:])
	ranges[i] = r
	c.live[file] = ranges

	return nil
}

// removeRange removes the exact (start, length) range. Returns false if
// no such live range exists.
func (c *queueCore) removeRange(file uint32, r byteRange) bool {
	ranges := c.live[file]

	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].start >= r.start })
	if i >= len(ranges) || ranges[i] != r {
		return false
	}

	ranges = append(ranges[:i], ranges[i+1:]...)
	if len(ranges) == 0 {
		delete(c.live, file)
	} else {
		c.live[file] = ranges
	}

	return true
}

// dropPendingEntry removes the first pending entry equal to e, if any.
// During replay a dequeue op retires the entry its enqueue op added.
func (c *queueCore) dropPendingEntry(e entry) {
	for i, p := range c.pending {
		if p == e {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)

			return
		}
	}
}

// truncateLog rewrites the log with only its valid prefix.
func (c *queueCore) truncateLog(logPath string, goodBytes int64) error {
	raw, err := c.fsys.ReadFile(logPath)
	if err != nil {
		return fmt.Errorf("read log for truncation: %w", err)
	}

	if goodBytes > int64(len(raw)) {
		goodBytes = int64(len(raw))
	}

	prefix := raw[:goodBytes]

	return c.drv.atomicWrite(logPath, func(w io.Writer) error {
		_, werr := w.Write(prefix)

		return werr
	})
}

// locateWriteTail finds the highest-numbered data file and resumes
// writing at its end. Bytes past the last committed entry are dead
// space from writes whose transaction never committed; appending after
// them is safe and cheap.
func (c *queueCore) locateWriteTail() error {
	entries, err := c.fsys.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan queue directory: %w", err)
	}

	var (
		highest uint32
		found   bool
	)

	for _, de := range entries {
		n, ok := parseDataFileName(de.Name())
		if !ok {
			continue
		}

		if !found || n > highest {
			highest = n
			found = true
		}
	}

	if !found {
		c.writeFile = 0
		c.writePos = 0

		return nil
	}

	info, err := c.fsys.Stat(filepath.Join(c.dir, dataFileName(highest)))
	if err != nil {
		return fmt.Errorf("stat data file %d: %w", highest, err)
	}

	c.writeFile = highest
	c.writePos = uint64(info.Size())

	return nil
}

// snapshotLocked captures the live map and transaction counter as a
// checkpoint value. The write tail is passed in because it is guarded
// by writerMu, not mu. Caller must ensure no concurrent mutation of the
// live map (open-time, or holding mu).
func (c *queueCore) snapshotLocked(writeFile uint32, writePos uint64) *checkpoint {
	live := make(map[uint32][]byteRange, len(c.live))
	for f, ranges := range c.live {
		live[f] = append([]byteRange(nil), ranges...)
	}

	return &checkpoint{
		writeFile: writeFile,
		writePos:  writePos,
		txID:      c.txID,
		live:      live,
	}
}

// sweepDeadFiles schedules deletion of data files below the write file
// that no live entry references.
func (c *queueCore) sweepDeadFiles() error {
	entries, err := c.fsys.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan queue directory: %w", err)
	}

	for _, de := range entries {
		n, ok := parseDataFileName(de.Name())
		if !ok {
			continue
		}

		if n >= c.writeFile {
			continue
		}

		if len(c.live[n]) > 0 {
			continue
		}

		err = c.drv.prepareDelete(filepath.Join(c.dir, de.Name()))
		if err != nil {
			c.log.Warn("diskqueue: cannot retire data file", "file", de.Name(), "error", err)
		}
	}

	err = c.drv.finalise()
	if err != nil {
		c.log.Warn("diskqueue: deferred deletes pending", "error", err)
	}

	return nil
}

// writeAll appends payloads to the data files, rolling to the next file
// whenever the current one is full. A single batch may roll any number
// of times; each payload stays within one file. Returns the enqueue
// operation for every payload in order.
//
// The bytes are on disk (not yet synced) but invisible to the queue
// until the operations are committed.
func (c *queueCore) writeAll(payloads [][]byte) ([]operation, error) {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	if c.isClosed() {
		return nil, ErrClosed
	}

	ops := make([]operation, 0, len(payloads))

	for _, p := range payloads {
		if c.writePos > 0 && c.writePos+uint64(len(p)) > uint64(c.opts.MaxFileSize) {
			err := c.rollDataFileLocked()
			if err != nil {
				return ops, err
			}
		}

		err := c.ensureCurrentLocked()
		if err != nil {
			return ops, err
		}

		_, err = c.current.Write(p)
		if err != nil {
			return ops, fmt.Errorf("write data file %d: %w", c.writeFile, err)
		}

		ops = append(ops, enqueueOp(entry{
			file:   c.writeFile,
			start:  c.writePos,
			length: uint32(len(p)),
		}))

		c.writePos += uint64(len(p))
	}

	return ops, nil
}

// rollDataFileLocked seals the active data file and moves the write
// target to the next file number.
func (c *queueCore) rollDataFileLocked() error {
	if c.current != nil {
		err := c.current.Sync()
		if err != nil {
			return fmt.Errorf("seal data file %d: %w", c.writeFile, err)
		}

		err = c.current.Close()
		if err != nil {
			return fmt.Errorf("seal data file %d: %w", c.writeFile, err)
		}

		c.current = nil
	}

	c.writeFile++
	c.writePos = 0

	return nil
}

// ensureCurrentLocked opens the active data file if needed.
func (c *queueCore) ensureCurrentLocked() error {
	if c.current != nil {
		return nil
	}

	f, err := c.drv.openWriteStream(filepath.Join(c.dir, dataFileName(c.writeFile)))
	if err != nil {
		return err
	}

	c.current = f

	return nil
}

// dequeue removes the head entry and reads its payload. ok=false means
// the queue is empty. The entry is tentatively gone: a commit with its
// dequeue operation retires it for good, a reinstate puts it back.
func (c *queueCore) dequeue() ([]byte, entry, bool, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil, entry{}, false, ErrClosed
	}

	if len(c.pending) == 0 {
		c.mu.Unlock()

		return nil, entry{}, false, nil
	}

	e := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	payload, err := c.readEntry(e)
	if err != nil {
		c.reinstate([]entry{e})

		return nil, entry{}, false, err
	}

	return payload, e, true, nil
}

// readEntry reads one payload from its data file.
func (c *queueCore) readEntry(e entry) ([]byte, error) {
	f, err := c.drv.openReadStream(filepath.Join(c.dir, dataFileName(e.file)))
	if err != nil {
		return nil, fmt.Errorf("open data file %d: %w", e.file, err)
	}

	defer func() { _ = f.Close() }()

	_, err = f.Seek(int64(e.start), io.SeekStart)
	if err != nil {
		return nil, fmt.Errorf("seek data file %d: %w", e.file, err)
	}

	payload := make([]byte, e.length)

	_, err = io.ReadFull(f, payload)
	if err != nil {
		return nil, fmt.Errorf("read entry file=%d start=%d length=%d: %w", e.file, e.start, e.length, err)
	}

	return payload, nil
}

// reinstate returns tentatively dequeued entries to the head of the
// queue, preserving their original order.
func (c *queueCore) reinstate(entries []entry) {
	if len(entries) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	restored := make([]entry, 0, len(entries)+len(c.pending))
	restored = append(restored, entries...)
	restored = append(restored, c.pending...)
	c.pending = restored
}

// estimatedCount is the number of committed entries currently available
// for dequeue: live entries minus in-flight tentative dequeues.
func (c *queueCore) estimatedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// commitTransaction makes a session's batch durable and visible:
//
//  1. sync the data file so every payload the batch references is on disk
//  2. append the transaction record to the log and sync it (the point of
//     durability: a crash before this loses the batch, after it never does)
//  3. apply the operations to the shared in-memory state
//  4. rewrite the checkpoint (failure logged, not surfaced: the log
//     already holds the truth)
//  5. retire data files the batch drained and finalise deferred deletes
func (c *queueCore) commitTransaction(ops []operation) error {
	if len(ops) == 0 {
		return nil
	}

	c.writerMu.Lock()

	if c.isClosed() {
		c.writerMu.Unlock()

		return ErrClosed
	}

	if c.current != nil {
		err := c.current.Sync()
		if err != nil {
			c.writerMu.Unlock()

			return fmt.Errorf("sync data file %d: %w", c.writeFile, err)
		}
	}

	err := c.appendLogRecordLocked(ops)
	if err != nil {
		c.writerMu.Unlock()

		return err
	}

	snapFile := c.writeFile
	snapPos := c.writePos
	c.writerMu.Unlock()

	c.mu.Lock()

	applyErr := c.applyCommittedLocked(ops)
	if applyErr != nil {
		// The log record is durable but in-memory state refused it:
		// a programming error, not an I/O condition.
		c.mu.Unlock()

		return applyErr
	}

	c.txID++

	cp := c.snapshotLocked(snapFile, snapPos)

	var retired []uint32

	for f := range gatherFiles(ops) {
		if f < snapFile && len(c.live[f]) == 0 {
			retired = append(retired, f)
		}
	}

	c.mu.Unlock()

	err = storeCheckpoint(c.drv, filepath.Join(c.dir, metaFileName), cp)
	if err != nil {
		c.log.Warn("diskqueue: checkpoint rewrite failed, will rebuild on next open", "error", err)
	}

	for _, f := range retired {
		err = c.drv.prepareDelete(filepath.Join(c.dir, dataFileName(f)))
		if err != nil {
			c.log.Warn("diskqueue: cannot retire data file", "file", f, "error", err)
		}
	}

	return c.drv.finalise()
}

// appendLogRecordLocked writes and syncs one framed transaction record.
func (c *queueCore) appendLogRecordLocked(ops []operation) error {
	if c.logFile == nil {
		f, err := c.drv.openTransactionLog(filepath.Join(c.dir, logFileName))
		if err != nil {
			return err
		}

		c.logFile = f
	}

	rec := encodeTransaction(nil, ops)

	_, err := c.logFile.Write(rec)
	if err != nil {
		return fmt.Errorf("append transaction log: %w", err)
	}

	err = c.logFile.Sync()
	if err != nil {
		return fmt.Errorf("sync transaction log: %w", err)
	}

	return nil
}

// applyCommittedLocked folds a committed transaction into shared state.
// Enqueued entries join the pending FIFO here, which is what makes them
// visible to other sessions. Dequeued entries already left the FIFO at
// dequeue time; only their ranges retire now.
func (c *queueCore) applyCommittedLocked(ops []operation) error {
	for _, op := range ops {
		switch op.kind {
		case opEnqueue:
			err := c.addRange(op.file, byteRange{start: op.start, length: op.length})
			if err != nil {
				return err
			}

			c.pending = append(c.pending, op.entry())

		case opDequeue:
			if !c.removeRange(op.file, byteRange{start: op.start, length: op.length}) {
				return fmt.Errorf("commit frees unknown range file=%d start=%d length=%d: %w",
					op.file, op.start, op.length, ErrUnrecoverable)
			}
		}
	}

	return nil
}

// gatherFiles returns the set of file numbers a transaction touches.
func gatherFiles(ops []operation) map[uint32]struct{} {
	files := map[uint32]struct{}{}
	for _, op := range ops {
		files[op.file] = struct{}{}
	}

	return files
}

func (c *queueCore) sessionOpened() {
	c.mu.Lock()
	c.sessions++
	c.mu.Unlock()
}

func (c *queueCore) sessionClosed() {
	c.mu.Lock()
	c.sessions--
	c.mu.Unlock()
}

func (c *queueCore) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// close releases every resource. Safe to call once.
func (c *queueCore) close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	openSessions := c.sessions
	c.mu.Unlock()

	if openSessions > 0 {
		c.log.Warn("diskqueue: queue closed with open sessions, their unflushed work is lost",
			"sessions", openSessions)
	}

	var errs []error

	c.writerMu.Lock()

	if c.current != nil {
		errs = append(errs, c.current.Sync(), c.current.Close())
		c.current = nil
	}

	if c.logFile != nil {
		errs = append(errs, c.logFile.Close())
		c.logFile = nil
	}

	c.writerMu.Unlock()

	finErr := c.drv.finalise()
	if finErr != nil {
		c.log.Warn("diskqueue: deferred deletes left for next open", "error", finErr)
	}

	c.lock.release(c.fsys)

	return errors.Join(errs...)
}
