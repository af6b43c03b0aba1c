package diskqueue

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/calvinalkan/diskq/internal/fs"
)

// oldCopySuffix marks the backup half of the two-phase file replace.
const oldCopySuffix = ".old_copy"

// Transient I/O retry policy: up to ioAttempts tries with linear backoff
// (attempt i sleeps i*ioBackoffUnit first).
const (
	ioAttempts    = 10
	ioBackoffUnit = 100 * time.Millisecond
)

// driver performs the queue's filesystem mutations.
//
// All mutating operations serialize on one mutex, held for the duration
// of a single logical operation and never across a caller callback
// boundary that could re-enter the driver. Public methods take the lock;
// the *Locked helpers require it held.
type driver struct {
	fsys fs.FS
	log  *slog.Logger

	mu sync.Mutex

	// pendingDeletes are paths renamed aside by prepareDelete, removed
	// for real by finalise.
	pendingDeletes []string
	deleteSeq      int
}

func newDriver(fsys fs.FS, log *slog.Logger) *driver {
	return &driver{fsys: fsys, log: log}
}

// retry runs fn up to ioAttempts times with linear backoff, returning the
// last error if every attempt fails. Only transient I/O failures are
// retried; logical errors (bad parses, missing files, unrecoverable
// state) surface immediately.
func (d *driver) retry(op string, fn func() error) error {
	var last error

	for i := 0; i < ioAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * ioBackoffUnit)
		}

		last = fn()
		if last == nil {
			return nil
		}

		if !isTransient(last) {
			return last
		}

		d.log.Warn("diskqueue: io retry", "op", op, "attempt", i+1, "error", last)
	}

	return fmt.Errorf("%s: %w", op, last)
}

// isTransient reports whether err looks like an I/O fault worth
// retrying. Missing files are a state, not a fault, and anything that
// did not come out of the OS layer is a logic error.
func isTransient(err error) bool {
	if os.IsNotExist(err) || errors.Is(err, os.ErrExist) {
		return false
	}

	var (
		pathErr *os.PathError
		linkErr *os.LinkError
	)

	return errors.As(err, &pathErr) || errors.As(err, &linkErr)
}

// atomicRead opens path for reading and passes a buffered reader to fn.
//
// A leftover .old_copy sibling is reconciled first: if the primary exists
// too, the backup is stale (the replace completed) and is removed; if
// only the backup exists, the replace died before recreating the primary
// and the backup is restored as the primary.
func (d *driver) atomicRead(path string, bufSize int, fn func(io.Reader) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.retry("atomic read "+filepath.Base(path), func() error {
		err := d.reconcileOldCopyLocked(path)
		if err != nil {
			return err
		}

		f, err := d.fsys.Open(path)
		if err != nil {
			return err
		}

		readErr := fn(bufio.NewReaderSize(f, bufSize))
		closeErr := f.Close()

		return errors.Join(readErr, closeErr)
	})
}

// atomicWrite replaces path with the bytes fn produces, surviving a torn
// write at any step:
//
//  1. rename path -> path.old_copy (if path exists and no backup does)
//  2. create path fresh
//  3. fn writes the new contents
//  4. fsync
//  5. delete path.old_copy
//
// A crash between 1 and 2 leaves only the backup, which the next
// reconcile restores as the primary. A crash after 2 leaves both files;
// reconcile then keeps the primary, even if step 3 or 4 did not finish,
// and removes the backup.
func (d *driver) atomicWrite(path string, fn func(io.Writer) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.retry("atomic write "+filepath.Base(path), func() error {
		backup := path + oldCopySuffix

		primaryExists, err := d.fsys.Exists(path)
		if err != nil {
			return err
		}

		backupExists, err := d.fsys.Exists(backup)
		if err != nil {
			return err
		}

		if primaryExists && !backupExists {
			err = d.fsys.Rename(path, backup)
			if err != nil {
				return err
			}
		}

		err = d.fsys.MkdirAll(filepath.Dir(path), 0o755)
		if err != nil {
			return err
		}

		f, err := d.fsys.Create(path)
		if err != nil {
			return err
		}

		w := bufio.NewWriter(f)

		writeErr := fn(w)
		if writeErr == nil {
			writeErr = w.Flush()
		}

		if writeErr == nil {
			writeErr = f.Sync()
		}

		closeErr := f.Close()

		err = errors.Join(writeErr, closeErr)
		if err != nil {
			return err
		}

		err = d.fsys.Remove(backup)
		if err != nil && !os.IsNotExist(err) {
			return err
		}

		return nil
	})
}

// reconcileOldCopyLocked resolves a leftover .old_copy for path.
func (d *driver) reconcileOldCopyLocked(path string) error {
	backup := path + oldCopySuffix

	backupExists, err := d.fsys.Exists(backup)
	if err != nil || !backupExists {
		return err
	}

	primaryExists, err := d.fsys.Exists(path)
	if err != nil {
		return err
	}

	if primaryExists {
		// Replace completed; the backup is the stale previous version.
		err = d.fsys.Remove(backup)
		if err != nil && !os.IsNotExist(err) {
			return err
		}

		return nil
	}

	// Replace died between renaming the old file aside and writing the
	// new one. The backup is the only surviving version.
	return d.fsys.Rename(backup, path)
}

// prepareDelete renames path aside so the delete can be made permanent
// later. Deferred until finalise so an irreversible
// remove never precedes the commit it belongs to.
func (d *driver) prepareDelete(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deleteSeq++
	tombstone := fmt.Sprintf("%s.del-%d-%d", path, os.Getpid(), d.deleteSeq)

	err := d.retry("prepare delete "+filepath.Base(path), func() error {
		return d.fsys.Rename(path, tombstone)
	})
	if err != nil {
		return err
	}

	d.pendingDeletes = append(d.pendingDeletes, tombstone)

	return nil
}

// finalise removes every prepared path in order. Failures are retried,
// logged, and aggregated under ErrPendingWrites; paths that still fail
// stay on the pending list for the next pass.
func (d *driver) finalise() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		failed []string
		errs   []error
	)

	for _, path := range d.pendingDeletes {
		err := d.retry("finalise delete "+filepath.Base(path), func() error {
			rmErr := d.fsys.Remove(path)
			if rmErr != nil && os.IsNotExist(rmErr) {
				return nil
			}

			return rmErr
		})
		if err != nil {
			d.log.Warn("diskqueue: deferred delete failed", "path", path, "error", err)
			failed = append(failed, path)
			errs = append(errs, err)
		}
	}

	d.pendingDeletes = failed

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPendingWrites, errors.Join(errs...))
	}

	return nil
}

// openTransactionLog opens the append-only log for writing, creating it
// if missing.
func (d *driver) openTransactionLog(path string) (fs.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var f fs.File

	err := d.retry("open transaction log", func() error {
		var openErr error

		f, openErr = d.fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)

		return openErr
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}

// openReadStream opens path for sequential or positioned reads.
func (d *driver) openReadStream(path string) (fs.File, error) {
	return d.fsys.Open(path)
}

// openWriteStream opens a data file for appending, creating it if
// missing.
func (d *driver) openWriteStream(path string) (fs.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var f fs.File

	err := d.retry("open write stream "+filepath.Base(path), func() error {
		var openErr error

		f, openErr = d.fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)

		return openErr
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}
