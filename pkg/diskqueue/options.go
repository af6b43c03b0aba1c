package diskqueue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/calvinalkan/diskq/internal/fs"
)

// Defaults and limits for [Options].
const (
	// DefaultMaxFileSize is the data file rollover threshold.
	DefaultMaxFileSize = 32 << 20 // 32 MiB

	// DefaultWriteBufferSize is the session buffer threshold above which
	// enqueued payloads are written to disk ahead of the commit.
	DefaultWriteBufferSize = 128 << 10 // 128 KiB

	// MinWriteBufferSize is the floor WriteBufferSize is clamped to.
	MinWriteBufferSize = 64 << 10 // 64 KiB

	// DefaultReadBufferSize is the buffer size hint for read streams.
	DefaultReadBufferSize = 64 << 10

	// DefaultPendingWriteTimeout is the per-batch wait for outstanding
	// background writes during flush.
	DefaultPendingWriteTimeout = 30 * time.Second
)

// Options configure opening a queue.
//
// The zero value of every field except Path is usable; unset fields take
// the defaults above.
type Options struct {
	// Path is the queue directory. Created if missing. Required.
	Path string

	// MaxFileSize is the size above which the writer rolls to a new
	// data file. Default [DefaultMaxFileSize].
	MaxFileSize int64

	// WriteBufferSize is the session buffer threshold for opportunistic
	// writes. Clamped to at least [MinWriteBufferSize].
	// Default [DefaultWriteBufferSize].
	WriteBufferSize int

	// AllowTruncatedEntries selects the recovery policy for a corrupt
	// transaction log tail: true truncates the log at the last good
	// transaction boundary, false fails open with [ErrUnrecoverable].
	AllowTruncatedEntries bool

	// PendingWriteTimeout is how long Flush waits for each batch of up
	// to 32 outstanding background writes.
	// Default [DefaultPendingWriteTimeout].
	PendingWriteTimeout time.Duration

	// ReadBufferSize is a buffer size hint for read streams.
	// Default [DefaultReadBufferSize].
	ReadBufferSize int

	// Logger receives diagnostics for failures the queue absorbs
	// (checkpoint rewrite after a committed append, deferred-delete
	// retries, unflushed session disposal). Default [slog.Default].
	Logger *slog.Logger

	// FS is the filesystem implementation. Default [fs.NewReal].
	// Tests inject [fs.Chaos] here.
	FS fs.FS
}

// withDefaults returns a copy of o with unset fields defaulted and
// WriteBufferSize clamped.
func (o Options) withDefaults() Options {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}

	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = DefaultWriteBufferSize
	}

	if o.WriteBufferSize < MinWriteBufferSize {
		o.WriteBufferSize = MinWriteBufferSize
	}

	if o.PendingWriteTimeout <= 0 {
		o.PendingWriteTimeout = DefaultPendingWriteTimeout
	}

	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	return o
}

func (o Options) validate() error {
	if o.Path == "" {
		return fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	return nil
}
