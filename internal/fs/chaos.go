package fs

import (
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all random fault injection. Partially initialized
// configs only inject faults for the specified rates; unset fields default
// to 0.0.
type ChaosConfig struct {
	// OpenFailRate controls how often Open, Create, and OpenFile fail
	// with EIO.
	OpenFailRate float64

	// ReadFailRate controls how often File.Read and ReadFile fail,
	// returning zero bytes and EIO.
	ReadFailRate float64

	// WriteFailRate controls how often File.Write fails entirely, writing
	// zero bytes and returning EIO.
	WriteFailRate float64

	// PartialWriteRate controls how often File.Write writes only some bytes
	// before failing with io.ErrShortWrite.
	PartialWriteRate float64

	// SyncFailRate controls how often File.Sync (fsync) fails with EIO.
	// Sync failures can surface delayed write errors that weren't reported
	// during Write.
	SyncFailRate float64

	// RenameFailRate controls how often Rename fails with EIO.
	RenameFailRate float64

	// RemoveFailRate controls how often Remove fails with EIO.
	RemoveFailRate float64
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive enables fault injection.
	// This is the default mode for a new [Chaos].
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every operation through to the underlying FS.
	ChaosModeNoOp
)

// denyRule is a targeted always-fail rule matched by operation name and
// path suffix. Used by tests that need a specific step to fail instead of
// a random one.
type denyRule struct {
	op     string
	suffix string
	errno  syscall.Errno

	// remaining is the number of matching calls left to fail.
	// Negative means fail forever until the rule is removed.
	remaining int
}

// Chaos wraps an [FS] and injects failures, either at random per
// [ChaosConfig] rates or deterministically via [Chaos.DenyN].
//
// All injected errors are real errno values wrapped in [os.PathError] /
// [os.LinkError], so callers exercise the same error-classification code
// paths as against [Real].
type Chaos struct {
	fs     FS
	config ChaosConfig
	mode   atomic.Uint32

	mu     sync.Mutex
	rng    *rand.Rand
	rules  []*denyRule
	faults atomic.Int64
}

// NewChaos creates a new [Chaos] filesystem wrapping the given [FS].
// The seed controls random fault injection for reproducibility.
// Panics if fsys is nil.
func NewChaos(fsys FS, seed int64, config ChaosConfig) *Chaos {
	if fsys == nil {
		panic("fs is nil")
	}

	return &Chaos{
		fs:     fsys,
		rng:    rand.New(rand.NewSource(seed)),
		config: config,
	}
}

// SetMode switches random fault injection on or off. Deny rules fire in
// either mode.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// TotalFaults reports how many faults have been injected so far.
func (c *Chaos) TotalFaults() int64 { return c.faults.Load() }

// DenyN makes the next n calls of op on paths ending in suffix fail with
// errno. Known ops: "open", "read", "write", "sync", "rename", "remove".
// n < 0 fails every matching call until [Chaos.ClearRules].
func (c *Chaos) DenyN(op, suffix string, errno syscall.Errno, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = append(c.rules, &denyRule{op: op, suffix: suffix, errno: errno, remaining: n})
}

// ClearRules removes all deny rules.
func (c *Chaos) ClearRules() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = nil
}

// fail reports whether a call of op on path should fail, and with what errno.
func (c *Chaos) fail(op, path string, rate float64) (syscall.Errno, bool) {
	c.mu.Lock()

	for _, r := range c.rules {
		if r.op == op && strings.HasSuffix(path, r.suffix) && r.remaining != 0 {
			if r.remaining > 0 {
				r.remaining--
			}

			c.mu.Unlock()
			c.faults.Add(1)

			return r.errno, true
		}
	}

	active := ChaosMode(c.mode.Load()) == ChaosModeActive
	hit := active && rate > 0 && c.rng.Float64() < rate
	c.mu.Unlock()

	if hit {
		c.faults.Add(1)

		return syscall.EIO, true
	}

	return 0, false
}

func (c *Chaos) Open(path string) (File, error) {
	if errno, ok := c.fail("open", path, c.config.OpenFailRate); ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: errno}
	}

	f, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{chaos: c, file: f, path: path}, nil
}

func (c *Chaos) Create(path string) (File, error) {
	if errno, ok := c.fail("open", path, c.config.OpenFailRate); ok {
		return nil, &os.PathError{Op: "create", Path: path, Err: errno}
	}

	f, err := c.fs.Create(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{chaos: c, file: f, path: path}, nil
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if errno, ok := c.fail("open", path, c.config.OpenFailRate); ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: errno}
	}

	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{chaos: c, file: f, path: path}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) {
	if errno, ok := c.fail("read", path, c.config.ReadFailRate); ok {
		return nil, &os.PathError{Op: "read", Path: path, Err: errno}
	}

	return c.fs.ReadFile(path)
}

func (c *Chaos) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if errno, ok := c.fail("write", path, c.config.WriteFailRate); ok {
		return &os.PathError{Op: "write", Path: path, Err: errno}
	}

	return c.fs.WriteFileAtomic(path, data, perm)
}

func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) {
	return c.fs.ReadDir(path)
}

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	return c.fs.MkdirAll(path, perm)
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	return c.fs.Stat(path)
}

func (c *Chaos) Exists(path string) (bool, error) {
	return c.fs.Exists(path)
}

func (c *Chaos) Remove(path string) error {
	if errno, ok := c.fail("remove", path, c.config.RemoveFailRate); ok {
		return &os.PathError{Op: "remove", Path: path, Err: errno}
	}

	return c.fs.Remove(path)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	if errno, ok := c.fail("rename", oldpath, c.config.RenameFailRate); ok {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errno}
	}

	return c.fs.Rename(oldpath, newpath)
}

// chaosFile wraps a [File] and injects read/write/sync failures.
type chaosFile struct {
	chaos *Chaos
	file  File
	path  string
}

func (f *chaosFile) Read(p []byte) (int, error) {
	if errno, ok := f.chaos.fail("read", f.path, f.chaos.config.ReadFailRate); ok {
		return 0, &os.PathError{Op: "read", Path: f.path, Err: errno}
	}

	return f.file.Read(p)
}

func (f *chaosFile) Write(p []byte) (int, error) {
	if errno, ok := f.chaos.fail("write", f.path, f.chaos.config.WriteFailRate); ok {
		return 0, &os.PathError{Op: "write", Path: f.path, Err: errno}
	}

	if _, ok := f.chaos.fail("write-partial", f.path, f.chaos.config.PartialWriteRate); ok && len(p) > 1 {
		n, err := f.file.Write(p[:len(p)/2])
		if err != nil {
			return n, err
		}

		return n, io.ErrShortWrite
	}

	return f.file.Write(p)
}

func (f *chaosFile) Close() error {
	return f.file.Close()
}

func (f *chaosFile) Seek(offset int64, whence int) (int64, error) {
	return f.file.Seek(offset, whence)
}

func (f *chaosFile) Fd() uintptr {
	return f.file.Fd()
}

func (f *chaosFile) Stat() (os.FileInfo, error) {
	return f.file.Stat()
}

func (f *chaosFile) Sync() error {
	if errno, ok := f.chaos.fail("sync", f.path, f.chaos.config.SyncFailRate); ok {
		return &os.PathError{Op: "sync", Path: f.path, Err: errno}
	}

	return f.file.Sync()
}

// Compile-time interface checks.
var (
	_ FS   = (*Chaos)(nil)
	_ File = (*chaosFile)(nil)
)
