package diskqueue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/diskq/internal/fs"
)

// deadPID is far above any real pid_max, so no live process can own it.
const deadPID = 999_999_999

func TestLock_AcquireAndRelease(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	lock, err := acquireDirLock(fsys, dir)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	raw, readErr := os.ReadFile(filepath.Join(dir, lockFileName))
	if readErr != nil {
		t.Fatalf("lock file unreadable: %v", readErr)
	}

	data, ok := decodeLockData(raw)
	if !ok {
		t.Fatalf("lock file has %d bytes, want %d", len(raw), lockDataSize)
	}

	if int(data.pid) != os.Getpid() {
		t.Errorf("lock pid = %d, want %d", data.pid, os.Getpid())
	}

	lock.release(fsys)

	_, statErr := os.Stat(filepath.Join(dir, lockFileName))
	if !os.IsNotExist(statErr) {
		t.Errorf("lock file should be removed on release, stat err = %v", statErr)
	}
}

func TestLock_SecondHandleInProcessRefused(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	lock, err := acquireDirLock(fsys, dir)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	defer lock.release(fsys)

	_, err = acquireDirLock(fsys, dir)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("want ErrLocked, got %v", err)
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) || lockErr.Kind != LockHeldByThisProcess {
		t.Errorf("want LockHeldByThisProcess, got %+v", err)
	}
}

func TestLock_ReacquireAfterRelease(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	lock, err := acquireDirLock(fsys, dir)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	lock.release(fsys)

	lock, err = acquireDirLock(fsys, dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}

	lock.release(fsys)
}

func TestLock_StaleDeadProcessReplaced(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	fabricated := lockData{pid: deadPID, handle: 1, startMS: 123456}

	writeErr := os.WriteFile(filepath.Join(dir, lockFileName), fabricated.encode(), 0o644)
	if writeErr != nil {
		t.Fatal(writeErr)
	}

	lock, err := acquireDirLock(fsys, dir)
	if err != nil {
		t.Fatalf("stale lock should be replaced, got %v", err)
	}

	defer lock.release(fsys)

	raw, readErr := os.ReadFile(filepath.Join(dir, lockFileName))
	if readErr != nil {
		t.Fatal(readErr)
	}

	data, _ := decodeLockData(raw)
	if int(data.pid) != os.Getpid() {
		t.Errorf("lock pid = %d, want ours %d", data.pid, os.Getpid())
	}
}

func TestLock_CorruptLockFileTreatedStale(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	writeErr := os.WriteFile(filepath.Join(dir, lockFileName), []byte("torn"), 0o644)
	if writeErr != nil {
		t.Fatal(writeErr)
	}

	lock, err := acquireDirLock(fsys, dir)
	if err != nil {
		t.Fatalf("corrupt lock should be replaced, got %v", err)
	}

	lock.release(fsys)
}

func TestLock_LiveForeignProcessRefused(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	// pid 1 is always alive. startMS 0 skips the pid-reuse check, as a
	// writer on a platform without start-time info would record.
	foreign := lockData{pid: 1, handle: 7, startMS: 0}

	writeErr := os.WriteFile(filepath.Join(dir, lockFileName), foreign.encode(), 0o644)
	if writeErr != nil {
		t.Fatal(writeErr)
	}

	_, err := acquireDirLock(fsys, dir)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("want ErrLocked, got %v", err)
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) || lockErr.Kind != LockHeldByLiveProcess {
		t.Errorf("want LockHeldByLiveProcess, got %+v", err)
	}
}

func TestLock_PidReuseDetectedByStartTime(t *testing.T) {
	t.Parallel()

	actual, known := processStartMS(1)
	if !known {
		t.Skip("/proc start time unavailable")
	}

	fsys := fs.NewReal()
	dir := t.TempDir()

	// A lock recorded by a dead process whose pid was later reused by
	// pid 1's slot: same pid, different start time.
	reused := lockData{pid: 1, handle: 7, startMS: actual + 5000}

	writeErr := os.WriteFile(filepath.Join(dir, lockFileName), reused.encode(), 0o644)
	if writeErr != nil {
		t.Fatal(writeErr)
	}

	lock, err := acquireDirLock(fsys, dir)
	if err != nil {
		t.Fatalf("pid-reuse lock should be stale, got %v", err)
	}

	lock.release(fsys)
}

func TestLock_DataRoundTrip(t *testing.T) {
	t.Parallel()

	in := lockData{pid: 4242, handle: -7, startMS: 1_700_000_000_123}

	out, ok := decodeLockData(in.encode())
	if !ok {
		t.Fatal("decode failed")
	}

	if out != in {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}
