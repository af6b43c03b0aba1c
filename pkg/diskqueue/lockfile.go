package diskqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/diskq/internal/fs"
)

// lockFileName is the exclusive-lock file inside a queue directory.
const lockFileName = "lock"

// lockData is the fixed little-endian payload of the lock file:
// owner process id, owner handle id, and the owner process start time in
// milliseconds since the epoch. The start time disambiguates pid reuse.
//
// The handle id stands in for a thread id: Go goroutines have no stable
// identity, so each queue open in a process gets a unique handle number
// instead.
type lockData struct {
	pid     int32
	handle  int32
	startMS int64
}

const lockDataSize = 16

func (d lockData) encode() []byte {
	buf := make([]byte, lockDataSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.pid))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d.handle))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(d.startMS))

	return buf
}

func decodeLockData(raw []byte) (lockData, bool) {
	if len(raw) != lockDataSize {
		return lockData{}, false
	}

	return lockData{
		pid:     int32(binary.LittleEndian.Uint32(raw[0:4])),
		handle:  int32(binary.LittleEndian.Uint32(raw[4:8])),
		startMS: int64(binary.LittleEndian.Uint64(raw[8:16])),
	}, true
}

// lockHandleCounter hands out per-process handle ids.
var lockHandleCounter atomic.Int32

// ownedDirs tracks queue directories owned by this process, so a second
// open inside the process is refused before touching the lock file.
var (
	ownedMu   sync.Mutex
	ownedDirs = map[string]int32{}
)

// lockHandle is a held directory lock. The lock file stays open for the
// lifetime of the handle.
type lockHandle struct {
	dir    string
	path   string
	file   fs.File
	handle int32
}

// release closes and removes the lock file and unregisters the directory.
func (h *lockHandle) release(fsys fs.FS) {
	if h.file != nil {
		_ = h.file.Close()
		_ = fsys.Remove(h.path)
		h.file = nil
	}

	ownedMu.Lock()
	delete(ownedDirs, h.dir)
	ownedMu.Unlock()
}

// acquireDirLock takes exclusive ownership of a queue directory.
//
// Exclusive-create of the lock file is the race arbiter. If the file
// already exists its contents name the current owner; a live owner is
// contention, a dead one is a stale lock that is deleted and re-raced.
func acquireDirLock(fsys fs.FS, dir string) (*lockHandle, error) {
	key := filepath.Clean(dir)

	ownedMu.Lock()

	if _, held := ownedDirs[key]; held {
		ownedMu.Unlock()

		return nil, &LockError{Kind: LockHeldByThisProcess, Path: dir, PID: os.Getpid()}
	}

	ownedMu.Unlock()

	lockPath := filepath.Join(dir, lockFileName)
	handle := lockHandleCounter.Add(1)

	// Bounded: each pass either wins the create, returns contention, or
	// removes a stale file. Two passes cover the common stale case; the
	// third absorbs a racing creator that died mid-write.
	for attempt := 0; attempt < 3; attempt++ {
		f, err := fsys.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			data := lockData{
				pid:     int32(os.Getpid()),
				handle:  handle,
				startMS: ownProcessStartMS(),
			}

			_, werr := f.Write(data.encode())
			if werr == nil {
				werr = f.Sync()
			}

			if werr != nil {
				_ = f.Close()
				_ = fsys.Remove(lockPath)

				return nil, fmt.Errorf("write lock file: %w", werr)
			}

			ownedMu.Lock()
			ownedDirs[key] = handle
			ownedMu.Unlock()

			return &lockHandle{dir: key, path: lockPath, file: f, handle: handle}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		raw, rerr := fsys.ReadFile(lockPath)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue // owner released between create and read, re-race
			}

			return nil, fmt.Errorf("read lock file: %w", rerr)
		}

		stale, lockErr := classifyLockOwner(lockPath, raw)
		if !stale {
			return nil, lockErr
		}

		rmErr := fsys.Remove(lockPath)
		if rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("remove stale lock file: %w", rmErr)
		}
	}

	return nil, &LockError{Kind: LockHeldByLiveProcess, Path: lockPath, PID: os.Getpid()}
}

// classifyLockOwner decides whether an existing lock file belongs to a
// live owner (stale=false plus the contention error) or is stale. A file
// that does not parse is treated as stale: only a writer that died
// mid-create leaves one behind.
func classifyLockOwner(lockPath string, raw []byte) (bool, error) {
	data, ok := decodeLockData(raw)
	if !ok {
		return true, nil
	}

	pid := int(data.pid)

	if pid == os.Getpid() {
		if data.startMS == ownProcessStartMS() {
			return false, &LockError{Kind: LockHeldByThisProcess, Path: lockPath, PID: pid}
		}

		// Our pid, a different incarnation: leftover from a previous
		// boot that reused the number.
		return true, nil
	}

	if !processAlive(pid) {
		return true, nil
	}

	actualStart, known := processStartMS(pid)
	if known && data.startMS != 0 && actualStart != data.startMS {
		// Live process, but not the one that wrote the lock.
		return true, nil
	}

	return false, &LockError{Kind: LockHeldByLiveProcess, Path: lockPath, PID: pid}
}

// processAlive probes pid with signal 0. EPERM still means alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}

	return errors.Is(err, unix.EPERM)
}

// userHZ is the kernel clock tick rate /proc start times are expressed
// in. Fixed at 100 on Linux regardless of CONFIG_HZ.
const userHZ = 100

var (
	ownStartOnce sync.Once
	ownStartMS   int64
)

func ownProcessStartMS() int64 {
	ownStartOnce.Do(func() {
		ms, ok := processStartMS(os.Getpid())
		if ok {
			ownStartMS = ms
		}
	})

	return ownStartMS
}

// processStartMS returns the wall-clock start time of pid in milliseconds,
// derived from /proc/<pid>/stat (start ticks since boot) and /proc/stat
// (boot time). Returns ok=false where that information is unavailable;
// callers then fall back to pid liveness alone.
func processStartMS(pid int) (int64, bool) {
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}

	// Field 22 (starttime) counted after the parenthesized comm field,
	// which may itself contain spaces.
	idx := strings.LastIndexByte(string(stat), ')')
	if idx < 0 {
		return 0, false
	}

	fields := strings.Fields(string(stat[idx+1:]))
	if len(fields) < 20 {
		return 0, false
	}

	startTicks, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0, false
	}

	btime, ok := bootTimeSeconds()
	if !ok {
		return 0, false
	}

	return btime*1000 + int64(startTicks)*1000/userHZ, true
}

func bootTimeSeconds() (int64, bool) {
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, false
	}

	for _, line := range strings.Split(string(raw), "\n") {
		if after, ok := strings.CutPrefix(line, "btime "); ok {
			v, perr := strconv.ParseInt(strings.TrimSpace(after), 10, 64)
			if perr != nil {
				return 0, false
			}

			return v, true
		}
	}

	return 0, false
}
