// Package lcore implements the cross-process lcore allocator (§5, §6): a
// SysV-shared-memory-backed bitmap protected by a file lock, so that
// multiple processes running schedulers on one host do not hand out the same
// CPU core twice, plus the OS-thread affinity pinning a scheduler applies to
// its lcore once started.
package lcore

import (
	"fmt"
	"os"
	"sync"

	"github.com/mediatransport/mtl/mtlerr"
	"golang.org/x/sys/unix"
)

// bitmapKey is the SysV IPC key used for the shared lcore bitmap. Processes
// that want to share a single allocator must agree on this key (e.g. via
// ftok on a well-known path); this library picks one key per Allocator
// instance so tests don't collide with a real deployment's segment.
type bitmapKey int

// Allocator hands out lcore indices [0, maxLcores) uniquely across every
// process on the host that shares its SysV segment.
type Allocator struct {
	mu        sync.Mutex
	maxLcores int
	lockFD    int
	shmID     int
	bitmap    []byte // mmap'd SysV shared memory, one byte per lcore
	local     map[int]struct{}
}

// NewAllocator attaches to (creating if necessary) the SysV shared-memory
// segment identified by key, sized for maxLcores, and opens lockPath as the
// file lock serializing allocation across processes.
func NewAllocator(key int, maxLcores int, lockPath string) (*Allocator, error) {
	if maxLcores <= 0 {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "lcore.new_allocator", "maxLcores must be positive")
	}
	lockFD, err := unix.Open(lockPath, unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, mtlerr.Wrap(mtlerr.IoFailure, "lcore.new_allocator", fmt.Errorf("open lock file: %w", err))
	}

	shmID, err := unix.SysvShmGet(key, maxLcores, unix.IPC_CREAT|0o600)
	if err != nil {
		unix.Close(lockFD)
		return nil, mtlerr.Wrap(mtlerr.IoFailure, "lcore.new_allocator", fmt.Errorf("shmget: %w", err))
	}
	seg, err := unix.SysvShmAttach(shmID, 0, 0)
	if err != nil {
		unix.Close(lockFD)
		return nil, mtlerr.Wrap(mtlerr.IoFailure, "lcore.new_allocator", fmt.Errorf("shmat: %w", err))
	}

	return &Allocator{
		maxLcores: maxLcores,
		lockFD:    lockFD,
		shmID:     shmID,
		bitmap:    seg,
		local:     make(map[int]struct{}),
	}, nil
}

// withLock runs fn while holding the exclusive file lock serializing access
// to the shared bitmap across processes.
func (a *Allocator) withLock(fn func() error) error {
	if err := unix.Flock(a.lockFD, unix.LOCK_EX); err != nil {
		return mtlerr.Wrap(mtlerr.IoFailure, "lcore.lock", err)
	}
	defer unix.Flock(a.lockFD, unix.LOCK_UN)
	return fn()
}

// Acquire reserves the lowest-index free lcore and returns it.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx = -1
	err := a.withLock(func() error {
		for i := 0; i < a.maxLcores; i++ {
			if a.bitmap[i] == 0 {
				a.bitmap[i] = 1
				idx = i
				return nil
			}
		}
		return mtlerr.New(mtlerr.ResourceExhausted, "lcore.acquire", "no free lcore")
	})
	if err != nil {
		return -1, err
	}
	a.local[idx] = struct{}{}
	return idx, nil
}

// Release frees a previously acquired lcore.
func (a *Allocator) Release(idx int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= a.maxLcores {
		return mtlerr.New(mtlerr.InvalidArgument, "lcore.release", "index out of range")
	}
	return a.withLock(func() error {
		a.bitmap[idx] = 0
		delete(a.local, idx)
		return nil
	})
}

// Close detaches from the shared segment and closes the lock file. It does
// not remove the segment: other processes may still be using it.
func (a *Allocator) Close() error {
	if err := unix.SysvShmDetach(a.bitmap); err != nil {
		return mtlerr.Wrap(mtlerr.IoFailure, "lcore.close", err)
	}
	return unix.Close(a.lockFD)
}

// PinCurrentThread pins the calling OS thread to CPU core idx. Callers must
// have already called runtime.LockOSThread(), since sched_setaffinity
// targets a specific kernel thread ID, not the goroutine.
func PinCurrentThread(idx int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(idx)
	// tid 0 means "the calling thread" to sched_setaffinity.
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return mtlerr.Wrap(mtlerr.IoFailure, "lcore.pin", err)
	}
	return nil
}

// CurrentAffinity returns the CPU set the calling thread is currently
// restricted to, mainly used by tests to assert PinCurrentThread took
// effect.
func CurrentAffinity() (unix.CPUSet, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return set, mtlerr.Wrap(mtlerr.IoFailure, "lcore.current_affinity", err)
	}
	return set, nil
}

// processPID is exposed for log fields identifying which process owns a
// given lcore in the shared bitmap.
func processPID() int { return os.Getpid() }
