package lcore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	lockPath := filepath.Join(t.TempDir(), "lcore.lock")
	a, err := NewAllocator(int(0x4d544c00)+os.Getpid()%1000, 4, lockPath)
	if err != nil {
		t.Skipf("SysV shared memory unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAcquireReleaseCycle(t *testing.T) {
	a := newTestAllocator(t)

	idx, err := a.Acquire()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, idx, 0)

	require.NoError(t, a.Release(idx))

	idx2, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, idx, idx2, "the freed lcore is handed out again")
}

func TestAcquireExhaustion(t *testing.T) {
	a := newTestAllocator(t)

	for i := 0; i < 4; i++ {
		_, err := a.Acquire()
		require.NoError(t, err)
	}
	_, err := a.Acquire()
	assert.Error(t, err)
}

func TestReleaseOutOfRange(t *testing.T) {
	a := newTestAllocator(t)
	assert.Error(t, a.Release(-1))
	assert.Error(t, a.Release(999))
}
