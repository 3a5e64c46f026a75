package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingLifecycleFollowsStateMachine(t *testing.T) {
	r, err := NewRing(2, 16)
	require.NoError(t, err)

	fb, ok := r.AcquireFree()
	require.True(t, ok)
	assert.Equal(t, Free, fb.State())

	require.NoError(t, r.Publish(fb))
	assert.Equal(t, Ready, fb.State())

	got, ok := r.AcquireReady()
	require.True(t, ok)
	assert.Same(t, fb, got)
	assert.Equal(t, InTransmitting, fb.State())

	require.NoError(t, r.Release(fb))
	assert.Equal(t, Free, fb.State())
}

func TestPublishRejectsNonFreeSlot(t *testing.T) {
	r, err := NewRing(1, 16)
	require.NoError(t, err)
	fb, _ := r.AcquireFree()
	require.NoError(t, r.Publish(fb))

	assert.Error(t, r.Publish(fb), "publishing an already-Ready slot violates the state machine")
}

func TestReleaseRejectsNonTransmittingSlot(t *testing.T) {
	r, err := NewRing(1, 16)
	require.NoError(t, err)
	fb, _ := r.AcquireFree()
	assert.Error(t, r.Release(fb), "releasing a Free slot violates the state machine")
}

func TestAcquireReadyUnblocksOnClose(t *testing.T) {
	r, err := NewRing(1, 16)
	require.NoError(t, err)

	done := make(chan bool, 1)
	go func() {
		_, ok := r.AcquireReady()
		done <- ok
	}()

	r.Close()
	ok := <-done
	assert.False(t, ok, "a closed ring with no Ready slot reports no frame available")
}

func TestNewRingRejectsZeroCount(t *testing.T) {
	_, err := NewRing(0, 16)
	assert.Error(t, err)
}
