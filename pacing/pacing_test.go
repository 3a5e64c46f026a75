package pacing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsBadProfile(t *testing.T) {
	_, err := NewEngine(Profile{Way: Narrow, FrameTime: 0, NumPackets: 100})
	assert.Error(t, err)

	_, err = NewEngine(Profile{Way: Narrow, FrameTime: time.Millisecond, NumPackets: 0})
	assert.Error(t, err)

	_, err = NewEngine(Profile{Way: Narrow, FrameTime: time.Millisecond, NumPackets: 1, StartVRX: -1})
	assert.Error(t, err)
}

func TestEpochAlignsToFrameBoundary(t *testing.T) {
	e, err := NewEngine(Profile{Way: Narrow, FrameTime: 10 * time.Millisecond, NumPackets: 10})
	require.NoError(t, err)

	now := time.Unix(0, 3*int64(time.Millisecond))
	epoch := e.Epoch(now, 0)
	assert.Equal(t, int64(10*time.Millisecond), epoch.UnixNano())

	onBoundary := time.Unix(0, 20*int64(time.Millisecond))
	epoch2 := e.Epoch(onBoundary, 0)
	assert.Equal(t, onBoundary.UnixNano(), epoch2.UnixNano(), "an already-aligned now needs no advance")
}

func TestEpochAppliesRTPTimestampDelta(t *testing.T) {
	e, err := NewEngine(Profile{Way: Narrow, FrameTime: 10 * time.Millisecond, NumPackets: 10})
	require.NoError(t, err)

	now := time.Unix(0, 0)
	epoch := e.Epoch(now, int64(2*time.Millisecond))
	assert.Equal(t, int64(2*time.Millisecond), epoch.UnixNano())
}

func TestNarrowDepartureTimesUniformInterval(t *testing.T) {
	e, err := NewEngine(Profile{Way: Narrow, FrameTime: 10 * time.Millisecond, NumPackets: 10})
	require.NoError(t, err)

	epoch := time.Unix(0, 0)
	times := e.DepartureTimes(epoch)
	require.Len(t, times, 10)
	for i := 1; i < len(times); i++ {
		assert.Equal(t, time.Millisecond, times[i].Sub(times[i-1]))
	}
}

func TestLinearDepartureTimesIncludeVRXCushion(t *testing.T) {
	e, err := NewEngine(Profile{Way: Linear, FrameTime: 10 * time.Millisecond, NumPackets: 10, StartVRX: 2})
	require.NoError(t, err)

	epoch := time.Unix(0, 0)
	times := e.DepartureTimes(epoch)
	assert.True(t, times[0].After(epoch), "linear pacing offsets the first packet by the VRX cushion")
}

func TestBestEffortHasNoSchedule(t *testing.T) {
	e, err := NewEngine(Profile{Way: BestEffort, FrameTime: 10 * time.Millisecond, NumPackets: 4})
	require.NoError(t, err)

	epoch := time.Unix(0, 1234)
	for _, ts := range e.DepartureTimes(epoch) {
		assert.Equal(t, epoch, ts)
	}
}

func TestWideHasWiderJitterBudgetThanNarrow(t *testing.T) {
	wide, err := NewEngine(Profile{Way: Wide, FrameTime: 10 * time.Millisecond, NumPackets: 10})
	require.NoError(t, err)
	narrow, err := NewEngine(Profile{Way: Narrow, FrameTime: 10 * time.Millisecond, NumPackets: 10})
	require.NoError(t, err)

	assert.Zero(t, narrow.JitterBudget())
	assert.Greater(t, wide.JitterBudget(), time.Duration(0))
}

func TestShouldPad(t *testing.T) {
	e, err := NewEngine(Profile{Way: Narrow, FrameTime: 10 * time.Millisecond, NumPackets: 10, PadInterval: 3})
	require.NoError(t, err)

	assert.False(t, e.ShouldPad(0))
	assert.False(t, e.ShouldPad(1))
	assert.True(t, e.ShouldPad(2))
	assert.True(t, e.ShouldPad(5))
}

func TestShouldPadDisabledWhenZero(t *testing.T) {
	e, err := NewEngine(Profile{Way: Narrow, FrameTime: 10 * time.Millisecond, NumPackets: 10, PadInterval: 0})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		assert.False(t, e.ShouldPad(i))
	}
}

func TestRequiresSoftwarePacing(t *testing.T) {
	cases := map[Way]bool{
		Narrow:     false,
		Wide:       false,
		Linear:     false,
		BestEffort: false,
		TSC:        true,
		TSCNarrow:  true,
		PTP:        false,
	}
	for way, want := range cases {
		e, err := NewEngine(Profile{Way: way, FrameTime: time.Millisecond, NumPackets: 1})
		require.NoError(t, err)
		assert.Equal(t, want, e.RequiresSoftwarePacing(), "way=%s", way)
	}
}

func TestDowngradeFallsBackToTSC(t *testing.T) {
	e, err := NewEngine(Profile{Way: Wide, FrameTime: time.Millisecond, NumPackets: 1})
	require.NoError(t, err)

	prev := e.Downgrade()
	assert.Equal(t, Wide, prev)
	assert.Equal(t, TSC, e.Profile.Way)
}

func TestDowngradeFromNarrowGoesToTSCNarrow(t *testing.T) {
	e, err := NewEngine(Profile{Way: Narrow, FrameTime: time.Millisecond, NumPackets: 1})
	require.NoError(t, err)

	e.Downgrade()
	assert.Equal(t, TSCNarrow, e.Profile.Way)
}
