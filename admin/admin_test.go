package admin

import (
	"context"
	"testing"
	"time"

	"github.com/mediatransport/mtl/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type busyTasklet struct {
	name  string
	sleep time.Duration
}

func (b *busyTasklet) Name() string { return b.name }

func (b *busyTasklet) Handler(ctx context.Context) sched.HandlerResult {
	time.Sleep(b.sleep)
	return sched.AllDone
}

func newRunningSchedulers(t *testing.T, n int, quotaMbps int) []*sched.Scheduler {
	t.Helper()
	scheds := make([]*sched.Scheduler, n)
	for i := range scheds {
		s := sched.New(i, 0, quotaMbps, nil)
		require.NoError(t, s.Start())
		t.Cleanup(func() { _ = s.Stop() })
		scheds[i] = s
	}
	return scheds
}

func TestRegisterSessionTracksQuotaAndSlot(t *testing.T) {
	scheds := newRunningSchedulers(t, 2, 1000)
	c := New(scheds, time.Millisecond.Nanoseconds(), time.Millisecond.Nanoseconds(), time.Hour)

	handle := &SessionHandle{ID: "s1", Tasklet: &busyTasklet{name: "s1"}, QuotaMbps: 400}
	require.NoError(t, c.RegisterSession(handle, 0))

	idx, ok := c.SchedulerOf("s1")
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	_, assigned := scheds[0].Quota()
	assert.Equal(t, 400, assigned)
}

func TestRegisterSessionRejectsQuotaOverflow(t *testing.T) {
	scheds := newRunningSchedulers(t, 1, 100)
	c := New(scheds, time.Millisecond.Nanoseconds(), time.Millisecond.Nanoseconds(), time.Hour)

	handle := &SessionHandle{ID: "s1", Tasklet: &busyTasklet{name: "s1"}, QuotaMbps: 200}
	err := c.RegisterSession(handle, 0)
	assert.Error(t, err)
}

func TestEvaluateMigratesHottestSessionOffOverloadedScheduler(t *testing.T) {
	scheds := newRunningSchedulers(t, 2, 10000)
	loopBudget := int64(2 * time.Millisecond)
	sessionBudget := int64(2 * time.Millisecond)
	c := New(scheds, loopBudget, sessionBudget, time.Hour)

	hot := &SessionHandle{ID: "hot", Tasklet: &busyTasklet{name: "hot", sleep: 10 * time.Millisecond}, QuotaMbps: 1000}
	require.NoError(t, c.RegisterSession(hot, 0))

	require.Eventually(t, func() bool {
		return scheds[0].AvgNsPerLoop() > loopBudget
	}, time.Second, time.Millisecond, "scheduler 0 should accumulate enough loop cost to look overloaded")

	c.Evaluate()

	idx, ok := c.SchedulerOf("hot")
	require.True(t, ok)
	assert.Equal(t, 1, idx, "the hot session should have migrated to scheduler 1")
	assert.Equal(t, uint64(1), c.Stats().MigrationsPerformed)

	_, assigned0 := scheds[0].Quota()
	_, assigned1 := scheds[1].Quota()
	assert.Zero(t, assigned0)
	assert.Equal(t, 1000, assigned1)
}

func TestEvaluateSkipsMigrationWhenNoDestinationHasRoom(t *testing.T) {
	scheds := newRunningSchedulers(t, 2, 500)
	loopBudget := int64(2 * time.Millisecond)
	c := New(scheds, loopBudget, loopBudget, time.Hour)

	hot := &SessionHandle{ID: "hot", Tasklet: &busyTasklet{name: "hot", sleep: 10 * time.Millisecond}, QuotaMbps: 500}
	require.NoError(t, c.RegisterSession(hot, 0))

	busyOther := &SessionHandle{ID: "filler", Tasklet: &busyTasklet{name: "filler"}, QuotaMbps: 500}
	require.NoError(t, c.RegisterSession(busyOther, 1))

	require.Eventually(t, func() bool {
		return scheds[0].AvgNsPerLoop() > loopBudget
	}, time.Second, time.Millisecond)

	c.Evaluate()

	idx, ok := c.SchedulerOf("hot")
	require.True(t, ok)
	assert.Equal(t, 0, idx, "with no scheduler having quota room, the session must stay put")
	assert.Equal(t, uint64(1), c.Stats().MigrationsSkipped)
}

func TestUnregisterSessionReleasesQuotaAndSlot(t *testing.T) {
	scheds := newRunningSchedulers(t, 1, 1000)
	c := New(scheds, time.Millisecond.Nanoseconds(), time.Millisecond.Nanoseconds(), time.Hour)

	handle := &SessionHandle{ID: "s1", Tasklet: &busyTasklet{name: "s1"}, QuotaMbps: 400}
	require.NoError(t, c.RegisterSession(handle, 0))
	require.NoError(t, c.UnregisterSession("s1"))

	_, ok := c.SchedulerOf("s1")
	assert.False(t, ok)
	_, assigned := scheds[0].Quota()
	assert.Zero(t, assigned)
}
