package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTasklet struct {
	name     string
	calls    int64
	result   HandlerResult
	started  int64
	stopped  int64
}

func (c *countingTasklet) Name() string { return c.name }

func (c *countingTasklet) Handler(ctx context.Context) HandlerResult {
	atomic.AddInt64(&c.calls, 1)
	return c.result
}

func (c *countingTasklet) Start() error {
	atomic.AddInt64(&c.started, 1)
	return nil
}

func (c *countingTasklet) Stop() error {
	atomic.AddInt64(&c.stopped, 1)
	return nil
}

func TestRegisterReusesFreedSlot(t *testing.T) {
	s := New(0, 0, 10000, nil)
	t1 := &countingTasklet{name: "a"}
	idx1, err := s.RegisterTasklet(t1)
	require.NoError(t, err)

	require.NoError(t, s.UnregisterTasklet(idx1))

	t2 := &countingTasklet{name: "b"}
	idx2, err := s.RegisterTasklet(t2)
	require.NoError(t, err)
	assert.Equal(t, idx1, idx2, "freed slots are reused to keep the arena compact")
}

func TestStartRunsTaskletLoop(t *testing.T) {
	s := New(0, 0, 10000, nil)
	ct := &countingTasklet{name: "tick", result: AllDone}
	_, err := s.RegisterTasklet(ct)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&ct.calls) > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&ct.started))
}

func TestStopRunsTaskletStop(t *testing.T) {
	s := New(0, 0, 10000, nil)
	ct := &countingTasklet{name: "tick", result: AllDone}
	_, err := s.RegisterTasklet(ct)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.NoError(t, s.Stop())
	assert.Equal(t, int64(1), atomic.LoadInt64(&ct.stopped))
	assert.False(t, s.Active())
}

func TestQuotaCeiling(t *testing.T) {
	s := New(0, 0, 3000, nil)
	require.NoError(t, s.AddQuota(3000))

	err := s.AddQuota(1)
	assert.Error(t, err)

	s.RemoveQuota(3000)
	require.NoError(t, s.AddQuota(3000))
}

func TestRegisterAfterStartRequiresLock(t *testing.T) {
	s := New(0, 0, 1000, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	_, err := s.RegisterTasklet(&countingTasklet{name: "late"})
	assert.Error(t, err)

	s.AcquireRegistrationLock()
	_, err = s.RegisterTasklet(&countingTasklet{name: "late"})
	assert.NoError(t, err)
	s.ReleaseRegistrationLock()
}
