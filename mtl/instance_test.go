package mtl

import (
	"testing"
	"unsafe"

	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func testConfig() mtlcfg.InstanceConfig {
	cfg := mtlcfg.DefaultInstanceConfig()
	cfg.Ports = []mtlcfg.PortConfig{{Name: "p0", Driver: mtlcfg.DriverPF, TxQueues: 1, RxQueues: 1}}
	cfg.Schedulers = []mtlcfg.SchedulerConfig{{NumaSocket: 0, AllowSleep: true, QuotaMbps: 10000}}
	return cfg
}

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	inst, err := Init(testConfig())
	if err != nil {
		t.Skipf("lcore allocator unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { _ = inst.Uninit() })
	return inst
}

func TestInitBuildsOnePortSchedulerAndPtpSlavePerConfig(t *testing.T) {
	inst := newTestInstance(t)
	assert.Equal(t, 1, len(inst.ports))
	assert.Equal(t, 1, len(inst.schedulers))
	assert.Equal(t, 1, len(inst.ptpSlaves))
}

func TestInitRejectsConfigWithNoPorts(t *testing.T) {
	cfg := testConfig()
	cfg.Ports = nil
	_, err := Init(cfg)
	assert.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	inst := newTestInstance(t)
	require.NoError(t, inst.Start())
	assert.True(t, inst.started)

	require.NoError(t, inst.Stop())
	assert.False(t, inst.started)
}

func TestAbortLatchesAbortedAndStops(t *testing.T) {
	inst := newTestInstance(t)
	require.NoError(t, inst.Start())

	require.NoError(t, inst.Abort())
	assert.True(t, inst.Aborted())
	assert.False(t, inst.started)
}

func TestUninitRunsTeardownInReverseOrder(t *testing.T) {
	inst, err := Init(testConfig())
	if err != nil {
		t.Skipf("lcore allocator unavailable in this environment: %v", err)
	}

	var order []int
	inst.teardown = nil
	inst.pushTeardown(func() { order = append(order, 1) })
	inst.pushTeardown(func() { order = append(order, 2) })
	inst.pushTeardown(func() { order = append(order, 3) })

	require.NoError(t, inst.Uninit())
	assert.Equal(t, []int{3, 2, 1}, order, "teardown must run LIFO")
}

func TestDmaMapUnmapRoundTrip(t *testing.T) {
	inst := newTestInstance(t)
	buf := make([]byte, 4096)
	vaddr := uintptrOf(buf)

	iova, err := inst.DmaMap(vaddr, len(buf))
	require.NoError(t, err)

	require.NoError(t, inst.DmaUnmap(vaddr, len(buf), iova))
}

func TestPtpReadTimeRejectsOutOfRangePort(t *testing.T) {
	inst := newTestInstance(t)
	_, err := inst.PtpReadTime(5)
	assert.Error(t, err)
}

func TestPtpReadTimeReturnsCorrectedTime(t *testing.T) {
	inst := newTestInstance(t)
	now, err := inst.PtpReadTime(0)
	require.NoError(t, err)
	assert.False(t, now.IsZero())
}

func TestSchEnableSleepAndSetSleepUsValidateIndex(t *testing.T) {
	inst := newTestInstance(t)
	require.NoError(t, inst.SchEnableSleep(0, false))
	require.NoError(t, inst.SchSetSleepUs(0, 500))

	assert.Error(t, inst.SchEnableSleep(9, false))
	assert.Error(t, inst.SchSetSleepUs(9, 500))
}

func TestGetStatsReflectsPortsAndSchedulers(t *testing.T) {
	inst := newTestInstance(t)
	stats := inst.GetStats()
	assert.Equal(t, 1, stats.PortCount)
	assert.Equal(t, 1, stats.SchedulerCount)
}

func TestResetTogglesInReset(t *testing.T) {
	inst := newTestInstance(t)
	require.NoError(t, inst.Start())
	assert.False(t, inst.InReset())

	require.NoError(t, inst.Reset())
	assert.False(t, inst.InReset(), "InReset must clear once Reset returns")
}
