package port

import (
	"testing"
	"time"

	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPort(t *testing.T, cfg mtlcfg.PortConfig) *Interface {
	t.Helper()
	ifc, err := New(cfg, "127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ifc.Close() })
	return ifc
}

func TestVFBaselineRateAppliedToEveryQueue(t *testing.T) {
	ifc := newTestPort(t, mtlcfg.PortConfig{Name: "vf0", Driver: mtlcfg.DriverVF, TxQueues: 3})
	for i := 0; i < 3; i++ {
		bps, ok := ifc.RateLimitOf(i)
		require.True(t, ok)
		assert.Equal(t, uint64(vfBaselineRateBps), bps)
	}
	assert.Equal(t, 1, ifc.SharedShaperCount(), "all three queues share one baseline shaper")
}

func TestNewRejectsHeaderSplitWithoutCapability(t *testing.T) {
	_, err := New(mtlcfg.PortConfig{Name: "p0", Driver: mtlcfg.DriverPF, HeaderSplit: true}, "127.0.0.1:0", nil)
	require.Error(t, err)
	assert.True(t, mtlerr.Is(err, mtlerr.NotSupported))
}

func TestNewAllowsHeaderSplitWithCapability(t *testing.T) {
	ifc, err := New(mtlcfg.PortConfig{Name: "p0", Driver: mtlcfg.DriverPF, HeaderSplit: true}, "127.0.0.1:0", map[Feature]bool{FeatureHeaderSplit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ifc.Close() })
}

func TestTXQueueSingleOwner(t *testing.T) {
	ifc := newTestPort(t, mtlcfg.PortConfig{Name: "p0", Driver: mtlcfg.DriverPF, TxQueues: 1})
	q, err := ifc.AcquireTXQueue(0)
	require.NoError(t, err)
	assert.NotNil(t, q)

	_, err = ifc.AcquireTXQueue(0)
	assert.Error(t, err, "a second acquire before release must fail")

	ifc.ReleaseTXQueue(0)
	_, err = ifc.AcquireTXQueue(0)
	assert.NoError(t, err)
}

func TestRateLimitSharesShaperForIdenticalBps(t *testing.T) {
	ifc := newTestPort(t, mtlcfg.PortConfig{Name: "p0", Driver: mtlcfg.DriverPF, TxQueues: 2})
	require.NoError(t, ifc.ConfigureRateLimit(0, 2_970_000_000))
	require.NoError(t, ifc.ConfigureRateLimit(1, 2_970_000_000))
	assert.Equal(t, 1, ifc.SharedShaperCount())
}

func TestRateLimitRejectsZeroBps(t *testing.T) {
	ifc := newTestPort(t, mtlcfg.PortConfig{Name: "p0", Driver: mtlcfg.DriverPF, TxQueues: 1})
	assert.Error(t, ifc.ConfigureRateLimit(0, 0))
}

func TestBurstSendReceiveRoundTrip(t *testing.T) {
	tx := newTestPort(t, mtlcfg.PortConfig{Name: "tx", Driver: mtlcfg.DriverPF, TxQueues: 1})
	rx := newTestPort(t, mtlcfg.PortConfig{Name: "rx", Driver: mtlcfg.DriverPF, RxQueues: 1})

	txq, err := tx.AcquireTXQueue(0)
	require.NoError(t, err)
	rxq, err := rx.AcquireRXQueue(0, nil)
	require.NoError(t, err)

	dst := rx.conn.LocalAddr()
	n, err := txq.BurstSend([][]byte{[]byte("hello"), []byte("world")}, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bufs := [][]byte{make([]byte, 16), make([]byte, 16)}
	got, _, err := rxq.BurstReceive(bufs, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, "hello", string(bufs[0]))
	assert.Equal(t, "world", string(bufs[1]))
}

func TestResetReappliesMulticastMACs(t *testing.T) {
	ifc := newTestPort(t, mtlcfg.PortConfig{Name: "p0", Driver: mtlcfg.DriverPF, TxQueues: 1})
	mac := [6]byte{0x01, 0x00, 0x5e, 0x01, 0x02, 0x03}
	ifc.SetMulticastMACList([][6]byte{mac})

	require.NoError(t, ifc.Reset())
	_, present := ifc.mcastMACs[mac]
	assert.True(t, present)
}
