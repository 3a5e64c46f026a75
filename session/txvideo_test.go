package session

import (
	"net"
	"testing"
	"time"

	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/mediatransport/mtl/port"
	"github.com/mediatransport/mtl/rtpwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackTXRX(t *testing.T) (*port.TXQueue, *port.RXQueue, net.Addr) {
	t.Helper()
	txIfc, err := port.New(mtlcfg.PortConfig{Name: "tx", Driver: mtlcfg.DriverPF, TxQueues: 1}, "127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = txIfc.Close() })

	rxIfc, err := port.New(mtlcfg.PortConfig{Name: "rx", Driver: mtlcfg.DriverPF, RxQueues: 1}, "127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rxIfc.Close() })

	txq, err := txIfc.AcquireTXQueue(0)
	require.NoError(t, err)
	rxq, err := rxIfc.AcquireRXQueue(0, nil)
	require.NoError(t, err)

	return txq, rxq, rxIfc.LocalAddr()
}

func testVideoConfig() mtlcfg.VideoSessionConfig {
	return mtlcfg.VideoSessionConfig{
		Name:             "v0",
		Width:            20,
		Height:           4,
		FPS:              30,
		PixelGroup:       mtlcfg.YUV422_10bit,
		PayloadSize:      200,
		FramebufferCount: 2,
		Pacing:           mtlcfg.PacingBestEffort,
		DstIP:            "127.0.0.1",
		DstPort:          6000,
		PayloadType:      98,
	}
}

func TestTXVideoSessionPacketizesAndMarksLastPacket(t *testing.T) {
	txq, rxq, dst := newLoopbackTXRX(t)
	cfg := testVideoConfig()

	source := NewLoopingSliceSource(make([]byte, cfg.Width/cfg.PixelGroup.CoveragePx*cfg.PixelGroup.SizeBytes*cfg.Height))
	sess, err := NewTXVideoSession(cfg, 0x1234, txq, dst, nil, nil, source)
	require.NoError(t, err)

	fb, err := sess.AcquireFrame()
	require.NoError(t, err)
	require.NoError(t, sess.ring.Publish(fb))

	require.NoError(t, sess.TransmitFrame(time.Now(), 90000))

	bufs := [][]byte{make([]byte, 1500)}
	n, _, err := rxq.BurstReceive(bufs, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	hdr, _, err := rtpwire.UnmarshalRTP(bufs[0])
	require.NoError(t, err)
	assert.True(t, hdr.Marker, "the single packet of this tiny frame carries the marker bit")

	assert.Equal(t, uint64(1), sess.Stats().FramesSent)
}

func TestTXVideoSessionRedundancyRequiresBothLegs(t *testing.T) {
	cfg := testVideoConfig()
	cfg.RedundantPort = true
	txq, _, dst := newLoopbackTXRX(t)
	source := NewLoopingSliceSource(make([]byte, 4*20))

	_, err := NewTXVideoSession(cfg, 1, txq, dst, nil, nil, source)
	assert.Error(t, err, "redundant_port set without a redundant queue/destination must fail")
}

func TestTXVideoSessionSequenceIncrementsAndWraps(t *testing.T) {
	cfg := testVideoConfig()
	txq, _, dst := newLoopbackTXRX(t)
	source := NewLoopingSliceSource(make([]byte, cfg.Width/cfg.PixelGroup.CoveragePx*cfg.PixelGroup.SizeBytes*cfg.Height))
	sess, err := NewTXVideoSession(cfg, 1, txq, dst, nil, nil, source)
	require.NoError(t, err)

	sess.seq = 0xfffe
	s1, e1 := sess.nextSeq()
	s2, e2 := sess.nextSeq()
	s3, e3 := sess.nextSeq()

	assert.Equal(t, uint16(0xfffe), s1)
	assert.Equal(t, uint16(0xffff), s2)
	assert.Equal(t, uint16(0), s3)
	assert.Equal(t, uint16(0), e1)
	assert.Equal(t, uint16(0), e2)
	assert.Equal(t, uint16(1), e3, "the extension increments on the wrap from 0xffff")
}

func TestTXVideoSessionIDIsUniquePerInstance(t *testing.T) {
	cfg := testVideoConfig()
	txq, _, dst := newLoopbackTXRX(t)
	source := NewLoopingSliceSource(make([]byte, cfg.Width/cfg.PixelGroup.CoveragePx*cfg.PixelGroup.SizeBytes*cfg.Height))

	s1, err := NewTXVideoSession(cfg, 1, txq, dst, nil, nil, source)
	require.NoError(t, err)
	s2, err := NewTXVideoSession(cfg, 2, txq, dst, nil, nil, source)
	require.NoError(t, err)

	assert.NotEmpty(t, s1.ID())
	assert.NotEqual(t, s1.ID(), s2.ID(), "two sessions sharing a config name still get distinct identifiers")
}

func TestTXVideoSessionRateLimitFallbackIsOneShot(t *testing.T) {
	cfg := testVideoConfig()
	txq, _, dst := newLoopbackTXRX(t)
	source := NewLoopingSliceSource(make([]byte, 4*20))
	sess, err := NewTXVideoSession(cfg, 1, txq, dst, nil, nil, source)
	require.NoError(t, err)

	sess.applyRateLimitFallback()
	sess.applyRateLimitFallback()
	assert.True(t, sess.Stats().RateLimitDowngraded)
}
