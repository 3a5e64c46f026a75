package session

import (
	"testing"
	"time"

	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/mediatransport/mtl/rtpwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildVideoPacket(t *testing.T, rowBytes int, seq uint16, ts uint32, line, offset uint16, chunk []byte, marker bool) []byte {
	t.Helper()
	hdr := rtpwire.BuildRTPHeader(98, seq, ts, 0xabcd, marker)
	srd := rtpwire.MarshalSRD(rtpwire.SRDHeader{Length: uint16(len(chunk)), LineNumber: line, Offset: offset})
	pkt, err := rtpwire.MarshalRTP(hdr, append(srd, chunk...))
	require.NoError(t, err)
	return pkt
}

func TestRXVideoReassemblesFrameFromAllPackets(t *testing.T) {
	cfg := testVideoConfig()
	sess, err := NewRXVideoSession(cfg, nil)
	require.NoError(t, err)

	rowBytes := sess.rowBytes
	frame := make([]byte, sess.frameSize)
	for i := range frame {
		frame[i] = byte(i)
	}

	now := int64(1000)
	for line := 0; line < cfg.Height; line++ {
		chunk := frame[line*rowBytes : (line+1)*rowBytes]
		marker := line == cfg.Height-1
		pkt := buildVideoPacket(t, rowBytes, uint16(line), 90000, uint16(line), 0, chunk, marker)
		require.NoError(t, sess.OnPacket(pkt, now))
	}

	fb, ok := sess.ReceiveFrame()
	require.True(t, ok)
	assert.Equal(t, frame, fb.Data)
	assert.Equal(t, uint64(1), sess.Stats().FramesReceived)
}

func TestRXVideoDropsOldSequence(t *testing.T) {
	cfg := testVideoConfig()
	sess, err := NewRXVideoSession(cfg, nil)
	require.NoError(t, err)
	rowBytes := sess.rowBytes
	chunk := make([]byte, rowBytes)

	for seq := uint16(10); seq < 20; seq++ {
		pkt := buildVideoPacket(t, rowBytes, seq, 90000, 0, 0, chunk, false)
		_ = sess.OnPacket(pkt, 0)
	}

	old := buildVideoPacket(t, rowBytes, 1, 90000, 0, 0, chunk, false)
	err = sess.OnPacket(old, 0)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), sess.Stats().OldSeqDropped)
}

func TestRXVideoSeqWrapDoesNotDrop(t *testing.T) {
	cfg := testVideoConfig()
	sess, err := NewRXVideoSession(cfg, nil)
	require.NoError(t, err)
	rowBytes := sess.rowBytes
	chunk := make([]byte, rowBytes)

	pkt1 := buildVideoPacket(t, rowBytes, 0xfffe, 90000, 0, 0, chunk, false)
	require.NoError(t, sess.OnPacket(pkt1, 0))
	pkt2 := buildVideoPacket(t, rowBytes, 0xffff, 90000, 1, 0, chunk, false)
	require.NoError(t, sess.OnPacket(pkt2, 0))
	pkt3 := buildVideoPacket(t, rowBytes, 0x0000, 90000, 2, 0, chunk, false)
	err = sess.OnPacket(pkt3, 0)
	assert.NoError(t, err, "a wrapped-but-in-window sequence must not be dropped as old")
}

func TestRXVideoWrongPayloadTypeDropped(t *testing.T) {
	cfg := testVideoConfig()
	sess, err := NewRXVideoSession(cfg, nil)
	require.NoError(t, err)

	hdr := rtpwire.BuildRTPHeader(99, 0, 90000, 1, false)
	srd := rtpwire.MarshalSRD(rtpwire.SRDHeader{})
	pkt, err := rtpwire.MarshalRTP(hdr, append(srd, make([]byte, sess.rowBytes)...))
	require.NoError(t, err)

	err = sess.OnPacket(pkt, 0)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), sess.Stats().WrongHdrDropped)
}

func TestRXVideoFrameCompletesOnTimeoutAfterMarker(t *testing.T) {
	cfg := testVideoConfig()
	sess, err := NewRXVideoSession(cfg, nil)
	require.NoError(t, err)
	rowBytes := sess.rowBytes
	chunk := make([]byte, rowBytes)

	start := int64(0)
	pkt := buildVideoPacket(t, rowBytes, 0, 90000, 0, 0, chunk, true)
	require.NoError(t, sess.OnPacket(pkt, start))

	sess.CheckTimeout(start + int64(sess.frameTime))
	assert.Equal(t, uint64(1), sess.Stats().FramesReceived)
}

func TestRXVideoSessionIDIsUniquePerInstance(t *testing.T) {
	cfg := testVideoConfig()
	s1, err := NewRXVideoSession(cfg, nil)
	require.NoError(t, err)
	s2, err := NewRXVideoSession(cfg, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, s1.ID())
	assert.NotEqual(t, s1.ID(), s2.ID(), "two sessions sharing a config name still get distinct identifiers")
}

func TestRXVideoClassifyTiming(t *testing.T) {
	cfg := testVideoConfig()
	sess, err := NewRXVideoSession(cfg, nil)
	require.NoError(t, err)

	ideal := int64(time.Millisecond)
	assert.Equal(t, TimingNarrow, sess.ClassifyTiming(ideal, ideal))
	assert.Equal(t, TimingWide, sess.ClassifyTiming(ideal, ideal*2))
	assert.Equal(t, TimingFail, sess.ClassifyTiming(ideal, ideal*10))
}
