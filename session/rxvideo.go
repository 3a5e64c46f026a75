package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mediatransport/mtl/iomem"
	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/mtltime"
	"github.com/mediatransport/mtl/rtpwire"
	"github.com/sirupsen/logrus"
)

// oldPacketWindow is how far behind the highwater an extended sequence id
// may fall before it is dropped as "old" (§4.9).
const oldPacketWindow = 5

// TimingClass classifies a frame's packet-arrival jitter against the ideal
// schedule (§4.9 "timing parser").
type TimingClass int

const (
	TimingNarrow TimingClass = iota
	TimingWide
	TimingFail
)

// RXDropReason enumerates why an incoming packet or frame was discarded.
type RXDropReason int

const (
	DropWrongHeader RXDropReason = iota
	DropOldSequence
	DropTimeout
)

// RXStats is the subset of the §7 stats interface an RX video session
// reports.
type RXStats struct {
	FramesReceived   uint64
	PacketsReceived  uint64
	WrongHdrDropped  uint64
	OldSeqDropped    uint64
	TimeoutDropped   uint64
	LatencyAvgNs     int64
	TimingNarrowCount uint64
	TimingWideCount   uint64
	TimingFailCount   uint64
}

// reassemblyContext is the in-progress frame being built from RTP packets
// sharing one RTP timestamp (§3 "per-frame reassembly context").
type reassemblyContext struct {
	rtpTimestamp uint32
	data         []byte
	written      int
	markerSeen   bool
	firstSeenAt  time.Time
}

// RXVideoSession implements the §4.9 ST 2110-20 RX video session:
// extended-sequence reassembly, old-packet rejection, marker-or-timeout
// frame completion, optional DMA copy, and latency/timing statistics.
type RXVideoSession struct {
	mu sync.Mutex

	id string

	cfg       mtlcfg.VideoSessionConfig
	rowBytes  int
	frameSize int
	frameTime time.Duration

	payloadType uint8

	lastWireSeq uint16
	seenFirst   bool
	wrapCount   uint32
	highwater   uint32

	current *reassemblyContext

	ring      *Ring
	dmaLender *iomem.Lender

	latencyAvgNs int64
	time         mtltime.Provider

	stats RXStats
	log   *logrus.Entry
}

// NewRXVideoSession builds an RX video session.
func NewRXVideoSession(cfg mtlcfg.VideoSessionConfig, dmaLender *iomem.Lender) (*RXVideoSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rowBytes := (cfg.Width / cfg.PixelGroup.CoveragePx) * cfg.PixelGroup.SizeBytes
	frameSize := rowBytes * cfg.Height
	ring, err := NewRing(cfg.FramebufferCount, frameSize)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &RXVideoSession{
		id:          id,
		cfg:         cfg,
		rowBytes:    rowBytes,
		frameSize:   frameSize,
		frameTime:   time.Duration(float64(time.Second) / cfg.FPS),
		payloadType: cfg.PayloadType,
		ring:        ring,
		dmaLender:   dmaLender,
		time:        mtltime.GetDefaultProvider(),
		log:         logrus.WithFields(logrus.Fields{"component": "session", "kind": "rx_video", "session": cfg.Name, "session_id": id}),
	}, nil
}

// ID returns the session's process-unique identifier (§7 stats interface).
func (s *RXVideoSession) ID() string {
	return s.id
}

// extendSeq computes the 32-bit extended sequence id from a 16-bit wire
// sequence, detecting 2^16 wraps (§8 boundary: "Sequence id wrap at 2^16
// does not cause an RX drop when the new packet is in-window").
func (s *RXVideoSession) extendSeq(wireSeq uint16) uint32 {
	if !s.seenFirst {
		s.seenFirst = true
		s.lastWireSeq = wireSeq
		return uint32(wireSeq)
	}
	if wireSeq < s.lastWireSeq && s.lastWireSeq-wireSeq > 0x8000 {
		s.wrapCount++
	}
	s.lastWireSeq = wireSeq
	return s.wrapCount<<16 | uint32(wireSeq)
}

// OnPacket processes one received RTP packet: validates payload type,
// computes its extended sequence id, drops it if "old", and places its
// payload into the current reassembly context at its SRD byte offset
// (§4.9). nowNs is the local time of arrival (ptp-corrected if available),
// used for frame-timeout completion and latency accounting.
func (s *RXVideoSession) OnPacket(pkt []byte, nowNs int64) error {
	hdr, payload, err := rtpwire.UnmarshalRTP(pkt)
	if err != nil {
		s.mu.Lock()
		s.stats.WrongHdrDropped++
		s.mu.Unlock()
		return mtlerr.Wrap(mtlerr.ProtocolError, "session.rx_video.on_packet", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if hdr.PayloadType != s.payloadType {
		s.stats.WrongHdrDropped++
		return mtlerr.New(mtlerr.ProtocolError, "session.rx_video.on_packet", "unexpected payload type")
	}
	if len(payload) < rtpwire.SRDHeaderSize {
		s.stats.WrongHdrDropped++
		return mtlerr.New(mtlerr.ProtocolError, "session.rx_video.on_packet", "payload shorter than SRD header")
	}

	extSeq := s.extendSeq(hdr.SequenceNumber)
	if s.highwater > oldPacketWindow && extSeq+oldPacketWindow < s.highwater {
		s.stats.OldSeqDropped++
		return mtlerr.New(mtlerr.ProtocolError, "session.rx_video.on_packet", "sequence older than the reassembly window")
	}
	if extSeq > s.highwater {
		s.highwater = extSeq
	}

	srd, err := rtpwire.UnmarshalSRD(payload)
	if err != nil {
		s.stats.WrongHdrDropped++
		return mtlerr.Wrap(mtlerr.ProtocolError, "session.rx_video.on_packet", err)
	}
	chunk := payload[rtpwire.SRDHeaderSize:]

	if s.current == nil || s.current.rtpTimestamp != hdr.Timestamp {
		if s.current != nil && !s.current.markerSeen {
			s.stats.TimeoutDropped++
		}
		s.current = &reassemblyContext{
			rtpTimestamp: hdr.Timestamp,
			data:         make([]byte, s.frameSize),
			firstSeenAt:  time.Unix(0, nowNs),
		}
	}

	offset := int(srd.LineNumber)*s.rowBytes + int(srd.Offset)
	s.copyChunk(offset, chunk)
	s.current.written += len(chunk)
	s.stats.PacketsReceived++

	if hdr.Marker {
		s.current.markerSeen = true
	}

	if s.frameComplete(s.current, nowNs) {
		s.deliverFrame(s.current, nowNs, hdr.Timestamp)
		s.current = nil
	}

	return nil
}

// copyChunk writes chunk into the current context's buffer at offset, via
// the DMA lender when available or a plain CPU copy otherwise (§4.9).
func (s *RXVideoSession) copyChunk(offset int, chunk []byte) {
	end := offset + len(chunk)
	if end > len(s.current.data) {
		end = len(s.current.data)
		chunk = chunk[:end-offset]
	}
	copy(s.current.data[offset:end], chunk)
	if s.dmaLender != nil {
		_ = s.dmaLender.Submit(s.current.data[offset:end])
	}
}

// frameComplete implements §4.9's "marker packet seen and either all
// expected packets arrived or a full frame-time has elapsed".
func (s *RXVideoSession) frameComplete(ctx *reassemblyContext, nowNs int64) bool {
	if !ctx.markerSeen {
		return false
	}
	if ctx.written >= s.frameSize {
		return true
	}
	return time.Unix(0, nowNs).Sub(ctx.firstSeenAt) >= s.frameTime
}

// CheckTimeout should be called periodically (e.g. once per scheduler tick)
// to complete a frame whose marker was seen but whose frame-time has since
// elapsed without a new frame's first packet arriving yet.
func (s *RXVideoSession) CheckTimeout(nowNs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.frameComplete(s.current, nowNs) {
		s.deliverFrame(s.current, nowNs, s.current.rtpTimestamp)
		s.current = nil
	}
}

// deliverFrame publishes the completed frame into the application-facing
// ring and updates latency accounting. Caller must hold s.mu.
func (s *RXVideoSession) deliverFrame(ctx *reassemblyContext, nowNs int64, rtpTimestamp uint32) {
	fb, ok := s.ring.AcquireFree()
	if ok {
		copy(fb.Data, ctx.data)
		_ = s.ring.Publish(fb)
	}
	s.stats.FramesReceived++

	rtpNs := int64(rtpTimestamp) * int64(time.Second) / int64(rtpwire.VideoClockHz)
	latency := nowNs - rtpNs
	if s.latencyAvgNs == 0 {
		s.latencyAvgNs = latency
	} else {
		s.latencyAvgNs = (s.latencyAvgNs*7 + latency) / 8
	}
	s.stats.LatencyAvgNs = s.latencyAvgNs
}

// ReceiveFrame blocks until a completed frame is available for the
// application.
func (s *RXVideoSession) ReceiveFrame() (*Framebuffer, bool) {
	return s.ring.AcquireReady()
}

// ReleaseFrame returns a consumed frame to Free.
func (s *RXVideoSession) ReleaseFrame(fb *Framebuffer) error {
	return s.ring.Release(fb)
}

// Close implements `destroy(handle)`: it wakes any blocked ReceiveFrame
// waiter.
func (s *RXVideoSession) Close() error {
	s.ring.Close()
	return nil
}

// ClassifyTiming records a packet's arrival delta against the ideal
// per-packet schedule and returns its SMPTE compliance class (§4.9 "timing
// parser"). idealIntervalNs is the expected inter-packet gap; actualGapNs is
// the observed gap since the previous packet.
func (s *RXVideoSession) ClassifyTiming(idealIntervalNs, actualGapNs int64) TimingClass {
	delta := actualGapNs - idealIntervalNs
	if delta < 0 {
		delta = -delta
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var class TimingClass
	switch {
	case delta <= idealIntervalNs/10:
		class = TimingNarrow
		s.stats.TimingNarrowCount++
	case delta <= idealIntervalNs:
		class = TimingWide
		s.stats.TimingWideCount++
	default:
		class = TimingFail
		s.stats.TimingFailCount++
	}
	return class
}

// Stats returns a snapshot of the session's cumulative statistics.
func (s *RXVideoSession) Stats() RXStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
