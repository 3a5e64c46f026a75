package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/mtltime"
	"github.com/mediatransport/mtl/rtpwire"
	"github.com/sirupsen/logrus"
)

// ebuWindowSize is the §4.10 "per-1000-packet" EBU compliance reporting
// window.
const ebuWindowSize = 1000

// EBUClass classifies a 1000-packet window's compliance per configurable
// narrow/wide thresholds (§4.10).
type EBUClass int

const (
	EBUPassNarrow EBUClass = iota
	EBUPassWide
	EBUFail
)

// EBUThresholds configures the §4.10 narrow/wide classification boundaries,
// both expressed against the "Delta Packet vs. RTP" statistic.
type EBUThresholds struct {
	NarrowNs time.Duration
	WideNs   time.Duration
}

// RXAudioStats is the subset of the §7 stats interface an RX audio session
// reports.
type RXAudioStats struct {
	PacketsReceived  uint64
	WrongHdrDropped  uint64
	WindowsNarrow    uint64
	WindowsWide      uint64
	WindowsFail      uint64
	MaxDelayFactorNs int64
}

// RXAudioSession implements the §4.10 ST 2110-30/31 RX audio session: a
// per-packet path identical to video's but with framebuffers aggregated by
// ptime, plus EBU compliance reporting.
type RXAudioSession struct {
	mu sync.Mutex

	id string

	cfg         mtlcfg.AudioSessionConfig
	payloadType uint8
	frameTime   time.Duration
	thresholds  EBUThresholds

	ring *Ring

	windowCount          int
	windowDeltaSumNs     int64
	windowTDFSumNs       int64
	lastArrivalNs        int64
	haveLastArrival      bool
	expectedArrivalDelta int64

	time mtltime.Provider
	stats RXAudioStats
	log   *logrus.Entry
}

// NewRXAudioSession builds an RX audio session.
func NewRXAudioSession(cfg mtlcfg.AudioSessionConfig, thresholds EBUThresholds) (*RXAudioSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	frameSize := rtpwire.AudioFrameBytes(cfg.SamplingHz, cfg.Channels, cfg.SampleBits, cfg.PTime)
	ring, err := NewRing(cfg.FramebufferCount, frameSize)
	if err != nil {
		return nil, err
	}
	frameTime := time.Duration(cfg.PTime * float64(time.Millisecond))
	id := uuid.NewString()
	return &RXAudioSession{
		id:                   id,
		cfg:                  cfg,
		payloadType:          cfg.PayloadType,
		frameTime:            frameTime,
		thresholds:           thresholds,
		ring:                 ring,
		expectedArrivalDelta: int64(frameTime),
		time:                 mtltime.GetDefaultProvider(),
		log:                  logrus.WithFields(logrus.Fields{"component": "session", "kind": "rx_audio", "session": cfg.Name, "session_id": id}),
	}, nil
}

// ID returns the session's process-unique identifier (§7 stats interface).
func (s *RXAudioSession) ID() string {
	return s.id
}

// OnPacket processes one received RTP audio packet, delivering it directly
// to the application ring (one packet is one complete ptime frame) and
// folding its timing into the current EBU compliance window.
func (s *RXAudioSession) OnPacket(pkt []byte, nowNs int64) error {
	hdr, payload, err := rtpwire.UnmarshalRTP(pkt)
	if err != nil {
		s.mu.Lock()
		s.stats.WrongHdrDropped++
		s.mu.Unlock()
		return mtlerr.Wrap(mtlerr.ProtocolError, "session.rx_audio.on_packet", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if hdr.PayloadType != s.payloadType {
		s.stats.WrongHdrDropped++
		return mtlerr.New(mtlerr.ProtocolError, "session.rx_audio.on_packet", "unexpected payload type")
	}

	if fb, ok := s.ring.AcquireFree(); ok {
		n := copy(fb.Data, payload)
		fb.Data = fb.Data[:n]
		_ = s.ring.Publish(fb)
	}
	s.stats.PacketsReceived++

	s.foldTiming(hdr.Timestamp, nowNs)
	return nil
}

// foldTiming implements the §4.10 EBU compliance fold: "Delta Packet vs.
// RTP" is the deviation of the observed inter-arrival gap from the expected
// ptime cadence; "Timestamped Delay Factor" is the absolute value of that
// same deviation, reported as its largest value since the session was
// created (that maximum is not reset when a window closes).
func (s *RXAudioSession) foldTiming(rtpTimestamp uint32, nowNs int64) {
	if s.haveLastArrival {
		gap := nowNs - s.lastArrivalNs
		delta := gap - s.expectedArrivalDelta
		if delta < 0 {
			delta = -delta
		}
		s.windowDeltaSumNs += delta
		s.windowTDFSumNs += delta
		if delta > s.stats.MaxDelayFactorNs {
			s.stats.MaxDelayFactorNs = delta
		}
		s.windowCount++
	}
	s.lastArrivalNs = nowNs
	s.haveLastArrival = true

	if s.windowCount >= ebuWindowSize {
		s.closeWindow()
	}
}

// closeWindow classifies the just-completed window and resets accumulators.
// Caller must hold s.mu.
func (s *RXAudioSession) closeWindow() {
	avgDelta := time.Duration(s.windowDeltaSumNs / int64(s.windowCount))
	switch {
	case avgDelta <= s.thresholds.NarrowNs:
		s.stats.WindowsNarrow++
	case avgDelta <= s.thresholds.WideNs:
		s.stats.WindowsWide++
	default:
		s.stats.WindowsFail++
	}
	s.windowCount = 0
	s.windowDeltaSumNs = 0
	s.windowTDFSumNs = 0
}

// ReceiveFrame blocks until a completed audio frame is available.
func (s *RXAudioSession) ReceiveFrame() (*Framebuffer, bool) {
	return s.ring.AcquireReady()
}

// ReleaseFrame returns a consumed frame to Free.
func (s *RXAudioSession) ReleaseFrame(fb *Framebuffer) error {
	return s.ring.Release(fb)
}

// Close implements `destroy(handle)`: it wakes any blocked ReceiveFrame
// waiter.
func (s *RXAudioSession) Close() error {
	s.ring.Close()
	return nil
}

// Stats returns a snapshot of the session's cumulative statistics.
func (s *RXAudioSession) Stats() RXAudioStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
