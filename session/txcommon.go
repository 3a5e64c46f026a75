package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/mtltime"
	"github.com/mediatransport/mtl/pacing"
	"github.com/mediatransport/mtl/port"
	"github.com/mediatransport/mtl/rtpwire"
	"github.com/sirupsen/logrus"
)

// sendRetries bounds the §4.7 "queue-full on send is retried within the
// tick" behavior: a send that reports zero packets accepted is attempted at
// most this many times in all before the packet is counted as dropped.
const sendRetries = 4

// Stats is the subset of the §7 stats interface a TX session reports.
type Stats struct {
	FramesSent          uint64
	PacketsSent         uint64
	QueueFullDrops      uint64
	RateLimitDowngraded bool
}

// txPort is one destination leg (primary or redundant) of a TX session. A
// leg sends directly on a dedicated TXQueue, or, when the owning port has
// shared_tx_queue enabled (§4.6), through a SharedTXHandle instead; exactly
// one of queue or shared is set.
type txPort struct {
	queue  *port.TXQueue
	shared *port.SharedTXHandle
	dst    net.Addr
}

// NewSharedTXPort builds a txPort that enqueues onto a SharedTXQueue rather
// than writing a dedicated NIC queue directly (§4.6 "sessions enqueue into
// a per-session lock-free ring").
func NewSharedTXPort(handle *port.SharedTXHandle, dst net.Addr) txPort {
	return txPort{shared: handle, dst: dst}
}

// txCommon holds the state every §4.7/§4.8 TX session kind shares: the
// framebuffer ring, the pacing engine, RTP sequence/SSRC state, the primary
// and optional redundant destination, and cumulative stats.
type txCommon struct {
	mu sync.Mutex

	// id is a process-unique identifier distinct from the operator-chosen
	// config name, used to correlate stats and log lines across sessions
	// that share a name across successive creates (e.g. in tests).
	id string

	ring   *Ring
	pacer  *pacing.Engine
	ssrc   uint32
	seq    uint16
	seqExt uint16

	payloadType uint8
	primary     txPort
	redundant   *txPort

	time mtltime.Provider
	log  *logrus.Entry

	stats Stats

	rateLimitWarned bool
}

func newTXCommon(ring *Ring, pacer *pacing.Engine, ssrc uint32, payloadType uint8, primary txPort, redundant *txPort, log *logrus.Entry) *txCommon {
	id := uuid.NewString()
	return &txCommon{
		id:          id,
		ring:        ring,
		pacer:       pacer,
		ssrc:        ssrc,
		payloadType: payloadType,
		primary:     primary,
		redundant:   redundant,
		time:        mtltime.GetDefaultProvider(),
		log:         log.WithField("session_id", id),
	}
}

// ID returns the session's process-unique identifier (§7 stats interface).
func (t *txCommon) ID() string {
	return t.id
}

// nextSeq returns the next 16-bit wire sequence number and its 16-bit
// frame-local wrap-disambiguation extension (§4.7).
func (t *txCommon) nextSeq() (seq, ext uint16) {
	seq = t.seq
	ext = t.seqExt
	if t.seq == 0xffff {
		t.seqExt++
	}
	t.seq++
	return seq, ext
}

// sendOnBothPorts transmits pkt to the primary leg and, if configured, the
// redundant leg with identical RTP state (§4.7 "every payload is emitted on
// both with identical RTP state"). It attempts a zero-accepted send up to
// sendRetries times in all within the caller's tick before counting a drop.
func (t *txCommon) sendOnBothPorts(pkt []byte) {
	t.sendOnLeg(t.primary, pkt)
	if t.redundant != nil {
		t.sendOnLeg(*t.redundant, pkt)
	}
}

func (t *txCommon) sendOnLeg(leg txPort, pkt []byte) {
	if leg.shared != nil {
		for attempt := 0; attempt < sendRetries; attempt++ {
			if leg.shared.Enqueue(pkt, leg.dst) {
				t.stats.PacketsSent++
				return
			}
		}
		t.stats.QueueFullDrops++
		return
	}
	for attempt := 0; attempt < sendRetries; attempt++ {
		n, err := leg.queue.BurstSend([][]byte{pkt}, leg.dst)
		if err != nil {
			t.log.WithError(err).Debug("tx burst send failed")
			continue
		}
		if n > 0 {
			t.stats.PacketsSent++
			return
		}
	}
	t.stats.QueueFullDrops++
}

// applyRateLimitFallback implements §4.7's "if the rate-limit configuration
// is rejected at runtime, the session transparently falls back to TSC
// pacing and emits a one-shot warning".
func (t *txCommon) applyRateLimitFallback() {
	if t.rateLimitWarned {
		return
	}
	prev := t.pacer.Downgrade()
	t.rateLimitWarned = true
	t.stats.RateLimitDowngraded = true
	t.log.WithField("previous_way", prev.String()).Warn("rate limit rejected at runtime, falling back to TSC pacing")
}

// UseSharedTXPort rebinds the session's primary leg onto a SharedTXQueue
// (§4.6), for callers that acquired a session against a port with
// shared_tx_queue enabled instead of a dedicated TXQueue.
func (t *txCommon) UseSharedTXPort(handle *port.SharedTXHandle, dst net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.primary = NewSharedTXPort(handle, dst)
}

// Stats returns a snapshot of the session's cumulative statistics.
func (t *txCommon) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Close implements the library API's `destroy(handle)` for every TX session
// kind: it wakes any blocked framebuffer waiters so the owning tasklet can
// unwind.
func (t *txCommon) Close() error {
	t.ring.Close()
	return nil
}

// sleepUntil blocks until t, or returns immediately if t has already passed.
// TXVideoSession.TransmitFrame calls it before each packet's planned
// departure time, whatever the session's pacing way.
func sleepUntil(t time.Time) {
	if d := time.Until(t); d > 0 {
		time.Sleep(d)
	}
}

// tai90k converts a TAI nanosecond timestamp to the 90 kHz media clock used
// by video, ancillary, and fast-metadata RTP timestamps (§4.7 "User
// timestamps").
func tai90k(taiNs int64) uint32 {
	return uint32((taiNs * int64(rtpwire.VideoClockHz) / int64(time.Second)) & 0xffffffff)
}

// FrameSource supplies successive frame payloads to a TX session. NextFrame
// fills buf and reports eof when the source has no more frames to emit
// before wrapping (§4.7 "A source EOF causes the cursor to wrap").
type FrameSource interface {
	NextFrame(buf []byte) (n int, eof bool, err error)
}

// sliceSource is a FrameSource that loops over a fixed in-memory frame,
// wrapping its cursor back to the start on every call. Used by tests and by
// the static-test-image scenario in §8.
type sliceSource struct {
	mu   sync.Mutex
	data []byte
}

// NewLoopingSliceSource returns a FrameSource that always serves the same
// frame, modeling a static test-image source that never truly reaches EOF.
func NewLoopingSliceSource(frame []byte) FrameSource {
	return &sliceSource{data: frame}
}

func (s *sliceSource) NextFrame(buf []byte) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(buf, s.data)
	if n < len(s.data) {
		return n, false, mtlerr.New(mtlerr.InvalidArgument, "session.slice_source", "buffer smaller than frame")
	}
	return n, false, nil
}
