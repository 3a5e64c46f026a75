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

// defaultReorderWindow is the §4.11 default merge window.
const defaultReorderWindow = 10 * time.Millisecond

// RedundantPort identifies which leg of an ST 2022-7 pair a packet arrived
// on.
type RedundantPort int

const (
	PortP RedundantPort = iota
	PortR
)

// mergeEntry is one RTP-timestamp-keyed partial frame record (§4.11).
type mergeEntry struct {
	data        []byte
	written     int
	arrivedP    bool
	arrivedR    bool
	firstSeenNs int64
}

// RX2022_7Stats is the subset of the §7 stats interface an ST 2022-7
// redundant session reports.
type RX2022_7Stats struct {
	MergedFrames  uint64
	DroppedFrames uint64
	GapsP         uint64
	GapsR         uint64
}

// RX2022_7Session merges two single-port ST 2110-20 receivers into one
// output stream, keyed on RTP timestamp (§4.11, §3). Packets for the same
// timestamp arriving on either port are reassembled into a shared entry;
// the merged frame is delivered on the first port's marker completion or,
// failing that, when the reorder window expires.
type RX2022_7Session struct {
	mu sync.Mutex

	id string

	cfg       mtlcfg.VideoSessionConfig
	rowBytes  int
	frameSize int

	reorderWindow time.Duration

	entries map[uint32]*mergeEntry

	lastWireSeqP, lastWireSeqR uint16
	seenP, seenR               bool

	ring *Ring

	time  mtltime.Provider
	stats RX2022_7Stats
	log   *logrus.Entry
}

// NewRX2022_7Session builds a redundant RX session merging two receivers of
// cfg's stream shape. A zero reorderWindow uses the §4.11 default of 10ms.
func NewRX2022_7Session(cfg mtlcfg.VideoSessionConfig, reorderWindow time.Duration) (*RX2022_7Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reorderWindow <= 0 {
		reorderWindow = defaultReorderWindow
	}
	rowBytes := (cfg.Width / cfg.PixelGroup.CoveragePx) * cfg.PixelGroup.SizeBytes
	frameSize := rowBytes * cfg.Height
	ring, err := NewRing(cfg.FramebufferCount, frameSize)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &RX2022_7Session{
		id:            id,
		cfg:           cfg,
		rowBytes:      rowBytes,
		frameSize:     frameSize,
		reorderWindow: reorderWindow,
		entries:       make(map[uint32]*mergeEntry),
		ring:          ring,
		time:          mtltime.GetDefaultProvider(),
		log:           logrus.WithFields(logrus.Fields{"component": "session", "kind": "rx_2022_7", "session": cfg.Name, "session_id": id}),
	}, nil
}

// ID returns the session's process-unique identifier (§7 stats interface).
func (s *RX2022_7Session) ID() string {
	return s.id
}

// OnPacket ingests one RTP packet received on leg, merging it into its
// RTP-timestamp entry and counting a per-port gap if its wire sequence
// jumped (§4.11 "the merger counts gaps by port so path asymmetry is
// observable").
func (s *RX2022_7Session) OnPacket(leg RedundantPort, pkt []byte, nowNs int64) error {
	hdr, payload, err := rtpwire.UnmarshalRTP(pkt)
	if err != nil {
		return mtlerr.Wrap(mtlerr.ProtocolError, "session.rx_2022_7.on_packet", err)
	}
	if len(payload) < rtpwire.SRDHeaderSize {
		return mtlerr.New(mtlerr.ProtocolError, "session.rx_2022_7.on_packet", "payload shorter than SRD header")
	}
	srd, err := rtpwire.UnmarshalSRD(payload)
	if err != nil {
		return mtlerr.Wrap(mtlerr.ProtocolError, "session.rx_2022_7.on_packet", err)
	}
	chunk := payload[rtpwire.SRDHeaderSize:]

	s.mu.Lock()
	defer s.mu.Unlock()

	s.countGap(leg, hdr.SequenceNumber)
	s.evictExpired(nowNs)

	entry, ok := s.entries[hdr.Timestamp]
	if !ok {
		entry = &mergeEntry{data: make([]byte, s.frameSize), firstSeenNs: nowNs}
		s.entries[hdr.Timestamp] = entry
	}

	offset := int(srd.LineNumber)*s.rowBytes + int(srd.Offset)
	end := offset + len(chunk)
	if end <= len(entry.data) {
		copy(entry.data[offset:end], chunk)
		entry.written += len(chunk)
	}

	if hdr.Marker {
		switch leg {
		case PortP:
			entry.arrivedP = true
		case PortR:
			entry.arrivedR = true
		}
	}

	if entry.arrivedP || entry.arrivedR {
		s.deliver(hdr.Timestamp, entry)
	}
	return nil
}

// countGap tracks wire-sequence discontinuity per leg. Caller must hold
// s.mu.
func (s *RX2022_7Session) countGap(leg RedundantPort, wireSeq uint16) {
	switch leg {
	case PortP:
		if s.seenP && wireSeq != s.lastWireSeqP+1 {
			s.stats.GapsP++
		}
		s.lastWireSeqP = wireSeq
		s.seenP = true
	case PortR:
		if s.seenR && wireSeq != s.lastWireSeqR+1 {
			s.stats.GapsR++
		}
		s.lastWireSeqR = wireSeq
		s.seenR = true
	}
}

// evictExpired drops entries older than the reorder window that have not
// yet completed, counting them as dropped frames. Caller must hold s.mu.
func (s *RX2022_7Session) evictExpired(nowNs int64) {
	for ts, e := range s.entries {
		if nowNs-e.firstSeenNs > int64(s.reorderWindow) {
			delete(s.entries, ts)
			s.stats.DroppedFrames++
		}
	}
}

// deliver publishes the merged frame and removes its entry. Caller must
// hold s.mu.
func (s *RX2022_7Session) deliver(ts uint32, entry *mergeEntry) {
	if fb, ok := s.ring.AcquireFree(); ok {
		copy(fb.Data, entry.data)
		_ = s.ring.Publish(fb)
	}
	delete(s.entries, ts)
	s.stats.MergedFrames++
}

// ReceiveFrame blocks until a merged frame is available.
func (s *RX2022_7Session) ReceiveFrame() (*Framebuffer, bool) {
	return s.ring.AcquireReady()
}

// ReleaseFrame returns a consumed frame to Free.
func (s *RX2022_7Session) ReleaseFrame(fb *Framebuffer) error {
	return s.ring.Release(fb)
}

// Close implements `destroy(handle)`: it wakes any blocked ReceiveFrame
// waiter.
func (s *RX2022_7Session) Close() error {
	s.ring.Close()
	return nil
}

// Stats returns a snapshot of the session's cumulative statistics.
func (s *RX2022_7Session) Stats() RX2022_7Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
