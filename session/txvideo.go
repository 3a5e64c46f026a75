package session

import (
	"net"
	"time"

	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/pacing"
	"github.com/mediatransport/mtl/port"
	"github.com/mediatransport/mtl/rtpwire"
	"github.com/sirupsen/logrus"
)

// TXVideoSession implements the §4.7 ST 2110-20 TX video session: RFC 4175
// packetization with pixel-group alignment, epoch-aligned pacing, and
// optional ST 2022-7 redundancy across two ports driven from one send loop.
type TXVideoSession struct {
	*txCommon

	cfg       mtlcfg.VideoSessionConfig
	rowBytes  int
	chunkSize int // payload bytes per packet, a multiple of pgroup.SizeBytes

	source FrameSource
}

// NewTXVideoSession builds a TX video session. primary is the session's
// mandatory port/destination; redundant is non-nil only when cfg.RedundantPort
// is set.
func NewTXVideoSession(cfg mtlcfg.VideoSessionConfig, ssrc uint32, primaryQueue *port.TXQueue, primaryDst net.Addr, redundantQueue *port.TXQueue, redundantDst net.Addr, source FrameSource) (*TXVideoSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	chunkSize := (cfg.PayloadSize / cfg.PixelGroup.SizeBytes) * cfg.PixelGroup.SizeBytes
	if chunkSize == 0 {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "session.new_tx_video", "payload size too small for pixel group")
	}
	rowBytes := (cfg.Width / cfg.PixelGroup.CoveragePx) * cfg.PixelGroup.SizeBytes

	frameSize := rowBytes * cfg.Height
	ring, err := NewRing(cfg.FramebufferCount, frameSize)
	if err != nil {
		return nil, err
	}

	numPackets := (frameSize + chunkSize - 1) / chunkSize
	frameTime := time.Duration(float64(time.Second) / cfg.FPS)
	pacer, err := pacing.NewEngine(pacing.Profile{
		Way:         toPacingWay(cfg.Pacing),
		FrameTime:   frameTime,
		NumPackets:  numPackets,
		StartVRX:    cfg.StartVRX,
		PadInterval: cfg.PadInterval,
	})
	if err != nil {
		return nil, err
	}

	var redundant *txPort
	if cfg.RedundantPort {
		if redundantQueue == nil || redundantDst == nil {
			return nil, mtlerr.New(mtlerr.InvalidArgument, "session.new_tx_video", "redundant_port set but no redundant queue/destination given")
		}
		redundant = &txPort{queue: redundantQueue, dst: redundantDst}
	}

	log := logrus.WithFields(logrus.Fields{"component": "session", "kind": "tx_video", "session": cfg.Name})
	return &TXVideoSession{
		txCommon:  newTXCommon(ring, pacer, ssrc, cfg.PayloadType, txPort{queue: primaryQueue, dst: primaryDst}, redundant, log),
		cfg:       cfg,
		rowBytes:  rowBytes,
		chunkSize: chunkSize,
		source:    source,
	}, nil
}

func toPacingWay(w mtlcfg.PacingWay) pacing.Way {
	switch w {
	case mtlcfg.PacingWide:
		return pacing.Wide
	case mtlcfg.PacingLinear:
		return pacing.Linear
	case mtlcfg.PacingTSC:
		return pacing.TSC
	case mtlcfg.PacingTSCNarrow:
		return pacing.TSCNarrow
	case mtlcfg.PacingPTP:
		return pacing.PTP
	case mtlcfg.PacingBestEffort:
		return pacing.BestEffort
	default:
		return pacing.Narrow
	}
}

// AcquireFrame returns the next Free framebuffer slot for the caller to fill
// via source, or ResourceExhausted if none is free.
func (s *TXVideoSession) AcquireFrame() (*Framebuffer, error) {
	fb, ok := s.ring.AcquireFree()
	if !ok {
		return nil, mtlerr.New(mtlerr.ResourceExhausted, "session.tx_video.acquire_frame", "no free framebuffer slot")
	}
	n, _, err := s.source.NextFrame(fb.Data)
	if err != nil {
		return nil, err
	}
	fb.Data = fb.Data[:n]
	return fb, nil
}

// TransmitFrame packetizes and sends a Ready (just-published) framebuffer,
// then releases it back to Free. rtpTimestamp is the frame's 90 kHz media
// clock value; when cfg.UserTimestamps is set the caller derives it from
// tai90k(userTaiNs) before calling TransmitFrame.
func (s *TXVideoSession) TransmitFrame(epoch time.Time, rtpTimestamp uint32) error {
	fb, ok := s.ring.AcquireReady()
	if !ok {
		return mtlerr.New(mtlerr.IoFailure, "session.tx_video.transmit_frame", "ring closed")
	}
	defer func() {
		_ = s.ring.Release(fb)
	}()

	packets := s.packetize(fb.Data, rtpTimestamp)
	departures := s.pacer.DepartureTimes(epoch)

	for i, pkt := range packets {
		if i < len(departures) {
			sleepUntil(departures[i])
		}
		s.sendOnBothPorts(pkt)
		if s.pacer.ShouldPad(i) {
			s.sendOnBothPorts(s.padPacket())
		}
	}

	s.mu.Lock()
	s.stats.FramesSent++
	s.mu.Unlock()
	return nil
}

// packetize slices frame into RFC 4175 SRD-framed RTP packets, aligned to
// the session's pixel-group chunk size, with the marker bit set on the last
// packet (§4.7).
func (s *TXVideoSession) packetize(frame []byte, rtpTimestamp uint32) [][]byte {
	var packets [][]byte
	offset := 0
	for offset < len(frame) {
		end := offset + s.chunkSize
		if end > len(frame) {
			end = len(frame)
		}
		chunk := frame[offset:end]

		line := uint16(offset / s.rowBytes)
		lineOffset := uint16(offset % s.rowBytes)
		marker := end >= len(frame)

		srd := rtpwire.MarshalSRD(rtpwire.SRDHeader{
			Length:     uint16(len(chunk)),
			LineNumber: line,
			Offset:     lineOffset,
		})

		seq, _ := s.nextSeq()
		hdr := rtpwire.BuildRTPHeader(s.payloadType, seq, rtpTimestamp, s.ssrc, marker)
		payload := append(append([]byte{}, srd...), chunk...)
		pkt, err := rtpwire.MarshalRTP(hdr, payload)
		if err == nil {
			packets = append(packets, pkt)
		}

		offset = end
	}
	return packets
}

// padPacket builds a zero-length payload marker-clear packet used to fill a
// pad_interval slot (§4.7 "VRX and pad").
func (s *TXVideoSession) padPacket() []byte {
	seq, _ := s.nextSeq()
	hdr := rtpwire.BuildRTPHeader(s.payloadType, seq, 0, s.ssrc, false)
	pkt, _ := rtpwire.MarshalRTP(hdr, nil)
	return pkt
}

// ConfigureRateLimit attempts to install a NIC-side shaper for this
// session's TX queue; on rejection it falls back to TSC pacing (§4.7).
func (s *TXVideoSession) ConfigureRateLimit(ifc *port.Interface, queueIdx int, bps uint64) {
	if err := ifc.ConfigureRateLimit(queueIdx, bps); err != nil {
		s.applyRateLimitFallback()
	}
}
