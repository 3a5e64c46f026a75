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

// TXAudioSession implements the §4.8 ST 2110-30/31 TX audio session: packet
// cadence derived from ptime, reusing §4.7's framebuffer state machine and
// pacing engine parameterized by the audio payload shape.
type TXAudioSession struct {
	*txCommon
	cfg       mtlcfg.AudioSessionConfig
	frameSize int
}

// NewTXAudioSession builds a TX audio session.
func NewTXAudioSession(cfg mtlcfg.AudioSessionConfig, ssrc uint32, primaryQueue *port.TXQueue, primaryDst net.Addr, source FrameSource) (*TXAudioSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	frameSize := rtpwire.AudioFrameBytes(cfg.SamplingHz, cfg.Channels, cfg.SampleBits, cfg.PTime)
	if frameSize <= 0 {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "session.new_tx_audio", "derived frame size is non-positive")
	}
	ring, err := NewRing(cfg.FramebufferCount, frameSize)
	if err != nil {
		return nil, err
	}

	way := toPacingWay(cfg.Pacing)
	pacer, err := pacing.NewEngine(pacing.Profile{
		Way:        way,
		FrameTime:  time.Duration(cfg.PTime * float64(time.Millisecond)),
		NumPackets: 1,
	})
	if err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{"component": "session", "kind": "tx_audio", "session": cfg.Name})
	return &TXAudioSession{
		txCommon:  newTXCommon(ring, pacer, ssrc, cfg.PayloadType, txPort{queue: primaryQueue, dst: primaryDst}, nil, log),
		cfg:       cfg,
		frameSize: frameSize,
	}, nil
}

// AcquireFrame returns the next Free framebuffer slot and fills it via
// source.
func (s *TXAudioSession) AcquireFrame(source FrameSource) (*Framebuffer, error) {
	fb, ok := s.ring.AcquireFree()
	if !ok {
		return nil, mtlerr.New(mtlerr.ResourceExhausted, "session.tx_audio.acquire_frame", "no free framebuffer slot")
	}
	n, _, err := source.NextFrame(fb.Data)
	if err != nil {
		return nil, err
	}
	fb.Data = fb.Data[:n]
	return fb, nil
}

// TransmitFrame sends one ptime-interval of audio as a single RTP packet.
func (s *TXAudioSession) TransmitFrame(rtpTimestamp uint32) error {
	fb, ok := s.ring.AcquireReady()
	if !ok {
		return mtlerr.New(mtlerr.IoFailure, "session.tx_audio.transmit_frame", "ring closed")
	}
	defer func() { _ = s.ring.Release(fb) }()

	seq, _ := s.nextSeq()
	hdr := rtpwire.BuildRTPHeader(s.payloadType, seq, rtpTimestamp, s.ssrc, true)
	pkt, err := rtpwire.MarshalRTP(hdr, fb.Data)
	if err != nil {
		return mtlerr.Wrap(mtlerr.ProtocolError, "session.tx_audio.transmit_frame", err)
	}
	s.sendOnBothPorts(pkt)

	s.mu.Lock()
	s.stats.FramesSent++
	s.mu.Unlock()
	return nil
}

// TXAncillarySession implements the §4.8 ST 2110-40 TX ancillary session:
// RFC 8331 packing, one UDP packet per subpacket when SplitByPacket is set,
// and a redundant-port delay for asymmetric-path testing.
type TXAncillarySession struct {
	*txCommon
	cfg mtlcfg.AncillarySessionConfig
}

// NewTXAncillarySession builds a TX ancillary session.
func NewTXAncillarySession(cfg mtlcfg.AncillarySessionConfig, ssrc uint32, primaryQueue *port.TXQueue, primaryDst net.Addr, redundantQueue *port.TXQueue, redundantDst net.Addr) (*TXAncillarySession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ring, err := NewRing(cfg.FramebufferCount, 0)
	if err != nil {
		return nil, err
	}
	pacer, err := pacing.NewEngine(pacing.Profile{Way: pacing.BestEffort, FrameTime: time.Millisecond, NumPackets: 1})
	if err != nil {
		return nil, err
	}

	var redundant *txPort
	if redundantQueue != nil {
		redundant = &txPort{queue: redundantQueue, dst: redundantDst}
	}

	log := logrus.WithFields(logrus.Fields{"component": "session", "kind": "tx_ancillary", "session": cfg.Name})
	return &TXAncillarySession{
		txCommon: newTXCommon(ring, pacer, ssrc, cfg.PayloadType, txPort{queue: primaryQueue, dst: primaryDst}, redundant, log),
		cfg:      cfg,
	}, nil
}

// TransmitANC sends a frame's worth of ANC subpackets, either as one packet
// (bundled) or one packet per subpacket (§4.8 "split ANC by packet"). The
// redundant leg's transmission is shifted by cfg.RedundantDelayNs to model
// asymmetric-path testing.
func (s *TXAncillarySession) TransmitANC(rtpTimestamp uint32, subpackets []rtpwire.ANCSubpacket) error {
	groups := [][]rtpwire.ANCSubpacket{subpackets}
	if s.cfg.SplitByPacket {
		groups = groups[:0]
		for _, sp := range subpackets {
			groups = append(groups, []rtpwire.ANCSubpacket{sp})
		}
	}

	for i, g := range groups {
		seq, _ := s.nextSeq()
		marker := i == len(groups)-1
		hdr := rtpwire.BuildRTPHeader(s.payloadType, seq, rtpTimestamp, s.ssrc, marker)
		pkt, err := rtpwire.MarshalRTP(hdr, rtpwire.MarshalANC(g))
		if err != nil {
			return mtlerr.Wrap(mtlerr.ProtocolError, "session.tx_ancillary.transmit", err)
		}
		s.sendOnLeg(s.primary, pkt)
		if s.redundant != nil {
			if s.cfg.RedundantDelayNs > 0 {
				time.Sleep(time.Duration(s.cfg.RedundantDelayNs))
			}
			s.sendOnLeg(*s.redundant, pkt)
		}
	}

	s.mu.Lock()
	s.stats.FramesSent++
	s.mu.Unlock()
	return nil
}

// TXFastMetadataSession implements the §4.8 ST 2110-41 fast-metadata
// session: an arbitrary opaque payload with a 32-bit header chunk.
type TXFastMetadataSession struct {
	*txCommon
	cfg mtlcfg.FastMetadataSessionConfig
}

// NewTXFastMetadataSession builds a TX fast-metadata session.
func NewTXFastMetadataSession(cfg mtlcfg.FastMetadataSessionConfig, ssrc uint32, primaryQueue *port.TXQueue, primaryDst net.Addr) (*TXFastMetadataSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ring, err := NewRing(cfg.FramebufferCount, 0)
	if err != nil {
		return nil, err
	}
	pacer, err := pacing.NewEngine(pacing.Profile{Way: pacing.BestEffort, FrameTime: time.Millisecond, NumPackets: 1})
	if err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{"component": "session", "kind": "tx_fastmetadata", "session": cfg.Name})
	return &TXFastMetadataSession{
		txCommon: newTXCommon(ring, pacer, ssrc, cfg.PayloadType, txPort{queue: primaryQueue, dst: primaryDst}, nil, log),
		cfg:      cfg,
	}, nil
}

// TransmitOpaque sends one opaque fast-metadata payload, 4-byte aligning it
// and prefixing the ST 2110-41 header chunk.
func (s *TXFastMetadataSession) TransmitOpaque(rtpTimestamp uint32, payload []byte) error {
	padded := payload
	for len(padded)%4 != 0 {
		padded = append(padded, 0)
	}
	if len(padded) > 0x3ff {
		return mtlerr.New(mtlerr.InvalidArgument, "session.tx_fastmetadata.transmit", "padded payload exceeds the 10-bit data item length field")
	}
	header, err := rtpwire.MarshalFastMetadataHeader(rtpwire.FastMetadataHeader{
		DataItemLength: uint16(len(padded)),
		DataItemType:   s.cfg.DataItemType,
		KBit:           s.cfg.KBit,
	})
	if err != nil {
		return mtlerr.Wrap(mtlerr.InvalidArgument, "session.tx_fastmetadata.transmit", err)
	}

	seq, _ := s.nextSeq()
	hdr := rtpwire.BuildRTPHeader(s.payloadType, seq, rtpTimestamp, s.ssrc, true)
	pkt, err := rtpwire.MarshalRTP(hdr, append(header, padded...))
	if err != nil {
		return mtlerr.Wrap(mtlerr.ProtocolError, "session.tx_fastmetadata.transmit", err)
	}
	s.sendOnBothPorts(pkt)

	s.mu.Lock()
	s.stats.FramesSent++
	s.mu.Unlock()
	return nil
}
