package pipeline

import (
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// OpusRXPlugin is an illustrative §4.12 frame-format plugin: it decodes an
// Opus-compressed audio frame into raw PCM samples before the frame reaches
// the application ring. ST 2110-30/31 carries uncompressed PCM on the wire,
// so this plugin is not exercised by any ST 2110 session; it demonstrates
// the hook a pixel-repacking or ST 2022-6 codec plugin would use in its
// place, following the same decode-then-deliver shape the pack's softphone
// audio path uses.
type OpusRXPlugin struct {
	decoder opus.Decoder
	// pcmBufBytes bounds the decode output buffer; 1920 samples (40ms at
	// 48kHz) covers every standard Opus frame duration.
	pcmBufBytes int
	log         *logrus.Entry
}

// NewOpusRXPlugin builds an RX-side plugin decoding incoming Opus frames to
// 16-bit PCM.
func NewOpusRXPlugin() *OpusRXPlugin {
	return &OpusRXPlugin{
		decoder:     opus.NewDecoder(),
		pcmBufBytes: 1920 * 2,
		log:         logrus.WithFields(logrus.Fields{"component": "pipeline", "plugin": "opus_rx"}),
	}
}

// Convert decodes one Opus frame into little-endian 16-bit PCM samples.
func (p *OpusRXPlugin) Convert(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "pipeline.opus_rx.convert", "empty opus frame")
	}
	out := make([]byte, p.pcmBufBytes)
	_, _, err := p.decoder.Decode(src, out)
	if err != nil {
		p.log.WithError(err).Warn("opus decode failed")
		return nil, mtlerr.Wrap(mtlerr.ProtocolError, "pipeline.opus_rx.convert", err)
	}
	return out, nil
}

