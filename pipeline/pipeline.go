// Package pipeline implements the §4.12 frame-API layer sitting above a raw
// TX or RX session: a blocking producer/consumer buffer ring in the
// application's own frame format, with an optional plugin converting between
// that format and the on-wire format the underlying session speaks.
package pipeline

import (
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/session"
)

// Direction distinguishes a TX pipeline (application fills frames for
// transmission) from an RX pipeline (application drains received frames).
type Direction int

const (
	TX Direction = iota
	RX
)

// FramePlugin converts one frame between the application-visible format and
// the on-wire format a session speaks (§4.12 "convert frame format... e.g.
// ST 2022-6 codec, pixel re-packing"). For a TX pipeline src is
// application-format and the return value is wire-format; for an RX pipeline
// src is wire-format and the return value is application-format.
type FramePlugin interface {
	Convert(src []byte) ([]byte, error)
}

// Pipeline is the §4.12 buffer ring: `GetFrame`/`PutFrame` give the
// application a Free/Ready/InTransmitting-style handoff identical to the
// session layer's own ring, parameterized by direction and an optional
// format-conversion plugin.
type Pipeline struct {
	dir    Direction
	ring   *session.Ring
	plugin FramePlugin
}

// New builds a Pipeline of count slots, each sized for the application-visible
// frame (appFrameBytes), optionally chained through plugin.
func New(dir Direction, count, appFrameBytes int, plugin FramePlugin) (*Pipeline, error) {
	ring, err := session.NewRing(count, appFrameBytes)
	if err != nil {
		return nil, err
	}
	return &Pipeline{dir: dir, ring: ring, plugin: plugin}, nil
}

// GetFrame returns a writable buffer (TX) or a readable buffer (RX),
// blocking for RX until one is available; TX reports ResourceExhausted
// immediately if every slot is in flight. The TX side is non-blocking here
// because the caller already waits on the session's own ring before pulling
// the next frame.
func (p *Pipeline) GetFrame() (*session.Framebuffer, error) {
	if p.dir == TX {
		fb, ok := p.ring.AcquireFree()
		if !ok {
			return nil, mtlerr.New(mtlerr.ResourceExhausted, "pipeline.get_frame", "no free slot")
		}
		return fb, nil
	}
	fb, ok := p.ring.AcquireReady()
	if !ok {
		return nil, mtlerr.New(mtlerr.Fatal, "pipeline.get_frame", "pipeline closed")
	}
	return fb, nil
}

// PutFrame hands ownership back: TX marks the buffer Ready for the session
// to consume, RX marks it Free for reuse (§4.12).
func (p *Pipeline) PutFrame(fb *session.Framebuffer) error {
	if p.dir == TX {
		return p.ring.Publish(fb)
	}
	return p.ring.Release(fb)
}

// WakeBlock breaks any blocked GetFrame waiters on shutdown (§4.12).
func (p *Pipeline) WakeBlock() {
	p.ring.Close()
}

// NextFrame implements session.FrameSource: it pulls the next Ready
// application-format frame, applies the TX plugin if one is configured, and
// copies the (possibly converted) result into buf. A TX pipeline without a
// plugin passes the application frame through unchanged, the pass-through
// case for formats that already match the wire layout (e.g. ST 2110-30 PCM
// audio, which this library's sessions speak natively).
func (p *Pipeline) NextFrame(buf []byte) (int, bool, error) {
	fb, ok := p.ring.AcquireReady()
	if !ok {
		return 0, true, mtlerr.New(mtlerr.Fatal, "pipeline.next_frame", "pipeline closed")
	}
	defer func() { _ = p.ring.Release(fb) }()

	payload := fb.Data
	if p.plugin != nil {
		converted, err := p.plugin.Convert(fb.Data)
		if err != nil {
			return 0, false, mtlerr.Wrap(mtlerr.ProtocolError, "pipeline.next_frame", err)
		}
		payload = converted
	}
	n := copy(buf, payload)
	if n < len(payload) {
		return n, false, mtlerr.New(mtlerr.InvalidArgument, "pipeline.next_frame", "wire buffer smaller than converted frame")
	}
	return n, false, nil
}

// Deliver implements the RX-side counterpart: a received wire-format frame is
// pushed in, converted through the RX plugin if configured, and published
// into the pipeline's application-format ring for GetFrame.
func (p *Pipeline) Deliver(wireFrame []byte) error {
	payload := wireFrame
	if p.plugin != nil {
		converted, err := p.plugin.Convert(wireFrame)
		if err != nil {
			return mtlerr.Wrap(mtlerr.ProtocolError, "pipeline.deliver", err)
		}
		payload = converted
	}

	fb, ok := p.ring.AcquireFree()
	if !ok {
		return mtlerr.New(mtlerr.ResourceExhausted, "pipeline.deliver", "no free slot")
	}
	n := copy(fb.Data, payload)
	fb.Data = fb.Data[:n]
	return p.ring.Publish(fb)
}
