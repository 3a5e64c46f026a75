// Package session implements the §4.7-§4.11 session state machines: the TX
// video/audio/ancillary/fastmetadata framebuffer pipeline and pacing
// integration, the RX video/audio reassembly paths, and the ST 2022-7
// redundant receiver merger. Every session kind shares the framebuffer state
// machine defined here (§3 "a framebuffer entry transitions Free -> Ready ->
// InTransmitting -> Free in that order").
package session

import (
	"sync"

	"github.com/mediatransport/mtl/mtlerr"
)

// FramebufferState is one slot's position in the §3 lifecycle.
type FramebufferState int

const (
	Free FramebufferState = iota
	Ready
	InTransmitting
)

func (s FramebufferState) String() string {
	switch s {
	case Free:
		return "free"
	case Ready:
		return "ready"
	case InTransmitting:
		return "in_transmitting"
	default:
		return "unknown"
	}
}

// Framebuffer is one pre-allocated slot in a session's ring.
type Framebuffer struct {
	Index int
	Data  []byte
	state FramebufferState
}

// State returns the framebuffer's current state.
func (f *Framebuffer) State() FramebufferState { return f.state }

// Ring is the producer/consumer framebuffer ring shared by every TX and RX
// session kind (§3). Producer advances only when leaving Ready; consumer
// advances only when entering InTransmitting. For an RX ring the same
// machinery is reused with "producer" meaning the reassembly path and
// "consumer" meaning the application-facing delivery path.
type Ring struct {
	mu        sync.Mutex
	cond      *sync.Cond
	slots     []*Framebuffer
	producer  int // next index the producer may write into
	consumer  int // next index the consumer may claim
	closed    bool
}

// NewRing allocates count slots of bufSize bytes each.
func NewRing(count, bufSize int) (*Ring, error) {
	if count <= 0 {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "session.new_ring", "framebuffer count must be positive")
	}
	r := &Ring{}
	r.cond = sync.NewCond(&r.mu)
	for i := 0; i < count; i++ {
		r.slots = append(r.slots, &Framebuffer{Index: i, Data: make([]byte, bufSize)})
	}
	return r, nil
}

// AcquireFree returns the next Free slot for the producer to fill. The
// producer index advances only once that slot becomes Ready, on the
// following Publish call, not here. AcquireFree itself performs no
// state transition, it only locates a candidate.
func (r *Ring) AcquireFree() (*Framebuffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < len(r.slots); i++ {
		idx := (r.producer + i) % len(r.slots)
		if r.slots[idx].state == Free {
			return r.slots[idx], true
		}
	}
	return nil, false
}

// Publish transitions a producer-filled slot Free->Ready and advances the
// producer index, per the §3 invariant that the producer only advances when
// leaving Ready (i.e. when a slot has just become Ready, the producer's next
// candidate moves forward).
func (r *Ring) Publish(f *Framebuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.state != Free {
		return mtlerr.New(mtlerr.InvalidArgument, "session.ring.publish", "slot is not Free")
	}
	f.state = Ready
	r.producer = (f.Index + 1) % len(r.slots)
	r.cond.Broadcast()
	return nil
}

// AcquireReady claims the next Ready slot and transitions it to
// InTransmitting, advancing the consumer index. It blocks on the ring's
// condition variable until a slot is Ready or the ring is closed.
func (r *Ring) AcquireReady() (*Framebuffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for i := 0; i < len(r.slots); i++ {
			idx := (r.consumer + i) % len(r.slots)
			if r.slots[idx].state == Ready {
				r.slots[idx].state = InTransmitting
				r.consumer = (idx + 1) % len(r.slots)
				return r.slots[idx], true
			}
		}
		if r.closed {
			return nil, false
		}
		r.cond.Wait()
	}
}

// Release transitions a slot back to Free, completing the lifecycle.
func (r *Ring) Release(f *Framebuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.state != InTransmitting {
		return mtlerr.New(mtlerr.InvalidArgument, "session.ring.release", "slot is not InTransmitting")
	}
	f.state = Free
	r.cond.Broadcast()
	return nil
}

// Close wakes any blocked AcquireReady waiters (§4.12 wake_block), used at
// session teardown.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}

// Len returns the number of slots in the ring.
func (r *Ring) Len() int { return len(r.slots) }
