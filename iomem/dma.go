package iomem

import (
	"sync"

	"github.com/mediatransport/mtl/mtlerr"
)

// maxDMALenders is the ceiling on how many sessions can share one DMA
// channel (§3 DMA lender).
const maxDMALenders = 8

// DropCallback is invoked when an inflight buffer borrowed by a lender is
// dropped instead of completed, e.g. on session teardown.
type DropCallback func(buf []byte)

// lenderState is one session's bookkeeping against a shared DMA channel.
type lenderState struct {
	borrowed int
	onDrop   DropCallback
}

// DMAChannel models a single hardware DMA copy-offload channel lent to up to
// maxDMALenders sessions (§3, §9). The parent arbitrates submission order and
// tracks in-flight buffers by reference count; a session only ever talks to
// its Lender handle, never the channel directly.
type DMAChannel struct {
	mu       sync.Mutex
	inflight [][]byte // in-flight mbufs, reference-counted at the owning pool
	lenders  map[int]*lenderState
	nextID   int
}

// NewDMAChannel creates an unlent DMA channel.
func NewDMAChannel() *DMAChannel {
	return &DMAChannel{lenders: make(map[int]*lenderState)}
}

// Lender is a session's handle to a shared DMA channel.
type Lender struct {
	ch *DMAChannel
	id int
}

// Lend grants a new Lender handle on ch, or ResourceExhausted once
// maxDMALenders sessions already hold one.
func (ch *DMAChannel) Lend(onDrop DropCallback) (*Lender, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.lenders) >= maxDMALenders {
		return nil, mtlerr.New(mtlerr.ResourceExhausted, "iomem.dma_lend", "no free DMA lender slots")
	}
	id := ch.nextID
	ch.nextID++
	ch.lenders[id] = &lenderState{onDrop: onDrop}
	return &Lender{ch: ch, id: id}, nil
}

// Submit enqueues buf for DMA copy, bumping its reference count for the
// duration of the transfer.
func (l *Lender) Submit(buf []byte) error {
	l.ch.mu.Lock()
	defer l.ch.mu.Unlock()
	st, ok := l.ch.lenders[l.id]
	if !ok {
		return mtlerr.New(mtlerr.InvalidArgument, "iomem.dma_submit", "lender has been released")
	}
	l.ch.inflight = append(l.ch.inflight, buf)
	st.borrowed++
	return nil
}

// Complete marks n previously-submitted buffers for this lender as done,
// decrementing its borrowed counter.
func (l *Lender) Complete(n int) {
	l.ch.mu.Lock()
	defer l.ch.mu.Unlock()
	st, ok := l.ch.lenders[l.id]
	if !ok {
		return
	}
	if n > st.borrowed {
		n = st.borrowed
	}
	st.borrowed -= n
	if len(l.ch.inflight) >= n {
		l.ch.inflight = l.ch.inflight[n:]
	}
}

// Borrowed reports how many buffers are currently in flight for this
// lender.
func (l *Lender) Borrowed() int {
	l.ch.mu.Lock()
	defer l.ch.mu.Unlock()
	if st, ok := l.ch.lenders[l.id]; ok {
		return st.borrowed
	}
	return 0
}

// Release drops every in-flight buffer still borrowed by this lender,
// invoking its drop callback for each, and frees the lender slot.
func (l *Lender) Release() {
	l.ch.mu.Lock()
	st, ok := l.ch.lenders[l.id]
	if !ok {
		l.ch.mu.Unlock()
		return
	}
	n := st.borrowed
	delete(l.ch.lenders, l.id)
	var dropped [][]byte
	if n > 0 && len(l.ch.inflight) >= n {
		dropped = append(dropped, l.ch.inflight[:n]...)
		l.ch.inflight = l.ch.inflight[n:]
	}
	onDrop := st.onDrop
	l.ch.mu.Unlock()

	if onDrop != nil {
		for _, buf := range dropped {
			onDrop(buf)
		}
	}
}

// InflightTotal reports the total number of buffers currently in flight
// across every lender of the channel.
func (ch *DMAChannel) InflightTotal() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.inflight)
}

// LenderCount reports the number of active lenders.
func (ch *DMAChannel) LenderCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.lenders)
}
