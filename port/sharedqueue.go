package port

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/rtpwire"
	"github.com/sirupsen/logrus"
)

// sessionRingSize is the per-session lock-free enqueue ring depth feeding a
// SharedTXQueue (§4.6).
const sessionRingSize = 64

// txPacket is one queued outbound packet awaiting a SharedTXQueue's next
// drain.
type txPacket struct {
	data []byte
	dst  net.Addr
}

// sessionTXRing is a single-producer/single-consumer ring: the owning
// session's tasklet is the only producer, a SharedTXQueue's drain loop is
// the only consumer, so head/tail need no mutex, only atomics (§5 "sessions
// enqueue into a per-session lock-free ring").
type sessionTXRing struct {
	buf  [sessionRingSize]txPacket
	head uint64
	tail uint64
}

func (r *sessionTXRing) push(pkt txPacket) bool {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail)
	if head-tail >= sessionRingSize {
		return false
	}
	r.buf[head%sessionRingSize] = pkt
	atomic.StoreUint64(&r.head, head+1)
	return true
}

func (r *sessionTXRing) pop() (txPacket, bool) {
	tail := atomic.LoadUint64(&r.tail)
	head := atomic.LoadUint64(&r.head)
	if tail == head {
		return txPacket{}, false
	}
	pkt := r.buf[tail%sessionRingSize]
	atomic.StoreUint64(&r.tail, tail+1)
	return pkt, true
}

// SessionKey identifies one session multiplexed onto a shared NIC queue by
// the tuple it registers with (§4.6 "each session registers a (dest-ip,
// dest-udp-port, payload-type) tuple").
type SessionKey struct {
	DstIP       string
	DstPort     int
	PayloadType uint8
}

// SharedTXHandle is the enqueue side a registered session holds; it never
// touches the underlying TXQueue directly once shared-queue mode is
// enabled (§5 concurrency model).
type SharedTXHandle struct {
	ring *sessionTXRing
}

// Enqueue places pkt onto the session's ring for the shared queue's next
// Flush to drain. It returns false without blocking when the ring is full,
// matching the facade's backpressure-without-error convention for a full
// descriptor ring.
func (h *SharedTXHandle) Enqueue(pkt []byte, dst net.Addr) bool {
	return h.ring.push(txPacket{data: pkt, dst: dst})
}

// SharedTXQueue multiplexes many sessions onto one NIC TX queue: a
// coalescing buffer drained in fair round-robin order across sessions once
// per scheduler tick (§4.6). The shared queue, not any individual session,
// becomes the queue's single writer (§5).
type SharedTXQueue struct {
	mu     sync.Mutex
	queue  *TXQueue
	order  []SessionKey
	rings  map[SessionKey]*sessionTXRing
	cursor int
	log    *logrus.Entry
}

// NewSharedTXQueue wraps queue for shared use by many sessions.
func NewSharedTXQueue(queue *TXQueue) *SharedTXQueue {
	return &SharedTXQueue{
		queue: queue,
		rings: make(map[SessionKey]*sessionTXRing),
		log:   logrus.WithFields(logrus.Fields{"component": "port", "kind": "shared_tx_queue"}),
	}
}

// Register admits a session identified by key, returning the handle it must
// enqueue through instead of calling the NIC queue directly.
func (s *SharedTXQueue) Register(key SessionKey) (*SharedTXHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rings[key]; exists {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "port.shared_tx_queue.register", fmt.Sprintf("session already registered for %+v", key))
	}
	ring := &sessionTXRing{}
	s.rings[key] = ring
	s.order = append(s.order, key)
	return &SharedTXHandle{ring: ring}, nil
}

// Unregister removes a session from the round-robin rotation.
func (s *SharedTXQueue) Unregister(key SessionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.cursor >= len(s.order) {
		s.cursor = 0
	}
}

// SessionCount reports how many sessions currently share the queue.
func (s *SharedTXQueue) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Flush drains at most one packet from each registered session's ring, in
// round-robin order starting where the previous call left off, and bursts
// them out the underlying NIC queue. It returns the number of packets
// actually sent. Starting from a rotating cursor each call, rather than
// always from index 0, is what keeps one session from starving another
// across repeated ticks (§4.6 "fair round-robin across sessions within a
// scheduler tick").
func (s *SharedTXQueue) Flush() (int, error) {
	s.mu.Lock()
	order := append([]SessionKey(nil), s.order...)
	cursor := s.cursor
	if len(order) > 0 {
		s.cursor = (cursor + 1) % len(order)
	}
	rings := s.rings
	s.mu.Unlock()

	if len(order) == 0 {
		return 0, nil
	}

	sent := 0
	for i := 0; i < len(order); i++ {
		key := order[(cursor+i)%len(order)]
		ring, ok := rings[key]
		if !ok {
			continue
		}
		pkt, ok := ring.pop()
		if !ok {
			continue
		}
		if _, err := s.queue.BurstSend([][]byte{pkt.data}, pkt.dst); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// SharedRXHandle is the delivery side a session registered on a
// SharedRXQueue polls for its demultiplexed packets.
type SharedRXHandle struct {
	mu    sync.Mutex
	inbox [][]byte
}

func (h *SharedRXHandle) deliver(pkt []byte) {
	h.mu.Lock()
	h.inbox = append(h.inbox, pkt)
	h.mu.Unlock()
}

// Drain returns and clears every packet demultiplexed to this session since
// the last call.
func (h *SharedRXHandle) Drain() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.inbox
	h.inbox = nil
	return out
}

// SharedRXQueue demultiplexes one NIC RX queue to many sessions (§4.6). The
// software substrate exposes only a packet's source address and its RTP
// payload type to distinguish flows sharing one socket (a real NIC's RSS
// engine hashes the full 5-tuple in hardware); this layer pins each
// payload type to the first source address it is seen from, so a second
// sender reusing a payload type already claimed by another source is
// reported as dropped rather than cross-delivered.
type SharedRXQueue struct {
	mu       sync.Mutex
	queue    *RXQueue
	handles  map[uint8]*SharedRXHandle
	pinned   map[uint8]string
	delivered uint64
	dropped   uint64
	log      *logrus.Entry
}

// NewSharedRXQueue wraps queue for demultiplexed use by many sessions.
func NewSharedRXQueue(queue *RXQueue) *SharedRXQueue {
	return &SharedRXQueue{
		queue:   queue,
		handles: make(map[uint8]*SharedRXHandle),
		pinned:  make(map[uint8]string),
		log:     logrus.WithFields(logrus.Fields{"component": "port", "kind": "shared_rx_queue"}),
	}
}

// RegisterByPayloadType admits a session keyed by its ST 2110 payload type.
func (s *SharedRXQueue) RegisterByPayloadType(pt uint8) (*SharedRXHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handles[pt]; exists {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "port.shared_rx_queue.register", fmt.Sprintf("payload type %d already registered", pt))
	}
	h := &SharedRXHandle{}
	s.handles[pt] = h
	return h, nil
}

// Unregister removes a session and its source pin.
func (s *SharedRXQueue) Unregister(pt uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, pt)
	delete(s.pinned, pt)
}

// Stats reports cumulative demultiplexer counts.
func (s *SharedRXQueue) Stats() (delivered, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered, s.dropped
}

// Poll reads one burst from the underlying NIC queue and demultiplexes
// each packet to its registered session, counting an unmatched or
// cross-source packet as dropped instead of delivering it to the wrong
// session (§4.6, §4.1 "single reader ... or the shared-queue
// demultiplexer").
func (s *SharedRXQueue) Poll(bufSize int, timeout time.Duration) (delivered, dropped int, err error) {
	bufs := [][]byte{make([]byte, bufSize)}
	n, addr, rerr := s.queue.BurstReceive(bufs, timeout)
	if rerr != nil {
		return 0, 0, rerr
	}
	if n == 0 {
		return 0, 0, nil
	}
	buf := bufs[0]

	hdr, _, perr := rtpwire.UnmarshalRTP(buf)
	if perr != nil {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return 0, 1, nil
	}

	src := ""
	if addr != nil {
		src = addr.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[hdr.PayloadType]
	if !ok {
		s.dropped++
		return 0, 1, nil
	}
	pinned, seen := s.pinned[hdr.PayloadType]
	if !seen {
		s.pinned[hdr.PayloadType] = src
	} else if pinned != src {
		s.dropped++
		return 0, 1, nil
	}

	h.deliver(buf)
	s.delivered++
	return 1, 0, nil
}
