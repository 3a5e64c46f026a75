// Package port implements the §4.1 packet I/O facade: a uniform send/receive
// and hardware-timestamp/rate-limit API over a poll-mode-driver-like
// substrate. Go has no portable binding to a kernel-bypass NIC driver, so
// this package is built over net.PacketConn (UDP). The facade's exported
// surface is written exactly as a DPDK/AF_XDP binding would implement it,
// so swapping the transport later does not change any caller.
package port

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/sirupsen/logrus"
)

// vfBaselineRateBps is the baseline rate installed on the VF "default" leaf
// so every TX queue carries a rate limit even before a session claims one
// (§4.1 edge case: VFs require every TX queue to be rate-limited).
const vfBaselineRateBps = 1_000_000_000

// Feature is a capability bit reported by a driver class (§3 Interface).
type Feature int

const (
	FeatureMultiSegmentTX Feature = iota
	FeatureIPv4ChecksumOffload
	FeatureRXHWTimestamp
	FeatureRuntimeRXQueueSetup
	FeatureHeaderSplit
)

// Interface is one NIC port (§3).
type Interface struct {
	mu sync.Mutex

	Name       string
	NumaSocket int
	Driver     mtlcfg.DriverClass
	features   map[Feature]bool

	conn net.PacketConn

	txQueues []*TXQueue
	rxQueues []*RXQueue

	rss mtlcfg.RSSMode

	sharedTX *SharedTXQueue
	sharedRX *SharedRXQueue

	rateLimiter *rateLimitHierarchy

	mcastMACs map[[6]byte]struct{}

	started bool

	log *logrus.Entry
}

// New creates an Interface bound to listenAddr (simulating the NIC's MAC
// address space via a UDP socket) with the given feature set.
func New(cfg mtlcfg.PortConfig, listenAddr string, features map[Feature]bool) (*Interface, error) {
	if features == nil {
		features = make(map[Feature]bool)
	}
	if cfg.HeaderSplit && !features[FeatureHeaderSplit] {
		return nil, mtlerr.New(mtlerr.NotSupported, "port.new", "header split requested but driver lacks FeatureHeaderSplit")
	}
	ifc := &Interface{
		Name:        cfg.Name,
		NumaSocket:  cfg.NumaSocket,
		Driver:      cfg.Driver,
		features:    features,
		rss:         cfg.RSS,
		rateLimiter: newRateLimitHierarchy(),
		mcastMACs:   make(map[[6]byte]struct{}),
		log:         logrus.WithFields(logrus.Fields{"component": "port", "port": cfg.Name}),
	}

	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, mtlerr.Wrap(mtlerr.IoFailure, "port.new", err)
	}
	ifc.conn = conn

	for i := 0; i < cfg.TxQueues; i++ {
		ifc.txQueues = append(ifc.txQueues, &TXQueue{idx: i, conn: conn})
	}
	for i := 0; i < cfg.RxQueues; i++ {
		q := &RXQueue{idx: i}
		q.bindConn(conn)
		ifc.rxQueues = append(ifc.rxQueues, q)
	}

	if cfg.Driver == mtlcfg.DriverVF {
		for i := range ifc.txQueues {
			if err := ifc.rateLimiter.setLeafRate(i, vfBaselineRateBps); err != nil {
				return nil, mtlerr.Wrap(mtlerr.IoFailure, "port.new", err)
			}
		}
	}

	// §4.6: when enabled, queue 0 becomes the shared layer's exclusive
	// writer/reader, so it is reserved here rather than left available to
	// AcquireTXQueue/AcquireRXQueue.
	if cfg.SharedTxQueue {
		if len(ifc.txQueues) == 0 {
			return nil, mtlerr.New(mtlerr.InvalidArgument, "port.new", "shared_tx_queue requires at least one tx queue")
		}
		ifc.txQueues[0].owned = true
		ifc.sharedTX = NewSharedTXQueue(ifc.txQueues[0])
	}
	if cfg.SharedRxQueue {
		if len(ifc.rxQueues) == 0 {
			return nil, mtlerr.New(mtlerr.InvalidArgument, "port.new", "shared_rx_queue requires at least one rx queue")
		}
		ifc.rxQueues[0].owned = true
		ifc.sharedRX = NewSharedRXQueue(ifc.rxQueues[0])
	}

	return ifc, nil
}

// SharedTXQueue returns the port's shared TX multiplexer, or nil when
// shared_tx_queue was not enabled in its config.
func (ifc *Interface) SharedTXQueue() *SharedTXQueue {
	return ifc.sharedTX
}

// SharedRXQueue returns the port's shared RX demultiplexer, or nil when
// shared_rx_queue was not enabled in its config. RSS mode None (the
// default) and the hardware-steering modes L3/L3_L4 both resolve to this
// same software demultiplexer in the UDP-backed substrate, since there is
// no hardware RSS engine to delegate to; RSSMode is retained on the
// Interface purely for inspection/reporting parity with a real driver.
func (ifc *Interface) SharedRXQueue() *SharedRXQueue {
	return ifc.sharedRX
}

// RSS returns the port's configured RSS steering mode.
func (ifc *Interface) RSS() mtlcfg.RSSMode {
	return ifc.rss
}

// HasFeature reports whether the port's driver offers a capability.
func (ifc *Interface) HasFeature(f Feature) bool {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.features[f]
}

// Start marks the port as running. In the UDP-backed substrate the socket
// is already live after New; Start is the hook a real poll-mode driver would
// use to begin polling the RX ring.
func (ifc *Interface) Start() error {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.started = true
	return nil
}

// Stop halts the port without releasing its resources, so Reset can bring it
// back up.
func (ifc *Interface) Stop() error {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.started = false
	return nil
}

// Reset implements the §4.1 link-bounce recovery path: stop, re-configure,
// re-start, and re-apply flows, rate limits, and multicast MACs.
func (ifc *Interface) Reset() error {
	ifc.mu.Lock()
	mcasts := make([][6]byte, 0, len(ifc.mcastMACs))
	for m := range ifc.mcastMACs {
		mcasts = append(mcasts, m)
	}
	ifc.mu.Unlock()

	if err := ifc.Stop(); err != nil {
		return err
	}
	if err := ifc.rateLimiter.reapplyAll(); err != nil {
		return mtlerr.Wrap(mtlerr.IoFailure, "port.reset", err)
	}
	if err := ifc.Start(); err != nil {
		return err
	}

	ifc.mu.Lock()
	for _, m := range mcasts {
		ifc.mcastMACs[m] = struct{}{}
	}
	ifc.mu.Unlock()
	ifc.log.Info("port reset complete")
	return nil
}

// SetMulticastMACList replaces the port's joined multicast MAC set.
func (ifc *Interface) SetMulticastMACList(macs [][6]byte) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.mcastMACs = make(map[[6]byte]struct{}, len(macs))
	for _, m := range macs {
		ifc.mcastMACs[m] = struct{}{}
	}
}

// AcquireTXQueue claims ownership of TX queue idx; only one owner may hold a
// queue at a time (§3 Interface invariant).
func (ifc *Interface) AcquireTXQueue(idx int) (*TXQueue, error) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if idx < 0 || idx >= len(ifc.txQueues) {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "port.acquire_tx_queue", "queue index out of range")
	}
	q := ifc.txQueues[idx]
	if q.owned {
		return nil, mtlerr.New(mtlerr.ResourceExhausted, "port.acquire_tx_queue", "queue already owned")
	}
	q.owned = true
	return q, nil
}

// ReleaseTXQueue releases ownership of a previously acquired TX queue.
func (ifc *Interface) ReleaseTXQueue(idx int) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if idx >= 0 && idx < len(ifc.txQueues) {
		ifc.txQueues[idx].owned = false
	}
}

// AcquireRXQueue claims ownership of RX queue idx and, if flow is non-nil,
// installs it as that queue's single steering flow (§3 invariant).
func (ifc *Interface) AcquireRXQueue(idx int, flow *SteeringFlow) (*RXQueue, error) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if idx < 0 || idx >= len(ifc.rxQueues) {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "port.acquire_rx_queue", "queue index out of range")
	}
	q := ifc.rxQueues[idx]
	if q.owned {
		return nil, mtlerr.New(mtlerr.ResourceExhausted, "port.acquire_rx_queue", "queue already owned")
	}
	q.owned = true
	q.flow = flow
	return q, nil
}

// ReleaseRXQueue releases ownership of a previously acquired RX queue.
func (ifc *Interface) ReleaseRXQueue(idx int) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if idx >= 0 && idx < len(ifc.rxQueues) {
		ifc.rxQueues[idx].owned = false
		ifc.rxQueues[idx].flow = nil
	}
}

// ConfigureRateLimit installs a shaper of bps on TX queue idx. On failure
// the caller must fall back to software (TSC) pacing and report a
// capability downgrade (§4.1, §7 Transient).
func (ifc *Interface) ConfigureRateLimit(idx int, bps uint64) error {
	return ifc.rateLimiter.setLeafRate(idx, bps)
}

// RateLimitOf returns the currently assigned bps for TX queue idx.
func (ifc *Interface) RateLimitOf(idx int) (uint64, bool) {
	return ifc.rateLimiter.rateOf(idx)
}

// SharedShaperCount reports the number of distinct shaper nodes in the
// port's rate-limit hierarchy.
func (ifc *Interface) SharedShaperCount() int {
	return ifc.rateLimiter.sharedShaperCount()
}

// SteeringFlow matches incoming packets to one RX queue, either by 5-tuple
// or by a raw match expression (§4.1).
type SteeringFlow struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort int
	Proto            uint8
	RawMatch         []byte
}

// Close releases the underlying socket.
func (ifc *Interface) Close() error {
	return ifc.conn.Close()
}

// LocalAddr returns the port's bound socket address, used by callers that
// need to address this port as a destination (e.g. session tests driving
// loopback traffic).
func (ifc *Interface) LocalAddr() net.Addr {
	return ifc.conn.LocalAddr()
}

// pollHWTimestamp models the §9 hardware-timestamp register race: it polls
// for up to 50us in 1us steps, and on a miss returns ok=false so the caller
// can substitute a software timestamp and count the miss as a transient
// condition rather than stalling.
func pollHWTimestamp(read func() (time.Time, bool)) (time.Time, bool) {
	deadline := time.Now().Add(50 * time.Microsecond)
	for {
		if ts, ok := read(); ok {
			return ts, true
		}
		if time.Now().After(deadline) {
			return time.Time{}, false
		}
		time.Sleep(1 * time.Microsecond)
	}
}

// ReadTXTimestamp attempts a bounded-poll read of the TX hardware timestamp
// register for the most recently sent packet. read is the driver-specific
// register accessor (nil in the UDP-backed substrate, which has no such
// register and always misses).
func (ifc *Interface) ReadTXTimestamp(read func() (time.Time, bool)) (time.Time, bool) {
	if read == nil {
		return time.Time{}, false
	}
	return pollHWTimestamp(read)
}

func (ifc *Interface) String() string {
	return fmt.Sprintf("port(%s,%s)", ifc.Name, ifc.Driver)
}
