package port

import (
	"net"
	"time"

	"github.com/mediatransport/mtl/mtlerr"
)

// TXQueue is one TX descriptor ring, acquired by exactly one owner at a
// time (§3 Interface invariant).
type TXQueue struct {
	idx   int
	owned bool
	conn  net.PacketConn
}

// Index returns the queue's index within its port.
func (q *TXQueue) Index() int { return q.idx }

// BurstSend transmits up to len(pkts) packets to dst, returning the number
// actually sent. A short count without an error means the substrate applied
// backpressure; the caller retries within the current scheduler tick
// (§4.7 failure semantics).
func (q *TXQueue) BurstSend(pkts [][]byte, dst net.Addr) (int, error) {
	sent := 0
	for _, pkt := range pkts {
		if _, err := q.conn.WriteTo(pkt, dst); err != nil {
			if sent > 0 {
				return sent, nil
			}
			return 0, mtlerr.Wrap(mtlerr.IoFailure, "port.burst_send", err)
		}
		sent++
	}
	return sent, nil
}

// RXQueue is one RX descriptor ring with at most one steering flow (§3
// Interface invariant).
type RXQueue struct {
	idx   int
	owned bool
	flow  *SteeringFlow
	conn  net.PacketConn
}

// Index returns the queue's index within its port.
func (q *RXQueue) Index() int { return q.idx }

// Flow returns the queue's installed steering flow, if any.
func (q *RXQueue) Flow() *SteeringFlow { return q.flow }

// BurstReceive reads up to len(bufs) packets, each sized to bufs[i], within
// timeout. It returns the number of packets received and the source address
// of the last one (callers needing per-packet addresses should size bufs to
// 1 and loop).
func (q *RXQueue) BurstReceive(bufs [][]byte, timeout time.Duration) (int, net.Addr, error) {
	if q.conn == nil {
		return 0, nil, mtlerr.New(mtlerr.IoFailure, "port.burst_receive", "queue has no backing connection")
	}
	_ = q.conn.SetReadDeadline(time.Now().Add(timeout))
	var lastAddr net.Addr
	n := 0
	for i := range bufs {
		read, addr, err := q.conn.ReadFrom(bufs[i])
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				break
			}
			if n > 0 {
				break
			}
			return 0, nil, mtlerr.Wrap(mtlerr.IoFailure, "port.burst_receive", err)
		}
		bufs[i] = bufs[i][:read]
		lastAddr = addr
		n++
	}
	return n, lastAddr, nil
}

// bindConn attaches a receiving connection to the queue; used by the shared
// RX queue layer and by test fixtures that don't go through Interface.New.
func (q *RXQueue) bindConn(conn net.PacketConn) { q.conn = conn }
