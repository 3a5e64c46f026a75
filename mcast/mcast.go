// Package mcast implements the §4.4 multicast controller: per-port group
// join/leave refcounting, periodic IGMPv3 refresh, and delegation to the OS
// socket stack for kernel-bound ports.
package mcast

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/mtltime"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// maxGroupsPerPort bounds the per-port group list per §4.4.
const maxGroupsPerPort = 64

// refreshInterval is the periodic IGMPv3 re-report period (§4.4).
const refreshInterval = 10 * time.Second

// GroupJoiner abstracts OS/NIC group membership so the controller is
// testable without a real socket. *net.UDPConn wrapped in ipv4.PacketConn
// satisfies a superset of this in production.
type GroupJoiner interface {
	JoinGroup(ifi *net.Interface, group net.Addr) error
	LeaveGroup(ifi *net.Interface, group net.Addr) error
}

// groupEntry is one joined multicast group on a port.
type groupEntry struct {
	ip       net.IP
	refcount int
}

// Controller is the per-port multicast group manager (§4.4).
type Controller struct {
	mu         sync.Mutex
	driver     mtlcfg.DriverClass
	joiner     GroupJoiner
	iface      *net.Interface
	groups     map[string]*groupEntry
	log        *logrus.Entry
	time       mtltime.Provider
	stopCh     chan struct{}
	stoppedWG  sync.WaitGroup
	reportFunc func(ip net.IP) // poll-mode-driver IGMPv3 report path, nil for kernel-bound ports
}

// New creates a Controller for one port. driver selects whether membership
// is delegated to the OS socket (kernel-bound) or must be driven explicitly
// by the poll-mode driver path (PF/VF/AF_XDP), in which case reportFunc
// builds and transmits the IGMPv3 report itself.
func New(driver mtlcfg.DriverClass, joiner GroupJoiner, iface *net.Interface, reportFunc func(ip net.IP)) *Controller {
	return &Controller{
		driver:     driver,
		joiner:     joiner,
		iface:      iface,
		groups:     make(map[string]*groupEntry),
		log:        logrus.WithFields(logrus.Fields{"component": "mcast"}),
		time:       mtltime.GetDefaultProvider(),
		reportFunc: reportFunc,
	}
}

// Join increments the refcount for group ip, joining it on the NIC/OS on
// first reference.
func (c *Controller) Join(ip net.IP, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ip.String()
	if e, ok := c.groups[key]; ok {
		e.refcount++
		return nil
	}
	if len(c.groups) >= maxGroupsPerPort {
		return mtlerr.New(mtlerr.ResourceExhausted, "mcast.join", "per-port group ceiling reached")
	}

	if c.driver == mtlcfg.DriverKernel {
		if c.joiner == nil {
			return mtlerr.New(mtlerr.NotSupported, "mcast.join", "no OS socket joiner configured")
		}
		addr := &net.UDPAddr{IP: ip, Port: port}
		if err := c.joiner.JoinGroup(c.iface, addr); err != nil {
			return mtlerr.Wrap(mtlerr.IoFailure, "mcast.join", err)
		}
	} else if c.reportFunc != nil {
		c.reportFunc(ip)
	}

	c.groups[key] = &groupEntry{ip: ip, refcount: 1}
	c.log.WithField("group", key).Debug("joined multicast group")
	return nil
}

// Leave decrements the refcount for group ip, leaving it on zero.
func (c *Controller) Leave(ip net.IP, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ip.String()
	e, ok := c.groups[key]
	if !ok {
		return mtlerr.New(mtlerr.InvalidArgument, "mcast.leave", fmt.Sprintf("group %s not joined", key))
	}
	e.refcount--
	if e.refcount > 0 {
		return nil
	}
	delete(c.groups, key)

	if c.driver == mtlcfg.DriverKernel && c.joiner != nil {
		addr := &net.UDPAddr{IP: ip, Port: port}
		if err := c.joiner.LeaveGroup(c.iface, addr); err != nil {
			return mtlerr.Wrap(mtlerr.IoFailure, "mcast.leave", err)
		}
	}
	c.log.WithField("group", key).Debug("left multicast group")
	return nil
}

// NewIPv4Joiner wraps a kernel-bound UDP socket in an *ipv4.PacketConn,
// which already implements GroupJoiner (JoinGroup/LeaveGroup) against the
// OS's own IGMP membership state.
func NewIPv4Joiner(conn net.PacketConn) GroupJoiner {
	return ipv4.NewPacketConn(conn)
}

// Refcount reports the current refcount for a group (0 if not joined), used
// by tests asserting the §8 join/leave round-trip invariant.
func (c *Controller) Refcount(ip net.IP) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.groups[ip.String()]; ok {
		return e.refcount
	}
	return 0
}

// StartRefresh launches the background alarm that re-issues IGMPv3 reports
// for every joined group every refreshInterval, for poll-mode-driver ports
// that own their own IGMP state. It is a no-op for kernel-bound ports, which
// rely on the OS's own periodic membership refresh.
func (c *Controller) StartRefresh() {
	if c.driver == mtlcfg.DriverKernel || c.reportFunc == nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.stoppedWG.Add(1)
	go c.refreshLoop()
}

func (c *Controller) refreshLoop() {
	defer c.stoppedWG.Done()
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			groups := make([]net.IP, 0, len(c.groups))
			for _, e := range c.groups {
				groups = append(groups, e.ip)
			}
			reportFunc := c.reportFunc
			c.mu.Unlock()

			for _, ip := range groups {
				reportFunc(ip)
			}
		}
	}
}

// Stop halts the background refresh alarm, if running.
func (c *Controller) Stop() {
	if c.stopCh != nil {
		close(c.stopCh)
		c.stoppedWG.Wait()
		c.stopCh = nil
	}
}
