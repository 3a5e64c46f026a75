// Package mtl is the library's root package: it assembles the port,
// scheduler, PTP, DMA, and admin-controller layers behind the §6
// programmatic surface (init/uninit/start/stop/abort plus the DMA and
// scheduler-tuning calls) that every session-class create/destroy pair is
// built on top of.
package mtl

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mediatransport/mtl/admin"
	"github.com/mediatransport/mtl/iomem"
	"github.com/mediatransport/mtl/lcore"
	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/mtltime"
	"github.com/mediatransport/mtl/port"
	"github.com/mediatransport/mtl/ptp"
	"github.com/mediatransport/mtl/sched"
	"github.com/sirupsen/logrus"
)

// Tunables named by §9's Open Questions as magic numbers observed in the
// source; kept here as named, documented constants rather than literals.
const (
	// defaultLoopBudgetNs is the per-loop scheduler cost above which the
	// admin controller considers a scheduler overloaded (§4.13).
	defaultLoopBudgetNs = int64(2 * time.Millisecond)
	// defaultSessionBusyNs is the per-tasklet cost above which a session
	// becomes a migration candidate (§4.13).
	defaultSessionBusyNs = int64(500 * time.Microsecond)
	// defaultMaxLcores bounds the cross-process lcore allocator (§5, §6)
	// when the caller has not told us the host's real core count.
	defaultMaxLcores = 16
	// lcoreShmKeyBase is the SysV IPC key base this instance's lcore
	// allocator attaches to, salted by PID so independent Instances in
	// separate processes on the same host (e.g. parallel test binaries)
	// don't arbitrate the same shared-memory segment.
	lcoreShmKeyBase = 0x4d544c31 // "MTL1"
)

// lcoreShmKey returns the SysV IPC key this process's lcore allocator uses.
func lcoreShmKey() int {
	return lcoreShmKeyBase + os.Getpid()%1000
}

// lcoreLockPath returns the file lock path serializing lcore allocation
// across processes sharing lcoreShmKey.
func lcoreLockPath() string {
	return fmt.Sprintf("%s/mtl-lcore-%d.lock", os.TempDir(), os.Getpid())
}

// Stats is the subset of the §7 stats interface the instance reports,
// folding together its ports, schedulers, and admin controller.
type Stats struct {
	PortCount       int
	SchedulerCount  int
	Admin           admin.Stats
	SchedulersBusy  int
}

// Instance is the §3 top-level object: user params, per-port interface
// state, the scheduler pool, PTP slaves (one per port), the DMA-map
// registry, and the admin controller, plus the lifecycle flags the §6
// surface exposes.
type Instance struct {
	mu sync.Mutex

	cfg mtlcfg.InstanceConfig

	ports      []*port.Interface
	ptpSlaves  []*ptp.Slave
	schedulers []*sched.Scheduler
	lc         *lcore.Allocator
	dma        *iomem.Map
	admin      *admin.Controller

	started bool
	aborted bool
	inReset bool

	// teardown holds one closure per completed init step, in the order they
	// were registered; Uninit runs them in reverse (§9: "each init step
	// registers a teardown closure; uninit runs them in reverse order, no
	// exceptions").
	teardown []func()

	log *logrus.Entry
}

// Init builds an Instance from cfg, bringing up the lcore allocator, every
// configured port, a PTP slave per port, every configured scheduler, the DMA
// map, and the admin controller. If any step fails, every already-completed
// step is torn down in reverse order before Init returns the error (§9).
func Init(cfg mtlcfg.InstanceConfig) (inst *Instance, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	inst = &Instance{
		cfg: cfg,
		dma: iomem.NewMap(),
		log: logrus.WithFields(logrus.Fields{"component": "mtl"}),
	}

	built := inst
	defer func() {
		if err != nil {
			built.runTeardown()
		}
	}()

	lc, lcErr := lcore.NewAllocator(lcoreShmKey(), defaultMaxLcores, lcoreLockPath())
	if lcErr != nil {
		return nil, mtlerr.Wrap(mtlerr.IoFailure, "mtl.init", lcErr)
	}
	inst.lc = lc
	inst.pushTeardown(func() { _ = lc.Close() })

	for i := range cfg.Ports {
		pc := cfg.Ports[i]
		ifc, pErr := port.New(pc, "127.0.0.1:0", nil)
		if pErr != nil {
			return nil, mtlerr.Wrap(mtlerr.IoFailure, "mtl.init", pErr)
		}
		inst.ports = append(inst.ports, ifc)
		inst.pushTeardown(func() { _ = ifc.Close() })

		slave := ptp.NewSlave(pc.Name)
		inst.ptpSlaves = append(inst.ptpSlaves, slave)
	}

	for i, sc := range cfg.Schedulers {
		s := sched.New(i, sc.NumaSocket, sc.QuotaMbps, inst.lc)
		s.SetAllowSleep(sc.AllowSleep)
		if sc.ForceSleepUs > 0 {
			s.SetForceSleepUs(sc.ForceSleepUs)
		}
		inst.schedulers = append(inst.schedulers, s)
		captured := s
		inst.pushTeardown(func() {
			if captured.Active() {
				_ = captured.Stop()
			}
		})
	}

	adminInterval := time.Duration(cfg.AdminPeriodSec) * time.Second
	inst.admin = admin.New(inst.schedulers, defaultLoopBudgetNs, defaultSessionBusyNs, adminInterval)

	inst.log.WithFields(logrus.Fields{"ports": len(inst.ports), "schedulers": len(inst.schedulers)}).Info("instance initialized")
	return inst, nil
}

// pushTeardown registers a teardown action to run, in reverse registration
// order, when Uninit (or a failed Init) unwinds.
func (inst *Instance) pushTeardown(fn func()) {
	inst.teardown = append(inst.teardown, fn)
}

// runTeardown executes every registered teardown action in reverse order
// and clears the stack so it cannot run twice.
func (inst *Instance) runTeardown() {
	for i := len(inst.teardown) - 1; i >= 0; i-- {
		inst.teardown[i]()
	}
	inst.teardown = nil
}

// Uninit tears the instance down completely (§6 uninit, §9 teardown
// ladder). It is safe to call at most once.
func (inst *Instance) Uninit() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.started {
		if err := inst.stopLocked(); err != nil {
			return err
		}
	}
	inst.runTeardown()
	inst.log.Info("instance uninitialized")
	return nil
}

// Start launches every configured scheduler's worker thread and the admin
// controller's periodic migration pass (§6 start).
func (inst *Instance) Start() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.started {
		return nil
	}
	if inst.aborted {
		return mtlerr.New(mtlerr.Fatal, "mtl.start", "instance was aborted")
	}
	for _, s := range inst.schedulers {
		if err := s.Start(); err != nil {
			return mtlerr.Wrap(mtlerr.IoFailure, "mtl.start", err)
		}
	}
	for _, ifc := range inst.ports {
		if err := ifc.Start(); err != nil {
			return mtlerr.Wrap(mtlerr.IoFailure, "mtl.start", err)
		}
	}
	inst.admin.Start()
	inst.started = true
	return nil
}

// Stop halts every scheduler and port and the admin controller without
// releasing their resources, so a subsequent Start can bring them back up
// (§6 stop).
func (inst *Instance) Stop() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.stopLocked()
}

func (inst *Instance) stopLocked() error {
	inst.admin.Stop()
	for _, ifc := range inst.ports {
		_ = ifc.Stop()
	}
	for _, s := range inst.schedulers {
		if s.Active() {
			if err := s.Stop(); err != nil {
				return mtlerr.Wrap(mtlerr.IoFailure, "mtl.stop", err)
			}
		}
	}
	inst.started = false
	return nil
}

// Reset implements the §4.1 link-bounce recovery path at the instance
// level: every port is stopped, reconfigured, and restarted in turn. The
// in_reset flag is set for the duration so concurrent Start/Stop calls can
// see a reset is underway.
func (inst *Instance) Reset() error {
	inst.mu.Lock()
	inst.inReset = true
	inst.mu.Unlock()
	defer func() {
		inst.mu.Lock()
		inst.inReset = false
		inst.mu.Unlock()
	}()

	for _, ifc := range inst.ports {
		if err := ifc.Reset(); err != nil {
			return mtlerr.Wrap(mtlerr.IoFailure, "mtl.reset", err)
		}
	}
	return nil
}

// InReset reports whether a Reset call is currently in progress.
func (inst *Instance) InReset() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.inReset
}

// Abort implements §6 abort: an immediate, irrecoverable stop distinct from
// Stop in that the instance latches Aborted() true and refuses to Start
// again until Uninit/Init cycle it fresh.
func (inst *Instance) Abort() error {
	inst.mu.Lock()
	inst.aborted = true
	inst.mu.Unlock()
	return inst.Stop()
}

// Aborted reports whether Abort has been called on this instance.
func (inst *Instance) Aborted() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.aborted
}

// GetStats returns a snapshot of the instance's aggregate statistics (§6
// get_stats).
func (inst *Instance) GetStats() Stats {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	busy := 0
	for _, s := range inst.schedulers {
		if s.CPUBusy() {
			busy++
		}
	}
	return Stats{
		PortCount:      len(inst.ports),
		SchedulerCount: len(inst.schedulers),
		Admin:          inst.admin.Stats(),
		SchedulersBusy: busy,
	}
}

// PtpReadTime returns the PTP-corrected current time for portIdx (§6
// ptp_read_time), applying that port's slave's clock-correction coefficient
// to a raw read from the instance's time provider.
func (inst *Instance) PtpReadTime(portIdx int) (time.Time, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if portIdx < 0 || portIdx >= len(inst.ptpSlaves) {
		return time.Time{}, mtlerr.New(mtlerr.InvalidArgument, "mtl.ptp_read_time", "port index out of range")
	}
	rawNs := mtltime.GetDefaultProvider().Now().UnixNano()
	correctedNs := inst.ptpSlaves[portIdx].CorrectedNow(rawNs)
	return time.Unix(0, correctedNs).UTC(), nil
}

// PtpSlave exposes the raw PTP slave for portIdx, letting callers feed it
// SYNC/FOLLOW_UP/DELAY_REQ/DELAY_RESP exchanges directly.
func (inst *Instance) PtpSlave(portIdx int) (*ptp.Slave, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if portIdx < 0 || portIdx >= len(inst.ptpSlaves) {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "mtl.ptp_slave", "port index out of range")
	}
	return inst.ptpSlaves[portIdx], nil
}

// Port exposes the underlying port.Interface for portIdx, letting session
// constructors acquire TX/RX queues against it.
func (inst *Instance) Port(portIdx int) (*port.Interface, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if portIdx < 0 || portIdx >= len(inst.ports) {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "mtl.port", "port index out of range")
	}
	return inst.ports[portIdx], nil
}

// Scheduler exposes the underlying sched.Scheduler for schedIdx, letting
// session constructors register their tasklet and the admin controller
// track it.
func (inst *Instance) Scheduler(schedIdx int) (*sched.Scheduler, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if schedIdx < 0 || schedIdx >= len(inst.schedulers) {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "mtl.scheduler", "scheduler index out of range")
	}
	return inst.schedulers[schedIdx], nil
}

// Admin exposes the instance's admin controller so a caller can register a
// session for migration tracking (§4.13).
func (inst *Instance) Admin() *admin.Controller {
	return inst.admin
}

// DmaMap registers the memory region [vaddr, vaddr+size) for DMA, returning
// its IOVA (§6 dma_map).
func (inst *Instance) DmaMap(vaddr uintptr, size int) (uint64, error) {
	return inst.dma.Register(vaddr, size)
}

// DmaUnmap releases a region previously registered with DmaMap (§6
// dma_unmap).
func (inst *Instance) DmaUnmap(vaddr uintptr, size int, iova uint64) error {
	return inst.dma.Unregister(vaddr, size, iova)
}

// SchEnableSleep toggles whether schedIdx's scheduler may sleep when every
// tasklet reports AllDone (§6 sch_enable_sleep).
func (inst *Instance) SchEnableSleep(schedIdx int, allow bool) error {
	s, err := inst.Scheduler(schedIdx)
	if err != nil {
		return err
	}
	s.SetAllowSleep(allow)
	return nil
}

// SchSetSleepUs overrides schedIdx's sleep heuristic with a fixed duration;
// zero disables the override (§6 sch_set_sleep_us).
func (inst *Instance) SchSetSleepUs(schedIdx int, us int64) error {
	s, err := inst.Scheduler(schedIdx)
	if err != nil {
		return err
	}
	s.SetForceSleepUs(us)
	return nil
}
