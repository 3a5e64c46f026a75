// Package sched implements the §4.5 scheduler and §9's tagged-tasklet /
// stable-index model: a cooperative tasklet loop runs on each of a small
// pool of pinned worker threads ("lcores"); tasklets are identified by a
// (scheduler index, slot index) pair rather than a pointer, so the admin
// controller (§4.13) can migrate entities between schedulers without either
// side holding a live reference into the other's arena.
package sched

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/mediatransport/mtl/lcore"
	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/mtltime"
	"github.com/sirupsen/logrus"
)

// HandlerResult is the outcome of one tasklet handler invocation.
type HandlerResult int

const (
	// AllDone means the tasklet has no further work this tick.
	AllDone HandlerResult = iota
	// HasPending means the tasklet wants to run again without sleeping.
	HasPending
)

// Tasklet is the minimal capability every scheduled unit of work must
// implement. Start/Stop/PreStop are optional; a Scheduler type-asserts for
// them (the Starter/Stopper/PreStopper interfaces below) rather than forcing
// every tasklet to implement no-op methods.
type Tasklet interface {
	// Handler runs one cooperative slice of work and reports whether more
	// work is immediately pending.
	Handler(ctx context.Context) HandlerResult
	// Name identifies the tasklet for logging and stats.
	Name() string
}

// Starter is an optional Tasklet capability that Scheduler.Start runs once
// for each tasklet registered at that point; a tasklet registered after
// Start is not started.
type Starter interface {
	Start() error
}

// Stopper is an optional Tasklet capability run once when the tasklet is
// unregistered or the scheduler stops.
type Stopper interface {
	Stop() error
}

// PreStopper is an optional Tasklet capability run before Stop, giving the
// tasklet a chance to drain in-flight work.
type PreStopper interface {
	PreStop()
}

// SleepAdviser is an optional Tasklet capability letting a tasklet (e.g. an
// alarm with a deadline) suggest how long the scheduler may sleep before its
// next tick is needed.
type SleepAdviser interface {
	AdviseSleep() time.Duration
}

// Default magic-number heuristics named per §9's Open Questions.
const (
	DefaultSleepUs    = 1000 // sch_default_sleep: 1ms
	SleepThresholdUs  = 200  // below this, yield zero-sleep instead of sleeping
)

// slot is one arena entry; Tasklet is nil once unregistered, keeping the
// index stable for any outstanding (scheduler, slot) reference.
type slot struct {
	tasklet Tasklet
	busyNs  int64 // this tasklet's share of the last loop's cost, for CPU-busy accounting
}

// Scheduler runs a single-threaded cooperative tasklet loop on one pinned
// lcore (§3 Scheduler, §4.5).
type Scheduler struct {
	Index      int
	NumaSocket int

	mu             sync.Mutex
	slots          []slot
	regLocked      bool // true while a registration-lock window is open; after Start, registration requires one
	regMu          sync.Mutex // held for the whole of a registration-lock window
	allowSleep     bool
	forceSleepUs   int64
	quotaMbps      int
	assignedQuota  int
	defaultSleepUs int64
	sleepThreshUs  int64

	avgNsPerLoop int64
	cpuBusy      bool
	started      bool
	active       bool

	lcoreIdx int
	lc       *lcore.Allocator

	stopCh chan struct{}
	doneWG sync.WaitGroup

	time mtltime.Provider
	log  *logrus.Entry
}

// New creates a Scheduler bound to numaSocket with the given quota ceiling
// (Mb/s). lc may be nil in tests that don't exercise real lcore pinning.
func New(index, numaSocket, quotaMbps int, lc *lcore.Allocator) *Scheduler {
	return &Scheduler{
		Index:          index,
		NumaSocket:     numaSocket,
		allowSleep:     true,
		quotaMbps:      quotaMbps,
		defaultSleepUs: DefaultSleepUs,
		sleepThreshUs:  SleepThresholdUs,
		lc:             lc,
		time:           mtltime.GetDefaultProvider(),
		log:            logrus.WithFields(logrus.Fields{"component": "sched", "index": index}),
	}
}

// SetAllowSleep toggles whether the loop may sleep when every tasklet
// reports AllDone (§6 sch_enable_sleep).
func (s *Scheduler) SetAllowSleep(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowSleep = allow
}

// SetForceSleepUs overrides the sleep heuristic unconditionally with a fixed
// duration; zero disables the override (§4.5 sch_force_sleep_us, §6
// sch_set_sleep_us).
func (s *Scheduler) SetForceSleepUs(us int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceSleepUs = us
}

// RegisterTasklet adds t to the scheduler's arena and returns its stable
// slot index. Safe only before Start or while the registration lock is held
// (§4.5).
func (s *Scheduler) RegisterTasklet(t Tasklet) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && !s.regLocked {
		return -1, mtlerr.New(mtlerr.InvalidArgument, "sched.register_tasklet", "scheduler already started; acquire the registration lock first")
	}
	for i := range s.slots {
		if s.slots[i].tasklet == nil {
			s.slots[i].tasklet = t
			return i, nil
		}
	}
	s.slots = append(s.slots, slot{tasklet: t})
	return len(s.slots) - 1, nil
}

// UnregisterTasklet removes the tasklet at idx, running Stop if it
// implements Stopper.
func (s *Scheduler) UnregisterTasklet(idx int) error {
	s.mu.Lock()
	t, err := s.taskletAt(idx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if pre, ok := t.(PreStopper); ok {
		pre.PreStop()
	}
	if stopper, ok := t.(Stopper); ok {
		if err := stopper.Stop(); err != nil {
			return mtlerr.Wrap(mtlerr.IoFailure, "sched.unregister_tasklet", err)
		}
	}
	s.mu.Lock()
	s.slots[idx].tasklet = nil
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) taskletAt(idx int) (Tasklet, error) {
	if idx < 0 || idx >= len(s.slots) || s.slots[idx].tasklet == nil {
		return nil, mtlerr.New(mtlerr.InvalidArgument, "sched.tasklet_at", "no tasklet at index")
	}
	return s.slots[idx].tasklet, nil
}

// AcquireRegistrationLock allows RegisterTasklet/UnregisterTasklet calls
// after Start, used by the admin controller during migration. It blocks
// while another caller holds the window.
func (s *Scheduler) AcquireRegistrationLock() {
	s.regMu.Lock()
	s.mu.Lock()
	s.regLocked = true
	s.mu.Unlock()
}

// ReleaseRegistrationLock ends a registration-lock window opened by
// AcquireRegistrationLock.
func (s *Scheduler) ReleaseRegistrationLock() {
	s.mu.Lock()
	s.regLocked = false
	s.mu.Unlock()
	s.regMu.Unlock()
}

// Start launches the scheduler's OS thread, pinning it to an lcore obtained
// from the process-wide allocator, and begins the cooperative loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.active = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.lc != nil {
		idx, err := s.lc.Acquire()
		if err != nil {
			return mtlerr.Wrap(mtlerr.ResourceExhausted, "sched.start", err)
		}
		s.lcoreIdx = idx
	}

	for i := range s.slots {
		if t := s.slots[i].tasklet; t != nil {
			if starter, ok := t.(Starter); ok {
				if err := starter.Start(); err != nil {
					return mtlerr.Wrap(mtlerr.IoFailure, "sched.start", err)
				}
			}
		}
	}

	s.doneWG.Add(1)
	go s.loop()
	return nil
}

// Stop signals the loop to exit, joins it, and releases the lcore.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	s.active = false
	s.mu.Unlock()

	s.doneWG.Wait()

	s.mu.Lock()
	for i := range s.slots {
		if t := s.slots[i].tasklet; t != nil {
			if stopper, ok := t.(Stopper); ok {
				_ = stopper.Stop()
			}
		}
	}
	s.started = false
	s.mu.Unlock()

	if s.lc != nil {
		return s.lc.Release(s.lcoreIdx)
	}
	return nil
}

// loop is the per-lcore cooperative tasklet loop (§4.5, §5).
func (s *Scheduler) loop() {
	defer s.doneWG.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		start := s.time.Now()
		allDone := true
		var adviceSleep time.Duration
		hasAdvice := false

		s.mu.Lock()
		tasklets := make([]Tasklet, len(s.slots))
		for i := range s.slots {
			tasklets[i] = s.slots[i].tasklet
		}
		s.mu.Unlock()

		for i, t := range tasklets {
			if t == nil {
				continue
			}
			tStart := s.time.Now()
			result := t.Handler(ctx)
			cost := s.time.Since(tStart)

			s.mu.Lock()
			if i < len(s.slots) {
				s.slots[i].busyNs = cost.Nanoseconds()
			}
			s.mu.Unlock()

			if result == HasPending {
				allDone = false
			}
			if adviser, ok := t.(SleepAdviser); ok {
				d := adviser.AdviseSleep()
				if !hasAdvice || d < adviceSleep {
					adviceSleep = d
					hasAdvice = true
				}
			}
		}

		loopCost := s.time.Since(start)
		s.mu.Lock()
		s.avgNsPerLoop = (s.avgNsPerLoop*7 + loopCost.Nanoseconds()) / 8
		forceSleep := s.forceSleepUs
		allowSleep := s.allowSleep
		defaultSleep := time.Duration(s.defaultSleepUs) * time.Microsecond
		threshold := time.Duration(s.sleepThreshUs) * time.Microsecond
		s.mu.Unlock()

		var sleepFor time.Duration
		switch {
		case forceSleep > 0:
			sleepFor = time.Duration(forceSleep) * time.Microsecond
		case allDone && allowSleep:
			advised := defaultSleep
			if hasAdvice && adviceSleep < advised {
				advised = adviceSleep
			}
			if advised < threshold {
				sleepFor = 0
			} else {
				sleepFor = advised
			}
		default:
			sleepFor = 0
		}

		if sleepFor > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(sleepFor):
			}
		}
	}
}

// AvgNsPerLoop returns the exponentially-smoothed per-loop cost, used by the
// admin controller's CPU-busy evaluation (§4.13).
func (s *Scheduler) AvgNsPerLoop() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgNsPerLoop
}

// TaskletCostNs returns the last-measured cost of the tasklet at idx.
func (s *Scheduler) TaskletCostNs(idx int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.slots) {
		return 0
	}
	return s.slots[idx].busyNs
}

// Quota returns the scheduler's configured ceiling and currently assigned
// total, in Mb/s.
func (s *Scheduler) Quota() (ceiling, assigned int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotaMbps, s.assignedQuota
}

// AddQuota increases the assigned quota total, rejecting a change that would
// exceed the scheduler's ceiling (§3 Scheduler invariant).
func (s *Scheduler) AddQuota(mbps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignedQuota+mbps > s.quotaMbps {
		return mtlerr.New(mtlerr.ResourceExhausted, "sched.add_quota", "quota ceiling exceeded")
	}
	s.assignedQuota += mbps
	return nil
}

// RemoveQuota decreases the assigned quota total, e.g. when a session
// migrates away.
func (s *Scheduler) RemoveQuota(mbps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignedQuota -= mbps
	if s.assignedQuota < 0 {
		s.assignedQuota = 0
	}
}

// Active reports whether the scheduler's loop is currently running.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// CPUBusy reports and can set the admin controller's overload flag for this
// scheduler (§4.5 CPU-busy accounting).
func (s *Scheduler) CPUBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpuBusy
}

// SetCPUBusy is called by the admin controller after evaluating this
// scheduler's session busy scores.
func (s *Scheduler) SetCPUBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpuBusy = busy
}
