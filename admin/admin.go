// Package admin implements the §4.13 admin controller: a periodic,
// out-of-band evaluation of per-scheduler CPU-busy scores that migrates the
// hottest session away from an overloaded scheduler onto the least-loaded
// scheduler with room for its quota.
package admin

import (
	"sync"
	"time"

	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/sched"
	"github.com/sirupsen/logrus"
)

// DefaultEvaluationInterval is the §4.13 "wakes every 6s" cadence.
const DefaultEvaluationInterval = 6 * time.Second

// SessionHandle is the admin controller's view of one migratable session: a
// stable identity plus the tasklet it drives and the quota it holds.
type SessionHandle struct {
	ID        string
	Tasklet   sched.Tasklet
	QuotaMbps int
}

// assignment tracks where a registered session currently lives.
type assignment struct {
	schedIdx int
	slotIdx  int
	handle   *SessionHandle
}

// Stats is the subset of the §7 stats interface the admin controller
// reports.
type Stats struct {
	EvaluationsRun      uint64
	MigrationsPerformed uint64
	MigrationsSkipped   uint64
}

// Controller runs the §4.13 periodic migration pass over a fixed set of
// schedulers.
type Controller struct {
	mu          sync.Mutex
	schedulers  []*sched.Scheduler
	assignments map[string]*assignment

	loopBudgetNs  int64
	sessionBusyNs int64
	interval      time.Duration

	stats Stats
	log   *logrus.Entry

	stopCh chan struct{}
	doneWG sync.WaitGroup
}

// New builds a Controller over schedulers. loopBudgetNs is the per-loop cost
// above which a scheduler is considered overloaded; sessionBusyNs is the
// per-session tasklet cost above which a session is a migration candidate.
// A zero interval uses DefaultEvaluationInterval.
func New(schedulers []*sched.Scheduler, loopBudgetNs, sessionBusyNs int64, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultEvaluationInterval
	}
	return &Controller{
		schedulers:    schedulers,
		assignments:   make(map[string]*assignment),
		loopBudgetNs:  loopBudgetNs,
		sessionBusyNs: sessionBusyNs,
		interval:      interval,
		log:           logrus.WithFields(logrus.Fields{"component": "admin"}),
	}
}

// RegisterSession attaches handle's tasklet to schedIdx and starts tracking
// it for migration.
func (c *Controller) RegisterSession(handle *SessionHandle, schedIdx int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if schedIdx < 0 || schedIdx >= len(c.schedulers) {
		return mtlerr.New(mtlerr.InvalidArgument, "admin.register_session", "scheduler index out of range")
	}
	if _, exists := c.assignments[handle.ID]; exists {
		return mtlerr.New(mtlerr.InvalidArgument, "admin.register_session", "session id already registered")
	}
	s := c.schedulers[schedIdx]
	if err := s.AddQuota(handle.QuotaMbps); err != nil {
		return mtlerr.Wrap(mtlerr.ResourceExhausted, "admin.register_session", err)
	}
	slotIdx, err := s.RegisterTasklet(handle.Tasklet)
	if err != nil {
		s.RemoveQuota(handle.QuotaMbps)
		return err
	}
	c.assignments[handle.ID] = &assignment{schedIdx: schedIdx, slotIdx: slotIdx, handle: handle}
	return nil
}

// UnregisterSession detaches and stops tracking a previously registered
// session.
func (c *Controller) UnregisterSession(id string) error {
	c.mu.Lock()
	a, ok := c.assignments[id]
	if !ok {
		c.mu.Unlock()
		return mtlerr.New(mtlerr.InvalidArgument, "admin.unregister_session", "unknown session id")
	}
	delete(c.assignments, id)
	c.mu.Unlock()

	s := c.schedulers[a.schedIdx]
	if err := s.UnregisterTasklet(a.slotIdx); err != nil {
		return err
	}
	s.RemoveQuota(a.handle.QuotaMbps)
	return nil
}

// SchedulerOf reports which scheduler index currently owns session id.
func (c *Controller) SchedulerOf(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assignments[id]
	if !ok {
		return 0, false
	}
	return a.schedIdx, true
}

// Start launches the background goroutine that calls Evaluate on a timer.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.doneWG.Add(1)
	go func() {
		defer c.doneWG.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Evaluate()
			}
		}
	}()
}

// Stop halts the background evaluation goroutine.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.mu.Unlock()
	c.doneWG.Wait()
	c.mu.Lock()
	c.stopCh = nil
	c.mu.Unlock()
}

// Evaluate runs one migration pass: refresh each scheduler's overload flag,
// pick the hottest session on an overloaded scheduler, and migrate it to the
// least-loaded scheduler with room for its quota (§4.13). It is exported so
// tests and an explicit admin trigger can drive a pass without waiting on
// the timer.
func (c *Controller) Evaluate() {
	c.mu.Lock()
	c.stats.EvaluationsRun++
	schedulers := append([]*sched.Scheduler(nil), c.schedulers...)
	c.mu.Unlock()

	for _, s := range schedulers {
		s.SetCPUBusy(s.AvgNsPerLoop() > c.loopBudgetNs)
	}

	srcIdx, id, _ := c.pickHottestCandidate()
	if id == "" {
		return
	}

	c.mu.Lock()
	a, found := c.assignments[id]
	var quota int64
	if found {
		quota = int64(a.handle.QuotaMbps)
	}
	c.mu.Unlock()
	if !found {
		return
	}

	destIdx, ok := c.pickDestination(srcIdx, quota)
	if !ok {
		c.mu.Lock()
		c.stats.MigrationsSkipped++
		c.mu.Unlock()
		c.log.WithField("session", id).Debug("migration candidate found but no destination has room")
		return
	}

	if err := c.Migrate(id, destIdx); err != nil {
		c.log.WithError(err).WithField("session", id).Warn("migration failed")
	}
}

// pickHottestCandidate returns the highest-cost session on any overloaded
// scheduler whose own cost clears sessionBusyNs, or "" if none qualifies.
func (c *Controller) pickHottestCandidate() (schedIdx int, id string, costNs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestCost int64 = -1
	var bestID string
	var bestSched int
	for sid, a := range c.assignments {
		s := c.schedulers[a.schedIdx]
		if !s.CPUBusy() {
			continue
		}
		tCost := s.TaskletCostNs(a.slotIdx)
		if tCost < c.sessionBusyNs {
			continue
		}
		if tCost > bestCost {
			bestCost = tCost
			bestID = sid
			bestSched = a.schedIdx
		}
	}
	return bestSched, bestID, bestCost
}

// pickDestination finds the least-loaded scheduler (by avg loop cost) other
// than excludeIdx that has room for quotaMbps.
func (c *Controller) pickDestination(excludeIdx int, quotaMbps int64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	destIdx := -1
	var destAvg int64 = -1
	for i, s := range c.schedulers {
		if i == excludeIdx {
			continue
		}
		ceiling, assigned := s.Quota()
		if int64(assigned)+quotaMbps > int64(ceiling) {
			continue
		}
		avg := s.AvgNsPerLoop()
		if destIdx == -1 || avg < destAvg {
			destIdx = i
			destAvg = avg
		}
	}
	return destIdx, destIdx != -1
}

// Migrate moves session id from its current scheduler to destIdx, acquiring
// both scheduler's registration locks in ascending index order so no other
// migration can interleave (§3, §4.13). Quota is added at the destination
// before it is removed from the source, so a destination that turns out to
// have no room leaves the session in place.
func (c *Controller) Migrate(id string, destIdx int) error {
	c.mu.Lock()
	a, ok := c.assignments[id]
	if !ok {
		c.mu.Unlock()
		return mtlerr.New(mtlerr.InvalidArgument, "admin.migrate", "unknown session id")
	}
	srcIdx := a.schedIdx
	handle := a.handle
	c.mu.Unlock()

	if srcIdx == destIdx {
		return nil
	}

	minIdx, maxIdx := srcIdx, destIdx
	if minIdx > maxIdx {
		minIdx, maxIdx = maxIdx, minIdx
	}
	c.schedulers[minIdx].AcquireRegistrationLock()
	defer c.schedulers[minIdx].ReleaseRegistrationLock()
	c.schedulers[maxIdx].AcquireRegistrationLock()
	defer c.schedulers[maxIdx].ReleaseRegistrationLock()

	src := c.schedulers[srcIdx]
	dst := c.schedulers[destIdx]

	if err := dst.AddQuota(handle.QuotaMbps); err != nil {
		return mtlerr.Wrap(mtlerr.ResourceExhausted, "admin.migrate", err)
	}
	if err := src.UnregisterTasklet(a.slotIdx); err != nil {
		dst.RemoveQuota(handle.QuotaMbps)
		return err
	}
	src.RemoveQuota(handle.QuotaMbps)

	newSlot, err := dst.RegisterTasklet(handle.Tasklet)
	if err != nil {
		dst.RemoveQuota(handle.QuotaMbps)
		return err
	}

	c.mu.Lock()
	a.schedIdx = destIdx
	a.slotIdx = newSlot
	c.stats.MigrationsPerformed++
	c.mu.Unlock()

	src.SetCPUBusy(false)
	c.log.WithFields(logrus.Fields{"session": id, "from": srcIdx, "to": destIdx}).Info("session migrated")
	return nil
}

// Stats returns a snapshot of the controller's cumulative statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
