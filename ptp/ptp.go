// Package ptp implements the §4.3 PTP slave: the four-timestamp SYNC /
// FOLLOW_UP / DELAY_REQ / DELAY_RESP exchange, outlier rejection, the
// integral-reanchor and PI clock-correction modes, and the safety-net alarm
// that keeps pacing from drifting when no exchange completes.
package ptp

import (
	"sort"
	"sync"
	"time"

	"github.com/mediatransport/mtl/mtlerr"
	"github.com/mediatransport/mtl/mtltime"
	"github.com/sirupsen/logrus"
)

// Mode selects the clock-correction algorithm applied to an accepted delta.
type Mode int

const (
	// ModeIntegralReanchor recomputes the coefficient directly from the
	// master/local elapsed-time ratio, smoothed by a trimmed median over
	// the last smoothingWindow samples.
	ModeIntegralReanchor Mode = iota
	// ModePI applies a PI controller to the delta and nudges the existing
	// coefficient by a small clamped offset.
	ModePI
)

// Tunables named by §9's Open Questions as magic numbers observed in the
// source; kept here as named, documented constants rather than literals so a
// reimplementation can make them configurable.
const (
	smoothingWindow       = 10
	outlierResetThreshold = 10
	minOutlierDeltaNs     = 100 * time.Microsecond
	defaultKp             = 5e-10
	defaultKi             = 1e-10
	piOffsetClampNs       = 100 * time.Nanosecond
	expectedSyncPeriod    = 1 * time.Second // nominal PTP sync interval used by the safety-net alarm
)

// Exchange holds the four raw timestamps of one SYNC/FOLLOW_UP/DELAY_REQ/
// DELAY_RESP cycle, in local nanoseconds.
type Exchange struct {
	T1, T2, T3, T4 int64
	SyncSeq        uint16
	DelayReqSeq    uint16
}

// Result is the computed delta/path-delay of one accepted exchange.
type Result struct {
	DeltaNs     int64
	PathDelayNs int64
}

// Slave is the per-port PTP slave (§3, §4.3).
type Slave struct {
	mu sync.Mutex

	mode Mode
	kp, ki float64
	integral, prevError float64

	coefficient float64 // rate ratio applied to raw NIC clock reads
	lastSyncTS  int64   // local ns at the last accepted sync used as correction anchor

	recentDeltas []int64 // ring of up to smoothingWindow deltas for the reanchor mode's trimmed median
	deltaSum, deltaMin, deltaMax int64
	deltaCount   int64
	consecutiveRejections int

	expectAvgNs int64 // fallback average used when no new exchange completes
	masterUTCOffset int16
	domain          uint8

	pendingSync Exchange
	lastSyncAt  time.Time

	time mtltime.Provider
	log  *logrus.Entry
}

// NewSlave creates a PTP slave with the §4.3 defaults (kp=5e-10, ki=1e-10,
// coefficient initialized to 1.0).
func NewSlave(portName string) *Slave {
	return &Slave{
		mode:        ModePI,
		kp:          defaultKp,
		ki:          defaultKi,
		coefficient: 1.0,
		time:        mtltime.GetDefaultProvider(),
		log:         logrus.WithFields(logrus.Fields{"component": "ptp", "port": portName}),
	}
}

// SetMode selects the correction algorithm applied to subsequent accepted
// deltas.
func (s *Slave) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// Coefficient returns the current rate ratio applied to raw NIC clock reads.
func (s *Slave) Coefficient() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coefficient
}

// OnAnnounce records the master's UTC offset and domain (§4.3 step a).
func (s *Slave) OnAnnounce(utcOffset int16, domain uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterUTCOffset = utcOffset
	s.domain = domain
}

// OnSync records T2, the NIC RX-timestamp of the SYNC message (§4.3 step b).
// seq is the SYNC message's sequence ID.
func (s *Slave) OnSync(seq uint16, t2LocalNs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSync = Exchange{T2: t2LocalNs, SyncSeq: seq}
	s.lastSyncAt = s.time.Now()
}

// OnFollowUp records T1 from the FOLLOW_UP message, which must carry the
// same sequence ID as the most recent SYNC (§4.3 step c / §8 boundary: a
// sequence mismatch is ignored).
func (s *Slave) OnFollowUp(seq uint16, t1MasterNs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.pendingSync.SyncSeq {
		s.log.WithFields(logrus.Fields{"got_seq": seq, "want_seq": s.pendingSync.SyncSeq}).
			Debug("follow_up sequence mismatch, ignored")
		return
	}
	s.pendingSync.T1 = t1MasterNs
}

// OnDelayReqSent records T3, the local TX timestamp of our DELAY_REQ
// (§4.3 step d).
func (s *Slave) OnDelayReqSent(seq uint16, t3LocalNs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSync.T3 = t3LocalNs
	s.pendingSync.DelayReqSeq = seq
}

// OnDelayResp records T4 from the DELAY_RESP message and, if the exchange is
// complete (T1..T4 all set) and in-order (T1<=T2, T3<=T4 per §8), computes
// and applies the correction. It returns the computed Result, or an error if
// the exchange was rejected as an outlier.
func (s *Slave) OnDelayResp(seq uint16, t4MasterNs int64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.pendingSync.DelayReqSeq {
		return Result{}, mtlerr.New(mtlerr.ProtocolError, "ptp.on_delay_resp", "delay_resp sequence mismatch")
	}
	ex := s.pendingSync
	ex.T4 = t4MasterNs
	if ex.T1 == 0 || ex.T2 == 0 || ex.T3 == 0 {
		return Result{}, mtlerr.New(mtlerr.ProtocolError, "ptp.on_delay_resp", "exchange incomplete")
	}
	if ex.T1 > ex.T2 || ex.T3 > ex.T4 {
		return Result{}, mtlerr.New(mtlerr.ProtocolError, "ptp.on_delay_resp", "timestamps out of causal order")
	}

	delta := ((ex.T4 - ex.T3) - (ex.T2 - ex.T1)) / 2
	pathDelay := ((ex.T2 - ex.T1) + (ex.T4 - ex.T3)) / 2

	if s.isOutlier(delta) {
		s.consecutiveRejections++
		if s.consecutiveRejections >= outlierResetThreshold {
			s.resetAverages()
			s.log.Warn("too many consecutive PTP outliers, resetting averages")
		}
		return Result{}, mtlerr.New(mtlerr.ProtocolError, "ptp.on_delay_resp", "delta rejected as outlier")
	}
	s.consecutiveRejections = 0
	s.recordDelta(delta)
	s.applyCorrection(delta, ex)

	return Result{DeltaNs: delta, PathDelayNs: pathDelay}, nil
}

// isOutlier implements the §4.3 acceptance rule: reject when |delta|
// exceeds max(2*recent_average, 100us).
func (s *Slave) isOutlier(delta int64) bool {
	if s.deltaCount == 0 {
		return false // nothing to compare against yet
	}
	avg := s.deltaSum / s.deltaCount
	threshold := 2 * abs64(avg)
	if threshold < int64(minOutlierDeltaNs) {
		threshold = int64(minOutlierDeltaNs)
	}
	return abs64(delta) > threshold
}

func (s *Slave) recordDelta(delta int64) {
	s.deltaSum += delta
	s.deltaCount++
	if s.deltaCount == 1 || delta < s.deltaMin {
		s.deltaMin = delta
	}
	if s.deltaCount == 1 || delta > s.deltaMax {
		s.deltaMax = delta
	}
	s.recentDeltas = append(s.recentDeltas, delta)
	if len(s.recentDeltas) > smoothingWindow {
		s.recentDeltas = s.recentDeltas[1:]
	}
	// expectAvgNs tracks a slower-moving average used as the safety-net
	// fallback when no new exchange completes in time.
	if s.expectAvgNs == 0 {
		s.expectAvgNs = delta
	} else {
		s.expectAvgNs = (s.expectAvgNs*7 + delta) / 8
	}
}

func (s *Slave) resetAverages() {
	s.deltaSum, s.deltaCount, s.deltaMin, s.deltaMax = 0, 0, 0, 0
	s.recentDeltas = nil
}

// applyCorrection dispatches to the configured correction mode.
func (s *Slave) applyCorrection(delta int64, ex Exchange) {
	switch s.mode {
	case ModeIntegralReanchor:
		s.applyIntegralReanchor(ex)
	default:
		s.applyPI(delta)
	}
	s.lastSyncTS = ex.T2
}

// applyIntegralReanchor recomputes coefficient = (T_master - last_sync) /
// (T_local - last_sync), smoothed by a trimmed median (min/max dropped) over
// the last smoothingWindow samples (§4.3).
func (s *Slave) applyIntegralReanchor(ex Exchange) {
	if s.lastSyncTS == 0 || ex.T2 == s.lastSyncTS {
		return
	}
	localElapsed := ex.T2 - s.lastSyncTS
	masterElapsed := ex.T1 - s.lastSyncTS
	if localElapsed == 0 {
		return
	}
	sample := float64(masterElapsed) / float64(localElapsed)
	s.coefficient = trimmedMedianCoefficient(s.recentDeltas, s.lastSyncTS, ex, sample)
}

// trimmedMedianCoefficient computes the coefficient from the smoothed delta
// window; when fewer than 3 samples are available (too few to trim min/max)
// it returns the raw sample unchanged.
func trimmedMedianCoefficient(deltas []int64, lastSync int64, ex Exchange, sample float64) float64 {
	if len(deltas) < 3 {
		return sample
	}
	sorted := append([]int64(nil), deltas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	trimmed := sorted[1 : len(sorted)-1]
	var sum int64
	for _, d := range trimmed {
		sum += d
	}
	avgDelta := float64(sum) / float64(len(trimmed))
	// Re-derive a coefficient consistent with the trimmed-average delta
	// rather than the single noisy sample.
	localElapsed := float64(ex.T2 - lastSync)
	if localElapsed == 0 {
		return sample
	}
	masterElapsed := localElapsed + avgDelta
	return masterElapsed / localElapsed
}

// applyPI implements the PI correction mode: integral += (error +
// prev_error)/2; offset = kp*error + ki*integral, clamped to +-100ns, added
// to the coefficient (§4.3).
func (s *Slave) applyPI(delta int64) {
	errorVal := float64(delta)
	s.integral += (errorVal + s.prevError) / 2
	s.prevError = errorVal

	offset := s.kp*errorVal + s.ki*s.integral
	clamp := float64(piOffsetClampNs)
	if offset > clamp {
		offset = clamp
	} else if offset < -clamp {
		offset = -clamp
	}
	s.coefficient += offset
}

// CorrectedNow applies the coefficient to a raw NIC clock read: last_sync_ts
// + coefficient * (raw - last_sync_ts) (§4.3).
func (s *Slave) CorrectedNow(rawNs int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSyncTS == 0 {
		return rawNs
	}
	return s.lastSyncTS + int64(s.coefficient*float64(rawNs-s.lastSyncTS))
}

// SafetyNetCheck implements the §4.3 safety-net check: if no SYNC has
// completed within the expected period, it logs a warning and returns the
// learned average delta with fired set. It does not itself change the
// slave's coefficient, correction anchor or any other state.
func (s *Slave) SafetyNetCheck() (adjustedNs int64, fired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSyncAt.IsZero() {
		return 0, false
	}
	if s.time.Since(s.lastSyncAt) <= expectedSyncPeriod {
		return 0, false
	}
	s.log.Warn("no PTP sync within expected period, applying learned average delta")
	return s.expectAvgNs, true
}

// Stats reports the slave's current sync count and delta min/avg/max, used
// by the stats interface (§7).
type Stats struct {
	SyncCount int64
	DeltaMinNs, DeltaAvgNs, DeltaMaxNs int64
	Coefficient float64
}

// Stats returns a snapshot of the slave's current statistics.
func (s *Slave) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var avg int64
	if s.deltaCount > 0 {
		avg = s.deltaSum / s.deltaCount
	}
	return Stats{
		SyncCount:   s.deltaCount,
		DeltaMinNs:  s.deltaMin,
		DeltaAvgNs:  avg,
		DeltaMaxNs:  s.deltaMax,
		Coefficient: s.coefficient,
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
