// Package pacing implements the §4.7/§4.8 pacing ways shared by every TX
// session: the mechanism that meters when each packet of a frame leaves the
// port. All ways reduce to one question: what is the departure time of
// packet i of N in this frame interval, answered against either a NIC
// rate limiter, the calibrated TSC, or the PTP-disciplined clock.
package pacing

import (
	"time"

	"github.com/mediatransport/mtl/mtlerr"
)

// Way identifies the pacing mechanism applied to a session (§4.7).
type Way int

const (
	// Narrow metes packets at a uniform interval of frame_time/N_packets.
	Narrow Way = iota
	// Wide is the same average rate with a relaxed jitter envelope.
	Wide
	// Linear fills departure times evenly across the whole frame interval,
	// including the VRX leading cushion.
	Linear
	// TSC paces entirely in software off the calibrated TSC, used as the
	// automatic fallback when a NIC rate-limit configuration is rejected.
	TSC
	// TSCNarrow is TSC pacing with Narrow's tighter interval target.
	TSCNarrow
	// PTP paces via a queue-level rate limit measured against the
	// PTP-disciplined clock rather than the raw TSC.
	PTP
	// BestEffort applies no pacing; packets are sent as fast as the
	// pipeline can produce them.
	BestEffort
)

func (w Way) String() string {
	switch w {
	case Narrow:
		return "narrow"
	case Wide:
		return "wide"
	case Linear:
		return "linear"
	case TSC:
		return "tsc"
	case TSCNarrow:
		return "tsc_narrow"
	case PTP:
		return "ptp"
	case BestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// softwarePaced reports whether a way is enforced by sleeping against a
// clock rather than by a NIC-side rate limiter.
func (w Way) softwarePaced() bool {
	switch w {
	case TSC, TSCNarrow:
		return true
	default:
		return false
	}
}

// wideJitterEnvelope widens Wide's per-packet interval tolerance relative to
// Narrow's while keeping the same average rate (§4.7).
const wideJitterEnvelope = 0.25

// Profile is the static shape of one frame's departure schedule: its
// interval, the VRX leading cushion, and the pad_interval cadence.
type Profile struct {
	Way          Way
	FrameTime    time.Duration
	NumPackets   int
	StartVRX     int           // number of leading pad packets before the first payload packet (§4.7)
	PadInterval  int           // insert one static pad packet every PadInterval real packets; 0 disables
}

// Validate checks a Profile for internal consistency.
func (p Profile) Validate() error {
	if p.NumPackets <= 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "pacing.validate", "num_packets must be positive")
	}
	if p.FrameTime <= 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "pacing.validate", "frame_time must be positive")
	}
	if p.StartVRX < 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "pacing.validate", "start_vrx must not be negative")
	}
	if p.PadInterval < 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "pacing.validate", "pad_interval must not be negative")
	}
	return nil
}

// interval returns the nominal inter-packet interval for the profile's way.
func (p Profile) interval() time.Duration {
	return p.FrameTime / time.Duration(p.NumPackets)
}

// Engine computes per-packet departure times for one TX session's frames
// against a pacing epoch (§4.7 "pacing epoch", §9). It holds no state beyond
// its Profile; callers create one Engine per session and reuse it frame to
// frame.
type Engine struct {
	Profile Profile
}

// NewEngine validates profile and returns an Engine for it.
func NewEngine(profile Profile) (*Engine, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Engine{Profile: profile}, nil
}

// Epoch computes the pacing epoch for a frame: the next frame-time-aligned
// instant at or after now, plus an optional user-supplied RTP-timestamp
// delta (§4.7: "the caller supplies a TAI timestamp... the same value also
// selects the pacing epoch when exact user pacing is set"). With
// rtpTimestampDeltaNs == 0 this is simply ceil(now/frame_time)*frame_time.
func (e *Engine) Epoch(now time.Time, rtpTimestampDeltaNs int64) time.Time {
	ft := e.Profile.FrameTime
	rem := now.UnixNano() % int64(ft)
	var alignedNs int64
	if rem == 0 {
		alignedNs = now.UnixNano()
	} else {
		alignedNs = now.UnixNano() + int64(ft) - rem
	}
	return time.Unix(0, alignedNs+rtpTimestampDeltaNs)
}

// DepartureTimes returns the planned departure time of each of the frame's
// NumPackets payload packets relative to epoch, including the effect of
// StartVRX (§4.7 "a configurable start_vrx number of padding packets may
// precede the first payload packet").
func (e *Engine) DepartureTimes(epoch time.Time) []time.Time {
	p := e.Profile
	times := make([]time.Time, p.NumPackets)
	vrxOffset := time.Duration(p.StartVRX) * e.vrxSlotDuration()

	switch p.Way {
	case Linear:
		// Fill the whole frame interval, including the VRX cushion, evenly.
		total := p.FrameTime - vrxOffset
		if total < 0 {
			total = 0
		}
		slot := total / time.Duration(p.NumPackets)
		for i := range times {
			times[i] = epoch.Add(vrxOffset + time.Duration(i)*slot)
		}
	case BestEffort:
		for i := range times {
			times[i] = epoch
		}
	default:
		// Narrow, Wide, TSC, TSCNarrow, PTP all meter at the nominal
		// per-packet interval; Wide differs only in the jitter envelope a
		// sender is permitted, not in the nominal schedule itself.
		interval := p.interval()
		for i := range times {
			times[i] = epoch.Add(vrxOffset + time.Duration(i)*interval)
		}
	}
	return times
}

// vrxSlotDuration is the duration of one VRX pad slot: the same as the
// profile's nominal per-packet interval.
func (e *Engine) vrxSlotDuration() time.Duration {
	return e.Profile.interval()
}

// JitterBudget returns the permitted early/late slack around a packet's
// planned departure time. Narrow, TSC, and TSCNarrow have none; Wide widens
// it by wideJitterEnvelope of the nominal interval; Linear and BestEffort
// have no meaningful per-packet budget since they do not meter individually.
func (e *Engine) JitterBudget() time.Duration {
	if e.Profile.Way == Wide {
		return time.Duration(float64(e.Profile.interval()) * wideJitterEnvelope)
	}
	return 0
}

// ShouldPad reports whether a static pad packet should be inserted after
// sending the packetIdx'th real packet of the frame, per PadInterval (§4.7).
func (e *Engine) ShouldPad(packetIdx int) bool {
	pi := e.Profile.PadInterval
	if pi <= 0 {
		return false
	}
	return (packetIdx+1)%pi == 0
}

// RequiresSoftwarePacing reports whether the profile's way must be enforced
// by a software sleep loop rather than a NIC rate limiter.
func (e *Engine) RequiresSoftwarePacing() bool {
	return e.Profile.Way.softwarePaced()
}

// Downgrade switches the profile to TSC pacing, used by the §4.7 automatic
// fallback when a rate-limit configuration is rejected at runtime. It
// returns the way that was active before the downgrade so the caller can log
// a one-shot warning exactly once.
func (e *Engine) Downgrade() Way {
	prev := e.Profile.Way
	if prev == Narrow {
		e.Profile.Way = TSCNarrow
	} else {
		e.Profile.Way = TSC
	}
	return prev
}

// UserTimestampToEpoch converts a caller-supplied TAI timestamp to the
// pacing epoch used for exact user pacing (§4.7: "the same value also
// selects the pacing epoch when exact user pacing is set"). taiNs is
// nanoseconds since the TAI epoch.
func UserTimestampToEpoch(taiNs int64) time.Time {
	return time.Unix(0, taiNs)
}
