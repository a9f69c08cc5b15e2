package engine

import "time"

// CollectorLifecycle is the coarse up/down/unknown state derived from
// the FSM states of a collector's peers (invariant I5).
type CollectorLifecycle uint8

const (
	CollectorUnknown CollectorLifecycle = iota
	CollectorDown
	CollectorUp
)

// WallUpdatePeriodSecs bounds how often Collector.WallTimeLast is
// refreshed as bgp_time_last advances, so wall-clock drift tracking
// doesn't require a syscall on every single record.
const WallUpdatePeriodSecs = 60

// CollectorCounters are the bookkeeping counters kept per collector.
type CollectorCounters struct {
	Valid     uint64
	Corrupted uint64
	Empty     uint64
}

// Collector is the per-collector state described in spec.md component D:
// which peers belong to it, its reference and under-construction RIB
// dump bookkeeping, and its derived lifecycle state.
type Collector struct {
	Name    string
	Project string

	PeerIDs map[int]struct{}

	BGPTimeLast int64
	// WallTimeLast is the wall-clock time (Unix seconds) recorded at the
	// last checkpoint taken by AdvanceBGPTime.
	WallTimeLast int64

	RefRIBDumpTime  int64
	RefRIBStartTime int64
	UCRIBDumpTime   int64
	UCRIBStartTime  int64

	State CollectorLifecycle

	lastWallUpdateBGPTime int64

	Counters CollectorCounters
}

func NewCollector(name, project string) *Collector {
	return &Collector{
		Name:    name,
		Project: project,
		PeerIDs: make(map[int]struct{}),
		State:   CollectorUnknown,
	}
}

// AdvanceBGPTime moves bgp_time_last forward monotonically and, once
// WallUpdatePeriodSecs have elapsed in BGP time, records the current
// wall-clock time in WallTimeLast.
func (c *Collector) AdvanceBGPTime(ts int64) {
	if ts > c.BGPTimeLast {
		c.BGPTimeLast = ts
	}
	if c.BGPTimeLast-c.lastWallUpdateBGPTime >= WallUpdatePeriodSecs {
		c.lastWallUpdateBGPTime = c.BGPTimeLast
		c.WallTimeLast = time.Now().Unix()
	}
}

// RecomputeState derives collector_state from its peers' FSM states per
// invariant I5: Up iff at least one peer is Established; Down if none
// are Established but at least one has ever left FSMUnknown; else
// Unknown (no peer has ever reported anything).
func (c *Collector) RecomputeState(v *View) {
	sawNonUnknown := false
	for id := range c.PeerIDs {
		p, ok := v.Peer(id)
		if !ok {
			continue
		}
		if p.FSMState == FSMEstablished {
			c.State = CollectorUp
			return
		}
		if p.FSMState != FSMUnknown {
			sawNonUnknown = true
		}
	}
	if sawNonUnknown {
		c.State = CollectorDown
	} else {
		c.State = CollectorUnknown
	}
}
