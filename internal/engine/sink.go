package engine

import (
	"context"
	"net/netip"
)

// RecordStatus classifies a Record the way a route-collection vantage
// point reports trouble: a corrupted element stream, a corrupted
// transport record, or simply nothing to report this tick.
type RecordStatus uint8

const (
	StatusValid RecordStatus = iota
	StatusCorruptedRecord
	StatusCorruptedSource
	StatusEmptySource
	StatusFilteredSource
)

// DumpType distinguishes a RIB snapshot from an incremental update feed.
type DumpType uint8

const (
	DumpUpdates DumpType = iota
	DumpRib
)

// DumpPos marks a RIB record's position within its dump.
type DumpPos uint8

const (
	DumpPosMiddle DumpPos = iota
	DumpPosStart
	DumpPosEnd
)

// ElementType is the kind of change one Element carries.
type ElementType uint8

const (
	ElementRIBRow ElementType = iota
	ElementAnnouncement
	ElementWithdrawal
	ElementPeerState
)

// ASPathSegment is one hop of an AS path: either a single ASN, or an
// AS_SET/confederation set of ASNs collapsed to one token.
type ASPathSegment struct {
	IsSet bool
	ASNs  []uint32
}

// ASPath is the full sequence of path segments, nearest hop first and
// the origin's segment last.
type ASPath []ASPathSegment

// Element is one change carried by a Record: a RIB row, an announcement,
// a withdrawal, or a peer state transition.
type Element struct {
	Type ElementType

	PeerIP  string
	PeerASN uint32

	Prefix string // textual CIDR, canonical form not required
	ASPath ASPath

	NewFSMState FSMState // valid iff Type == ElementPeerState
}

// Record is one unit handed to the folder by a RecordSource: a RIB dump
// fragment or an incremental update batch from one collector.
type Record struct {
	Status RecordStatus

	DumpType DumpType
	DumpPos  DumpPos

	DumpTime   int64 // identifies which RIB dump this record belongs to
	RecordTime int64 // this record's own observed/reported timestamp

	Collector string
	Project   string

	Elements []Element
}

// RecordSource delivers Records to the folder, cooperatively: Next
// blocks until a record is ready or ctx is done.
type RecordSource interface {
	Next(ctx context.Context) (Record, error)
	// Ack is called once the folder has durably applied a record (or
	// chosen to drop it), so the source can advance its own offset.
	Ack(ctx context.Context, r Record) error
}

// PeerSnapshot is the immutable, publish-ready view of one peer.
type PeerSnapshot struct {
	ID        int
	Signature PeerSignature
	ViewState ViewState
	FSMState  FSMState
	Counters  PeerCounters
	ActiveV4  int
	ActiveV6  int

	RefRIBStartTS, RefRIBEndTS int64
	UCRIBStartTS, UCRIBEndTS   int64

	AnnouncingASNCount    int
	AnnouncedV4Count      int
	AnnouncedV6Count      int
	WithdrawnV4Count      int
	WithdrawnV6Count      int
}

// CellSnapshot is the immutable, publish-ready view of one (prefix, peer) cell.
type CellSnapshot struct {
	Prefix netip.Prefix
	PeerID int
	State  ViewState
	Origin Origin
	LastTS int64
}

// CollectorSnapshot is the immutable, publish-ready view of one collector.
type CollectorSnapshot struct {
	Name        string
	Project     string
	State       CollectorLifecycle
	ActivePeers int
	Counters    CollectorCounters
}

// ViewSnapshot is handed to a ViewSink at interval end: the full set of
// collectors, peers and cells known to the engine at ViewTime.
type ViewSnapshot struct {
	ViewTime   int64
	Collectors []CollectorSnapshot
	Peers      []PeerSnapshot
	Cells      []CellSnapshot
}

// PeerAcceptance decides, for one peer's snapshot, whether it carries a
// feed complete enough to publish (the full-feed predicate of component G).
type PeerAcceptance func(p PeerSnapshot) bool

// ViewSink publishes a completed interval's view. It must not mutate the
// snapshot it is given.
type ViewSink interface {
	PublishView(ctx context.Context, snap ViewSnapshot, accept PeerAcceptance) error
}

// MetricsSink receives scalar, dotted-path metric series, e.g.
// "rib.rrc00.192-0-2-1.updates" (collector, then the peer IP made
// graphite-safe).
type MetricsSink interface {
	EmitMetric(key string, value float64)
}
