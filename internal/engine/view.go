package engine

import "net/netip"

// FSMState mirrors the BGP peer finite-state machine plus the engine's
// own "never announced itself" sentinel.
type FSMState uint8

const (
	FSMUnknown FSMState = iota
	FSMIdle
	FSMConnect
	FSMActive
	FSMOpenSent
	FSMOpenConfirm
	FSMEstablished
)

// ViewState is the coarse active/inactive flag carried by both peers and
// cells.
type ViewState uint8

const (
	StateInactive ViewState = iota
	StateActive
)

// PeerCounters are the per-peer counters listed in spec.md's peer payload.
type PeerCounters struct {
	RIBRows         uint64
	Updates         uint64
	PosMismatches   uint64
	NegMismatches   uint64
	StateMessages   uint64
}

// PeerPayload is the user payload the view keeps per peer id.
type PeerPayload struct {
	ID        int
	Signature PeerSignature

	ViewState ViewState
	FSMState  FSMState

	RefRIBStartTS, RefRIBEndTS int64
	UCRIBStartTS, UCRIBEndTS   int64
	LastTS                     int64

	Counters PeerCounters

	// AnnouncingASNs is the set of real origin ASNs this peer has ever
	// announced (keyed by ASN; sentinel origins are not tracked here).
	AnnouncingASNs map[uint32]struct{}
	// AnnouncedPrefixes/WithdrawnPrefixes are keyed by address family (4 or 6).
	AnnouncedPrefixes map[int]map[string]struct{}
	WithdrawnPrefixes map[int]map[string]struct{}
}

// Cell is the user payload the view keeps per (prefix, peer) pair.
type Cell struct {
	Prefix netip.Prefix
	PeerID int

	State  ViewState
	Origin Origin
	LastTS int64

	UCDeltaTS int64
	UCOrigin  Origin

	Announcements uint64
	Withdrawals   uint64
}

type cellRef struct {
	family int
	node   *trieNode
}

// View is the container of peers and prefix x peer cells: two address
// family tries (component A) plus the peer registry (component B),
// joined by per-peer and per-prefix cell indexes so both iteration
// orders are cheap.
type View struct {
	ViewTime int64

	registry *PeerRegistry
	trieV4   *famTrie
	trieV6   *famTrie

	peers     map[int]*PeerPayload
	peerOrder []int

	// peerCells lets the reconciler and interval driver walk every cell
	// of one peer without a full trie traversal.
	peerCells map[int]map[cellRef]*Cell
}

func NewView(registry *PeerRegistry) *View {
	return &View{
		registry:  registry,
		trieV4:    newFamTrie(),
		trieV6:    newFamTrie(),
		peers:     make(map[int]*PeerPayload),
		peerCells: make(map[int]map[cellRef]*Cell),
	}
}

func (v *View) familyTrie(family int) *famTrie {
	if family == 6 {
		return v.trieV6
	}
	return v.trieV4
}

// Peer returns the payload for id, if known.
func (v *View) Peer(id int) (*PeerPayload, bool) {
	p, ok := v.peers[id]
	return p, ok
}

// GetOrCreatePeer returns sig's payload, registering a new peer id and
// payload (Inactive, FSMUnknown) if this is the first time sig is seen.
func (v *View) GetOrCreatePeer(sig PeerSignature) *PeerPayload {
	id := v.registry.GetOrCreate(sig)
	p, ok := v.peers[id]
	if ok {
		return p
	}
	p = &PeerPayload{
		ID:                id,
		Signature:         sig,
		ViewState:         StateInactive,
		FSMState:          FSMUnknown,
		AnnouncingASNs:    make(map[uint32]struct{}),
		AnnouncedPrefixes: map[int]map[string]struct{}{4: {}, 6: {}},
		WithdrawnPrefixes: map[int]map[string]struct{}{4: {}, 6: {}},
	}
	v.peers[id] = p
	v.peerOrder = append(v.peerOrder, id)
	v.peerCells[id] = make(map[cellRef]*Cell)
	return p
}

// GetOrCreateCell returns the (pfx, peerID) cell, creating the prefix
// node and cell if either is absent.
func (v *View) GetOrCreateCell(family int, pfx netip.Prefix, peerID int) *Cell {
	tr := v.familyTrie(family)
	node := tr.Insert(pfx)
	cells, _ := node.payload.(map[int]*Cell)
	if cells == nil {
		cells = make(map[int]*Cell)
		node.payload = cells
	}
	c, ok := cells[peerID]
	if ok {
		return c
	}
	c = &Cell{Prefix: pfx, PeerID: peerID, State: StateInactive, Origin: OriginDown}
	cells[peerID] = c
	if v.peerCells[peerID] == nil {
		v.peerCells[peerID] = make(map[cellRef]*Cell)
	}
	v.peerCells[peerID][cellRef{family: family, node: node}] = c
	return c
}

// Cell looks up an existing (pfx, peerID) cell without creating one.
func (v *View) Cell(family int, pfx netip.Prefix, peerID int) (*Cell, bool) {
	tr := v.familyTrie(family)
	node := tr.SearchExact(pfx)
	if node == nil {
		return nil, false
	}
	cells, _ := node.payload.(map[int]*Cell)
	if cells == nil {
		return nil, false
	}
	c, ok := cells[peerID]
	return c, ok
}

// CellsForPeer returns every cell currently indexed for peerID.
func (v *View) CellsForPeer(peerID int) map[cellRef]*Cell {
	return v.peerCells[peerID]
}

// CellsForPrefix returns every peer's cell at the exact prefix pfx.
func (v *View) CellsForPrefix(family int, pfx netip.Prefix) map[int]*Cell {
	tr := v.familyTrie(family)
	node := tr.SearchExact(pfx)
	if node == nil {
		return nil
	}
	cells, _ := node.payload.(map[int]*Cell)
	return cells
}

// Peers returns peer ids in the order they were first observed.
func (v *View) Peers() []int {
	out := make([]int, len(v.peerOrder))
	copy(out, v.peerOrder)
	return out
}
