package engine

import (
	"fmt"
	"net/netip"
)

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func parseElementPrefix(s string) (netip.Prefix, int, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, 0, fmt.Errorf("malformed prefix %q: %w", s, err)
	}
	p = p.Masked()
	family := 4
	if p.Addr().Is6() && !p.Addr().Is4In6() {
		family = 6
	}
	return p, family, nil
}

// ExtractOrigin implements 4.E.1: an empty path is a locally originated
// route, a set/confederation last segment can't be reduced to one ASN,
// and otherwise the origin is the last segment's ASN.
func ExtractOrigin(path ASPath) Origin {
	if len(path) == 0 {
		return OriginLocal
	}
	last := path[len(path)-1]
	if last.IsSet {
		return OriginSetOrConfed
	}
	if len(last.ASNs) == 0 {
		return OriginLocal
	}
	return RealOrigin(last.ASNs[len(last.ASNs)-1])
}

// peerPathSane implements 4.E.2: reject elements with an empty path, or
// whose first segment is a single ASN that disagrees with the peer's
// claimed ASN (the signature of a route-server observation we don't
// want to fold in as if it were the peer's own route).
func peerPathSane(path ASPath, peerASN uint32) bool {
	if len(path) == 0 {
		return false
	}
	first := path[0]
	if !first.IsSet && len(first.ASNs) == 1 && first.ASNs[0] != peerASN {
		return false
	}
	return true
}

func originSetKey(o Origin) (uint32, bool) {
	if o.Kind != OriginKindReal {
		return 0, false
	}
	return o.ASN, true
}

// applyUpdateElement implements 4.E.3: apply one announcement or
// withdrawal element.
func (e *Engine) applyUpdateElement(c *Collector, el Element, ts int64) error {
	sig := PeerSignature{Collector: c.Name, PeerIP: el.PeerIP, PeerASN: el.PeerASN}
	p := e.view.GetOrCreatePeer(sig)
	c.PeerIDs[p.ID] = struct{}{}
	p.LastTS = maxInt64(p.LastTS, ts)

	isAnnounce := el.Type == ElementAnnouncement
	if isAnnounce && !peerPathSane(el.ASPath, el.PeerASN) {
		return nil
	}

	pfx, family, err := parseElementPrefix(el.Prefix)
	if err != nil {
		return err
	}
	cell := e.view.GetOrCreateCell(family, pfx, p.ID)

	origin := OriginDown
	if isAnnounce {
		origin = ExtractOrigin(el.ASPath)
	}

	// Step 1: peer/cell counters and per-peer announced/withdrawn sets,
	// applied unconditionally (even to an out-of-order record) so a
	// later revert has something concrete to undo.
	p.Counters.Updates++
	if isAnnounce {
		cell.Announcements++
		if asn, ok := originSetKey(origin); ok {
			p.AnnouncingASNs[asn] = struct{}{}
		}
		p.AnnouncedPrefixes[family][el.Prefix] = struct{}{}
	} else {
		cell.Withdrawals++
		p.WithdrawnPrefixes[family][el.Prefix] = struct{}{}
	}

	// Step 2: out-of-order suppression.
	if ts < cell.LastTS {
		return nil
	}

	// Step 3: update the cell's live state.
	cell.LastTS = ts
	cell.Origin = origin

	// Step 4: per-peer-state transition matrix.
	switch {
	case p.ViewState == StateActive:
		if isAnnounce && cell.State == StateInactive {
			cell.State = StateActive
		} else if !isAnnounce && cell.State == StateActive {
			cell.State = StateInactive
		}

	case p.ViewState == StateInactive && p.FSMState == FSMUnknown:
		if p.UCRIBStartTS == 0 {
			// No UC dump is in flight for this peer: revert, there is
			// nothing to reconcile this update against.
			cell.LastTS = 0
			cell.Origin = OriginDown
			p.Counters.Updates--
			if isAnnounce {
				cell.Announcements--
			} else {
				cell.Withdrawals--
			}
		}
		// else: leave the cell update in place for reconciliation at RIB end.

	default: // Inactive with a known (non-Unknown, non-Established) FSM state
		p.ViewState = StateActive
		p.FSMState = FSMEstablished
		p.RefRIBStartTS = ts
		p.RefRIBEndTS = ts
		if isAnnounce {
			cell.State = StateActive
		}
	}

	return nil
}

func (e *Engine) wipeUCForPeer(p *PeerPayload) {
	for _, c := range e.view.CellsForPeer(p.ID) {
		c.UCDeltaTS = 0
		c.UCOrigin = OriginDown
	}
	p.UCRIBStartTS = 0
	p.UCRIBEndTS = 0
}

func (e *Engine) wipeLiveForPeer(p *PeerPayload) {
	for _, c := range e.view.CellsForPeer(p.ID) {
		c.LastTS = 0
		c.Origin = OriginDown
		c.State = StateInactive
	}
}

// applyPeerStateElement implements 4.E.4: apply a peer FSM transition.
func (e *Engine) applyPeerStateElement(c *Collector, el Element, ts int64) error {
	sig := PeerSignature{Collector: c.Name, PeerIP: el.PeerIP, PeerASN: el.PeerASN}
	p := e.view.GetOrCreatePeer(sig)
	c.PeerIDs[p.ID] = struct{}{}

	p.Counters.StateMessages++
	p.LastTS = maxInt64(p.LastTS, ts)

	prior := p.FSMState
	next := el.NewFSMState

	switch {
	case prior == FSMEstablished && next != FSMEstablished:
		p.FSMState = next
		p.RefRIBStartTS = ts
		p.RefRIBEndTS = ts
		if ts >= p.UCRIBStartTS {
			e.wipeUCForPeer(p)
		}
		e.wipeLiveForPeer(p)
		p.ViewState = StateInactive

	case prior != FSMEstablished && next == FSMEstablished:
		p.ViewState = StateActive
		p.FSMState = next
		p.RefRIBStartTS = ts
		p.RefRIBEndTS = ts

	default:
		p.FSMState = next
		p.RefRIBStartTS = ts
		p.RefRIBEndTS = ts
	}

	return nil
}

// applyRIBRow implements 4.E.5: fold one RIB-dump row into the
// under-construction side of its cell.
func (e *Engine) applyRIBRow(c *Collector, el Element, ts int64) error {
	sig := PeerSignature{Collector: c.Name, PeerIP: el.PeerIP, PeerASN: el.PeerASN}
	p := e.view.GetOrCreatePeer(sig)
	c.PeerIDs[p.ID] = struct{}{}

	if !peerPathSane(el.ASPath, el.PeerASN) {
		return nil
	}

	p.Counters.RIBRows++
	p.LastTS = maxInt64(p.LastTS, ts)

	if p.UCRIBStartTS == 0 {
		p.UCRIBStartTS = ts
	}
	p.UCRIBEndTS = ts

	pfx, family, err := parseElementPrefix(el.Prefix)
	if err != nil {
		return err
	}
	cell := e.view.GetOrCreateCell(family, pfx, p.ID)
	cell.UCDeltaTS = ts - p.UCRIBStartTS
	cell.UCOrigin = ExtractOrigin(el.ASPath)

	return nil
}
