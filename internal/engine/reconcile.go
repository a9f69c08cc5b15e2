package engine

// DefaultBacklogWindowSecs and DefaultInactiveTimeoutSecs are the
// reconciler's tunables (spec.md §6 "backlog_window_secs" /
// "inactive_timeout_secs"); both can be overridden via EngineConfig.
const (
	DefaultBacklogWindowSecs   = 60
	DefaultInactiveTimeoutSecs = 3600
)

// RIBStart implements 4.F.1: begin a new under-construction RIB dump
// for c, first stopping any dump already in flight.
func (e *Engine) RIBStart(c *Collector, dumpTime, recordTime int64) {
	if c.UCRIBDumpTime != 0 {
		e.StopUC(c)
	}
	c.UCRIBDumpTime = dumpTime
	c.UCRIBStartTime = recordTime
}

// ucTimestamp computes the effective RIB timestamp for a cell's
// under-construction side, per 4.F.2. A cell no row ever touched this
// dump has uc_delta_ts=0, so this naturally evaluates to ucStart itself
// (the peer never received any row at all is excluded earlier, by the
// uc_rib_start_ts(p) != 0 guard around the whole reconciliation loop).
func ucTimestamp(cell *Cell, ucStart int64) int64 {
	return cell.UCDeltaTS + ucStart
}

func backlogHolds(ucTS, lastTS, ucStart, backlogWindow int64) bool {
	if !(ucTS > lastTS) {
		return false
	}
	if lastTS > ucStart-backlogWindow {
		return false
	}
	return true
}

func (e *Engine) reconcileCell(p *PeerPayload, cell *Cell, backlogWindow int64) {
	ucTS := ucTimestamp(cell, p.UCRIBStartTS)
	holds := backlogHolds(ucTS, cell.LastTS, p.UCRIBStartTS, backlogWindow)

	switch {
	case holds && cell.UCOrigin.Kind != OriginKindDown:
		wasActiveDown := cell.State == StateActive && cell.LastTS != 0 && cell.Origin.Kind == OriginKindDown
		cell.LastTS = ucTS
		cell.Origin = cell.UCOrigin
		cell.State = StateActive
		p.ViewState = StateActive
		p.FSMState = FSMEstablished
		p.RefRIBStartTS = p.UCRIBStartTS
		p.RefRIBEndTS = p.UCRIBEndTS
		if wasActiveDown {
			p.Counters.NegMismatches++
		}

	case holds:
		wasActive := cell.State == StateActive
		cell.LastTS = 0
		cell.Origin = OriginDown
		cell.State = StateInactive
		if wasActive {
			p.Counters.PosMismatches++
		}

	default:
		if cell.Origin.IsReal() {
			cell.State = StateActive
			p.ViewState = StateActive
			p.FSMState = FSMEstablished
			p.RefRIBStartTS = p.UCRIBStartTS
			p.RefRIBEndTS = p.UCRIBEndTS
		}
	}

	cell.UCDeltaTS = 0
	cell.UCOrigin = OriginDown
}

// RIBEnd implements 4.F.2: promote the under-construction RIB dump for
// c to reference status, reconciling every cell of every peer that
// received at least one row this dump against the backlog window, and
// demoting peers that went stale without ever receiving one.
func (e *Engine) RIBEnd(c *Collector) {
	backlogWindow := e.cfg.BacklogWindowSecs
	inactiveTimeout := e.cfg.InactiveTimeoutSecs

	for pid := range c.PeerIDs {
		p, ok := e.view.Peer(pid)
		if !ok || p.UCRIBStartTS == 0 {
			continue
		}
		for _, cell := range e.view.CellsForPeer(pid) {
			e.reconcileCell(p, cell, backlogWindow)
		}
	}

	for pid := range c.PeerIDs {
		p, ok := e.view.Peer(pid)
		if !ok {
			continue
		}
		if p.UCRIBStartTS != 0 {
			p.UCRIBStartTS = 0
			p.UCRIBEndTS = 0
			continue
		}
		if p.FSMState == FSMEstablished && p.LastTS < c.BGPTimeLast-inactiveTimeout {
			e.demotePeerToUnknown(p)
		}
	}

	c.RefRIBDumpTime = c.UCRIBDumpTime
	c.RefRIBStartTime = c.UCRIBStartTime
	c.UCRIBDumpTime = 0
	c.UCRIBStartTime = 0
}

func (e *Engine) demotePeerToUnknown(p *PeerPayload) {
	p.FSMState = FSMUnknown
	p.ViewState = StateInactive
	e.wipeLiveForPeer(p)
}

// Corrupted implements 4.F.3: a corrupted record or source at ts resets
// every peer whose reference RIB started at or before ts (its live state is
// wiped and it goes back to Unknown), and drops the under-construction
// state of every peer whose under-construction RIB started at or before ts.
func (e *Engine) Corrupted(c *Collector, ts int64) {
	for pid := range c.PeerIDs {
		p, ok := e.view.Peer(pid)
		if !ok {
			continue
		}
		if p.RefRIBStartTS != 0 && ts >= p.RefRIBStartTS {
			p.FSMState = FSMUnknown
			p.ViewState = StateInactive
			p.RefRIBStartTS = 0
			p.RefRIBEndTS = 0
			e.wipeLiveForPeer(p)
		}
		if p.UCRIBStartTS != 0 && ts >= p.UCRIBStartTS {
			e.wipeUCForPeer(p)
		}
	}
	c.Counters.Corrupted++
}

// StopUC implements 4.F.5: abandon the in-flight under-construction RIB
// dump for c without promoting it, as happens when a new dump starts
// before the previous one reached its End marker.
func (e *Engine) StopUC(c *Collector) {
	for pid := range c.PeerIDs {
		p, ok := e.view.Peer(pid)
		if !ok {
			continue
		}
		for _, cell := range e.view.CellsForPeer(pid) {
			cell.UCDeltaTS = 0
			cell.UCOrigin = OriginDown
			if p.ViewState == StateInactive {
				cell.LastTS = 0
				cell.Origin = OriginDown
			}
		}
		p.UCRIBStartTS = 0
		p.UCRIBEndTS = 0
	}
	c.UCRIBDumpTime = 0
	c.UCRIBStartTime = 0
}
