package engine

import "context"

// FullFeedThresholds configures the full-feed predicate of component G:
// a peer is accepted for publication once its active cell count in
// either family reaches that family's threshold.
type FullFeedThresholds struct {
	V4 int
	V6 int
}

func (t FullFeedThresholds) accept(activeV4, activeV6 int) bool {
	return activeV4 >= t.V4 || activeV6 >= t.V6
}

// IntervalStart implements 4.G: open a new publication interval at
// t_start.
func (e *Engine) IntervalStart(tStart int64) {
	e.view.ViewTime = tStart
}

func (e *Engine) buildSnapshot() ViewSnapshot {
	peerActiveV4 := make(map[int]int, e.view.registry.Len())
	peerActiveV6 := make(map[int]int, e.view.registry.Len())

	var cells []CellSnapshot
	for _, pid := range e.view.Peers() {
		for ref, c := range e.view.CellsForPeer(pid) {
			if c.State != StateActive {
				continue
			}
			if ref.family == 6 {
				peerActiveV6[pid]++
			} else {
				peerActiveV4[pid]++
			}
			cells = append(cells, CellSnapshot{
				Prefix: c.Prefix,
				PeerID: c.PeerID,
				State:  c.State,
				Origin: c.Origin,
				LastTS: c.LastTS,
			})
		}
	}

	var peers []PeerSnapshot
	for _, pid := range e.view.Peers() {
		p, ok := e.view.Peer(pid)
		if !ok {
			continue
		}
		peers = append(peers, PeerSnapshot{
			ID:                 p.ID,
			Signature:          p.Signature,
			ViewState:          p.ViewState,
			FSMState:           p.FSMState,
			Counters:           p.Counters,
			ActiveV4:           peerActiveV4[pid],
			ActiveV6:           peerActiveV6[pid],
			RefRIBStartTS:      p.RefRIBStartTS,
			RefRIBEndTS:        p.RefRIBEndTS,
			UCRIBStartTS:       p.UCRIBStartTS,
			UCRIBEndTS:         p.UCRIBEndTS,
			AnnouncingASNCount: len(p.AnnouncingASNs),
			AnnouncedV4Count:   len(p.AnnouncedPrefixes[4]),
			AnnouncedV6Count:   len(p.AnnouncedPrefixes[6]),
			WithdrawnV4Count:   len(p.WithdrawnPrefixes[4]),
			WithdrawnV6Count:   len(p.WithdrawnPrefixes[6]),
		})
	}

	var collectors []CollectorSnapshot
	for name, c := range e.collectors {
		active := 0
		for id := range c.PeerIDs {
			if p, ok := e.view.Peer(id); ok && p.FSMState == FSMEstablished {
				active++
			}
		}
		collectors = append(collectors, CollectorSnapshot{
			Name:        name,
			Project:     c.Project,
			State:       c.State,
			ActivePeers: active,
			Counters:    c.Counters,
		})
	}

	return ViewSnapshot{ViewTime: e.view.ViewTime, Collectors: collectors, Peers: peers, Cells: cells}
}

// FullFeedAcceptance returns the PeerAcceptance predicate a ViewSink
// should apply to the snapshot it's handed, per the configured
// per-family thresholds.
func (e *Engine) FullFeedAcceptance() PeerAcceptance {
	thresholds := e.cfg.FullFeed
	return func(p PeerSnapshot) bool {
		return thresholds.accept(p.ActiveV4, p.ActiveV6)
	}
}

// IntervalEnd implements 4.G: close the current interval, handing a
// snapshot of the view to sink (if configured) along with the full-feed
// predicate, and emitting metrics to metricsSink.
func (e *Engine) IntervalEnd(ctx context.Context, sink ViewSink, metricsSink MetricsSink) error {
	snap := e.buildSnapshot()

	var err error
	if sink != nil {
		err = sink.PublishView(ctx, snap, e.FullFeedAcceptance())
	}
	if metricsSink != nil {
		e.emitMetrics(metricsSink, snap)
	}
	return err
}
