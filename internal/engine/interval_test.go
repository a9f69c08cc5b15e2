package engine

import (
	"context"
	"testing"
)

type recordingSink struct {
	snap   ViewSnapshot
	accept PeerAcceptance
}

func (s *recordingSink) PublishView(_ context.Context, snap ViewSnapshot, accept PeerAcceptance) error {
	s.snap = snap
	s.accept = accept
	return nil
}

type recordingMetrics struct {
	values map[string]float64
}

func (m *recordingMetrics) EmitMetric(key string, value float64) {
	if m.values == nil {
		m.values = make(map[string]float64)
	}
	m.values[key] = value
}

func TestIntervalEndPublishesActiveCellsAndComputesThreshold(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.FullFeed = FullFeedThresholds{V4: 2, V6: 100}
	e := New(cfg, nil)
	c := NewCollector("rrc00", "ris")
	e.collectors[c.Name] = c

	p := e.view.GetOrCreatePeer(PeerSignature{Collector: c.Name, PeerIP: "192.0.2.1", PeerASN: 65001})
	c.PeerIDs[p.ID] = struct{}{}
	p.ViewState = StateActive
	p.FSMState = FSMEstablished

	for _, cidr := range []string{"10.0.0.0/24", "10.0.1.0/24"} {
		cell := e.view.GetOrCreateCell(4, pfx(cidr), p.ID)
		cell.State = StateActive
		cell.Origin = RealOrigin(65001)
	}
	// An inactive cell should not count toward the full-feed threshold.
	inactive := e.view.GetOrCreateCell(4, pfx("10.0.2.0/24"), p.ID)
	inactive.State = StateInactive

	e.IntervalStart(5000)

	sink := &recordingSink{}
	metrics := &recordingMetrics{}
	if err := e.IntervalEnd(context.Background(), sink, metrics); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sink.snap.ViewTime != 5000 {
		t.Fatalf("expected view_time to propagate, got %d", sink.snap.ViewTime)
	}
	if len(sink.snap.Cells) != 2 {
		t.Fatalf("expected only active cells in snapshot, got %d", len(sink.snap.Cells))
	}
	if len(sink.snap.Peers) != 1 || sink.snap.Peers[0].ActiveV4 != 2 {
		t.Fatalf("expected peer active_v4=2, got %+v", sink.snap.Peers)
	}
	if !sink.accept(sink.snap.Peers[0]) {
		t.Fatalf("expected peer with 2 active v4 cells to meet the configured threshold")
	}

	if metrics.values["rib.rrc00.192-0-2-1.active_v4"] != 2 {
		t.Fatalf("expected active_v4 metric emitted, got %v", metrics.values)
	}
}

func TestFullFeedAcceptanceRejectsBelowThreshold(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.FullFeed = FullFeedThresholds{V4: 10, V6: 10}
	e := New(cfg, nil)
	accept := e.FullFeedAcceptance()

	if accept(PeerSnapshot{ActiveV4: 1, ActiveV6: 1}) {
		t.Fatalf("expected peer below both thresholds to be rejected")
	}
	if !accept(PeerSnapshot{ActiveV4: 10, ActiveV6: 0}) {
		t.Fatalf("expected peer meeting the v4 threshold to be accepted")
	}
}
