package engine

import "testing"

func newTestEngine() (*Engine, *Collector) {
	e := New(DefaultEngineConfig(), nil)
	c := NewCollector("rrc00", "ris")
	e.collectors[c.Name] = c
	return e, c
}

func TestRIBStartStopsPriorUnfinishedDump(t *testing.T) {
	e, c := newTestEngine()
	p := e.view.GetOrCreatePeer(PeerSignature{Collector: c.Name, PeerIP: "192.0.2.1", PeerASN: 65001})
	c.PeerIDs[p.ID] = struct{}{}

	e.RIBStart(c, 1000, 1000)
	if err := e.applyRIBRow(c, Element{PeerIP: "192.0.2.1", PeerASN: 65001, Prefix: "10.0.0.0/24", ASPath: ASPath{seq(65001)}}, 1001); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.UCRIBStartTS == 0 {
		t.Fatalf("expected UC started")
	}

	// A second RIB Start before End should implicitly stop_uc the first.
	e.RIBStart(c, 2000, 2000)
	if p.UCRIBStartTS != 0 {
		t.Fatalf("expected stop_uc to clear the abandoned dump's peer UC window")
	}
	if c.UCRIBDumpTime != 2000 {
		t.Fatalf("expected new dump time recorded, got %d", c.UCRIBDumpTime)
	}
}

func TestRIBRowIgnoredFromWrongDump(t *testing.T) {
	e, c := newTestEngine()
	e.RIBStart(c, 1000, 1000)

	rec := Record{
		Status: StatusValid, DumpType: DumpRib, DumpTime: 999, RecordTime: 1001, Collector: c.Name,
		Elements: []Element{{Type: ElementRIBRow, PeerIP: "192.0.2.1", PeerASN: 65001, Prefix: "10.0.0.0/24", ASPath: ASPath{seq(65001)}}},
	}
	if err := e.FoldRecord(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sig := PeerSignature{Collector: c.Name, PeerIP: "192.0.2.1", PeerASN: 65001}
	id, ok := e.registry.Lookup(sig)
	if !ok {
		t.Fatalf("peer should still be registered by the element dispatch")
	}
	p, _ := e.view.Peer(id)
	if p.UCRIBStartTS != 0 {
		t.Fatalf("row from a stale dump_time must be ignored, got uc_rib_start_ts=%d", p.UCRIBStartTS)
	}
}

func TestCorruptedWipesLiveAndUC(t *testing.T) {
	e, c := newTestEngine()
	p := e.view.GetOrCreatePeer(PeerSignature{Collector: c.Name, PeerIP: "192.0.2.1", PeerASN: 65001})
	c.PeerIDs[p.ID] = struct{}{}
	p.FSMState = FSMEstablished
	p.ViewState = StateActive
	p.RefRIBStartTS = 100
	p.UCRIBStartTS = 150

	cell := e.view.GetOrCreateCell(4, pfx("10.0.0.0/24"), p.ID)
	cell.State = StateActive
	cell.Origin = RealOrigin(65001)
	cell.LastTS = 120
	cell.UCDeltaTS = 5
	cell.UCOrigin = RealOrigin(65002)

	e.Corrupted(c, 200)

	if p.FSMState != FSMUnknown || p.ViewState != StateInactive {
		t.Fatalf("expected peer reset to Unknown/Inactive, got %v/%v", p.FSMState, p.ViewState)
	}
	if cell.State != StateInactive || cell.LastTS != 0 || !cell.Origin.IsDown() {
		t.Fatalf("expected cell live fields wiped, got %+v", cell)
	}
	if cell.UCDeltaTS != 0 || !cell.UCOrigin.IsDown() {
		t.Fatalf("expected cell UC fields wiped, got %+v", cell)
	}
	if c.Counters.Corrupted != 1 {
		t.Fatalf("expected corrupted counter incremented")
	}
}

func TestStopUCClearsUCButPreservesActiveLive(t *testing.T) {
	e, c := newTestEngine()
	p := e.view.GetOrCreatePeer(PeerSignature{Collector: c.Name, PeerIP: "192.0.2.1", PeerASN: 65001})
	c.PeerIDs[p.ID] = struct{}{}
	p.ViewState = StateActive
	p.UCRIBStartTS = 100

	cell := e.view.GetOrCreateCell(4, pfx("10.0.0.0/24"), p.ID)
	cell.State = StateActive
	cell.Origin = RealOrigin(65001)
	cell.LastTS = 90
	cell.UCDeltaTS = 5
	cell.UCOrigin = RealOrigin(65002)

	e.StopUC(c)

	if cell.UCDeltaTS != 0 || !cell.UCOrigin.IsDown() {
		t.Fatalf("expected UC fields cleared, got %+v", cell)
	}
	if cell.LastTS != 90 || cell.Origin.ASN != 65001 {
		t.Fatalf("expected live fields preserved for Active peer, got %+v", cell)
	}
	if p.UCRIBStartTS != 0 || c.UCRIBDumpTime != 0 {
		t.Fatalf("expected UC window cleared")
	}
}
