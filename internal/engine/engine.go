package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// EngineConfig collects the tunables component D-G need; it is built
// once from the rib-ingester configuration's `engine:` section.
type EngineConfig struct {
	Band ReservedBand

	BacklogWindowSecs   int64
	InactiveTimeoutSecs int64

	FullFeed FullFeedThresholds

	MetricPrefix string
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Band:                DefaultReservedBand(),
		BacklogWindowSecs:   DefaultBacklogWindowSecs,
		InactiveTimeoutSecs: DefaultInactiveTimeoutSecs,
		FullFeed:            FullFeedThresholds{V4: 1, V6: 1},
		MetricPrefix:        "rib",
	}
}

// Engine ties the peer registry, view, and per-collector bookkeeping
// together behind FoldRecord/IntervalStart/IntervalEnd: the single
// cooperative loop described in spec.md §5.
type Engine struct {
	cfg EngineConfig

	registry   *PeerRegistry
	view       *View
	collectors map[string]*Collector

	logger *zap.Logger
}

// New constructs an Engine. logger may be nil.
func New(cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := NewPeerRegistry()
	return &Engine{
		cfg:        cfg,
		registry:   registry,
		view:       NewView(registry),
		collectors: make(map[string]*Collector),
		logger:     logger.Named("engine"),
	}
}

func (e *Engine) View() *View { return e.view }

func (e *Engine) getOrCreateCollector(name, project string) *Collector {
	c, ok := e.collectors[name]
	if !ok {
		c = NewCollector(name, project)
		e.collectors[name] = c
	}
	return c
}

func (e *Engine) Collector(name string) (*Collector, bool) {
	c, ok := e.collectors[name]
	return c, ok
}

// FoldRecord implements the record-level dispatch of components D, E
// and F: it selects or creates the record's collector, then applies the
// record's status and elements against the view.
func (e *Engine) FoldRecord(rec Record) error {
	c := e.getOrCreateCollector(rec.Collector, rec.Project)

	switch rec.Status {
	case StatusEmptySource, StatusFilteredSource:
		c.AdvanceBGPTime(rec.RecordTime)
		c.Counters.Empty++
		c.RecomputeState(e.view)
		return nil

	case StatusCorruptedRecord, StatusCorruptedSource:
		e.Corrupted(c, rec.RecordTime)
		c.AdvanceBGPTime(rec.RecordTime)
		c.RecomputeState(e.view)
		return nil
	}

	c.AdvanceBGPTime(rec.RecordTime)

	// Recompute collector lifecycle last, after any RIB-end promotion has
	// had a chance to change a peer's FSM state.
	defer c.RecomputeState(e.view)

	if rec.DumpType == DumpRib {
		switch rec.DumpPos {
		case DumpPosStart:
			e.RIBStart(c, rec.DumpTime, rec.RecordTime)
		case DumpPosEnd:
			defer e.RIBEnd(c)
		}
	}

	for _, el := range rec.Elements {
		if err := e.applyElement(c, rec, el); err != nil {
			e.logger.Warn("dropping malformed element",
				zap.String("collector", rec.Collector),
				zap.Error(err))
		}
	}

	c.Counters.Valid++
	return nil
}

func (e *Engine) applyElement(c *Collector, rec Record, el Element) error {
	switch el.Type {
	case ElementRIBRow:
		if rec.DumpType != DumpRib || rec.DumpTime != c.UCRIBDumpTime {
			// A row belonging to some other dump than the one currently
			// under construction is ignored (4.F.1); its peer is still
			// registered with the collector.
			p := e.view.GetOrCreatePeer(PeerSignature{Collector: c.Name, PeerIP: el.PeerIP, PeerASN: el.PeerASN})
			c.PeerIDs[p.ID] = struct{}{}
			return nil
		}
		return e.applyRIBRow(c, el, rec.RecordTime)
	case ElementAnnouncement, ElementWithdrawal:
		return e.applyUpdateElement(c, el, rec.RecordTime)
	case ElementPeerState:
		return e.applyPeerStateElement(c, el, rec.RecordTime)
	default:
		return fmt.Errorf("unknown element type %d", el.Type)
	}
}

// graphiteSafe unifies the separators the engine has to strip out of
// collector names and peer addresses before they can be embedded as one
// segment of a dotted metric path.
func graphiteSafe(s string) string {
	s = strings.ReplaceAll(s, ".", "-")
	s = strings.ReplaceAll(s, "*", "-")
	s = strings.ReplaceAll(s, ":", "-")
	return s
}

func (e *Engine) emitMetrics(sink MetricsSink, snap ViewSnapshot) {
	prefix := e.cfg.MetricPrefix
	for _, p := range snap.Peers {
		peerKey := graphiteSafe(p.Signature.PeerIP)
		collectorKey := graphiteSafe(p.Signature.Collector)
		base := prefix + "." + collectorKey + "." + peerKey

		sink.EmitMetric(base+".rib_rows", float64(p.Counters.RIBRows))
		sink.EmitMetric(base+".updates", float64(p.Counters.Updates))
		sink.EmitMetric(base+".pos_mismatches", float64(p.Counters.PosMismatches))
		sink.EmitMetric(base+".neg_mismatches", float64(p.Counters.NegMismatches))
		sink.EmitMetric(base+".state_messages", float64(p.Counters.StateMessages))
		sink.EmitMetric(base+".active_v4", float64(p.ActiveV4))
		sink.EmitMetric(base+".active_v6", float64(p.ActiveV6))
		sink.EmitMetric(base+".fsm_state", float64(p.FSMState))
		sink.EmitMetric(base+".ref_rib_time_start", float64(p.RefRIBStartTS))
		sink.EmitMetric(base+".ref_rib_time_end", float64(p.RefRIBEndTS))
		sink.EmitMetric(base+".uc_rib_time_start", float64(p.UCRIBStartTS))
		sink.EmitMetric(base+".uc_rib_time_end", float64(p.UCRIBEndTS))
		sink.EmitMetric(base+".announcing_asns", float64(p.AnnouncingASNCount))
		sink.EmitMetric(base+".announced_prefixes_v4", float64(p.AnnouncedV4Count))
		sink.EmitMetric(base+".announced_prefixes_v6", float64(p.AnnouncedV6Count))
		sink.EmitMetric(base+".withdrawn_prefixes_v4", float64(p.WithdrawnV4Count))
		sink.EmitMetric(base+".withdrawn_prefixes_v6", float64(p.WithdrawnV6Count))
	}

	for _, c := range snap.Collectors {
		key := prefix + "." + graphiteSafe(c.Name)
		sink.EmitMetric(key+".valid_records", float64(c.Counters.Valid))
		sink.EmitMetric(key+".corrupted_records", float64(c.Counters.Corrupted))
		sink.EmitMetric(key+".empty_records", float64(c.Counters.Empty))
		sink.EmitMetric(key+".active_peers", float64(c.ActivePeers))
		sink.EmitMetric(key+".state", float64(c.State))
	}
}
