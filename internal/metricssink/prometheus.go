// Package metricssink implements engine.MetricsSink against Prometheus.
package metricssink

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus routes the engine's dotted metric keys
// ("<prefix>.<collector>.<peer>.<name>" or "<prefix>.<collector>.<name>")
// to one gauge family per suffix, the way internal/metrics registers the
// donor's series. Unlike the donor's fixed set of Go variables, the set of
// (collector, peer) label combinations is only known at runtime, so each
// family is a GaugeVec keyed on collector (and peer, for peer-level
// series).
type Prometheus struct {
	prefix  string
	enabled bool

	collectorGauges map[string]*prometheus.GaugeVec
	peerGauges      map[string]*prometheus.GaugeVec

	mu sync.Mutex
}

func New(prefix string, enabled bool) *Prometheus {
	return &Prometheus{
		prefix:          prefix,
		enabled:         enabled,
		collectorGauges: make(map[string]*prometheus.GaugeVec),
		peerGauges:      make(map[string]*prometheus.GaugeVec),
	}
}

// collectorSeries maps an engine key suffix emitted at collector scope to
// its Prometheus series name.
var collectorSeries = map[string]string{
	"valid_records":     "rib_collector_records_total_valid",
	"corrupted_records":  "rib_collector_records_total_corrupted",
	"empty_records":      "rib_collector_records_total_empty",
	"active_peers":       "rib_collector_active_peers",
	"state":              "rib_collector_state",
}

// peerSeries maps an engine key suffix emitted at peer scope to its
// Prometheus series name.
var peerSeries = map[string]string{
	"rib_rows":               "rib_peer_rib_rows_total",
	"updates":                "rib_peer_updates_total",
	"pos_mismatches":         "rib_peer_mismatch_total_positive",
	"neg_mismatches":         "rib_peer_mismatch_total_negative",
	"state_messages":         "rib_peer_state_msgs_total",
	"active_v4":              "rib_peer_active_prefixes_v4",
	"active_v6":              "rib_peer_active_prefixes_v6",
	"fsm_state":              "rib_peer_fsm_state",
	"ref_rib_time_start":     "rib_peer_ref_rib_time_seconds_start",
	"ref_rib_time_end":       "rib_peer_ref_rib_time_seconds_end",
	"uc_rib_time_start":      "rib_peer_uc_rib_time_seconds_start",
	"uc_rib_time_end":        "rib_peer_uc_rib_time_seconds_end",
	"announcing_asns":        "rib_peer_announcing_asns",
	"announced_prefixes_v4":  "rib_peer_announced_prefixes_v4",
	"announced_prefixes_v6":  "rib_peer_announced_prefixes_v6",
	"withdrawn_prefixes_v4":  "rib_peer_withdrawn_prefixes_v4",
	"withdrawn_prefixes_v6":  "rib_peer_withdrawn_prefixes_v6",
}

// EmitMetric decodes one dotted engine metric key and sets the matching
// Prometheus series. Unrecognized suffixes are ignored rather than
// registering an unbounded set of ad hoc series.
func (p *Prometheus) EmitMetric(key string, value float64) {
	if !p.enabled {
		return
	}
	trimmed := strings.TrimPrefix(key, p.prefix+".")
	if trimmed == key {
		return
	}
	parts := strings.Split(trimmed, ".")

	switch len(parts) {
	case 2: // collector.suffix
		name, ok := collectorSeries[parts[1]]
		if !ok {
			return
		}
		p.collectorGauge(name).WithLabelValues(parts[0]).Set(value)

	case 3: // collector.peer.suffix
		name, ok := peerSeries[parts[2]]
		if !ok {
			return
		}
		p.peerGauge(name).WithLabelValues(parts[0], parts[1]).Set(value)
	}
}

func (p *Prometheus) collectorGauge(name string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.collectorGauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: "RIB view engine collector metric."}, []string{"collector"})
		prometheus.MustRegister(g)
		p.collectorGauges[name] = g
	}
	return g
}

func (p *Prometheus) peerGauge(name string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.peerGauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: "RIB view engine peer metric."}, []string{"collector", "peer"})
		prometheus.MustRegister(g)
		p.peerGauges[name] = g
	}
	return g
}
