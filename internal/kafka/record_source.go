package kafka

import (
	"context"
	"crypto/tls"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/route-beacon/rib-ingester/internal/bgp"
	"github.com/route-beacon/rib-ingester/internal/bmp"
	"github.com/route-beacon/rib-ingester/internal/config"
	"github.com/route-beacon/rib-ingester/internal/engine"
	"github.com/route-beacon/rib-ingester/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// dumpState tracks whether a collector currently has a Loc-RIB dump in
// flight, so consecutive Route Monitoring rows can be tagged Start/Middle/
// End the way spec.md §6 expects from a record source.
type dumpState struct {
	dumpTime int64 // 0 when no dump is in progress
}

// RecordSource adapts the donor's franz-go consumer-group machinery into
// engine.RecordSource: it decodes raw OpenBMP/BMP/BGP frames into
// engine.Record values and hands them out one at a time via Next, acking
// the underlying Kafka record only once every engine.Record folded out of
// it has been acknowledged back.
type RecordSource struct {
	client *kgo.Client
	logger *zap.Logger

	routerMeta map[string]config.RouterMeta
	project    string

	maxPayloadBytes int

	joined atomic.Bool

	mu      sync.Mutex
	pending []queuedRecord
	dumps   map[string]*dumpState

	refMu    sync.Mutex
	refcount map[*kgo.Record]int

	lastMu     sync.Mutex
	lastSource *kgo.Record

	commitCh chan *kgo.Record
}

type queuedRecord struct {
	rec    engine.Record
	source *kgo.Record
}

// NewRecordSource builds a RecordSource consuming raw OpenBMP frames
// (goBMP `-bmp-raw=true` mode) from the configured topics.
func NewRecordSource(brokers []string, groupID string, topics []string, clientID string,
	fetchMaxBytes int32, maxPayloadBytes int, tlsCfg *tls.Config, saslMech sasl.Mechanism,
	routerMeta map[string]config.RouterMeta, project string, logger *zap.Logger) (*RecordSource, error) {

	rs := &RecordSource{
		logger:          logger,
		routerMeta:      routerMeta,
		project:         project,
		maxPayloadBytes: maxPayloadBytes,
		dumps:           make(map[string]*dumpState),
		refcount:        make(map[*kgo.Record]int),
		commitCh:        make(chan *kgo.Record, 1024),
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ClientID(clientID),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			rs.joined.Store(true)
			logger.Info("record source: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, _ map[string][]int32) {
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Error("record source: commit on revoke failed", zap.Error(err))
			}
			rs.joined.Store(false)
			logger.Info("record source: partitions revoked")
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			rs.joined.Store(false)
			logger.Info("record source: partitions lost")
		}),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	rs.client = client

	go rs.commitLoop()

	return rs, nil
}

func (rs *RecordSource) IsJoined() bool { return rs.joined.Load() }

func (rs *RecordSource) Close() {
	close(rs.commitCh)
	rs.client.Close()
}

// commitLoop marks and commits offsets for Kafka records whose every
// derived engine.Record has been acknowledged.
func (rs *RecordSource) commitLoop() {
	for r := range rs.commitCh {
		rs.client.MarkCommitRecords(r)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rs.client.CommitMarkedOffsets(ctx); err != nil {
			rs.logger.Error("record source: commit offsets failed", zap.Error(err))
		}
		cancel()
	}
}

// Next blocks until an engine.Record is ready, decoding more Kafka
// records as needed.
func (rs *RecordSource) Next(ctx context.Context) (engine.Record, error) {
	for {
		rs.mu.Lock()
		if len(rs.pending) > 0 {
			qr := rs.pending[0]
			rs.pending = rs.pending[1:]
			rs.mu.Unlock()

			rs.refMu.Lock()
			rs.refcount[qr.source]++
			rs.refMu.Unlock()

			return rs.tagRecord(qr), nil
		}
		rs.mu.Unlock()

		fetches := rs.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return engine.Record{}, ctx.Err()
		}
		for _, e := range fetches.Errors() {
			rs.logger.Error("record source: fetch error",
				zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
		}

		fetches.EachRecord(func(r *kgo.Record) {
			decoded := rs.decode(r)
			if len(decoded) == 0 {
				// Nothing decoded (fully filtered/empty) — no consumer will
				// ever Ack it, so commit its offset immediately.
				rs.commitCh <- r
				return
			}
			rs.mu.Lock()
			for _, er := range decoded {
				rs.pending = append(rs.pending, queuedRecord{rec: er, source: r})
			}
			rs.mu.Unlock()
		})
	}
}

func (rs *RecordSource) tagRecord(qr queuedRecord) engine.Record {
	rs.lastMu.Lock()
	rs.lastSource = qr.source
	rs.lastMu.Unlock()
	return qr.rec
}

// Ack releases one reference on the Kafka record a given engine.Record came
// from; once every decoded engine.Record from that Kafka record has been
// acked, its offset is committed. The engine folds records strictly
// sequentially (one goroutine, Next followed by Ack before the next Next),
// so tracking "the most recently handed out source" is sufficient here.
func (rs *RecordSource) Ack(_ context.Context, r engine.Record) error {
	_ = r
	rs.lastMu.Lock()
	src := rs.lastSource
	rs.lastMu.Unlock()
	if src == nil {
		return nil
	}

	rs.refMu.Lock()
	rs.refcount[src]--
	done := rs.refcount[src] <= 0
	if done {
		delete(rs.refcount, src)
	}
	rs.refMu.Unlock()

	if done {
		rs.commitCh <- src
	}
	return nil
}

// decode turns one raw Kafka record (an OpenBMP frame, possibly holding
// several concatenated BMP messages) into zero or more engine.Records.
func (rs *RecordSource) decode(r *kgo.Record) []engine.Record {
	now := time.Now().Unix()

	bmpBytes, err := bmp.DecodeOpenBMPFrame(r.Value, rs.maxPayloadBytes)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("raw", "openbmp_decode").Inc()
		return []engine.Record{{Status: engine.StatusCorruptedSource, Collector: "unknown", Project: rs.project, RecordTime: now}}
	}

	msgs, err := bmp.ParseAll(bmpBytes)
	if err != nil && len(msgs) == 0 {
		metrics.ParseErrorsTotal.WithLabelValues("raw", "bmp_parse").Inc()
		return []engine.Record{{Status: engine.StatusCorruptedSource, Collector: "unknown", Project: rs.project, RecordTime: now}}
	}

	obmpRouterIP := bmp.RouterIPFromOpenBMPV17(r.Value)

	var out []engine.Record
	for _, parsed := range msgs {
		if !parsed.IsLocRIB {
			continue // Adj-RIB-In / non-Loc-RIB peers are out of scope for the view engine.
		}

		collector := parsed.PeerAddress
		if collector == "" {
			collector = bmp.RouterIDFromPeerHeader(bmpBytes[parsed.Offset+bmp.CommonHeaderSize:])
		}
		if collector == "" || collector == "::" || collector == "0.0.0.0" {
			collector = obmpRouterIP
		}
		if collector == "" {
			collector = "unknown"
		}
		meta, hasMeta := rs.routerMeta[collector]
		if hasMeta && meta.Name != "" {
			collector = meta.Name
		}
		project := rs.project
		if hasMeta && meta.Project != "" {
			project = meta.Project
		}

		switch parsed.MsgType {
		case bmp.MsgTypePeerUp:
			out = append(out, engine.Record{
				Status: engine.StatusValid, Collector: collector, Project: project, RecordTime: now,
				Elements: []engine.Element{{Type: engine.ElementPeerState, PeerIP: parsed.PeerAddress, PeerASN: parsed.PeerAS, NewFSMState: engine.FSMEstablished}},
			})

		case bmp.MsgTypePeerDown:
			delete(rs.dumps, collector)
			out = append(out, engine.Record{
				Status: engine.StatusValid, Collector: collector, Project: project, RecordTime: now,
				Elements: []engine.Element{{Type: engine.ElementPeerState, PeerIP: parsed.PeerAddress, PeerASN: parsed.PeerAS, NewFSMState: engine.FSMIdle}},
			})

		case bmp.MsgTypeRouteMonitoring:
			if parsed.BGPData == nil {
				continue
			}
			rec, ok := rs.decodeRouteMonitoring(collector, project, parsed, now)
			if ok {
				out = append(out, rec)
			}

		default:
			// Initiation/Termination/Statistics Report carry no view state.
		}
	}

	if len(out) == 0 && len(msgs) > 0 {
		return []engine.Record{{Status: engine.StatusFilteredSource, Collector: "unknown", Project: rs.project, RecordTime: now}}
	}
	return out
}

func (rs *RecordSource) decodeRouteMonitoring(collector, project string, parsed *bmp.ParsedBMP, now int64) (engine.Record, bool) {
	events, _, err := bgp.ParseUpdateAutoDetect(parsed.BGPData, parsed.HasAddPath)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("raw", "bgp_parse").Inc()
		return engine.Record{Status: engine.StatusCorruptedRecord, Collector: collector, Project: project, RecordTime: now}, true
	}

	st, inDump := rs.dumps[collector]
	if !inDump {
		st = &dumpState{}
		rs.dumps[collector] = st
	}

	// An empty UPDATE with no NLRI and no withdrawals is the synthetic
	// End-of-RIB marker; it only means anything while a dump is open.
	if len(events) == 0 {
		if st.dumpTime == 0 {
			return engine.Record{}, false
		}
		rec := engine.Record{
			Status: engine.StatusValid, DumpType: engine.DumpRib, DumpPos: engine.DumpPosEnd,
			DumpTime: st.dumpTime, RecordTime: now, Collector: collector, Project: project,
		}
		st.dumpTime = 0
		return rec, true
	}

	if st.dumpTime != 0 {
		return engine.Record{
			Status: engine.StatusValid, DumpType: engine.DumpRib, DumpPos: engine.DumpPosMiddle,
			DumpTime: st.dumpTime, RecordTime: now, Collector: collector, Project: project,
			Elements: elementsForRIBRows(parsed, events),
		}, true
	}

	// First row of a fresh dump generation, started implicitly by this
	// message since there is no out-of-band dump-start marker in BMP.
	st.dumpTime = now
	return engine.Record{
		Status: engine.StatusValid, DumpType: engine.DumpRib, DumpPos: engine.DumpPosStart,
		DumpTime: st.dumpTime, RecordTime: now, Collector: collector, Project: project,
		Elements: elementsForRIBRows(parsed, events),
	}, true
}

func elementsForRIBRows(parsed *bmp.ParsedBMP, events []*bgp.RouteEvent) []engine.Element {
	els := make([]engine.Element, 0, len(events))
	for _, ev := range events {
		typ := engine.ElementRIBRow
		// Withdrawals within a dump window are rare (a peer can re-announce
		// mid-dump); they are emitted as withdrawal elements, not RIB rows.
		if ev.Action == "D" {
			typ = engine.ElementWithdrawal
		}
		els = append(els, engine.Element{
			Type: typ, PeerIP: parsed.PeerAddress, PeerASN: parsed.PeerAS,
			Prefix: ev.Prefix, ASPath: parseASPathString(ev.ASPath),
		})
	}
	return els
}

// parseASPathString turns the donor's flattened AS-path string ("65001
// 65002 {64496,64497}") into the engine's segment representation.
func parseASPathString(s string) engine.ASPath {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var path engine.ASPath
	for _, tok := range strings.Fields(s) {
		if strings.HasPrefix(tok, "{") {
			inner := strings.Trim(tok, "{}")
			var asns []uint32
			for _, p := range strings.Split(inner, ",") {
				if n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32); err == nil {
					asns = append(asns, uint32(n))
				}
			}
			path = append(path, engine.ASPathSegment{IsSet: true, ASNs: asns})
			continue
		}
		if n, err := strconv.ParseUint(tok, 10, 32); err == nil {
			path = append(path, engine.ASPathSegment{ASNs: []uint32{uint32(n)}})
		}
	}
	return path
}
