// Package viewsink implements engine.ViewSink against Postgres.
package viewsink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/rib-ingester/internal/engine"
	"github.com/route-beacon/rib-ingester/internal/metrics"
	"go.uber.org/zap"
)

// Postgres publishes completed view generations, batched in a single
// transaction per generation, the same shape as the donor's batched
// upsert-in-a-tx writer.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	band   engine.ReservedBand
}

func New(pool *pgxpool.Pool, reservedASNBase uint32, logger *zap.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger, band: engine.ReservedBand{Base: reservedASNBase}}
}

// PublishView writes published_views and published_cells rows for every
// peer the acceptance predicate admits. Errors are logged and counted,
// never returned to the caller: a sink failure must not stall the engine
// (spec.md §7, "Sink failure").
func (p *Postgres) PublishView(ctx context.Context, snap engine.ViewSnapshot, accept engine.PeerAcceptance) error {
	if err := p.publish(ctx, snap, accept); err != nil {
		metrics.ViewSinkPublishErrorsTotal.Inc()
		p.logger.Error("viewsink: publish failed", zap.Error(err), zap.Int64("view_time", snap.ViewTime))
	}
	return nil
}

func (p *Postgres) publish(ctx context.Context, snap engine.ViewSnapshot, accept engine.PeerAcceptance) error {
	start := time.Now()
	viewTime := time.Unix(snap.ViewTime, 0).UTC()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	accepted := make(map[int]bool, len(snap.Peers))
	for _, peer := range snap.Peers {
		if accept(peer) {
			accepted[peer.ID] = true
		}
	}

	for _, c := range snap.Collectors {
		if _, err := tx.Exec(ctx, `
			INSERT INTO published_views (collector, view_time, display_name, active_peers, collector_state)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (collector, view_time) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				active_peers = EXCLUDED.active_peers,
				collector_state = EXCLUDED.collector_state`,
			c.Name, viewTime, c.Project, c.ActivePeers, int(c.State),
		); err != nil {
			return fmt.Errorf("upsert published_views for %s: %w", c.Name, err)
		}
	}

	peerByID := make(map[int]engine.PeerSnapshot, len(snap.Peers))
	for _, peer := range snap.Peers {
		peerByID[peer.ID] = peer
	}

	var rows int64
	batch := &pgx.Batch{}
	const maxBatch = 500
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("batch exec: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("batch close: %w", err)
		}
		batch = &pgx.Batch{}
		return nil
	}

	for _, cell := range snap.Cells {
		peer, ok := peerByID[cell.PeerID]
		if !ok || !accepted[cell.PeerID] {
			continue
		}

		batch.Queue(`
			INSERT INTO published_cells (collector, view_time, peer_ip, peer_asn, prefix, origin_asn, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (collector, view_time, peer_ip, prefix) DO UPDATE SET
				origin_asn = EXCLUDED.origin_asn,
				active = EXCLUDED.active`,
			peer.Signature.Collector, viewTime, peer.Signature.PeerIP, peer.Signature.PeerASN,
			cell.Prefix.String(), int64(p.band.Encode(cell.Origin)), cell.State == engine.StateActive,
		)
		rows++

		if batch.Len() >= maxBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("viewsink", "publish_view").Observe(dur)
	metrics.DBRowsAffectedTotal.WithLabelValues("viewsink", "published_cells", "upsert").Add(float64(rows))
	return nil
}
