// Package postgres implements the target-store surfaces the updater owns:
// the sync marker consumed by the rendering frontend and the run journal
// for operators.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osmsync/osmsync/internal/domain/replication"
	"github.com/osmsync/osmsync/internal/infra/storage"
)

var _ replication.MarkerStore = (*markerStore)(nil)

// markerStore maintains the single-row replication_status table whose
// last_update column tells downstream consumers how fresh the target store
// is.
type markerStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewMarkerStore creates a postgres-backed sync marker store.
func NewMarkerStore(pool *pgxpool.Pool, tracer trace.Tracer) *markerStore {
	return &markerStore{pool: pool, tracer: tracer}
}

// SetLastUpdate advances the freshness marker. Applies are monotonic, so
// the marker never needs to move backwards; the guard keeps a late writer
// from regressing it regardless.
func (s *markerStore) SetLastUpdate(ctx context.Context, ts time.Time) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_last_update", []attribute.KeyValue{
		attribute.String("last_update", ts.UTC().Format(time.RFC3339)),
	}, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE replication_status SET last_update = $1 WHERE last_update IS NULL OR last_update < $1`,
			ts.UTC(),
		)
		return err
	})
}

// LastUpdate reads the current freshness marker. A never-updated store
// reports the zero time.
func (s *markerStore) LastUpdate(ctx context.Context) (time.Time, error) {
	var out time.Time
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_last_update", nil,
		func(ctx context.Context) error {
			var ts *time.Time
			row := s.pool.QueryRow(ctx, `SELECT last_update FROM replication_status`)
			if err := row.Scan(&ts); err != nil {
				if err == pgx.ErrNoRows {
					return nil
				}
				return err
			}
			if ts != nil {
				out = ts.UTC()
			}
			return nil
		})
	return out, err
}
