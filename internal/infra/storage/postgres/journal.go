package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osmsync/osmsync/internal/domain/replication"
	"github.com/osmsync/osmsync/internal/infra/storage"
)

var _ replication.RunJournal = (*runJournal)(nil)

// runJournal records one row per update run so operators can audit
// takeovers, failures and throughput without reading logs. Writes are
// best-effort by contract; callers log and continue on error.
type runJournal struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewRunJournal creates a postgres-backed run journal.
func NewRunJournal(pool *pgxpool.Pool, tracer trace.Tracer) *runJournal {
	return &runJournal{pool: pool, tracer: tracer}
}

// RecordStart inserts the journal row for a freshly started run.
func (j *runJournal) RecordStart(ctx context.Context, run *replication.Run) error {
	return storage.ExecuteAndTrace(ctx, j.tracer, "postgres.record_run_start", []attribute.KeyValue{
		attribute.String("run_id", run.ID().String()),
		attribute.Bool("takeover", run.Takeover()),
	}, func(ctx context.Context) error {
		_, err := j.pool.Exec(ctx,
			`INSERT INTO replication_runs (id, owner, status, takeover, started_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			run.ID(), run.Owner(), string(run.Status()), run.Takeover(), run.StartedAt().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to record run start: %w", err)
		}
		return nil
	})
}

// RecordOutcome updates the journal row with the run's terminal state,
// cursor range and changeset summary.
func (j *runJournal) RecordOutcome(ctx context.Context, run *replication.Run) error {
	return storage.ExecuteAndTrace(ctx, j.tracer, "postgres.record_run_outcome", []attribute.KeyValue{
		attribute.String("run_id", run.ID().String()),
		attribute.String("status", string(run.Status())),
	}, func(ctx context.Context) error {
		summaryBytes, err := json.Marshal(run.Summary())
		if err != nil {
			return fmt.Errorf("failed to marshal run summary: %w", err)
		}

		var startSeq, endSeq *int64
		if !run.StartCursor().IsZero() {
			v := run.StartCursor().Sequence
			startSeq = &v
		}
		if !run.EndCursor().IsZero() {
			v := run.EndCursor().Sequence
			endSeq = &v
		}

		var failureReason *string
		if reason := run.FailureReason(); reason != "" {
			failureReason = &reason
		}

		_, err = j.pool.Exec(ctx,
			`UPDATE replication_runs
			 SET status = $2, finished_at = $3, start_sequence = $4, end_sequence = $5,
			     summary = $6, failure_reason = $7
			 WHERE id = $1`,
			run.ID(), string(run.Status()), run.FinishedAt().UTC(), startSeq, endSeq,
			summaryBytes, failureReason,
		)
		if err != nil {
			return fmt.Errorf("failed to record run outcome: %w", err)
		}
		return nil
	})
}
