// Package update implements the control loop of a single update run. It
// wires the lock, checkpoint store, external replication tools and target
// store together and enforces the backup/restore discipline around them.
package update

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osmsync/osmsync/internal/diff"
	"github.com/osmsync/osmsync/internal/domain/replication"
	"github.com/osmsync/osmsync/pkg/common/logger"
)

// Dependencies collects the collaborators an Orchestrator needs.
type Dependencies struct {
	Lock        replication.RunLock
	Checkpoints replication.CheckpointStore
	Fetcher     replication.Fetcher
	Applier     replication.Applier
	Marker      replication.MarkerStore
	Journal     replication.RunJournal

	Metrics UpdateMetrics
	Logger  *logger.Logger
	Tracer  trace.Tracer
}

// Orchestrator drives one incremental update run from lock acquisition to
// checkpoint commit. It is single-use per invocation; the binary exits when
// Run returns.
type Orchestrator struct {
	deps Dependencies

	owner       string
	artifactDir string
	maxInterval time.Duration

	// summarize is swappable for tests; production uses diff.Summarize.
	summarize func(path string) (replication.DiffSummary, error)

	timeProvider replication.TimeProvider
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithTimeProvider overrides the clock, primarily for testing.
func WithTimeProvider(tp replication.TimeProvider) Option {
	return func(o *Orchestrator) { o.timeProvider = tp }
}

// WithSummarizer overrides the changeset summarizer, primarily for testing.
func WithSummarizer(fn func(path string) (replication.DiffSummary, error)) Option {
	return func(o *Orchestrator) { o.summarize = fn }
}

type systemTimeProvider struct{}

func (systemTimeProvider) Now() time.Time { return time.Now() }

// NewOrchestrator creates an orchestrator for a single update run.
// owner identifies this invocation in the journal, typically host:pid.
func NewOrchestrator(owner, artifactDir string, maxInterval time.Duration, deps Dependencies, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:         deps,
		owner:        owner,
		artifactDir:  artifactDir,
		maxInterval:  maxInterval,
		summarize:    diff.Summarize,
		timeProvider: systemTimeProvider{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one update run. The returned Run carries the terminal state
// for journaling and exit-code mapping even when an error is returned.
func (o *Orchestrator) Run(ctx context.Context) (*replication.Run, error) {
	log := o.deps.Logger
	started := o.timeProvider.Now()

	run := replication.NewRun(o.owner, replication.WithRunTimeProvider(o.timeProvider))

	ctx, span := o.deps.Tracer.Start(ctx, "update.run",
		trace.WithAttributes(attribute.String("run_id", run.ID().String())))
	defer span.End()

	token, err := o.deps.Lock.Acquire(ctx)
	if err != nil {
		if replication.IsLockHeld(err) {
			o.deps.Metrics.IncLockContention(ctx)
			log.Info(ctx, "another update run holds the lock; nothing to do", "error", err)
			return run, err
		}
		return run, fmt.Errorf("failed to acquire update lock: %w", err)
	}
	defer func() {
		if err := o.deps.Lock.Release(ctx); err != nil {
			log.Error(ctx, "failed to release update lock", "error", err)
		}
	}()

	o.deps.Metrics.IncRunsStarted(ctx)
	if err := run.MarkLockAcquired(token.TakenOver); err != nil {
		return run, err
	}
	if token.TakenOver {
		o.deps.Metrics.IncTakeovers(ctx)
		log.Warn(ctx, "reclaimed a stale lock; previous run presumed dead",
			"previous_pid", token.PID, "previous_host", token.Hostname)
	}

	if err := o.deps.Journal.RecordStart(ctx, run); err != nil {
		log.Warn(ctx, "failed to journal run start", "error", err)
	}

	startCursor, err := o.deps.Checkpoints.Load(ctx)
	if err != nil {
		return run, o.fail(ctx, run, "validate", err)
	}
	if err := run.MarkStateValidated(startCursor); err != nil {
		return run, err
	}
	log.Info(ctx, "replication checkpoint validated",
		"sequence", startCursor.Sequence, "timestamp", startCursor.Timestamp)

	if err := o.deps.Checkpoints.EnsureConfiguration(ctx, o.maxInterval); err != nil {
		return run, o.fail(ctx, run, "validate", fmt.Errorf("failed to bound fetch interval: %w", err))
	}

	if err := o.deps.Checkpoints.Backup(ctx); err != nil {
		return run, o.fail(ctx, run, "validate", fmt.Errorf("failed to back up checkpoint: %w", err))
	}

	artifact := filepath.Join(o.artifactDir, fmt.Sprintf("changes-%s.osc.gz", run.ID()))

	if err := run.MarkFetching(); err != nil {
		return run, err
	}
	fetchStart := o.timeProvider.Now()
	if err := o.deps.Fetcher.Fetch(ctx, artifact); err != nil {
		o.rollback(ctx, artifact)
		return run, o.fail(ctx, run, "fetch", replication.NewFetchFailedError(err))
	}
	o.deps.Metrics.ObserveFetchDuration(ctx, o.timeProvider.Now().Sub(fetchStart))
	if err := run.MarkFetched(); err != nil {
		return run, err
	}

	if summary, err := o.summarize(artifact); err != nil {
		log.Warn(ctx, "failed to summarize changeset; continuing", "error", err)
	} else {
		run.RecordSummary(summary)
		o.deps.Metrics.ObservePrimitivesChanged(ctx, summary.Total())
		log.Info(ctx, "changeset summarized", "summary", summary.String())
	}

	if err := run.MarkApplying(); err != nil {
		return run, err
	}
	applyStart := o.timeProvider.Now()
	if err := o.deps.Applier.Apply(ctx, artifact); err != nil {
		o.rollback(ctx, artifact)
		return run, o.fail(ctx, run, "apply", replication.NewApplyFailedError(err))
	}
	o.deps.Metrics.ObserveApplyDuration(ctx, o.timeProvider.Now().Sub(applyStart))
	if err := run.MarkApplied(); err != nil {
		return run, err
	}

	// Past this point the target store already holds the changeset, so the
	// pre-run checkpoint must never be restored. Anomalies are reported
	// without touching state on disk.
	endCursor, err := o.deps.Checkpoints.Load(ctx)
	if err != nil {
		o.journalOutcome(ctx, run)
		return run, fmt.Errorf("checkpoint unreadable after apply; manual inspection required: %w", err)
	}
	if endCursor.Before(startCursor) {
		o.journalOutcome(ctx, run)
		return run, fmt.Errorf("checkpoint moved backwards after apply (%d -> %d); manual inspection required",
			startCursor.Sequence, endCursor.Sequence)
	}

	if err := o.deps.Marker.SetLastUpdate(ctx, endCursor.Timestamp); err != nil {
		log.Warn(ctx, "failed to update freshness marker; continuing", "error", err)
	}

	if err := o.deps.Checkpoints.ClearBackup(ctx); err != nil {
		log.Warn(ctx, "failed to clear checkpoint backup", "error", err)
	}
	if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
		log.Warn(ctx, "failed to remove changeset artifact", "path", artifact, "error", err)
	}

	if err := run.MarkCommitted(endCursor); err != nil {
		return run, err
	}
	o.deps.Metrics.IncRunsCommitted(ctx)
	o.deps.Metrics.ObserveRunDuration(ctx, o.timeProvider.Now().Sub(started))
	o.journalOutcome(ctx, run)

	log.Info(ctx, "update run committed",
		"run_id", run.ID(),
		"start_sequence", startCursor.Sequence,
		"end_sequence", endCursor.Sequence,
		"takeover", run.Takeover())
	return run, nil
}

// fail moves the run to its terminal failed state, journals the outcome and
// records the failure metric. It returns err unchanged so callers can keep
// the domain error for exit-code mapping.
func (o *Orchestrator) fail(ctx context.Context, run *replication.Run, phase string, err error) error {
	o.deps.Metrics.IncRunsFailed(ctx, phase)
	if markErr := run.MarkFailed(err.Error()); markErr != nil {
		o.deps.Logger.Error(ctx, "failed to mark run failed", "error", markErr)
	}
	o.journalOutcome(ctx, run)
	return err
}

// rollback restores the pre-run checkpoint and discards the partial
// artifact. Only valid before the changeset reached the target store.
func (o *Orchestrator) rollback(ctx context.Context, artifact string) {
	if err := o.deps.Checkpoints.Restore(ctx); err != nil {
		o.deps.Logger.Error(ctx, "failed to restore checkpoint backup", "error", err)
	}
	if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
		o.deps.Logger.Warn(ctx, "failed to remove changeset artifact", "path", artifact, "error", err)
	}
}

func (o *Orchestrator) journalOutcome(ctx context.Context, run *replication.Run) {
	if err := o.deps.Journal.RecordOutcome(ctx, run); err != nil {
		o.deps.Logger.Warn(ctx, "failed to journal run outcome", "error", err)
	}
}
