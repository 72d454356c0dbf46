package update

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/osmsync/osmsync/internal/domain/replication"
	"github.com/osmsync/osmsync/pkg/common/logger"
)

type fakeLock struct {
	token      *replication.LockToken
	acquireErr error
	released   bool
}

func (l *fakeLock) Acquire(ctx context.Context) (*replication.LockToken, error) {
	if l.acquireErr != nil {
		return nil, l.acquireErr
	}
	return l.token, nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.released = true
	return nil
}

// fakeCheckpoints simulates the on-disk checkpoint. Fetch advances cursor
// to next; Restore puts backup back in place.
type fakeCheckpoints struct {
	cursor  replication.Checkpoint
	next    replication.Checkpoint
	backup  replication.Checkpoint
	loadErr error

	backedUp   bool
	restored   bool
	cleared    bool
	configured time.Duration
}

func (c *fakeCheckpoints) Load(ctx context.Context) (replication.Checkpoint, error) {
	if c.loadErr != nil {
		return replication.Checkpoint{}, c.loadErr
	}
	return c.cursor, nil
}

func (c *fakeCheckpoints) Backup(ctx context.Context) error {
	c.backedUp = true
	c.backup = c.cursor
	return nil
}

func (c *fakeCheckpoints) Restore(ctx context.Context) error {
	c.restored = true
	c.cursor = c.backup
	return nil
}

func (c *fakeCheckpoints) ClearBackup(ctx context.Context) error {
	c.cleared = true
	return nil
}

func (c *fakeCheckpoints) Archive(ctx context.Context, reason string) error { return nil }

func (c *fakeCheckpoints) EnsureConfiguration(ctx context.Context, maxInterval time.Duration) error {
	c.configured = maxInterval
	return nil
}

type fakeFetcher struct {
	checkpoints *fakeCheckpoints
	err         error
	advance     bool
	written     string
}

func (f *fakeFetcher) Fetch(ctx context.Context, artifactPath string) error {
	if f.err != nil {
		// A failed external fetch can still have advanced the cursor.
		if f.advance {
			f.checkpoints.cursor = f.checkpoints.next
		}
		return f.err
	}
	f.checkpoints.cursor = f.checkpoints.next
	f.written = artifactPath
	return os.WriteFile(artifactPath, []byte("<osmChange/>"), 0o644)
}

type fakeApplier struct {
	err     error
	applied string
}

func (a *fakeApplier) Apply(ctx context.Context, artifactPath string) error {
	if a.err != nil {
		return a.err
	}
	a.applied = artifactPath
	return nil
}

type fakeMarker struct {
	ts  time.Time
	err error
}

func (m *fakeMarker) SetLastUpdate(ctx context.Context, ts time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.ts = ts
	return nil
}

type fakeJournal struct {
	started  bool
	outcomes []replication.Status
}

func (j *fakeJournal) RecordStart(ctx context.Context, run *replication.Run) error {
	j.started = true
	return nil
}

func (j *fakeJournal) RecordOutcome(ctx context.Context, run *replication.Run) error {
	j.outcomes = append(j.outcomes, run.Status())
	return nil
}

type fakeMetrics struct {
	started, committed, takeovers, contention int
	failedPhases                              []string
}

func (m *fakeMetrics) IncRunsStarted(context.Context)   { m.started++ }
func (m *fakeMetrics) IncRunsCommitted(context.Context) { m.committed++ }
func (m *fakeMetrics) IncRunsFailed(_ context.Context, phase string) {
	m.failedPhases = append(m.failedPhases, phase)
}
func (m *fakeMetrics) IncTakeovers(context.Context)                        { m.takeovers++ }
func (m *fakeMetrics) IncLockContention(context.Context)                   { m.contention++ }
func (m *fakeMetrics) ObserveFetchDuration(context.Context, time.Duration) {}
func (m *fakeMetrics) ObserveApplyDuration(context.Context, time.Duration) {}
func (m *fakeMetrics) ObserveRunDuration(context.Context, time.Duration)   {}
func (m *fakeMetrics) ObservePrimitivesChanged(context.Context, int)       {}

type harness struct {
	lock        *fakeLock
	checkpoints *fakeCheckpoints
	fetcher     *fakeFetcher
	applier     *fakeApplier
	marker      *fakeMarker
	journal     *fakeJournal
	metrics     *fakeMetrics
	orch        *Orchestrator
	artifactDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	start := replication.Checkpoint{Sequence: 100, Timestamp: time.Date(2026, 8, 22, 9, 0, 0, 0, time.UTC)}
	next := replication.Checkpoint{Sequence: 101, Timestamp: time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)}

	h := &harness{
		lock:        &fakeLock{token: &replication.LockToken{PID: 1234, Hostname: "render01"}},
		checkpoints: &fakeCheckpoints{cursor: start, next: next},
		marker:      &fakeMarker{},
		journal:     &fakeJournal{},
		metrics:     &fakeMetrics{},
		applier:     &fakeApplier{},
		artifactDir: t.TempDir(),
	}
	h.fetcher = &fakeFetcher{checkpoints: h.checkpoints}

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	h.orch = NewOrchestrator("render01:1234", h.artifactDir, time.Hour, Dependencies{
		Lock:        h.lock,
		Checkpoints: h.checkpoints,
		Fetcher:     h.fetcher,
		Applier:     h.applier,
		Marker:      h.marker,
		Journal:     h.journal,
		Metrics:     h.metrics,
		Logger:      log,
		Tracer:      noop.NewTracerProvider().Tracer("test"),
	}, WithSummarizer(func(string) (replication.DiffSummary, error) {
		return replication.DiffSummary{Created: replication.PrimitiveCounts{Nodes: 5}}, nil
	}))
	return h
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	run, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, replication.StatusCommitted, run.Status())
	assert.Equal(t, int64(100), run.StartCursor().Sequence)
	assert.Equal(t, int64(101), run.EndCursor().Sequence)
	assert.Equal(t, 5, run.Summary().Total())

	assert.True(t, h.checkpoints.backedUp)
	assert.True(t, h.checkpoints.cleared)
	assert.False(t, h.checkpoints.restored)
	assert.Equal(t, time.Hour, h.checkpoints.configured)
	assert.True(t, h.lock.released)

	assert.True(t, h.marker.ts.Equal(time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)))
	assert.True(t, h.journal.started)
	assert.Equal(t, []replication.Status{replication.StatusCommitted}, h.journal.outcomes)
	assert.Equal(t, 1, h.metrics.committed)

	// The artifact must not outlive the run.
	entries, err := os.ReadDir(h.artifactDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunLockHeldIsANoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lock.acquireErr = replication.NewLockHeldError("5m0s")

	run, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, replication.IsLockHeld(err))
	assert.Equal(t, replication.StatusIdle, run.Status())
	assert.Equal(t, 1, h.metrics.contention)
	assert.False(t, h.journal.started, "a skipped run must not be journaled")
	assert.False(t, h.lock.released, "must not release a lock it does not hold")
}

func TestRunMissingCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.checkpoints.loadErr = replication.NewMissingCheckpointError("/var/lib/replication/state.txt")

	run, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, replication.IsMissingCheckpoint(err))
	assert.Equal(t, replication.StatusFailed, run.Status())
	assert.Equal(t, []replication.Status{replication.StatusFailed}, h.journal.outcomes)
	assert.Equal(t, []string{"validate"}, h.metrics.failedPhases)
	assert.True(t, h.lock.released)
}

func TestRunFetchFailureRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.err = errors.New("connection reset by peer")
	h.fetcher.advance = true

	run, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, replication.IsFetchFailure(err))
	assert.Equal(t, replication.StatusFailed, run.Status())

	assert.True(t, h.checkpoints.restored, "a failed fetch must restore the checkpoint")
	assert.Equal(t, int64(100), h.checkpoints.cursor.Sequence)
	assert.Empty(t, h.applier.applied)
	assert.True(t, h.lock.released)
}

func TestRunApplyFailureRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.applier.err = errors.New("ERROR: deadlock detected")

	run, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, replication.IsApplyFailure(err))
	assert.Equal(t, replication.StatusFailed, run.Status())

	assert.True(t, h.checkpoints.restored)
	assert.Equal(t, int64(100), h.checkpoints.cursor.Sequence)
	assert.True(t, h.marker.ts.IsZero(), "marker must not move on failure")
	assert.Equal(t, []string{"apply"}, h.metrics.failedPhases)

	entries, err := os.ReadDir(h.artifactDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial artifact must be removed")
}

func TestRunTakeoverIsRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lock.token.TakenOver = true

	run, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, run.Takeover())
	assert.Equal(t, 1, h.metrics.takeovers)
}

func TestRunCheckpointRegressionAfterApply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.checkpoints.next = replication.Checkpoint{Sequence: 99, Timestamp: time.Date(2026, 8, 22, 8, 0, 0, 0, time.UTC)}

	run, err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moved backwards")

	// The changeset already reached the target store; rolling the
	// checkpoint back would replay it on the next run.
	assert.False(t, h.checkpoints.restored)
	assert.Equal(t, replication.StatusApplied, run.Status())
	assert.True(t, h.marker.ts.IsZero())
}

func TestRunMarkerFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.marker.err = errors.New("connection refused")

	run, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, replication.StatusCommitted, run.Status())
}

func TestRunSummaryFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	failing := NewOrchestrator("render01:1234", h.artifactDir, time.Hour, h.orch.deps,
		WithSummarizer(func(string) (replication.DiffSummary, error) {
			return replication.DiffSummary{}, errors.New("unexpected EOF")
		}))

	run, err := failing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, replication.StatusCommitted, run.Status())
	assert.Zero(t, run.Summary().Total())
}

func TestArtifactPathIsPerRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	run, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t,
		filepath.Join(h.artifactDir, "changes-"+run.ID().String()+".osc.gz"),
		h.fetcher.written)
	assert.Equal(t, h.fetcher.written, h.applier.applied)
}
