package replication

import (
	"context"
	"time"
)

// LockToken describes an acquired exclusivity lock.
type LockToken struct {
	// PID is the owning process id recorded in the lock file.
	PID int

	// Hostname is the owning host recorded in the lock file.
	Hostname string

	// AcquiredAt is when the token was written.
	AcquiredAt time.Time

	// TakenOver reports that a stale lock was forcibly reclaimed to obtain
	// this token.
	TakenOver bool
}

// RunLock serializes update runs across invocations. Acquire returns a
// lock-held domain error when another live run owns the lock; a stale lock
// is reclaimed via forced takeover before a fresh token is returned.
type RunLock interface {
	Acquire(ctx context.Context) (*LockToken, error)
	Release(ctx context.Context) error
}

// CheckpointStore persists the replication checkpoint and supports the
// backup/restore discipline a run needs to roll back on failure.
type CheckpointStore interface {
	// Load returns the current checkpoint. A missing or empty checkpoint
	// yields a missing-checkpoint domain error.
	Load(ctx context.Context) (Checkpoint, error)

	// Backup takes a byte-preserving copy of the checkpoint before the run
	// mutates it.
	Backup(ctx context.Context) error

	// Restore puts the backed-up checkpoint back in place.
	Restore(ctx context.Context) error

	// ClearBackup discards the pre-run backup after a successful commit.
	ClearBackup(ctx context.Context) error

	// Archive copies the current checkpoint under a distinguishing name,
	// used during forced takeover so the crashed run's position is kept for
	// inspection.
	Archive(ctx context.Context, reason string) error

	// EnsureConfiguration bounds how much upstream time a single fetch may
	// span.
	EnsureConfiguration(ctx context.Context, maxInterval time.Duration) error
}

// Fetcher materializes the next pending changeset as a file at artifactPath,
// advancing the checkpoint cursor in place as a side effect of the external
// replication client's contract.
type Fetcher interface {
	Fetch(ctx context.Context, artifactPath string) error
}

// Applier applies a fetched changeset file to the target store exactly once.
// Replay of the same file is not guaranteed safe and must not be attempted.
type Applier interface {
	Apply(ctx context.Context, artifactPath string) error
}

// MarkerStore exposes the target store's data-freshness timestamp to
// downstream consumers.
type MarkerStore interface {
	SetLastUpdate(ctx context.Context, ts time.Time) error
}

// RunJournal records run outcomes for operators. Journal writes are
// best-effort observability; implementations must not be load-bearing for
// correctness.
type RunJournal interface {
	RecordStart(ctx context.Context, run *Run) error
	RecordOutcome(ctx context.Context, run *Run) error
}
