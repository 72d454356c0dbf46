package replication

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle states of a single update run. The status
// transitions form a state machine that makes illegal progressions, such as
// committing without a successful apply, unrepresentable.
type Status string

const (
	// StatusIdle is the initial state before the lock has been acquired.
	StatusIdle Status = "IDLE"

	// StatusLockAcquired indicates the run holds the exclusivity lock.
	StatusLockAcquired Status = "LOCK_ACQUIRED"

	// StatusStateValidated indicates a usable checkpoint was found.
	StatusStateValidated Status = "STATE_VALIDATED"

	// StatusFetching indicates the external replication client is running.
	StatusFetching Status = "FETCHING"

	// StatusFetched indicates a changeset artifact exists on disk.
	StatusFetched Status = "FETCHED"

	// StatusApplying indicates the external bulk loader is running.
	StatusApplying Status = "APPLYING"

	// StatusApplied indicates the loader finished; durable progress has not
	// advanced yet.
	StatusApplied Status = "APPLIED"

	// StatusCommitted indicates the checkpoint and sync marker advanced.
	// Terminal.
	StatusCommitted Status = "COMMITTED"

	// StatusFailed indicates the run ended after performing its recovery
	// actions. Terminal.
	StatusFailed Status = "FAILED"
)

// validTransitions defines the allowed state transitions for a run.
// Empty slices indicate terminal states with no allowed transitions.
var validTransitions = map[Status][]Status{
	StatusIdle:           {StatusLockAcquired},
	StatusLockAcquired:   {StatusStateValidated, StatusFailed},
	StatusStateValidated: {StatusFetching, StatusFailed},
	StatusFetching:       {StatusFetched, StatusFailed},
	StatusFetched:        {StatusApplying},
	StatusApplying:       {StatusApplied, StatusFailed},
	StatusApplied:        {StatusCommitted},
	StatusCommitted:      {},
	StatusFailed:         {},
}

// TimeProvider abstracts the clock so staleness and duration logic can be
// tested deterministically.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Run is the aggregate tracking one invocation of the update orchestrator
// from lock acquisition through commit or failure. It owns identity
// generation and enforces the lifecycle state machine.
type Run struct {
	id    uuid.UUID
	owner string

	status        Status
	takeover      bool
	failureReason string

	startCursor Checkpoint
	endCursor   Checkpoint
	summary     DiffSummary

	startedAt  time.Time
	finishedAt time.Time

	timeProvider TimeProvider
}

// RunOption configures optional Run behavior.
type RunOption func(*Run)

// WithRunTimeProvider overrides the clock used by the run.
func WithRunTimeProvider(tp TimeProvider) RunOption {
	return func(r *Run) { r.timeProvider = tp }
}

// NewRun creates a new Run owned by the given process identity, typically
// "hostname:pid".
func NewRun(owner string, opts ...RunOption) *Run {
	r := &Run{
		id:           uuid.New(),
		owner:        owner,
		status:       StatusIdle,
		timeProvider: realTimeProvider{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.timeProvider.Now()
	return r
}

// Getters for Run.
func (r *Run) ID() uuid.UUID           { return r.id }
func (r *Run) Owner() string           { return r.owner }
func (r *Run) Status() Status          { return r.status }
func (r *Run) Takeover() bool          { return r.takeover }
func (r *Run) FailureReason() string   { return r.failureReason }
func (r *Run) StartCursor() Checkpoint { return r.startCursor }
func (r *Run) EndCursor() Checkpoint   { return r.endCursor }
func (r *Run) Summary() DiffSummary    { return r.summary }
func (r *Run) StartedAt() time.Time    { return r.startedAt }
func (r *Run) FinishedAt() time.Time   { return r.finishedAt }

// CanTransitionTo validates if a state transition is allowed.
func (r *Run) CanTransitionTo(target Status) bool {
	allowed, exists := validTransitions[r.status]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

func (r *Run) transition(target Status) error {
	if !r.CanTransitionTo(target) {
		return newInvalidStateTransitionError(r.status, target)
	}
	r.status = target
	return nil
}

// MarkLockAcquired records that the run holds the exclusivity lock. The
// takeover flag records that a stale lock was forcibly reclaimed.
func (r *Run) MarkLockAcquired(takeover bool) error {
	if err := r.transition(StatusLockAcquired); err != nil {
		return err
	}
	r.takeover = takeover
	return nil
}

// MarkStateValidated records the checkpoint the run starts from.
func (r *Run) MarkStateValidated(cp Checkpoint) error {
	if err := r.transition(StatusStateValidated); err != nil {
		return err
	}
	r.startCursor = cp
	return nil
}

// MarkFetching records that the replication client was invoked.
func (r *Run) MarkFetching() error { return r.transition(StatusFetching) }

// MarkFetched records that a changeset artifact was produced.
func (r *Run) MarkFetched() error { return r.transition(StatusFetched) }

// RecordSummary attaches the changeset summary. Valid once an artifact
// exists; the summary never influences control flow.
func (r *Run) RecordSummary(s DiffSummary) {
	r.summary = s
}

// MarkApplying records that the bulk loader was invoked.
func (r *Run) MarkApplying() error { return r.transition(StatusApplying) }

// MarkApplied records that the bulk loader finished successfully.
func (r *Run) MarkApplied() error { return r.transition(StatusApplied) }

// MarkCommitted records durable progress: the advanced checkpoint has been
// accepted and the sync marker updated.
func (r *Run) MarkCommitted(cp Checkpoint) error {
	if err := r.transition(StatusCommitted); err != nil {
		return err
	}
	r.endCursor = cp
	r.finishedAt = r.timeProvider.Now()
	return nil
}

// MarkFailed records that the run ended after its recovery actions ran.
func (r *Run) MarkFailed(reason string) error {
	if err := r.transition(StatusFailed); err != nil {
		return err
	}
	r.failureReason = reason
	r.finishedAt = r.timeProvider.Now()
	return nil
}
