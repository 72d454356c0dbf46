package replication

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct{ current time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.current }

func (m *mockTimeProvider) Advance(d time.Duration) { m.current = m.current.Add(d) }

// TestNewRun checks that a new run has the expected default fields.
func TestNewRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tp := &mockTimeProvider{current: now}
	r := NewRun("render-host:4242", WithRunTimeProvider(tp))

	require.NotEqual(t, [16]byte{}, [16]byte(r.ID()))
	require.Equal(t, "render-host:4242", r.Owner())
	require.Equal(t, StatusIdle, r.Status())
	require.False(t, r.Takeover())
	require.Empty(t, r.FailureReason())
	require.Equal(t, now, r.StartedAt())
	require.True(t, r.FinishedAt().IsZero())
}

func TestRunHappyPath(t *testing.T) {
	tp := &mockTimeProvider{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRun("host:1", WithRunTimeProvider(tp))

	start := Checkpoint{Sequence: 100, Timestamp: tp.Now().Add(-time.Hour)}
	end := Checkpoint{Sequence: 101, Timestamp: tp.Now().Add(-30 * time.Minute)}

	require.NoError(t, r.MarkLockAcquired(false))
	require.NoError(t, r.MarkStateValidated(start))
	require.NoError(t, r.MarkFetching())
	require.NoError(t, r.MarkFetched())

	r.RecordSummary(DiffSummary{Created: PrimitiveCounts{Nodes: 10}})
	require.Equal(t, 10, r.Summary().Total())

	require.NoError(t, r.MarkApplying())
	require.NoError(t, r.MarkApplied())

	tp.Advance(2 * time.Minute)
	require.NoError(t, r.MarkCommitted(end))

	assert.Equal(t, StatusCommitted, r.Status())
	assert.Equal(t, start, r.StartCursor())
	assert.Equal(t, end, r.EndCursor())
	assert.Equal(t, tp.Now(), r.FinishedAt())
}

func TestRunFailureReachability(t *testing.T) {
	advanceTo := func(t *testing.T, target Status) *Run {
		t.Helper()
		r := NewRun("host:1")
		steps := []func() error{
			func() error { return r.MarkLockAcquired(false) },
			func() error { return r.MarkStateValidated(Checkpoint{Sequence: 1}) },
			func() error { return r.MarkFetching() },
			func() error { return r.MarkFetched() },
			func() error { return r.MarkApplying() },
			func() error { return r.MarkApplied() },
		}
		for _, step := range steps {
			if r.Status() == target {
				break
			}
			require.NoError(t, step())
		}
		require.Equal(t, target, r.Status())
		return r
	}

	failable := []Status{StatusLockAcquired, StatusStateValidated, StatusFetching, StatusApplying}
	for _, st := range failable {
		t.Run(string(st), func(t *testing.T) {
			r := advanceTo(t, st)
			require.NoError(t, r.MarkFailed("boom"))
			assert.Equal(t, StatusFailed, r.Status())
			assert.Equal(t, "boom", r.FailureReason())
		})
	}

	// Fetched and Applied never fail directly: summarize errors are
	// non-fatal and a finished apply must not be rolled back.
	for _, st := range []Status{StatusFetched, StatusApplied} {
		t.Run(string(st)+"_not_failable", func(t *testing.T) {
			r := advanceTo(t, st)
			err := r.MarkFailed("boom")
			require.Error(t, err)
			var ue *UpdateError
			require.True(t, errors.As(err, &ue))
		})
	}
}

func TestRunIllegalTransitions(t *testing.T) {
	r := NewRun("host:1")

	// Committing from idle must be unrepresentable.
	require.Error(t, r.MarkCommitted(Checkpoint{Sequence: 2}))
	require.Error(t, r.MarkApplied())
	require.Error(t, r.MarkFetched())

	require.NoError(t, r.MarkLockAcquired(true))
	require.True(t, r.Takeover())

	// Terminal states reject everything.
	require.NoError(t, r.MarkFailed("config missing"))
	require.Error(t, r.MarkStateValidated(Checkpoint{Sequence: 1}))
	require.Error(t, r.MarkFailed("again"))
}

func TestCheckpointBefore(t *testing.T) {
	a := Checkpoint{Sequence: 10, Timestamp: time.Now()}
	b := Checkpoint{Sequence: 11, Timestamp: time.Now()}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.False(t, a.Before(a))
	assert.True(t, Checkpoint{}.IsZero())
	assert.False(t, a.IsZero())
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("exit status 1")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"lock held", NewLockHeldError("12m"), IsLockHeld},
		{"missing checkpoint", NewMissingCheckpointError("/var/lib/replicate"), IsMissingCheckpoint},
		{"fetch failed", NewFetchFailedError(cause), IsFetchFailure},
		{"apply failed", NewApplyFailedError(cause), IsApplyFailure},
		{"stop requested", NewStopRequestedError("/tmp/stop"), IsStopRequested},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, tt.check(tt.err))
			for _, other := range tests {
				if other.name != tt.name {
					assert.False(t, other.check(tt.err))
				}
			}
		})
	}

	// Wrapped causes stay reachable.
	require.ErrorIs(t, NewFetchFailedError(cause), cause)
}
