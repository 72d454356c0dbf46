// Package lock provides the single-host file lock that serializes update
// runs, including staleness detection and forced takeover of crashed runs.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"gopkg.in/yaml.v3"

	"github.com/osmsync/osmsync/internal/domain/replication"
	"github.com/osmsync/osmsync/pkg/common/logger"
)

// DefaultStaleness is the age past which a lock is considered abandoned by
// a crashed or hung run.
const DefaultStaleness = time.Hour

var _ replication.RunLock = (*Manager)(nil)

// Archiver is the narrow view of the checkpoint store a takeover needs:
// before reclaiming a stale lock the current checkpoint is preserved under
// a distinguishing name.
type Archiver interface {
	Archive(ctx context.Context, reason string) error
}

// token is the on-disk lock file payload.
type token struct {
	ID         uuid.UUID `yaml:"id"`
	PID        int       `yaml:"pid"`
	Hostname   string    `yaml:"hostname"`
	AcquiredAt time.Time `yaml:"acquired_at"`
}

// Manager implements the file-based exclusivity lock. The lock file's
// modification time is the staleness clock; its payload identifies the
// owner for operators.
type Manager struct {
	path      string
	staleness time.Duration

	// processMatches are the command names of the external fetch/apply
	// tools a stale run may have left behind; matching processes receive a
	// termination signal during takeover.
	processMatches []string

	archiver Archiver
	log      *logger.Logger

	timeProvider replication.TimeProvider
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithStaleness overrides the staleness threshold.
func WithStaleness(d time.Duration) ManagerOption {
	return func(m *Manager) { m.staleness = d }
}

// WithTimeProvider overrides the clock used for staleness decisions.
func WithTimeProvider(tp replication.TimeProvider) ManagerOption {
	return func(m *Manager) { m.timeProvider = tp }
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// NewManager creates a lock manager for the given lock file path.
func NewManager(path string, processMatches []string, archiver Archiver, log *logger.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		path:           path,
		staleness:      DefaultStaleness,
		processMatches: processMatches,
		archiver:       archiver,
		log:            log,
		timeProvider:   realTimeProvider{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire attempts to take the lock. It returns a lock-held domain error
// when a live run owns it, reclaims a stale lock via forced takeover, and
// otherwise writes a fresh token.
func (m *Manager) Acquire(ctx context.Context) (*replication.LockToken, error) {
	now := m.timeProvider.Now()

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		return m.writeToken(f, now, false)
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	fi, err := os.Stat(m.path)
	if err != nil {
		// The lock vanished or the filesystem cannot answer; staleness is
		// undecidable, so treat the lock as live rather than risk a double
		// run.
		return nil, replication.NewLockHeldError("unknown")
	}

	age := now.Sub(fi.ModTime())
	if age < 0 {
		// Clock skew makes staleness undecidable. Same conservative call.
		m.log.Warn(ctx, "lock file modified in the future; assuming live", "path", m.path, "mtime", fi.ModTime())
		return nil, replication.NewLockHeldError("unknown")
	}
	if age < m.staleness {
		return nil, replication.NewLockHeldError(age.Round(time.Second).String())
	}

	// The previous run crashed or hung. Preserve its checkpoint, stop any
	// external tool it may still be driving, then take the lock over.
	m.log.Warn(ctx, "stale lock detected; forcing takeover",
		"path", m.path, "age", age.Round(time.Second).String(), "staleness_threshold", m.staleness.String())

	if err := m.archiver.Archive(ctx, "takeover"); err != nil {
		return nil, fmt.Errorf("failed to archive checkpoint before takeover: %w", err)
	}
	m.terminateStaleTools(ctx)

	f, err = os.OpenFile(m.path, os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to overwrite stale lock file: %w", err)
	}
	return m.writeToken(f, now, true)
}

// Release deletes the lock file. Safe to call when the lock is already
// gone.
func (m *Manager) Release(ctx context.Context) error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (m *Manager) writeToken(f *os.File, now time.Time, takenOver bool) (*replication.LockToken, error) {
	defer f.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	tok := token{ID: uuid.New(), PID: os.Getpid(), Hostname: hostname, AcquiredAt: now}
	data, err := yaml.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock token: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = os.Remove(m.path)
		return nil, fmt.Errorf("failed to write lock token: %w", err)
	}

	return &replication.LockToken{
		PID:        tok.PID,
		Hostname:   tok.Hostname,
		AcquiredAt: now,
		TakenOver:  takenOver,
	}, nil
}

// terminateStaleTools sends SIGTERM to any process whose name or command
// line matches one of the configured external tools. Termination is
// signal-and-proceed: the new run starts without waiting for the old
// processes to exit, relying on the target store's own write isolation as
// a backstop.
func (m *Manager) terminateStaleTools(ctx context.Context) {
	if len(m.processMatches) == 0 {
		return
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		m.log.Error(ctx, "failed to list processes during takeover", "error", err)
		return
	}

	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)

		if !m.matches(name, cmdline) {
			continue
		}

		m.log.Warn(ctx, "terminating process left by stale run", "pid", p.Pid, "name", name)
		if err := p.TerminateWithContext(ctx); err != nil {
			m.log.Error(ctx, "failed to terminate stale process", "pid", p.Pid, "name", name, "error", err)
		}
	}
}

func (m *Manager) matches(name, cmdline string) bool {
	for _, match := range m.processMatches {
		if name == match || strings.Contains(cmdline, match) {
			return true
		}
	}
	return false
}
