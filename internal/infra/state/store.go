// Package state provides a filesystem implementation of the replication
// checkpoint store over the working directory shared with the external
// replication client.
package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/osmsync/osmsync/internal/domain/replication"
	"github.com/osmsync/osmsync/pkg/common/logger"
)

const (
	stateFileName  = "state.txt"
	configFileName = "configuration.txt"
	backupSuffix   = ".backup"
)

var _ replication.CheckpointStore = (*Store)(nil)

// Store reads and mutates the replication working directory. The state file
// inside it is the durable checkpoint; the external replication client
// advances it in place, which is why every run backs it up first.
type Store struct {
	dir string
	log *logger.Logger
}

// NewStore creates a checkpoint store over the given working directory.
func NewStore(workingDir string, log *logger.Logger) *Store {
	return &Store{dir: workingDir, log: log}
}

// StatePath returns the path of the checkpoint state file.
func (s *Store) StatePath() string { return filepath.Join(s.dir, stateFileName) }

func (s *Store) backupPath() string { return s.StatePath() + backupSuffix }

// Load parses the checkpoint state file. A missing or empty file yields a
// missing-checkpoint domain error: there is no safe cursor to resume from.
func (s *Store) Load(ctx context.Context) (replication.Checkpoint, error) {
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return replication.Checkpoint{}, replication.NewMissingCheckpointError(s.StatePath())
		}
		return replication.Checkpoint{}, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return replication.Checkpoint{}, replication.NewMissingCheckpointError(s.StatePath())
	}

	cp, err := parseState(string(data))
	if err != nil {
		return replication.Checkpoint{}, fmt.Errorf("failed to parse state file %s: %w", s.StatePath(), err)
	}
	return cp, nil
}

// Backup takes a byte-preserving copy of the state file so a failed run can
// roll back the cursor the replication client advanced in place.
func (s *Store) Backup(ctx context.Context) error {
	if err := copyFile(s.StatePath(), s.backupPath()); err != nil {
		return fmt.Errorf("failed to back up state file: %w", err)
	}
	return nil
}

// Restore puts the backed-up state file back in place and removes the
// backup. Rename keeps the restore a single atomic step.
func (s *Store) Restore(ctx context.Context) error {
	if err := os.Rename(s.backupPath(), s.StatePath()); err != nil {
		return fmt.Errorf("failed to restore state file: %w", err)
	}
	return nil
}

// ClearBackup discards the pre-run backup after a successful commit.
func (s *Store) ClearBackup(ctx context.Context) error {
	if err := os.Remove(s.backupPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove state backup: %w", err)
	}
	return nil
}

// Archive copies the current state file under a distinguishing name. Used
// during forced takeover so the crashed run's cursor stays inspectable.
func (s *Store) Archive(ctx context.Context, reason string) error {
	if _, err := os.Stat(s.StatePath()); errors.Is(err, fs.ErrNotExist) {
		s.log.Warn(ctx, "no state file to archive", "path", s.StatePath(), "reason", reason)
		return nil
	}

	name := fmt.Sprintf("state-%s-%s.txt", reason, time.Now().UTC().Format("20060102T150405Z"))
	dst := filepath.Join(s.dir, name)
	if err := copyFile(s.StatePath(), dst); err != nil {
		return fmt.Errorf("failed to archive state file: %w", err)
	}
	s.log.Info(ctx, "archived checkpoint state", "archive", dst, "reason", reason)
	return nil
}

// EnsureConfiguration maintains the maxInterval bound in the replication
// client's configuration file, creating the file when absent.
func (s *Store) EnsureConfiguration(ctx context.Context, maxInterval time.Duration) error {
	path := filepath.Join(s.dir, configFileName)
	secs := int64(maxInterval.Seconds())

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
		content := fmt.Sprintf("# Generated by osmsync.\nmaxInterval = %d\n", secs)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write configuration file: %w", err)
		}
		return nil
	}

	lines := strings.Split(string(data), "\n")
	found := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "maxInterval") {
			lines[i] = fmt.Sprintf("maxInterval = %d", secs)
			found = true
		}
	}
	if !found {
		lines = append(lines, fmt.Sprintf("maxInterval = %d", secs), "")
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("failed to update configuration file: %w", err)
	}
	return nil
}

// parseState decodes the java-properties style state file the replication
// client maintains: "sequenceNumber=NNN" and an RFC3339 timestamp with
// escaped colons.
func parseState(content string) (replication.Checkpoint, error) {
	var cp replication.Checkpoint

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "sequenceNumber":
			seq, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return cp, fmt.Errorf("invalid sequenceNumber %q: %w", value, err)
			}
			cp.Sequence = seq
		case "timestamp":
			ts, err := time.Parse(time.RFC3339, strings.ReplaceAll(value, `\:`, ":"))
			if err != nil {
				return cp, fmt.Errorf("invalid timestamp %q: %w", value, err)
			}
			cp.Timestamp = ts.UTC()
		}
	}

	if cp.IsZero() {
		return cp, errors.New("state file carries no cursor")
	}
	return cp, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
