// Package replication wraps the external tools the updater drives: the
// replication client that materializes changesets and the bulk loader that
// applies them to the target store. Both are black boxes whose only failure
// signal is a non-zero exit status.
package replication

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/osmsync/osmsync/internal/domain/replication"
	"github.com/osmsync/osmsync/pkg/common/logger"
)

var _ replication.Fetcher = (*OsmosisFetcher)(nil)

// OsmosisFetcher invokes an osmosis-compatible replication client against
// the working directory that holds the checkpoint state. The client
// advances state.txt in place; rollback of that advance is the checkpoint
// store's responsibility.
type OsmosisFetcher struct {
	binary     string
	workingDir string
	log        *logger.Logger
}

// NewOsmosisFetcher creates a fetcher around the given binary and
// replication working directory.
func NewOsmosisFetcher(binary, workingDir string, log *logger.Logger) *OsmosisFetcher {
	return &OsmosisFetcher{binary: binary, workingDir: workingDir, log: log}
}

// Fetch materializes the next pending changeset at artifactPath. It blocks
// for the duration of the replication round trip; the lock staleness window
// is the only upper bound on a hung fetch.
func (f *OsmosisFetcher) Fetch(ctx context.Context, artifactPath string) error {
	args := []string{
		"-q",
		"--read-replication-interval",
		"workingDirectory=" + f.workingDir,
		"--simplify-change",
		"--write-xml-change",
		"file=" + artifactPath,
	}

	f.log.Info(ctx, "fetching replication changeset", "binary", f.binary, "artifact", artifactPath)

	cmd := exec.CommandContext(ctx, f.binary, args...)
	out, err := cmd.CombinedOutput()
	logToolOutput(ctx, f.log, f.binary, out)
	if err != nil {
		return fmt.Errorf("%s %s: %w", f.binary, strings.Join(args, " "), err)
	}
	return nil
}

// logToolOutput forwards an external tool's output into the run log line by
// line so failures are diagnosable from the log tail alone.
func logToolOutput(ctx context.Context, log *logger.Logger, tool string, out []byte) {
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		log.Info(ctx, "tool output", "tool", tool, "line", line)
	}
}
