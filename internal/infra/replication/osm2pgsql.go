package replication

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/osmsync/osmsync/internal/domain/replication"
	"github.com/osmsync/osmsync/pkg/common/logger"
)

var _ replication.Applier = (*Osm2pgsqlApplier)(nil)

// DBParams carries the target store connection parameters handed to the
// bulk loader. The password travels via the environment, never argv.
type DBParams struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// Osm2pgsqlApplier invokes an osm2pgsql-compatible bulk loader in
// append/slim mode to apply a changeset file to the target store. The
// loader is assumed transactional for a single changeset; the orchestrator
// never replays an artifact.
type Osm2pgsqlApplier struct {
	binary    string
	style     string
	cacheMB   int
	flatNodes string
	extraArgs []string
	db        DBParams
	log       *logger.Logger
}

// NewOsm2pgsqlApplier creates an applier around the given binary, style
// file, cache-size hint and connection parameters.
func NewOsm2pgsqlApplier(binary, style string, cacheMB int, flatNodes string, extraArgs []string, db DBParams, log *logger.Logger) *Osm2pgsqlApplier {
	return &Osm2pgsqlApplier{
		binary:    binary,
		style:     style,
		cacheMB:   cacheMB,
		flatNodes: flatNodes,
		extraArgs: extraArgs,
		db:        db,
		log:       log,
	}
}

// Apply consumes the changeset file at artifactPath, mutating the target
// store. Like the fetch, it blocks without internal timeout.
func (a *Osm2pgsqlApplier) Apply(ctx context.Context, artifactPath string) error {
	args := []string{
		"--append",
		"--slim",
		"--style", a.style,
		"--cache", strconv.Itoa(a.cacheMB),
		"--database", a.db.Name,
		"--host", a.db.Host,
		"--port", strconv.Itoa(a.db.Port),
		"--username", a.db.User,
	}
	if a.flatNodes != "" {
		args = append(args, "--flat-nodes", a.flatNodes)
	}
	args = append(args, a.extraArgs...)
	args = append(args, artifactPath)

	a.log.Info(ctx, "applying replication changeset", "binary", a.binary, "artifact", artifactPath)

	cmd := exec.CommandContext(ctx, a.binary, args...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+a.db.Password)
	out, err := cmd.CombinedOutput()
	logToolOutput(ctx, a.log, a.binary, out)
	if err != nil {
		return fmt.Errorf("%s %s: %w", a.binary, strings.Join(args, " "), err)
	}
	return nil
}
