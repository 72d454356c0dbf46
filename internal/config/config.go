package config

import (
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
)

// Defaults applied by Normalize for fields the operator left unset.
const (
	DefaultFetcherBinary       = "osmosis"
	DefaultLoaderBinary        = "osm2pgsql"
	DefaultLoaderStyle         = "/usr/share/osm2pgsql/default.style"
	DefaultLoaderCacheMB       = 2048
	DefaultMaxIntervalSeconds  = 3600
	DefaultLockStalenessSecond = 3600
	DefaultDatabasePort        = 5432
)

// Config is the top-level updater configuration.
type Config struct {
	Replication ReplicationConfig `yaml:"replication" validate:"required"`
	Loader      LoaderConfig      `yaml:"loader" validate:"required"`
	Database    DatabaseConfig    `yaml:"database" validate:"required"`
	Lock        LockConfig        `yaml:"lock"`
	Log         LogConfig         `yaml:"log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	// StopFile, when present on disk, makes the updater exit before
	// taking the lock. Operators touch it to pause updates during
	// maintenance without editing cron.
	StopFile string `yaml:"stop_file"`
}

// ReplicationConfig controls the fetch side of an update run.
type ReplicationConfig struct {
	// WorkingDir holds state.txt, configuration.txt and the lock file.
	WorkingDir string `yaml:"working_dir" validate:"required"`

	// ArtifactDir receives the downloaded changeset files. Defaults to
	// WorkingDir when empty.
	ArtifactDir string `yaml:"artifact_dir"`

	// MaxIntervalSeconds caps how much replication time a single fetch
	// may cover. Written into configuration.txt before every run.
	MaxIntervalSeconds int `yaml:"max_interval_seconds" validate:"omitempty,gt=0"`

	FetcherBinary string `yaml:"fetcher_binary"`

	// ProcessMatches are the process names a forced takeover is allowed
	// to terminate. Defaults to the fetcher and loader binaries.
	ProcessMatches []string `yaml:"process_matches"`
}

// LoaderConfig controls how changesets are applied to the target store.
type LoaderConfig struct {
	Binary    string   `yaml:"binary"`
	Style     string   `yaml:"style"`
	CacheMB   int      `yaml:"cache_mb" validate:"omitempty,gt=0"`
	FlatNodes string   `yaml:"flat_nodes"`
	ExtraArgs []string `yaml:"extra_args"`
}

// DatabaseConfig identifies the PostGIS database both the loader and the
// freshness marker write to.
type DatabaseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"omitempty,gt=0,lte=65535"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Name     string `yaml:"name" validate:"required"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.Name,
	}
	q := u.Query()
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}

// LockConfig controls single-writer exclusion.
type LockConfig struct {
	// Path of the lock file. Defaults to <working_dir>/update.lock.
	Path string `yaml:"path"`

	// StalenessSeconds is the lock age beyond which a holder is
	// presumed dead and taken over.
	StalenessSeconds int `yaml:"staleness_seconds" validate:"omitempty,gt=0"`
}

// LogConfig controls the persistent run log.
type LogConfig struct {
	// Path of the append-only log file. Empty disables file logging.
	Path string `yaml:"path"`

	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// TelemetryConfig controls trace and metric export.
type TelemetryConfig struct {
	// ExporterEndpoint is the OTLP gRPC endpoint. Empty disables export.
	ExporterEndpoint string  `yaml:"exporter_endpoint"`
	SampleRate       float64 `yaml:"sample_rate" validate:"omitempty,gte=0,lte=1"`
}

// Normalize fills defaults for optional fields. Call before Validate.
func (c *Config) Normalize() {
	if c.Replication.ArtifactDir == "" {
		c.Replication.ArtifactDir = c.Replication.WorkingDir
	}
	if c.Replication.MaxIntervalSeconds == 0 {
		c.Replication.MaxIntervalSeconds = DefaultMaxIntervalSeconds
	}
	if c.Replication.FetcherBinary == "" {
		c.Replication.FetcherBinary = DefaultFetcherBinary
	}
	if c.Loader.Binary == "" {
		c.Loader.Binary = DefaultLoaderBinary
	}
	if c.Loader.Style == "" {
		c.Loader.Style = DefaultLoaderStyle
	}
	if c.Loader.CacheMB == 0 {
		c.Loader.CacheMB = DefaultLoaderCacheMB
	}
	if len(c.Replication.ProcessMatches) == 0 {
		c.Replication.ProcessMatches = []string{c.Replication.FetcherBinary, c.Loader.Binary}
	}
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDatabasePort
	}
	if c.Lock.Path == "" {
		c.Lock.Path = c.Replication.WorkingDir + "/update.lock"
	}
	if c.Lock.StalenessSeconds == 0 {
		c.Lock.StalenessSeconds = DefaultLockStalenessSecond
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
