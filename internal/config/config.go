package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DatabaseURL string // SAGAS_DATABASE_URL (required unless SAGAS_MEMORY is set)
	Memory      bool   // SAGAS_MEMORY (use the in-process store; nothing is persisted)
	GRPCAddr    string // SAGAS_GRPC_ADDR (default ":9090"; serves the health service)
	NATSURL     string // SAGAS_NATS_URL (optional, empty = no bus)
	SagaFile    string // SAGAS_SAGA_FILE (optional TOML file of command-backed saga types)

	// Orchestrator settings
	ResumeInterval    time.Duration // SAGAS_RESUME_INTERVAL (default 10s; 0 = resumer disabled)
	StaleAfter        time.Duration // SAGAS_STALE_AFTER (default 5m; driver lease, 0 = no crash recovery)
	MaxResumeAttempts int           // SAGAS_MAX_RESUME_ATTEMPTS (default 3)
	SnapshotEvery     int           // SAGAS_SNAPSHOT_EVERY (default 20; 0 = no snapshots)
	BackoffBase       time.Duration // SAGAS_BACKOFF_BASE (default 1s)
	BackoffMax        time.Duration // SAGAS_BACKOFF_MAX (default 30s)
	ShutdownTimeout   time.Duration // SAGAS_SHUTDOWN_TIMEOUT (default 30s)

	// Archive settings
	ArchiveInterval   time.Duration // SAGAS_ARCHIVE_INTERVAL (default 0 = disabled)
	ArchiveS3Bucket   string        // SAGAS_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // SAGAS_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // SAGAS_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Key      string        // SAGAS_ARCHIVE_S3_KEY (default "sagas/archive.jsonl")
	ArchiveGitRepo    string        // SAGAS_ARCHIVE_GIT_REPO (enables git when set; path to clone)
	ArchiveGitFile    string        // SAGAS_ARCHIVE_GIT_FILE (default "sagas.jsonl")
	ArchiveGitBranch  string        // SAGAS_ARCHIVE_GIT_BRANCH (default "main")
}

// fileConfig is the TOML overlay read from SAGAS_CONFIG_FILE. Values set in
// the environment take precedence over the file.
type fileConfig struct {
	DatabaseURL       string `toml:"database_url"`
	Memory            *bool  `toml:"memory"`
	GRPCAddr          string `toml:"grpc_addr"`
	NATSURL           string `toml:"nats_url"`
	SagaFile          string `toml:"saga_file"`
	ResumeInterval    string `toml:"resume_interval"`
	StaleAfter        string `toml:"stale_after"`
	MaxResumeAttempts *int   `toml:"max_resume_attempts"`
	SnapshotEvery     *int   `toml:"snapshot_every"`
	BackoffBase       string `toml:"backoff_base"`
	BackoffMax        string `toml:"backoff_max"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`

	Archive struct {
		Interval   string `toml:"interval"`
		S3Bucket   string `toml:"s3_bucket"`
		S3Endpoint string `toml:"s3_endpoint"`
		S3Region   string `toml:"s3_region"`
		S3Key      string `toml:"s3_key"`
		GitRepo    string `toml:"git_repo"`
		GitFile    string `toml:"git_file"`
		GitBranch  string `toml:"git_branch"`
	} `toml:"archive"`
}

// values flattens the file into the env var names it overlays.
func (f *fileConfig) values() map[string]string {
	v := map[string]string{
		"SAGAS_DATABASE_URL":        f.DatabaseURL,
		"SAGAS_GRPC_ADDR":           f.GRPCAddr,
		"SAGAS_NATS_URL":            f.NATSURL,
		"SAGAS_SAGA_FILE":           f.SagaFile,
		"SAGAS_RESUME_INTERVAL":     f.ResumeInterval,
		"SAGAS_STALE_AFTER":         f.StaleAfter,
		"SAGAS_BACKOFF_BASE":        f.BackoffBase,
		"SAGAS_BACKOFF_MAX":         f.BackoffMax,
		"SAGAS_SHUTDOWN_TIMEOUT":    f.ShutdownTimeout,
		"SAGAS_ARCHIVE_INTERVAL":    f.Archive.Interval,
		"SAGAS_ARCHIVE_S3_BUCKET":   f.Archive.S3Bucket,
		"SAGAS_ARCHIVE_S3_ENDPOINT": f.Archive.S3Endpoint,
		"SAGAS_ARCHIVE_S3_REGION":   f.Archive.S3Region,
		"SAGAS_ARCHIVE_S3_KEY":      f.Archive.S3Key,
		"SAGAS_ARCHIVE_GIT_REPO":    f.Archive.GitRepo,
		"SAGAS_ARCHIVE_GIT_FILE":    f.Archive.GitFile,
		"SAGAS_ARCHIVE_GIT_BRANCH":  f.Archive.GitBranch,
	}
	if f.Memory != nil {
		v["SAGAS_MEMORY"] = strconv.FormatBool(*f.Memory)
	}
	if f.MaxResumeAttempts != nil {
		v["SAGAS_MAX_RESUME_ATTEMPTS"] = strconv.Itoa(*f.MaxResumeAttempts)
	}
	if f.SnapshotEvery != nil {
		v["SAGAS_SNAPSHOT_EVERY"] = strconv.Itoa(*f.SnapshotEvery)
	}
	return v
}

func Load() (*Config, error) {
	overlay := map[string]string{}
	if path := os.Getenv("SAGAS_CONFIG_FILE"); path != "" {
		var f fileConfig
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("SAGAS_CONFIG_FILE: %w", err)
		}
		overlay = f.values()
	}
	get := func(key, fallback string) string {
		if v := envOrDefault(key, overlay[key]); v != "" {
			return v
		}
		return fallback
	}

	c := &Config{
		DatabaseURL:       get("SAGAS_DATABASE_URL", ""),
		GRPCAddr:          get("SAGAS_GRPC_ADDR", ":9090"),
		NATSURL:           get("SAGAS_NATS_URL", ""),
		SagaFile:          get("SAGAS_SAGA_FILE", ""),
		ArchiveS3Bucket:   get("SAGAS_ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Endpoint: get("SAGAS_ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3Region:   get("SAGAS_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Key:      get("SAGAS_ARCHIVE_S3_KEY", "sagas/archive.jsonl"),
		ArchiveGitRepo:    get("SAGAS_ARCHIVE_GIT_REPO", ""),
		ArchiveGitFile:    get("SAGAS_ARCHIVE_GIT_FILE", "sagas.jsonl"),
		ArchiveGitBranch:  get("SAGAS_ARCHIVE_GIT_BRANCH", "main"),
	}

	var err error
	if c.Memory, err = parseBool("SAGAS_MEMORY", get("SAGAS_MEMORY", "false")); err != nil {
		return nil, err
	}
	if c.DatabaseURL == "" && !c.Memory {
		return nil, fmt.Errorf("SAGAS_DATABASE_URL is required")
	}

	for _, d := range []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"SAGAS_RESUME_INTERVAL", "10s", &c.ResumeInterval},
		{"SAGAS_STALE_AFTER", "5m", &c.StaleAfter},
		{"SAGAS_BACKOFF_BASE", "1s", &c.BackoffBase},
		{"SAGAS_BACKOFF_MAX", "30s", &c.BackoffMax},
		{"SAGAS_SHUTDOWN_TIMEOUT", "30s", &c.ShutdownTimeout},
		{"SAGAS_ARCHIVE_INTERVAL", "0s", &c.ArchiveInterval},
	} {
		v, err := time.ParseDuration(get(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("%s: must not be negative", d.key)
		}
		*d.dst = v
	}

	for _, n := range []struct {
		key      string
		fallback string
		dst      *int
	}{
		{"SAGAS_MAX_RESUME_ATTEMPTS", "3", &c.MaxResumeAttempts},
		{"SAGAS_SNAPSHOT_EVERY", "20", &c.SnapshotEvery},
	} {
		v, err := strconv.Atoi(get(n.key, n.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("%s: must not be negative", n.key)
		}
		*n.dst = v
	}

	if c.BackoffMax < c.BackoffBase {
		return nil, fmt.Errorf("SAGAS_BACKOFF_MAX (%s) is below SAGAS_BACKOFF_BASE (%s)", c.BackoffMax, c.BackoffBase)
	}

	return c, nil
}

func parseBool(key, v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
