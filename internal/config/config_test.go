package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// allEnvVars lists every variable Load reads; they are cleared between tests.
var allEnvVars = []string{
	"SAGAS_CONFIG_FILE", "SAGAS_DATABASE_URL", "SAGAS_MEMORY", "SAGAS_GRPC_ADDR", "SAGAS_NATS_URL", "SAGAS_SAGA_FILE",
	"SAGAS_RESUME_INTERVAL", "SAGAS_STALE_AFTER", "SAGAS_MAX_RESUME_ATTEMPTS", "SAGAS_SNAPSHOT_EVERY",
	"SAGAS_BACKOFF_BASE", "SAGAS_BACKOFF_MAX", "SAGAS_SHUTDOWN_TIMEOUT",
	"SAGAS_ARCHIVE_INTERVAL", "SAGAS_ARCHIVE_S3_BUCKET", "SAGAS_ARCHIVE_S3_ENDPOINT",
	"SAGAS_ARCHIVE_S3_REGION", "SAGAS_ARCHIVE_S3_KEY", "SAGAS_ARCHIVE_GIT_REPO",
	"SAGAS_ARCHIVE_GIT_FILE", "SAGAS_ARCHIVE_GIT_BRANCH",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvVars {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		name         string
		env          map[string]string
		wantErr      bool
		wantGRPCAddr string
		wantNATSURL  string
		wantMemory   bool
	}{
		{
			name:    "MissingDatabaseURL",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name:         "MemoryNeedsNoDatabase",
			env:          map[string]string{"SAGAS_MEMORY": "true"},
			wantGRPCAddr: ":9090",
			wantMemory:   true,
		},
		{
			name:         "DefaultAddresses",
			env:          map[string]string{"SAGAS_DATABASE_URL": "postgres://localhost/sagas"},
			wantGRPCAddr: ":9090",
		},
		{
			name: "CustomAddresses",
			env: map[string]string{
				"SAGAS_DATABASE_URL": "postgres://db:5432/sagas",
				"SAGAS_GRPC_ADDR":    ":5050",
				"SAGAS_NATS_URL":     "nats://localhost:4222",
			},
			wantGRPCAddr: ":5050",
			wantNATSURL:  "nats://localhost:4222",
		},
		{
			name:    "BadMemoryFlag",
			env:     map[string]string{"SAGAS_MEMORY": "sometimes"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.DatabaseURL != tc.env["SAGAS_DATABASE_URL"] {
				t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, tc.env["SAGAS_DATABASE_URL"])
			}
			if cfg.GRPCAddr != tc.wantGRPCAddr {
				t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, tc.wantGRPCAddr)
			}
			if cfg.NATSURL != tc.wantNATSURL {
				t.Errorf("NATSURL = %q, want %q", cfg.NATSURL, tc.wantNATSURL)
			}
			if cfg.Memory != tc.wantMemory {
				t.Errorf("Memory = %v, want %v", cfg.Memory, tc.wantMemory)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("SAGAS_DATABASE_URL", "postgres://localhost/sagas")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ResumeInterval != 10*time.Second {
		t.Errorf("ResumeInterval = %v, want 10s", cfg.ResumeInterval)
	}
	if cfg.StaleAfter != 5*time.Minute {
		t.Errorf("StaleAfter = %v, want 5m", cfg.StaleAfter)
	}
	if cfg.MaxResumeAttempts != 3 {
		t.Errorf("MaxResumeAttempts = %d, want 3", cfg.MaxResumeAttempts)
	}
	if cfg.SnapshotEvery != 20 {
		t.Errorf("SnapshotEvery = %d, want 20", cfg.SnapshotEvery)
	}
	if cfg.BackoffBase != time.Second || cfg.BackoffMax != 30*time.Second {
		t.Errorf("backoff = %v..%v, want 1s..30s", cfg.BackoffBase, cfg.BackoffMax)
	}
	if cfg.ArchiveInterval != 0 {
		t.Errorf("ArchiveInterval = %v, want 0 (disabled)", cfg.ArchiveInterval)
	}
	if cfg.ArchiveS3Region != "us-east-1" {
		t.Errorf("ArchiveS3Region = %q", cfg.ArchiveS3Region)
	}
	if cfg.ArchiveS3Key != "sagas/archive.jsonl" {
		t.Errorf("ArchiveS3Key = %q", cfg.ArchiveS3Key)
	}
	if cfg.ArchiveGitFile != "sagas.jsonl" || cfg.ArchiveGitBranch != "main" {
		t.Errorf("git archive = %q@%q", cfg.ArchiveGitFile, cfg.ArchiveGitBranch)
	}
}

func TestLoadCustom(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("SAGAS_DATABASE_URL", "postgres://localhost/sagas")
	t.Setenv("SAGAS_RESUME_INTERVAL", "1m")
	t.Setenv("SAGAS_MAX_RESUME_ATTEMPTS", "7")
	t.Setenv("SAGAS_SNAPSHOT_EVERY", "0")
	t.Setenv("SAGAS_BACKOFF_BASE", "250ms")
	t.Setenv("SAGAS_BACKOFF_MAX", "5s")
	t.Setenv("SAGAS_ARCHIVE_INTERVAL", "10m")
	t.Setenv("SAGAS_ARCHIVE_S3_BUCKET", "my-bucket")
	t.Setenv("SAGAS_ARCHIVE_S3_ENDPOINT", "http://minio:9000")
	t.Setenv("SAGAS_ARCHIVE_GIT_REPO", "/tmp/repo")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ResumeInterval != time.Minute {
		t.Errorf("ResumeInterval = %v", cfg.ResumeInterval)
	}
	if cfg.MaxResumeAttempts != 7 {
		t.Errorf("MaxResumeAttempts = %d", cfg.MaxResumeAttempts)
	}
	if cfg.SnapshotEvery != 0 {
		t.Errorf("SnapshotEvery = %d, want 0", cfg.SnapshotEvery)
	}
	if cfg.BackoffBase != 250*time.Millisecond || cfg.BackoffMax != 5*time.Second {
		t.Errorf("backoff = %v..%v", cfg.BackoffBase, cfg.BackoffMax)
	}
	if cfg.ArchiveInterval != 10*time.Minute || cfg.ArchiveS3Bucket != "my-bucket" ||
		cfg.ArchiveS3Endpoint != "http://minio:9000" || cfg.ArchiveGitRepo != "/tmp/repo" {
		t.Errorf("archive = %+v", cfg)
	}
}

func TestLoadInvalid(t *testing.T) {
	for _, tc := range []struct {
		key, val string
	}{
		{"SAGAS_RESUME_INTERVAL", "not-a-duration"},
		{"SAGAS_STALE_AFTER", "-1m"},
		{"SAGAS_MAX_RESUME_ATTEMPTS", "three"},
		{"SAGAS_SNAPSHOT_EVERY", "-5"},
		{"SAGAS_BACKOFF_MAX", "10ms"},
	} {
		t.Run(tc.key, func(t *testing.T) {
			clearAllEnv(t)
			t.Setenv("SAGAS_DATABASE_URL", "postgres://localhost/sagas")
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearAllEnv(t)
	path := filepath.Join(t.TempDir(), "sagad.toml")
	content := `
database_url = "postgres://file/sagas"
nats_url = "nats://file:4222"
saga_file = "/etc/sagad/sagas.toml"
max_resume_attempts = 5
snapshot_every = 0

[archive]
interval = "15m"
s3_bucket = "from-file"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SAGAS_CONFIG_FILE", path)
	t.Setenv("SAGAS_NATS_URL", "nats://env:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file/sagas" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.NATSURL != "nats://env:4222" {
		t.Errorf("NATSURL = %q, env should win over file", cfg.NATSURL)
	}
	if cfg.SagaFile != "/etc/sagad/sagas.toml" {
		t.Errorf("SagaFile = %q", cfg.SagaFile)
	}
	if cfg.MaxResumeAttempts != 5 || cfg.SnapshotEvery != 0 {
		t.Errorf("ints = %d, %d", cfg.MaxResumeAttempts, cfg.SnapshotEvery)
	}
	if cfg.ArchiveInterval != 15*time.Minute || cfg.ArchiveS3Bucket != "from-file" {
		t.Errorf("archive = %v %q", cfg.ArchiveInterval, cfg.ArchiveS3Bucket)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("SAGAS_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.toml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOrDefault(t *testing.T) {
	for _, tc := range []struct {
		name     string
		key      string
		envVal   string
		fallback string
		want     string
	}{
		{"EmptyUsesDefault", "TEST_ENVDEFAULT_EMPTY", "", "default-val", "default-val"},
		{"SetUsesEnv", "TEST_ENVDEFAULT_SET", "custom", "default-val", "custom"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.envVal)
			got := envOrDefault(tc.key, tc.fallback)
			if got != tc.want {
				t.Errorf("envOrDefault(%q, %q) = %q, want %q", tc.key, tc.fallback, got, tc.want)
			}
		})
	}
}
