package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "grainflow.yaml", `
actor:
  auto_confirm_events: true
  snapshot_interval: 25
store:
  driver: sqlite
  dsn: grainflow.db
batch:
  max_parallelism: 8
  retry_delay: 250ms
`)
	cfg := Default()
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Actor.SnapshotInterval != 25 {
		t.Errorf("SnapshotInterval = %d, want 25", cfg.Actor.SnapshotInterval)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "grainflow.db" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Batch.MaxParallelism != 8 {
		t.Errorf("MaxParallelism = %d, want 8", cfg.Batch.MaxParallelism)
	}
	if cfg.Batch.RetryDelay.Std() != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 250ms", cfg.Batch.RetryDelay)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "grainflow.json", `{
  "store": {"driver": "postgres", "dsn": "postgres://localhost/grainflow"},
  "web": {"enabled": true, "addr": ":9090"}
}`)
	var cfg Config
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Driver = %q, want postgres", cfg.Store.Driver)
	}
	if !cfg.Web.Enabled || cfg.Web.Addr != ":9090" {
		t.Errorf("Web = %+v", cfg.Web)
	}
}

func TestLoadWithEnv_Overrides(t *testing.T) {
	path := writeFile(t, "grainflow.yaml", `
store:
  driver: sqlite
  dsn: local.db
batch:
  per_op_timeout: 1s
`)
	t.Setenv("GRAINFLOW_STORE_DSN", "postgres://db/grainflow")
	t.Setenv("GRAINFLOW_ACTOR_SNAPSHOTINTERVAL", "7")
	t.Setenv("GRAINFLOW_BATCH_PEROPTIMEOUT", "30s")
	t.Setenv("GRAINFLOW_WEB_ENABLED", "true")

	cfg := Default()
	if err := LoadWithEnv(path, "GRAINFLOW", &cfg); err != nil {
		t.Fatalf("LoadWithEnv failed: %v", err)
	}
	if cfg.Store.DSN != "postgres://db/grainflow" {
		t.Errorf("DSN not overridden: %q", cfg.Store.DSN)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Driver should keep the file value: %q", cfg.Store.Driver)
	}
	if cfg.Actor.SnapshotInterval != 7 {
		t.Errorf("SnapshotInterval = %d, want 7", cfg.Actor.SnapshotInterval)
	}
	if cfg.Batch.PerOpTimeout.Std() != 30*time.Second {
		t.Errorf("PerOpTimeout = %v, want 30s", cfg.Batch.PerOpTimeout)
	}
	if !cfg.Web.Enabled {
		t.Error("Web.Enabled not overridden")
	}
}

func TestApplyEnvOverrides_BadValue(t *testing.T) {
	t.Setenv("GRAINFLOW_ACTOR_SNAPSHOTINTERVAL", "lots")
	cfg := Default()
	err := ApplyEnvOverrides("GRAINFLOW", &cfg)
	if err == nil || !strings.Contains(err.Error(), "GRAINFLOW_ACTOR_SNAPSHOTINTERVAL") {
		t.Errorf("Expected a named env error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = "grainflow.db"

	err := Validate(&cfg,
		RequiredFields("Store.Driver", "Store.DSN"),
		Range("Actor.SnapshotInterval", 1, 100000),
		OneOf("Store.Driver", "memory", "fs", "sqlite", "postgres", "pgx"),
	)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	cfg.Store.DSN = ""
	if err := Validate(&cfg, RequiredFields("Store.DSN")); err == nil {
		t.Error("Missing DSN should fail validation")
	}
	cfg.Actor.SnapshotInterval = 0
	if err := Validate(&cfg, Range("Actor.SnapshotInterval", 1, 100000)); err == nil {
		t.Error("Out-of-range interval should fail validation")
	}
	cfg.Store.Driver = "oracle"
	if err := Validate(&cfg, OneOf("Store.Driver", "memory", "sqlite")); err == nil {
		t.Error("Unknown driver should fail validation")
	}
}

func TestDefault_RoundTripsToOptions(t *testing.T) {
	cfg := Default()

	opts := cfg.Actor.ActorOptions()
	if !opts.AutoConfirmEvents || !opts.EnableSnapshots {
		t.Errorf("Actor options = %+v", opts)
	}
	if opts.SnapshotInterval != 100 || opts.MaxDedupeKeysInMemory != 1000 {
		t.Errorf("Actor option defaults = %+v", opts)
	}

	bopts := cfg.Batch.BatchOptions()
	if bopts.MaxParallelism != 4 || bopts.RetryCount != 1 {
		t.Errorf("Batch option defaults = %+v", bopts)
	}

	nc := cfg.Stream.NATSConfig()
	if nc.Prefix != "grainflow" || nc.URL == "" {
		t.Errorf("NATS defaults = %+v", nc)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Store.Driver = "fs"
	cfg.Store.DSN = "/var/lib/grainflow"

	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	var back Config
	if err := Load(path, &back); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if back.Store.Driver != "fs" || back.Store.DSN != "/var/lib/grainflow" {
		t.Errorf("Round trip store = %+v", back.Store)
	}
}
