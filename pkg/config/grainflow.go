package config

import (
	"time"

	"github.com/grainflow/grainflow/pkg/actor"
	"github.com/grainflow/grainflow/pkg/batch"
	"github.com/grainflow/grainflow/pkg/stream"
)

// Config is the full grainflow runtime configuration as loaded from a file.
type Config struct {
	Actor   ActorConfig   `yaml:"actor" json:"actor"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Stream  StreamConfig  `yaml:"stream" json:"stream"`
	Batch   BatchConfig   `yaml:"batch" json:"batch"`
	Web     WebConfig     `yaml:"web" json:"web"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// ActorConfig mirrors actor.Options in file-friendly form.
type ActorConfig struct {
	AutoConfirmEvents     bool   `yaml:"auto_confirm_events" json:"autoConfirmEvents"`
	EnableSnapshots       bool   `yaml:"enable_snapshots" json:"enableSnapshots"`
	SnapshotInterval      int    `yaml:"snapshot_interval" json:"snapshotInterval"`
	PublishToStream       bool   `yaml:"publish_to_stream" json:"publishToStream"`
	StreamNamespace       string `yaml:"stream_namespace" json:"streamNamespace"`
	EnableIdempotency     bool   `yaml:"enable_idempotency" json:"enableIdempotency"`
	MaxDedupeKeysInMemory int    `yaml:"max_dedupe_keys_in_memory" json:"maxDedupeKeysInMemory"`
}

// StoreConfig selects and parameterizes the event log backend.
type StoreConfig struct {
	// Driver is one of memory, fs, sqlite, postgres, pgx.
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the connection string for sql backends, or the directory for
	// the fs backend.
	DSN string `yaml:"dsn" json:"dsn"`
}

// StreamConfig parameterizes the NATS publisher.
type StreamConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
	Prefix  string `yaml:"prefix" json:"prefix"`
	Name    string `yaml:"name" json:"name"`
}

// BatchConfig mirrors batch.Options defaults in file-friendly form.
type BatchConfig struct {
	MaxParallelism     int      `yaml:"max_parallelism" json:"maxParallelism"`
	StopOnFirstFailure bool     `yaml:"stop_on_first_failure" json:"stopOnFirstFailure"`
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	PerOpTimeout       Duration `yaml:"per_op_timeout" json:"perOpTimeout"`
	RetryCount         int      `yaml:"retry_count" json:"retryCount"`
	RetryDelay         Duration `yaml:"retry_delay" json:"retryDelay"`
	ExponentialBackoff bool     `yaml:"exponential_backoff" json:"exponentialBackoff"`
	OrderByPriority    bool     `yaml:"order_by_priority" json:"orderByPriority"`
}

// WebConfig parameterizes the health and metrics endpoint.
type WebConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// TracingConfig selects the trace exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter is one of stdout, zipkin, jaeger.
	Exporter string `yaml:"exporter" json:"exporter"`

	// Endpoint is the collector URL for zipkin and jaeger.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// ServiceName tags exported spans; defaults to grainflow.
	ServiceName string `yaml:"service_name" json:"serviceName"`
}

// Default returns the baseline configuration: memory store, auto-confirm,
// snapshots on, no stream, no tracing.
func Default() Config {
	return Config{
		Actor: ActorConfig{
			AutoConfirmEvents:     true,
			EnableSnapshots:       true,
			SnapshotInterval:      100,
			MaxDedupeKeysInMemory: 1000,
		},
		Store: StoreConfig{Driver: "memory"},
		Batch: BatchConfig{
			MaxParallelism: 4,
			RetryCount:     1,
			RetryDelay:     Duration(100 * time.Millisecond),
		},
		Web:     WebConfig{Addr: ":8080"},
		Tracing: TracingConfig{Exporter: "stdout", ServiceName: "grainflow"},
	}
}

// ActorOptions converts the file form to adapter options.
func (c ActorConfig) ActorOptions() actor.Options {
	return actor.Options{
		AutoConfirmEvents:     c.AutoConfirmEvents,
		EnableSnapshots:       c.EnableSnapshots,
		SnapshotInterval:      c.SnapshotInterval,
		PublishToStream:       c.PublishToStream,
		StreamNamespace:       c.StreamNamespace,
		EnableIdempotency:     c.EnableIdempotency,
		MaxDedupeKeysInMemory: c.MaxDedupeKeysInMemory,
	}
}

// BatchOptions converts the file form to dispatcher options.
func (c BatchConfig) BatchOptions() batch.Options {
	return batch.Options{
		MaxParallelism:     c.MaxParallelism,
		StopOnFirstFailure: c.StopOnFirstFailure,
		Timeout:            c.Timeout.Std(),
		PerOpTimeout:       c.PerOpTimeout.Std(),
		RetryCount:         c.RetryCount,
		RetryDelay:         c.RetryDelay.Std(),
		ExponentialBackoff: c.ExponentialBackoff,
		OrderByPriority:    c.OrderByPriority,
	}
}

// NATSConfig converts the file form to publisher options.
func (c StreamConfig) NATSConfig() stream.NATSConfig {
	cfg := stream.DefaultNATSConfig()
	if c.URL != "" {
		cfg.URL = c.URL
	}
	if c.Prefix != "" {
		cfg.Prefix = c.Prefix
	}
	if c.Name != "" {
		cfg.Name = c.Name
	}
	return cfg
}
