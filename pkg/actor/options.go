package actor

// Options tunes event sourcing and idempotency for one adapter.
type Options struct {
	// AutoConfirmEvents appends every transition durably before Fire
	// returns. When false, events accumulate in memory until Checkpoint
	// or Deactivate.
	AutoConfirmEvents bool

	// EnableSnapshots writes a snapshot every SnapshotInterval confirmed
	// events so replay does not start from seq 1.
	EnableSnapshots  bool
	SnapshotInterval int

	// PublishToStream publishes confirmed events on
	// (StreamNamespace, entityID). Publish failures are logged only.
	PublishToStream bool
	StreamNamespace string

	// EnableIdempotency keeps a bounded LRU of recent dedupe keys; a
	// FireDedup with a known key is a no-op.
	EnableIdempotency     bool
	MaxDedupeKeysInMemory int
}

// DefaultOptions returns the recommended configuration.
func DefaultOptions() Options {
	return Options{
		AutoConfirmEvents:     true,
		EnableSnapshots:       true,
		SnapshotInterval:      100,
		MaxDedupeKeysInMemory: 1000,
	}
}

func (o *Options) normalize() {
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = 100
	}
	if o.MaxDedupeKeysInMemory <= 0 {
		o.MaxDedupeKeysInMemory = 1000
	}
}
