// Package eventlog defines the durable per-entity transition log: the event
// and snapshot records, their wire codec, and the Store implementations the
// actor adapter persists through.
package eventlog

import (
	"time"
)

// TransitionEvent is one confirmed state transition. Events are immutable
// once confirmed; Seq is the dense per-entity sequence number assigned by
// the adapter at confirmation.
type TransitionEvent struct {
	Seq               uint64            `json:"seq"`
	From              string            `json:"from"`
	To                string            `json:"to"`
	Trigger           string            `json:"trigger"`
	Timestamp         time.Time         `json:"timestamp"`
	CorrelationID     string            `json:"correlationId,omitempty"`
	DedupeKey         string            `json:"dedupeKey,omitempty"`
	DefinitionVersion string            `json:"definitionVersion"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Snapshot captures the entity state at LastSeq so replay can skip the
// events before it.
type Snapshot struct {
	CurrentState      string           `json:"currentState"`
	LastTransitionAt  time.Time        `json:"lastTransitionAt"`
	TransitionCount   uint64           `json:"transitionCount"`
	LastSeq           uint64           `json:"lastSeq"`
	DefinitionVersion string           `json:"definitionVersion"`
	ReminderConfigs   []ReminderConfig `json:"reminderConfigs,omitempty"`
}

// ReminderConfig is the persisted shape of a durable reminder so it can be
// re-registered after reactivation.
type ReminderConfig struct {
	Name      string        `json:"name"`
	State     string        `json:"state"`
	Trigger   string        `json:"trigger"`
	Timeout   time.Duration `json:"timeout"`
	Repeating bool          `json:"repeating"`
}
