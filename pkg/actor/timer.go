package actor

import (
	"fmt"
	"time"
)

// DurableThreshold is the timeout above which an unspecified timer kind
// defaults to a durable reminder instead of an in-memory timer.
const DurableThreshold = 5 * time.Minute

// TimerConfig binds a timeout to a state: entering State arms the timer,
// leaving it cancels it, expiry fires Trigger.
type TimerConfig struct {
	Name      string
	State     string
	Trigger   string
	Timeout   time.Duration
	Repeating bool
	Durable   bool
}

func (c TimerConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("actor: timer config needs a name")
	}
	if c.State == "" || c.Trigger == "" {
		return fmt.Errorf("actor: timer %q needs a state and a trigger", c.Name)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("actor: timer %q needs a positive timeout", c.Name)
	}
	return nil
}

// TimeoutBuilder builds a TimerConfig fluently:
//
//	cfg := ConfigureTimeout("Processing").
//	    After(30 * time.Second).
//	    TransitionTo("Timeout").
//	    UseTimer().
//	    Build()
type TimeoutBuilder struct {
	cfg        TimerConfig
	kindChosen bool
	err        error
}

// ConfigureTimeout starts a timeout configuration for state.
func ConfigureTimeout(state string) *TimeoutBuilder {
	return &TimeoutBuilder{cfg: TimerConfig{State: state}}
}

// After sets the timeout duration.
func (b *TimeoutBuilder) After(d time.Duration) *TimeoutBuilder {
	b.cfg.Timeout = d
	return b
}

// TransitionTo sets the trigger fired on expiry.
func (b *TimeoutBuilder) TransitionTo(trigger string) *TimeoutBuilder {
	b.cfg.Trigger = trigger
	return b
}

// UseTimer forces an in-memory timer regardless of duration.
func (b *TimeoutBuilder) UseTimer() *TimeoutBuilder {
	b.cfg.Durable = false
	b.kindChosen = true
	return b
}

// UseDurableReminder forces a durable reminder regardless of duration.
func (b *TimeoutBuilder) UseDurableReminder() *TimeoutBuilder {
	b.cfg.Durable = true
	b.kindChosen = true
	return b
}

// Repeat makes the timer re-arm after each expiry.
func (b *TimeoutBuilder) Repeat() *TimeoutBuilder {
	b.cfg.Repeating = true
	return b
}

// WithName overrides the generated timer name.
func (b *TimeoutBuilder) WithName(name string) *TimeoutBuilder {
	b.cfg.Name = name
	return b
}

// Build finalizes the config. Unnamed timers get "<state>-timeout"; timers
// longer than DurableThreshold default to durable reminders.
func (b *TimeoutBuilder) Build() (TimerConfig, error) {
	cfg := b.cfg
	if cfg.Name == "" {
		cfg.Name = cfg.State + "-timeout"
	}
	if !b.kindChosen {
		cfg.Durable = cfg.Timeout > DurableThreshold
	}
	if err := cfg.validate(); err != nil {
		return TimerConfig{}, err
	}
	return cfg, nil
}

// MustBuild is Build that panics on a malformed config.
func (b *TimeoutBuilder) MustBuild() TimerConfig {
	cfg, err := b.Build()
	if err != nil {
		panic(err)
	}
	return cfg
}
