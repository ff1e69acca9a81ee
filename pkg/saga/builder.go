package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/grainflow/grainflow/pkg/actor"
)

// Definition is a validated, buildable saga: a name plus its step set.
type Definition struct {
	Name  string
	Steps []*Step
}

// Builder assembles a saga definition step by step.
type Builder struct {
	name  string
	steps []*Step
}

// NewBuilder starts a saga definition.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Step opens a step configuration; Add on the returned StepBuilder returns
// to the saga builder.
func (b *Builder) Step(name string) *StepBuilder {
	return &StepBuilder{
		saga: b,
		step: &Step{Name: name, MaxRetries: 1},
	}
}

// AddStep appends a fully formed step.
func (b *Builder) AddStep(step *Step) *Builder {
	b.steps = append(b.steps, step)
	return b
}

// Build validates the definition. Graph-level checks (cycles, unknown
// dependencies) happen in BuildGraph.
func (b *Builder) Build() (*Definition, error) {
	if b.name == "" {
		return nil, fmt.Errorf("saga: name is required")
	}
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("saga %q: at least one step is required", b.name)
	}
	seen := make(map[string]bool, len(b.steps))
	for _, s := range b.steps {
		if s.Name == "" {
			return nil, fmt.Errorf("saga %q: step name is required", b.name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("saga %q: duplicate step %q", b.name, s.Name)
		}
		seen[s.Name] = true
		if s.Execute == nil {
			return nil, fmt.Errorf("saga %q: step %q has no execute function", b.name, s.Name)
		}
		if s.MaxRetries < 1 {
			s.MaxRetries = 1
		}
	}
	return &Definition{Name: b.name, Steps: b.steps}, nil
}

// MustBuild is Build that panics on a malformed definition.
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// StepBuilder configures one step fluently.
type StepBuilder struct {
	saga *Builder
	step *Step
}

// Execute sets the forward action.
func (sb *StepBuilder) Execute(fn ExecuteFunc) *StepBuilder {
	sb.step.Execute = fn
	return sb
}

// Compensate sets the undo action.
func (sb *StepBuilder) Compensate(fn CompensateFunc) *StepBuilder {
	sb.step.Compensate = fn
	return sb
}

// DependsOn declares dependencies by step name.
func (sb *StepBuilder) DependsOn(steps ...string) *StepBuilder {
	sb.step.DependsOn = append(sb.step.DependsOn, steps...)
	return sb
}

// When gates the step on a condition; a false condition skips it.
func (sb *StepBuilder) When(cond ConditionFunc) *StepBuilder {
	sb.step.Condition = cond
	return sb
}

// ContinueOnFailure keeps the saga running past this step's failure.
func (sb *StepBuilder) ContinueOnFailure() *StepBuilder {
	sb.step.ContinueOnFailure = true
	return sb
}

// WithRetry sets the attempt budget and backoff seed for technical failures.
func (sb *StepBuilder) WithRetry(maxRetries int, delay time.Duration) *StepBuilder {
	sb.step.MaxRetries = maxRetries
	sb.step.RetryDelay = delay
	return sb
}

// WithTimeout bounds each attempt.
func (sb *StepBuilder) WithTimeout(d time.Duration) *StepBuilder {
	sb.step.Timeout = d
	return sb
}

// Add finishes the step and returns to the saga builder.
func (sb *StepBuilder) Add() *Builder {
	return sb.saga.AddStep(sb.step)
}

// EntityFire returns an ExecuteFunc that resolves an entity through the
// host resolver and fires a trigger on it. The saga never assumes the
// entity is co-located.
func EntityFire(resolver actor.EntityResolver, entityType, entityID, trigger string, args ...interface{}) ExecuteFunc {
	return func(ctx context.Context, run *RunContext) (interface{}, error) {
		a, err := resolver.Resolve(ctx, entityType, entityID)
		if err != nil {
			return nil, err
		}
		if err := a.Fire(ctx, trigger, args...); err != nil {
			return nil, err
		}
		return a.CurrentState(), nil
	}
}

// EntityCompensate returns a CompensateFunc that fires a compensating
// trigger on the same entity.
func EntityCompensate(resolver actor.EntityResolver, entityType, entityID, trigger string, args ...interface{}) CompensateFunc {
	return func(ctx context.Context, run *RunContext, original *StepResult) error {
		a, err := resolver.Resolve(ctx, entityType, entityID)
		if err != nil {
			return err
		}
		return a.Fire(ctx, trigger, args...)
	}
}
