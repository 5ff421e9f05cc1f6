// Package saga drives multi-step workflows. A Definition lists the steps of
// one saga type; the Orchestrator runs instances of it, persisting every
// transition as an event, retrying failed steps with backoff and
// compensating completed steps in reverse order when a step gives up.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
)

// DefaultMaxRetries applies to steps that do not set MaxRetries.
const DefaultMaxRetries = 3

// StepResult is what a successful step hands back. Data is shallow-merged
// into the saga data, step keys winning.
type StepResult struct {
	Data map[string]any
}

// StepFunc executes one step against a private copy of the saga state.
// Steps may run more than once and must be idempotent.
type StepFunc func(ctx context.Context, state *model.SagaState) (StepResult, error)

// CompensateFunc undoes a completed step.
type CompensateFunc func(ctx context.Context, state *model.SagaState) error

// Hook is called once a saga reaches a terminal state.
type Hook func(ctx context.Context, state *model.SagaState) error

// StepDefinition is one step of a saga type.
type StepDefinition struct {
	Name       string
	Execute    StepFunc
	Compensate CompensateFunc // optional

	Retryable  *bool         // nil = true
	MaxRetries *int          // nil = DefaultMaxRetries
	Timeout    time.Duration // per attempt, 0 = none
}

func (s StepDefinition) retryable() bool {
	return s.Retryable == nil || *s.Retryable
}

func (s StepDefinition) maxRetries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

// Bool returns a pointer to v, for StepDefinition.Retryable.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v, for StepDefinition.MaxRetries.
func Int(v int) *int { return &v }

// ChainHooks runs hooks in order. Every hook runs; their errors are joined.
func ChainHooks(hooks ...Hook) Hook {
	return func(ctx context.Context, state *model.SagaState) error {
		var errs []error
		for _, h := range hooks {
			if h == nil {
				continue
			}
			if err := h(ctx, state); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// Definition describes a saga type.
type Definition struct {
	Type       string
	Steps      []StepDefinition
	OnComplete Hook
	OnFailure  Hook
}

// Validate checks that the definition can be run.
func (d Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("saga definition: type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga definition %s: at least one step is required", d.Type)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		switch {
		case s.Name == "":
			return fmt.Errorf("saga definition %s: step %d has no name", d.Type, i)
		case seen[s.Name]:
			return fmt.Errorf("saga definition %s: duplicate step %q", d.Type, s.Name)
		case s.Execute == nil:
			return fmt.Errorf("saga definition %s: step %q has no Execute", d.Type, s.Name)
		case s.MaxRetries != nil && *s.MaxRetries < 0:
			return fmt.Errorf("saga definition %s: step %q has negative MaxRetries", d.Type, s.Name)
		case s.Timeout < 0:
			return fmt.Errorf("saga definition %s: step %q has negative Timeout", d.Type, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// stepIndex returns the position of the named step, or -1.
func (d Definition) stepIndex(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Registry maps saga types to definitions. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces the definition for d.Type.
func (r *Registry) Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	steps := make([]StepDefinition, len(d.Steps))
	copy(steps, d.Steps)
	d.Steps = steps

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Type] = d
	return nil
}

// MustRegister is Register for static wiring; it panics on an invalid definition.
func (r *Registry) MustRegister(d Definition) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(sagaType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[sagaType]
	return d, ok
}

// Types returns the registered saga types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
