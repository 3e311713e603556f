// Package option is the process-wide table of named runtime knobs. Each
// option holds a string value and at most one hook that runs on every Set.
package option

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
)

// ErrUnknownOption is returned by Set for names that were never registered.
var ErrUnknownOption = errors.New("unknown option")

// Hook reacts to a new option value. A returned error is reported to the
// caller of Set.
type Hook func(value string) error

type entry struct {
	value   string
	set     bool
	hook    Hook
	fromEnv bool
}

// RegisterOption tunes a registration.
type RegisterOption func(*entry)

// FromEnv makes InitFromEnv seed the option from the environment variable
// of the same name.
func FromEnv() RegisterOption {
	return func(e *entry) { e.fromEnv = true }
}

// Registry is safe for concurrent use. Hooks run on the caller's goroutine
// without the registry lock held, so they may read other options.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	envOnce sync.Once
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds name with hook (which may be nil). Registering an existing
// name replaces its hook and keeps its value.
func (r *Registry) Register(name string, hook Hook, opts ...RegisterOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		e = &entry{}
		r.entries[name] = e
	}
	e.hook = hook
	for _, o := range opts {
		o(e)
	}
}

// Get returns the current value; ok is false when the option is unset.
func (r *Registry) Get(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || !e.set {
		return "", false
	}
	return e.value, true
}

// Set stores value and then runs the option's hook.
func (r *Registry) Set(name, value string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		optionSets.WithLabelValues("", "unknown").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownOption, name)
	}
	e.value = value
	e.set = true
	hook := e.hook
	r.mu.Unlock()

	if hook != nil {
		if err := hook(value); err != nil {
			optionSets.WithLabelValues(name, "error").Inc()
			return fmt.Errorf("option %s=%q: %w", name, value, err)
		}
	}
	optionSets.WithLabelValues(name, "ok").Inc()
	return nil
}

// InitFromEnv seeds FromEnv options from lookup (os.LookupEnv when nil).
// Hooks are not run. Only the first call has any effect.
func (r *Registry) InitFromEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r.envOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for name, e := range r.entries {
			if !e.fromEnv {
				continue
			}
			if v, ok := lookup(name); ok {
				e.value = v
				e.set = true
			}
		}
	})
}

// Names lists registered options in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Snapshot returns every option that currently has a value.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.entries))
	for n, e := range r.entries {
		if e.set {
			out[n] = e.value
		}
	}
	return out
}

// BoolFunc returns a check that reports whether name currently equals
// trueValue, treating an unset option as defaultValue.
func (r *Registry) BoolFunc(name, defaultValue, trueValue string) func() bool {
	return func() bool {
		v, ok := r.Get(name)
		if !ok {
			v = defaultValue
		}
		return v == trueValue
	}
}

// BoolFuncOnce is BoolFunc evaluated on first use and cached for the life
// of the process.
func (r *Registry) BoolFuncOnce(name, defaultValue, trueValue string) func() bool {
	return sync.OnceValue(r.BoolFunc(name, defaultValue, trueValue))
}
