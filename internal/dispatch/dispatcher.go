// Package dispatch is a boxed operator registry with per-backend kernel
// slots and process-wide fallbacks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNoKernel is returned when no key in the call's set has a kernel.
	ErrNoKernel = errors.New("no kernel registered")
	// ErrBadStack is returned for argument stacks that do not fit the schema.
	ErrBadStack = errors.New("malformed argument stack")
	// ErrDuplicate is returned when a slot is registered twice.
	ErrDuplicate = errors.New("already registered")
	// ErrUnknownOperator is returned for names that were never defined.
	ErrUnknownOperator = errors.New("unknown operator")
)

// Schema describes an operator's boxed calling convention.
type Schema struct {
	Name       string
	Overload   string
	NumArgs    int
	NumReturns int
	// Mutable lists argument indexes the operator writes to.
	Mutable []int
	// Aliases maps a return index to the argument it returns.
	Aliases map[int]int
}

// OperatorName renders "name" or "name.overload".
func (s Schema) OperatorName() string {
	if s.Overload == "" {
		return s.Name
	}
	return s.Name + "." + s.Overload
}

// IsMutable reports whether argument i is written by the operator.
func (s Schema) IsMutable(i int) bool {
	for _, m := range s.Mutable {
		if m == i {
			return true
		}
	}
	return false
}

// AliasOf returns the argument that return ret aliases.
func (s Schema) AliasOf(ret int) (int, bool) {
	arg, ok := s.Aliases[ret]
	return arg, ok
}

// Operator is a defined schema plus its per-key kernels.
type Operator struct {
	Schema Schema

	mu    sync.RWMutex
	impls map[DispatchKey]OperatorHandler
}

func (o *Operator) Name() string { return o.Schema.OperatorName() }

// HasKernel reports whether o has its own kernel for key.
func (o *Operator) HasKernel(key DispatchKey) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.impls[key]
	return ok
}

// OperatorHandler runs a call. It reads its arguments from c.Stack and
// leaves the returns there.
type OperatorHandler interface {
	Handle(ctx context.Context, c *Call) error
}

// HandlerFunc adapts a function to OperatorHandler.
type HandlerFunc func(ctx context.Context, c *Call) error

func (f HandlerFunc) Handle(ctx context.Context, c *Call) error { return f(ctx, c) }

// PassThrough forwards the call to the next key in the set.
var PassThrough OperatorHandler = HandlerFunc(func(ctx context.Context, c *Call) error {
	return c.Redispatch(ctx)
})

// Call is one in-flight dispatch.
type Call struct {
	Op    *Operator
	Key   DispatchKey
	Keys  KeySet
	Stack *Stack

	d *Dispatcher
}

// Redispatch continues with the keys below the current one.
func (c *Call) Redispatch(ctx context.Context) error {
	return c.d.dispatch(ctx, c.Op, c.Keys.Below(c.Key), c.Stack)
}

// RedispatchTo continues with an explicit key set.
func (c *Call) RedispatchTo(ctx context.Context, keys KeySet) error {
	return c.d.dispatch(ctx, c.Op, keys, c.Stack)
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	mu        sync.RWMutex
	ops       map[string]*Operator
	fallbacks map[DispatchKey]OperatorHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		ops:       make(map[string]*Operator),
		fallbacks: make(map[DispatchKey]OperatorHandler),
	}
}

// Def defines an operator.
func (d *Dispatcher) Def(s Schema) (*Operator, error) {
	name := s.OperatorName()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ops[name]; ok {
		return nil, fmt.Errorf("define %s: %w", name, ErrDuplicate)
	}
	op := &Operator{Schema: s, impls: make(map[DispatchKey]OperatorHandler)}
	d.ops[name] = op
	return op, nil
}

// Impl registers h as the kernel for name under key.
func (d *Dispatcher) Impl(name string, key DispatchKey, h OperatorHandler) error {
	op, ok := d.Find(name)
	if !ok {
		return fmt.Errorf("impl %s for %s: %w", name, key, ErrUnknownOperator)
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if _, dup := op.impls[key]; dup {
		return fmt.Errorf("impl %s for %s: %w", name, key, ErrDuplicate)
	}
	op.impls[key] = h
	return nil
}

// Fallback registers h for every operator that lacks its own kernel for
// key. Each key accepts one fallback per process.
func (d *Dispatcher) Fallback(key DispatchKey, h OperatorHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.fallbacks[key]; dup {
		return fmt.Errorf("fallback for %s: %w", key, ErrDuplicate)
	}
	d.fallbacks[key] = h
	log.Debug().Stringer("key", key).Msg("Registered dispatch fallback")
	return nil
}

func (d *Dispatcher) Find(name string) (*Operator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	op, ok := d.ops[name]
	return op, ok
}

// Operators lists every defined operator name.
func (d *Dispatcher) Operators() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.ops))
	for n := range d.ops {
		names = append(names, n)
	}
	return names
}

// Call dispatches op on the key set derived from the stack's tensors.
func (d *Dispatcher) Call(ctx context.Context, op *Operator, stack *Stack) error {
	if len(*stack) != op.Schema.NumArgs {
		return fmt.Errorf("%s: %w: got %d args, want %d", op.Name(), ErrBadStack, len(*stack), op.Schema.NumArgs)
	}
	return d.dispatch(ctx, op, stack.keys(), stack)
}

// CallByName boxes a copy of args, dispatches and returns the unboxed
// returns. The caller's slice is never written.
func (d *Dispatcher) CallByName(ctx context.Context, name string, args ...any) ([]any, error) {
	op, ok := d.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, name)
	}
	stack := Stack(slices.Clone(args))
	if err := d.Call(ctx, op, &stack); err != nil {
		return nil, err
	}
	return stack, nil
}

func (d *Dispatcher) lookup(op *Operator, keys KeySet) (OperatorHandler, DispatchKey, bool) {
	for !keys.Empty() {
		k, _ := keys.Highest()
		op.mu.RLock()
		h, ok := op.impls[k]
		op.mu.RUnlock()
		if ok {
			return h, k, true
		}
		d.mu.RLock()
		h, ok = d.fallbacks[k]
		d.mu.RUnlock()
		if ok {
			return h, k, true
		}
		keys = keys.Remove(k)
	}
	return nil, 0, false
}

func (d *Dispatcher) dispatch(ctx context.Context, op *Operator, keys KeySet, stack *Stack) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, key, ok := d.lookup(op, keys)
	if !ok {
		return fmt.Errorf("%s for %s: %w", op.Name(), keys, ErrNoKernel)
	}
	dispatchCalls.WithLabelValues(key.String()).Inc()
	c := &Call{Op: op, Key: key, Keys: keys, Stack: stack, d: d}
	if err := h.Handle(ctx, c); err != nil {
		return err
	}
	if key == CPU || key == PrivateUse1 {
		if len(*stack) != op.Schema.NumReturns {
			return fmt.Errorf("%s on %s: %w: left %d values, want %d returns", op.Name(), key, ErrBadStack, len(*stack), op.Schema.NumReturns)
		}
	}
	return nil
}
