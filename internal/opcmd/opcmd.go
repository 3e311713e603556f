// Package opcmd assembles device commands from kernel glue and submits
// them. Synchronous commands wait on a per-command event; asynchronous ones
// hand the event to the reclaimer and return at once.
package opcmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-npu/internal/device"
)

// ErrInvalidCommand reports a malformed command. It is a caller error.
var ErrInvalidCommand = errors.New("invalid command")

// Runtime is the submission subset of the device SDK.
type Runtime interface {
	Alloc(shape []int, dtype device.DataType, format device.Format) (*device.Tensor, error)
	MemcpyToDevice(src *device.Tensor) (*device.Tensor, error)
	Launch(cmd *device.Command) error
	SynchronizeStream() error
	CreateEvent() (device.Event, error)
	RecordEvent(ev device.Event) error
	SynchronizeEvent(ev device.Event) error
	DestroyEvent(ev device.Event) error
}

// Reclaimer takes ownership of events from asynchronous commands.
type Reclaimer interface {
	LazyDestroy(ev device.Event)
}

// Config selects execution behaviour. Nil funcs read as false.
type Config struct {
	// Async returns immediately after submission.
	Async func() bool
	// JitDisabled turns off JIT compilation except for forced operators.
	JitDisabled func() bool
	// ForceJit reports operators that are always JIT compiled.
	ForceJit func(op string) bool
	// OnLaunch observes every submitted command name.
	OnLaunch func(op string)
}

func isTrue(f func() bool) bool { return f != nil && f() }

var tracer = otel.Tracer("longbow-npu/opcmd")

type Executor struct {
	rt  Runtime
	rec Reclaimer
	cfg Config
}

func NewExecutor(rt Runtime, rec Reclaimer, cfg Config) *Executor {
	return &Executor{rt: rt, rec: rec, cfg: cfg}
}

// Synchronize waits for every submitted command and returns the first
// device failure since the previous synchronisation.
func (e *Executor) Synchronize(ctx context.Context) error {
	_, span := tracer.Start(ctx, "synchronize")
	defer span.End()
	if err := e.rt.SynchronizeStream(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Command starts a new command.
func (e *Executor) Command(name string) *Builder {
	b := &Builder{e: e, cmd: &device.Command{Name: name, Attrs: make(map[string]any)}}
	if name == "" {
		b.fail(fmt.Errorf("%w: empty command name", ErrInvalidCommand))
	}
	return b
}

type inputSpec struct {
	format   device.Format
	hasFmt   bool
	dtype    device.DataType
	hasDtype bool
}

// InputOption overrides how an input is presented to the device.
type InputOption func(*inputSpec)

// WithFormat presents the input in format f.
func WithFormat(f device.Format) InputOption {
	return func(s *inputSpec) { s.format, s.hasFmt = f, true }
}

// WithDType casts the input to dt before the command runs.
func WithDType(dt device.DataType) InputOption {
	return func(s *inputSpec) { s.dtype, s.hasDtype = dt, true }
}

// Builder accumulates one command. The first error sticks and is returned
// by Run.
type Builder struct {
	e   *Executor
	cmd *device.Command
	pre []*device.Command
	err error
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) deviceTensor(t *device.Tensor, what string) bool {
	if t == nil {
		b.fail(fmt.Errorf("%w: %s %s is nil", ErrInvalidCommand, b.cmd.Name, what))
		return false
	}
	if t.IsHost() {
		b.fail(fmt.Errorf("%w: %s %s %v is on the host", ErrInvalidCommand, b.cmd.Name, what, t))
		return false
	}
	return true
}

// Input appends a tensor input.
func (b *Builder) Input(t *device.Tensor, opts ...InputOption) *Builder {
	if b.err != nil || !b.deviceTensor(t, "input") {
		return b
	}
	var s inputSpec
	for _, o := range opts {
		o(&s)
	}
	if s.hasDtype && s.dtype != t.DataType() {
		cast, err := b.e.rt.Alloc(t.Shape(), s.dtype, t.Format())
		if err != nil {
			b.fail(fmt.Errorf("cast input of %s: %w", b.cmd.Name, err))
			return b
		}
		b.pre = append(b.pre, &device.Command{
			Name:    "Cast",
			Inputs:  []device.Operand{{Tensor: t, Format: t.Format()}},
			Outputs: []*device.Tensor{cast},
			Attrs:   map[string]any{"dst_type": cast.DataType().String()},
		})
		t = cast
	}
	format := t.Format()
	if s.hasFmt {
		format = s.format
	}
	b.cmd.Inputs = append(b.cmd.Inputs, device.Operand{Tensor: t, Format: format})
	return b
}

// InputScalar uploads a 0-d tensor holding v.
func (b *Builder) InputScalar(v float32, dtype device.DataType) *Builder {
	if b.err != nil {
		return b
	}
	t, err := b.e.rt.MemcpyToDevice(device.Scalar(v, dtype))
	if err != nil {
		b.fail(fmt.Errorf("scalar input of %s: %w", b.cmd.Name, err))
		return b
	}
	b.cmd.Inputs = append(b.cmd.Inputs, device.Operand{Tensor: t})
	return b
}

// InputInts appends a host constant such as reduction axes.
func (b *Builder) InputInts(vals []int64) *Builder {
	if b.err != nil {
		return b
	}
	c := make([]int64, len(vals))
	copy(c, vals)
	b.cmd.Inputs = append(b.cmd.Inputs, device.Operand{Const: c})
	return b
}

func (b *Builder) Output(t *device.Tensor) *Builder {
	if b.err != nil || !b.deviceTensor(t, "output") {
		return b
	}
	b.cmd.Outputs = append(b.cmd.Outputs, t)
	return b
}

// Attr sets a named attribute. Integers widen to int64 and floats narrow
// to float32.
func (b *Builder) Attr(name string, v any) *Builder {
	if b.err != nil {
		return b
	}
	switch a := v.(type) {
	case bool, int64, float32, string:
		b.cmd.Attrs[name] = a
	case int:
		b.cmd.Attrs[name] = int64(a)
	case int32:
		b.cmd.Attrs[name] = int64(a)
	case float64:
		b.cmd.Attrs[name] = float32(a)
	case []int64:
		c := make([]int64, len(a))
		copy(c, a)
		b.cmd.Attrs[name] = c
	default:
		b.fail(fmt.Errorf("%w: %s attr %s has unsupported type %T", ErrInvalidCommand, b.cmd.Name, name, v))
	}
	return b
}

// Run submits the command. In synchronous mode it returns once the device
// has finished it, reporting any kernel failure.
func (b *Builder) Run(ctx context.Context) error {
	if b.err != nil {
		return b.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e := b.e
	name := b.cmd.Name
	async := isTrue(e.cfg.Async)
	mode := "sync"
	if async {
		mode = "async"
	}

	ctx, span := tracer.Start(ctx, "command", trace.WithAttributes(
		attribute.String("op", name),
		attribute.String("mode", mode),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		commandDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	if len(b.cmd.Outputs) == 0 {
		return fmt.Errorf("%w: %s has no outputs", ErrInvalidCommand, name)
	}
	b.cmd.JitCompile = !isTrue(e.cfg.JitDisabled) || (e.cfg.ForceJit != nil && e.cfg.ForceJit(name))

	for _, p := range b.pre {
		p.JitCompile = b.cmd.JitCompile
		if err := e.rt.Launch(p); err != nil {
			span.RecordError(err)
			return fmt.Errorf("launch %s for %s: %w", p.Name, name, err)
		}
	}
	if err := e.rt.Launch(b.cmd); err != nil {
		span.RecordError(err)
		return fmt.Errorf("launch %s: %w", name, err)
	}
	if e.cfg.OnLaunch != nil {
		e.cfg.OnLaunch(name)
	}
	commandsSubmitted.WithLabelValues(name, mode).Inc()

	ev, err := e.rt.CreateEvent()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("create event for %s: %w", name, err)
	}
	if err := e.rt.RecordEvent(ev); err != nil {
		span.RecordError(err)
		if derr := e.rt.DestroyEvent(ev); derr != nil {
			return fmt.Errorf("record event for %s: %w (destroy: %w)", name, err, derr)
		}
		return fmt.Errorf("record event for %s: %w", name, err)
	}

	if async {
		e.rec.LazyDestroy(ev)
		return nil
	}

	waitErr := e.rt.SynchronizeEvent(ev)
	if err := e.rt.DestroyEvent(ev); err != nil {
		span.RecordError(err)
		return fmt.Errorf("destroy event for %s: %w", name, err)
	}
	if waitErr != nil {
		span.RecordError(waitErr)
		return fmt.Errorf("run %s: %w", name, waitErr)
	}
	return nil
}
