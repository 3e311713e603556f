// Package fallback runs operators that have no accelerator kernel on the
// host. It is registered as the PrivateUse1 fallback and relays tensors
// across the device boundary without touching shapes or formats.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/dispatch"
)

// ErrTransfer marks a failed copy across the device boundary.
var ErrTransfer = errors.New("device transfer failed")

// Runtime is the transfer subset of the device SDK.
type Runtime interface {
	MemcpyToHost(src *device.Tensor) (*device.Tensor, error)
	MemcpyToDevice(src *device.Tensor) (*device.Tensor, error)
	CopyHostToDevice(dst, src *device.Tensor) error
}

var tracer = otel.Tracer("longbow-npu/fallback")

// Check interface compliance
var _ dispatch.OperatorHandler = (*Interceptor)(nil)

// Interceptor is safe for concurrent use.
type Interceptor struct {
	rt      Runtime
	log     zerolog.Logger
	advised sync.Map // operator name -> struct{}
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the logger used for advisories.
func WithLogger(l zerolog.Logger) Option {
	return func(i *Interceptor) { i.log = l }
}

func New(rt Runtime, opts ...Option) *Interceptor {
	i := &Interceptor{rt: rt, log: log.Logger}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Advisories lists every operator that has fallen back so far.
func (i *Interceptor) Advisories() []string {
	var names []string
	i.advised.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

func (i *Interceptor) advise(name string) {
	if _, loaded := i.advised.LoadOrStore(name, struct{}{}); loaded {
		return
	}
	fallbackAdvisories.Inc()
	i.log.Warn().Str("op", name).
		Msg("Operator is not supported on the NPU backend and will fall back to run on the CPU. This may have performance implications.")
}

// Handle relays one call to the host.
func (i *Interceptor) Handle(ctx context.Context, c *dispatch.Call) error {
	name := c.Op.Name()
	i.advise(name)
	fallbackCalls.WithLabelValues(name).Inc()

	ctx, span := tracer.Start(ctx, "fallback")
	defer span.End()
	span.SetAttributes(attribute.String("op", name))

	orig := slices.Clone(*c.Stack)
	host, err := i.toHost(ctx, name, orig)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer to host")
		return err
	}

	c.Stack.Replace(host...)
	if err := c.RedispatchTo(ctx, dispatch.KeySetOf(dispatch.CPU)); err != nil {
		span.RecordError(err)
		return err
	}

	if err := i.writeBack(ctx, name, c.Op.Schema, orig, host); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write back")
		return err
	}

	rets, err := i.toDevice(ctx, name, c.Op.Schema, orig, *c.Stack)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer to device")
		return err
	}
	c.Stack.Replace(rets...)
	return nil
}

func onDevice(t *device.Tensor) bool { return t != nil && !t.IsHost() }

// toHost copies every accelerator tensor argument, including tensor list
// elements, to the host in parallel.
func (i *Interceptor) toHost(ctx context.Context, name string, args []any) ([]any, error) {
	host := slices.Clone(args)
	g, _ := errgroup.WithContext(ctx)
	for idx, v := range args {
		switch a := v.(type) {
		case *device.Tensor:
			if !onDevice(a) {
				continue
			}
			g.Go(func() error {
				t, err := i.rt.MemcpyToHost(a)
				if err != nil {
					return fmt.Errorf("%w: %s arg %d to host: %w", ErrTransfer, name, idx, err)
				}
				transferBytes.WithLabelValues("d2h").Add(float64(t.NBytes()))
				host[idx] = t
				return nil
			})
		case []*device.Tensor:
			list := slices.Clone(a)
			host[idx] = list
			for j, t := range a {
				if !onDevice(t) {
					continue
				}
				g.Go(func() error {
					h, err := i.rt.MemcpyToHost(t)
					if err != nil {
						return fmt.Errorf("%w: %s arg %d[%d] to host: %w", ErrTransfer, name, idx, j, err)
					}
					transferBytes.WithLabelValues("d2h").Add(float64(h.NBytes()))
					list[j] = h
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return host, nil
}

// writeBack copies host-side mutations of mutable arguments into the
// original accelerator tensors.
func (i *Interceptor) writeBack(ctx context.Context, name string, s dispatch.Schema, orig, host []any) error {
	g, _ := errgroup.WithContext(ctx)
	for _, idx := range s.Mutable {
		if idx >= len(orig) {
			continue
		}
		switch a := orig[idx].(type) {
		case *device.Tensor:
			if !onDevice(a) {
				continue
			}
			h := host[idx].(*device.Tensor)
			g.Go(func() error {
				if err := i.rt.CopyHostToDevice(a, h); err != nil {
					return fmt.Errorf("%w: %s write back arg %d: %w", ErrTransfer, name, idx, err)
				}
				transferBytes.WithLabelValues("h2d").Add(float64(h.NBytes()))
				return nil
			})
		case []*device.Tensor:
			hl := host[idx].([]*device.Tensor)
			for j, t := range a {
				if !onDevice(t) {
					continue
				}
				h := hl[j]
				g.Go(func() error {
					if err := i.rt.CopyHostToDevice(t, h); err != nil {
						return fmt.Errorf("%w: %s write back arg %d[%d]: %w", ErrTransfer, name, idx, j, err)
					}
					transferBytes.WithLabelValues("h2d").Add(float64(h.NBytes()))
					return nil
				})
			}
		}
	}
	return g.Wait()
}

func hasDeviceTensor(args []any) bool {
	for _, v := range args {
		switch a := v.(type) {
		case *device.Tensor:
			if onDevice(a) {
				return true
			}
		case []*device.Tensor:
			if slices.ContainsFunc(a, onDevice) {
				return true
			}
		}
	}
	return false
}

// toDevice maps host returns back to the accelerator. A return that aliases
// an argument resolves to the caller's original tensor.
func (i *Interceptor) toDevice(ctx context.Context, name string, s dispatch.Schema, orig, rets []any) ([]any, error) {
	out := slices.Clone(rets)
	if !hasDeviceTensor(orig) {
		return out, nil
	}
	g, _ := errgroup.WithContext(ctx)
	for r, v := range rets {
		if arg, ok := s.AliasOf(r); ok && arg < len(orig) {
			out[r] = orig[arg]
			continue
		}
		switch a := v.(type) {
		case *device.Tensor:
			if a == nil || !a.IsHost() {
				continue
			}
			g.Go(func() error {
				t, err := i.rt.MemcpyToDevice(a)
				if err != nil {
					return fmt.Errorf("%w: %s return %d to device: %w", ErrTransfer, name, r, err)
				}
				transferBytes.WithLabelValues("h2d").Add(float64(a.NBytes()))
				out[r] = t
				return nil
			})
		case []*device.Tensor:
			list := slices.Clone(a)
			out[r] = list
			for j, t := range a {
				if t == nil || !t.IsHost() {
					continue
				}
				g.Go(func() error {
					d, err := i.rt.MemcpyToDevice(t)
					if err != nil {
						return fmt.Errorf("%w: %s return %d[%d] to device: %w", ErrTransfer, name, r, j, err)
					}
					transferBytes.WithLabelValues("h2d").Add(float64(t.NBytes()))
					list[j] = d
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
