// Package ops is the accelerator kernel glue: each operator validates its
// arguments, allocates outputs and issues device commands through the
// executor.
package ops

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/dispatch"
	"github.com/23skdu/longbow-npu/internal/env"
	"github.com/23skdu/longbow-npu/internal/kernels"
	"github.com/23skdu/longbow-npu/internal/opcmd"
	"github.com/23skdu/longbow-npu/internal/reference"
)

// Allocator creates accelerator tensors.
type Allocator interface {
	Alloc(shape []int, dtype device.DataType, format device.Format) (*device.Tensor, error)
}

type kernelSet struct {
	ex    *opcmd.Executor
	rt    Allocator
	flags env.Flags
}

// Names lists the operators with accelerator kernels.
var Names = []string{
	"aten::bmm",
	"aten::baddbmm",
	"aten::logsumexp",
	"aten::softshrink_backward",
	"aten::add.Tensor",
}

// Register installs the accelerator kernels under PrivateUse1. The
// operators must already be defined.
func Register(d *dispatch.Dispatcher, ex *opcmd.Executor, rt Allocator, flags env.Flags) error {
	k := &kernelSet{ex: ex, rt: rt, flags: flags}
	impls := map[string]dispatch.HandlerFunc{
		"aten::bmm":                 k.bmm,
		"aten::baddbmm":             k.baddbmm,
		"aten::logsumexp":           k.logsumexp,
		"aten::softshrink_backward": k.softshrinkBackward,
		"aten::add.Tensor":          k.add,
	}
	for _, name := range Names {
		if err := d.Impl(name, dispatch.PrivateUse1, impls[name]); err != nil {
			return err
		}
	}
	return nil
}

func invalid(op, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, reference.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func deviceTensor(s dispatch.Stack, i int, op string) (*device.Tensor, error) {
	t, err := s.Tensor(i)
	if err != nil {
		return nil, err
	}
	if t.IsHost() {
		return nil, invalid(op, "argument %d resides on the host", i)
	}
	if !t.DataType().IsFloat() {
		return nil, invalid(op, "argument %d has dtype %s, want a float type", i, t.DataType())
	}
	return t, nil
}

func flag(f func() bool) bool { return f != nil && f() }

// matmulFormat is FRACTAL_NZ when ND matmul is disabled and internal
// formats are allowed.
func (k *kernelSet) matmulFormat() device.Format {
	if flag(k.flags.MmBmmNDDisabled) && !flag(k.flags.ForbidInternalFormat) {
		return device.FormatFractalNZ
	}
	return device.FormatND
}

func (k *kernelSet) bmmCommand(ctx context.Context, op string, a, b *device.Tensor) (*device.Tensor, error) {
	if a.DataType() != b.DataType() {
		return nil, invalid(op, "dtype mismatch %s vs %s", a.DataType(), b.DataType())
	}
	batch, n, _, m, err := kernels.BmmDims(a.Shape(), b.Shape(), false, false)
	if err != nil {
		return nil, invalid(op, "%v", err)
	}
	format := k.matmulFormat()
	out, err := k.rt.Alloc([]int{batch, n, m}, a.DataType(), format)
	if err != nil {
		return nil, err
	}
	name := "BatchMatMul"
	if flag(k.flags.BmmV2Enabled) {
		name = "BatchMatMulV2"
	}
	err = k.ex.Command(name).
		Input(a, opcmd.WithFormat(format)).
		Input(b, opcmd.WithFormat(format)).
		Output(out).
		Attr("adj_x1", false).
		Attr("adj_x2", false).
		Run(ctx)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (k *kernelSet) bmm(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::bmm"
	a, err := deviceTensor(*c.Stack, 0, op)
	if err != nil {
		return err
	}
	b, err := deviceTensor(*c.Stack, 1, op)
	if err != nil {
		return err
	}
	out, err := k.bmmCommand(ctx, op, a, b)
	if err != nil {
		return err
	}
	c.Stack.Replace(out)
	return nil
}

// baddbmm issues the matmul, then folds in beta*self. Intermediates stay in
// float32 so only the matmul and the final result round to the input dtype.
func (k *kernelSet) baddbmm(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::baddbmm"
	self, err := deviceTensor(*c.Stack, 0, op)
	if err != nil {
		return err
	}
	b1, err := deviceTensor(*c.Stack, 1, op)
	if err != nil {
		return err
	}
	b2, err := deviceTensor(*c.Stack, 2, op)
	if err != nil {
		return err
	}
	beta, err := c.Stack.Float(3)
	if err != nil {
		return err
	}
	alpha, err := c.Stack.Float(4)
	if err != nil {
		return err
	}
	prod, err := k.bmmCommand(ctx, op, b1, b2)
	if err != nil {
		return err
	}
	if self.Numel() != prod.Numel() && self.Numel() != 1 {
		return invalid(op, "self %v does not broadcast to %v", self.Shape(), prod.Shape())
	}
	out, err := k.rt.Alloc(prod.Shape(), self.DataType(), device.FormatND)
	if err != nil {
		return err
	}

	var base *device.Tensor
	if beta == 0 {
		if base, err = k.rt.Alloc(prod.Shape(), device.Float32, device.FormatND); err != nil {
			return err
		}
	} else {
		if base, err = k.rt.Alloc(self.Shape(), device.Float32, device.FormatND); err != nil {
			return err
		}
		if err := k.ex.Command("Muls").Input(self).Output(base).Attr("value", float32(beta)).Run(ctx); err != nil {
			return err
		}
	}

	if base.Numel() == prod.Numel() {
		err = k.ex.Command("Axpy").Input(base).Input(prod).Output(out).Attr("alpha", float32(alpha)).Run(ctx)
	} else {
		// Broadcast self: scale the product first, then add the single
		// scaled self element.
		scaled, aerr := k.rt.Alloc(prod.Shape(), device.Float32, device.FormatND)
		if aerr != nil {
			return aerr
		}
		if err := k.ex.Command("Muls").Input(prod).Output(scaled).Attr("value", float32(alpha)).Run(ctx); err != nil {
			return err
		}
		err = k.ex.Command("Axpy").Input(scaled).Input(base).Output(out).Attr("alpha", float32(1)).Run(ctx)
	}
	if err != nil {
		return err
	}
	c.Stack.Replace(out)
	return nil
}

func (k *kernelSet) logsumexp(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::logsumexp"
	x, err := deviceTensor(*c.Stack, 0, op)
	if err != nil {
		return err
	}
	dims, err := c.Stack.Ints(1)
	if err != nil {
		return err
	}
	keep, err := c.Stack.Bool(2)
	if err != nil {
		return err
	}
	ints := make([]int, len(dims))
	for i, d := range dims {
		ints[i] = int(d)
	}
	nd, err := kernels.NormalizeDims(x.Dim(), ints)
	if err != nil {
		return invalid(op, "%v", err)
	}
	shape, _ := kernels.ReduceShape(x.Shape(), nd, keep)
	out, err := k.rt.Alloc(shape, x.DataType(), device.FormatND)
	if err != nil {
		return err
	}
	axes := make([]int64, len(nd))
	for i, d := range nd {
		axes[i] = int64(d)
	}
	err = k.ex.Command("ReduceLogSumExp").
		Input(x).
		InputInts(axes).
		Output(out).
		Attr("keep_dims", keep).
		Run(ctx)
	if err != nil {
		return err
	}
	c.Stack.Replace(out)
	return nil
}

func (k *kernelSet) softshrinkBackward(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::softshrink_backward"
	grad, err := deviceTensor(*c.Stack, 0, op)
	if err != nil {
		return err
	}
	x, err := deviceTensor(*c.Stack, 1, op)
	if err != nil {
		return err
	}
	l, err := c.Stack.Float(2)
	if err != nil {
		return err
	}
	if !device.SameMeta(grad, x) {
		return invalid(op, "grad %v does not match self %v", grad, x)
	}
	out, err := k.rt.Alloc(x.Shape(), x.DataType(), device.FormatND)
	if err != nil {
		return err
	}
	err = k.ex.Command("SoftShrinkGrad").
		Input(grad).
		Input(x).
		Output(out).
		Attr("lambd", float32(l)).
		Run(ctx)
	if err != nil {
		return err
	}
	c.Stack.Replace(out)
	return nil
}

func (k *kernelSet) add(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::add.Tensor"
	self, err := deviceTensor(*c.Stack, 0, op)
	if err != nil {
		return err
	}
	other, err := c.Stack.Tensor(1)
	if err != nil {
		return err
	}
	alpha, err := c.Stack.Float(2)
	if err != nil {
		return err
	}
	if other.Numel() != self.Numel() && other.Numel() != 1 {
		return invalid(op, "other %v does not broadcast to %v", other.Shape(), self.Shape())
	}
	out, err := k.rt.Alloc(self.Shape(), self.DataType(), device.FormatND)
	if err != nil {
		return err
	}
	cmd := k.ex.Command("Axpy").Input(self)
	switch {
	case !other.IsHost():
		cmd.Input(other)
	case other.Numel() == 1 && other.DataType().IsFloat():
		cmd.InputScalar(other.Float32s()[0], device.Float32)
	default:
		return invalid(op, "host tensor %v must be a float scalar", other)
	}
	if err := cmd.Output(out).Attr("alpha", float32(alpha)).Run(ctx); err != nil {
		return err
	}
	c.Stack.Replace(out)
	return nil
}
