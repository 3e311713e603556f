// Package reference defines the operator schemas the adapter serves and
// registers host implementations for all of them. It stands in for the
// framework's own CPU kernels.
package reference

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/dispatch"
	"github.com/23skdu/longbow-npu/internal/kernels"
)

// ErrInvalidArgument reports a call that violates an operator's contract.
var ErrInvalidArgument = errors.New("invalid argument")

// Schemas is every operator the adapter defines.
var Schemas = []dispatch.Schema{
	{Name: "aten::bmm", NumArgs: 2, NumReturns: 1},
	{Name: "aten::baddbmm", NumArgs: 5, NumReturns: 1},
	{Name: "aten::logsumexp", NumArgs: 3, NumReturns: 1},
	{Name: "aten::softshrink", NumArgs: 2, NumReturns: 1},
	{Name: "aten::softshrink_backward", NumArgs: 3, NumReturns: 1},
	{Name: "aten::add", Overload: "Tensor", NumArgs: 3, NumReturns: 1},
	{Name: "aten::add_", Overload: "Tensor", NumArgs: 3, NumReturns: 1, Mutable: []int{0}, Aliases: map[int]int{0: 0}},
	{Name: "aten::__rshift__", Overload: "Scalar", NumArgs: 2, NumReturns: 1},
}

var cpuKernels = map[string]dispatch.HandlerFunc{
	"aten::bmm":                 bmm,
	"aten::baddbmm":             baddbmm,
	"aten::logsumexp":           logsumexp,
	"aten::softshrink":          softshrink,
	"aten::softshrink_backward": softshrinkBackward,
	"aten::add.Tensor":          add,
	"aten::add_.Tensor":         addInPlace,
	"aten::__rshift__.Scalar":   rshift,
}

// Register defines every schema and installs the CPU kernels plus the
// AutogradCPU pass-through.
func Register(d *dispatch.Dispatcher) error {
	for _, s := range Schemas {
		if _, err := d.Def(s); err != nil {
			return err
		}
		name := s.OperatorName()
		k, ok := cpuKernels[name]
		if !ok {
			return fmt.Errorf("reference: no CPU kernel for %s", name)
		}
		if err := d.Impl(name, dispatch.CPU, k); err != nil {
			return err
		}
	}
	return d.Fallback(dispatch.AutogradCPU, dispatch.PassThrough)
}

func invalid(op, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func hostTensor(s dispatch.Stack, i int, op string) (*device.Tensor, error) {
	t, err := s.Tensor(i)
	if err != nil {
		return nil, err
	}
	if !t.IsHost() {
		return nil, invalid(op, "argument %d resides on %s", i, t.Device())
	}
	return t, nil
}

func floatTensor(s dispatch.Stack, i int, op string) (*device.Tensor, error) {
	t, err := hostTensor(s, i, op)
	if err != nil {
		return nil, err
	}
	if !t.DataType().IsFloat() {
		return nil, invalid(op, "argument %d has dtype %s, want a float type", i, t.DataType())
	}
	return t, nil
}

func bmm(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::bmm"
	a, err := floatTensor(*c.Stack, 0, op)
	if err != nil {
		return err
	}
	b, err := floatTensor(*c.Stack, 1, op)
	if err != nil {
		return err
	}
	out, err := bmmHost(op, a, b)
	if err != nil {
		return err
	}
	c.Stack.Replace(out)
	return nil
}

func bmmHost(op string, a, b *device.Tensor) (*device.Tensor, error) {
	if a.DataType() != b.DataType() {
		return nil, invalid(op, "dtype mismatch %s vs %s", a.DataType(), b.DataType())
	}
	batch, n, k, m, err := kernels.BmmDims(a.Shape(), b.Shape(), false, false)
	if err != nil {
		return nil, invalid(op, "%v", err)
	}
	vals := kernels.Bmm(a.Float32s(), b.Float32s(), batch, n, k, m, false, false)
	return device.NewTensor([]int{batch, n, m}, a.DataType(), vals), nil
}

// baddbmm computes beta*self + alpha*(batch1 @ batch2). A zero beta
// ignores self entirely.
func baddbmm(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::baddbmm"
	self, err := floatTensor(*c.Stack, 0, op)
	if err != nil {
		return err
	}
	b1, err := floatTensor(*c.Stack, 1, op)
	if err != nil {
		return err
	}
	b2, err := floatTensor(*c.Stack, 2, op)
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
	prod, err := bmmHost(op, b1, b2)
	if err != nil {
		return err
	}
	if self.Numel() != prod.Numel() && self.Numel() != 1 {
		return invalid(op, "self %v does not broadcast to %v", self.Shape(), prod.Shape())
	}
	var vals []float32
	switch {
	case beta == 0:
		vals = kernels.Axpy(make([]float32, prod.Numel()), prod.Float32s(), float32(alpha))
	case self.Numel() == prod.Numel():
		vals = kernels.Axpy(kernels.Muls(self.Float32s(), float32(beta)), prod.Float32s(), float32(alpha))
	default:
		vals = kernels.Axpy(kernels.Muls(prod.Float32s(), float32(alpha)), kernels.Muls(self.Float32s(), float32(beta)), 1)
	}
	c.Stack.Replace(device.NewTensor(prod.Shape(), self.DataType(), vals))
	return nil
}

func toInts(dims []int64) []int {
	out := make([]int, len(dims))
	for i, d := range dims {
		out[i] = int(d)
	}
	return out
}

func logsumexp(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::logsumexp"
	x, err := floatTensor(*c.Stack, 0, op)
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
	vals, shape, err := kernels.LogSumExp(x.Float32s(), x.Shape(), toInts(dims), keep)
	if err != nil {
		return invalid(op, "%v", err)
	}
	c.Stack.Replace(device.NewTensor(shape, x.DataType(), vals))
	return nil
}

func softshrink(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::softshrink"
	x, err := floatTensor(*c.Stack, 0, op)
	if err != nil {
		return err
	}
	l, err := c.Stack.Float(1)
	if err != nil {
		return err
	}
	if l < 0 {
		return invalid(op, "lambda must be greater or equal to 0, but found to be %v", l)
	}
	c.Stack.Replace(device.NewTensor(x.Shape(), x.DataType(), kernels.SoftShrink(x.Float32s(), float32(l))))
	return nil
}

func softshrinkBackward(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::softshrink_backward"
	grad, err := floatTensor(*c.Stack, 0, op)
	if err != nil {
		return err
	}
	x, err := floatTensor(*c.Stack, 1, op)
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
	vals := kernels.SoftShrinkGrad(grad.Float32s(), x.Float32s(), float32(l))
	c.Stack.Replace(device.NewTensor(x.Shape(), x.DataType(), vals))
	return nil
}

func addOperands(op string, s dispatch.Stack) (*device.Tensor, *device.Tensor, float32, error) {
	self, err := floatTensor(s, 0, op)
	if err != nil {
		return nil, nil, 0, err
	}
	other, err := floatTensor(s, 1, op)
	if err != nil {
		return nil, nil, 0, err
	}
	alpha, err := s.Float(2)
	if err != nil {
		return nil, nil, 0, err
	}
	if other.Numel() != self.Numel() && other.Numel() != 1 {
		return nil, nil, 0, invalid(op, "other %v does not broadcast to %v", other.Shape(), self.Shape())
	}
	return self, other, float32(alpha), nil
}

func add(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::add.Tensor"
	self, other, alpha, err := addOperands(op, *c.Stack)
	if err != nil {
		return err
	}
	vals := kernels.Axpy(self.Float32s(), other.Float32s(), alpha)
	c.Stack.Replace(device.NewTensor(self.Shape(), self.DataType(), vals))
	return nil
}

func addInPlace(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::add_.Tensor"
	self, other, alpha, err := addOperands(op, *c.Stack)
	if err != nil {
		return err
	}
	self.SetFloat32s(kernels.Axpy(self.Float32s(), other.Float32s(), alpha))
	c.Stack.Replace(self)
	return nil
}

func rshift(ctx context.Context, c *dispatch.Call) error {
	const op = "aten::__rshift__.Scalar"
	x, err := hostTensor(*c.Stack, 0, op)
	if err != nil {
		return err
	}
	if x.DataType() != device.Int32 {
		return invalid(op, "dtype %s, want int32", x.DataType())
	}
	s, err := c.Stack.Int(1)
	if err != nil {
		return err
	}
	out := device.NewInt32Tensor(x.Shape(), kernels.RShift(x.Int32s(), int32(min(max(s, 0), 31))))
	c.Stack.Replace(out)
	return nil
}
