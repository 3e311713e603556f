package device

import (
	"fmt"

	"github.com/23skdu/longbow-npu/internal/kernels"
)

// NativeKernel executes one command on the simulated device. It runs on the
// stream goroutine and may read inputs and write outputs directly.
type NativeKernel func(kc *KernelContext) error

// KernelContext is the view a native kernel gets of its command.
type KernelContext struct {
	Name    string
	Inputs  []Operand
	Outputs []*Tensor
	Attrs   map[string]any
}

// Input decodes tensor input i to float32.
func (kc *KernelContext) Input(i int) ([]float32, error) {
	if i >= len(kc.Inputs) || kc.Inputs[i].Tensor == nil {
		return nil, fmt.Errorf("missing tensor input %d", i)
	}
	t := kc.Inputs[i].Tensor
	return decode(t.buf, t.dtype), nil
}

// InputTensor returns tensor input i.
func (kc *KernelContext) InputTensor(i int) (*Tensor, error) {
	if i >= len(kc.Inputs) || kc.Inputs[i].Tensor == nil {
		return nil, fmt.Errorf("missing tensor input %d", i)
	}
	return kc.Inputs[i].Tensor, nil
}

// Const returns the host constant bound to input i.
func (kc *KernelContext) Const(i int) ([]int64, error) {
	if i >= len(kc.Inputs) || kc.Inputs[i].Tensor != nil {
		return nil, fmt.Errorf("missing constant input %d", i)
	}
	return kc.Inputs[i].Const, nil
}

// SetOutput encodes vals into output i in the output's dtype.
func (kc *KernelContext) SetOutput(i int, vals []float32) error {
	if i >= len(kc.Outputs) {
		return fmt.Errorf("missing output %d", i)
	}
	out := kc.Outputs[i]
	if out.Numel() != len(vals) {
		return fmt.Errorf("output %d holds %d elements, kernel produced %d", i, out.Numel(), len(vals))
	}
	encode(out.buf, out.dtype, vals)
	return nil
}

// AttrBool returns a boolean attribute or def when unset.
func (kc *KernelContext) AttrBool(name string, def bool) (bool, error) {
	v, ok := kc.Attrs[name]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("attr %s: want bool, got %T", name, v)
	}
	return b, nil
}

// AttrFloat returns a float attribute or def when unset.
func (kc *KernelContext) AttrFloat(name string, def float32) (float32, error) {
	v, ok := kc.Attrs[name]
	if !ok {
		return def, nil
	}
	switch f := v.(type) {
	case float32:
		return f, nil
	case int64:
		return float32(f), nil
	default:
		return 0, fmt.Errorf("attr %s: want float, got %T", name, v)
	}
}

// AttrString returns a string attribute or def when unset.
func (kc *KernelContext) AttrString(name string, def string) (string, error) {
	v, ok := kc.Attrs[name]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("attr %s: want string, got %T", name, v)
	}
	return s, nil
}

var nativeKernels = map[string]NativeKernel{
	"BatchMatMul":     batchMatMul,
	"BatchMatMulV2":   batchMatMul,
	"Axpy":            axpy,
	"Muls":            muls,
	"ReduceLogSumExp": reduceLogSumExp,
	"SoftShrinkGrad":  softShrinkGrad,
	"Cast":            cast,
}

func batchMatMul(kc *KernelContext) error {
	x1, err := kc.InputTensor(0)
	if err != nil {
		return err
	}
	x2, err := kc.InputTensor(1)
	if err != nil {
		return err
	}
	adj1, err := kc.AttrBool("adj_x1", false)
	if err != nil {
		return err
	}
	adj2, err := kc.AttrBool("adj_x2", false)
	if err != nil {
		return err
	}
	batch, n, k, m, err := kernels.BmmDims(x1.shape, x2.shape, adj1, adj2)
	if err != nil {
		return err
	}
	a, _ := kc.Input(0)
	b, _ := kc.Input(1)
	return kc.SetOutput(0, kernels.Bmm(a, b, batch, n, k, m, adj1, adj2))
}

// axpy computes y = x1 + alpha * x2.
func axpy(kc *KernelContext) error {
	x1, err := kc.Input(0)
	if err != nil {
		return err
	}
	x2, err := kc.Input(1)
	if err != nil {
		return err
	}
	alpha, err := kc.AttrFloat("alpha", 1)
	if err != nil {
		return err
	}
	if len(x2) != len(x1) && len(x2) != 1 {
		return fmt.Errorf("Axpy cannot broadcast %d over %d elements", len(x2), len(x1))
	}
	return kc.SetOutput(0, kernels.Axpy(x1, x2, alpha))
}

func muls(kc *KernelContext) error {
	x, err := kc.Input(0)
	if err != nil {
		return err
	}
	v, err := kc.AttrFloat("value", 1)
	if err != nil {
		return err
	}
	return kc.SetOutput(0, kernels.Muls(x, v))
}

func reduceLogSumExp(kc *KernelContext) error {
	t, err := kc.InputTensor(0)
	if err != nil {
		return err
	}
	axes, err := kc.Const(1)
	if err != nil {
		return err
	}
	keep, err := kc.AttrBool("keep_dims", false)
	if err != nil {
		return err
	}
	dims := make([]int, len(axes))
	for i, a := range axes {
		dims[i] = int(a)
	}
	x, _ := kc.Input(0)
	out, _, err := kernels.LogSumExp(x, t.shape, dims, keep)
	if err != nil {
		return err
	}
	return kc.SetOutput(0, out)
}

func softShrinkGrad(kc *KernelContext) error {
	grad, err := kc.Input(0)
	if err != nil {
		return err
	}
	x, err := kc.Input(1)
	if err != nil {
		return err
	}
	lambd, err := kc.AttrFloat("lambd", 0.5)
	if err != nil {
		return err
	}
	if len(grad) != len(x) {
		return fmt.Errorf("SoftShrinkGrad size mismatch %d vs %d", len(grad), len(x))
	}
	return kc.SetOutput(0, kernels.SoftShrinkGrad(grad, x, lambd))
}

// cast converts between dtypes through float32.
func cast(kc *KernelContext) error {
	x, err := kc.Input(0)
	if err != nil {
		return err
	}
	return kc.SetOutput(0, x)
}
