package reference

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/dispatch"
)

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.NewDispatcher()
	require.NoError(t, Register(d))
	return d
}

func call(t *testing.T, d *dispatch.Dispatcher, name string, args ...any) *device.Tensor {
	t.Helper()
	out, err := d.CallByName(context.Background(), name, args...)
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0].(*device.Tensor)
}

func TestRegisterDefinesEverySchema(t *testing.T) {
	d := newDispatcher(t)
	for _, s := range Schemas {
		op, ok := d.Find(s.OperatorName())
		require.True(t, ok, s.OperatorName())
		assert.True(t, op.HasKernel(dispatch.CPU))
	}
	assert.ErrorIs(t, Register(d), dispatch.ErrDuplicate)
}

func TestBmmAndBaddbmm(t *testing.T) {
	d := newDispatcher(t)
	a := device.NewTensor([]int{1, 2, 2}, device.Float32, []float32{1, 2, 3, 4})
	out := call(t, d, "aten::bmm", a, a)
	assert.Equal(t, []float32{7, 10, 15, 22}, out.Float32s())

	self := device.NewTensor([]int{1, 2, 2}, device.Float32, []float32{1, 1, 1, 1})
	out = call(t, d, "aten::baddbmm", self, a, a, 2.0, 0.5)
	assert.Equal(t, []float32{5.5, 7, 9.5, 13}, out.Float32s())

	nan := float32(math.NaN())
	self = device.NewTensor([]int{1, 2, 2}, device.Float32, []float32{nan, nan, nan, nan})
	out = call(t, d, "aten::baddbmm", self, a, a, 0.0, 1.0)
	assert.Equal(t, []float32{7, 10, 15, 22}, out.Float32s(), "zero beta ignores self")

	out = call(t, d, "aten::baddbmm", device.NewTensor([]int{1}, device.Float32, []float32{2}), a, a, 1.0, 1.0)
	assert.Equal(t, []float32{9, 12, 17, 24}, out.Float32s())

	_, err := d.CallByName(context.Background(), "aten::bmm", a, device.NewTensor([]int{2, 2, 2}, device.Float32, nil))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLogSumExp(t *testing.T) {
	d := newDispatcher(t)
	x := device.NewTensor([]int{2, 2}, device.Float32, []float32{0, 0, 1, 1})
	out := call(t, d, "aten::logsumexp", x, []int64{1}, true)
	assert.Equal(t, []int{2, 1}, out.Shape())
	assert.InDeltaSlice(t, []float32{0.6931472, 1.6931472}, out.Float32s(), 1e-6)

	_, err := d.CallByName(context.Background(), "aten::logsumexp", x, []int64{0, 0}, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSoftShrink(t *testing.T) {
	d := newDispatcher(t)
	x := device.NewTensor([]int{4}, device.Float32, []float32{-2, -0.25, 0.25, 2})
	assert.Equal(t, []float32{-1.5, 0, 0, 1.5}, call(t, d, "aten::softshrink", x, 0.5).Float32s())

	_, err := d.CallByName(context.Background(), "aten::softshrink", x, -0.5)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	g := device.NewTensor([]int{4}, device.Float32, []float32{1, 1, 1, 1})
	assert.Equal(t, []float32{1, 0, 0, 1}, call(t, d, "aten::softshrink_backward", g, x, 0.5).Float32s())
}

func TestAdd(t *testing.T) {
	d := newDispatcher(t)
	a := device.NewTensor([]int{3}, device.Float32, []float32{1, 2, 3})
	b := device.NewTensor([]int{3}, device.Float32, []float32{1, 1, 1})
	assert.Equal(t, []float32{3, 4, 5}, call(t, d, "aten::add.Tensor", a, b, 2.0).Float32s())
	assert.Equal(t, []float32{1, 2, 3}, a.Float32s(), "out-of-place add leaves self alone")

	out := call(t, d, "aten::add_.Tensor", a, b, 1.0)
	assert.Same(t, a, out)
	assert.Equal(t, []float32{2, 3, 4}, a.Float32s())

	_, err := d.CallByName(context.Background(), "aten::add.Tensor", a, device.NewTensor([]int{2}, device.Float32, nil), 1.0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRShift(t *testing.T) {
	d := newDispatcher(t)
	x := device.NewInt32Tensor([]int{3}, []int32{-16, 5, 1 << 20})
	assert.Equal(t, []int32{-4, 1, 1 << 18}, call(t, d, "aten::__rshift__.Scalar", x, int64(2)).Int32s())
	assert.Equal(t, []int32{-1, 0, 0}, call(t, d, "aten::__rshift__.Scalar", x, int64(1)<<32).Int32s())
	assert.Equal(t, []int32{-1, 0, 0}, call(t, d, "aten::__rshift__.Scalar", x, int64(40)).Int32s())
	assert.Equal(t, []int32{-16, 5, 1 << 20}, call(t, d, "aten::__rshift__.Scalar", x, int64(-3)).Int32s())

	_, err := d.CallByName(context.Background(), "aten::__rshift__.Scalar", device.NewTensor([]int{1}, device.Float32, nil), int64(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
