package fallback

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/dispatch"
	"github.com/23skdu/longbow-npu/internal/kernels"
)

var errReference = errors.New("softshrink: lambda must be non-negative")

// setup builds a dispatcher with host kernels for a pure op, an in-place
// op and a failing op, and the interceptor on PrivateUse1.
func setup(t *testing.T, rt Runtime) (*dispatch.Dispatcher, *Interceptor, *bytes.Buffer) {
	t.Helper()
	d := dispatch.NewDispatcher()

	_, err := d.Def(dispatch.Schema{Name: "aten::softshrink", NumArgs: 2, NumReturns: 1})
	require.NoError(t, err)
	require.NoError(t, d.Impl("aten::softshrink", dispatch.CPU, dispatch.HandlerFunc(func(ctx context.Context, c *dispatch.Call) error {
		x, err := c.Stack.Tensor(0)
		if err != nil {
			return err
		}
		l, err := c.Stack.Float(1)
		if err != nil {
			return err
		}
		if l < 0 {
			return errReference
		}
		c.Stack.Replace(device.NewTensor(x.Shape(), x.DataType(), kernels.SoftShrink(x.Float32s(), float32(l))))
		return nil
	})))

	_, err = d.Def(dispatch.Schema{Name: "aten::add_", Overload: "Tensor", NumArgs: 3, NumReturns: 1, Mutable: []int{0}, Aliases: map[int]int{0: 0}})
	require.NoError(t, err)
	require.NoError(t, d.Impl("aten::add_.Tensor", dispatch.CPU, dispatch.HandlerFunc(func(ctx context.Context, c *dispatch.Call) error {
		self, _ := c.Stack.Tensor(0)
		other, _ := c.Stack.Tensor(1)
		alpha, _ := c.Stack.Float(2)
		self.SetFloat32s(kernels.Axpy(self.Float32s(), other.Float32s(), float32(alpha)))
		c.Stack.Replace(self)
		return nil
	})))

	_, err = d.Def(dispatch.Schema{Name: "aten::cat", NumArgs: 1, NumReturns: 1})
	require.NoError(t, err)
	require.NoError(t, d.Impl("aten::cat", dispatch.CPU, dispatch.HandlerFunc(func(ctx context.Context, c *dispatch.Call) error {
		list, err := c.Stack.TensorList(0)
		if err != nil {
			return err
		}
		var vals []float32
		for _, t := range list {
			if !t.IsHost() {
				return errors.New("cat: tensor not on host")
			}
			vals = append(vals, t.Float32s()...)
		}
		c.Stack.Replace(device.NewTensor([]int{len(vals)}, device.Float32, vals))
		return nil
	})))

	var buf bytes.Buffer
	ic := New(rt, WithLogger(zerolog.New(&buf)))
	require.NoError(t, d.Fallback(dispatch.AutogradPrivateUse1, dispatch.PassThrough))
	require.NoError(t, d.Fallback(dispatch.PrivateUse1, ic))
	return d, ic, &buf
}

func newSim(t *testing.T) *device.SimRuntime {
	t.Helper()
	rt := device.NewSimRuntime(0)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestInterceptor_AdvisesOncePerOperator(t *testing.T) {
	rt := newSim(t)
	d, ic, buf := setup(t, rt)
	x, err := rt.MemcpyToDevice(device.NewTensor([]int{3}, device.Float32, []float32{-1, 0.2, 2}))
	require.NoError(t, err)

	for n := 0; n < 100; n++ {
		_, err := d.CallByName(context.Background(), "aten::softshrink", x, 0.5)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"op":"aten::softshrink"`)))
	assert.Equal(t, []string{"aten::softshrink"}, ic.Advisories())
}

func TestInterceptor_MatchesDirectHostExecution(t *testing.T) {
	rt := newSim(t)
	d, _, _ := setup(t, rt)
	hostX := device.NewTensor([]int{2, 3}, device.Float32, []float32{-3, -0.4, 0, 0.4, 1.25, 7})
	x, err := rt.MemcpyToDevice(hostX)
	require.NoError(t, err)

	want, err := d.CallByName(context.Background(), "aten::softshrink", hostX, 0.5)
	require.NoError(t, err)
	got, err := d.CallByName(context.Background(), "aten::softshrink", x, 0.5)
	require.NoError(t, err)

	out := got[0].(*device.Tensor)
	assert.False(t, out.IsHost(), "result is returned on the accelerator")
	assert.Equal(t, rt.Device(), out.Device())
	back, err := rt.MemcpyToHost(out)
	require.NoError(t, err)
	assert.True(t, device.BitEqual(want[0].(*device.Tensor), back))
}

func TestInterceptor_MutableArgumentWriteBack(t *testing.T) {
	rt := newSim(t)
	d, _, _ := setup(t, rt)
	self, err := rt.MemcpyToDevice(device.NewTensor([]int{3}, device.Float32, []float32{1, 2, 3}))
	require.NoError(t, err)
	other, err := rt.MemcpyToDevice(device.NewTensor([]int{3}, device.Float32, []float32{10, 20, 30}))
	require.NoError(t, err)

	got, err := d.CallByName(context.Background(), "aten::add_.Tensor", self, other, 2.0)
	require.NoError(t, err)
	assert.Same(t, self, got[0], "in-place return aliases the caller's tensor")

	back, err := rt.MemcpyToHost(self)
	require.NoError(t, err)
	assert.Equal(t, []float32{21, 42, 63}, back.Float32s())
}

func TestInterceptor_TensorListArguments(t *testing.T) {
	rt := newSim(t)
	d, _, _ := setup(t, rt)
	a, err := rt.MemcpyToDevice(device.NewTensor([]int{2}, device.Float32, []float32{1, 2}))
	require.NoError(t, err)
	b := device.NewTensor([]int{1}, device.Float32, []float32{3})

	got, err := d.CallByName(context.Background(), "aten::cat", []*device.Tensor{a, b})
	require.NoError(t, err)
	back, err := rt.MemcpyToHost(got[0].(*device.Tensor))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, back.Float32s())
}

func TestInterceptor_ReferenceErrorPropagatesUnchanged(t *testing.T) {
	rt := newSim(t)
	d, _, _ := setup(t, rt)
	x, err := rt.MemcpyToDevice(device.NewTensor([]int{1}, device.Float32, []float32{1}))
	require.NoError(t, err)

	_, err = d.CallByName(context.Background(), "aten::softshrink", x, -1.0)
	assert.Same(t, errReference, err)
}

type failingRuntime struct {
	*device.SimRuntime
	toHostErr error
}

func (f *failingRuntime) MemcpyToHost(src *device.Tensor) (*device.Tensor, error) {
	if f.toHostErr != nil {
		return nil, f.toHostErr
	}
	return f.SimRuntime.MemcpyToHost(src)
}

func TestInterceptor_TransferFailure(t *testing.T) {
	sim := newSim(t)
	rt := &failingRuntime{SimRuntime: sim, toHostErr: errors.New("dma engine fault")}
	d, _, _ := setup(t, rt)
	x, err := sim.MemcpyToDevice(device.NewTensor([]int{1}, device.Float32, []float32{1}))
	require.NoError(t, err)

	_, err = d.CallByName(context.Background(), "aten::softshrink", x, 0.5)
	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, rt.toHostErr)
}

func TestInterceptor_HostArgumentsAreNotTouched(t *testing.T) {
	rt := newSim(t)
	_, ic, _ := setup(t, rt)
	d := dispatch.NewDispatcher()
	_, err := d.Def(dispatch.Schema{Name: "test::id", NumArgs: 1, NumReturns: 1})
	require.NoError(t, err)
	require.NoError(t, d.Impl("test::id", dispatch.CPU, dispatch.HandlerFunc(func(ctx context.Context, c *dispatch.Call) error {
		return nil
	})))
	require.NoError(t, d.Fallback(dispatch.PrivateUse1, ic))

	// Host-only calls never reach the PrivateUse1 slot.
	x := device.NewTensor([]int{1}, device.Float32, []float32{4})
	got, err := d.CallByName(context.Background(), "test::id", x)
	require.NoError(t, err)
	assert.Same(t, x, got[0])
	assert.Empty(t, ic.Advisories())
}
