package npu

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/dispatch"
	"github.com/23skdu/longbow-npu/internal/env"
	"github.com/23skdu/longbow-npu/internal/option"
)

func envOf(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func newContext(t *testing.T, kv map[string]string, settings ...option.Setting) (*Context, *device.SimRuntime) {
	t.Helper()
	sim := device.NewSimRuntime(0)
	c, err := Init(Config{
		Runtime:         sim,
		LookupEnv:       envOf(kv),
		Settings:        settings,
		ReclaimInterval: time.Millisecond,
		FatalHandler:    func(err error) { t.Errorf("reclaim failed: %v", err) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, sim
}

func upload(t *testing.T, c *Context, shape []int, vals []float32) *device.Tensor {
	t.Helper()
	d, err := c.ToDevice(device.NewTensor(shape, device.Float32, vals))
	require.NoError(t, err)
	return d
}

func download(t *testing.T, c *Context, v any) *device.Tensor {
	t.Helper()
	d, ok := v.(*device.Tensor)
	require.True(t, ok, "want tensor, got %T", v)
	h, err := c.ToHost(d)
	require.NoError(t, err)
	return h
}

func TestInit_EnvironmentAndSettings(t *testing.T) {
	c, sim := newContext(t,
		map[string]string{"bmmv2_enable": "1", "TASK_QUEUE_ENABLE": "0", "jitCompile": "disable"},
		option.Setting{Name: "ALLOW_MATMUL_HF32", Value: "enable"},
		option.Setting{Name: "ACL_PRECISION_MODE", Value: "allow_fp32_to_fp16"},
	)
	assert.True(t, c.Flags.BmmV2Enabled())
	assert.False(t, c.Flags.TaskQueueEnabled())
	assert.False(t, c.Flags.JitDisabled(), "jitCompile is not read from the environment")

	v, ok := sim.CompileOpt(device.CompileOptAllowHF32)
	assert.True(t, ok)
	assert.Equal(t, "11", v)
	v, _ = sim.CompileOpt(device.CompileOptPrecisionMode)
	assert.Equal(t, "allow_fp32_to_fp16", v)
	assert.NotEqual(t, uuid.Nil, c.ID)
}

func TestInit_BadSettingFails(t *testing.T) {
	sim := device.NewSimRuntime(0)
	_, err := Init(Config{
		Runtime:   sim,
		LookupEnv: envOf(nil),
		Settings:  []option.Setting{{Name: "autotunegraphdumppath", Value: "/definitely/not/here"}},
	})
	require.Error(t, err)
	assert.Empty(t, sim.CompileOptCalls())

	_, err = Init(Config{LookupEnv: envOf(nil), Settings: []option.Setting{{Name: "nope", Value: "1"}}})
	assert.ErrorIs(t, err, option.ErrUnknownOption)
}

func TestFallback_UnsupportedOperatorRunsOnHost(t *testing.T) {
	c, _ := newContext(t, nil)
	ctx := context.Background()
	vals := []float32{-2, -0.3, 0, 0.3, 2}
	x := upload(t, c, []int{5}, vals)

	var got []any
	var err error
	for i := 0; i < 100; i++ {
		got, err = c.Call(ctx, "aten::softshrink", x, 0.5)
		require.NoError(t, err)
	}
	want, err := c.Call(ctx, "aten::softshrink", device.NewTensor([]int{5}, device.Float32, vals), 0.5)
	require.NoError(t, err)

	assert.False(t, got[0].(*device.Tensor).IsHost())
	assert.True(t, device.BitEqual(want[0].(*device.Tensor), download(t, c, got[0])))
	assert.Equal(t, []string{"aten::softshrink"}, c.Fallback.Advisories())
}

func TestCall_ReusedArgsUnchanged(t *testing.T) {
	c, _ := newContext(t, nil)
	x := upload(t, c, []int{3}, []float32{-1, 0.2, 1})

	args := []any{x, 0.5}
	first, err := c.Call(context.Background(), "aten::softshrink", args...)
	require.NoError(t, err)
	assert.Same(t, x, args[0])

	second, err := c.Call(context.Background(), "aten::softshrink", args...)
	require.NoError(t, err)
	assert.Same(t, x, args[0])
	assert.True(t, device.BitEqual(download(t, c, first[0]), download(t, c, second[0])))
}

func TestFallback_InPlaceAndIntegerOperators(t *testing.T) {
	c, _ := newContext(t, nil)
	ctx := context.Background()

	self := upload(t, c, []int{2}, []float32{1, 2})
	other := upload(t, c, []int{2}, []float32{3, 4})
	got, err := c.Call(ctx, "aten::add_.Tensor", self, other, 1.0)
	require.NoError(t, err)
	assert.Same(t, self, got[0])
	assert.Equal(t, []float32{4, 6}, download(t, c, self).Float32s())

	ints, err := c.ToDevice(device.NewInt32Tensor([]int{3}, []int32{-8, 16, 33}))
	require.NoError(t, err)
	got, err = c.Call(ctx, "aten::__rshift__.Scalar", ints, int64(2))
	require.NoError(t, err)
	assert.Equal(t, []int32{-2, 4, 8}, download(t, c, got[0]).Int32s())

	assert.ElementsMatch(t, []string{"aten::add_.Tensor", "aten::__rshift__.Scalar"}, c.Fallback.Advisories())
}

func TestAcceleratorKernelsSkipFallback(t *testing.T) {
	c, _ := newContext(t, nil)
	x := upload(t, c, []int{1, 2, 2}, []float32{1, 2, 3, 4})
	got, err := c.Call(context.Background(), "aten::bmm", x, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 10, 15, 22}, download(t, c, got[0]).Float32s())
	assert.Empty(t, c.Fallback.Advisories())

	op, ok := c.Dispatcher.Find("aten::bmm")
	require.True(t, ok)
	assert.True(t, op.HasKernel(dispatch.PrivateUse1))
	assert.True(t, op.HasKernel(dispatch.CPU))
}

func TestAsyncCallsReclaimEvents(t *testing.T) {
	c, sim := newContext(t, map[string]string{"TASK_QUEUE_ENABLE": "1"})
	require.True(t, c.Flags.TaskQueueEnabled())
	ctx := context.Background()
	x := upload(t, c, []int{4, 8}, make([]float32, 32))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := c.Call(ctx, "aten::logsumexp", x, []int64{1}, false)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, c.Synchronize(ctx))
	require.Eventually(t, func() bool { return sim.LiveEvents() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, c.Events.Pending())
}

func TestChannels(t *testing.T) {
	c, _ := newContext(t, nil)
	ch, err := c.OpenChannel("ingest", 4)
	require.NoError(t, err)
	again, err := c.OpenChannel("ingest", 4)
	require.NoError(t, err)
	assert.Same(t, ch, again)
	assert.Equal(t, []string{"ingest"}, c.Channels())

	ds := &device.DataSet{Names: []string{"x"}, Tensors: []*device.Tensor{device.Scalar(1, device.Float32)}}
	require.NoError(t, ch.Enqueue(ds))
	got, err := ch.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ds, got)

	_, err = c.OpenChannel("", 4)
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	dir := t.TempDir()
	c, sim := newContext(t, map[string]string{"TASK_QUEUE_ENABLE": "1"},
		option.Setting{Name: "autotune", Value: "enable"},
		option.Setting{Name: "autotunegraphdumppath", Value: dir},
	)
	ch, err := c.OpenChannel("ingest", 1)
	require.NoError(t, err)
	x := upload(t, c, []int{1, 1, 1}, []float32{2})
	for i := 0; i < 10; i++ {
		_, err := c.Call(context.Background(), "aten::bmm", x, x)
		require.NoError(t, err)
	}

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, sim.LiveEvents())
	assert.Equal(t, 0, c.Events.Pending())

	_, err = os.Stat(filepath.Join(dir, env.AoeRecordFile))
	assert.NoError(t, err, "autotune record is flushed on close")

	ds, err := ch.Dequeue(0)
	assert.NoError(t, err)
	assert.Nil(t, ds, "channel is destroyed")

	_, err = c.Call(context.Background(), "aten::bmm", x, x)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.OpenChannel("late", 1)
	assert.ErrorIs(t, err, ErrClosed)
}
