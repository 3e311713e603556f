package device

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *SimRuntime {
	t.Helper()
	r := NewSimRuntime(0)
	t.Cleanup(func() { r.Close() })
	return r
}

// gateKernel blocks the stream until release is closed.
func gateKernel(release <-chan struct{}) NativeKernel {
	return func(*KernelContext) error {
		<-release
		return nil
	}
}

func TestSim_TransferRoundTrip(t *testing.T) {
	r := newTestRuntime(t)
	host := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})

	dev, err := r.MemcpyToDevice(host)
	require.NoError(t, err)
	assert.Equal(t, NPU, dev.Device().Type)
	assert.Panics(t, func() { dev.Float32s() }, "device tensors are not host readable")

	back, err := r.MemcpyToHost(dev)
	require.NoError(t, err)
	assert.True(t, BitEqual(host, back))

	_, err = r.MemcpyToHost(host)
	assert.ErrorIs(t, err, ErrWrongDevice)
}

func TestSim_LaunchIsFIFO(t *testing.T) {
	r := newTestRuntime(t)
	release := make(chan struct{})
	r.RegisterKernel("Gate", gateKernel(release))

	x, err := r.MemcpyToDevice(NewTensor([]int{2}, Float32, []float32{1, 2}))
	require.NoError(t, err)
	y, err := r.Alloc([]int{2}, Float32, FormatND)
	require.NoError(t, err)

	require.NoError(t, r.Launch(&Command{Name: "Gate", Outputs: []*Tensor{y}}))
	require.NoError(t, r.Launch(&Command{
		Name:    "Muls",
		Inputs:  []Operand{{Tensor: x}},
		Outputs: []*Tensor{y},
		Attrs:   map[string]any{"value": float32(3)},
	}))

	ev, err := r.CreateEvent()
	require.NoError(t, err)
	require.NoError(t, r.RecordEvent(ev))

	done, err := r.QueryEvent(ev)
	require.NoError(t, err)
	assert.False(t, done, "stream is gated")
	assert.ErrorIs(t, r.DestroyEvent(ev), ErrEventInFlight)

	close(release)
	require.NoError(t, r.SynchronizeEvent(ev))
	done, err = r.QueryEvent(ev)
	require.NoError(t, err)
	assert.True(t, done)

	out, err := r.MemcpyToHost(y)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 6}, out.Float32s())
	require.NoError(t, r.DestroyEvent(ev))
}

func TestSim_EventLifecycle(t *testing.T) {
	r := newTestRuntime(t)

	ev, err := r.CreateEvent()
	require.NoError(t, err)
	assert.Equal(t, 1, r.LiveEvents())

	done, err := r.QueryEvent(ev)
	require.NoError(t, err)
	assert.True(t, done, "unrecorded events report complete")

	require.NoError(t, r.DestroyEvent(ev))
	assert.Equal(t, 0, r.LiveEvents())

	assert.ErrorIs(t, r.DestroyEvent(ev), ErrInvalidEvent, "double destroy is detectable")
	_, err = r.QueryEvent(ev)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.ErrorIs(t, r.SynchronizeEvent(ev), ErrInvalidEvent)
}

func TestSim_KernelFailures(t *testing.T) {
	r := newTestRuntime(t)
	r.RegisterKernel("Boom", func(*KernelContext) error { return errors.New("boom") })

	y, err := r.Alloc([]int{1}, Float32, FormatND)
	require.NoError(t, err)

	err = r.Launch(&Command{Name: "NoSuchOp", Outputs: []*Tensor{y}})
	assert.ErrorIs(t, err, ErrKernelNotFound)

	require.NoError(t, r.Launch(&Command{Name: "Boom", Outputs: []*Tensor{y}}))
	ev, err := r.CreateEvent()
	require.NoError(t, err)
	require.NoError(t, r.RecordEvent(ev))
	assert.ErrorContains(t, r.SynchronizeEvent(ev), "boom")

	assert.ErrorContains(t, r.SynchronizeStream(), "boom")
	assert.NoError(t, r.SynchronizeStream(), "stream error is cleared by synchronisation")
}

func TestSim_NativeKernels(t *testing.T) {
	r := newTestRuntime(t)
	up := func(shape []int, data []float32) *Tensor {
		d, err := r.MemcpyToDevice(NewTensor(shape, Float32, data))
		require.NoError(t, err)
		return d
	}

	t.Run("BatchMatMul", func(t *testing.T) {
		a := up([]int{1, 2, 3}, []float32{1, 2, 3, 4, 5, 6})
		b := up([]int{1, 3, 2}, []float32{7, 8, 9, 10, 11, 12})
		c, err := r.Alloc([]int{1, 2, 2}, Float32, FormatND)
		require.NoError(t, err)
		require.NoError(t, r.Launch(&Command{
			Name:    "BatchMatMul",
			Inputs:  []Operand{{Tensor: a}, {Tensor: b}},
			Outputs: []*Tensor{c},
			Attrs:   map[string]any{"adj_x1": false, "adj_x2": false},
		}))
		require.NoError(t, r.SynchronizeStream())
		out, err := r.MemcpyToHost(c)
		require.NoError(t, err)
		assert.Equal(t, []float32{58, 64, 139, 154}, out.Float32s())
	})

	t.Run("Cast", func(t *testing.T) {
		a := up([]int{2}, []float32{1, -2})
		h, err := r.Alloc([]int{2}, Float16, FormatND)
		require.NoError(t, err)
		require.NoError(t, r.Launch(&Command{Name: "Cast", Inputs: []Operand{{Tensor: a}}, Outputs: []*Tensor{h}}))
		out, err := r.MemcpyToHost(h)
		require.NoError(t, err)
		assert.Equal(t, Float16, out.DataType())
		assert.Equal(t, []float32{1, -2}, out.Float32s())
	})

	t.Run("ShapeErrorSurfacesAtSync", func(t *testing.T) {
		a := up([]int{2, 3}, make([]float32, 6))
		c, err := r.Alloc([]int{1}, Float32, FormatND)
		require.NoError(t, err)
		require.NoError(t, r.Launch(&Command{Name: "BatchMatMul", Inputs: []Operand{{Tensor: a}, {Tensor: a}}, Outputs: []*Tensor{c}}))
		assert.ErrorContains(t, r.SynchronizeStream(), "3-D")
	})
}

func TestSim_CompileOpts(t *testing.T) {
	r := newTestRuntime(t)

	require.NoError(t, r.SetCompileOpt(CompileOptAllowHF32, "10"))
	v, ok := r.CompileOpt(CompileOptAllowHF32)
	assert.True(t, ok)
	assert.Equal(t, "10", v)

	assert.ErrorIs(t, r.SetCompileOpt(CompileOptAllowHF32, "2"), ErrInvalidCompileOpt)
	assert.ErrorIs(t, r.SetCompileOpt(CompileOptPrecisionMode, "fastest"), ErrInvalidCompileOpt)
	assert.ErrorIs(t, r.SetCompileOpt(CompileOptJitCompile, "maybe"), ErrInvalidCompileOpt)
	require.NoError(t, r.SetCompileOpt(CompileOptDebugDir, "/tmp/anything"))

	calls := r.CompileOptCalls()
	require.Len(t, calls, 5)
	assert.Equal(t, CompileOptAllowHF32, calls[0].Opt)
	assert.Error(t, calls[1].Err)
}

func TestSim_Dump(t *testing.T) {
	r := newTestRuntime(t)
	require.NoError(t, r.InitDump())
	enabled, _ := r.DumpState()
	assert.True(t, enabled)

	assert.Error(t, r.SetDump(filepath.Join(t.TempDir(), "missing.json")))

	cfg := filepath.Join(t.TempDir(), "dump.json")
	require.NoError(t, os.WriteFile(cfg, []byte("{}"), 0o644))
	require.NoError(t, r.SetDump(cfg))

	require.NoError(t, r.FinalizeDump())
	enabled, path := r.DumpState()
	assert.False(t, enabled)
	assert.Equal(t, cfg, path)
}

func TestSim_Channel(t *testing.T) {
	r := newTestRuntime(t)

	_, err := r.CreateChannel("", 2)
	assert.Error(t, err)
	_, err = r.CreateChannel("feed", 0)
	assert.Error(t, err)

	h, err := r.CreateChannel("feed", 1)
	require.NoError(t, err)

	_, err = r.ReceiveTensor(h, 0)
	assert.ErrorIs(t, err, ErrQueueEmpty, "empty queue is a status, not a failure")

	ds := &DataSet{Names: []string{"x"}, Tensors: []*Tensor{NewTensor([]int{1}, Float32, []float32{1})}}
	require.NoError(t, r.SendTensor(h, ds))
	assert.ErrorIs(t, r.SendTensor(h, ds), ErrQueueFull)

	got, err := r.ReceiveTensor(h, time.Second)
	require.NoError(t, err)
	assert.Same(t, ds, got)

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	go func() {
		defer wg.Done()
		_, recvErr = r.ReceiveTensor(h, 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.DestroyChannel(h))
	wg.Wait()
	assert.ErrorIs(t, recvErr, ErrChannelClosed)

	assert.ErrorIs(t, r.DestroyChannel(h), ErrChannelClosed, "destroyed exactly once")
}

func TestSim_Close(t *testing.T) {
	r := NewSimRuntime(0)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.CreateEvent()
	assert.ErrorIs(t, err, ErrRuntimeClosed)
	_, err = r.Alloc([]int{1}, Float32, FormatND)
	assert.ErrorIs(t, err, ErrRuntimeClosed)
}
