package device

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrEventInFlight is returned by SimRuntime.DestroyEvent when the stream
// has not yet reached the event's record marker.
var ErrEventInFlight = errors.New("event still in flight")

// Check interface compliance
var _ Runtime = (*SimRuntime)(nil)

// CompileOptCall records one SetCompileOpt invocation.
type CompileOptCall struct {
	Opt   CompileOpt
	Value string
	Err   error
}

type simEvent struct {
	done chan struct{} // nil until recorded
	err  error         // kernel failure captured by the record marker
}

type simChannel struct {
	name     string
	capacity int
	q        chan *DataSet
	closed   bool
}

// SimRuntime is an in-process accelerator. It owns one stream goroutine that
// executes launched commands, transfers and event markers strictly in
// submission order, so completion is genuinely asynchronous to the caller.
type SimRuntime struct {
	dev    Device
	stream *stream

	mu          sync.Mutex
	closed      bool
	nextEvent   Event
	events      map[Event]*simEvent
	kernels     map[string]NativeKernel
	compileOpts map[CompileOpt]string
	compileLog  []CompileOptCall
	dumpEnabled bool
	dumpConfig  string
	nextChannel ChannelHandle
	channels    map[ChannelHandle]*simChannel
	streamErr   error // first kernel failure since last SynchronizeStream
	pendingErr  error // first kernel failure since last event record

	allocated atomic.Int64
	closeOnce sync.Once
}

// NewSimRuntime starts a simulated accelerator with the native kernel set.
func NewSimRuntime(index int) *SimRuntime {
	r := &SimRuntime{
		dev:         Device{Type: NPU, Index: index},
		stream:      newStream(),
		events:      make(map[Event]*simEvent),
		kernels:     make(map[string]NativeKernel),
		compileOpts: make(map[CompileOpt]string),
		channels:    make(map[ChannelHandle]*simChannel),
	}
	for name, k := range nativeKernels {
		r.kernels[name] = k
	}
	go r.stream.loop()
	return r
}

func (r *SimRuntime) Device() Device { return r.dev }

// RegisterKernel adds or replaces a native kernel.
func (r *SimRuntime) RegisterKernel(name string, k NativeKernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernels[name] = k
}

// HasKernel reports whether the device implements name.
func (r *SimRuntime) HasKernel(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.kernels[name]
	return ok
}

func (r *SimRuntime) checkOpen() error {
	if r.closed {
		return ErrRuntimeClosed
	}
	return nil
}

func (r *SimRuntime) onDevice(t *Tensor) bool {
	return t != nil && t.device == r.dev
}

func (r *SimRuntime) newDeviceTensor(shape []int, dtype DataType, format Format, buf []byte) *Tensor {
	t := &Tensor{
		device: r.dev,
		dtype:  dtype,
		format: format,
		shape:  slices.Clone(shape),
		buf:    buf,
	}
	size := int64(len(buf))
	r.allocated.Add(size)
	simAllocatedBytes.Add(float64(size))
	simAllocations.Inc()
	runtime.SetFinalizer(t, func(*Tensor) {
		r.allocated.Add(-size)
		simAllocatedBytes.Sub(float64(size))
	})
	return t
}

// AllocatedBytes reports device memory held by live tensors.
func (r *SimRuntime) AllocatedBytes() int64 { return r.allocated.Load() }

func (r *SimRuntime) Alloc(shape []int, dtype DataType, format Format) (*Tensor, error) {
	checkShape(shape)
	r.mu.Lock()
	err := r.checkOpen()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.newDeviceTensor(shape, dtype, format, make([]byte, numel(shape)*dtype.ElemSize())), nil
}

func (r *SimRuntime) MemcpyToHost(src *Tensor) (*Tensor, error) {
	if !r.onDevice(src) {
		return nil, fmt.Errorf("memcpy to host: %w: %v", ErrWrongDevice, src)
	}
	var out *Tensor
	if err := r.stream.sync(func() {
		out = &Tensor{
			device: Host,
			dtype:  src.dtype,
			format: FormatND,
			shape:  slices.Clone(src.shape),
			buf:    bytes.Clone(src.buf),
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SimRuntime) MemcpyToDevice(src *Tensor) (*Tensor, error) {
	if src == nil || !src.IsHost() {
		return nil, fmt.Errorf("memcpy to device: %w: %v", ErrWrongDevice, src)
	}
	r.mu.Lock()
	err := r.checkOpen()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.newDeviceTensor(src.shape, src.dtype, FormatND, bytes.Clone(src.buf)), nil
}

func (r *SimRuntime) CopyHostToDevice(dst, src *Tensor) error {
	if !r.onDevice(dst) || src == nil || !src.IsHost() {
		return fmt.Errorf("copy host to device: %w", ErrWrongDevice)
	}
	if !SameMeta(dst, src) {
		return fmt.Errorf("copy host to device: %v does not match %v", src, dst)
	}
	data := bytes.Clone(src.buf)
	return r.stream.sync(func() { copy(dst.buf, data) })
}

func (r *SimRuntime) Launch(cmd *Command) error {
	r.mu.Lock()
	if err := r.checkOpen(); err != nil {
		r.mu.Unlock()
		return err
	}
	k, ok := r.kernels[cmd.Name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("launch %q: %w", cmd.Name, ErrKernelNotFound)
	}
	for i, in := range cmd.Inputs {
		if in.Tensor != nil && !r.onDevice(in.Tensor) {
			return fmt.Errorf("launch %q input %d: %w: %v", cmd.Name, i, ErrWrongDevice, in.Tensor)
		}
	}
	for i, out := range cmd.Outputs {
		if !r.onDevice(out) {
			return fmt.Errorf("launch %q output %d: %w: %v", cmd.Name, i, ErrWrongDevice, out)
		}
	}

	kc := &KernelContext{
		Name:    cmd.Name,
		Inputs:  slices.Clone(cmd.Inputs),
		Outputs: slices.Clone(cmd.Outputs),
		Attrs:   cmd.Attrs,
	}
	simKernelLaunches.WithLabelValues(cmd.Name).Inc()
	if !r.stream.push(func() { r.execute(k, kc) }) {
		return ErrRuntimeClosed
	}
	return nil
}

func (r *SimRuntime) execute(k NativeKernel, kc *KernelContext) {
	err := k(kc)
	if err == nil {
		return
	}
	simKernelFailures.WithLabelValues(kc.Name).Inc()
	err = fmt.Errorf("kernel %s: %w", kc.Name, err)
	r.mu.Lock()
	if r.streamErr == nil {
		r.streamErr = err
	}
	if r.pendingErr == nil {
		r.pendingErr = err
	}
	r.mu.Unlock()
}

func (r *SimRuntime) SynchronizeStream() error {
	if err := r.stream.sync(func() {}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.streamErr
	r.streamErr = nil
	r.pendingErr = nil
	return err
}

func (r *SimRuntime) CreateEvent() (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	r.nextEvent++
	ev := r.nextEvent
	r.events[ev] = &simEvent{}
	simLiveEvents.Inc()
	return ev, nil
}

func (r *SimRuntime) lookup(ev Event) (*simEvent, error) {
	e, ok := r.events[ev]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", ev, ErrInvalidEvent)
	}
	return e, nil
}

func (r *SimRuntime) RecordEvent(ev Event) error {
	r.mu.Lock()
	e, err := r.lookup(ev)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	e.done = done
	r.mu.Unlock()

	if !r.stream.push(func() {
		r.mu.Lock()
		e.err = r.pendingErr
		r.pendingErr = nil
		r.mu.Unlock()
		close(done)
	}) {
		return ErrRuntimeClosed
	}
	return nil
}

func (r *SimRuntime) QueryEvent(ev Event) (bool, error) {
	r.mu.Lock()
	e, err := r.lookup(ev)
	if err != nil {
		r.mu.Unlock()
		return false, err
	}
	done := e.done
	r.mu.Unlock()
	if done == nil {
		return true, nil
	}
	select {
	case <-done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return true, e.err
	default:
		return false, nil
	}
}

func (r *SimRuntime) SynchronizeEvent(ev Event) error {
	r.mu.Lock()
	e, err := r.lookup(ev)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	done := e.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.err
}

func (r *SimRuntime) DestroyEvent(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(ev)
	if err != nil {
		return err
	}
	if e.done != nil {
		select {
		case <-e.done:
		default:
			return fmt.Errorf("destroy event %d: %w", ev, ErrEventInFlight)
		}
	}
	delete(r.events, ev)
	simLiveEvents.Dec()
	return nil
}

// LiveEvents is the number of created but not destroyed events.
func (r *SimRuntime) LiveEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var (
	precisionModes = []string{"force_fp32", "force_fp16", "allow_fp32_to_fp16", "must_keep_origin_dtype", "allow_mix_precision"}
	implModes      = []string{"high_precision", "high_performance"}
	cacheModes     = []string{"enable", "disable", "force"}
)

func validateCompileOpt(opt CompileOpt, value string) error {
	switch opt {
	case CompileOptJitCompile:
		if value != "enable" && value != "disable" {
			return fmt.Errorf("%w: %s=%q", ErrInvalidCompileOpt, opt, value)
		}
	case CompileOptPrecisionMode:
		if !slices.Contains(precisionModes, value) {
			return fmt.Errorf("%w: %s=%q", ErrInvalidCompileOpt, opt, value)
		}
	case CompileOptSelectImplMode:
		if !slices.Contains(implModes, value) {
			return fmt.Errorf("%w: %s=%q", ErrInvalidCompileOpt, opt, value)
		}
	case CompileOptCacheMode:
		if !slices.Contains(cacheModes, value) {
			return fmt.Errorf("%w: %s=%q", ErrInvalidCompileOpt, opt, value)
		}
	case CompileOptAllowHF32:
		if len(value) != 2 || strings.Trim(value, "01") != "" {
			return fmt.Errorf("%w: %s=%q", ErrInvalidCompileOpt, opt, value)
		}
	case CompileOptDebugLevel:
		if len(value) != 1 || value[0] < '0' || value[0] > '4' {
			return fmt.Errorf("%w: %s=%q", ErrInvalidCompileOpt, opt, value)
		}
	}
	return nil
}

func (r *SimRuntime) SetCompileOpt(opt CompileOpt, value string) error {
	err := validateCompileOpt(opt, value)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compileLog = append(r.compileLog, CompileOptCall{Opt: opt, Value: value, Err: err})
	if err != nil {
		return err
	}
	r.compileOpts[opt] = value
	return nil
}

// CompileOpt returns the current value of a compile option.
func (r *SimRuntime) CompileOpt(opt CompileOpt) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.compileOpts[opt]
	return v, ok
}

// CompileOptCalls returns every SetCompileOpt invocation in order.
func (r *SimRuntime) CompileOptCalls() []CompileOptCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.compileLog)
}

func (r *SimRuntime) InitDump() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dumpEnabled = true
	return nil
}

func (r *SimRuntime) SetDump(configPath string) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("set dump config: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dumpConfig = configPath
	return nil
}

func (r *SimRuntime) FinalizeDump() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dumpEnabled = false
	return nil
}

// DumpState reports whether model dump is enabled and its config path.
func (r *SimRuntime) DumpState() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dumpEnabled, r.dumpConfig
}

func (r *SimRuntime) CreateChannel(name string, capacity int) (ChannelHandle, error) {
	if name == "" {
		return 0, errors.New("create channel: empty name")
	}
	if capacity <= 0 {
		return 0, fmt.Errorf("create channel %s: capacity must be positive, got %d", name, capacity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	r.nextChannel++
	h := r.nextChannel
	r.channels[h] = &simChannel{name: name, capacity: capacity, q: make(chan *DataSet, capacity)}
	return h, nil
}

func (r *SimRuntime) DestroyChannel(h ChannelHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[h]
	if !ok || ch.closed {
		return fmt.Errorf("destroy channel %d: %w", h, ErrChannelClosed)
	}
	ch.closed = true
	close(ch.q)
	delete(r.channels, h)
	return nil
}

func (r *SimRuntime) SendTensor(h ChannelHandle, ds *DataSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[h]
	if !ok || ch.closed {
		return fmt.Errorf("send to channel %d: %w", h, ErrChannelClosed)
	}
	select {
	case ch.q <- ds:
		return nil
	default:
		return fmt.Errorf("send to channel %s: %w", ch.name, ErrQueueFull)
	}
}

func (r *SimRuntime) ReceiveTensor(h ChannelHandle, timeout time.Duration) (*DataSet, error) {
	r.mu.Lock()
	ch, ok := r.channels[h]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("receive from channel %d: %w", h, ErrChannelClosed)
	}

	if timeout <= 0 {
		select {
		case ds, ok := <-ch.q:
			if !ok {
				return nil, fmt.Errorf("receive from channel %s: %w", ch.name, ErrChannelClosed)
			}
			return ds, nil
		default:
			return nil, ErrQueueEmpty
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ds, ok := <-ch.q:
		if !ok {
			return nil, fmt.Errorf("receive from channel %s: %w", ch.name, ErrChannelClosed)
		}
		return ds, nil
	case <-timer.C:
		return nil, ErrQueueEmpty
	}
}

// Close finishes queued stream work and stops the device. It is idempotent.
func (r *SimRuntime) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.stream.stop()
	})
	return nil
}

// stream is an unbounded FIFO work queue drained by one goroutine. push
// never blocks the submitter.
type stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	done    chan struct{}
}

func newStream() *stream {
	s := &stream{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *stream) push(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.tasks = append(s.tasks, f)
	s.cond.Signal()
	return true
}

// sync runs f on the stream after all earlier work and waits for it.
func (s *stream) sync(f func()) error {
	done := make(chan struct{})
	if !s.push(func() {
		f()
		close(done)
	}) {
		return ErrRuntimeClosed
	}
	<-done
	return nil
}

func (s *stream) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.tasks) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.tasks) == 0 && s.stopped {
			s.mu.Unlock()
			return
		}
		f := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		f()
	}
}

func (s *stream) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}
