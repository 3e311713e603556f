// Package npu assembles the adapter: one device runtime, its option
// registry, event reclaimer, command executor and the dispatch table with
// host, fallback and accelerator registrations.
package npu

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/channel"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/dispatch"
	"github.com/23skdu/longbow-npu/internal/env"
	"github.com/23skdu/longbow-npu/internal/event"
	"github.com/23skdu/longbow-npu/internal/fallback"
	"github.com/23skdu/longbow-npu/internal/opcmd"
	"github.com/23skdu/longbow-npu/internal/ops"
	"github.com/23skdu/longbow-npu/internal/option"
	"github.com/23skdu/longbow-npu/internal/reference"
)

// ErrClosed is returned by calls on a closed Context.
var ErrClosed = errors.New("npu context closed")

// Config selects the device and tunes the context.
type Config struct {
	// Runtime is the device to drive. A simulated device with DeviceIndex
	// is started when nil.
	Runtime     device.Runtime
	DeviceIndex int
	// LookupEnv reads the environment (os.LookupEnv when nil).
	LookupEnv func(string) (string, bool)
	// Settings are applied in order after the environment is read.
	Settings []option.Setting
	// ReclaimInterval overrides the reclaimer's re-poll interval.
	ReclaimInterval time.Duration
	// FatalHandler replaces the reclaimer's fatal-error handler.
	FatalHandler func(error)
}

// Context owns every resource of one device session.
type Context struct {
	ID         uuid.UUID
	Runtime    device.Runtime
	Options    *option.Registry
	Flags      env.Flags
	Aoe        *env.AoeManager
	JitList    *env.JitCompileList
	Events     *event.Manager
	Dispatcher *dispatch.Dispatcher
	Fallback   *fallback.Interceptor
	Exec       *opcmd.Executor

	log zerolog.Logger

	mu       sync.Mutex
	closed   bool
	channels map[string]*channel.Channel

	closeOnce sync.Once
	closeErr  error
}

// Init brings up a context in this order: device runtime, option registry
// with hooks, environment read, configured settings, event reclaimer,
// command executor, then dispatch registrations (host kernels, AutogradCPU
// and AutogradPrivateUse1 pass-through, PrivateUse1 fallback, accelerator
// kernels).
func Init(cfg Config) (*Context, error) {
	id := uuid.New()
	c := &Context{
		ID:       id,
		Runtime:  cfg.Runtime,
		log:      log.With().Str("context", id.String()).Logger(),
		channels: make(map[string]*channel.Channel),
	}
	if c.Runtime == nil {
		c.Runtime = device.NewSimRuntime(cfg.DeviceIndex)
	}
	fail := func(err error) (*Context, error) {
		if c.Events != nil {
			c.Events.Close()
		}
		_ = c.Runtime.Close()
		return nil, err
	}

	c.Options = option.NewRegistry()
	c.Aoe = env.NewAoeManager()
	c.JitList = env.NewJitCompileList()
	c.Flags = env.Register(c.Options, c.Runtime, c.Aoe, c.JitList)
	c.Options.InitFromEnv(cfg.LookupEnv)
	if err := c.Options.Apply(cfg.Settings); err != nil {
		return fail(err)
	}

	evOpts := []event.Option{event.WithLogger(c.log)}
	if cfg.ReclaimInterval > 0 {
		evOpts = append(evOpts, event.WithRetryInterval(cfg.ReclaimInterval))
	}
	if cfg.FatalHandler != nil {
		evOpts = append(evOpts, event.WithFatalHandler(cfg.FatalHandler))
	}
	c.Events = event.NewManager(c.Runtime, evOpts...)

	c.Exec = opcmd.NewExecutor(c.Runtime, c.Events, opcmd.Config{
		Async:       c.Flags.TaskQueueEnabled,
		JitDisabled: c.Flags.JitDisabled,
		ForceJit:    c.JitList.Inlist,
		OnLaunch:    c.Aoe.Record,
	})

	c.Dispatcher = dispatch.NewDispatcher()
	c.Fallback = fallback.New(c.Runtime, fallback.WithLogger(c.log))
	if err := c.register(); err != nil {
		return fail(fmt.Errorf("register operators: %w", err))
	}

	c.log.Info().
		Stringer("device", c.Runtime.Device()).
		Bool("async", c.Flags.TaskQueueEnabled()).
		Msg("NPU context initialized")
	return c, nil
}

func (c *Context) register() error {
	if err := reference.Register(c.Dispatcher); err != nil {
		return err
	}
	if err := c.Dispatcher.Fallback(dispatch.AutogradPrivateUse1, dispatch.PassThrough); err != nil {
		return err
	}
	if err := c.Dispatcher.Fallback(dispatch.PrivateUse1, c.Fallback); err != nil {
		return err
	}
	return ops.Register(c.Dispatcher, c.Exec, c.Runtime, c.Flags)
}

func (c *Context) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Call dispatches the named operator and returns its results.
func (c *Context) Call(ctx context.Context, name string, args ...any) ([]any, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.Dispatcher.CallByName(ctx, name, args...)
}

// ToDevice uploads a host tensor.
func (c *Context) ToDevice(t *device.Tensor) (*device.Tensor, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.Runtime.MemcpyToDevice(t)
}

// ToHost downloads a device tensor after all previously submitted work.
func (c *Context) ToHost(t *device.Tensor) (*device.Tensor, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.Runtime.MemcpyToHost(t)
}

// Synchronize waits for all submitted commands.
func (c *Context) Synchronize(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.Exec.Synchronize(ctx)
}

// OpenChannel returns the named channel, creating and initializing it on
// first use.
func (c *Context) OpenChannel(name string, capacity int) (*channel.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if ch, ok := c.channels[name]; ok {
		return ch, ch.Init()
	}
	ch := channel.New(c.Runtime, name, capacity)
	if err := ch.Init(); err != nil {
		return nil, err
	}
	c.channels[name] = ch
	return ch, nil
}

func (c *Context) Channel(name string) (*channel.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	return ch, ok
}

// Channels lists open channel names.
func (c *Context) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.channels))
	for n := range c.channels {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Close drains every pending event, writes the autotune record, destroys
// channels and stops the device. It is idempotent.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		chans := c.channels
		c.channels = map[string]*channel.Channel{}
		c.mu.Unlock()

		var errs []error
		if err := c.Runtime.SynchronizeStream(); err != nil {
			errs = append(errs, fmt.Errorf("synchronize: %w", err))
		}
		c.Events.Close()
		if err := c.Aoe.Flush(); err != nil {
			errs = append(errs, err)
		}
		for _, ch := range chans {
			if err := ch.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.Runtime.Close(); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
		c.log.Info().Err(c.closeErr).Msg("NPU context closed")
	})
	return c.closeErr
}
