// Package channel wraps a bounded device data channel used to feed tensors
// into the accelerator from outside the process.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/device"
)

// ErrNotInitialized is returned by Enqueue before Init.
var ErrNotInitialized = errors.New("channel not initialized")

// Runtime is the channel subset of the device SDK.
type Runtime interface {
	CreateChannel(name string, capacity int) (device.ChannelHandle, error)
	DestroyChannel(h device.ChannelHandle) error
	SendTensor(h device.ChannelHandle, ds *device.DataSet) error
	ReceiveTensor(h device.ChannelHandle, timeout time.Duration) (*device.DataSet, error)
}

// Channel is safe for concurrent use.
type Channel struct {
	rt       Runtime
	name     string
	capacity int

	mu     sync.Mutex
	inited bool
	closed bool
	h      device.ChannelHandle
}

func New(rt Runtime, name string, capacity int) *Channel {
	return &Channel{rt: rt, name: name, capacity: capacity}
}

func (c *Channel) Name() string  { return c.name }
func (c *Channel) Capacity() int { return c.capacity }

// Init creates the device channel. A second Init is a no-op.
func (c *Channel) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inited {
		log.Warn().Str("channel", c.name).Msg("Channel has been initialized already")
		return nil
	}
	if c.name == "" {
		return errors.New("channel name must not be empty")
	}
	if c.capacity <= 0 {
		return fmt.Errorf("channel %s: capacity must be positive, got %d", c.name, c.capacity)
	}
	h, err := c.rt.CreateChannel(c.name, c.capacity)
	if err != nil {
		return fmt.Errorf("create channel %s: %w", c.name, err)
	}
	c.h = h
	c.inited = true
	channelsOpen.Inc()
	log.Info().Str("channel", c.name).Int("capacity", c.capacity).Msg("Channel initialized")
	return nil
}

// Close destroys the device channel exactly once. Closing a channel that
// was never initialized does nothing.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inited || c.closed {
		return nil
	}
	c.closed = true
	channelsOpen.Dec()
	if err := c.rt.DestroyChannel(c.h); err != nil {
		return fmt.Errorf("destroy channel %s: %w", c.name, err)
	}
	return nil
}

func (c *Channel) handle() (device.ChannelHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h, c.inited && !c.closed
}

// Enqueue offers ds without blocking; a full channel returns
// device.ErrQueueFull.
func (c *Channel) Enqueue(ds *device.DataSet) error {
	h, ok := c.handle()
	if !ok {
		return fmt.Errorf("enqueue to %s: %w", c.name, ErrNotInitialized)
	}
	if err := c.rt.SendTensor(h, ds); err != nil {
		return err
	}
	channelItems.WithLabelValues("enqueue").Inc()
	return nil
}

// Dequeue waits up to timeout for a dataset. It returns nil, nil on a
// channel that is not initialized, and an empty dataset when the queue had
// nothing to give.
func (c *Channel) Dequeue(timeout time.Duration) (*device.DataSet, error) {
	h, ok := c.handle()
	if !ok {
		return nil, nil
	}
	ds, err := c.rt.ReceiveTensor(h, timeout)
	if errors.Is(err, device.ErrQueueEmpty) {
		return &device.DataSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", c.name, err)
	}
	channelItems.WithLabelValues("dequeue").Inc()
	return ds, nil
}
