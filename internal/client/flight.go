// Package client pushes tensor datasets into a remote relay's data
// channels over Arrow Flight.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-npu/internal/channel"
	"github.com/23skdu/longbow-npu/internal/device"
)

// Option configures a FlightClient.
type Option func(*FlightClient)

// WithBreaker sets the failure threshold and cool-down of the circuit
// breaker guarding DoPut.
func WithBreaker(maxFailures int, cooldown time.Duration) Option {
	return func(c *FlightClient) { c.breaker = NewCircuitBreaker(maxFailures, cooldown) }
}

// WithAllocator sets the allocator used to build records.
func WithAllocator(mem memory.Allocator) Option {
	return func(c *FlightClient) { c.mem = mem }
}

// FlightClient talks to a relay's Flight service.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	mem     memory.Allocator
}

// NewFlightClient creates a client for addr. The connection is established
// lazily on first use.
func NewFlightClient(addr string, opts ...Option) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c := &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
		mem:     memory.NewGoAllocator(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Push sends one dataset of host tensors to the named channel.
func (c *FlightClient) Push(ctx context.Context, name string, ds *device.DataSet) error {
	rec, err := channel.ToRecord(c.mem, ds)
	if err != nil {
		return err
	}
	defer rec.Release()
	return c.DoPut(ctx, name, rec)
}

// DoPut streams record to the named channel. Calls are rejected with
// ErrOpen while the breaker is open.
func (c *FlightClient) DoPut(ctx context.Context, name string, record arrow.RecordBatch) error {
	err := c.breaker.Do(func() error { return c.doPut(ctx, name, record) })
	switch {
	case errors.Is(err, ErrOpen):
		puts.WithLabelValues("rejected").Inc()
	case err != nil:
		puts.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("channel", name).Msg("Flight DoPut failed")
	default:
		puts.WithLabelValues("ok").Inc()
	}
	return err
}

func (c *FlightClient) doPut(ctx context.Context, name string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{name},
	})
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// The relay reports ingestion failures as the stream status.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Breaker exposes the circuit breaker state.
func (c *FlightClient) Breaker() *CircuitBreaker { return c.breaker }

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
