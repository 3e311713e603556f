package main

import (
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-npu/internal/channel"
	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/npu"
)

// dequeueTimeout bounds how long DoGet waits for a dataset.
const dequeueTimeout = 100 * time.Millisecond

// RelayFlightServer feeds Flight DoPut streams into the context's data
// channels and serves queued datasets back through DoGet. The descriptor
// path (or ticket) names the channel.
type RelayFlightServer struct {
	flight.BaseFlightServer
	npu      *npu.Context
	sem      *semaphore.Weighted
	capacity int
	alloc    memory.Allocator
}

func NewRelayFlightServer(c *npu.Context, sem *semaphore.Weighted, capacity int) *RelayFlightServer {
	return &RelayFlightServer{
		npu:      c,
		sem:      sem,
		capacity: capacity,
		alloc:    memory.NewGoAllocator(),
	}
}

func (s *RelayFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return status.Error(codes.Unimplemented, "DoExchange not implemented")
}

func (s *RelayFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	var ch *channel.Channel
	for reader.Next() {
		if ch == nil {
			desc := reader.LatestFlightDescriptor()
			if desc == nil || len(desc.Path) == 0 || desc.Path[0] == "" {
				return status.Error(codes.InvalidArgument, "descriptor path must name a channel")
			}
			ch, err = s.npu.OpenChannel(desc.Path[0], s.capacity)
			if err != nil {
				return status.Error(codes.FailedPrecondition, err.Error())
			}
		}

		rec := reader.Record()
		dss, err := channel.FromRecord(rec)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		log.Debug().Str("channel", ch.Name()).Int64("rows", rec.NumRows()).Msg("DoPut received batch")
		for _, ds := range dss {
			if err := s.enqueue(stream, ch, ds); err != nil {
				return err
			}
		}
	}
	return reader.Err()
}

func (s *RelayFlightServer) enqueue(stream flight.FlightService_DoPutServer, ch *channel.Channel, ds *device.DataSet) error {
	if err := s.sem.Acquire(stream.Context(), 1); err != nil {
		return status.FromContextError(err).Err()
	}
	defer s.sem.Release(1)

	err := ch.Enqueue(ds)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrQueueFull):
		return status.Errorf(codes.ResourceExhausted, "channel %s is full", ch.Name())
	case errors.Is(err, channel.ErrNotInitialized), errors.Is(err, device.ErrChannelClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// DoGet streams one queued dataset of the channel named by the ticket.
func (s *RelayFlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name := string(tkt.GetTicket())
	ch, ok := s.npu.Channel(name)
	if !ok {
		return status.Errorf(codes.NotFound, "channel %s does not exist", name)
	}
	ds, err := ch.Dequeue(dequeueTimeout)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if ds.Empty() {
		return status.Errorf(codes.NotFound, "channel %s is empty", name)
	}

	rec, err := channel.ToRecord(s.alloc, ds)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// StartFlightServer registers svc on a new Flight server listening on addr.
// The caller runs Serve.
func StartFlightServer(addr string, svc flight.FlightServer) (flight.Server, error) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(svc)
	if err := server.Init(addr); err != nil {
		return nil, err
	}
	return server, nil
}
