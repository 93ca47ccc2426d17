package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/23skdu/longbow-flash/internal/attention"
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tensorio"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// FlightClient runs attention on a remote flashattn server through Arrow
// Flight DoExchange: one request record in, one result record out.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	alloc   memory.Allocator
	breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	breaker := NewCircuitBreaker(5, 10*time.Second)
	breaker.IsFailure = serverFault
	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		alloc:   memory.NewGoAllocator(),
		breaker: breaker,
	}, nil
}

// serverFault reports whether err says the server is unhealthy. Requests the
// server rejected as malformed, and calls the caller canceled, do not count.
func serverFault(err error) bool {
	var se interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &se) {
		return !errors.Is(err, context.Canceled)
	}
	switch se.GRPCStatus().Code() {
	case codes.Unavailable, codes.Internal, codes.Unknown, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}
	return false
}

// Forward runs the forward pass remotely.
func (c *FlightClient) Forward(ctx context.Context, q, k, v *device.Tensor4D, scale float32, causal bool) (*device.Tensor4D, *attention.RowStats, error) {
	res, err := c.exchange(ctx, tensorio.Request{Op: tensorio.OpForward, Q: q, K: k, V: v, Scale: scale, Causal: causal})
	if err != nil {
		return nil, nil, err
	}
	return tensorio.ParseForward(res)
}

// Backward runs the backward pass remotely.
func (c *FlightClient) Backward(ctx context.Context, q, k, v, out, dO *device.Tensor4D, stats *attention.RowStats, scale float32, causal bool) (*attention.Gradients, error) {
	res, err := c.exchange(ctx, tensorio.Request{
		Op: tensorio.OpBackward,
		Q:  q, K: k, V: v, O: out, DO: dO,
		Stats: stats, Scale: scale, Causal: causal,
	})
	if err != nil {
		return nil, err
	}
	return tensorio.ParseBackward(res)
}

func (c *FlightClient) exchange(ctx context.Context, req tensorio.Request) (*tensorio.Bundle, error) {
	bundle, err := req.Bundle()
	if err != nil {
		return nil, err
	}

	var res *tensorio.Bundle
	err = c.breaker.Do(func() error {
		var err error
		res, err = c.roundTrip(ctx, req.Op, bundle)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("op", req.Op).Str("breaker", c.breaker.State().String()).Msg("Remote attention call failed")
		return nil, err
	}
	return res, nil
}

func (c *FlightClient) roundTrip(ctx context.Context, op string, bundle *tensorio.Bundle) (*tensorio.Bundle, error) {
	rec, err := tensorio.Encode(c.alloc, bundle)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open exchange: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.alloc))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(op),
	})
	if err := writer.Write(rec); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", sendError(stream, err))
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish request: %w", sendError(stream, err))
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, err
		}
		return nil, tensorio.ErrEmpty
	}
	return tensorio.Decode(reader.Record())
}

// sendError swaps the io.EOF a send reports after the server ended the
// stream for the status the server ended it with.
func sendError(stream flight.FlightService_DoExchangeClient, err error) error {
	if !errors.Is(err, io.EOF) {
		return err
	}
	if _, rerr := stream.Recv(); rerr != nil && rerr != io.EOF {
		return rerr
	}
	return err
}

// Breaker exposes the client's circuit breaker.
func (c *FlightClient) Breaker() *CircuitBreaker { return c.breaker }

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
