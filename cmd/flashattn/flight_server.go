package main

import (
	"net/http"

	"github.com/23skdu/longbow-flash/internal/tensorio"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FlashFlightServer answers attention requests over Flight DoExchange: one
// request bundle in, one result bundle out.
type FlashFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewFlashFlightServer(engine Engine, maxPlanes int) *FlashFlightServer {
	return &FlashFlightServer{srv: NewServer(engine, maxPlanes)}
}

func (s *FlashFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read request: %v", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return status.Errorf(codes.InvalidArgument, "failed to read request: %v", err)
		}
		return status.Error(codes.InvalidArgument, tensorio.ErrEmpty.Error())
	}
	in, err := tensorio.Decode(reader.Record())
	if err != nil {
		return grpcError(err)
	}
	req, err := tensorio.ParseRequest(in)
	if err != nil {
		return grpcError(err)
	}

	out, err := s.srv.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("op", req.Op).Msg("Flight exchange failed")
		return grpcError(err)
	}

	rec, err := tensorio.Encode(s.srv.alloc, out)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode result: %v", err)
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		return err
	}
	return w.Close()
}

// grpcError carries the HTTP classification over to gRPC status codes.
func grpcError(err error) error {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case http.StatusServiceUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func StartFlightServer(addr string, engine Engine, maxPlanes int) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewFlashFlightServer(engine, maxPlanes))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting flashattn Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
