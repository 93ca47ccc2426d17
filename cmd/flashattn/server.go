package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/23skdu/longbow-flash/internal/attention"
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tensorio"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

var (
	planesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashattn_planes_processed_total",
		Help: "The total number of (batch, head) planes served",
	}, []string{"op"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flashattn_request_duration_seconds",
		Help:    "Time spent serving attention requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashattn_request_errors_total",
		Help: "Attention requests that failed, by HTTP status",
	}, []string{"op", "status"})
)

var tracer = otel.Tracer("flashattn-server")

// wireTensor is the CBOR form of a Tensor4D in logical BHSD order.
type wireTensor struct {
	Shape [4]int    `cbor:"1,keyasint"`
	DType string    `cbor:"2,keyasint"`
	Data  []float32 `cbor:"3,keyasint"`
}

func toWire(t *device.Tensor4D) *wireTensor {
	return &wireTensor{Shape: t.Shape, DType: t.DType.String(), Data: t.ToHost()}
}

func (w *wireTensor) tensor(name string) (*device.Tensor4D, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: missing tensor %q", tensorio.ErrSchema, name)
	}
	dtype, err := device.ParseDType(w.DType)
	if err != nil {
		return nil, fmt.Errorf("%w: tensor %q: %v", tensorio.ErrSchema, name, err)
	}
	for _, s := range w.Shape {
		if s < 0 {
			return nil, fmt.Errorf("%w: tensor %q has negative shape %v", tensorio.ErrSchema, name, w.Shape)
		}
	}
	if len(w.Data) != w.Shape[0]*w.Shape[1]*w.Shape[2]*w.Shape[3] {
		return nil, fmt.Errorf("%w: tensor %q holds %d values for shape %v", tensorio.ErrSchema, name, len(w.Data), w.Shape)
	}
	return device.FromData(dtype, w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3], w.Data), nil
}

type forwardRequest struct {
	Q      *wireTensor `cbor:"1,keyasint"`
	K      *wireTensor `cbor:"2,keyasint"`
	V      *wireTensor `cbor:"3,keyasint"`
	Scale  float32     `cbor:"4,keyasint"`
	Causal bool        `cbor:"5,keyasint"`
}

type forwardResponse struct {
	O *wireTensor `cbor:"1,keyasint"`
	M []float32   `cbor:"2,keyasint"`
}

type backwardRequest struct {
	forwardRequest
	O  *wireTensor `cbor:"6,keyasint"`
	DO *wireTensor `cbor:"7,keyasint"`
	M  []float32   `cbor:"8,keyasint"`
}

type backwardResponse struct {
	DQ *wireTensor `cbor:"1,keyasint"`
	DK *wireTensor `cbor:"2,keyasint"`
	DV *wireTensor `cbor:"3,keyasint"`
}

func (r *forwardRequest) request(op string) (tensorio.Request, error) {
	req := tensorio.Request{Op: op, Scale: r.Scale, Causal: r.Causal}
	var err error
	if req.Q, err = r.Q.tensor("q"); err != nil {
		return req, err
	}
	if req.K, err = r.K.tensor("k"); err != nil {
		return req, err
	}
	if req.V, err = r.V.tensor("v"); err != nil {
		return req, err
	}
	return req, nil
}

func (r *backwardRequest) request() (tensorio.Request, error) {
	req, err := r.forwardRequest.request(tensorio.OpBackward)
	if err != nil {
		return req, err
	}
	if req.O, err = r.O.tensor("o"); err != nil {
		return req, err
	}
	if req.DO, err = r.DO.tensor("do"); err != nil {
		return req, err
	}
	req.Stats = &attention.RowStats{BatchHeads: req.Q.BatchHeads(), SeqLen: req.Q.SeqLen(), M: r.M}
	return req, nil
}

type Server struct {
	engine    Engine
	alloc     memory.Allocator
	sem       *semaphore.Weighted
	maxPlanes int64
}

func NewServer(engine Engine, maxPlanes int) *Server {
	if maxPlanes < 1 {
		maxPlanes = 1
	}
	return &Server{
		engine:    engine,
		alloc:     memory.NewGoAllocator(),
		sem:       semaphore.NewWeighted(int64(maxPlanes)),
		maxPlanes: int64(maxPlanes),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/attention/forward", s.handleForward)
	mux.HandleFunc("/attention/backward", s.handleBackward)
	mux.HandleFunc("/attention/arrow", s.handleArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return withRequestID(mux)
}

// withRequestID tags every request with an ID, echoed in X-Request-Id and
// attached to the request's logger.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = "attn-" + uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		logger := log.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func startServer(addr string, engine Engine, maxPlanes int) {
	srv := NewServer(engine, maxPlanes)

	log.Info().Str("addr", addr).Int("max_planes", maxPlanes).Msg("Starting flashattn HTTP server")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// execute runs one request under admission control. Requests are weighted by
// their plane count, capped at the server limit so that a single large
// request can still run alone.
func (s *Server) execute(ctx context.Context, req tensorio.Request) (*tensorio.Bundle, error) {
	weight := min(int64(req.Q.BatchHeads()), s.maxPlanes)
	weight = max(weight, 1)
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	defer s.sem.Release(weight)

	switch req.Op {
	case tensorio.OpForward:
		out, stats, err := s.engine.Forward(ctx, req.Q, req.K, req.V, req.Scale, req.Causal)
		if err != nil {
			return nil, err
		}
		planesProcessed.WithLabelValues(req.Op).Add(float64(req.Q.BatchHeads()))
		return tensorio.ForwardBundle(out, stats), nil
	case tensorio.OpBackward:
		grads, err := s.engine.Backward(ctx, req.Q, req.K, req.V, req.O, req.DO, req.Stats, req.Scale, req.Causal)
		if err != nil {
			return nil, err
		}
		planesProcessed.WithLabelValues(req.Op).Add(float64(req.Q.BatchHeads()))
		return tensorio.BackwardBundle(grads), nil
	}
	return nil, fmt.Errorf("%w: unknown op %q", tensorio.ErrSchema, req.Op)
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, attention.ErrShapeMismatch),
		errors.Is(err, attention.ErrLayoutMismatch),
		errors.Is(err, attention.ErrDtypeMismatch),
		errors.Is(err, tensorio.ErrSchema),
		errors.Is(err, tensorio.ErrEmpty):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	requestErrors.WithLabelValues(op, fmt.Sprint(status)).Inc()
	logger := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("op", op).Msg("Attention request failed")
	} else {
		logger.Debug().Err(err).Str("op", op).Msg("Rejected attention request")
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForward")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(tensorio.OpForward).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body forwardRequest
	if err := cbor.NewDecoder(r.Body).Decode(&body); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	req, err := body.request(tensorio.OpForward)
	if err != nil {
		s.fail(w, r, tensorio.OpForward, err)
		return
	}
	span.SetAttributes(
		attribute.IntSlice("shape", req.Q.Shape[:]),
		attribute.Bool("causal", req.Causal),
	)

	out, err := s.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(w, r, tensorio.OpForward, err)
		return
	}
	s.writeCBOR(w, forwardResponse{O: toWire(out.Tensors["o"]), M: out.Vectors["m"]})
}

func (s *Server) handleBackward(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleBackward")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(tensorio.OpBackward).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body backwardRequest
	if err := cbor.NewDecoder(r.Body).Decode(&body); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	req, err := body.request()
	if err != nil {
		s.fail(w, r, tensorio.OpBackward, err)
		return
	}
	span.SetAttributes(
		attribute.IntSlice("shape", req.Q.Shape[:]),
		attribute.Bool("causal", req.Causal),
	)

	out, err := s.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(w, r, tensorio.OpBackward, err)
		return
	}
	s.writeCBOR(w, backwardResponse{
		DQ: toWire(out.Tensors["dq"]),
		DK: toWire(out.Tensors["dk"]),
		DV: toWire(out.Tensors["dv"]),
	})
}

// handleArrow accepts a request bundle as an Arrow IPC stream and answers
// with the result bundle in the same encoding.
func (s *Server) handleArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleArrow")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	in, err := tensorio.Read(r.Body, s.alloc)
	if err != nil {
		span.RecordError(err)
		s.fail(w, r, "arrow", err)
		return
	}
	req, err := tensorio.ParseRequest(in)
	if err != nil {
		s.fail(w, r, "arrow", err)
		return
	}
	span.SetAttributes(attribute.String("op", req.Op))

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
	}()

	out, err := s.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(w, r, req.Op, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if err := tensorio.Write(w, s.alloc, out); err != nil {
		log.Error().Err(err).Msg("Failed to write Arrow response")
	}
}

func (s *Server) writeCBOR(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write CBOR response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
