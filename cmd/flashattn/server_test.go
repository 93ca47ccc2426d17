package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-flash/internal/attention"
	"github.com/23skdu/longbow-flash/internal/client"
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tensorio"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Forward(ctx context.Context, q, k, v *device.Tensor4D, scale float32, causal bool) (*device.Tensor4D, *attention.RowStats, error) {
	args := m.Called(ctx, q, k, v, scale, causal)
	out, _ := args.Get(0).(*device.Tensor4D)
	stats, _ := args.Get(1).(*attention.RowStats)
	return out, stats, args.Error(2)
}

func (m *mockEngine) Backward(ctx context.Context, q, k, v, out, dO *device.Tensor4D, stats *attention.RowStats, scale float32, causal bool) (*attention.Gradients, error) {
	args := m.Called(ctx, q, k, v, out, dO, stats, scale, causal)
	g, _ := args.Get(0).(*attention.Gradients)
	return g, args.Error(1)
}

func newTensor(rng *rand.Rand, b, h, n, d int) *device.Tensor4D {
	data := make([]float32, b*h*n*d)
	for i := range data {
		data[i] = float32(rng.NormFloat64() * 0.5)
	}
	return device.FromData(device.Float32, b, h, n, d, data)
}

func postCBOR(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_Forward(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	q, k, v := newTensor(rng, 1, 2, 8, 16), newTensor(rng, 1, 2, 8, 16), newTensor(rng, 1, 2, 8, 16)
	out := newTensor(rng, 1, 2, 8, 16)
	stats := attention.NewRowStats(2, 8)
	for i := range stats.M {
		stats.M[i] = float32(i)
	}

	engine := &mockEngine{}
	engine.On("Forward", mock.Anything, mock.AnythingOfType("*device.Tensor4D"), mock.Anything, mock.Anything, float32(0.25), true).
		Return(out, stats, nil).Once()
	srv := NewServer(engine, 4)

	rr := postCBOR(t, srv.handleForward, "/attention/forward", forwardRequest{
		Q: toWire(q), K: toWire(k), V: toWire(v), Scale: 0.25, Causal: true,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

	var resp forwardResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, out.Shape, resp.O.Shape)
	assert.Equal(t, out.ToHost(), resp.O.Data)
	assert.Equal(t, stats.M, resp.M)

	got := engine.Calls[0].Arguments.Get(1).(*device.Tensor4D)
	assert.Equal(t, q.ToHost(), got.ToHost())
	engine.AssertExpectations(t)
}

func TestServer_Backward(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	mk := func() *device.Tensor4D { return newTensor(rng, 1, 1, 8, 16) }
	q, k, v, o, dO := mk(), mk(), mk(), mk(), mk()
	grads := &attention.Gradients{DQ: mk(), DK: mk(), DV: mk()}
	m := make([]float32, 8)

	engine := &mockEngine{}
	engine.On("Backward", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.MatchedBy(func(s *attention.RowStats) bool { return s.BatchHeads == 1 && s.SeqLen == 8 && len(s.M) == 8 }),
		float32(0.5), false).Return(grads, nil).Once()
	srv := NewServer(engine, 4)

	rr := postCBOR(t, srv.handleBackward, "/attention/backward", backwardRequest{
		forwardRequest: forwardRequest{Q: toWire(q), K: toWire(k), V: toWire(v), Scale: 0.5},
		O:              toWire(o),
		DO:             toWire(dO),
		M:              m,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp backwardResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, grads.DQ.ToHost(), resp.DQ.Data)
	assert.Equal(t, grads.DK.ToHost(), resp.DK.Data)
	assert.Equal(t, grads.DV.ToHost(), resp.DV.Data)
	engine.AssertExpectations(t)
}

func TestServer_Errors(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	q := newTensor(rng, 1, 1, 4, 16)

	t.Run("engine rejection maps to 400", func(t *testing.T) {
		engine := &mockEngine{}
		engine.On("Forward", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, nil, fmt.Errorf("%w: head dimension 17", attention.ErrShapeMismatch))
		srv := NewServer(engine, 4)

		rr := postCBOR(t, srv.handleForward, "/attention/forward", forwardRequest{Q: toWire(q), K: toWire(q), V: toWire(q), Scale: 1})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "shape mismatch")
	})

	t.Run("transport failure maps to 500", func(t *testing.T) {
		engine := &mockEngine{}
		engine.On("Forward", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, nil, fmt.Errorf("%w: load: boom", attention.ErrTransport))
		srv := NewServer(engine, 4)

		rr := postCBOR(t, srv.handleForward, "/attention/forward", forwardRequest{Q: toWire(q), K: toWire(q), V: toWire(q), Scale: 1})
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("missing tensor", func(t *testing.T) {
		engine := &mockEngine{}
		srv := NewServer(engine, 4)

		rr := postCBOR(t, srv.handleForward, "/attention/forward", forwardRequest{Q: toWire(q), K: toWire(q), Scale: 1})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		engine.AssertNotCalled(t, "Forward")
	})

	t.Run("data length mismatch", func(t *testing.T) {
		srv := NewServer(&mockEngine{}, 4)
		bad := toWire(q)
		bad.Data = bad.Data[1:]

		rr := postCBOR(t, srv.handleForward, "/attention/forward", forwardRequest{Q: bad, K: toWire(q), V: toWire(q), Scale: 1})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("bad CBOR", func(t *testing.T) {
		srv := NewServer(&mockEngine{}, 4)
		req := httptest.NewRequest(http.MethodPost, "/attention/forward", bytes.NewReader([]byte{0xff, 0x00}))
		rr := httptest.NewRecorder()
		srv.handleForward(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		srv := NewServer(&mockEngine{}, 4)
		req := httptest.NewRequest(http.MethodGet, "/attention/backward", nil)
		rr := httptest.NewRecorder()
		srv.handleBackward(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", attention.ErrShapeMismatch), http.StatusBadRequest},
		{fmt.Errorf("x: %w", attention.ErrLayoutMismatch), http.StatusBadRequest},
		{fmt.Errorf("x: %w", attention.ErrDtypeMismatch), http.StatusBadRequest},
		{tensorio.ErrSchema, http.StatusBadRequest},
		{fmt.Errorf("admission: %w", context.Canceled), http.StatusServiceUnavailable},
		{attention.ErrTransport, http.StatusInternalServerError},
		{attention.ErrInvalidConfig, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestServer_AdmissionHonorsContext(t *testing.T) {
	engine := &mockEngine{}
	srv := NewServer(engine, 2)
	require.NoError(t, srv.sem.Acquire(context.Background(), 2))
	defer srv.sem.Release(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := newTensor(rand.New(rand.NewPCG(4, 4)), 1, 8, 4, 16)
	_, err := srv.execute(ctx, tensorio.Request{Op: tensorio.OpForward, Q: q, K: q, V: q, Scale: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(err))
	engine.AssertNotCalled(t, "Forward")
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(&mockEngine{}, 1)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
	assert.True(t, strings.HasPrefix(rr.Header().Get("X-Request-Id"), "attn-"))

	req.Header.Set("X-Request-Id", "caller-7")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "caller-7", rr.Header().Get("X-Request-Id"))
}

func newOrch(t *testing.T) *attention.Orchestrator {
	t.Helper()
	orch, err := attention.New(attention.DefaultOptions())
	require.NoError(t, err)
	return orch
}

func TestServer_Arrow(t *testing.T) {
	orch := newOrch(t)
	srv := NewServer(orch, 8)
	rng := rand.New(rand.NewPCG(5, 5))
	q, k, v := newTensor(rng, 1, 2, 24, 32), newTensor(rng, 1, 2, 24, 32), newTensor(rng, 1, 2, 24, 32)

	b, err := tensorio.Request{Op: tensorio.OpForward, Q: q, K: k, V: v, Scale: 0.2, Causal: true}.Bundle()
	require.NoError(t, err)
	var body bytes.Buffer
	require.NoError(t, tensorio.Write(&body, memory.NewGoAllocator(), b))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/attention/arrow", &body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	res, err := tensorio.Read(rr.Body, memory.NewGoAllocator())
	require.NoError(t, err)
	out, stats, err := tensorio.ParseForward(res)
	require.NoError(t, err)

	wantO, wantStats, err := orch.Forward(context.Background(), q, k, v, 0.2, true)
	require.NoError(t, err)
	assert.Equal(t, wantO.ToHost(), out.ToHost())
	assert.Equal(t, wantStats.M, stats.M)

	t.Run("schema error", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/attention/arrow", bytes.NewReader([]byte("not arrow"))))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestFlashFlightServer_RoundTrip(t *testing.T) {
	orch := newOrch(t)
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewFlashFlightServer(orch, 8))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)

	fc, err := client.NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.Close() })

	rng := rand.New(rand.NewPCG(6, 6))
	q, k, v, dO := newTensor(rng, 1, 2, 33, 16), newTensor(rng, 1, 2, 33, 16), newTensor(rng, 1, 2, 33, 16), newTensor(rng, 1, 2, 33, 16)
	ctx := context.Background()

	out, stats, err := fc.Forward(ctx, q, k, v, 0.25, true)
	require.NoError(t, err)
	wantO, wantStats, err := orch.Forward(ctx, q, k, v, 0.25, true)
	require.NoError(t, err)
	assert.Equal(t, wantO.ToHost(), out.ToHost())

	grads, err := fc.Backward(ctx, q, k, v, out, dO, stats, 0.25, true)
	require.NoError(t, err)
	want, err := orch.Backward(ctx, q, k, v, wantO, dO, wantStats, 0.25, true)
	require.NoError(t, err)
	assert.Equal(t, want.DQ.ToHost(), grads.DQ.ToHost())
	assert.Equal(t, want.DK.ToHost(), grads.DK.ToHost())
	assert.Equal(t, want.DV.ToHost(), grads.DV.ToHost())

	t.Run("rejects unsupported head dim", func(t *testing.T) {
		bad := newTensor(rng, 1, 1, 4, 17)
		_, _, err := fc.Forward(ctx, bad, bad, bad, 0.25, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "InvalidArgument")
	})
}

func TestRunConfig(t *testing.T) {
	orch := newOrch(t)
	rng := rand.New(rand.NewPCG(7, 7))
	cfg := runConfig{
		engine:   orch,
		backward: true,
		iters:    1,
		q:        newTensor(rng, 1, 1, 20, 16),
		k:        newTensor(rng, 1, 1, 20, 16),
		v:        newTensor(rng, 1, 1, 20, 16),
		dO:       newTensor(rng, 1, 1, 20, 16),
		scale:    0.25,
		causal:   true,
	}
	ctx := context.Background()

	require.NoError(t, cfg.verify(ctx))
	require.NoError(t, cfg.bench(ctx))

	dir := t.TempDir()
	out, ckpt := filepath.Join(dir, "out.arrow"), filepath.Join(dir, "stats.cbor")
	prevOut, prevCkpt := *outputPath, *ckptPath
	*outputPath, *ckptPath = out, ckpt
	t.Cleanup(func() { *outputPath, *ckptPath = prevOut, prevCkpt })
	require.NoError(t, cfg.run(ctx))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	res, err := tensorio.Read(f, memory.NewGoAllocator())
	require.NoError(t, err)
	for _, name := range []string{"o", "dq", "dk", "dv"} {
		assert.Contains(t, res.Tensors, name)
	}
	assert.Len(t, res.Vectors["delta"], 20)

	cf, err := os.Open(ckpt)
	require.NoError(t, err)
	defer cf.Close()
	c, err := tensorio.ReadCheckpoint(cf)
	require.NoError(t, err)
	assert.True(t, c.Causal)
	assert.Equal(t, float32(0.25), c.Scale)
	assert.Len(t, c.Stats.M, 20)
}

func TestPrepareRandom(t *testing.T) {
	cfg := runConfig{backward: true}
	require.NoError(t, cfg.prepare())
	assert.Equal(t, [4]int{*batch, *heads, *seqLen, *headDim}, cfg.q.Shape)
	assert.Equal(t, device.Float16, cfg.q.DType)
	assert.InDelta(t, 0.125, cfg.scale, 1e-6)

	again := runConfig{backward: true}
	require.NoError(t, again.prepare())
	assert.Equal(t, cfg.q.Data, again.q.Data)
}
