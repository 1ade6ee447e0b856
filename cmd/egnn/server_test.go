package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-egnn/internal/codec"
	"github.com/23skdu/longbow-egnn/internal/predict"
	"github.com/23skdu/longbow-egnn/internal/predict/model"
	"github.com/23skdu/longbow-egnn/internal/structure"
)

type mockFlightClient struct {
	mock.Mock
}

func (m *mockFlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockFlightClient) Close() error {
	return nil
}

func newTestPredictor(t *testing.T) *predict.Predictor {
	t.Helper()
	mc := model.DefaultConfig()
	mc.NodeDim = 8
	mc.EdgeDim = 6
	mc.HiddenDim = 16
	mc.NConvLayer = 2
	p, err := predict.NewPredictor(predict.Config{Model: mc, Workers: 2})
	require.NoError(t, err)
	return p
}

func newTestServer(t *testing.T, fwd *mockFlightClient) *Server {
	t.Helper()
	cfg := ServerConfig{Dataset: "test-dataset", Cutoff: model.DefaultCutoff, MaxRequestBytes: 1 << 20}
	if fwd == nil {
		return NewServer(newTestPredictor(t), nil, cfg)
	}
	return NewServer(newTestPredictor(t), fwd, cfg)
}

func cborBody(t *testing.T, dtos []codec.StructureDTO) *bytes.Reader {
	t.Helper()
	data, err := cbor.Marshal(dtos)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func waterDTO(id string) codec.StructureDTO {
	return codec.StructureDTO{
		ID:        id,
		Species:   []string{"O", "H", "H"},
		Positions: []structure.Vec3{{0, 0, 0.12}, {0, 0.76, -0.47}, {0, -0.76, -0.47}},
	}
}

func TestServer_Predict(t *testing.T) {
	mfc := &mockFlightClient{}
	srv := newTestServer(t, mfc)

	t.Run("HandlePredict with Forwarding", func(t *testing.T) {
		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil)

		req := httptest.NewRequest(http.MethodPost, "/predict", cborBody(t, []codec.StructureDTO{waterDTO("w1"), waterDTO("w2")}))
		rr := httptest.NewRecorder()
		srv.routes().ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))
		assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

		var resp codec.PredictResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []string{"w1", "w2"}, resp.IDs)
		require.Len(t, resp.Values, 2)
		assert.Len(t, resp.Values[0], 1)
		assert.Equal(t, resp.Values[0], resp.Values[1], "identical structures predict identically")
		assert.Empty(t, resp.Errors)
		mfc.AssertExpectations(t)
	})

	t.Run("Partial failure", func(t *testing.T) {
		bad := waterDTO("bad")
		bad.Species = nil
		bad.AtomicNumbers = []int{8, 1, 500}

		req := httptest.NewRequest(http.MethodPost, "/predict", cborBody(t, []codec.StructureDTO{waterDTO("ok"), bad}))
		rr := httptest.NewRecorder()
		srv.routes().ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp codec.PredictResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Errors, 2)
		assert.Empty(t, resp.Errors[0])
		assert.Contains(t, resp.Errors[1], "atomic_numbers")
		assert.Nil(t, resp.Values[1])
	})
}

func TestServer_PredictErrors(t *testing.T) {
	srv := newTestServer(t, nil)
	handler := srv.routes()

	t.Run("Method not allowed", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/predict", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Malformed CBOR", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader([]byte{0xff, 0x00})))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Unknown species", func(t *testing.T) {
		dto := waterDTO("x")
		dto.Species = []string{"O", "H", "Qq"}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", cborBody(t, []codec.StructureDTO{dto})))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Every structure invalid", func(t *testing.T) {
		dto := waterDTO("x")
		dto.Species = nil
		dto.AtomicNumbers = []int{8, 1, -1}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", cborBody(t, []codec.StructureDTO{dto})))
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		var resp codec.PredictResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Len(t, resp.Errors, 1)
	})

	t.Run("Empty list", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", cborBody(t, []codec.StructureDTO{})))
		require.Equal(t, http.StatusOK, rr.Code)
		var resp codec.PredictResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Empty(t, resp.IDs)
	})
}

func TestServer_PredictArrow(t *testing.T) {
	srv := newTestServer(t, nil)
	pool := memory.NewGoAllocator()

	structs, err := predict.GenerateStructures(5, 2, model.DefaultCutoff)
	require.NoError(t, err)
	rec, err := codec.NewRecordBatchBuilder(pool, codec.FormatFP32).BuildStructures(structs)
	require.NoError(t, err)
	defer rec.Release()

	var body bytes.Buffer
	require.NoError(t, codec.WriteIPC(&body, codec.StructureSchema, pool, rec))

	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict/arrow", &body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()), ipc.WithAllocator(pool))
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	ids, values, errs, err := codec.DecodePredictions(reader.Record())
	require.NoError(t, err)
	require.Len(t, ids, 5)
	for i, s := range structs {
		assert.Equal(t, s.ID, ids[i])
		assert.Len(t, values[i], 1)
		assert.Empty(t, errs[i])
	}

	rr = httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict/arrow", bytes.NewReader([]byte("junk"))))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func arrowBody(t *testing.T, structs []*structure.Structure) *bytes.Buffer {
	t.Helper()
	pool := memory.NewGoAllocator()
	rec, err := codec.NewRecordBatchBuilder(pool, codec.FormatFP32).BuildStructures(structs)
	require.NoError(t, err)
	defer rec.Release()

	var body bytes.Buffer
	require.NoError(t, codec.WriteIPC(&body, codec.StructureSchema, pool, rec))
	return &body
}

func TestServer_PredictArrowStatus(t *testing.T) {
	structs, err := predict.GenerateStructures(5, 4, model.DefaultCutoff)
	require.NoError(t, err)

	t.Run("Request too large", func(t *testing.T) {
		srv := NewServer(newTestPredictor(t), nil, ServerConfig{MaxRequestBytes: 64})
		rr := httptest.NewRecorder()
		srv.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict/arrow", arrowBody(t, structs)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("Every structure invalid", func(t *testing.T) {
		for _, s := range structs {
			for i := range s.AtomicNumbers {
				s.AtomicNumbers[i] = 500
			}
		}
		srv := newTestServer(t, nil)
		rr := httptest.NewRecorder()
		srv.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict/arrow", arrowBody(t, structs)))
		require.Equal(t, http.StatusBadRequest, rr.Code)

		reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
		require.NoError(t, err)
		defer reader.Release()
		require.True(t, reader.Next())
		_, values, errs, err := codec.DecodePredictions(reader.Record())
		require.NoError(t, err)
		require.Len(t, errs, 5)
		for i := range errs {
			assert.Nil(t, values[i])
			assert.Contains(t, errs[i], "atomic_numbers")
		}
	})
}

func TestServer_PredictTooLarge(t *testing.T) {
	srv := NewServer(newTestPredictor(t), nil, ServerConfig{MaxRequestBytes: 16})
	rr := httptest.NewRecorder()
	body := cborBody(t, []codec.StructureDTO{waterDTO("w1"), waterDTO("w2")})
	srv.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	srv.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "egnn_structures_received_total")
}

func TestAdmitClampsOversizedRequests(t *testing.T) {
	srv := NewServer(newTestPredictor(t), nil, ServerConfig{MaxInflightAtoms: 4})

	release, err := srv.admit(context.Background(), 100)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = srv.admit(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled, "budget is held by the oversized request")

	release()
	release, err = srv.admit(context.Background(), 4)
	require.NoError(t, err)
	release()
}
