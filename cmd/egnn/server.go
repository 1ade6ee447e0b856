package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-egnn/internal/client"
	"github.com/23skdu/longbow-egnn/internal/codec"
	"github.com/23skdu/longbow-egnn/internal/predict"
	"github.com/23skdu/longbow-egnn/internal/structure"
)

var (
	structuresReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_structures_received_total",
		Help: "The total number of structures received for prediction",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "egnn_request_duration_seconds",
		Help:    "Time spent processing predict requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	forwardErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_forward_errors_total",
		Help: "Prediction chunks that could not be forwarded to the store",
	})
)

// PredictorInterface is the part of predict.Predictor the servers use.
type PredictorInterface interface {
	PredictStream(ctx context.Context, structs []*structure.Structure) <-chan predict.StreamResult
	OutDim() int
	ModelID() string
}

// ServerConfig holds the transport knobs shared by the HTTP and Flight
// servers.
type ServerConfig struct {
	Dataset string
	// MaxInflightAtoms bounds the atoms being predicted at once.
	MaxInflightAtoms int64
	MaxRequestBytes  int64
	// Cutoff is used to build edges for structures sent without them.
	Cutoff float64
	Format codec.Format
}

type Server struct {
	predictor PredictorInterface
	forwarder client.Putter
	cfg       ServerConfig
	alloc     memory.Allocator
	sem       *semaphore.Weighted
}

func NewServer(p PredictorInterface, fwd client.Putter, cfg ServerConfig) *Server {
	if cfg.MaxInflightAtoms <= 0 {
		cfg.MaxInflightAtoms = 1 << 16
	}
	if cfg.Format == "" {
		cfg.Format = codec.FormatFP32
	}
	return &Server{
		predictor: p,
		forwarder: fwd,
		cfg:       cfg,
		alloc:     memory.NewGoAllocator(),
		sem:       semaphore.NewWeighted(cfg.MaxInflightAtoms),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/predict/arrow", s.handlePredictArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Str("model_id", srv.predictor.ModelID()).Msg("Starting EGNN Server")
	if srv.forwarder != nil {
		log.Info().Str("dataset", srv.cfg.Dataset).Msg("Forwarding predictions to Longbow")
	}

	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("egnn-server")

// batchResult holds per-structure outcomes in input order.
type batchResult struct {
	ids    []string
	values [][]float32
	errs   []error
}

func (r *batchResult) failed() int {
	n := 0
	for _, err := range r.errs {
		if err != nil {
			n++
		}
	}
	return n
}

func (r *batchResult) errorStrings() []string {
	if r.failed() == 0 {
		return nil
	}
	out := make([]string, len(r.errs))
	for i, err := range r.errs {
		if err != nil {
			out[i] = err.Error()
		}
	}
	return out
}

// admit acquires capacity for atoms. A request larger than the whole
// budget waits for the full budget and then runs alone.
func (s *Server) admit(ctx context.Context, atoms int) (func(), error) {
	weight := int64(atoms)
	if weight > s.cfg.MaxInflightAtoms {
		weight = s.cfg.MaxInflightAtoms
	}
	if weight <= 0 {
		return func() {}, nil
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(weight) }, nil
}

// predict runs structs, forwarding each finished chunk when a store is
// configured.
func (s *Server) predict(ctx context.Context, structs []*structure.Structure) (*batchResult, error) {
	atoms := 0
	for _, st := range structs {
		atoms += st.NumAtoms()
	}
	release, err := s.admit(ctx, atoms)
	if err != nil {
		return nil, err
	}
	defer release()

	structuresReceived.Add(float64(len(structs)))
	res := &batchResult{
		ids:    make([]string, len(structs)),
		values: make([][]float32, len(structs)),
		errs:   make([]error, len(structs)),
	}
	for i, st := range structs {
		res.ids[i] = st.ID
	}

	span := trace.SpanFromContext(ctx)
	for chunk := range s.predictor.PredictStream(ctx, structs) {
		end := chunk.Offset + chunk.Count
		if chunk.Err != nil {
			span.RecordError(chunk.Err, trace.WithAttributes(
				attribute.Int("offset", chunk.Offset),
				attribute.Int("count", chunk.Count),
			))
			log.Error().Err(chunk.Err).Int("offset", chunk.Offset).Int("count", chunk.Count).Msg("Prediction error in stream")
			for i := chunk.Offset; i < end; i++ {
				res.errs[i] = chunk.Err
			}
			continue
		}
		copy(res.values[chunk.Offset:end], chunk.Values)
		if s.forwarder != nil {
			if err := s.forwardToLongbow(ctx, res.ids[chunk.Offset:end], chunk.Values); err != nil {
				forwardErrors.Inc()
				log.Error().Err(err).Msg("Error forwarding chunk to Longbow")
			}
		}
	}
	return res, nil
}

func (s *Server) forwardToLongbow(ctx context.Context, ids []string, values [][]float32) error {
	rec, err := codec.NewRecordBatchBuilder(s.alloc, s.cfg.Format).BuildPredictions(ids, values, nil, s.predictor.OutDim())
	if err != nil {
		return err
	}
	defer rec.Release()
	return s.forwarder.DoPut(ctx, s.cfg.Dataset, rec)
}

// status is 200 unless every structure failed, in which case the first
// failure decides.
func (r *batchResult) status() int {
	if n := r.failed(); n > 0 && n == len(r.errs) {
		return statusFor(r.errs[0])
	}
	return http.StatusOK
}

// writeDecodeError answers a request body that could not be read or parsed.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
}

// statusFor maps a request whose every structure failed to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, structure.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredict")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("predict").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reqID := uuid.NewString()
	w.Header().Set("X-Request-ID", reqID)
	span.SetAttributes(attribute.String("request_id", reqID))

	body := r.Body
	if s.cfg.MaxRequestBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		span.RecordError(err)
		writeDecodeError(w, err)
		return
	}
	structs, err := codec.DecodeStructuresCBOR(bytes.NewReader(data), s.cfg.Cutoff)
	if err != nil {
		span.RecordError(err)
		writeDecodeError(w, err)
		return
	}
	span.SetAttributes(attribute.Int("structure_count", len(structs)))

	res, err := s.predict(ctx, structs)
	if err != nil {
		log.Error().Err(err).Str("request_id", reqID).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	status := res.status()
	log.Debug().
		Str("request_id", reqID).
		Int("structures", len(structs)).
		Int("failed", res.failed()).
		Dur("elapsed", time.Since(start)).
		Msg("Predict request served")

	resp := codec.PredictResponse{IDs: res.ids, Values: res.values, Errors: res.errorStrings()}
	out, err := cbor.Marshal(resp)
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

func (s *Server) handlePredictArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredictArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("predict_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reqID := uuid.NewString()
	w.Header().Set("X-Request-ID", reqID)
	span.SetAttributes(attribute.String("request_id", reqID))

	body := r.Body
	if s.cfg.MaxRequestBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		span.RecordError(err)
		writeDecodeError(w, err)
		return
	}
	structs, err := codec.ReadStructuresIPC(bytes.NewReader(data), s.alloc)
	if err != nil {
		span.RecordError(err)
		writeDecodeError(w, err)
		return
	}

	res, err := s.predict(ctx, structs)
	if err != nil {
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	outDim := s.predictor.OutDim()
	rec, err := codec.NewRecordBatchBuilder(s.alloc, s.cfg.Format).BuildPredictions(res.ids, res.values, res.errs, outDim)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rec.Release()

	// Encode fully before writing so a failure can still change the status.
	var buf bytes.Buffer
	if err := codec.WriteIPC(&buf, rec.Schema(), s.alloc, rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(res.status())
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
