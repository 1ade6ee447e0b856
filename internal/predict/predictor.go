// Package predict runs EGNN inference over many structures: it validates
// them, packs them into atom-bounded batches, runs the batches on a worker
// pool and streams the per-structure results back in input order ranges.
package predict

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-egnn/internal/cache"
	"github.com/23skdu/longbow-egnn/internal/device"
	"github.com/23skdu/longbow-egnn/internal/predict/model"
	"github.com/23skdu/longbow-egnn/internal/predict/weights"
	"github.com/23skdu/longbow-egnn/internal/structure"
)

// ErrNonFinite marks a batch whose output contained NaN or Inf.
var ErrNonFinite = errors.New("non-finite model output")

const (
	DefaultMaxBatchAtoms      = 4096
	DefaultMaxBatchStructures = 64
)

// Config configures a Predictor.
type Config struct {
	Model       model.Config
	Backend     string
	WeightsPath string
	// Workers is the number of batches run concurrently; 0 means NumCPU.
	Workers            int
	MaxBatchAtoms      int
	MaxBatchStructures int
	// CacheSize bounds the result cache; 0 disables caching.
	CacheSize int
}

// StreamResult carries the predictions for structures
// [Offset, Offset+Count) of the input, or the error that prevented them.
type StreamResult struct {
	Offset int
	Count  int
	Values [][]float32
	Err    error
}

// Predictor owns one model whose parameters are shared read-only by all
// workers.
type Predictor struct {
	model              *model.EGNN
	modelID            string
	workers            int
	maxBatchAtoms      int
	maxBatchStructures int
	cache              cache.PredictionCache
}

// NewPredictor builds the backend and model, and loads weights when a path
// is configured.
func NewPredictor(cfg Config) (*Predictor, error) {
	backend, err := device.NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	m, err := model.NewEGNN(cfg.Model, backend)
	if err != nil {
		return nil, err
	}
	if cfg.WeightsPath != "" {
		if err := weights.NewLoader(m).LoadFromRawBinary(cfg.WeightsPath); err != nil {
			return nil, fmt.Errorf("failed to load weights: %w", err)
		}
	}

	p := &Predictor{
		model:              m,
		workers:            cfg.Workers,
		maxBatchAtoms:      cfg.MaxBatchAtoms,
		maxBatchStructures: cfg.MaxBatchStructures,
	}
	if p.workers <= 0 {
		p.workers = runtime.NumCPU()
	}
	if p.maxBatchAtoms <= 0 {
		p.maxBatchAtoms = DefaultMaxBatchAtoms
	}
	if p.maxBatchStructures <= 0 {
		p.maxBatchStructures = DefaultMaxBatchStructures
	}
	if cfg.CacheSize > 0 {
		p.cache = cache.NewLRUCache(cfg.CacheSize)
	}

	p.modelID, err = modelID(m.Config, cfg.WeightsPath)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("backend", backend.Name()).
		Str("model_id", p.modelID).
		Int("params", m.ParamCount()).
		Int("workers", p.workers).
		Int("max_batch_atoms", p.maxBatchAtoms).
		Msg("Predictor ready")
	return p, nil
}

// modelID identifies the configuration and weights for cache keys.
func modelID(cfg model.Config, weightsPath string) (string, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	d := xxhash.New()
	_, _ = d.Write(raw)
	_, _ = d.WriteString(weightsPath)
	return fmt.Sprintf("%016x", d.Sum64()), nil
}

// Model returns the underlying model.
func (p *Predictor) Model() *model.EGNN { return p.model }

// ModelID returns a stable identifier of the model configuration.
func (p *Predictor) ModelID() string { return p.modelID }

// OutDim returns the width of each prediction.
func (p *Predictor) OutDim() int { return p.model.Config.OutDim }

type job struct {
	offset  int
	structs []*structure.Structure
	err     error
}

// PredictStream validates and batches structs and streams results as
// batches finish. The channel is closed once every structure has been
// reported. When ctx is cancelled, undispatched structures are reported in
// a single result carrying ctx.Err().
func (p *Predictor) PredictStream(ctx context.Context, structs []*structure.Structure) <-chan StreamResult {
	jobs := p.plan(structs)
	out := make(chan StreamResult, len(jobs)+1)

	go func() {
		defer close(out)

		var g errgroup.Group
		g.SetLimit(p.workers)
		for _, j := range jobs {
			if err := ctx.Err(); err != nil {
				out <- StreamResult{Offset: j.offset, Count: len(structs) - j.offset, Err: err}
				break
			}
			if j.err != nil {
				out <- StreamResult{Offset: j.offset, Count: 1, Err: j.err}
				continue
			}
			g.Go(func() error {
				out <- p.runBatch(ctx, j)
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out
}

// Predict collects PredictStream into one row per structure. It returns the
// first error in input order.
func (p *Predictor) Predict(ctx context.Context, structs []*structure.Structure) ([][]float32, error) {
	results := make([][]float32, len(structs))
	var firstErr error
	firstErrOffset := len(structs)

	for res := range p.PredictStream(ctx, structs) {
		if res.Err != nil {
			if res.Offset < firstErrOffset {
				firstErr, firstErrOffset = res.Err, res.Offset
			}
			continue
		}
		copy(results[res.Offset:res.Offset+res.Count], res.Values)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// plan validates every structure and groups valid neighbours into batches
// bounded by atom count and structure count. A structure larger than the
// atom budget gets a batch of its own. Invalid structures become single
// error jobs so one bad input does not fail its neighbours.
func (p *Predictor) plan(structs []*structure.Structure) []job {
	errs := make([]error, len(structs))
	for i, s := range structs {
		errs[i] = p.validate(s)
	}

	var jobs []job
	i := 0
	for i < len(structs) {
		if errs[i] != nil {
			jobs = append(jobs, job{offset: i, err: fmt.Errorf("structure %d: %w", i, errs[i])})
			i++
			continue
		}

		atoms := 0
		end := i
		for end < len(structs) && errs[end] == nil {
			n := structs[end].NumAtoms()
			if end-i >= p.maxBatchStructures {
				break
			}
			if atoms+n > p.maxBatchAtoms && end > i {
				break
			}
			atoms += n
			end++
		}
		jobs = append(jobs, job{offset: i, structs: structs[i:end]})
		i = end
	}
	return jobs
}

func (p *Predictor) validate(s *structure.Structure) error {
	if err := structure.Collate(s).Validate(); err != nil {
		return err
	}
	if err := p.model.Embedding.Check(s.AtomicNumbers); err != nil {
		return err
	}
	if dim := p.model.Config.EdgeAttrDim; dim > 0 {
		for k, row := range s.EdgeAttr {
			if len(row) != dim {
				return structure.NewInputError("edge_attr", k, len(row), "row width differs from configured %d", dim)
			}
		}
	}
	return nil
}

var tracer = otel.Tracer("egnn-predictor")

// runBatch answers what it can from the cache and runs the rest through
// the model as one collated batch.
func (p *Predictor) runBatch(ctx context.Context, j job) StreamResult {
	_, span := tracer.Start(ctx, "runBatch")
	defer span.End()

	res := StreamResult{Offset: j.offset, Count: len(j.structs)}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	res.Values = make([][]float32, len(j.structs))

	var keys []uint64
	var missing []int
	if p.cache != nil {
		keys = make([]uint64, len(j.structs))
		for i, s := range j.structs {
			keys[i] = cache.Fingerprint(p.modelID, s)
			if v, ok := p.cache.Get(keys[i]); ok {
				res.Values[i] = v
				cacheHits.Inc()
				continue
			}
			cacheMisses.Inc()
			missing = append(missing, i)
		}
	} else {
		missing = make([]int, len(j.structs))
		for i := range missing {
			missing[i] = i
		}
	}
	if len(missing) == 0 {
		return res
	}

	todo := make([]*structure.Structure, len(missing))
	atoms := 0
	for k, i := range missing {
		todo[k] = j.structs[i]
		atoms += j.structs[i].NumAtoms()
	}
	span.SetAttributes(
		attribute.Int("structures", len(todo)),
		attribute.Int("atoms", atoms),
	)

	start := time.Now()
	batch := structure.Collate(todo...)
	if p.model.Config.EdgeAttrDim == 0 {
		// Unused by the model; dropped so differing widths cannot fail the batch.
		batch.EdgeAttr = nil
	}
	out, err := p.model.Forward(batch)
	if err != nil {
		span.RecordError(err)
		res.Values, res.Err = nil, fmt.Errorf("batch at %d: %w", j.offset, err)
		return res
	}
	defer p.model.Backend.PutTensor(out)

	if out.HasNaN() {
		nanBatches.Inc()
		res.Values, res.Err = nil, fmt.Errorf("batch at %d: %w", j.offset, ErrNonFinite)
		log.Warn().Int("offset", j.offset).Int("structures", len(todo)).Msg("Non-finite output, batch discarded")
		return res
	}

	rows := make([][]float32, len(todo))
	out.ExtractTo(rows, 0)
	for k, i := range missing {
		res.Values[i] = rows[k]
		if p.cache != nil {
			p.cache.Put(keys[i], rows[k])
		}
	}

	elapsed := time.Since(start)
	batchDuration.Observe(elapsed.Seconds())
	batchCount.Inc()
	structuresProcessed.Add(float64(len(todo)))
	atomsProcessed.Add(float64(atoms))
	log.Debug().
		Int("offset", j.offset).
		Int("structures", len(todo)).
		Int("atoms", atoms).
		Dur("elapsed", elapsed).
		Msg("Batch complete")
	return res
}
