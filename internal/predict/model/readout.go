package model

import (
	"math/rand"
	"time"

	"github.com/23skdu/longbow-egnn/internal/device"
	"github.com/23skdu/longbow-egnn/internal/structure"
)

// Readout pools atom features per structure and projects them to the
// output width: out = W2·swish(W1·pool(x) + b1) + b2.
type Readout struct {
	Backend device.Backend
	Aggr    Aggregation
	Beta    float32
	Hidden  *Dense
	Out     *Dense
}

func NewReadout(cfg Config, backend device.Backend) *Readout {
	cfg = cfg.withDefaults()
	return &Readout{
		Backend: backend,
		Aggr:    cfg.Aggr,
		Beta:    *cfg.SwishBeta,
		Hidden:  newDense(backend, cfg.NodeDim, cfg.HiddenDim),
		Out:     newDense(backend, cfg.HiddenDim, cfg.OutDim),
	}
}

func (r *Readout) init(rng *rand.Rand) {
	initDense(r.Hidden, rng)
	initDense(r.Out, rng)
}

func (r *Readout) Params() []device.Tensor {
	return append(r.Hidden.params(), r.Out.params()...)
}

// Forward returns a numStructures×out_dim tensor. A structure that owns no
// atoms is an input error.
func (r *Readout) Forward(x device.Tensor, batchIndex []int, numStructures int) (device.Tensor, error) {
	start := time.Now()
	_, cols := x.Dims()

	counts := make([]float32, numStructures)
	for i, g := range batchIndex {
		if g < 0 || g >= numStructures {
			return nil, structure.NewInputError("batch_index", i, g, "structure out of range [0, %d)", numStructures)
		}
		counts[g]++
	}
	for g, c := range counts {
		if c == 0 {
			return nil, structure.NewInputError("structure", g, 0, "owns no atoms")
		}
	}

	pooled := r.Backend.GetTensor(numStructures, cols)
	pooled.ScatterAdd(x, batchIndex)
	if r.Aggr == AggrMean {
		for g, c := range counts {
			counts[g] = 1 / c
		}
		pooled.ScaleRows(counts)
	}

	hidden := r.Hidden.Forward(pooled, device.ActivationSwish, r.Beta)
	out := r.Out.Forward(hidden, device.ActivationIdentity, r.Beta)
	release(r.Backend, pooled, hidden)

	LayerDuration.WithLabelValues("readout", r.Backend.Name()).Observe(time.Since(start).Seconds())
	return out, nil
}
