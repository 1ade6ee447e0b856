// Package model implements the EGNN forward pass: atomic embedding,
// periodic edge distances, a stack of invariant convolutions and a pooled
// readout, all on a device.Backend.
package model

import (
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-egnn/internal/device"
	"github.com/23skdu/longbow-egnn/internal/structure"
)

// EGNN owns the parameters of every stage. Parameters are read-only during
// Forward, so concurrent calls are safe on backends with thread-safe reads.
type EGNN struct {
	Config    Config
	Backend   device.Backend
	Embedding *AtomicEmbedding
	Convs     *ConvStack
	Readout   *Readout
}

// NewEGNN validates cfg and builds a model with seeded Xavier weights.
func NewEGNN(cfg Config, backend device.Backend) (*EGNN, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))

	emb := NewAtomicEmbedding(cfg.MaxZ, cfg.NodeDim, backend)
	emb.init(rng)

	convs, err := NewConvStack(cfg, backend, rng)
	if err != nil {
		return nil, err
	}

	readout := NewReadout(cfg, backend)
	readout.init(rng)

	return &EGNN{
		Config:    cfg,
		Backend:   backend,
		Embedding: emb,
		Convs:     convs,
		Readout:   readout,
	}, nil
}

// NamedParam is one parameter tensor with a stable name.
type NamedParam struct {
	Name   string
	Tensor device.Tensor
}

// NamedParams lists every parameter tensor once, in serialization order:
// embedding, distinct conv layers, readout.
func (m *EGNN) NamedParams() []NamedParam {
	ps := []NamedParam{{"embedding.table", m.Embedding.Table}}
	for i, l := range m.Convs.Unique() {
		for j, t := range l.Params() {
			ps = append(ps, NamedParam{fmt.Sprintf("conv%d.%s", i, l.paramNames()[j]), t})
		}
	}
	names := []string{"readout.w1", "readout.b1", "readout.w2", "readout.b2"}
	for j, t := range m.Readout.Params() {
		ps = append(ps, NamedParam{names[j], t})
	}
	return ps
}

// Params lists the tensors of NamedParams.
func (m *EGNN) Params() []device.Tensor {
	named := m.NamedParams()
	ps := make([]device.Tensor, len(named))
	for i, p := range named {
		ps[i] = p.Tensor
	}
	return ps
}

// ParamCount returns the number of scalar parameters.
func (m *EGNN) ParamCount() int {
	total := 0
	for _, p := range m.Params() {
		r, c := p.Dims()
		total += r * c
	}
	return total
}

// Forward runs the full pipeline and returns a B×out_dim tensor owned by
// the caller. Input errors wrap structure.ErrInvalidInput and are reported
// before any layer runs.
func (m *EGNN) Forward(b *structure.Batch) (device.Tensor, error) {
	out, err := m.forward(b)
	if err != nil {
		ForwardTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	ForwardTotal.WithLabelValues("ok").Inc()
	return out, nil
}

func (m *EGNN) forward(b *structure.Batch) (device.Tensor, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := m.Embedding.Check(b.AtomicNumbers); err != nil {
		return nil, err
	}
	edgeAttr, err := m.edgeAttr(b)
	if err != nil {
		return nil, err
	}
	batchIndex := b.ResolveBatchIndex()

	var (
		dist []float64
		x    device.Tensor
		g    errgroup.Group
	)
	g.Go(func() error {
		dist = AtomicDistances(b)
		return nil
	})
	g.Go(func() error {
		var err error
		x, err = m.Embedding.Forward(b.AtomicNumbers)
		return err
	})
	if err := g.Wait(); err != nil {
		if x != nil {
			m.Backend.PutTensor(x)
		}
		return nil, err
	}

	h := m.Convs.Forward(x, dist, b.EdgeIndex, edgeAttr)
	m.Backend.PutTensor(x)

	out, err := m.Readout.Forward(h, batchIndex, b.NumStructures())
	m.Backend.PutTensor(h)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// edgeAttr returns the attributes the conv layers should see. A model built
// without edge attributes ignores any supplied; a model built with them
// accepts their absence.
func (m *EGNN) edgeAttr(b *structure.Batch) ([][]float32, error) {
	if m.Config.EdgeAttrDim == 0 || len(b.EdgeAttr) == 0 {
		return nil, nil
	}
	if got := b.EdgeAttrDim(); got != m.Config.EdgeAttrDim {
		return nil, structure.NewInputError("edge_attr", 0, got, "width differs from configured %d", m.Config.EdgeAttrDim)
	}
	return b.EdgeAttr, nil
}

// Predict runs Forward and copies the result to the host, one row per
// structure.
func (m *EGNN) Predict(b *structure.Batch) ([][]float32, error) {
	out, err := m.Forward(b)
	if err != nil {
		return nil, err
	}
	defer m.Backend.PutTensor(out)

	rows, _ := out.Dims()
	result := make([][]float32, rows)
	out.ExtractTo(result, 0)
	return result, nil
}
