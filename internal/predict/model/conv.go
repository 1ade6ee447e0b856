package model

import (
	"math/rand"
	"time"

	"github.com/23skdu/longbow-egnn/internal/device"
	"github.com/23skdu/longbow-egnn/internal/simd"
)

// EGNNConv is one round of invariant message passing.
//
// For an edge e = (src -> dst) with distance d_e:
//
//	m_e = swish(W2·swish(W1·[x_dst, x_src, rbf(d_e), attr_e] + b1) + b2)
//	agg = Σ m_e over edges into the atom (or the mean, by in-degree)
//	u   = W4·swish(W3·[x, agg] + b3) + b4
//	x'  = x + u when residual, u otherwise
//
// W1 and W3 are stored as row blocks, one per concatenated input, so node
// projections are computed once per atom and gathered per edge.
type EGNNConv struct {
	Backend device.Backend

	NodeDim     int
	EdgeDim     int
	EdgeAttrDim int
	HiddenDim   int
	Aggr        Aggregation
	Residual    bool
	Beta        float32

	// Edge MLP, first layer split over [x_dst, x_src, rbf, attr].
	W1Dst  device.Tensor
	W1Src  device.Tensor
	W1Dist device.Tensor
	W1Attr device.Tensor // nil when EdgeAttrDim is 0
	B1     device.Tensor
	Edge2  *Dense

	// Node MLP, first layer split over [x, agg].
	W3Node device.Tensor
	W3Agg  device.Tensor
	B3     device.Tensor
	Node2  *Dense

	centers []float32
	gamma   float32
}

// NewEGNNConv allocates a layer from a resolved configuration.
func NewEGNNConv(cfg Config, backend device.Backend) *EGNNConv {
	cfg = cfg.withDefaults()
	h := cfg.HiddenDim

	c := &EGNNConv{
		Backend:     backend,
		NodeDim:     cfg.NodeDim,
		EdgeDim:     cfg.EdgeDim,
		EdgeAttrDim: cfg.EdgeAttrDim,
		HiddenDim:   h,
		Aggr:        cfg.Aggr,
		Residual:    cfg.Residual,
		Beta:        *cfg.SwishBeta,

		W1Dst:  backend.NewTensor(cfg.NodeDim, h, nil),
		W1Src:  backend.NewTensor(cfg.NodeDim, h, nil),
		W1Dist: backend.NewTensor(cfg.EdgeDim, h, nil),
		B1:     backend.NewTensor(1, h, nil),
		Edge2:  newDense(backend, h, h),

		W3Node: backend.NewTensor(cfg.NodeDim, h, nil),
		W3Agg:  backend.NewTensor(h, h, nil),
		B3:     backend.NewTensor(1, h, nil),
		Node2:  newDense(backend, h, cfg.NodeDim),
	}
	if cfg.EdgeAttrDim > 0 {
		c.W1Attr = backend.NewTensor(cfg.EdgeAttrDim, h, nil)
	}
	c.centers, c.gamma = gaussianBasis(cfg.EdgeDim, cfg.Cutoff)
	return c
}

// gaussianBasis spreads n centres evenly over [0, cutoff] with a width equal
// to the centre spacing.
func gaussianBasis(n int, cutoff float64) ([]float32, float32) {
	centers := make([]float32, n)
	spacing := cutoff
	if n > 1 {
		spacing = cutoff / float64(n-1)
	}
	for i := range centers {
		centers[i] = float32(float64(i) * spacing)
	}
	return centers, float32(0.5 / (spacing * spacing))
}

func (c *EGNNConv) init(rng *rand.Rand) {
	edgeIn := 2*c.NodeDim + c.EdgeDim + c.EdgeAttrDim
	for _, w := range []device.Tensor{c.W1Dst, c.W1Src, c.W1Dist, c.W1Attr} {
		if w != nil {
			xavierInit(w, edgeIn, c.HiddenDim, rng)
		}
	}
	initDense(c.Edge2, rng)

	nodeIn := c.NodeDim + c.HiddenDim
	xavierInit(c.W3Node, nodeIn, c.HiddenDim, rng)
	xavierInit(c.W3Agg, nodeIn, c.HiddenDim, rng)
	initDense(c.Node2, rng)
}

// Params lists the layer's tensors in serialization order. The W1 blocks
// are contiguous row blocks of the concatenated W1, so the stream matches
// a single (2·node+edge+attr)×hidden matrix.
func (c *EGNNConv) Params() []device.Tensor {
	ps := []device.Tensor{c.W1Dst, c.W1Src, c.W1Dist}
	if c.W1Attr != nil {
		ps = append(ps, c.W1Attr)
	}
	ps = append(ps, c.B1)
	ps = append(ps, c.Edge2.params()...)
	ps = append(ps, c.W3Node, c.W3Agg, c.B3)
	ps = append(ps, c.Node2.params()...)
	return ps
}

func (c *EGNNConv) paramNames() []string {
	names := []string{"w1_dst", "w1_src", "w1_dist"}
	if c.W1Attr != nil {
		names = append(names, "w1_attr")
	}
	return append(names, "b1", "w2", "b2", "w3_node", "w3_agg", "b3", "w4", "b4")
}

// Forward computes updated atom features. x is left untouched and the
// returned tensor is owned by the caller.
func (c *EGNNConv) Forward(x device.Tensor, dist []float64, edgeIndex [2][]int, edgeAttr [][]float32) device.Tensor {
	start := time.Now()
	n, _ := x.Dims()
	src, dst := edgeIndex[0], edgeIndex[1]

	msg := c.messages(x, dist, src, dst, edgeAttr)

	agg := c.Backend.GetTensor(n, c.HiddenDim)
	agg.ScatterAdd(msg, dst)
	c.Backend.PutTensor(msg)
	if c.Aggr == AggrMean {
		agg.ScaleRows(inverseDegree(dst, n))
	}

	hidden := x.Linear(x, c.W3Node, c.B3)
	fromAgg := agg.Linear(agg, c.W3Agg, nil)
	hidden.Add(fromAgg)
	hidden.Swish(c.Beta)
	out := c.Node2.Forward(hidden, device.ActivationIdentity, c.Beta)
	release(c.Backend, agg, fromAgg, hidden)

	if c.Residual {
		out.Add(x)
	}

	LayerDuration.WithLabelValues("conv", c.Backend.Name()).Observe(time.Since(start).Seconds())
	return out
}

// messages builds the E×hidden edge message tensor.
func (c *EGNNConv) messages(x device.Tensor, dist []float64, src, dst []int, edgeAttr [][]float32) device.Tensor {
	e := len(dist)

	projDst := x.Linear(x, c.W1Dst, nil)
	projSrc := x.Linear(x, c.W1Src, nil)
	pre := projDst.Gather(dst)
	fromSrc := projSrc.Gather(src)
	pre.Add(fromSrc)
	release(c.Backend, projDst, projSrc, fromSrc)

	rbf := c.Backend.GetTensor(e, c.EdgeDim)
	rbfData := rbf.Data()
	for k, d := range dist {
		simd.GaussianFast(rbfData[k*c.EdgeDim:(k+1)*c.EdgeDim], float32(d), c.centers, c.gamma)
	}
	fromDist := rbf.Linear(rbf, c.W1Dist, c.B1)
	pre.Add(fromDist)
	release(c.Backend, rbf, fromDist)

	if c.W1Attr != nil && edgeAttr != nil {
		attr := c.Backend.GetTensor(e, c.EdgeAttrDim)
		attrData := attr.Data()
		for k, row := range edgeAttr {
			copy(attrData[k*c.EdgeAttrDim:(k+1)*c.EdgeAttrDim], row)
		}
		fromAttr := attr.Linear(attr, c.W1Attr, nil)
		pre.Add(fromAttr)
		release(c.Backend, attr, fromAttr)
	}

	pre.Swish(c.Beta)
	msg := c.Edge2.Forward(pre, device.ActivationSwish, c.Beta)
	c.Backend.PutTensor(pre)
	return msg
}

// inverseDegree returns 1/in-degree per atom and 0 for atoms without
// incoming edges, whose aggregate is already zero.
func inverseDegree(dst []int, n int) []float32 {
	deg := make([]float32, n)
	for _, d := range dst {
		deg[d]++
	}
	for i, v := range deg {
		if v > 0 {
			deg[i] = 1 / v
		}
	}
	return deg
}
