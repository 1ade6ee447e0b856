package model

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-egnn/internal/device"
)

// Dense is a fully connected layer y = x·W + b. W is stored in×out so the
// forward pass needs no transpose.
type Dense struct {
	Weight device.Tensor
	Bias   device.Tensor
}

func newDense(backend device.Backend, in, out int) *Dense {
	return &Dense{
		Weight: backend.NewTensor(in, out, nil),
		Bias:   backend.NewTensor(1, out, nil),
	}
}

// Forward applies the layer followed by act.
func (d *Dense) Forward(x device.Tensor, act device.ActivationType, beta float32) device.Tensor {
	return x.LinearActivation(x, d.Weight, d.Bias, act, beta)
}

func (d *Dense) params() []device.Tensor {
	return []device.Tensor{d.Weight, d.Bias}
}

// xavierInit initializes a matrix with Xavier/Glorot uniform initialization.
// fanIn and fanOut are passed explicitly because split weight blocks share
// the fan of the full matrix they belong to.
func xavierInit(m device.Tensor, fanIn, fanOut int, rng *rand.Rand) {
	r, c := m.Dims()
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))

	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	m.CopyFromFloat32(data)
}

func initDense(d *Dense, rng *rand.Rand) {
	in, out := d.Weight.Dims()
	xavierInit(d.Weight, in, out, rng)
}

// release returns intermediate tensors to the backend pool.
func release(backend device.Backend, ts ...device.Tensor) {
	for _, t := range ts {
		if t != nil {
			backend.PutTensor(t)
		}
	}
}
