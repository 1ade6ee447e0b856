package model

import (
	"math/rand"

	"github.com/23skdu/longbow-egnn/internal/device"
)

// ConvStack applies its layers in order. With shared weights every slot
// holds the same *EGNNConv; otherwise each slot is a distinct instance.
// Execution is identical for both.
type ConvStack struct {
	Layers []*EGNNConv
	Shared bool
}

// NewConvStack builds NConvLayer slots from cfg. A non-positive layer count
// is a configuration error.
func NewConvStack(cfg Config, backend device.Backend, rng *rand.Rand) (*ConvStack, error) {
	if cfg.NConvLayer <= 0 {
		return nil, configErr("n_conv_layer must be positive, got %d", cfg.NConvLayer)
	}

	s := &ConvStack{Layers: make([]*EGNNConv, cfg.NConvLayer), Shared: cfg.ShareWeight}
	if cfg.ShareWeight {
		layer := NewEGNNConv(cfg, backend)
		layer.init(rng)
		for i := range s.Layers {
			s.Layers[i] = layer
		}
		return s, nil
	}

	for i := range s.Layers {
		layer := NewEGNNConv(cfg, backend)
		layer.init(rng)
		s.Layers[i] = layer
	}
	return s, nil
}

// Unique returns each distinct layer once, in first-use order.
func (s *ConvStack) Unique() []*EGNNConv {
	seen := make(map[*EGNNConv]bool, len(s.Layers))
	var out []*EGNNConv
	for _, l := range s.Layers {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

// Forward runs every round. Distances, topology and attributes are fixed;
// only the features change. x is not released; intermediate feature
// tensors are.
func (s *ConvStack) Forward(x device.Tensor, dist []float64, edgeIndex [2][]int, edgeAttr [][]float32) device.Tensor {
	cur := x
	for _, layer := range s.Layers {
		next := layer.Forward(cur, dist, edgeIndex, edgeAttr)
		if cur != x {
			layer.Backend.PutTensor(cur)
		}
		cur = next
	}
	return cur
}
