package model

import (
	"math/rand"

	"github.com/23skdu/longbow-egnn/internal/device"
	"github.com/23skdu/longbow-egnn/internal/structure"
)

// AtomicEmbedding maps atomic numbers to learned feature rows. Row z of the
// table belongs to atomic number z.
type AtomicEmbedding struct {
	Table device.Tensor
	MaxZ  int
}

func NewAtomicEmbedding(maxZ, dim int, backend device.Backend) *AtomicEmbedding {
	return &AtomicEmbedding{
		Table: backend.NewTensor(maxZ+1, dim, nil),
		MaxZ:  maxZ,
	}
}

func (e *AtomicEmbedding) init(rng *rand.Rand) {
	r, c := e.Table.Dims()
	xavierInit(e.Table, r, c, rng)
}

// Check reports the first atomic number outside [0, MaxZ].
func (e *AtomicEmbedding) Check(atomicNumbers []int) error {
	for i, z := range atomicNumbers {
		if z < 0 || z > e.MaxZ {
			return structure.NewInputError("atomic_numbers", i, z, "species outside [0, %d]", e.MaxZ)
		}
	}
	return nil
}

// Forward returns an N×node_dim tensor, one row per atom.
func (e *AtomicEmbedding) Forward(atomicNumbers []int) (device.Tensor, error) {
	if err := e.Check(atomicNumbers); err != nil {
		return nil, err
	}
	return e.Table.Gather(atomicNumbers), nil
}

func (e *AtomicEmbedding) params() []device.Tensor {
	return []device.Tensor{e.Table}
}
