package model

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/23skdu/longbow-egnn/internal/structure"
)

// AtomicDistances returns the length of every edge, folding in the periodic
// image:
//
//	vec = pos[dst] - pos[src] + shift[e]·lattice[g]
//
// where g is the structure of the edge's source atom. The batch is assumed
// to be valid.
func AtomicDistances(b *structure.Batch) []float64 {
	batch := b.ResolveBatchIndex()
	dist := make([]float64, b.NumEdges())

	for e := range dist {
		src, dst := b.EdgeIndex[0][e], b.EdgeIndex[1][e]
		vec := r3.Sub(toVec(b.Positions[dst]), toVec(b.Positions[src]))
		vec = r3.Add(vec, imageOffset(b.ShiftOf(e), b.LatticeOf(batch[src])))
		dist[e] = r3.Norm(vec)
	}
	return dist
}

// imageOffset computes the row vector product n·L.
func imageOffset(n structure.Vec3, l structure.Mat3) r3.Vec {
	var v r3.Vec
	for i := 0; i < 3; i++ {
		v = r3.Add(v, r3.Scale(n[i], toVec(l[i])))
	}
	return v
}

func toVec(p structure.Vec3) r3.Vec {
	return r3.Vec{X: p[0], Y: p[1], Z: p[2]}
}
