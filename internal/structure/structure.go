// Package structure holds atomic structures and the packed batches the
// model consumes, together with their validation and collation rules.
package structure

// Vec3 is a Cartesian or fractional 3-vector.
type Vec3 = [3]float64

// Mat3 is a lattice matrix; row i is lattice vector a_i.
type Mat3 = [3][3]float64

// Structure is a single point-structure as produced by a data loader.
type Structure struct {
	ID            string
	Positions     []Vec3
	AtomicNumbers []int
	// EdgeIndex[0] holds source atoms, EdgeIndex[1] destinations.
	EdgeIndex [2][]int
	// EdgeShift is the lattice translation applied to the destination's
	// image. Nil means every shift is zero.
	EdgeShift []Vec3
	// Lattice is nil for non-periodic structures.
	Lattice  *Mat3
	EdgeAttr [][]float32
}

// NumAtoms returns the number of atoms.
func (s *Structure) NumAtoms() int { return len(s.Positions) }

// NumEdges returns the number of directed edges.
func (s *Structure) NumEdges() int { return len(s.EdgeIndex[0]) }

// Batch is one or more independent structures packed into flat arrays.
type Batch struct {
	Positions     []Vec3
	AtomicNumbers []int
	EdgeIndex     [2][]int
	EdgeShift     []Vec3
	Lattice       []Mat3
	// BatchIndex maps atoms to structures. Nil means a single structure.
	BatchIndex []int
	EdgeAttr   [][]float32
}

// NumAtoms returns N, the total atom count.
func (b *Batch) NumAtoms() int { return len(b.Positions) }

// NumEdges returns E, the total directed edge count.
func (b *Batch) NumEdges() int { return len(b.EdgeIndex[0]) }

// NumStructures returns B. A batch without lattices and without a batch
// index is a single structure with an implied zero lattice.
func (b *Batch) NumStructures() int {
	if len(b.Lattice) > 0 {
		return len(b.Lattice)
	}
	if b.BatchIndex == nil {
		return 1
	}
	return 0
}

// ResolveBatchIndex returns the supplied batch index or an all-zero one.
func (b *Batch) ResolveBatchIndex() []int {
	if b.BatchIndex != nil {
		return b.BatchIndex
	}
	return make([]int, len(b.Positions))
}

// LatticeOf returns the lattice of structure g, or the zero placeholder
// when the batch carries none.
func (b *Batch) LatticeOf(g int) Mat3 {
	if len(b.Lattice) == 0 {
		return Mat3{}
	}
	return b.Lattice[g]
}

// ShiftOf returns the shift of edge e, zero when shifts are omitted.
func (b *Batch) ShiftOf(e int) Vec3 {
	if b.EdgeShift == nil {
		return Vec3{}
	}
	return b.EdgeShift[e]
}

// EdgeAttrDim returns the edge attribute width, 0 when absent.
func (b *Batch) EdgeAttrDim() int {
	if len(b.EdgeAttr) == 0 {
		return 0
	}
	return len(b.EdgeAttr[0])
}
