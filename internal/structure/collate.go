package structure

import "fmt"

// Collate packs independent structures into one batch. Edge indices are
// offset by the atoms preceding each structure and the batch index is laid
// out contiguously. Non-periodic structures get a zero lattice. When any
// structure carries edge attributes, structures without them get zero rows
// of the first attributed structure's width.
func Collate(structs ...*Structure) *Batch {
	var numAtoms, numEdges int
	withAttr := false
	attrDim := 0
	for _, s := range structs {
		numAtoms += s.NumAtoms()
		numEdges += s.NumEdges()
		if len(s.EdgeAttr) > 0 && !withAttr {
			withAttr = true
			attrDim = len(s.EdgeAttr[0])
		}
	}

	b := &Batch{
		Positions:     make([]Vec3, 0, numAtoms),
		AtomicNumbers: make([]int, 0, numAtoms),
		EdgeIndex:     [2][]int{make([]int, 0, numEdges), make([]int, 0, numEdges)},
		EdgeShift:     make([]Vec3, 0, numEdges),
		Lattice:       make([]Mat3, 0, len(structs)),
		BatchIndex:    make([]int, 0, numAtoms),
	}
	if withAttr {
		b.EdgeAttr = make([][]float32, 0, numEdges)
	}

	offset := 0
	for g, s := range structs {
		b.Positions = append(b.Positions, s.Positions...)
		b.AtomicNumbers = append(b.AtomicNumbers, s.AtomicNumbers...)
		for range s.Positions {
			b.BatchIndex = append(b.BatchIndex, g)
		}
		for k := range s.EdgeIndex[0] {
			b.EdgeIndex[0] = append(b.EdgeIndex[0], s.EdgeIndex[0][k]+offset)
			b.EdgeIndex[1] = append(b.EdgeIndex[1], s.EdgeIndex[1][k]+offset)
			if s.EdgeShift != nil {
				b.EdgeShift = append(b.EdgeShift, s.EdgeShift[k])
			} else {
				b.EdgeShift = append(b.EdgeShift, Vec3{})
			}
		}
		switch {
		case !withAttr:
		case len(s.EdgeAttr) > 0:
			// Width mismatches are reported by Validate.
			b.EdgeAttr = append(b.EdgeAttr, s.EdgeAttr...)
		default:
			for range s.EdgeIndex[0] {
				b.EdgeAttr = append(b.EdgeAttr, make([]float32, attrDim))
			}
		}
		if s.Lattice != nil {
			b.Lattice = append(b.Lattice, *s.Lattice)
		} else {
			b.Lattice = append(b.Lattice, Mat3{})
		}
		offset += s.NumAtoms()
	}

	return b
}

// Split undoes Collate. Edges belong to the structure of their source atom;
// an edge whose destination lives in another structure is an error.
func (b *Batch) Split() ([]*Structure, error) {
	numStructs := b.NumStructures()
	batchIndex := b.ResolveBatchIndex()

	structs := make([]*Structure, numStructs)
	for g := range structs {
		s := &Structure{}
		if len(b.Lattice) > 0 {
			l := b.Lattice[g]
			s.Lattice = &l
		}
		structs[g] = s
	}

	local := make([]int, len(b.Positions))
	for i, g := range batchIndex {
		if g < 0 || g >= numStructs {
			return nil, inputErr("batch_index", i, g, "structure out of range [0, %d)", numStructs)
		}
		s := structs[g]
		local[i] = len(s.Positions)
		s.Positions = append(s.Positions, b.Positions[i])
		s.AtomicNumbers = append(s.AtomicNumbers, b.AtomicNumbers[i])
	}

	for k := range b.EdgeIndex[0] {
		src, dst := b.EdgeIndex[0][k], b.EdgeIndex[1][k]
		g := batchIndex[src]
		if batchIndex[dst] != g {
			return nil, inputErr("edge_index", k, fmt.Sprintf("%d->%d", src, dst), "edge crosses structures %d and %d", g, batchIndex[dst])
		}
		s := structs[g]
		s.EdgeIndex[0] = append(s.EdgeIndex[0], local[src])
		s.EdgeIndex[1] = append(s.EdgeIndex[1], local[dst])
		s.EdgeShift = append(s.EdgeShift, b.ShiftOf(k))
		if b.EdgeAttr != nil {
			s.EdgeAttr = append(s.EdgeAttr, b.EdgeAttr[k])
		}
	}

	return structs, nil
}
