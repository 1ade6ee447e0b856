package structure

import "math"

// Validate checks the batch against its contract before any tensor work is
// done. It returns an *InputError wrapping ErrInvalidInput.
func (b *Batch) Validate() error {
	n := len(b.Positions)
	e := len(b.EdgeIndex[0])

	if len(b.AtomicNumbers) != n {
		return shapeErr("atomic_numbers", "length %d does not match %d positions", len(b.AtomicNumbers), n)
	}
	if b.BatchIndex != nil && len(b.BatchIndex) != n {
		return shapeErr("batch_index", "length %d does not match %d positions", len(b.BatchIndex), n)
	}
	if len(b.EdgeIndex[1]) != e {
		return shapeErr("edge_index", "source row has %d entries, destination row %d", e, len(b.EdgeIndex[1]))
	}
	if b.EdgeShift != nil && len(b.EdgeShift) != e {
		return shapeErr("edge_shift", "length %d does not match %d edges", len(b.EdgeShift), e)
	}
	if b.EdgeAttr != nil {
		if len(b.EdgeAttr) != e {
			return shapeErr("edge_attr", "length %d does not match %d edges", len(b.EdgeAttr), e)
		}
		width := b.EdgeAttrDim()
		for i, row := range b.EdgeAttr {
			if len(row) != width {
				return inputErr("edge_attr", i, len(row), "row width differs from %d", width)
			}
		}
	}

	numStructs := b.NumStructures()
	if numStructs == 0 {
		return shapeErr("lattice", "a lattice per structure is required when batch_index is set")
	}
	if n == 0 {
		return shapeErr("positions", "batch has no atoms")
	}

	for i, p := range b.Positions {
		if !finite3(p) {
			return inputErr("positions", i, p, "non-finite coordinate")
		}
	}
	for g, l := range b.Lattice {
		for _, row := range l {
			if !finite3(row) {
				return inputErr("lattice", g, l, "non-finite entry")
			}
		}
	}

	owned := make([]int, numStructs)
	for i, g := range b.ResolveBatchIndex() {
		if g < 0 || g >= numStructs {
			return inputErr("batch_index", i, g, "structure out of range [0, %d)", numStructs)
		}
		owned[g]++
	}
	for g, count := range owned {
		if count == 0 {
			return inputErr("structure", g, count, "owns no atoms")
		}
	}

	for k := 0; k < e; k++ {
		src, dst := b.EdgeIndex[0][k], b.EdgeIndex[1][k]
		if src < 0 || src >= n {
			return inputErr("edge_index[0]", k, src, "atom out of range [0, %d)", n)
		}
		if dst < 0 || dst >= n {
			return inputErr("edge_index[1]", k, dst, "atom out of range [0, %d)", n)
		}
		if b.EdgeShift != nil && !finite3(b.EdgeShift[k]) {
			return inputErr("edge_shift", k, b.EdgeShift[k], "non-finite shift")
		}
	}

	return nil
}

func finite3(v Vec3) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
