package structure

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cubic(a float64) *Mat3 {
	return &Mat3{{a, 0, 0}, {0, a, 0}, {0, 0, a}}
}

func dimer() *Structure {
	return &Structure{
		ID:            "h2",
		Positions:     []Vec3{{0, 0, 0}, {0.74, 0, 0}},
		AtomicNumbers: []int{1, 1},
		EdgeIndex:     [2][]int{{0, 1}, {1, 0}},
	}
}

func TestBatchDefaults(t *testing.T) {
	b := &Batch{
		Positions:     []Vec3{{0, 0, 0}, {1, 0, 0}},
		AtomicNumbers: []int{6, 8},
	}
	assert.Equal(t, 1, b.NumStructures())
	assert.Equal(t, []int{0, 0}, b.ResolveBatchIndex())
	assert.Equal(t, Mat3{}, b.LatticeOf(0))
	assert.Equal(t, 0, b.EdgeAttrDim())
	require.NoError(t, b.Validate())

	b.BatchIndex = []int{0, 0}
	assert.Equal(t, 0, b.NumStructures())
}

func TestValidate(t *testing.T) {
	valid := func() *Batch {
		return &Batch{
			Positions:     []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
			AtomicNumbers: []int{1, 6, 8},
			EdgeIndex:     [2][]int{{0, 1}, {1, 0}},
			EdgeShift:     []Vec3{{0, 0, 0}, {0, 0, 1}},
			Lattice:       []Mat3{*cubic(3), *cubic(4)},
			BatchIndex:    []int{0, 0, 1},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(b *Batch)
		field  string
	}{
		{"atomic numbers length", func(b *Batch) { b.AtomicNumbers = b.AtomicNumbers[:2] }, "atomic_numbers"},
		{"batch index length", func(b *Batch) { b.BatchIndex = []int{0} }, "batch_index"},
		{"ragged edge index", func(b *Batch) { b.EdgeIndex[1] = []int{1} }, "edge_index"},
		{"edge shift length", func(b *Batch) { b.EdgeShift = b.EdgeShift[:1] }, "edge_shift"},
		{"edge attr length", func(b *Batch) { b.EdgeAttr = [][]float32{{1}} }, "edge_attr"},
		{"edge attr width", func(b *Batch) { b.EdgeAttr = [][]float32{{1, 2}, {1}} }, "edge_attr"},
		{"missing lattice", func(b *Batch) { b.Lattice = nil }, "lattice"},
		{"empty batch", func(b *Batch) {
			b.Positions, b.AtomicNumbers, b.BatchIndex = nil, nil, nil
			b.EdgeIndex, b.EdgeShift = [2][]int{}, nil
		}, "positions"},
		{"nan position", func(b *Batch) { b.Positions[1][2] = math.NaN() }, "positions"},
		{"inf lattice", func(b *Batch) { b.Lattice[1][0][0] = math.Inf(1) }, "lattice"},
		{"batch index out of range", func(b *Batch) { b.BatchIndex[2] = 2 }, "batch_index"},
		{"structure without atoms", func(b *Batch) { b.BatchIndex[2] = 0 }, "structure"},
		{"source out of range", func(b *Batch) { b.EdgeIndex[0][1] = 3 }, "edge_index[0]"},
		{"negative destination", func(b *Batch) { b.EdgeIndex[1][0] = -1 }, "edge_index[1]"},
		{"nan shift", func(b *Batch) { b.EdgeShift[0][1] = math.NaN() }, "edge_shift"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := valid()
			tt.mutate(b)
			err := b.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))

			var inErr *InputError
			require.ErrorAs(t, err, &inErr)
			assert.Equal(t, tt.field, inErr.Field)
		})
	}
}

func TestInputErrorMessage(t *testing.T) {
	err := inputErr("atomic_numbers", 3, 200, "outside [0, %d]", 118)
	assert.Equal(t, "invalid input: atomic_numbers[3]=200: outside [0, 118]", err.Error())

	err = shapeErr("lattice", "missing")
	assert.Equal(t, "invalid input: lattice: missing", err.Error())
}

func TestCollateSplit(t *testing.T) {
	a := dimer()
	b := &Structure{
		ID:            "c",
		Positions:     []Vec3{{0, 0, 0}},
		AtomicNumbers: []int{6},
		EdgeIndex:     [2][]int{{0}, {0}},
		EdgeShift:     []Vec3{{1, 0, 0}},
		Lattice:       cubic(2),
	}

	batch := Collate(a, b)
	require.NoError(t, batch.Validate())
	assert.Equal(t, 3, batch.NumAtoms())
	assert.Equal(t, 3, batch.NumEdges())
	assert.Equal(t, 2, batch.NumStructures())
	assert.Equal(t, []int{0, 0, 1}, batch.BatchIndex)
	assert.Equal(t, [2][]int{{0, 1, 2}, {1, 0, 2}}, batch.EdgeIndex)
	assert.Equal(t, Vec3{1, 0, 0}, batch.ShiftOf(2))
	assert.Equal(t, Mat3{}, batch.LatticeOf(0))
	assert.Equal(t, *cubic(2), batch.LatticeOf(1))

	parts, err := batch.Split()
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, a.Positions, parts[0].Positions)
	assert.Equal(t, a.EdgeIndex, parts[0].EdgeIndex)
	assert.Equal(t, b.EdgeIndex, parts[1].EdgeIndex)
	assert.Equal(t, b.EdgeShift, parts[1].EdgeShift)
	assert.Equal(t, cubic(2), parts[1].Lattice)
}

func TestCollateMixedEdgeAttr(t *testing.T) {
	plain := dimer()
	attr := dimer()
	attr.EdgeAttr = [][]float32{{1, 2}, {3, 4}}

	batch := Collate(plain, attr)
	require.NoError(t, batch.Validate())
	assert.Equal(t, 2, batch.EdgeAttrDim())
	assert.Equal(t, [][]float32{{0, 0}, {0, 0}, {1, 2}, {3, 4}}, batch.EdgeAttr)

	batch = Collate(attr, plain)
	require.NoError(t, batch.Validate())
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}, {0, 0}, {0, 0}}, batch.EdgeAttr)

	assert.Nil(t, Collate(dimer(), dimer()).EdgeAttr)

	wide := dimer()
	wide.EdgeAttr = [][]float32{{1, 2, 3}, {4, 5, 6}}
	assert.ErrorIs(t, Collate(attr, wide).Validate(), ErrInvalidInput)
}

func TestSplitCrossStructureEdge(t *testing.T) {
	batch := Collate(dimer(), dimer())
	batch.EdgeIndex[1][0] = 3

	_, err := batch.Split()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBuildEdgesMolecule(t *testing.T) {
	s := dimer()
	s.EdgeIndex = [2][]int{}
	require.NoError(t, BuildEdges(s, 1.0))

	assert.Equal(t, [2][]int{{0, 1}, {1, 0}}, s.EdgeIndex)
	assert.Equal(t, []Vec3{{0, 0, 0}, {0, 0, 0}}, s.EdgeShift)

	require.NoError(t, BuildEdges(s, 0.5))
	assert.Equal(t, 0, s.NumEdges())
}

func TestBuildEdgesPeriodic(t *testing.T) {
	// One atom in a 2 Å cubic cell sees its six face neighbours at 2 Å.
	s := &Structure{
		Positions:     []Vec3{{0, 0, 0}},
		AtomicNumbers: []int{29},
		Lattice:       cubic(2),
	}
	require.NoError(t, BuildEdges(s, 2.0))
	require.Equal(t, 6, s.NumEdges())

	seen := map[Vec3]bool{}
	for k := 0; k < s.NumEdges(); k++ {
		assert.Equal(t, 0, s.EdgeIndex[0][k])
		assert.Equal(t, 0, s.EdgeIndex[1][k])
		seen[s.EdgeShift[k]] = true
	}
	for _, n := range []Vec3{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}} {
		assert.True(t, seen[n], "missing image %v", n)
	}
}

func TestBuildEdgesSymmetric(t *testing.T) {
	s := &Structure{
		Positions:     []Vec3{{0, 0, 0}, {1.2, 0.3, 0}, {0.2, 1.1, 0.9}},
		AtomicNumbers: []int{8, 1, 1},
		Lattice:       &Mat3{{3, 0, 0}, {0.5, 3, 0}, {0, 0, 3.5}},
	}
	require.NoError(t, BuildEdges(s, 2.5))
	require.NotZero(t, s.NumEdges())

	type edge struct {
		src, dst int
		shift    Vec3
	}
	set := map[edge]bool{}
	for k := 0; k < s.NumEdges(); k++ {
		set[edge{s.EdgeIndex[0][k], s.EdgeIndex[1][k], s.EdgeShift[k]}] = true
	}
	for e := range set {
		rev := edge{e.dst, e.src, Vec3{-e.shift[0], -e.shift[1], -e.shift[2]}}
		assert.True(t, set[rev], "edge %v has no reverse", e)
	}
}

func TestBuildEdgesErrors(t *testing.T) {
	s := dimer()
	assert.Error(t, BuildEdges(s, 0))
	assert.Error(t, BuildEdges(s, math.NaN()))

	s.Lattice = cubic(0.1)
	assert.Error(t, BuildEdges(s, 5))
}
