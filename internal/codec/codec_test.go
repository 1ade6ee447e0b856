package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-egnn/internal/structure"
)

func sampleStructures() []*structure.Structure {
	l := structure.Mat3{{2.8, 0, 0}, {0, 2.8, 0}, {0, 0, 2.8}}
	return []*structure.Structure{
		{
			ID:            "water",
			Positions:     []structure.Vec3{{0, 0, 0.12}, {0, 0.76, -0.47}, {0, -0.76, -0.47}},
			AtomicNumbers: []int{8, 1, 1},
			EdgeIndex:     [2][]int{{0, 1, 0, 2}, {1, 0, 2, 0}},
		},
		{
			ID:            "nacl",
			Positions:     []structure.Vec3{{0, 0, 0}, {1.4, 1.4, 1.4}},
			AtomicNumbers: []int{11, 17},
			EdgeIndex:     [2][]int{{0, 1}, {1, 0}},
			EdgeShift:     []structure.Vec3{{0, 0, 0}, {-1, 0, 1}},
			Lattice:       &l,
			EdgeAttr:      [][]float32{{0.5, 1}, {1.5, 2}},
		},
		{
			ID:            "single",
			Positions:     []structure.Vec3{{1, 2, 3}},
			AtomicNumbers: []int{6},
			EdgeIndex:     [2][]int{{}, {}},
		},
	}
}

func TestStructureRecordRoundTrip(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)

	builder := NewRecordBatchBuilder(pool, FormatFP32)
	in := sampleStructures()

	rec, err := builder.BuildStructures(in)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(3), rec.NumRows())
	assert.True(t, rec.Schema().Equal(StructureSchema))

	out, err := DecodeStructures(rec)
	require.NoError(t, err)
	require.Len(t, out, 3)

	for i := range in {
		assert.Equal(t, in[i].ID, out[i].ID)
		assert.Equal(t, in[i].Positions, out[i].Positions)
		assert.Equal(t, in[i].AtomicNumbers, out[i].AtomicNumbers)
		assert.Equal(t, in[i].Lattice, out[i].Lattice)
		assert.Equal(t, in[i].EdgeShift, out[i].EdgeShift)
		assert.Equal(t, in[i].EdgeAttr, out[i].EdgeAttr)
		assert.Equal(t, len(in[i].EdgeIndex[0]), len(out[i].EdgeIndex[0]))
		for k := range in[i].EdgeIndex[0] {
			assert.Equal(t, in[i].EdgeIndex[0][k], out[i].EdgeIndex[0][k])
			assert.Equal(t, in[i].EdgeIndex[1][k], out[i].EdgeIndex[1][k])
		}
	}
}

func TestBuildStructuresRejectsRaggedInput(t *testing.T) {
	builder := NewRecordBatchBuilder(memory.NewGoAllocator(), "")

	s := sampleStructures()[1]
	s.EdgeAttr = [][]float32{{1, 2}, {3}}
	_, err := builder.BuildStructures([]*structure.Structure{s})
	assert.Error(t, err)

	s = sampleStructures()[0]
	s.EdgeIndex[1] = s.EdgeIndex[1][:1]
	_, err = builder.BuildStructures([]*structure.Structure{s})
	assert.Error(t, err)
}

func TestDecodeStructuresSchemaErrors(t *testing.T) {
	pool := memory.NewGoAllocator()

	t.Run("missing column", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: ColID, Type: arrow.BinaryTypes.String}}, nil)
		b := array.NewStringBuilder(pool)
		defer b.Release()
		b.Append("x")
		col := b.NewArray()
		defer col.Release()
		rec := array.NewRecord(schema, []arrow.Array{col}, 1)
		defer rec.Release()

		_, err := DecodeStructures(rec)
		assert.ErrorIs(t, err, ErrSchema)
		assert.Contains(t, err.Error(), ColAtomicNumbers)
	})

	t.Run("positions not multiple of three", func(t *testing.T) {
		s := sampleStructures()[2]
		rec, err := NewRecordBatchBuilder(pool, FormatFP32).BuildStructures([]*structure.Structure{s})
		require.NoError(t, err)
		defer rec.Release()

		// Drop the last coordinate by rebuilding the positions column.
		lb := array.NewListBuilder(pool, arrow.PrimitiveTypes.Float64)
		defer lb.Release()
		lb.Append(true)
		lb.ValueBuilder().(*array.Float64Builder).AppendValues([]float64{1, 2}, nil)
		pos := lb.NewArray()
		defer pos.Release()

		cols := make([]arrow.Array, rec.NumCols())
		copy(cols, rec.Columns())
		cols[2] = pos
		bad := array.NewRecord(StructureSchema, cols, 1)
		defer bad.Release()

		_, err = DecodeStructures(bad)
		assert.ErrorIs(t, err, ErrSchema)
	})
}

func TestPredictionRecords(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)

	ids := []string{"a", "b", "c"}
	values := [][]float32{{1.5, -2}, nil, {0.25, 1024}}
	errs := []error{nil, errors.New("species outside range"), nil}

	for _, format := range []Format{FormatFP32, FormatFP16} {
		t.Run(string(format), func(t *testing.T) {
			rec, err := NewRecordBatchBuilder(pool, format).BuildPredictions(ids, values, errs, 2)
			require.NoError(t, err)
			defer rec.Release()

			meta, ok := rec.Schema().Metadata().GetValue("format")
			require.True(t, ok)
			assert.Equal(t, string(format), meta)

			gotIDs, gotValues, gotErrs, err := DecodePredictions(rec)
			require.NoError(t, err)
			assert.Equal(t, ids, gotIDs)
			// Every test value is exactly representable in binary16.
			assert.Equal(t, values, gotValues)
			assert.Equal(t, []string{"", "species outside range", ""}, gotErrs)
		})
	}
}

func TestBuildPredictionsErrors(t *testing.T) {
	b := NewRecordBatchBuilder(memory.NewGoAllocator(), FormatFP32)
	_, err := b.BuildPredictions([]string{"a"}, nil, nil, 1)
	assert.Error(t, err)
	_, err = b.BuildPredictions([]string{"a"}, [][]float32{{1, 2}}, nil, 1)
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatFP32, f)
	f, err = ParseFormat("fp16")
	require.NoError(t, err)
	assert.Equal(t, FormatFP16, f)
	_, err = ParseFormat("bf16")
	assert.Error(t, err)
}

func TestIPCRoundTrip(t *testing.T) {
	pool := memory.NewGoAllocator()
	rec, err := NewRecordBatchBuilder(pool, FormatFP32).BuildStructures(sampleStructures())
	require.NoError(t, err)
	defer rec.Release()

	var buf bytes.Buffer
	require.NoError(t, WriteIPC(&buf, StructureSchema, pool, rec, rec))

	out, err := ReadStructuresIPC(&buf, pool)
	require.NoError(t, err)
	require.Len(t, out, 6)
	assert.Equal(t, "nacl", out[4].ID)

	buf.Reset()
	require.NoError(t, WriteIPC(&buf, StructureSchema, pool))
	out, err = ReadStructuresIPC(&buf, pool)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = ReadStructuresIPC(bytes.NewReader([]byte("not arrow")), pool)
	assert.Error(t, err)
}

func TestCBORRoundTrip(t *testing.T) {
	in := sampleStructures()
	var buf bytes.Buffer
	require.NoError(t, EncodeStructuresCBOR(&buf, in))

	out, err := DecodeStructuresCBOR(&buf, 0)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i].ID, out[i].ID)
		assert.Equal(t, in[i].Positions, out[i].Positions)
		assert.Equal(t, in[i].AtomicNumbers, out[i].AtomicNumbers)
		assert.Equal(t, in[i].Lattice, out[i].Lattice)
		assert.Equal(t, in[i].EdgeShift, out[i].EdgeShift)
		assert.Equal(t, in[i].EdgeAttr, out[i].EdgeAttr)
		assert.Equal(t, len(in[i].EdgeIndex[0]), len(out[i].EdgeIndex[0]))
	}
}

func TestCBORSpeciesAndEdgeFallback(t *testing.T) {
	dtos := []StructureDTO{{
		ID:        "h2",
		Species:   []string{" h", "Ｈ"},
		Positions: []structure.Vec3{{0, 0, 0}, {0, 0, 0.74}},
	}}
	raw, err := cbor.Marshal(dtos)
	require.NoError(t, err)

	out, err := DecodeStructuresCBOR(bytes.NewReader(raw), 2.0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []int{1, 1}, out[0].AtomicNumbers)
	assert.Equal(t, []int{0, 1}, out[0].EdgeIndex[0])
	assert.Equal(t, []int{1, 0}, out[0].EdgeIndex[1])
	require.NoError(t, structure.Collate(out[0]).Validate())
}

func TestCBORDecodeErrors(t *testing.T) {
	_, err := DecodeStructuresCBOR(bytes.NewReader([]byte{0xff}), 0)
	assert.Error(t, err)

	bad := func(d StructureDTO) error {
		raw, err := cbor.Marshal([]StructureDTO{d})
		require.NoError(t, err)
		_, err = DecodeStructuresCBOR(bytes.NewReader(raw), 3)
		return err
	}

	err = bad(StructureDTO{Species: []string{"Xx"}, Positions: []structure.Vec3{{0, 0, 0}}})
	assert.ErrorIs(t, err, structure.ErrInvalidInput)
	assert.Contains(t, err.Error(), "structure 0")

	err = bad(StructureDTO{AtomicNumbers: []int{1}, Positions: []structure.Vec3{{0, 0, 0}}, EdgeSrc: []int{0}})
	assert.ErrorIs(t, err, structure.ErrInvalidInput)
}
