// Package codec converts structures and predictions to and from their wire
// forms: Arrow records for the columnar and Flight paths and CBOR for the
// plain HTTP API.
package codec

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-egnn/internal/structure"
)

// ErrSchema is wrapped by every decode failure caused by a record that does
// not follow the expected schema.
var ErrSchema = errors.New("unexpected record schema")

// Column names of structure records.
const (
	ColID            = "id"
	ColAtomicNumbers = "atomic_numbers"
	ColPositions     = "positions"
	ColLattice       = "lattice"
	ColEdgeSrc       = "edge_src"
	ColEdgeDst       = "edge_dst"
	ColEdgeShift     = "edge_shift"
	ColEdgeAttr      = "edge_attr"
	ColEdgeAttrDim   = "edge_attr_dim"
)

// StructureSchema has one row per structure. Vector-valued per-atom and
// per-edge columns are flattened row-major; lattice, edge_shift and
// edge_attr are null when absent.
var StructureSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: ColID, Type: arrow.BinaryTypes.String},
		{Name: ColAtomicNumbers, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: ColPositions, Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		{Name: ColLattice, Type: arrow.FixedSizeListOf(9, arrow.PrimitiveTypes.Float64), Nullable: true},
		{Name: ColEdgeSrc, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: ColEdgeDst, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: ColEdgeShift, Type: arrow.ListOf(arrow.PrimitiveTypes.Float64), Nullable: true},
		{Name: ColEdgeAttr, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
		{Name: ColEdgeAttrDim, Type: arrow.PrimitiveTypes.Int32},
	},
	nil,
)

// RecordBatchBuilder creates Arrow record batches of structures and
// predictions.
type RecordBatchBuilder struct {
	mem    memory.Allocator
	format Format
}

// NewRecordBatchBuilder creates a builder writing predictions in format.
func NewRecordBatchBuilder(mem memory.Allocator, format Format) *RecordBatchBuilder {
	if format == "" {
		format = FormatFP32
	}
	return &RecordBatchBuilder{mem: mem, format: format}
}

// BuildStructures encodes structs as one record batch. The caller releases
// the result.
func (b *RecordBatchBuilder) BuildStructures(structs []*structure.Structure) (arrow.RecordBatch, error) {
	rb := array.NewRecordBuilder(b.mem, StructureSchema)
	defer rb.Release()

	ids := rb.Field(0).(*array.StringBuilder)
	zs := rb.Field(1).(*array.ListBuilder)
	pos := rb.Field(2).(*array.ListBuilder)
	lat := rb.Field(3).(*array.FixedSizeListBuilder)
	src := rb.Field(4).(*array.ListBuilder)
	dst := rb.Field(5).(*array.ListBuilder)
	shift := rb.Field(6).(*array.ListBuilder)
	attr := rb.Field(7).(*array.ListBuilder)
	attrDim := rb.Field(8).(*array.Int32Builder)

	zVals := zs.ValueBuilder().(*array.Int32Builder)
	posVals := pos.ValueBuilder().(*array.Float64Builder)
	latVals := lat.ValueBuilder().(*array.Float64Builder)
	srcVals := src.ValueBuilder().(*array.Int32Builder)
	dstVals := dst.ValueBuilder().(*array.Int32Builder)
	shiftVals := shift.ValueBuilder().(*array.Float64Builder)
	attrVals := attr.ValueBuilder().(*array.Float32Builder)

	for i, s := range structs {
		if len(s.EdgeIndex[0]) != len(s.EdgeIndex[1]) {
			return nil, fmt.Errorf("structure %d: edge_index rows differ in length", i)
		}
		ids.Append(s.ID)

		zs.Append(true)
		for _, z := range s.AtomicNumbers {
			zVals.Append(int32(z))
		}

		pos.Append(true)
		for _, p := range s.Positions {
			posVals.AppendValues(p[:], nil)
		}

		if s.Lattice != nil {
			lat.Append(true)
			for _, row := range s.Lattice {
				latVals.AppendValues(row[:], nil)
			}
		} else {
			lat.AppendNull()
		}

		src.Append(true)
		dst.Append(true)
		for e := range s.EdgeIndex[0] {
			srcVals.Append(int32(s.EdgeIndex[0][e]))
			dstVals.Append(int32(s.EdgeIndex[1][e]))
		}

		if s.EdgeShift != nil {
			shift.Append(true)
			for _, n := range s.EdgeShift {
				shiftVals.AppendValues(n[:], nil)
			}
		} else {
			shift.AppendNull()
		}

		width := 0
		if len(s.EdgeAttr) > 0 {
			width = len(s.EdgeAttr[0])
			attr.Append(true)
			for e, row := range s.EdgeAttr {
				if len(row) != width {
					return nil, fmt.Errorf("structure %d: edge_attr row %d has width %d, want %d", i, e, len(row), width)
				}
				attrVals.AppendValues(row, nil)
			}
		} else {
			attr.AppendNull()
		}
		attrDim.Append(int32(width))
	}

	return rb.NewRecord(), nil
}

// DecodeStructures reads every row of rec. Columns are located by name, so
// extra columns and reordering are tolerated.
func DecodeStructures(rec arrow.RecordBatch) ([]*structure.Structure, error) {
	cols, err := structureColumns(rec)
	if err != nil {
		return nil, err
	}

	n := int(rec.NumRows())
	structs := make([]*structure.Structure, n)
	for i := 0; i < n; i++ {
		s, err := cols.row(i)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		structs[i] = s
	}
	return structs, nil
}

type structureCols struct {
	id        *array.String
	zs        *array.List
	pos       *array.List
	lattice   *array.FixedSizeList
	src       *array.List
	dst       *array.List
	shift     *array.List
	attr      *array.List
	attrDim   *array.Int32
	zVals     *array.Int32
	posVals   *array.Float64
	latVals   *array.Float64
	srcVals   *array.Int32
	dstVals   *array.Int32
	shiftVals *array.Float64
	attrVals  *array.Float32
}

func structureColumns(rec arrow.RecordBatch) (*structureCols, error) {
	column := func(name string) arrow.Array {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil
		}
		return rec.Column(idx[0])
	}

	c := &structureCols{}
	var ok bool
	var err error
	if col := column(ColID); col != nil {
		if c.id, ok = col.(*array.String); !ok {
			return nil, wrongType(ColID)
		}
	}
	if c.zs, c.zVals, err = int32List(column(ColAtomicNumbers), ColAtomicNumbers); err != nil {
		return nil, err
	}
	if c.pos, c.posVals, err = float64List(column(ColPositions), ColPositions); err != nil {
		return nil, err
	}
	if col := column(ColLattice); col != nil {
		c.lattice, ok = col.(*array.FixedSizeList)
		if !ok || c.lattice.DataType().(*arrow.FixedSizeListType).Len() != 9 {
			return nil, wrongType(ColLattice)
		}
		if c.latVals, ok = c.lattice.ListValues().(*array.Float64); !ok {
			return nil, wrongType(ColLattice)
		}
	}
	if c.src, c.srcVals, err = int32List(column(ColEdgeSrc), ColEdgeSrc); err != nil {
		return nil, err
	}
	if c.dst, c.dstVals, err = int32List(column(ColEdgeDst), ColEdgeDst); err != nil {
		return nil, err
	}
	if col := column(ColEdgeShift); col != nil {
		if c.shift, c.shiftVals, err = float64List(col, ColEdgeShift); err != nil {
			return nil, err
		}
	}
	if col := column(ColEdgeAttr); col != nil {
		if c.attr, ok = col.(*array.List); !ok {
			return nil, wrongType(ColEdgeAttr)
		}
		if c.attrVals, ok = c.attr.ListValues().(*array.Float32); !ok {
			return nil, wrongType(ColEdgeAttr)
		}
		dim := column(ColEdgeAttrDim)
		if dim == nil {
			return nil, missing(ColEdgeAttrDim)
		}
		if c.attrDim, ok = dim.(*array.Int32); !ok {
			return nil, wrongType(ColEdgeAttrDim)
		}
	}
	return c, nil
}

func missing(name string) error {
	return fmt.Errorf("%w: missing column %q", ErrSchema, name)
}

func wrongType(name string) error {
	return fmt.Errorf("%w: column %q has unexpected type", ErrSchema, name)
}

func int32List(col arrow.Array, name string) (*array.List, *array.Int32, error) {
	if col == nil {
		return nil, nil, missing(name)
	}
	l, ok := col.(*array.List)
	if !ok {
		return nil, nil, wrongType(name)
	}
	vals, ok := l.ListValues().(*array.Int32)
	if !ok {
		return nil, nil, wrongType(name)
	}
	return l, vals, nil
}

func float64List(col arrow.Array, name string) (*array.List, *array.Float64, error) {
	if col == nil {
		return nil, nil, missing(name)
	}
	l, ok := col.(*array.List)
	if !ok {
		return nil, nil, wrongType(name)
	}
	vals, ok := l.ListValues().(*array.Float64)
	if !ok {
		return nil, nil, wrongType(name)
	}
	return l, vals, nil
}

func (c *structureCols) row(i int) (*structure.Structure, error) {
	s := &structure.Structure{}
	if c.id != nil && c.id.IsValid(i) {
		s.ID = c.id.Value(i)
	}

	start, end := c.zs.ValueOffsets(i)
	s.AtomicNumbers = make([]int, end-start)
	for k := range s.AtomicNumbers {
		s.AtomicNumbers[k] = int(c.zVals.Value(int(start) + k))
	}

	var err error
	if s.Positions, err = vec3s(c.pos, c.posVals, i, ColPositions); err != nil {
		return nil, err
	}
	if len(s.Positions) != len(s.AtomicNumbers) {
		return nil, fmt.Errorf("%w: %d positions for %d atomic numbers", ErrSchema, len(s.Positions), len(s.AtomicNumbers))
	}

	if c.lattice != nil && c.lattice.IsValid(i) {
		start, _ := c.lattice.ValueOffsets(i)
		var l structure.Mat3
		for r := 0; r < 3; r++ {
			for k := 0; k < 3; k++ {
				l[r][k] = c.latVals.Value(int(start) + 3*r + k)
			}
		}
		s.Lattice = &l
	}

	srcStart, srcEnd := c.src.ValueOffsets(i)
	dstStart, dstEnd := c.dst.ValueOffsets(i)
	if srcEnd-srcStart != dstEnd-dstStart {
		return nil, fmt.Errorf("%w: edge_src and edge_dst differ in length", ErrSchema)
	}
	e := int(srcEnd - srcStart)
	s.EdgeIndex = [2][]int{make([]int, e), make([]int, e)}
	for k := 0; k < e; k++ {
		s.EdgeIndex[0][k] = int(c.srcVals.Value(int(srcStart) + k))
		s.EdgeIndex[1][k] = int(c.dstVals.Value(int(dstStart) + k))
	}

	if c.shift != nil && c.shift.IsValid(i) {
		if s.EdgeShift, err = vec3s(c.shift, c.shiftVals, i, ColEdgeShift); err != nil {
			return nil, err
		}
	}

	if c.attr != nil && c.attr.IsValid(i) {
		width := int(c.attrDim.Value(i))
		start, end := c.attr.ValueOffsets(i)
		if width <= 0 || int(end-start) != e*width {
			return nil, fmt.Errorf("%w: edge_attr holds %d values for %d edges of width %d", ErrSchema, end-start, e, width)
		}
		s.EdgeAttr = make([][]float32, e)
		for k := range s.EdgeAttr {
			row := make([]float32, width)
			for a := range row {
				row[a] = c.attrVals.Value(int(start) + k*width + a)
			}
			s.EdgeAttr[k] = row
		}
	}
	return s, nil
}

func vec3s(l *array.List, vals *array.Float64, i int, name string) ([]structure.Vec3, error) {
	start, end := l.ValueOffsets(i)
	if (end-start)%3 != 0 {
		return nil, fmt.Errorf("%w: column %q holds %d values, not a multiple of 3", ErrSchema, name, end-start)
	}
	out := make([]structure.Vec3, (end-start)/3)
	for k := range out {
		base := int(start) + 3*k
		out[k] = structure.Vec3{vals.Value(base), vals.Value(base + 1), vals.Value(base + 2)}
	}
	return out, nil
}
