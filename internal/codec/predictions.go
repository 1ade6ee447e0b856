package codec

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/23skdu/longbow-egnn/internal/device"
)

// Format selects the element type of the prediction column.
type Format string

const (
	FormatFP32 Format = "fp32"
	// FormatFP16 stores IEEE 754 binary16 bits in a uint16 column.
	FormatFP16 Format = "fp16"
)

// ParseFormat accepts "fp32", "fp16" or "" (fp32).
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatFP32:
		return FormatFP32, nil
	case FormatFP16:
		return FormatFP16, nil
	}
	return "", fmt.Errorf("unknown transport format %q", s)
}

// Column names of prediction records.
const (
	ColProperty = "property"
	ColError    = "error"
)

// PredictionSchema returns the schema of prediction records with outDim
// values per structure. property is null and error set for structures that
// could not be predicted.
func PredictionSchema(outDim int, format Format) *arrow.Schema {
	elem := arrow.DataType(arrow.PrimitiveTypes.Float32)
	if format == FormatFP16 {
		elem = arrow.PrimitiveTypes.Uint16
	}
	md := arrow.NewMetadata([]string{"format"}, []string{string(format)})
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: ColID, Type: arrow.BinaryTypes.String},
			{Name: ColProperty, Type: arrow.FixedSizeListOf(int32(outDim), elem), Nullable: true},
			{Name: ColError, Type: arrow.BinaryTypes.String, Nullable: true},
		},
		&md,
	)
}

// BuildPredictions encodes one row per id. values[i] nil marks a failed
// row whose reason is errs[i]; errs may be nil when every row succeeded.
func (b *RecordBatchBuilder) BuildPredictions(ids []string, values [][]float32, errs []error, outDim int) (arrow.RecordBatch, error) {
	if len(values) != len(ids) {
		return nil, fmt.Errorf("%d ids for %d predictions", len(ids), len(values))
	}

	rb := array.NewRecordBuilder(b.mem, PredictionSchema(outDim, b.format))
	defer rb.Release()

	idCol := rb.Field(0).(*array.StringBuilder)
	prop := rb.Field(1).(*array.FixedSizeListBuilder)
	errCol := rb.Field(2).(*array.StringBuilder)

	for i, row := range values {
		idCol.Append(ids[i])
		if row == nil {
			prop.AppendNull()
			msg := "prediction failed"
			if errs != nil && errs[i] != nil {
				msg = errs[i].Error()
			}
			errCol.Append(msg)
			continue
		}
		if len(row) != outDim {
			return nil, fmt.Errorf("prediction %d has %d values, want %d", i, len(row), outDim)
		}

		prop.Append(true)
		switch vb := prop.ValueBuilder().(type) {
		case *array.Float32Builder:
			vb.AppendValues(row, nil)
		case *array.Uint16Builder:
			vb.AppendValues(device.ConvertToFP16(row), nil)
		}
		errCol.AppendNull()
	}

	return rb.NewRecord(), nil
}

// DecodePredictions reads a prediction record in either format. Failed rows
// come back with nil values and their error message.
func DecodePredictions(rec arrow.RecordBatch) (ids []string, values [][]float32, errs []string, err error) {
	schema := rec.Schema()
	idx := schema.FieldIndices(ColProperty)
	if len(idx) == 0 {
		return nil, nil, nil, missing(ColProperty)
	}
	prop, ok := rec.Column(idx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, nil, nil, wrongType(ColProperty)
	}

	n := int(rec.NumRows())
	ids = make([]string, n)
	values = make([][]float32, n)
	errs = make([]string, n)

	if idx := schema.FieldIndices(ColID); len(idx) > 0 {
		col, ok := rec.Column(idx[0]).(*array.String)
		if !ok {
			return nil, nil, nil, wrongType(ColID)
		}
		for i := range ids {
			ids[i] = col.Value(i)
		}
	}
	if idx := schema.FieldIndices(ColError); len(idx) > 0 {
		col, ok := rec.Column(idx[0]).(*array.String)
		if !ok {
			return nil, nil, nil, wrongType(ColError)
		}
		for i := range errs {
			if col.IsValid(i) {
				errs[i] = col.Value(i)
			}
		}
	}

	width := int(prop.DataType().(*arrow.FixedSizeListType).Len())
	for i := 0; i < n; i++ {
		if prop.IsNull(i) {
			continue
		}
		start, _ := prop.ValueOffsets(i)
		row := make([]float32, width)
		switch vals := prop.ListValues().(type) {
		case *array.Float32:
			for k := range row {
				row[k] = vals.Value(int(start) + k)
			}
		case *array.Uint16:
			for k := range row {
				row[k] = device.Float16ToFloat32(vals.Value(int(start) + k))
			}
		default:
			return nil, nil, nil, wrongType(ColProperty)
		}
		values[i] = row
	}
	return ids, values, errs, nil
}
