package codec

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-egnn/internal/structure"
)

// WriteIPC writes recs to w as one Arrow IPC stream with the given schema.
// An empty recs still produces a valid, schema-only stream.
func WriteIPC(w io.Writer, schema *arrow.Schema, mem memory.Allocator, recs ...arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}

// ReadStructuresIPC decodes every structure record of an Arrow IPC stream.
func ReadStructuresIPC(r io.Reader, mem memory.Allocator) ([]*structure.Structure, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to create IPC reader: %w", err)
	}
	defer reader.Release()

	var structs []*structure.Structure
	for reader.Next() {
		batch, err := DecodeStructures(reader.Record())
		if err != nil {
			return nil, fmt.Errorf("record at row %d: %w", len(structs), err)
		}
		structs = append(structs, batch...)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return structs, nil
}
