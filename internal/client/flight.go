// Package client talks Arrow Flight to EGNN prediction servers and to
// Longbow stores that receive prediction records.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-egnn/internal/codec"
	"github.com/23skdu/longbow-egnn/internal/structure"
)

// FlightClient handles communication with a Flight server.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
	alloc  memory.Allocator
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client: client,
		conn:   conn,
		alloc:  memory.NewGoAllocator(),
	}, nil
}

func pathDescriptor(dataset string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	}
}

// DoPut sends a record batch to the given dataset.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(pathDescriptor(datasetName))

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	// Drain put results until the server closes the stream.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Prediction is one row of a DoExchange reply. Values is nil when Err is
// set.
type Prediction struct {
	ID     string
	Values []float32
	Err    string
}

// Predict sends structs as one structure record over DoExchange and
// returns the server's predictions in input order.
func (c *FlightClient) Predict(ctx context.Context, structs []*structure.Structure) ([]Prediction, error) {
	rec, err := codec.NewRecordBatchBuilder(c.alloc, codec.FormatFP32).BuildStructures(structs)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.Go(func() error {
		writer := flight.NewRecordWriter(stream, ipc.WithSchema(codec.StructureSchema), ipc.WithAllocator(c.alloc))
		writer.SetFlightDescriptor(pathDescriptor("predict"))
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}
		return stream.CloseSend()
	})

	var out []Prediction
	readErr := func() error {
		reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
		if err != nil {
			return err
		}
		defer reader.Release()

		for reader.Next() {
			ids, values, errs, err := codec.DecodePredictions(reader.Record())
			if err != nil {
				return err
			}
			for i := range ids {
				out = append(out, Prediction{ID: ids[i], Values: values[i], Err: errs[i]})
			}
		}
		return reader.Err()
	}()
	if readErr != nil {
		cancel()
	}
	if err := g.Wait(); err != nil && readErr == nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}

	if len(out) != len(structs) {
		return nil, fmt.Errorf("server returned %d predictions for %d structures", len(out), len(structs))
	}
	return out, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
