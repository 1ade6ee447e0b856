package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-egnn/internal/codec"
)

// EGNNFlightServer serves predictions over Arrow Flight. DoExchange answers
// each structure record with a prediction record; DoPut predicts and
// forwards to the store, or only logs when none is configured.
type EGNNFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewEGNNFlightServer(srv *Server) *EGNNFlightServer {
	return &EGNNFlightServer{srv: srv}
}

func (s *EGNNFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	schema := codec.PredictionSchema(s.srv.predictor.OutDim(), s.srv.cfg.Format)
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(s.srv.alloc))
	defer writer.Close()

	builder := codec.NewRecordBatchBuilder(s.srv.alloc, s.srv.cfg.Format)
	for reader.Next() {
		structs, err := codec.DecodeStructures(reader.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}

		res, err := s.srv.predict(ctx, structs)
		if err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}

		out, err := builder.BuildPredictions(res.ids, res.values, res.errs, s.srv.predictor.OutDim())
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
		log.Debug().Int("structures", len(structs)).Int("failed", res.failed()).Msg("DoExchange batch served")
	}
	return reader.Err()
}

func (s *EGNNFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoPut")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		structs, err := codec.DecodeStructures(rec)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		res, err := s.srv.predict(ctx, structs)
		if err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
		log.Info().
			Int64("rows", rec.NumRows()).
			Int("failed", res.failed()).
			Strs("path", reader.LatestFlightDescriptor().GetPath()).
			Msg("DoPut received batch")
	}
	return reader.Err()
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewEGNNFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting EGNN Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
