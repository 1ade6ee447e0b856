package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/23skdu/longbow-egnn/internal/client"
	"github.com/23skdu/longbow-egnn/internal/codec"
	"github.com/23skdu/longbow-egnn/internal/predict"
	"github.com/23skdu/longbow-egnn/internal/predict/weights"
	"github.com/23skdu/longbow-egnn/internal/structure"
)

var (
	configPath  = flag.String("config", "", "Path to YAML model config")
	weightsPath = flag.String("weights", "", "Path to raw float32 weights file")
	backendName = flag.String("backend", "cpu", "Compute backend")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")

	nodeDim     = flag.Int("node-dim", 0, "Override atom feature width")
	edgeDim     = flag.Int("edge-dim", 0, "Override distance basis width")
	nConvLayer  = flag.Int("n-conv", 0, "Override number of conv layers")
	outDim      = flag.Int("out-dim", 0, "Override number of predicted properties")
	hiddenDim   = flag.Int("hidden-dim", 0, "Override hidden MLP width")
	aggr        = flag.String("aggr", "", "Override aggregation (add, mean)")
	edgeAttrDim = flag.Int("edge-attr-dim", 0, "Override edge attribute width")
	cutoff      = flag.Float64("cutoff", 0, "Override neighbour cutoff in Å")
	seed        = flag.Int64("seed", 0, "Override init seed")
	shareWeight = flag.Bool("share-weight", false, "Share one conv layer across all rounds")

	workers            = flag.Int("workers", 0, "Concurrent batches (0 = NumCPU)")
	maxBatchAtoms      = flag.Int("max-batch-atoms", predict.DefaultMaxBatchAtoms, "Atom budget per batch")
	maxBatchStructures = flag.Int("max-batch-structures", predict.DefaultMaxBatchStructures, "Structure budget per batch")
	cacheSize          = flag.Int("cache-size", 0, "Prediction cache entries (0 disables)")

	inputPath     = flag.String("input", "", "CBOR file with a list of structures to predict")
	synthetic     = flag.Int("synthetic", 0, "Predict N synthetic structures")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	saveWeights   = flag.String("save-weights", "", "Write the model parameters to this path and exit")
	analyzeParams = flag.Bool("analyze-weights", false, "Log per-tensor weight statistics and exit")

	serverAddr       = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName      = flag.String("dataset", "egnn_predictions", "Target dataset name on server")
	listenAddr       = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr       = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxInflightAtoms = flag.Int64("max-inflight-atoms", 1<<16, "Maximum number of atoms predicted at once")
	maxRequestBytes  = flag.String("max-request-bytes", "64MB", "Maximum request body size (e.g. 64MB, 512KiB)")
	transportFmt     = flag.String("transport-fmt", "fp32", "Transport format for predictions: 'fp32' (default) or 'fp16'")
	breakerFailures  = flag.Int("breaker-failures", 5, "Consecutive forward failures before the circuit opens")
	breakerTimeout   = flag.Duration("breaker-timeout", 30*time.Second, "Time before a tripped circuit is retried")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	modelCfg, err := loadModelConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load model config")
	}
	applyOverrides(&modelCfg, Overrides{
		NodeDim:     *nodeDim,
		EdgeDim:     *edgeDim,
		NConvLayer:  *nConvLayer,
		OutDim:      *outDim,
		HiddenDim:   *hiddenDim,
		Aggr:        *aggr,
		EdgeAttrDim: *edgeAttrDim,
		Cutoff:      *cutoff,
		Seed:        *seed,
		ShareWeight: *shareWeight,
	})

	format, err := codec.ParseFormat(*transportFmt)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid transport format")
	}
	requestLimit, err := parseBytes(*maxRequestBytes)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid request size limit")
	}

	predictor, err := predict.NewPredictor(predict.Config{
		Model:              modelCfg,
		Backend:            *backendName,
		WeightsPath:        *weightsPath,
		Workers:            *workers,
		MaxBatchAtoms:      *maxBatchAtoms,
		MaxBatchStructures: *maxBatchStructures,
		CacheSize:          *cacheSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create predictor")
	}
	resolvedCutoff := predictor.Model().Config.Cutoff

	if *analyzeParams {
		logWeightStats(predictor)
		return
	}
	if *saveWeights != "" {
		loader := weights.NewLoader(predictor.Model())
		if err := loader.SaveRawBinary(*saveWeights); err != nil {
			log.Fatal().Err(err).Msg("Failed to save weights")
		}
		log.Info().
			Str("path", *saveWeights).
			Str("size", humanize.Bytes(uint64(loader.Size()))).
			Msg("Saved weights")
		return
	}

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		var fwd client.Putter
		if *serverAddr != "" {
			fc, err := client.NewFlightClient(*serverAddr)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create flight client")
			}
			log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
			fwd = &client.GuardedPutter{
				Putter:  fc,
				Breaker: client.NewCircuitBreaker(*breakerFailures, *breakerTimeout),
			}
		}

		log.Info().
			Int64("max_inflight_atoms", *maxInflightAtoms).
			Str("max_request_bytes", humanize.Bytes(uint64(requestLimit))).
			Msg("Admission control")

		srv := NewServer(predictor, fwd, ServerConfig{
			Dataset:          *datasetName,
			MaxInflightAtoms: *maxInflightAtoms,
			MaxRequestBytes:  requestLimit,
			Cutoff:           resolvedCutoff,
			Format:           format,
		})
		if *listenAddr != "" && *flightAddr != "" {
			go startServer(*listenAddr, srv)
			StartFlightServer(*flightAddr, srv)
			return
		}
		if *flightAddr != "" {
			StartFlightServer(*flightAddr, srv)
			return
		}
		startServer(*listenAddr, srv)
		return
	}

	var structs []*structure.Structure
	switch {
	case *inputPath != "":
		structs, err = readInput(*inputPath, resolvedCutoff)
	case *synthetic > 0:
		structs, err = predict.GenerateStructures(*synthetic, modelCfg.Seed, resolvedCutoff)
	default:
		structs, err = predict.GenerateStructures(8, modelCfg.Seed, resolvedCutoff)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare structures")
	}

	if *duration > 0 {
		if len(structs) == 0 {
			log.Fatal().Msg("Soak test needs at least one structure")
		}
		runSoak(predictor, structs, *duration)
		return
	}

	start := time.Now()
	values, errs := predictWithProgress(predictor, structs)
	elapsed := time.Since(start)

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	log.Info().
		Int("count", len(structs)).
		Int("failed", failed).
		Dur("elapsed", elapsed).
		Int("out_dim", predictor.OutDim()).
		Float64("sps", float64(len(structs))/elapsed.Seconds()).
		Msg("Predicted structures")

	pool := memory.NewGoAllocator()
	ids := make([]string, len(structs))
	for i, s := range structs {
		ids[i] = s.ID
	}
	rec, err := codec.NewRecordBatchBuilder(pool, format).BuildPredictions(ids, values, errs, predictor.OutDim())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build prediction record")
	}
	defer rec.Release()

	// If server is provided, send via Flight
	if *serverAddr != "" {
		log.Info().Int("count", len(structs)).Str("server", *serverAddr).Str("dataset", *datasetName).Msg("Sending predictions to Longbow")
		flightClient, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Longbow")
		}
		defer func() {
			if err := flightClient.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := flightClient.DoPut(ctx, *datasetName, rec); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent predictions to Longbow")
		return
	}

	if err := codec.WriteIPC(os.Stdout, rec.Schema(), pool, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func readInput(path string, cutoff float64) ([]*structure.Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		log.Info().Str("path", path).Str("size", humanize.Bytes(uint64(info.Size()))).Msg("Reading structures")
	}
	return codec.DecodeStructuresCBOR(f, cutoff)
}

// predictWithProgress streams predictions while a progress bar tracks the
// structures reported so far.
func predictWithProgress(p *predict.Predictor, structs []*structure.Structure) ([][]float32, []error) {
	bar := progressbar.NewOptions(len(structs),
		progressbar.OptionSetWriter(progressWriter()),
		progressbar.OptionSetDescription("predicting"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("structures"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	defer func() { _ = bar.Finish() }()

	values := make([][]float32, len(structs))
	errs := make([]error, len(structs))
	for res := range p.PredictStream(context.Background(), structs) {
		end := res.Offset + res.Count
		if res.Err != nil {
			log.Warn().Err(res.Err).Int("offset", res.Offset).Msg("Prediction failed")
			for i := res.Offset; i < end; i++ {
				errs[i] = res.Err
			}
		} else {
			copy(values[res.Offset:end], res.Values)
		}
		_ = bar.Add(res.Count)
	}
	return values, errs
}

// progressWriter hides the bar unless stderr is meant for a human.
func progressWriter() io.Writer {
	if zerolog.GlobalLevel() > zerolog.InfoLevel {
		return io.Discard
	}
	return os.Stderr
}

func runSoak(p *predict.Predictor, structs []*structure.Structure, d time.Duration) {
	log.Info().Str("duration", d.String()).Int("structures", len(structs)).Msg("Starting soak test")

	atomsPerIter := 0
	for _, s := range structs {
		atomsPerIter += s.NumAtoms()
	}

	ctx, span := otel.Tracer("egnn-cli").Start(context.Background(), "soak")
	defer span.End()

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalStructures, totalAtoms int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := p.Predict(ctx, structs); err != nil {
			log.Error().Err(err).Int("iter", iter).Msg("Soak iteration failed")
		}
		totalStructures += int64(len(structs))
		totalAtoms += int64(atomsPerIter)
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_structures", totalStructures).
				Float64("sps", float64(totalStructures)/elapsed.Seconds()).
				Float64("atoms_per_sec", float64(totalAtoms)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	span.SetAttributes(attribute.Int64("structures", totalStructures), attribute.Int("iterations", iter))
	log.Info().
		Int64("total_structures", totalStructures).
		Dur("total_time", totalElapsed).
		Float64("avg_sps", float64(totalStructures)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func logWeightStats(p *predict.Predictor) {
	for _, s := range weights.Analyze(p.Model()) {
		log.Info().
			Str("tensor", s.Name).
			Str("shape", fmt.Sprintf("%dx%d", s.Rows, s.Cols)).
			Float32("min", s.Min).
			Float32("max", s.Max).
			Float64("mean", s.Mean).
			Float64("std", s.Std).
			Int("zeros", s.Zeros).
			Msg("Weight stats")
	}
	log.Info().Int("params", p.Model().ParamCount()).Str("model_id", p.ModelID()).Msg("Weight analysis complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "egnn"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
