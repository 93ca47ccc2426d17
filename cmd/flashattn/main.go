package main

import (
	"context"
	"flag"
	"math"
	"os"
	"runtime/pprof"
	"time"

	"github.com/23skdu/longbow-flash/internal/attention"
	"github.com/23skdu/longbow-flash/internal/client"
	"github.com/23skdu/longbow-flash/internal/transport"
	"github.com/23skdu/longbow-flash/internal/tuning"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	mode        = flag.String("mode", "run", "Mode: run, verify, bench")
	batch       = flag.Int("batch", 1, "Batch size")
	heads       = flag.Int("heads", 2, "Number of heads")
	seqLen      = flag.Int("seq", 1024, "Sequence length")
	headDim     = flag.Int("dim", 64, "Head dimension (16, 32, 64, 128, 256)")
	dtypeName   = flag.String("dtype", "fp16", "Element type: fp32, fp16, bf16, fp8")
	causal      = flag.Bool("causal", true, "Apply the causal mask")
	scale       = flag.Float64("scale", 0, "Softmax scale (0 means 1/sqrt(dim))")
	backward    = flag.Bool("backward", false, "Also run the backward pass")
	seed        = flag.Uint64("seed", 42, "Seed for random inputs")
	iters       = flag.Int("iters", 10, "Timed iterations in bench mode")
	inputPath   = flag.String("input", "", "Arrow IPC file holding q, k, v (and do) instead of random inputs")
	outputPath  = flag.String("output", "", "Write results to this Arrow IPC file")
	ckptPath    = flag.String("checkpoint", "", "Write forward row statistics to this CBOR file")
	transportNm = flag.String("transport", "strided", "Tile transport: strided, descriptor")
	tuningPath  = flag.String("tuning", "", "YAML tiling table overriding the static policy")
	parallelism = flag.Int("parallelism", 0, "Worker limit (0 means the tiling policy's choice)")
	serverAddr  = flag.String("server", "", "Remote flashattn Flight server (e.g., localhost:9090)")
	listenAddr  = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr  = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxPlanes   = flag.Int("max-concurrent", 64, "Maximum number of (batch, head) planes in flight on the servers")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func main() {
	// Initialize logging
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
		defer shutdown(context.Background())
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

	orch, err := newOrchestrator()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure attention")
	}

	var engine Engine = orch
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Using remote attention server")
		engine = fc
	}

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		if *listenAddr != "" {
			go startServer(*listenAddr, engine, *maxPlanes)
		}
		if *flightAddr != "" {
			StartFlightServer(*flightAddr, engine, *maxPlanes)
			return
		}
		select {}
	}

	cfg := runConfig{
		engine:   engine,
		backward: *backward,
		iters:    *iters,
	}
	if err := cfg.prepare(); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare inputs")
	}

	ctx := context.Background()
	switch *mode {
	case "run":
		err = cfg.run(ctx)
	case "verify":
		err = cfg.verify(ctx)
	case "bench":
		err = cfg.bench(ctx)
	default:
		log.Fatal().Str("mode", *mode).Msg("Unknown mode")
	}
	if err != nil {
		log.Fatal().Err(err).Str("mode", *mode).Msg("Failed")
	}
}

func newOrchestrator() (*attention.Orchestrator, error) {
	opts := attention.DefaultOptions()
	opts.Parallelism = *parallelism

	backend, err := transport.ByName(*transportNm, 0)
	if err != nil {
		return nil, err
	}
	opts.Transport = backend

	if *tuningPath != "" {
		table, err := tuning.LoadTable(*tuningPath, tuning.Static{})
		if err != nil {
			return nil, err
		}
		opts.Policy = tuning.NewCached(table)
		log.Info().Str("path", *tuningPath).Int("entries", len(table.Entries)).Msg("Loaded tiling table")
	}
	return attention.New(opts)
}

// softmaxScale resolves the -scale flag for a head dimension.
func softmaxScale(dim int) float32 {
	if *scale != 0 {
		return float32(*scale)
	}
	return float32(1 / math.Sqrt(float64(dim)))
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("flashattn"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
