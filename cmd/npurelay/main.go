package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-npu/internal/npu"
	"github.com/23skdu/longbow-npu/internal/option"
)

var (
	listenAddr      = flag.String("listen", ":8080", "Address for the admin HTTP server (empty disables it)")
	flightAddr      = flag.String("flight", "", "Address for the Flight ingestion server (e.g. :9090)")
	deviceIndex     = flag.Int("device", 0, "Device ordinal")
	optionsFile     = flag.String("options", "", "YAML file of runtime options applied in order at startup")
	maxConcurrent   = flag.Int("max-concurrent", 64, "Maximum number of datasets being enqueued at once")
	channelCapacity = flag.Int("channel-capacity", 128, "Capacity of channels created by Flight DoPut")
	reclaimInterval = flag.Duration("reclaim-interval", 0, "Re-poll interval for pending completion events")
	demo            = flag.Duration("demo", 0, "Run the demo workload for the given duration (e.g. 10s)")
	cpuProfile      = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel      = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

// relayConfig is the flag set resolved for one run.
type relayConfig struct {
	ListenAddr      string
	FlightAddr      string
	OptionsFile     string
	MaxConcurrent   int
	ChannelCapacity int
	Demo            time.Duration
	NPU             npu.Config
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	exitCode := 0
	defer func() { os.Exit(exitCode) }()

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, relayConfig{
		ListenAddr:      *listenAddr,
		FlightAddr:      *flightAddr,
		OptionsFile:     *optionsFile,
		MaxConcurrent:   *maxConcurrent,
		ChannelCapacity: *channelCapacity,
		Demo:            *demo,
		NPU: npu.Config{
			DeviceIndex:     *deviceIndex,
			ReclaimInterval: *reclaimInterval,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("npurelay failed")
		exitCode = 1
	}
}

// run owns the NPU context for the life of the relay: every return path,
// including startup failures after Init, closes it and drains pending
// device work.
func run(ctx context.Context, cfg relayConfig) (err error) {
	if cfg.OptionsFile != "" {
		settings, err := option.LoadFile(cfg.OptionsFile)
		if err != nil {
			return fmt.Errorf("load options %s: %w", cfg.OptionsFile, err)
		}
		log.Info().Int("count", len(settings)).Str("path", cfg.OptionsFile).Msg("Loaded options")
		cfg.NPU.Settings = append(cfg.NPU.Settings, settings...)
	}

	nctx, err := npu.Init(cfg.NPU)
	if err != nil {
		return fmt.Errorf("initialize NPU context: %w", err)
	}
	defer func() {
		if cerr := nctx.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("NPU context closed with errors")
			err = errors.Join(err, cerr)
		}
	}()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if cfg.Demo > 0 {
		if err := runDemo(ctx, nctx, cfg.Demo); err != nil {
			log.Error().Err(err).Msg("Demo workload failed")
		}
	}

	srv := NewServer(nctx, cfg.MaxConcurrent)

	if cfg.FlightAddr != "" {
		fs, err := StartFlightServer(cfg.FlightAddr, NewRelayFlightServer(nctx, srv.sem, cfg.ChannelCapacity))
		if err != nil {
			return fmt.Errorf("init Flight server on %s: %w", cfg.FlightAddr, err)
		}
		go func() {
			log.Info().Str("addr", cfg.FlightAddr).Msg("Starting Flight ingestion server")
			if err := fs.Serve(); err != nil {
				log.Error().Err(err).Msg("Flight server failed")
				stop()
			}
		}()
		defer fs.Shutdown()
	}

	var httpSrv *http.Server
	if cfg.ListenAddr != "" {
		httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: srv.Routes()}
		go func() {
			log.Info().Str("addr", cfg.ListenAddr).Msg("Starting admin server")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin server failed")
				stop()
			}
		}()
	}

	if httpSrv == nil && cfg.FlightAddr == "" {
		return nil
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown")
		}
	}
	return nil
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
			semconv.ServiceNameKey.String("npurelay"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
