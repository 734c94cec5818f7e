package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/adred-codev/realtime-relay/internal/relay/core"
	"github.com/adred-codev/realtime-relay/internal/shared/lifecycle"
	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/adred-codev/realtime-relay/internal/shared/platform"
	"github.com/adred-codev/realtime-relay/internal/shared/types"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug  = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		pretty = flag.Bool("pretty", false, "human-readable logs (overrides LOG_FORMAT)")
	)
	flag.Parse()

	// Basic logger until configuration is loaded
	startup := log.New(os.Stdout, "[RELAY] ", log.LstdFlags)
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *pretty {
		cfg.LogFormat = "pretty"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	if cfg.Environment == "development" {
		cfg.Print()
	}
	cfg.LogConfig(logger)

	server, err := core.NewServer(cfg.RelayConfig(), core.Deps{}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	// Listen first; sockets arriving while the sink connects get a cold start notice
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sink, err := lifecycle.NewSink(lifecycle.Config{
		Kind:        types.SinkKind(cfg.LifecycleSink),
		NATSURL:     cfg.NATSURL,
		NATSSubject: cfg.NATSSubject,
		Brokers:     cfg.Brokers(),
		KafkaTopic:  cfg.KafkaTopic,
	}, logger)
	if err != nil {
		logger.Error().
			Err(err).
			Str("sink", cfg.LifecycleSink).
			Msg("Lifecycle sink unavailable, continuing without lifecycle events")
		monitoring.RecordError(monitoring.ErrorTypeLifecycle, monitoring.ErrorSeverityCritical)
		sink = lifecycle.NopSink{}
	}
	publisher := lifecycle.NewPublisher(sink, lifecycle.PublisherConfig{}, logger)
	server.SetEmitter(publisher)

	server.MarkReady()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutting down relay")
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	if err := publisher.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error closing lifecycle sink")
	}
}
