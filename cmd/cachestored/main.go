package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/cachecore/kernel"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "cachestored.yaml", "Path to the kernel's YAML config file")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()
	setupLogging()

	cfg, err := kernel.LoadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Str("config", configFlag).Msg("could not load config")
	}

	k, err := kernel.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("could not start kernel")
	}
	defer k.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go k.RunUpdater(ctx)

	log.Info().Str("listen", cfg.Listen).Str("origin", cfg.Origin).Str("version", version).Msg("starting cachestored")
	server := &http.Server{Addr: cfg.Listen, Handler: k.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("error during shutdown")
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func setupLogging() {
	level := zerolog.InfoLevel
	if verbosityTraceFlag {
		level = zerolog.TraceLevel
	}

	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilenameFlag != "" {
		f, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open log file")
		}
		outputs = append(outputs, f)
	}
	log.Logger = log.Level(level).
		Output(zerolog.MultiLevelWriter(outputs...)).
		With().Str("version", version).Logger()
}
