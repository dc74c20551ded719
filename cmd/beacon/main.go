// Package main implements the beacon binary.
// It runs a tracker and drives it from commands read on stdin, one per
// line, which makes it usable both interactively and from scripts.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beacon-sdk/beacon/internal/app"
	"github.com/beacon-sdk/beacon/internal/config"
	"github.com/beacon-sdk/beacon/internal/server"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configFile  string
	envFile     string
	dataDir     string
	appToken    string
	environment string
	baseURL     string
	logLevel    string
	metricsAddr string
	sdkPrefix   string
	buffering   bool
	showVersion bool
}

func main() {
	var f flags
	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.envFile, "env-file", ".env", "Environment file loaded before reading BEACON_* variables")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for persisted state and outbox")
	flag.StringVar(&f.appToken, "app-token", "", "Application token")
	flag.StringVar(&f.environment, "environment", "", "Environment: sandbox or production")
	flag.StringVar(&f.baseURL, "base-url", "", "Collector base URL")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: verbose, debug, info, warn, error, assert")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&f.sdkPrefix, "sdk-prefix", "", "Report the client sdk as <prefix>@sdk")
	flag.BoolVar(&f.buffering, "event-buffering", false, "Queue events until the next timer tick")
	flag.BoolVar(&f.showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Beacon - session and event tracking\n\n")
		fmt.Fprintf(os.Stderr, "Usage: beacon [options] < commands\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n%s", usage)
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  BEACON_APP_TOKEN        Application token\n")
		fmt.Fprintf(os.Stderr, "  BEACON_ENVIRONMENT      sandbox or production\n")
		fmt.Fprintf(os.Stderr, "  BEACON_DATA_DIR         Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  BEACON_BASE_URL         Collector base URL\n")
	}
	flag.Parse()

	if f.showVersion {
		fmt.Printf("beacon version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelDebug)
	ctx := context.Background()

	cfg, err := loadConfig(f)
	if err != nil {
		logger.Fatal(ctx, "failed to load configuration", slog.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tracker, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithRegisterer(reg))
	if err != nil {
		logger.Fatal(ctx, "failed to start tracker", slog.Error(err))
	}

	sm := server.NewShutdownManager(server.ShutdownConfig{Logger: logger.Named("shutdown")})
	sm.RegisterCloser("tracker", tracker)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info(ctx, "serving metrics", slog.F("addr", cfg.Metrics.Addr))
			if err := server.NewGracefulHTTPServer(srv, sm).ListenAndServe(); err != nil {
				logger.Error(ctx, "metrics server failed", slog.Error(err))
			}
		}()
	}

	go func() {
		if err := sm.ListenForSignals(ctx); err != nil {
			logger.Error(ctx, "shutdown error", slog.Error(err))
		}
	}()

	runErr := run(ctx, tracker, readLines(os.Stdin), sm.ShutdownCh(), os.Stdout)
	if err := sm.Shutdown(ctx, "input finished"); err != nil {
		logger.Error(ctx, "shutdown error", slog.Error(err))
		os.Exit(1)
	}
	if runErr != nil {
		logger.Error(ctx, "input error", slog.Error(runErr))
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(f flags) (*config.Config, error) {
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	var cfg *config.Config
	var err error
	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.appToken != "" {
		cfg.AppToken = f.appToken
	}
	if f.environment != "" {
		cfg.Environment = f.environment
	}
	if f.baseURL != "" {
		cfg.Collector.BaseURL = f.baseURL
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if f.sdkPrefix != "" {
		cfg.SDKPrefix = f.sdkPrefix
	}
	if f.buffering {
		cfg.EventBuffering = true
	}

	return cfg, nil
}

type line struct {
	text string
	err  error
}

// readLines streams r line by line. The channel is closed after EOF or the
// first read error.
func readLines(r io.Reader) <-chan line {
	lines := make(chan line)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- line{text: scanner.Text()}
		}
		if err := scanner.Err(); err != nil {
			lines <- line{err: err}
		}
	}()
	return lines
}
