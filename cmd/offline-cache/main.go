// Command offline-cache is an offline-first caching proxy for the election
// dashboard. It precaches the application shell, serves dashboard requests
// through per-request caching strategies and keeps the last good copy of
// API data for use when the origin is unreachable.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wolfeidau/offline-cache/server"
	"github.com/wolfeidau/offline-cache/telemetry"
)

var version = "dev"

// CLI is the command line.
type CLI struct {
	Address      string        `help:"Address to listen on." default:":8080" env:"OFFLINE_CACHE_ADDRESS"`
	Origin       string        `help:"Dashboard origin to proxy, e.g. https://dashboard.example.com." required:"" env:"OFFLINE_CACHE_ORIGIN"`
	Storage      string        `help:"Storage directory path." default:"./offline-cache" type:"path" env:"OFFLINE_CACHE_STORAGE"`
	Prefix       string        `help:"Cache name prefix." default:"kenpolimarket"`
	CacheVersion string        `help:"Cache version. Changing it installs a new worker generation." default:"v1" env:"OFFLINE_CACHE_VERSION"`
	Manifest     string        `help:"Precache manifest (YAML or JSON)." type:"existingfile"`
	APIPattern   []string      `help:"Path regexp served stale-while-revalidate. Repeatable." name:"api-pattern"`
	Namespace    string        `help:"Key prefix for offline data." default:"kenpolimarket-v1"`
	MaxAge       time.Duration `help:"Maximum age of offline data." default:"24h"`
	KVQuota      int64         `help:"Keep offline data in memory with this byte quota (0 stores it on disk)." default:"0" name:"kv-quota"`

	RuntimeTTL      time.Duration `help:"Remove runtime cache records older than this (0 keeps them)." default:"0s" name:"runtime-ttl"`
	RuntimeMaxBytes int64         `help:"Runtime cache body size budget in bytes (0 is unlimited)." default:"0" name:"runtime-max-bytes"`
	TrimInterval    time.Duration `help:"How often runtime cache limits are enforced." default:"1h"`

	AuthToken string `help:"Bearer token protecting /_offline/ admin routes." env:"OFFLINE_CACHE_AUTH_TOKEN"`
	NoSync    bool   `help:"Disable fsync on cache database writes."`

	OTLPEndpoint string `help:"OTLP gRPC metrics endpoint (e.g. localhost:4317)." name:"otlp-endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:""`

	LogLevel      string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat     string `help:"Log format." default:"text" enum:"text,json"`
	LogFile       string `help:"Write logs to this file with rotation instead of stdout." type:"path"`
	LogMaxSize    int    `help:"Maximum log file size in megabytes before rotation." default:"100"`
	LogMaxBackups int    `help:"Rotated log files to keep." default:"5"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("offline-cache"),
		kong.Description("Offline-first caching proxy for the election dashboard."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(cli.Run())
}

// Run starts the proxy and blocks until it is interrupted.
func (c *CLI) Run() error {
	logger, closeLog, err := c.newLogger()
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "offline-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:      c.Address,
		Origin:       c.Origin,
		StoragePath:  c.Storage,
		Prefix:       c.Prefix,
		Version:      c.CacheVersion,
		ManifestPath: c.Manifest,
		APIPatterns:  c.APIPattern,
		Namespace:    c.Namespace,
		MaxAge:       c.MaxAge,
		KVQuota:      c.KVQuota,
		AuthToken:    c.AuthToken,
		NoSync:       c.NoSync,
		Logger:       logger,

		RuntimeTTL:      c.RuntimeTTL,
		RuntimeMaxBytes: c.RuntimeMaxBytes,
		TrimInterval:    c.TrimInterval,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"origin", c.Origin,
		"offline_data_url", fmt.Sprintf("http://localhost%s/_offline/data?path=/api/...", srv.Address()),
	)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return errors.Join(err, srv.Close())
	}
}

// newLogger builds the slog logger. Text logs use tint; a log file is
// rotated with lumberjack.
func (c *CLI) newLogger() (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	var (
		out     io.Writer = os.Stdout
		closeFn           = func() {}
		noColor           = false
	)
	if c.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    c.LogMaxSize,
			MaxBackups: c.LogMaxBackups,
			Compress:   true,
			LocalTime:  true,
		}
		out = rotator
		closeFn = func() { _ = rotator.Close() }
		noColor = true
	}

	var handler slog.Handler
	switch c.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    noColor,
		})
	}

	return slog.New(handler), closeFn, nil
}
