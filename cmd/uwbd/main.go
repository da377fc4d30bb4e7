// uwbd: live UWB tag position service
// Streams trilaterated tag positions to authenticated WebSocket clients
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-uwb/internal/config"
	"github.com/teslashibe/go-uwb/internal/log"
	"github.com/teslashibe/go-uwb/pkg/auth"
	"github.com/teslashibe/go-uwb/pkg/metrics"
	"github.com/teslashibe/go-uwb/pkg/stream"
	"github.com/teslashibe/go-uwb/pkg/web"
)

var (
	version    = "0.1.0"
	configPath = flag.String("config", "", "Path to YAML config file")
	addr       = flag.String("addr", "", "Listen address (overrides config)")
	fixtures   = flag.String("fixtures", "", "Fixtures file to seed the store")
	driver     = flag.String("store", "", "Store driver: memory, sqlite, postgres, mqtt")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := log.Init(cfg.Log)
	if err := run(cfg, logger); err != nil {
		logger.Error("uwbd failed", "error", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until a signal or a server error. Every
// resource it opens is released before it returns.
func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("uwbd starting", "version", version, "store", cfg.Store.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer backend.close()

	m := metrics.New()
	engine := stream.NewEngine(backend.ranges, backend.rooms, backend.access, cfg.Stream, m, logger)
	srv := web.NewServer(web.Config{
		Addr:         cfg.Server.Addr,
		AllowOrigins: cfg.Server.AllowOrigins,
		Debug:        *debug,
	}, engine, verifier, m, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("endpoints",
			"ws", "ws://localhost"+cfg.Server.Addr+"/ws?token=<jwt>",
			"health", "http://localhost"+cfg.Server.Addr+"/health",
			"metrics", "http://localhost"+cfg.Server.Addr+"/metrics")
		errCh <- srv.Listen()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	if serveErr != nil {
		return fmt.Errorf("server: %w", serveErr)
	}
	logger.Info("goodbye")
	return nil
}

// loadConfig resolves the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *fixtures != "" {
		cfg.Store.Fixtures = *fixtures
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
