package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/samsub-registry/internal/api"
	"github.com/celerix-dev/samsub-registry/internal/config"
	"github.com/celerix-dev/samsub-registry/internal/engine"
	"github.com/celerix-dev/samsub-registry/internal/logger"
	"github.com/celerix-dev/samsub-registry/internal/metrics"
	"github.com/celerix-dev/samsub-registry/internal/server"
	"github.com/celerix-dev/samsub-registry/internal/storage/sqlite"
	"github.com/celerix-dev/samsub-registry/internal/vault"
	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

// main wires the registry engine to its storage backend and exposes it over
// HTTP and the TCP protocol until SIGINT or SIGTERM.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	log := logger.New(level, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("daemon stopped")
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	log.Info("starting samsub registry daemon",
		"backend", cfg.Backend,
		"data_dir", cfg.DataDir,
		"tcp_port", cfg.Port,
		"http_port", cfg.HTTPPort,
	)
	if cfg.TokenSecret == config.DevTokenSecret {
		log.Warn("using the development token secret; set SAMSUB_TOKEN_SECRET")
	}

	// 1. Initialize persistence
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	// 2. Load existing state and start the engine
	m := metrics.New(prometheus.DefaultRegisterer)
	registry, err := engine.Open(ctx,
		engine.WithBackend(backend),
		engine.WithLogger(log),
		engine.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	log.Info("engine started", "records", registry.Len(), "owner", registry.Owner())

	if err := bootstrapOwner(ctx, registry, cfg.Owner, log); err != nil {
		return err
	}

	tokens, err := vault.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	// 3. TCP router
	router := server.NewRouter(registry, tokens, log)
	router.SetMetrics(m)
	if cfg.DisableTLS {
		log.Warn("TLS encryption disabled (SAMSUB_DISABLE_TLS=true)")
	} else {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
		log.Info("TLS encryption enabled")
	}

	// 4. HTTP API
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	api.Register(r, &api.Handler{
		Registry: registry,
		Tokens:   tokens,
		Logger:   log,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 5. Serve until a signal arrives or a listener fails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("tcp engine listening", "port", cfg.Port)
		if err := router.Listen(cfg.Port); err != nil {
			return fmt.Errorf("tcp server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := router.Stop(); err != nil {
			log.Warn("tcp listener close failed", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openBackend returns the configured storage backend and its cleanup func.
func openBackend(ctx context.Context, cfg config.Server) (engine.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := sqlite.Open(ctx, filepath.Join(cfg.DataDir, sqlite.DefaultFile))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		backend, err := engine.NewFileBackend(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() {}, nil
	}
}

// bootstrapOwner performs the deploy-time initialization when SAMSUB_OWNER
// is set. A registry that already has an owner is left unchanged.
func bootstrapOwner(ctx context.Context, registry *engine.Registry, owner string, log *slog.Logger) error {
	if owner == "" {
		return nil
	}
	err := registry.Initialize(ctx, owner)
	switch {
	case err == nil:
		log.Info("registry initialized from configuration", "owner", owner)
		return nil
	case errors.Is(err, schema.ErrAlreadyInitialized):
		if current := registry.Owner(); current != owner {
			log.Warn("SAMSUB_OWNER ignored, registry already has an owner", "owner", current)
		}
		return nil
	default:
		return fmt.Errorf("bootstrap owner: %w", err)
	}
}
