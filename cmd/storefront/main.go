// Command storefront launches the Wayfare storefront API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/wayfare/wayfare/internal/config"
	"github.com/wayfare/wayfare/internal/feed"
	httpserver "github.com/wayfare/wayfare/internal/server/http"
	"github.com/wayfare/wayfare/internal/store"
	"github.com/wayfare/wayfare/internal/store/local"
	"github.com/wayfare/wayfare/internal/store/migrations"
	"github.com/wayfare/wayfare/internal/store/postgres"
	"github.com/wayfare/wayfare/internal/telemetry"
)

const (
	defaultConfigPath = "config/app.yaml"
	loggerPrefix      = "storefront "

	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	storeShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second

	migrateTimeout = 30 * time.Second
	connectTimeout = 10 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newStorefrontLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, backend=%s", appCfg.Environment, appCfg.Backend)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	recordStore, err := buildStore(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise record store: %v", err)
	}

	broadcaster := feed.NewBroadcaster()

	var lifecycle conc.WaitGroup

	apiServer := buildAPIServer(appCfg, recordStore, broadcaster, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("storefront API listening on %s", apiServer.Addr)

	logger.Print("storefront started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:      apiServer,
		mainCancel:  cancel,
		lifecycle:   &lifecycle,
		broadcaster: broadcaster,
		store:       recordStore,
		telemetry:   telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newStorefrontLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if appCfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(appCfg.Environment)
	telemetryCfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = appCfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.EnableMetrics && telemetryCfg.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildStore selects the authoritative backend. The Postgres DSN comes from
// configuration or the WAYFARE_DATABASE_URL environment variable; credentials
// are never baked into the binary.
func buildStore(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (store.RecordStore, error) {
	switch appCfg.Backend {
	case config.BackendPostgres:
		if appCfg.Database.RunMigrations {
			migrateCtx, migrateCancel := context.WithTimeout(ctx, migrateTimeout)
			err := migrations.ApplyEmbedded(migrateCtx, appCfg.Database.DSN, logger)
			migrateCancel()
			if err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
		defer connectCancel()
		st, err := postgres.New(connectCtx, postgres.Config{
			DSN:      appCfg.Database.DSN,
			MaxConns: appCfg.Database.MaxConns,
			MinConns: appCfg.Database.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres store: %w", err)
		}
		logger.Printf("postgres store ready: maxConns=%d", appCfg.Database.MaxConns)
		return st, nil
	case config.BackendLocal:
		st, err := local.New(appCfg.Local.Dir)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		logger.Printf("local store ready: dir=%s", appCfg.Local.Dir)
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", appCfg.Backend)
	}
}

func buildAPIServer(appCfg config.AppConfig, recordStore store.RecordStore, broadcaster *feed.Broadcaster, logger *log.Logger) *http.Server {
	handler := httpserver.NewHandler(httpserver.Options{
		Store:          recordStore,
		Backend:        string(appCfg.Backend),
		Feed:           broadcaster,
		Logger:         logger,
		RequestTimeout: appCfg.Server.RequestTimeout,
		RateLimitRPS:   appCfg.Server.RateLimitRPS,
		RateLimitBurst: appCfg.Server.RateLimitBurst,
	})

	return &http.Server{
		Addr:              appCfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server      *http.Server
	mainCancel  context.CancelFunc
	lifecycle   *conc.WaitGroup
	broadcaster *feed.Broadcaster
	store       store.RecordStore
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.broadcaster != nil {
		logger.Print("shutdown: closing change feed")
		cfg.broadcaster.Close()
	}

	if cfg.store != nil {
		shutdownStep("closing record store", storeShutdownTimeout, func(context.Context) error {
			cfg.store.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
