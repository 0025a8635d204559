// Command kpald is the KPAL daemon: it loads plugin libraries from a
// configured directory, serves the peripheral/attribute HTTP API over
// them, and on shutdown drains every running peripheral before exiting.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kpal-project/kpal/internal/config"
	"github.com/kpal-project/kpal/internal/dispatch"
	"github.com/kpal-project/kpal/internal/httpapi"
	"github.com/kpal-project/kpal/internal/loader"
	"github.com/kpal-project/kpal/internal/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kpald:", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("kpald", pflag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting kpald",
		zap.String("plugin_dir", cfg.PluginDir),
		zap.String("listen_addr", cfg.ListenAddr),
	)

	libraries := registry.NewLibraries()
	peripherals := registry.NewPeripherals()

	results, err := loader.Discover(cfg.PluginDir, libraries, log)
	if err != nil {
		return fmt.Errorf("discovering plugins: %w", err)
	}
	libraries.Freeze()

	loaded := 0
	for _, r := range results {
		if r.Err == nil {
			loaded++
		}
	}
	log.Info("plugin discovery complete", zap.Int("candidates", len(results)), zap.Int("loaded", loaded))

	disp := dispatch.New(libraries, peripherals, log)

	// /metrics serves the default registry, which already carries the Go
	// and process collectors, so the API's own metrics are registered there.
	api := httpapi.New(disp, log, prometheus.DefaultRegisterer)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}

	log.Info("draining peripherals")
	if err := disp.Shutdown(shutdownCtx); err != nil {
		log.Warn("peripherals did not all drain before the shutdown deadline", zap.Error(err))
	}

	log.Info("kpald stopped")
	return nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build(zap.Fields(zap.String("library", "kpald")))
}
