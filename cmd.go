package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"offline-map-cache/cache"
	"offline-map-cache/config"
	"offline-map-cache/preload"
	"offline-map-cache/proxy"
	"offline-map-cache/weather"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "offline-map-cache",
	Short: "Offline-capable caching edge for the Victoria emergency services map",
	Long: `offline-map-cache sits between the map client and its origin, applying
cache-first, stale-while-revalidate and network-first strategies per asset
class, preloading dataset categories at startup, and keeping the map usable
when the origin is unreachable.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Activate the cache, warm it, preload datasets and serve",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Warm the cache from the asset manifests and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runWarm()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd, warmCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, zerolog.Logger, *proxy.Controller, cache.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Logger{}, nil, nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	store, err := buildStore(cfg, logger)
	if err != nil {
		return nil, zerolog.Logger{}, nil, nil, err
	}

	controller, err := proxy.NewController(cfg, store, logger)
	if err != nil {
		return nil, zerolog.Logger{}, nil, nil, err
	}
	return cfg, logger, controller, store, nil
}

func buildStore(cfg *config.Config, logger zerolog.Logger) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "bigcache":
		return cache.NewBigcacheStore(logger, cfg.Cache.MaxSizeMB, cfg.Cache.TTL), nil
	case "memcached":
		store := cache.NewMemcachedStore(logger, int32(cfg.Cache.TTL.Seconds()), cfg.Cache.MemcachedAddrs...)
		if err := store.TestConnection(); err != nil {
			return nil, fmt.Errorf("memcached unreachable: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func buildWeatherProvider(cfg *config.Config) weather.Provider {
	if cfg.Weather.Provider == "open-meteo" {
		return weather.NewOpenMeteoProvider(&http.Client{Timeout: cfg.FetchTimeout})
	}
	return weather.MockProvider{}
}

func runServe() error {
	cfg, logger, controller, store, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Activation sweeps stale namespaces before anything is served, then
	// install warms the recognized ones.
	if err := controller.Activate(ctx); err != nil {
		logger.Warn().Err(err).Msg("activation incomplete")
	}
	if err := controller.Install(ctx); err != nil {
		logger.Warn().Err(err).Msg("install warmup incomplete")
	}

	weatherHandler := weather.NewHandler(
		buildWeatherProvider(cfg), store, cfg.Cache.RuntimeNamespace(), cfg.Weather.TTL, logger)

	server := newServer(cfg, controller, weatherHandler)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Listen).Str("origin", cfg.Origin).Msg("serving")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if cfg.Preload.Enabled {
		runner := preload.NewRunner(logger, preload.NewConsoleProgress(), cfg.Preload.Delay)
		go runner.Run(ctx, preloadTasks(cfg.Preload.Categories, controller))
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	controller.Wait()
	return nil
}

func runWarm() error {
	_, logger, controller, _, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := controller.Activate(ctx); err != nil {
		return err
	}
	if err := controller.Install(ctx); err != nil {
		return err
	}
	logger.Info().Msg("warmup complete")
	return nil
}
