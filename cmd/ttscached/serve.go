package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/meigma/ttscache/httpapi"
	"github.com/meigma/ttscache/kbaudio"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/prefetch"
	"github.com/meigma/ttscache/session"
	"github.com/meigma/ttscache/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	maxSize, err := cfg.maxSizeBytes()
	if err != nil {
		return err
	}
	cache, err := store.New(cfg.Cache.Dir,
		store.WithMaxSize(maxSize),
		store.WithDefaultTTL(cfg.Cache.TTL),
		store.WithCompression(cfg.Cache.Compress),
		store.WithLogger(logger.WithPrefix("store")),
	)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}

	pl, err := pool.New(poolOptions(cfg, logger.WithPrefix("pool"))...)
	if err != nil {
		_ = cache.Close()
		return fmt.Errorf("create pool: %w", err)
	}

	pre := prefetch.New(cache, pl,
		prefetch.WithLookahead(cfg.Prefetch.Lookahead),
		prefetch.WithLimiter(prefetchLimiter(cfg.Prefetch.Rate)),
		prefetch.WithMaxJobs(cfg.Prefetch.MaxJobs),
		prefetch.WithLogger(logger.WithPrefix("prefetch")),
	)

	bridge := session.NewBridge(cache, pl,
		session.WithPrefetcher(pre),
		session.WithLogger(logger.WithPrefix("session")),
	)

	apiOpts := []httpapi.Option{httpapi.WithLogger(logger.WithPrefix("http"))}
	if cfg.KB.Dir != "" {
		kb, kbErr := kbaudio.NewManager(cfg.KB.Dir,
			kbaudio.WithLogger(logger.WithPrefix("kbaudio")),
		)
		if kbErr != nil {
			logger.Error("kb audio disabled", "dir", cfg.KB.Dir, "err", kbErr)
		} else {
			apiOpts = append(apiOpts, httpapi.WithKBAudio(kb))
		}
	}

	handler := httpapi.NewHandler(bridge, cache, pl, pre, apiOpts...)

	server := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// A live miss holds the response open for a full generation,
		// slot wait included.
		WriteTimeout: cfg.Pool.RequestTimeout + 10*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", cfg.Addr,
			"cache_dir", cfg.Cache.Dir,
			"max_size", cfg.Cache.MaxSize,
			"providers", pl.Providers())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig)
	case err := <-errCh:
		pre.Close()
		_ = cache.Close()
		return fmt.Errorf("serve: %w", err)
	}

	// Stop background generation first so the index save below sees
	// every entry the prefetcher managed to write.
	pre.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}

	if err := cache.Close(); err != nil {
		logger.Error("cache close", "err", err)
	}
	logger.Info("stopped")
	return nil
}

// prefetchLimiter paces background generation. Zero or negative
// disables pacing.
func prefetchLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// poolOptions translates pool config into options. With no providers
// configured the standard local set is registered.
func poolOptions(cfg config, logger *log.Logger) []pool.Option {
	opts := []pool.Option{
		pool.WithLiveSlots(cfg.Pool.LiveSlots),
		pool.WithBackgroundSlots(cfg.Pool.BackgroundSlots),
		pool.WithRequestTimeout(cfg.Pool.RequestTimeout),
		pool.WithLogger(logger),
	}
	if len(cfg.Pool.Providers) == 0 {
		return append(opts, pool.WithProviders(pool.DefaultProviders()))
	}
	for name, p := range cfg.Pool.Providers {
		opts = append(opts, pool.WithProvider(name, p.BaseURL, p.SampleRate))
	}
	return opts
}
