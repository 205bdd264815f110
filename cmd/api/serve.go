package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"folio/api/internal/app"
	"folio/api/internal/authpw"
	"folio/api/internal/cache"
	"folio/api/internal/events"
	"folio/api/internal/history"
	"folio/api/internal/search"
	"folio/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

// runtime is the wired process: the page service and everything that must
// be closed on the way out.
type runtime struct {
	service *app.Service
	bus     *events.Bus
	search  *search.Service
	closers []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildRuntime connects the store, cache, event sinks, search index and
// sitemap history and wires them into the page service.
func buildRuntime(ctx context.Context, db *sql.DB) (*runtime, error) {
	rt := &runtime{}
	dataStore := store.NewPostgresStore(db)

	rt.bus = events.NewBus(logger, events.BreakerOptions{
		MaxFailures: cfg.SinkMaxFailures,
		OpenTimeout: cfg.SinkOpenTimeout,
		SendTimeout: cfg.SinkSendTimeout,
	})
	rt.closers = append(rt.closers, func() {
		if err := rt.bus.Close(); err != nil {
			logger.Warn("close event sinks", zap.Error(err))
		}
	})

	var pageCache app.PageCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, running without page cache", zap.Error(err))
		} else {
			rt.closers = append(rt.closers, func() { _ = client.Close() })
			pageCache = cache.NewPageCache(client, cfg.PageCacheTTL)
			rt.bus.AddSink(events.NewRedisSink(client, cfg.EventChannelPrefix))
			logger.Info("redis page cache and event channel enabled", zap.String("prefix", cfg.EventChannelPrefix))
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		rt.bus.AddSink(events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info("kafka event sink enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.closers = append(rt.closers, meili.Close)
		index = meili
	}
	rt.search = search.NewService(index, search.NewPgFTS(db), logger)
	rt.search.Subscribe(rt.bus)
	rt.closers = append(rt.closers, rt.search.Wait)

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		rt.close()
		return nil, err
	}
	sitemapHistory := history.New(cfg.HistoryDir)

	service, err := app.New(cfg, app.Dependencies{
		Store:     dataStore,
		Publisher: rt.bus,
		Cache:     pageCache,
		Search:    rt.search,
		History:   sitemapHistory,
		Accounts:  authpw.NewService(dataStore, cfg.JWTSecret, cfg.TokenTTL),
		Logger:    logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	service.SubscribeCache(rt.bus)
	sitemapHistory.Subscribe(rt.bus, service.Sitemaps(), logger)

	if err := rt.search.ReindexAll(ctx, dataStore); err != nil {
		logger.Warn("initial search reindex failed", zap.Error(err))
	}

	rt.service = service
	return rt, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	rt, err := buildRuntime(ctx, db)
	if err != nil {
		return err
	}
	defer rt.close()

	httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("folio api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
