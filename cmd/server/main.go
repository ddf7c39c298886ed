// PrintVault Server
//
// Features:
// - Prometheus metrics & structured logging (zap)
// - Project folder index over the model and sliced-file roots
// - Multipart upload with conflict handling and archive extraction
// - Targeted incremental reindexing + fsnotify watcher
// - SSE real-time library events
// - Optional Moonraker printer integration with SQLite stats cache
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/printvault/printvault/internal/api"
	"github.com/printvault/printvault/internal/config"
	"github.com/printvault/printvault/internal/events"
	"github.com/printvault/printvault/internal/history"
	"github.com/printvault/printvault/internal/ingest"
	"github.com/printvault/printvault/internal/library"
	"github.com/printvault/printvault/internal/logging"
	"github.com/printvault/printvault/internal/metrics"
	"github.com/printvault/printvault/internal/printer"
	"github.com/printvault/printvault/internal/watch"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("PrintVault Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("model_root", cfg.ModelRoot),
		zap.String("sliced_root", cfg.SlicedRoot))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Mutable runtime settings
	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		logging.Fatal("settings load failed", zap.Error(err))
	}

	// Print-history cache
	historyStore, err := history.New(cfg.HistoryDBPath)
	if err != nil {
		logging.Fatal("history store init failed", zap.Error(err))
	}
	defer historyStore.Close()

	// SSE broadcaster
	broadcaster := events.NewBroadcaster()

	// Build the initial index
	builder := &library.Builder{
		ModelRoot:  cfg.ModelRoot,
		SlicedRoot: cfg.SlicedRoot,
	}
	store := library.NewStore()

	logging.Info("building library index...")
	snap, err := builder.Build(ctx)
	if err != nil {
		logging.Fatal("initial index build failed", zap.Error(err))
	}
	snap = store.Swap(snap)
	logging.Info("library index built",
		zap.Int("projects", len(snap.Projects)),
		zap.Int("files", snap.TotalFiles()),
		zap.Uint64("generation", snap.Generation))

	// Mutation pipeline
	pipeline := &ingest.Pipeline{
		ModelRoot:         cfg.ModelRoot,
		SlicedRoot:        cfg.SlicedRoot,
		Builder:           builder,
		Store:             store,
		Events:            broadcaster,
		MaxArchiveBytes:   cfg.MaxArchiveSize,
		MaxArchiveEntries: cfg.MaxArchiveEntries,
		AutoReindex:       cfg.AutoReindex,
	}

	// Filesystem watcher keeps the index current for out-of-band writes
	if cfg.WatchEnabled {
		watcher := &watch.Watcher{
			ModelRoot:  cfg.ModelRoot,
			SlicedRoot: cfg.SlicedRoot,
			Debounce:   cfg.WatchDebounce,
			Events:     broadcaster,
			OnFolder: func(ctx context.Context, name string) {
				if err := pipeline.Reindex(ctx, []string{name}, false); err != nil {
					logging.Error("watcher reindex failed",
						zap.String("folder", name), zap.Error(err))
				}
			},
			OnSliced: func(ctx context.Context) {
				if err := pipeline.Reindex(ctx, nil, true); err != nil {
					logging.Error("watcher sliced refresh failed", zap.Error(err))
				}
			},
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logging.Error("watcher stopped", zap.Error(err))
			}
		}()
	}

	// Create API server
	srv := api.NewServer(store, pipeline, settings, historyStore, broadcaster, cfg.MaxUploadSize)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Periodic printer-history refresh
	if cfg.HistoryRefreshInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.HistoryRefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					ps := settings.Get().Printer
					if !ps.Enabled {
						continue
					}
					client := printer.NewClient(ps.URL, ps.APIKey)
					if err := historyStore.RefreshFromPrinter(ctx, client); err != nil {
						logging.Warn("print history refresh failed", zap.Error(err))
					}
				}
			}
		}()
	}

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}
