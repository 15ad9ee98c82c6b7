// Entry point for the liaison integration engine: write-ahead recovery,
// production deploy/start from the config directory, hot reload, retention
// housekeeping and the admin HTTP surface. The same binary doubles as the
// multi_process pool worker when spawned with the worker env flag set.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/liaison/admin"
	"github.com/hazyhaar/liaison/archive"
	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/dbopen"
	"github.com/hazyhaar/liaison/engine"
	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/hosts"
	"github.com/hazyhaar/liaison/msgstore"
	"github.com/hazyhaar/liaison/observability"
	"github.com/hazyhaar/liaison/runner"
	"github.com/hazyhaar/liaison/wal"
)

func main() {
	if runner.IsWorkerMode() {
		if err := runWorker(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	port := env("PORT", "8086")
	storePath := env("STORE_DB", "db/messages.db")
	obsPath := env("OBS_DB", "db/observability.db")
	walDir := env("WAL_DIR", "wal")
	archiveDir := env("ARCHIVE_DIR", "archive")
	configDir := env("CONFIG_DIR", "productions")
	logLevel := env("LOG_LEVEL", "info")
	retentionDays := envInt("RETENTION_DAYS", 30)

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Message store.
	storeDB, err := dbopen.Open(storePath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("message store db", "error", err)
		os.Exit(1)
	}
	defer storeDB.Close()
	store := msgstore.New(storeDB)
	if err := store.Init(); err != nil {
		slog.Error("message store init", "error", err)
		os.Exit(1)
	}
	writer := msgstore.NewWriter(store, 1024)

	// Observability: events, metrics, heartbeat.
	obsDB, err := dbopen.Open(obsPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}
	recorder := observability.NewRecorder(obsDB, 256)
	metrics := observability.NewMetricsManager(obsDB, 256, 30*time.Second)
	heartbeat := observability.NewHeartbeatWriter(obsDB, "liaison-engine", 15*time.Second)
	heartbeat.Start(ctx)

	// Wire archive.
	arch, err := archive.Open(archiveDir)
	if err != nil {
		slog.Error("archive", "error", err)
		os.Exit(1)
	}

	// Write-ahead log: recover in-flight custody before any traffic.
	walLog, err := wal.Open(walDir, wal.Options{Logger: logger})
	if err != nil {
		slog.Error("write-ahead log", "error", err)
		os.Exit(1)
	}
	recovered, err := walLog.Replay()
	if err != nil {
		slog.Error("write-ahead replay", "error", err)
		os.Exit(1)
	}
	if recovered.Torn {
		slog.Warn("write-ahead log ends in a torn record; tail discarded")
	}
	slog.Info("write-ahead replay", "scanned", recovered.Scanned, "live", len(recovered.Live))
	if err := walLog.Compact(recovered.Live); err != nil {
		slog.Error("write-ahead compaction", "error", err)
	}

	// Engine.
	eng, err := engine.New(engine.Config{
		Log:        walLog,
		Writer:     writer,
		Transforms: hosts.BuiltinTransforms(),
		Archive:    arch,
		Events:     recorder,
		Metrics:    metrics,
		Backlog:    recovered.Live,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("engine", "error", err)
		os.Exit(1)
	}

	// Deploy and start everything the config directory holds. One bad
	// production must not keep the others down.
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		slog.Error("config dir", "error", err)
		os.Exit(1)
	}
	repo := config.NewFileRepository(configDir)
	projects, err := repo.Projects(ctx)
	if err != nil {
		slog.Error("config scan", "error", err)
		os.Exit(1)
	}
	for _, project := range projects {
		if err := bootProject(ctx, eng, repo, project); err != nil {
			slog.Error("production boot failed", "project", project, "error", err)
		}
	}

	// Hot reload: redeploy on config change; a project seen for the first
	// time also starts.
	go func() {
		err := config.Watch(ctx, configDir, func(ctx context.Context, project string) {
			if deployedProject(eng, project) {
				doc, err := repo.Production(ctx, project)
				if err != nil {
					slog.Error("config reload failed", "project", project, "error", err)
					return
				}
				if err := eng.Deploy(ctx, doc); err != nil {
					slog.Error("redeploy failed", "project", project, "error", err)
					return
				}
				slog.Info("production redeployed", "project", project)
				return
			}
			if err := bootProject(ctx, eng, repo, project); err != nil {
				slog.Error("production boot failed", "project", project, "error", err)
			}
		}, config.WatchOptions{Logger: logger})
		if err != nil && ctx.Err() == nil {
			slog.Error("config watch", "error", err)
		}
	}()

	// Retention housekeeping.
	go func() {
		tick := time.NewTicker(6 * time.Hour)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if n, err := store.DeleteOlderThan(ctx, retentionDays); err != nil {
					slog.Error("message retention", "error", err)
				} else if n > 0 {
					slog.Info("message retention", "deleted", n)
				}
				err := observability.Cleanup(ctx, obsDB, observability.RetentionConfig{
					EventsDays:     retentionDays,
					HeartbeatsDays: 7,
					MetricsDays:    retentionDays,
				})
				if err != nil {
					slog.Error("observability retention", "error", err)
				}
				if n, err := arch.Prune(time.Duration(retentionDays) * 24 * time.Hour); err != nil {
					slog.Error("archive retention", "error", err)
				} else if n > 0 {
					slog.Info("archive retention", "pruned", n)
				}
			}
		}
	}()

	// Admin HTTP server.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           admin.New(eng, store, admin.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("admin server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin shutdown", "error", err)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		slog.Error("engine shutdown", "error", err)
	}
	heartbeat.Stop()
	metrics.Close()
	recorder.Close()
	if err := writer.Close(); err != nil {
		slog.Error("store writer shutdown", "error", err)
	}
	if err := walLog.Close(); err != nil {
		slog.Error("write-ahead shutdown", "error", err)
	}
	slog.Info("engine stopped")
}

// runWorker is the child side of a multi_process pool: length-prefixed frames
// in on stdin, frames out on stdout. Logs go to stderr because stdout belongs
// to the protocol. The handler name is the item name; it resolves against the
// same transform registry the parent compiled in.
func runWorker() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	transforms := hosts.BuiltinTransforms()
	return runner.ServeChild(context.Background(), os.Stdin, os.Stdout,
		func(ctx context.Context, handler string, env *envelope.Envelope) (*envelope.Envelope, error) {
			fn, ok := transforms.Lookup(handler)
			if !ok {
				return nil, fmt.Errorf("no transform registered for %q", handler)
			}
			return fn(ctx, env)
		})
}

// bootProject deploys a production from the repository and brings it up.
func bootProject(ctx context.Context, eng *engine.Engine, repo *config.FileRepository, project string) error {
	doc, err := repo.Production(ctx, project)
	if err != nil {
		return err
	}
	if err := eng.Deploy(ctx, doc); err != nil {
		return err
	}
	return eng.Start(ctx, project)
}

func deployedProject(eng *engine.Engine, project string) bool {
	for _, name := range eng.Projects() {
		if name == project {
			return true
		}
	}
	return false
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
