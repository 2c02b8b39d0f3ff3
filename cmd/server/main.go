package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"medvault/internal/audit"
	auditpg "medvault/internal/audit/store/postgres"
	"medvault/internal/backup"
	backuppg "medvault/internal/backup/registry/postgres"
	"medvault/internal/crypto"
	"medvault/internal/platform/config"
	"medvault/internal/platform/logger"
	"medvault/internal/platform/metrics"
)

// main wires high-level dependencies and keeps the process lifecycle
// small. Business logic lives in the internal service packages; the HTTP
// surface here is operational only (/metrics, /healthz).
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	master, err := masterKey(cfg.MasterKeyHex)
	if err != nil {
		log.Error("invalid master key", "error", err)
		os.Exit(1)
	}

	engine, err := crypto.New(master,
		crypto.WithLogger(log),
		crypto.WithMetrics(m),
		crypto.WithIterations(cfg.KDFIterations),
	)
	if err != nil {
		log.Error("failed to build encryption engine", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditStore := auditpg.New(db)
	if err := auditStore.EnsureSchema(ctx); err != nil {
		log.Error("failed to ensure audit schema", "error", err)
		os.Exit(1)
	}
	registry := backuppg.New(db)
	if err := registry.EnsureSchema(ctx); err != nil {
		log.Error("failed to ensure backup schema", "error", err)
		os.Exit(1)
	}

	dispatcher := audit.NewDispatcher(audit.LogNotifier{Logger: log}, 256,
		audit.WithDispatcherLogger(log),
		audit.WithDispatcherMetrics(m),
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	ledger, err := audit.New(auditStore, engine,
		audit.WithLogger(log),
		audit.WithMetrics(m),
		audit.WithDispatcher(dispatcher),
		audit.WithFallback(audit.NewFileSink(cfg.AuditFallbackDir)),
		audit.WithRetentionDays(cfg.AuditRetentionDays),
	)
	if err != nil {
		log.Error("failed to build audit ledger", "error", err)
		os.Exit(1)
	}

	orchestrator, err := backup.New(
		backup.NewSQLExporter(db),
		backup.NewSQLRestorer(db),
		registry,
		engine,
		cfg.BackupDir,
		backup.WithLogger(log),
		backup.WithMetrics(m),
		backup.WithAuditor(ledger),
		backup.WithRTOCeiling(cfg.RTOCeiling),
	)
	if err != nil {
		log.Error("failed to build backup orchestrator", "error", err)
		os.Exit(1)
	}

	scheduler := backup.NewScheduler(orchestrator, log)
	if err := scheduler.ScheduleBackups(backup.ScheduleConfig{
		Daily:        cfg.DailyCron,
		Weekly:       cfg.WeeklyCron,
		Monthly:      cfg.MonthlyCron,
		Drill:        cfg.DrillCron,
		RestoreDrill: cfg.RestoreDrill,
	}); err != nil {
		log.Error("failed to schedule backups", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("starting medvault", "addr", cfg.Addr, "scheduled_entries", scheduler.Entries())

	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Error("scheduler shutdown failed", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if err := group.Wait(); err != nil {
		log.Error("background worker failed", "error", err)
	}
}

// masterKey decodes the configured master secret. An unset key gets a
// development-only default so the process can start locally; it is not
// suitable for real data.
func masterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return []byte("medvault-dev-master-secret-32byt"), nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	return key, nil
}
