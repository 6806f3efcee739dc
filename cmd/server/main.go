// Command server starts the show-disk qualifier HTTP bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/disks"
	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/httpserver"
	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/observability"
	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/planner"
	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/resolver"
	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/supervisor"
	"github.com/fairyhunter13/showdisk-qualifier/internal/app"
	"github.com/fairyhunter13/showdisk-qualifier/internal/config"
	"github.com/fairyhunter13/showdisk-qualifier/internal/usecase"
)

const (
	exitOK        = 0
	exitFatal     = 1
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	store, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		slog.Error("state store open failed", slog.Any("error", err))
		return exitFatal
	}
	defer func() { _ = store.Close() }()

	sup := supervisor.New(cfg.GraceTimeout)
	res := resolver.New(cfg.WorkerPath, cfg.ProbeTimeout)
	plnr := planner.New(cfg.ScratchDir, nil)

	orch := usecase.NewOrchestrator(store, sup, res, plnr, usecase.Options{
		ScratchDir:        cfg.ScratchDir,
		SupervisionBuffer: cfg.SupervisionBuffer,
		HistoryLimit:      cfg.HistoryLimit,
		Metrics:           observability.Recorder{},
	})

	ctx := context.Background()
	if err := orch.Recover(ctx); err != nil {
		slog.Error("startup recovery failed", slog.Any("error", err))
		return exitFatal
	}

	if cfg.DataRetentionDays > 0 {
		pruner := app.NewRetentionPruner(store, cfg.DataRetentionDays, cfg.CleanupInterval)
		go pruner.Run(ctx)
		slog.Info("retention pruner started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	srv := httpserver.NewServer(cfg, orch, disks.New(), res, store)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("addr", srvHTTP.Addr))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		if sig == syscall.SIGINT {
			code = exitInterrupt
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			code = exitFatal
		}
	}

	// Stop any in-flight worker before the process goes away so no orphan
	// group outlives the bridge unsupervised.
	if n, err := orch.StopAll(ctx); err != nil {
		slog.Warn("stop running tests", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("stopped running tests", slog.Int("count", n))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	return code
}
