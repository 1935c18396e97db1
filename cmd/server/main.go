package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"kycgate/internal/kyc/processor"
	"kycgate/internal/platform/config"
	"kycgate/internal/platform/httpserver"
	"kycgate/internal/platform/logger"
	"kycgate/internal/platform/metrics"
)

// main wires the KYC core, starts the document processor, the audit
// recorder and outbox relay, and serves health and metrics until signalled.
func main() {
	if err := run(); err != nil {
		slog.Error("kycgate exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	checks := map[string]httpserver.Check{}

	in, err := connect(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	defer in.close(log)

	core, err := buildCore(cfg, in, newStores(cfg, in), reg, log)
	if err != nil {
		return err
	}

	// Background loops stop on bgCtx; the processor has its own graceful stop.
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	go func() {
		if err := core.Recorder.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("audit recorder stopped", "error", err)
		}
	}()
	if core.Relay != nil {
		go func() {
			if err := core.Relay.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit outbox relay stopped", "error", err)
			}
		}()
	}
	var worker *processor.Handle
	if cfg.Processor.Enabled {
		worker = core.Processor.Start(bgCtx)
	}

	srv := httpserver.New(cfg.Server.Addr, httpserver.NewOpsRouter(reg, checks), cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting kycgate ops server", "addr", cfg.Server.Addr, "in_memory", cfg.Server.InMemory)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-serveErr:
		log.Error("ops server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if worker != nil {
		if stopErr := worker.Stop(shutdownCtx); stopErr != nil {
			log.Warn("document processor forced to stop", "error", stopErr)
		}
	}
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("ops server shutdown failed", "error", shutdownErr)
	}
	cancelBackground()
	if flushed := core.Recorder.Flush(shutdownCtx); flushed > 0 {
		log.Info("flushed pending audit entries", "count", flushed)
	}
	if pending := core.Recorder.Pending(); pending > 0 {
		log.Error("audit entries left unpersisted at shutdown", "count", pending)
	}
	return err
}
