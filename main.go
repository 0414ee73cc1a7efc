// agenthost - bidirectional agent session host
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/agenthost/internal/config"
	"github.com/workspace/agenthost/internal/events"
	"github.com/workspace/agenthost/internal/eventws"
	"github.com/workspace/agenthost/internal/logging"
	"github.com/workspace/agenthost/internal/session"
)

func main() {
	logging.Setup()

	cfg := config.Load()
	slog.Info("starting agenthost", "addr", cfg.Addr, "prefer", cfg.Prefer)

	emitter := events.NewEmitter(cfg.EventBuffer)
	manager := session.NewManager(session.ManagerConfig{
		Prefer:              cfg.Prefer,
		ForwardEnv:          cfg.ForwardEnv,
		TerminalOutputLimit: cfg.TerminalOutputLimit,
		DefaultCols:         cfg.DefaultCols,
		DefaultRows:         cfg.DefaultRows,
		StderrLimit:         cfg.StderrCaptureLimit,
	}, emitter)

	bridge := eventws.NewBridge(eventws.Config{
		Emitter:   emitter,
		Responder: manager,
		Token:     cfg.BridgeToken,
	})

	mux := http.NewServeMux()
	mux.Handle("/events", bridge)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		// These apply to the pre-upgrade handshake only; gorilla hijacks the
		// connection, after which per-message deadlines take over.
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	// Kill adapter subprocesses before closing the listener so pending calls
	// fail with a teardown diagnostic instead of hanging.
	manager.DisposeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("shutdown error", "error", err)
	}

	slog.Info("agenthost stopped")
}
