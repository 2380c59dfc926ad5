// Command dirwatch is the directory-change notification daemon. It loads a
// YAML configuration file, registers the configured directories with the
// watch engine, serves the status API, and shuts down gracefully on SIGTERM
// or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dirwatch/dirwatch/internal/agent"
	"github.com/dirwatch/dirwatch/internal/config"
)

func main() {
	configPath := flag.String("config", "/etc/dirwatch/config.yaml", "path to the dirwatch YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dirwatch: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("log_level", cfg.LogLevel),
		slog.String("status_addr", cfg.StatusAddr),
	)

	ag, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	// WriteTimeout stays zero: /api/v1/stream connections are long-lived and
	// set their own per-frame deadlines.
	statusServer := &http.Server{
		Addr:              cfg.StatusAddr,
		Handler:           ag.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("status server listening", slog.String("addr", cfg.StatusAddr))
		if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ag.Done():
		// Every watched directory went away.
		logger.Error("watch engine stopped; shutting down")
		exitCode = 1
	}

	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown error", slog.Any("error", err))
	}

	logger.Info("dirwatch exited", slog.Int("exit_code", exitCode))
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
