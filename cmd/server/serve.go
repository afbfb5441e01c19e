package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/capture"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/metrics"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/realtime"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/session"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket server (default)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "listen port (overrides KAIZEN_PORT)")
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	events, err := capture.OpenEventLog(cfg.EventLogFile())
	if err != nil {
		return err
	}
	store := capture.NewStore(cfg.OutputDir(), cfg.RingCapacity, logger, m)

	sup := supervisor.New(supervisor.Config{
		Shell:       cfg.Shell,
		PidFile:     cfg.PidFile(),
		OrphanGrace: cfg.OrphanGrace,
	}, nil, events, logger, m)

	// Shells left behind by a previous run must be gone before the first spawn.
	if _, err := sup.ReapOrphans(ctx); err != nil {
		logger.Warn("orphan recovery failed", zap.Error(err))
	}

	reg := session.NewRegistry(sup, store, session.Options{
		MaxSessions: cfg.MaxSessions,
		Events:      events,
		Logger:      logger,
		Metrics:     m,
	})
	sup.SetSink(reg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		store.Run(ctx, cfg.FlushInterval)
	}()

	rt := realtime.New(reg, realtime.Options{StaticDir: cfg.StaticDir, Logger: logger, Metrics: m})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", httpServer.Addr), zap.String("dataDir", cfg.DataDir))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	rt.Close()
	reg.Shutdown()
	wg.Wait()

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}
