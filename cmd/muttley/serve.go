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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"muttley/internal/auth"
	"muttley/internal/config"
	"muttley/internal/fsutil"
	"muttley/internal/httpserver"
	"muttley/internal/janitor"
	"muttley/internal/logging"
	"muttley/internal/metrics"
	"muttley/internal/upload"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the file manager HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer func() { _ = logging.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.L()

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	guard, err := fsutil.NewGuard(cfg.Root)
	if err != nil {
		return err
	}

	var basic *auth.Basic
	if cfg.AuthEnabled() {
		basic, err = auth.NewBasic(cfg.Auth.Username, cfg.Auth.Password, "/healthz")
		if err != nil {
			return err
		}
	} else {
		log.Warn("authentication disabled: set auth.username and auth.password to enable it")
	}

	uploads := upload.New(guard)
	metrics.SetActiveUploads(uploads.Active)
	srv, err := httpserver.New(httpserver.Options{
		Config:  cfg,
		Guard:   guard,
		Uploads: uploads,
		Auth:    basic,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	jan := janitor.NewManager(uploads, cfg.Upload.SweepSchedule, cfg.Upload.StaleAfter)
	if err := jan.Start(); err != nil {
		return err
	}

	servers := []*http.Server{{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}}
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			log.Info("listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}
	log.Info("muttley started",
		zap.String("root", guard.Root()),
		zap.Bool("auth", basic != nil),
		zap.Bool("webdav", cfg.WebDAV.Enabled))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown", zap.String("addr", s.Addr), zap.Error(err))
		}
	}
	jan.Stop(shutdownCtx)
	return runErr
}
