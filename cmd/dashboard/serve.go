package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/whatsapp-automation/dashboard/internal/api"
	"github.com/whatsapp-automation/dashboard/internal/config"
	"github.com/whatsapp-automation/dashboard/internal/legacy"
	"github.com/whatsapp-automation/dashboard/internal/realtime"
	"github.com/whatsapp-automation/dashboard/internal/session"
	"github.com/whatsapp-automation/dashboard/internal/store"
	"github.com/whatsapp-automation/dashboard/internal/telegram"
	"github.com/whatsapp-automation/dashboard/internal/whatsapp"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 3000, "port to listen on")
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)

	logger.Info("=== WhatsApp Dashboard Starting ===")
	logger.Infof("Version:   %s (%s)", version, commit)
	logger.Infof("Data dir:  %s", cfg.DataDir)
	logger.Infof("Proxies:   %d", cfg.Proxy.Count())
	logger.Infof("Legacy:    %t", cfg.Legacy.Enabled)
	logger.Info("===================================")

	accounts, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer accounts.Close()

	hub := realtime.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	driver := whatsapp.NewDriver(cfg.Workspace(), cfg.Proxy, cfg.WhatsmeowLogLevel, logger)
	notifier := telegram.NewNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.APIURL, logger)

	opts := []session.Option{
		session.WithConfig(cfg.Session()),
		session.WithLogger(logger),
	}
	if notifier.Enabled() {
		opts = append(opts, session.WithObserver(notifier))
		logger.Info("[STARTUP] Telegram alerts enabled")
	}

	var legacySvc *legacy.Service
	if cfg.Legacy.Enabled {
		legacyStore, err := store.Open(ctx, cfg.Legacy.DBPath)
		if err != nil {
			return err
		}
		defer legacyStore.Close()
		legacyDriver := whatsapp.NewDriver(cfg.LegacyWorkspace(), cfg.Proxy, cfg.WhatsmeowLogLevel, logger)
		legacySvc = legacy.New(legacyDriver, legacyStore, hub, cfg.LegacyWorkspace(), cfg.LegacyService(), logger)
		opts = append(opts, session.WithLegacy(legacySvc))
	}

	manager := session.NewManager(driver, accounts, hub, cfg.Workspace(), opts...)
	hub.SetGreeting(func() []realtime.Envelope {
		return []realtime.Envelope{{
			Type: session.EventSessionsUpdated,
			Data: map[string]any{"sessions": manager.GetAllSessionsInfo()},
		}}
	})

	logger.Info("[STARTUP] Restoring sessions...")
	if err := manager.Init(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	if legacySvc != nil {
		legacySvc.Start()
		logger.Info("[STARTUP] Legacy session started")
	}

	apiOpts := []api.Option{
		api.WithHub(hub),
		api.WithProxies(cfg.Proxy),
		api.WithVersion(version),
		api.WithLogger(logger),
	}
	if legacySvc != nil {
		apiOpts = append(apiOpts, api.WithLegacy(legacySvc))
	}
	server := api.NewServer(manager, cfg.Workspace(), apiOpts...)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Dashboard listening on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("[SHUTDOWN] Signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("[SHUTDOWN] HTTP server did not stop cleanly")
	}
	shutdown(shutdownCtx, logger, manager, legacySvc)
	stopHub()
	notifier.Wait()
	logger.Info("[SHUTDOWN] Bye")
	return nil
}

func shutdown(ctx context.Context, logger logrus.FieldLogger, manager *session.Manager, legacySvc *legacy.Service) {
	if err := manager.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("[SHUTDOWN] Session manager did not stop cleanly")
	}
	if legacySvc == nil {
		return
	}
	if err := legacySvc.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("[SHUTDOWN] Legacy service did not stop cleanly")
	}
}
