package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wamax/wamax/internal/config"
	"github.com/wamax/wamax/internal/httpapi"
	"github.com/wamax/wamax/internal/logging"
	"github.com/wamax/wamax/internal/observability"
	"github.com/wamax/wamax/internal/session"
	"github.com/wamax/wamax/internal/wapp"
	"github.com/wamax/wamax/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logging.Configure(cfg.LogLevel, cfg.LogFormat)
	logger := logging.NewLogger("main")

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := session.NewMetaStore(cfg.SessionsDir)
	if err != nil {
		log.Fatalf("sessions dir init failed: %v", err)
	}

	factory, err := wapp.NewFactory(wapp.Config{
		Mode:     cfg.AdapterMode,
		Headless: cfg.Headless,
	})
	if err != nil {
		log.Fatalf("adapter init failed: %v", err)
	}

	manager := session.NewManager(session.Options{
		Factory:               factory,
		Store:                 store,
		Emitter:               webhook.NewEmitter(cfg.WebhookTimeout, cfg.WebhookMaxRetries),
		Metrics:               metrics,
		CountryCode:           cfg.CountryCodeDefault,
		ReconnectMaxAttempts:  cfg.ReconnectMaxAttempts,
		ReconnectBaseDelay:    cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
		BootstrapReadyTimeout: cfg.BootstrapReadyTimeout,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// The HTTP surface comes up immediately; recovery of on-disk sessions
	// proceeds in the background.
	go manager.Bootstrap(runCtx)

	api := httpapi.New(cfg, manager, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr(),
		Handler: api.Router(),
	}

	go func() {
		logger.WithField("addr", cfg.BindAddr()).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithField("err", err.Error()).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}
	manager.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}
