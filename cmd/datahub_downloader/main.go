package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/datahub_downloader/internal/cleanup"
	"github.com/italolelis/datahub_downloader/internal/config"
	"github.com/italolelis/datahub_downloader/internal/downloader"
	"github.com/italolelis/datahub_downloader/internal/http/rest"
	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/italolelis/datahub_downloader/internal/hub/scihub"
	"github.com/italolelis/datahub_downloader/internal/logctx"
	"github.com/italolelis/datahub_downloader/internal/notifier"
	"github.com/italolelis/datahub_downloader/internal/storage/sqlite"
	"github.com/italolelis/datahub_downloader/internal/telemetry"
)

const serviceName = "datahub_downloader"

// version is injected at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("datahub downloader starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open the download journal: %w", err)
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Hub Client
	hubClient := hub.NewInstrumentedClient(scihub.NewClient(cfg.HubBaseURL, cfg.HubToken), tel)

	// =========================================================================
	// Start Downloader Service
	dl := downloader.New(hubClient, downloader.Options{
		TransferQuota:    cfg.MaxConcurrentDownloads,
		TriggerQuota:     cfg.MaxConcurrentTriggers,
		MaxAttempts:      cfg.MaxAttempts,
		RetryDelay:       cfg.DownloadRetryDelay,
		LTARetryDelay:    cfg.LTARetryDelay,
		LTATimeout:       cfg.LTATimeout,
		SkipVerification: !cfg.ChecksumVerification,
		FailFast:         cfg.FailFast,
	})

	svc := downloader.NewService(ctx, dl, repo, tel)

	// =========================================================================
	// Start Notification
	setupNotification(ctx, svc, cfg)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, cleanup.NewSweeper(repo, repo, cfg.TargetDir, cfg.KeepDownloadedFor), cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, svc, repo, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for download batches...",
		"hub", cfg.HubBaseURL,
		"target_dir", cfg.TargetDir,
		"transfer_quota", cfg.MaxConcurrentDownloads,
		"trigger_quota", cfg.MaxConcurrentTriggers,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

func setupNotification(ctx context.Context, svc *downloader.Service, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	go func() {
		for summary := range svc.OnBatchFinished {
			logger.Info("batch finished",
				"batch_id", summary.BatchID,
				"downloaded", summary.Downloaded,
				"failed", summary.Failed,
				"duration", summary.Duration.String(),
			)

			if notif == nil {
				continue
			}

			message := fmt.Sprintf("✅ Batch %s finished: %d downloaded, %d failed (%s)",
				summary.BatchID, summary.Downloaded, summary.Failed, summary.Duration.Round(time.Second))
			if summary.Err != "" {
				message = fmt.Sprintf("❌ Batch %s failed: %s (%d downloaded, %d failed)",
					summary.BatchID, summary.Err, summary.Downloaded, summary.Failed)
			}

			if notifyErr := notif.Notify(ctx, message); notifyErr != nil {
				logger.Error("failed to send notification", "batch_id", summary.BatchID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and middlewares of the http rest server.
func setupServer(ctx context.Context, svc *downloader.Service, repo *sqlite.InstrumentedDownloadRepository, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewDataHubHandler(cfg.Web.Username, cfg.Web.Password, svc, repo, cfg.TargetDir)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, sweeper *cleanup.Sweeper, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if err := sweeper.Sweep(ctx); err != nil {
					logger.Error("retention sweep failed", "err", err)
				}
			}
		}
	}()
}
