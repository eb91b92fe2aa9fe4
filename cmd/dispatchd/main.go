package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	billinghttp "github.com/portasms/dispatch/internal/billing/adapters/http"
	billingapp "github.com/portasms/dispatch/internal/billing/app"
	"github.com/portasms/dispatch/internal/billing/pricing"
	billingpg "github.com/portasms/dispatch/internal/billing/repository/postgres"
	dispatchapp "github.com/portasms/dispatch/internal/dispatch/app"
	dispatchpg "github.com/portasms/dispatch/internal/dispatch/repository/postgres"
	"github.com/portasms/dispatch/internal/notification"
	"github.com/portasms/dispatch/internal/platform/config"
	"github.com/portasms/dispatch/internal/platform/database"
	"github.com/portasms/dispatch/internal/platform/logger"
	"github.com/portasms/dispatch/internal/platform/messagebroker"
	"github.com/portasms/dispatch/internal/provider"
	"github.com/portasms/dispatch/internal/recipients"
	recipientspg "github.com/portasms/dispatch/internal/recipients/postgres"
	schedulerapp "github.com/portasms/dispatch/internal/scheduler/app"
)

const (
	serviceName     = "dispatchd"
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(serviceName, cfg.LogLevel)
	log.Info("Starting service...")

	mainCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		log.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	log.Info("Database connection pool initialized")

	var notifier notification.Notifier = notification.NoopNotifier{}
	if cfg.NATSUrl != "" {
		natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, log)
		if err != nil {
			log.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		notifier = notification.NewNATSNotifier(natsClient, log)
		log.Info("NATS connection initialized")
	} else {
		log.Warn("NATS URL not set, dispatch notifications disabled")
	}

	tariffs, err := loadTariffs(cfg)
	if err != nil {
		log.Error("Invalid tariff configuration", "error", err)
		os.Exit(1)
	}

	balanceRepo := billingpg.NewPgBalanceRepository(log)
	transactionRepo := billingpg.NewPgTransactionRepository(log)
	paymentEventRepo := billingpg.NewPgPaymentEventRepository(log)
	messageRepo := dispatchpg.NewPgMessageRepository()
	scheduledRepo := dispatchpg.NewPgScheduledMessageRepository()

	ledger := billingapp.NewLedgerService(balanceRepo, transactionRepo, log)
	topUp := billingapp.NewTopUpService(dbPool, ledger, paymentEventRepo, cfg.PaymentWebhookSecret, log)

	directory := recipientspg.NewPgPhonebookDirectory(dbPool, log)
	resolver := recipients.NewResolver(directory, cfg.DefaultCountryCode, log)

	gateway := buildGateway(cfg, log)

	dispatcher := dispatchapp.NewDispatchService(dbPool, messageRepo, scheduledRepo, resolver,
		pricing.NewCalculator(tariffs), ledger, gateway, notifier,
		cfg.DefaultCountryCode, cfg.CancelGraceWindow, log)

	poller := schedulerapp.NewPoller(dbPool, scheduledRepo, dispatcher, schedulerapp.Config{
		Interval:       cfg.SchedulerPollingInterval,
		DueBuffer:      cfg.SchedulerDueBuffer,
		RecoveryWindow: cfg.SchedulerRecoveryWindow,
		BatchSize:      cfg.SchedulerBatchSize,
	}, log)

	webhookHandler := billinghttp.NewWebhookHandler(topUp, log)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Post("/webhooks/payment", webhookHandler.HandlePaymentWebhook)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbPool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		return poller.Run(groupCtx)
	})

	g.Go(func() error {
		log.Info("Starting HTTP server...", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("Shutting down HTTP server...")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Service stopped")
}

func loadTariffs(cfg *config.Config) (pricing.Tariffs, error) {
	domestic, err := decimal.NewFromString(cfg.TariffDomesticPerSegment)
	if err != nil {
		return pricing.Tariffs{}, fmt.Errorf("domestic tariff %q: %w", cfg.TariffDomesticPerSegment, err)
	}
	international, err := decimal.NewFromString(cfg.TariffInternationalPerSegment)
	if err != nil {
		return pricing.Tariffs{}, fmt.Errorf("international tariff %q: %w", cfg.TariffInternationalPerSegment, err)
	}
	return pricing.Tariffs{DomesticPerSegment: domestic, InternationalPerSegment: international}, nil
}

// buildGateway wires the primary/backup channels from config. Without a
// primary URL the engine runs against the mock channel, which accepts
// everything; useful for local development only.
func buildGateway(cfg *config.Config, log *slog.Logger) *provider.Gateway {
	gatewayCfg := provider.GatewayConfig{
		MaxAttempts:   cfg.ProviderMaxAttempts,
		BackoffBase:   cfg.ProviderBackoffBase,
		BatchSize:     cfg.ProviderBatchSize,
		RatePerSecond: cfg.ProviderRatePerSecond,
	}

	if cfg.ProviderPrimaryURL == "" {
		log.Warn("No primary provider URL configured, using mock provider")
		return provider.NewGateway(provider.NewMockProvider("mock", log), nil, gatewayCfg, log)
	}

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	primary := provider.NewHTTPProvider(cfg.ProviderPrimaryName, cfg.ProviderPrimaryURL, cfg.ProviderPrimaryAPIKey, httpClient, log)

	var backup provider.SMSProvider
	if cfg.ProviderBackupURL != "" {
		backup = provider.NewHTTPProvider(cfg.ProviderBackupName, cfg.ProviderBackupURL, cfg.ProviderBackupAPIKey, httpClient, log)
	}
	return provider.NewGateway(primary, backup, gatewayCfg, log)
}
