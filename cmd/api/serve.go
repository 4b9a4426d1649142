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

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"github.com/punchamoorthee/numbroker/internal/api"
	"github.com/punchamoorthee/numbroker/internal/config"
	"github.com/punchamoorthee/numbroker/internal/limiter"
	"github.com/punchamoorthee/numbroker/internal/notify"
	"github.com/punchamoorthee/numbroker/internal/pricing"
	"github.com/punchamoorthee/numbroker/internal/provider/smsactivate"
	"github.com/punchamoorthee/numbroker/internal/service"
	"github.com/punchamoorthee/numbroker/internal/worker"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the reconciliation workers",
	Long: `Run the HTTP API together with the cancel retrier and the auto refunder.

Examples:
  numbroker serve
  numbroker serve --config numbroker.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	gw := smsactivate.New(cfg.ProviderAPIKey,
		smsactivate.WithBaseURL(cfg.ProviderBaseURL),
		smsactivate.WithTimeout(cfg.ProviderTimeout),
		smsactivate.WithLogger(logger),
	)
	catalog, err := pricing.NewCatalog(gw, cfg.PriceMultiplier, cfg.PriceCacheSize)
	if err != nil {
		return err
	}

	notifiers := notify.Multi{notify.NewLog(logger), notify.Metrics{}}
	if cfg.TelegramToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		tg := notify.NewTelegram(bot, cfg.TelegramLogChannel, 0, logger)
		go tg.Run(ctx)
		notifiers = append(notifiers, tg)
		logger.Info("telegram notifications enabled", "bot", bot.Self.UserName)
	}

	failures := limiter.NewFailureWindow(
		limiter.WithWindow(cfg.FailedPurchaseWindow),
		limiter.WithThreshold(cfg.FailedPurchaseThreshold),
		limiter.WithSafetyMultiplier(cfg.SafetyMultiplier),
	)
	orch := service.New(st, gw, catalog, failures, limiter.NewCancelQueue(),
		service.WithLogger(logger),
		service.WithNotifier(notifiers),
		service.WithProviderTimeout(cfg.ProviderTimeout),
	)

	retrier := &worker.CancelRetrier{Queue: orch, MaxAge: cfg.CancelRetryMaxAge, Now: time.Now, Logger: logger}
	refunder := &worker.AutoRefunder{Orders: orch, Logger: logger}
	workers := []*worker.Periodic{
		worker.NewPeriodic("cancel_retry", cfg.CancelRetryInterval, retrier.Run, logger),
		worker.NewPeriodic("auto_refund", cfg.AutoRefundInterval, refunder.Run, logger),
	}
	for _, w := range workers {
		w.Start(ctx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(st, orch, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env, "driver", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
			for _, w := range workers {
				w.Stop()
			}
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	for _, w := range workers {
		w.Stop()
	}
	if n := len(orch.PendingCancellations()); n > 0 {
		logger.Warn("exiting with unconfirmed releases", "count", n)
	}
	return nil
}
