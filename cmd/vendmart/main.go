// Package main запускает HTTP-сервер платформы торговых автоматов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/vendmart-system/internal/config"
	"github.com/mmeshcher/vendmart-system/internal/cooldown"
	"github.com/mmeshcher/vendmart-system/internal/handler"
	"github.com/mmeshcher/vendmart-system/internal/hardware"
	"github.com/mmeshcher/vendmart-system/internal/middleware"
	"github.com/mmeshcher/vendmart-system/internal/notification"
	"github.com/mmeshcher/vendmart-system/internal/payment"
	"github.com/mmeshcher/vendmart-system/internal/repository"
	"github.com/mmeshcher/vendmart-system/internal/rtdb"
	"github.com/mmeshcher/vendmart-system/internal/service"
)

const (
	otpCooldownWindow = 30 * time.Second
	smsThrottleWindow = 3 * time.Hour
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	store := rtdb.NewClient(cfg.RTDBURL, cfg.RTDBAuthToken)
	monitor := hardware.NewMonitor(store, cfg.HardwareBypass, logger)

	otpLimiter := cooldown.New(otpCooldownWindow)
	smsThrottle := cooldown.New(smsThrottleWindow)

	broker := hardware.NewBroker(store, repo, otpLimiter, logger)

	notifier := notification.NewSMSClient(
		cfg.SMSGatewayURL, cfg.SMSAccountSID, cfg.SMSAuthToken,
		cfg.SMSFromNumber, cfg.AdminPhone, logger)

	gateway := payment.NewClient(
		cfg.RazorpayBaseURL, cfg.RazorpayKeyID, cfg.RazorpayKeySecret,
		cfg.RazorpayWebhookSecret)

	webhookURL := ""
	if cfg.PublicBaseURL != "" {
		webhookURL = cfg.PublicBaseURL + "/api/webhooks/razorpay"
	}

	svc := service.NewService(repo, broker, monitor, notifier, gateway,
		otpLimiter, smsThrottle,
		service.Options{
			LowStockThreshold: cfg.LowStockThreshold,
			GatewayCredentials: payment.Credentials{
				KeyID:     cfg.RazorpayKeyID,
				KeySecret: cfg.RazorpayKeySecret,
				UPIID:     cfg.RazorpayUPIID,
			},
			WebhookURL: webhookURL,
		}, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting vendmart server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
