// Package config содержит логику чтения конфигурации платформы торговых автоматов.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации платформы торговых автоматов.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	RTDBURL       string `env:"RTDB_URL"`
	RTDBAuthToken string `env:"RTDB_AUTH_TOKEN"`

	AuthSecret     string `env:"AUTH_SECRET"`
	HardwareBypass bool   `env:"HARDWARE_BYPASS"`

	LowStockThreshold int    `env:"LOW_STOCK_THRESHOLD"`
	AdminPhone        string `env:"ADMIN_PHONE"`

	SMSGatewayURL string `env:"SMS_GATEWAY_URL"`
	SMSAccountSID string `env:"SMS_ACCOUNT_SID"`
	SMSAuthToken  string `env:"SMS_AUTH_TOKEN"`
	SMSFromNumber string `env:"SMS_FROM_NUMBER"`

	RazorpayKeyID         string `env:"RAZORPAY_KEY_ID"`
	RazorpayKeySecret     string `env:"RAZORPAY_KEY_SECRET"`
	RazorpayUPIID         string `env:"RAZORPAY_UPI_ID"`
	RazorpayWebhookSecret string `env:"RAZORPAY_WEBHOOK_SECRET"`
	RazorpayBaseURL       string `env:"RAZORPAY_BASE_URL"`

	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envValues := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RTDBURL, "f", "", "realtime database URL used by hardware coordination")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth tokens")
	flag.BoolVar(&cfg.HardwareBypass, "b", false, "bypass hardware availability checks (dev mode)")
	flag.IntVar(&cfg.LowStockThreshold, "t", 0, "stock level at which notifications are sent")

	flag.Parse()

	if envValues.RunAddress != "" {
		cfg.RunAddress = envValues.RunAddress
	}
	if envValues.DatabaseURI != "" {
		cfg.DatabaseURI = envValues.DatabaseURI
	}
	if envValues.RTDBURL != "" {
		cfg.RTDBURL = envValues.RTDBURL
	}
	if envValues.AuthSecret != "" {
		cfg.AuthSecret = envValues.AuthSecret
	}
	if envValues.HardwareBypass {
		cfg.HardwareBypass = true
	}
	if envValues.LowStockThreshold != 0 {
		cfg.LowStockThreshold = envValues.LowStockThreshold
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.LowStockThreshold <= 0 {
		cfg.LowStockThreshold = 3
	}

	return cfg, nil
}
