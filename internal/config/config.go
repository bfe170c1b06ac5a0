package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	CheckoutLockTTL       time.Duration
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	SeedAdminPassword     string
	SeedCashierPassword   string
	LowStockThreshold     int
	ExpiryWarning         time.Duration
	AlertDedupWindow      time.Duration
	StockScanInterval     time.Duration
	AlertSMSNumber        string
	SMSWebhookURL         string
	ReceiptSMSEnabled     bool
	RefundRecomputesTier  bool
	GSTRates              string
	MetricsPrefix         string
}

func Load() Config {
	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		Env:                   getEnv("APP_ENV", "development"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvInt("REDIS_DB", 0, 0),
		CheckoutLockTTL:       time.Duration(getEnvInt("CHECKOUT_LOCK_TTL_SECONDS", 30, 1)) * time.Second,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		SeedAdminPassword:     os.Getenv("SEED_ADMIN_PASSWORD"),
		SeedCashierPassword:   os.Getenv("SEED_CASHIER_PASSWORD"),
		LowStockThreshold:     getEnvInt("LOW_STOCK_THRESHOLD", 5, 0),
		ExpiryWarning:         time.Duration(getEnvInt("EXPIRY_WARNING_DAYS", 3, 0)) * 24 * time.Hour,
		AlertDedupWindow:      time.Duration(getEnvInt("ALERT_DEDUP_WINDOW_HOURS", 24, 1)) * time.Hour,
		StockScanInterval:     time.Duration(getEnvInt("STOCK_SCAN_INTERVAL_MINUTES", 720, 1)) * time.Minute,
		AlertSMSNumber:        strings.TrimSpace(os.Getenv("ALERT_SMS_NUMBER")),
		SMSWebhookURL:         strings.TrimSpace(os.Getenv("SMS_WEBHOOK_URL")),
		ReceiptSMSEnabled:     getEnvBool("RECEIPT_SMS_ENABLED", false),
		RefundRecomputesTier:  getEnvBool("REFUND_RECOMPUTES_TIER", false),
		GSTRates:              os.Getenv("GST_RATES"),
		MetricsPrefix:         getEnv("METRICS_PREFIX", "retailpos"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the value is unparsable or below min.
func getEnvInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getEnvBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
