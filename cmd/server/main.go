package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"retailpos/internal/audit"
	"retailpos/internal/config"
	"retailpos/internal/httpapi"
	"retailpos/internal/lock"
	"retailpos/internal/logger"
	"retailpos/internal/metrics"
	"retailpos/internal/monitor"
	"retailpos/internal/notify"
	"retailpos/internal/service"
	"retailpos/internal/store"
	"retailpos/internal/store/memory"
	pgstore "retailpos/internal/store/postgres"
	"retailpos/internal/tax"
)

func main() {
	_ = godotenv.Load() // Load .env file if it exists

	cfg := config.Load()
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rates, err := tax.Parse(cfg.GSTRates)
	if err != nil {
		return fmt.Errorf("GST_RATES: %w", err)
	}

	var repo store.Repository
	closers := make([]func() error, 0, 2)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("close error", zap.Error(err))
			}
		}
	}()

	persistent := cfg.DatabaseURL != ""
	if persistent {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		repo = pg
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(log.Named("memory-store"))
		log.Info("repository: in-memory")
	}

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	if closeLocker != nil {
		closers = append(closers, closeLocker)
		log.Info("checkout lock: redis", zap.String("addr", cfg.RedisAddr))
	} else {
		log.Info("checkout lock: in-process")
	}

	notifier := newNotifier(cfg, log)
	m := metrics.New(cfg.MetricsPrefix, prometheus.DefaultRegisterer)
	auditWriter := audit.NewWriter(repo, log, 256)

	mon := monitor.New(repo, notifier, auditWriter, m, log, monitor.Config{
		LowStockThreshold: cfg.LowStockThreshold,
		ExpiryWarning:     cfg.ExpiryWarning,
		ExpiryDedupWindow: cfg.AlertDedupWindow,
		Interval:          cfg.StockScanInterval,
		AlertNumber:       cfg.AlertSMSNumber,
	})
	svc := service.New(repo, service.Options{
		Locker:               locker,
		Taxes:                rates,
		Notifier:             notifier,
		Audit:                auditWriter,
		Metrics:              m,
		Monitor:              mon,
		Log:                  log,
		RefundRecomputesTier: cfg.RefundRecomputesTier,
		ReceiptSMS:           cfg.ReceiptSMSEnabled,
	})

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	if persistent {
		seedUsers(ctx, auth, cfg, log)
	}
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Metrics:       m,
		Gatherer:      prometheus.DefaultGatherer,
		Log:           log,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		mon.Run(monitorCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serverErr:
		stopMonitor()
		<-monitorDone
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	stopMonitor()
	<-monitorDone
	if err := auditWriter.Close(shutdownCtx); err != nil {
		log.Warn("audit flush incomplete", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// newLocker returns a Redis locker when REDIS_ADDR is set. The close func is
// nil for the in-process locker.
func newLocker(ctx context.Context, cfg config.Config) (lock.Locker, func() error, error) {
	if cfg.RedisAddr == "" {
		return lock.NewMemory(), nil, nil
	}
	redisLock := lock.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CheckoutLockTTL)
	if err := redisLock.Ping(ctx); err != nil {
		_ = redisLock.Close()
		return nil, nil, fmt.Errorf("redis unavailable and REDIS_ADDR is set; refusing to start with an in-process lock: %w", err)
	}
	return redisLock, redisLock.Close, nil
}

func newNotifier(cfg config.Config, log *zap.Logger) notify.Notifier {
	if cfg.SMSWebhookURL != "" {
		return notify.NewWebhook(cfg.SMSWebhookURL, 10*time.Second)
	}
	return notify.LogNotifier{Log: log.Named("sms")}
}

func seedUsers(ctx context.Context, auth *httpapi.AuthManager, cfg config.Config, log *zap.Logger) {
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", cfg.SeedAdminPassword, "admin"},
		{"cashier", cfg.SeedCashierPassword, "cashier"},
	} {
		if u.password == "" {
			continue
		}
		created, err := auth.EnsureUser(ctx, u.username, u.password, u.role)
		if err != nil {
			log.Warn("seed user failed", zap.String("username", u.username), zap.Error(err))
			continue
		}
		if created {
			log.Info("seeded user", zap.String("username", u.username), zap.String("role", u.role))
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	for _, r := range cfg.ManagerPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("MANAGER_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "121212": true, "112233": true,
		"123123": true, "159753": true, "147258": true, "789456": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
