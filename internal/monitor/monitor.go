// Package monitor raises low-stock and expiry alerts, deactivates expired
// products and notifies the store by SMS. Scans run on a schedule and on
// demand; they never run concurrently with each other.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"retailpos/internal/audit"
	"retailpos/internal/domain"
	"retailpos/internal/metrics"
	"retailpos/internal/notify"
	"retailpos/internal/store"
)

type Repository interface {
	store.ProductStore
	store.AlertStore
}

type Config struct {
	LowStockThreshold int
	ExpiryWarning     time.Duration
	ExpiryDedupWindow time.Duration
	Interval          time.Duration
	AlertNumber       string
}

type Monitor struct {
	repo     Repository
	notifier notify.Notifier
	audit    audit.Sink
	metrics  *metrics.Metrics
	log      *zap.Logger
	cfg      Config

	lowStockDedup DedupPolicy
	expiryDedup   DedupPolicy

	now     func() time.Time
	scanMu  sync.Mutex
	trigger chan struct{}
}

func New(repo Repository, notifier notify.Notifier, sink audit.Sink, m *metrics.Metrics, log *zap.Logger, cfg Config) *Monitor {
	if cfg.LowStockThreshold < 0 {
		cfg.LowStockThreshold = 5
	}
	if cfg.ExpiryWarning <= 0 {
		cfg.ExpiryWarning = 72 * time.Hour
	}
	if cfg.ExpiryDedupWindow <= 0 {
		cfg.ExpiryDedupWindow = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 12 * time.Hour
	}
	if sink == nil {
		sink = audit.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		repo:          repo,
		notifier:      notifier,
		audit:         sink,
		metrics:       m,
		log:           log.Named("monitor"),
		cfg:           cfg,
		lowStockDedup: UntilAcknowledged{},
		expiryDedup:   RollingWindow{Window: cfg.ExpiryDedupWindow},
		now:           func() time.Time { return time.Now().UTC() },
		trigger:       make(chan struct{}, 1),
	}
}

// SetClock replaces the time source; scans read it once per run.
func (m *Monitor) SetClock(now func() time.Time) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	m.now = now
}

// Trigger requests a low-stock scan from Run without blocking. Requests made
// while one is already pending are merged.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run scans on every tick of the configured interval and on Trigger until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.log.Info("stock monitor started", zap.Duration("interval", m.cfg.Interval), zap.Int("low_stock_threshold", m.cfg.LowStockThreshold))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("stock monitor stopped")
			return
		case <-ticker.C:
			result, err := m.RunStockScan(ctx)
			if err != nil {
				m.log.Error("scheduled stock scan failed", zap.Error(err))
				continue
			}
			m.log.Info("scheduled stock scan finished",
				zap.Int("low_stock_alerts", result.LowStockAlerts),
				zap.Int("expired_deactivated", result.ExpiredDeactivated),
				zap.Int("expiry_alerts", result.ExpiryAlerts),
				zap.Int("sms_failures", result.SMSFailures))
		case <-m.trigger:
			if _, _, err := m.ScanLowStock(ctx); err != nil {
				m.log.Warn("post-sale low stock scan failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) RunStockScan(ctx context.Context) (domain.StockScanResult, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	now := m.now()
	result := domain.StockScanResult{ScannedAt: now.Format(time.RFC3339)}

	alerts, failures, err := m.scanLowStock(ctx, now)
	result.LowStockAlerts = alerts
	result.SMSFailures += failures
	if err != nil {
		return result, err
	}

	deactivated, expiryAlerts, failures, err := m.scanExpiry(ctx, now)
	result.ExpiredDeactivated = deactivated
	result.ExpiryAlerts = expiryAlerts
	result.SMSFailures += failures
	return result, err
}

// ScanLowStock returns the number of alerts raised and SMS failures.
func (m *Monitor) ScanLowStock(ctx context.Context) (int, int, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	return m.scanLowStock(ctx, m.now())
}

// ScanExpiry returns products deactivated, alerts raised and SMS failures.
func (m *Monitor) ScanExpiry(ctx context.Context) (int, int, int, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	return m.scanExpiry(ctx, m.now())
}

func (m *Monitor) scanLowStock(ctx context.Context, now time.Time) (int, int, error) {
	products, err := m.repo.ListLowStockProducts(ctx, m.cfg.LowStockThreshold)
	if err != nil {
		return 0, 0, fmt.Errorf("list low stock products: %w", err)
	}

	raised, failures := 0, 0
	for _, product := range products {
		suppress, err := m.lowStockDedup.Suppress(ctx, m.repo, product.ID, now)
		if err != nil {
			return raised, failures, fmt.Errorf("low stock dedup %s: %w", product.SKU, err)
		}
		if suppress {
			continue
		}

		alert, err := m.repo.CreateStockAlert(ctx, domain.StockAlert{
			ProductID:  product.ID,
			StockLevel: product.Stock,
			Threshold:  m.cfg.LowStockThreshold,
			CreatedAt:  now,
		})
		if err != nil {
			return raised, failures, fmt.Errorf("create low stock alert %s: %w", product.SKU, err)
		}
		raised++
		m.metrics.RecordStockAlert("low_stock")
		m.recordAlert(ctx, *alert, product)

		if !m.deliver(ctx, "low_stock", lowStockMessage(product, m.cfg.LowStockThreshold), []string{alert.ID}, now) {
			failures++
		}
	}
	return raised, failures, nil
}

func (m *Monitor) scanExpiry(ctx context.Context, now time.Time) (int, int, int, error) {
	products, err := m.repo.ListExpiringProducts(ctx, now.Add(m.cfg.ExpiryWarning))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list expiring products: %w", err)
	}

	var expired, expiring []domain.Product
	for _, product := range products {
		if !product.ExpiryDate.After(now) {
			expired = append(expired, product)
		} else {
			expiring = append(expiring, product)
		}
	}

	deactivated := 0
	if len(expired) > 0 {
		ids := make([]string, 0, len(expired))
		for _, product := range expired {
			ids = append(ids, product.ID)
		}
		deactivated, err = m.repo.DeactivateProducts(ctx, ids)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("deactivate expired products: %w", err)
		}
		m.metrics.RecordDeactivated(deactivated)
		m.log.Info("expired products deactivated", zap.Int("count", deactivated))
	}

	raised, failures := 0, 0
	for _, bucket := range []struct {
		kind     string
		products []domain.Product
	}{
		{"expired", expired},
		{"expiring", expiring},
	} {
		alertIDs := make([]string, 0, len(bucket.products))
		named := make([]domain.Product, 0, len(bucket.products))
		for _, product := range bucket.products {
			suppress, err := m.expiryDedup.Suppress(ctx, m.repo, product.ID, now)
			if err != nil {
				return deactivated, raised, failures, fmt.Errorf("expiry dedup %s: %w", product.SKU, err)
			}
			if suppress {
				continue
			}
			alert, err := m.repo.CreateStockAlert(ctx, domain.StockAlert{
				ProductID:  product.ID,
				StockLevel: product.Stock,
				Threshold:  0,
				CreatedAt:  now,
			})
			if err != nil {
				return deactivated, raised, failures, fmt.Errorf("create expiry alert %s: %w", product.SKU, err)
			}
			raised++
			m.metrics.RecordStockAlert(bucket.kind)
			m.recordAlert(ctx, *alert, product)
			alertIDs = append(alertIDs, alert.ID)
			named = append(named, product)
		}
		if len(alertIDs) == 0 {
			continue
		}
		if !m.deliver(ctx, bucket.kind, expiryMessage(bucket.kind, named), alertIDs, now) {
			failures++
		}
	}
	return deactivated, raised, failures, nil
}

// deliver sends one SMS and stamps the outcome on every listed alert.
func (m *Monitor) deliver(ctx context.Context, purpose string, message string, alertIDs []string, now time.Time) bool {
	sent := false
	if m.notifier != nil {
		if err := m.notifier.Send(ctx, m.cfg.AlertNumber, message); err != nil {
			m.log.Warn("alert sms failed", zap.String("purpose", purpose), zap.Error(err))
		} else {
			sent = true
		}
	}
	m.metrics.RecordSMS(purpose, sent)

	for _, id := range alertIDs {
		if err := m.repo.MarkAlertSMS(ctx, id, sent, now); err != nil {
			m.log.Warn("record alert sms status failed", zap.String("alert_id", id), zap.Error(err))
		}
	}
	return sent
}

func (m *Monitor) recordAlert(ctx context.Context, alert domain.StockAlert, product domain.Product) {
	m.audit.Record(ctx, domain.AuditLog{
		Action:     "stock_alert",
		ActorID:    "system",
		EntityType: "product",
		EntityID:   product.ID,
		NewValues:  fmt.Sprintf(`{"alert_id":%q,"stock_level":%d,"threshold":%d}`, alert.ID, alert.StockLevel, alert.Threshold),
	})
}

func lowStockMessage(product domain.Product, threshold int) string {
	if product.Stock == 0 {
		return fmt.Sprintf("OUT OF STOCK: %s (%s) has 0 units left.", product.Name, product.SKU)
	}
	return fmt.Sprintf("LOW STOCK: %s (%s) has %d units left (threshold %d).", product.Name, product.SKU, product.Stock, threshold)
}

func expiryMessage(kind string, products []domain.Product) string {
	names := make([]string, 0, len(products))
	for _, product := range products {
		names = append(names, fmt.Sprintf("%s (%s, %s)", product.Name, product.SKU, product.ExpiryDate.Format("2006-01-02")))
	}
	if kind == "expired" {
		return fmt.Sprintf("EXPIRED and removed from sale: %s", strings.Join(names, ", "))
	}
	return fmt.Sprintf("EXPIRING SOON: %s", strings.Join(names, ", "))
}
