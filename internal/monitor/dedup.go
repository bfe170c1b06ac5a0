package monitor

import (
	"context"
	"time"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

// DedupPolicy decides whether a new alert for a product would be a repeat.
type DedupPolicy interface {
	Suppress(ctx context.Context, alerts store.AlertStore, productID string, now time.Time) (bool, error)
}

// UntilAcknowledged suppresses while any unacknowledged alert exists for the
// product. Low-stock alerts use it.
type UntilAcknowledged struct{}

func (UntilAcknowledged) Suppress(ctx context.Context, alerts store.AlertStore, productID string, _ time.Time) (bool, error) {
	return alerts.HasStockAlert(ctx, domain.AlertQuery{ProductID: productID, UnacknowledgedOnly: true})
}

// RollingWindow suppresses if any alert for the product was created within
// Window of now, acknowledged or not. Expiry alerts use it.
type RollingWindow struct {
	Window time.Duration
}

func (p RollingWindow) Suppress(ctx context.Context, alerts store.AlertStore, productID string, now time.Time) (bool, error) {
	since := now.Add(-p.Window)
	return alerts.HasStockAlert(ctx, domain.AlertQuery{ProductID: productID, CreatedSince: &since})
}
