package service

import (
	"context"
	"fmt"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

func (s *Service) ListAlerts(ctx context.Context, unacknowledgedOnly bool, limit int) (domain.AlertListResponse, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	alerts, err := s.repo.ListStockAlerts(ctx, domain.AlertQuery{UnacknowledgedOnly: unacknowledgedOnly, Limit: limit})
	if err != nil {
		return domain.AlertListResponse{}, err
	}
	return domain.AlertListResponse{Alerts: alerts}, nil
}

func (s *Service) AcknowledgeAlert(ctx context.Context, id string) (domain.StockAlert, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.StockAlert{}, err
	}
	if id == "" {
		return domain.StockAlert{}, store.ErrInvalidTransaction
	}

	alert, err := s.repo.AcknowledgeAlert(ctx, id, actor.Username, s.now())
	if err != nil {
		return domain.StockAlert{}, err
	}
	s.logAudit(ctx, "alert_acknowledge", "stock_alert", alert.ID, `{"acknowledged":false}`, `{"acknowledged":true}`, "")
	return *alert, nil
}

func (s *Service) RunStockScan(ctx context.Context) (domain.StockScanResult, error) {
	if s.monitor == nil {
		return domain.StockScanResult{}, fmt.Errorf("stock monitor is not configured")
	}
	return s.monitor.RunStockScan(ctx)
}
