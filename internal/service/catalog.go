package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.ToLower(strings.TrimSpace(req.Category))

	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: sku and name are required", store.ErrInvalidTransaction)
	}
	if !req.SellingPrice.IsPositive() || req.CostPrice.IsNegative() || req.Stock < 0 {
		return domain.Product{}, fmt.Errorf("%w: price must be positive and stock non-negative", store.ErrInvalidTransaction)
	}

	var expiry *time.Time
	if req.ExpiryDate != "" {
		parsed, err := parseExpiry(req.ExpiryDate)
		if err != nil {
			return domain.Product{}, fmt.Errorf("%w: expiry date %q", store.ErrInvalidTransaction, req.ExpiryDate)
		}
		expiry = &parsed
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:           xid.New("prod"),
		SKU:          req.SKU,
		Name:         req.Name,
		Category:     req.Category,
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
		Stock:        req.Stock,
		Active:       true,
		ExpiryDate:   expiry,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, "",
		fmt.Sprintf(`{"sku":%q,"selling_price":%q,"stock":%d}`, created.SKU, created.SellingPrice.StringFixed(2), created.Stock), "")
	return *created, nil
}

func (s *Service) DeactivateProduct(ctx context.Context, id string) (domain.Product, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if id == "" {
		return domain.Product{}, store.ErrInvalidTransaction
	}

	updated, err := s.repo.SetProductActive(ctx, id, false)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_deactivate", "product", updated.ID, `{"active":true}`, `{"active":false}`, "")
	return *updated, nil
}

// parseExpiry accepts a calendar date (end of that day, UTC) or RFC3339.
func parseExpiry(raw string) (time.Time, error) {
	if day, err := time.Parse("2006-01-02", raw); err == nil {
		return day.Add(24*time.Hour - time.Second).UTC(), nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return at.UTC(), nil
}
