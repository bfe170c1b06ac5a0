package service

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

// RegisterCustomer returns the existing customer for a known mobile number.
// The bool reports whether a new record was created.
func (s *Service) RegisterCustomer(ctx context.Context, req domain.CustomerRegisterRequest) (domain.Customer, bool, error) {
	mobile, err := normalizeMobile(req.Mobile)
	if err != nil {
		return domain.Customer{}, false, err
	}

	customer, created, err := s.repo.UpsertCustomer(ctx, domain.Customer{
		ID:           xid.New("cust"),
		Mobile:       mobile,
		Name:         strings.TrimSpace(req.Name),
		CustomerCode: xid.Code("CUST"),
		Tier:         domain.TierBronze,
	})
	if err != nil {
		return domain.Customer{}, false, err
	}
	if created {
		s.logAudit(ctx, "customer_register", "customer", customer.ID, "",
			fmt.Sprintf(`{"customer_code":%q,"mobile":%q}`, customer.CustomerCode, customer.Mobile), "")
	}
	return *customer, created, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	if id == "" {
		return domain.Customer{}, store.ErrInvalidTransaction
	}
	customer, err := s.repo.GetCustomer(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) GetCustomerByMobile(ctx context.Context, mobile string) (domain.Customer, error) {
	normalized, err := normalizeMobile(mobile)
	if err != nil {
		return domain.Customer{}, err
	}
	customer, err := s.repo.GetCustomerByMobile(ctx, normalized)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

// normalizeMobile strips spaces and dashes and keeps an optional leading +.
func normalizeMobile(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return "", fmt.Errorf("%w: mobile number %q", store.ErrInvalidTransaction, raw)
		}
	}
	mobile := b.String()
	digits := len(strings.TrimPrefix(mobile, "+"))
	if digits < 10 || digits > 15 {
		return "", fmt.Errorf("%w: mobile number must have 10 to 15 digits", store.ErrInvalidTransaction)
	}
	return mobile, nil
}
