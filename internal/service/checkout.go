package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"retailpos/internal/domain"
	"retailpos/internal/lock"
	"retailpos/internal/loyalty"
	"retailpos/internal/pricing"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

const loyaltyFailureWarning = "sale completed but loyalty points were not credited; reconcile the customer balance manually"

// Checkout turns a cart into a committed sale. Every validation happens
// before the single atomic commit; steps after the commit only warn.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	done := s.metrics.TrackCheckout()
	resp, err := s.checkout(ctx, req)
	done(checkoutOutcome(err))
	return resp, err
}

func (s *Service) checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req, err := normalizeCheckout(req)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	lockKey := req.SessionToken
	if lockKey == "" {
		lockKey = "invoice:" + req.InvoiceNumber
	}
	release, err := s.locker.Acquire(ctx, "checkout:"+lockKey)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return domain.CheckoutResponse{}, store.ErrCheckoutInProgress
		}
		return domain.CheckoutResponse{}, fmt.Errorf("acquire checkout lock: %w", err)
	}
	defer release()

	if _, err := s.repo.FindTransactionByInvoice(ctx, req.InvoiceNumber); err == nil {
		return domain.CheckoutResponse{}, store.ErrDuplicateInvoice
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, err
	}

	ids := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if err := checkAvailability(req.Lines, products); err != nil {
		return domain.CheckoutResponse{}, err
	}

	var customer *domain.Customer
	if req.CustomerID != "" {
		customer, err = s.repo.GetCustomer(ctx, req.CustomerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.CheckoutResponse{}, fmt.Errorf("%w: customer %s", store.ErrNotFound, req.CustomerID)
			}
			return domain.CheckoutResponse{}, err
		}
	}

	quote, err := pricing.Price(req.Lines, products, s.taxes, req.Discount)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	tierBefore := domain.TierBronze
	redeem := int64(0)
	if customer != nil {
		tierBefore = customer.Tier
		if tierBefore == "" {
			tierBefore = loyalty.TierFor(customer.TotalPurchases)
		}
		redeem = loyalty.ClampRedemption(req.PointsToRedeem, loyalty.RedemptionCap(quote.Subtotal, tierBefore, customer.CreditPoints))
		// Each point buys one unit of discount; never take points the total cannot absorb.
		redeem = loyalty.ClampRedemption(redeem, quote.Total.Floor().IntPart())
		if redeem > 0 {
			quote, err = pricing.Price(req.Lines, products, s.taxes, req.Discount.Add(decimal.NewFromInt(redeem)))
			if err != nil {
				return domain.CheckoutResponse{}, err
			}
		}
	}

	if err := pricing.VerifyDeclared(quote, req.DeclaredSubtotal, req.DeclaredTax, req.DeclaredTotal); err != nil {
		return domain.CheckoutResponse{}, err
	}

	earned := int64(0)
	if customer != nil {
		earned = loyalty.PointsEarned(quote.Total, tierBefore)
	}

	tx := domain.Transaction{
		ID:                 xid.New("tx"),
		CustomerID:         req.CustomerID,
		InvoiceNumber:      req.InvoiceNumber,
		Items:              quote.Lines,
		Subtotal:           quote.Subtotal,
		TaxTotal:           quote.TaxTotal,
		Discount:           quote.Discount,
		Total:              quote.Total,
		PointsRedeemed:     redeem,
		PaymentMethod:      req.PaymentMethod,
		PaymentStatus:      domain.PaymentStatusCompleted,
		CreditPointsEarned: earned,
		CreatedBy:          s.actorName(ctx),
		CreatedAt:          s.now(),
	}

	committed, err := s.repo.CommitSale(ctx, tx)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	// The sale exists from here on; nothing below may report failure.
	postCtx := context.WithoutCancel(ctx)
	resp := domain.CheckoutResponse{Transaction: *committed}

	var member *domain.Customer
	switch buyer := committed.Buyer().(type) {
	case domain.Member:
		member, err = s.repo.MutateCustomer(postCtx, buyer.CustomerID, func(c *domain.Customer) error {
			loyalty.ApplyEarn(c, committed.Total, committed.CreditPointsEarned)
			return nil
		})
		if err != nil {
			s.metrics.RecordLoyaltyFailure()
			s.log.Warn("loyalty update failed after sale",
				zap.String("invoice_number", committed.InvoiceNumber),
				zap.String("customer_id", buyer.CustomerID),
				zap.Int64("points", committed.CreditPointsEarned),
				zap.Error(err))
			resp.Warnings = append(resp.Warnings, loyaltyFailureWarning)
		}
	case domain.WalkIn:
	}

	s.logAudit(postCtx, "checkout", "transaction", committed.ID, "",
		fmt.Sprintf(`{"invoice_number":%q,"total":%q,"payment_method":%q,"points_redeemed":%d,"points_earned":%d}`,
			committed.InvoiceNumber, committed.Total.StringFixed(2), committed.PaymentMethod, committed.PointsRedeemed, committed.CreditPointsEarned),
		"")

	if s.monitor != nil {
		s.monitor.Trigger()
	}
	if member != nil && s.receiptSMS {
		s.sendReceipt(*committed, *member)
	}

	return resp, nil
}

func normalizeCheckout(req domain.CheckoutRequest) (domain.CheckoutRequest, error) {
	req.InvoiceNumber = strings.TrimSpace(req.InvoiceNumber)
	req.SessionToken = strings.TrimSpace(req.SessionToken)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}

	if req.InvoiceNumber == "" {
		return req, fmt.Errorf("%w: invoice number is required", store.ErrInvalidTransaction)
	}
	if len(req.Lines) == 0 {
		return req, fmt.Errorf("%w: cart is empty", store.ErrInvalidTransaction)
	}
	if req.Discount.IsNegative() {
		return req, fmt.Errorf("%w: discount must not be negative", store.ErrInvalidTransaction)
	}
	if req.PointsToRedeem < 0 {
		return req, fmt.Errorf("%w: points to redeem must not be negative", store.ErrInvalidTransaction)
	}
	if req.PointsToRedeem > 0 && req.CustomerID == "" {
		return req, fmt.Errorf("%w: redeeming points requires a customer", store.ErrInvalidTransaction)
	}

	switch req.PaymentMethod {
	case domain.PaymentCash:
	case domain.PaymentCard, domain.PaymentUPI, domain.PaymentWallet:
		if !req.PaymentConfirmed {
			return req, fmt.Errorf("%w: %s payment has not been confirmed", store.ErrInvalidTransaction, req.PaymentMethod)
		}
	default:
		return req, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidTransaction, req.PaymentMethod)
	}

	merged := make([]domain.CartLine, 0, len(req.Lines))
	index := make(map[string]int, len(req.Lines))
	for _, line := range req.Lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" || line.Qty < 1 {
			return req, fmt.Errorf("%w: every line needs a product and a positive quantity", store.ErrInvalidTransaction)
		}
		if i, ok := index[line.ProductID]; ok {
			merged[i].Qty += line.Qty
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	req.Lines = merged
	return req, nil
}

// checkAvailability reports every short line at once so the cashier can fix
// the whole cart. CommitSale re-checks atomically.
func checkAvailability(lines []domain.CartLine, products map[string]domain.Product) error {
	shortages := make([]store.Shortage, 0)
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || !product.Active {
			return fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
		if product.Stock < line.Qty {
			shortages = append(shortages, store.Shortage{
				ProductID: product.ID,
				SKU:       product.SKU,
				Name:      product.Name,
				Requested: line.Qty,
				Available: product.Stock,
			})
		}
	}
	if len(shortages) > 0 {
		return &store.InsufficientStockError{Shortages: shortages}
	}
	return nil
}

func (s *Service) sendReceipt(tx domain.Transaction, customer domain.Customer) {
	if s.notifier == nil || customer.Mobile == "" {
		return
	}
	message := fmt.Sprintf("Thank you for shopping with us. Invoice %s, total %s. Points earned %d, balance %d.",
		tx.InvoiceNumber, tx.Total.StringFixed(2), tx.CreditPointsEarned, customer.CreditPoints)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.notifier.Send(ctx, customer.Mobile, message)
		s.metrics.RecordSMS("receipt", err == nil)
		if err != nil {
			s.log.Warn("receipt sms failed", zap.String("invoice_number", tx.InvoiceNumber), zap.Error(err))
		}
	}()
}

func checkoutOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrDuplicateInvoice):
		return "duplicate_invoice"
	case errors.Is(err, store.ErrCheckoutInProgress):
		return "in_progress"
	case errors.Is(err, store.ErrInvalidTransaction):
		return "invalid"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInsufficientPoints):
		return "insufficient_points"
	default:
		return "error"
	}
}
