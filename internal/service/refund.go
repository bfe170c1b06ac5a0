package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"retailpos/internal/domain"
	"retailpos/internal/lock"
	"retailpos/internal/loyalty"
	"retailpos/internal/pricing"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

// Refund reverses a sale exactly once: stock back on the shelf, earned
// points and lifetime spend taken back, then the refund is recorded and the
// transaction flagged. A failure after stock has moved is ErrInconsistentState.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundResponse, error) {
	resp, err := s.refund(ctx, req)
	s.metrics.RecordRefund(refundOutcome(err))
	return resp, err
}

func (s *Service) refund(ctx context.Context, req domain.RefundRequest) (domain.RefundResponse, error) {
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.TransactionID == "" {
		return domain.RefundResponse{}, fmt.Errorf("%w: transaction id is required", store.ErrInvalidTransaction)
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	release, err := s.locker.Acquire(ctx, "refund:"+req.TransactionID)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return domain.RefundResponse{}, store.ErrRefundInProgress
		}
		return domain.RefundResponse{}, fmt.Errorf("acquire refund lock: %w", err)
	}
	defer release()

	tx, err := s.repo.FindTransactionByID(ctx, req.TransactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.RefundResponse{}, fmt.Errorf("%w: transaction %s", store.ErrNotFound, req.TransactionID)
		}
		return domain.RefundResponse{}, err
	}
	if tx.IsRefunded {
		return domain.RefundResponse{}, store.ErrAlreadyRefunded
	}
	log := s.log.With(zap.String("transaction_id", tx.ID), zap.String("invoice_number", tx.InvoiceNumber))

	// A recorded refund means stock and points already moved; only the flag may be missing.
	existing, err := s.repo.FindRefundByTransaction(ctx, tx.ID)
	if err == nil {
		if err := s.repo.MarkTransactionRefunded(context.WithoutCancel(ctx), tx.ID, existing.ID); err != nil && !errors.Is(err, store.ErrAlreadyRefunded) {
			return domain.RefundResponse{}, s.inconsistent(log, "flag transaction refunded", tx.ID, err)
		}
		log.Warn("refund already recorded; transaction flag completed", zap.String("refund_id", existing.ID))
		return domain.RefundResponse{}, store.ErrAlreadyRefunded
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.RefundResponse{}, err
	}

	amount := tx.Total
	if req.Amount != nil {
		amount = pricing.Money(*req.Amount)
		if !amount.IsPositive() || amount.GreaterThan(tx.Total) {
			return domain.RefundResponse{}, fmt.Errorf("%w: refund amount must be between 0.01 and %s", store.ErrInvalidTransaction, tx.Total.StringFixed(2))
		}
	}

	// Nothing has been written yet; past this point writes are unwound only by hand.
	postCtx := context.WithoutCancel(ctx)
	resp := domain.RefundResponse{}

	restocked := 0
	for _, item := range tx.Items {
		if err := s.repo.IncrementStock(postCtx, item.ProductID, item.Qty); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Warn("refund skipped restock for missing product", zap.String("product_id", item.ProductID), zap.Int("qty", item.Qty))
				resp.Warnings = append(resp.Warnings, fmt.Sprintf("product %s no longer exists; %d units not restocked", item.SKU, item.Qty))
				continue
			}
			if restocked == 0 {
				return domain.RefundResponse{}, err
			}
			return domain.RefundResponse{}, s.inconsistent(log, "restock", tx.ID, err)
		}
		restocked++
	}

	var reversed, restored int64
	if member, ok := tx.Buyer().(domain.Member); ok {
		_, err := s.repo.MutateCustomer(postCtx, member.CustomerID, func(c *domain.Customer) error {
			restored = tx.PointsRedeemed
			reversed = loyalty.ApplyReversal(c, tx.CreditPointsEarned, restored, tx.Total, s.refundRecomputesTier)
			return nil
		})
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return domain.RefundResponse{}, s.inconsistent(log, "loyalty reversal", tx.ID, err)
			}
			reversed, restored = 0, 0
			log.Warn("refund skipped loyalty reversal for missing customer", zap.String("customer_id", member.CustomerID))
			resp.Warnings = append(resp.Warnings, "customer no longer exists; loyalty not reversed")
		}
	}

	created, err := s.repo.CreateRefund(postCtx, domain.Refund{
		ID:             xid.New("refund"),
		TransactionID:  tx.ID,
		RefundAmount:   amount,
		Reason:         req.Reason,
		PointsReversed: reversed,
		PointsRestored: restored,
		StockReversed:  true,
		ProcessedBy:    s.actorName(ctx),
		CreatedAt:      s.now(),
	})
	if err != nil {
		return domain.RefundResponse{}, s.inconsistent(log, "record refund", tx.ID, err)
	}
	if err := s.repo.MarkTransactionRefunded(postCtx, tx.ID, created.ID); err != nil {
		return domain.RefundResponse{}, s.inconsistent(log, "flag transaction refunded", tx.ID, err)
	}

	s.logAudit(postCtx, "refund", "transaction", tx.ID,
		fmt.Sprintf(`{"is_refunded":false,"total":%q}`, tx.Total.StringFixed(2)),
		fmt.Sprintf(`{"is_refunded":true,"refund_id":%q,"refund_amount":%q,"points_reversed":%d}`, created.ID, created.RefundAmount.StringFixed(2), reversed),
		req.Reason)

	resp.Refund = *created
	return resp, nil
}

func (s *Service) inconsistent(log *zap.Logger, step string, transactionID string, cause error) error {
	log.Error("refund left ledger inconsistent; manual reconciliation required", zap.String("step", step), zap.Error(cause))
	return fmt.Errorf("%w: refund of %s partially applied, %s failed: %w", store.ErrInconsistentState, transactionID, step, cause)
}

func refundOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, store.ErrInconsistentState):
		return "inconsistent"
	case errors.Is(err, store.ErrAlreadyRefunded):
		return "already_refunded"
	case errors.Is(err, store.ErrRefundInProgress):
		return "in_progress"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInvalidTransaction):
		return "invalid"
	default:
		return "error"
	}
}
