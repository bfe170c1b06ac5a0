package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"retailpos/internal/audit"
	"retailpos/internal/domain"
	"retailpos/internal/lock"
	"retailpos/internal/metrics"
	"retailpos/internal/notify"
	"retailpos/internal/pricing"
	"retailpos/internal/store"
	"retailpos/internal/tax"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// StockMonitor is the part of the stock monitor the service drives.
type StockMonitor interface {
	Trigger()
	RunStockScan(ctx context.Context) (domain.StockScanResult, error)
}

type Options struct {
	Locker               lock.Locker
	Taxes                pricing.TaxLookup
	Notifier             notify.Notifier
	Audit                audit.Sink
	Metrics              *metrics.Metrics
	Monitor              StockMonitor
	Log                  *zap.Logger
	RefundRecomputesTier bool
	ReceiptSMS           bool
}

type Service struct {
	repo                 store.Repository
	locker               lock.Locker
	taxes                pricing.TaxLookup
	notifier             notify.Notifier
	audit                audit.Sink
	metrics              *metrics.Metrics
	monitor              StockMonitor
	log                  *zap.Logger
	refundRecomputesTier bool
	receiptSMS           bool
	now                  func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Locker == nil {
		opts.Locker = lock.NewMemory()
	}
	if opts.Taxes == nil {
		opts.Taxes = tax.Rates{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	return &Service{
		repo:                 repo,
		locker:               opts.Locker,
		taxes:                opts.Taxes,
		notifier:             opts.Notifier,
		audit:                opts.Audit,
		metrics:              opts.Metrics,
		monitor:              opts.Monitor,
		log:                  opts.Log.Named("service"),
		refundRecomputesTier: opts.RefundRecomputesTier,
		receiptSMS:           opts.ReceiptSMS,
		now:                  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	if id == "" {
		return domain.Transaction{}, store.ErrInvalidTransaction
	}
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) GetTransactionByInvoice(ctx context.Context, invoiceNumber string) (domain.Transaction, error) {
	if invoiceNumber == "" {
		return domain.Transaction{}, store.ErrInvalidTransaction
	}
	tx, err := s.repo.FindTransactionByInvoice(ctx, invoiceNumber)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Actor{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return actor, nil
}

func (s *Service) actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, oldValues string, newValues string, notes string) {
	s.audit.Record(ctx, domain.AuditLog{
		Action:     action,
		ActorID:    s.actorName(ctx),
		EntityType: entityType,
		EntityID:   entityID,
		OldValues:  oldValues,
		NewValues:  newValues,
		Notes:      notes,
		CreatedAt:  s.now(),
	})
}
