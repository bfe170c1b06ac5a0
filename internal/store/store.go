package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"retailpos/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrConflict           = errors.New("conflict")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInsufficientPoints = errors.New("insufficient credit points")
	ErrInconsistentState  = errors.New("inconsistent state")

	ErrDuplicateInvoice   = fmt.Errorf("%w: duplicate invoice number", ErrConflict)
	ErrAlreadyRefunded    = fmt.Errorf("%w: transaction already refunded", ErrConflict)
	ErrCheckoutInProgress = fmt.Errorf("%w: checkout already in progress", ErrConflict)
	ErrRefundInProgress   = fmt.Errorf("%w: refund already in progress", ErrConflict)
)

type Shortage struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// InsufficientStockError lists every product a sale could not be served from.
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		label := s.SKU
		if label == "" {
			label = s.ProductID
		}
		parts = append(parts, fmt.Sprintf("%s requested %d, available %d (short by %d)", label, s.Requested, s.Available, s.Requested-s.Available))
	}
	return fmt.Sprintf("insufficient stock: %s", strings.Join(parts, "; "))
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type ProductStore interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	SetProductActive(ctx context.Context, id string, active bool) (*domain.Product, error)
	IncrementStock(ctx context.Context, productID string, qty int) error
	ListLowStockProducts(ctx context.Context, threshold int) ([]domain.Product, error)
	ListExpiringProducts(ctx context.Context, until time.Time) ([]domain.Product, error)
	DeactivateProducts(ctx context.Context, ids []string) (int, error)
}

type CustomerStore interface {
	// UpsertCustomer returns the stored customer and whether it was created.
	UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, bool, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	GetCustomerByMobile(ctx context.Context, mobile string) (*domain.Customer, error)
	// MutateCustomer applies fn to the current record under a row lock and
	// persists the result. Nothing is written if fn returns an error.
	MutateCustomer(ctx context.Context, id string, fn func(*domain.Customer) error) (*domain.Customer, error)
}

type LedgerStore interface {
	// CommitSale decrements every line's stock (iff stock >= qty), redeems
	// tx.PointsRedeemed from the customer and inserts the transaction, all or nothing.
	CommitSale(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByInvoice(ctx context.Context, invoiceNumber string) (*domain.Transaction, error)
	CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error)
	FindRefundByTransaction(ctx context.Context, transactionID string) (*domain.Refund, error)
	// MarkTransactionRefunded flips is_refunded only if it is still false.
	MarkTransactionRefunded(ctx context.Context, transactionID string, refundID string) error
}

type AlertStore interface {
	CreateStockAlert(ctx context.Context, alert domain.StockAlert) (*domain.StockAlert, error)
	HasStockAlert(ctx context.Context, query domain.AlertQuery) (bool, error)
	ListStockAlerts(ctx context.Context, query domain.AlertQuery) ([]domain.StockAlert, error)
	MarkAlertSMS(ctx context.Context, id string, sent bool, at time.Time) error
	AcknowledgeAlert(ctx context.Context, id string, actor string, at time.Time) (*domain.StockAlert, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

type UserStore interface {
	FindUser(ctx context.Context, username string) (*domain.UserAccount, error)
}

type Repository interface {
	ProductStore
	CustomerStore
	LedgerStore
	AlertStore
	AuditStore
	UserStore
}
