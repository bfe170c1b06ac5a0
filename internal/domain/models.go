package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierBronze Tier = "Bronze"
	TierSilver Tier = "Silver"
	TierGold   Tier = "Gold"
)

type Product struct {
	ID           string          `json:"id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Stock        int             `json:"stock"`
	Active       bool            `json:"active"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Stock        int             `json:"stock"`
	ExpiryDate   string          `json:"expiry_date,omitempty"`
}

type Customer struct {
	ID             string          `json:"id"`
	Mobile         string          `json:"mobile"`
	Name           string          `json:"name"`
	CustomerCode   string          `json:"customer_code"`
	CreditPoints   int64           `json:"credit_points"`
	PointsRedeemed int64           `json:"points_redeemed"`
	TotalPurchases decimal.Decimal `json:"total_purchases"`
	Tier           Tier            `json:"tier"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type CustomerRegisterRequest struct {
	Mobile string `json:"mobile"`
	Name   string `json:"name"`
}

type CartLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type CheckoutRequest struct {
	InvoiceNumber    string           `json:"invoice_number"`
	SessionToken     string           `json:"session_token"`
	CustomerID       string           `json:"customer_id,omitempty"`
	Lines            []CartLine       `json:"lines"`
	Discount         decimal.Decimal  `json:"discount"`
	PointsToRedeem   int64            `json:"points_to_redeem,omitempty"`
	DeclaredSubtotal *decimal.Decimal `json:"declared_subtotal,omitempty"`
	DeclaredTax      *decimal.Decimal `json:"declared_tax,omitempty"`
	DeclaredTotal    *decimal.Decimal `json:"declared_total,omitempty"`
	PaymentMethod    string           `json:"payment_method"`
	PaymentConfirmed bool             `json:"payment_confirmed"`
}

type CheckoutResponse struct {
	Transaction Transaction `json:"transaction"`
	Warnings    []string    `json:"warnings,omitempty"`
}

// TransactionLine is frozen at sale time; catalog edits never touch it.
type TransactionLine struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	TaxAmount decimal.Decimal `json:"tax_amount"`
}

// Transaction.Discount includes the currency value of PointsRedeemed.
type Transaction struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customer_id,omitempty"`
	InvoiceNumber      string            `json:"invoice_number"`
	Items              []TransactionLine `json:"items"`
	Subtotal           decimal.Decimal   `json:"subtotal"`
	TaxTotal           decimal.Decimal   `json:"tax_total"`
	Discount           decimal.Decimal   `json:"discount"`
	Total              decimal.Decimal   `json:"total"`
	PointsRedeemed     int64             `json:"points_redeemed"`
	PaymentMethod      string            `json:"payment_method"`
	PaymentStatus      string            `json:"payment_status"`
	CreditPointsEarned int64             `json:"credit_points_earned"`
	IsRefunded         bool              `json:"is_refunded"`
	RefundID           string            `json:"refund_id,omitempty"`
	CreatedBy          string            `json:"created_by"`
	CreatedAt          time.Time         `json:"created_at"`
}

// Buyer is either WalkIn or Member.
type Buyer interface {
	isBuyer()
}

type WalkIn struct{}

type Member struct {
	CustomerID string
}

func (WalkIn) isBuyer() {}
func (Member) isBuyer() {}

func (t Transaction) Buyer() Buyer {
	if t.CustomerID == "" {
		return WalkIn{}
	}
	return Member{CustomerID: t.CustomerID}
}

type RefundRequest struct {
	TransactionID string           `json:"transaction_id"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Reason        string           `json:"reason"`
	ManagerPIN    string           `json:"manager_pin"`
}

type Refund struct {
	ID             string          `json:"id"`
	TransactionID  string          `json:"transaction_id"`
	RefundAmount   decimal.Decimal `json:"refund_amount"`
	Reason         string          `json:"reason"`
	PointsReversed int64           `json:"points_reversed"`
	PointsRestored int64           `json:"points_restored"`
	StockReversed  bool            `json:"stock_reversed"`
	ProcessedBy    string          `json:"processed_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

type RefundResponse struct {
	Refund   Refund   `json:"refund"`
	Warnings []string `json:"warnings,omitempty"`
}

// StockAlert.Threshold is 0 for expiry alerts and the low-stock threshold otherwise.
type StockAlert struct {
	ID             string     `json:"id"`
	ProductID      string     `json:"product_id"`
	StockLevel     int        `json:"stock_level"`
	Threshold      int        `json:"threshold"`
	SMSSent        bool       `json:"sms_sent"`
	SMSSentAt      *time.Time `json:"sms_sent_at,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (a StockAlert) IsExpiry() bool {
	return a.Threshold == 0
}

type AlertQuery struct {
	ProductID          string
	CreatedSince       *time.Time
	UnacknowledgedOnly bool
	Limit              int
}

type AlertListResponse struct {
	Alerts []StockAlert `json:"alerts"`
}

type StockScanResult struct {
	LowStockAlerts     int    `json:"low_stock_alerts"`
	ExpiredDeactivated int    `json:"expired_deactivated"`
	ExpiryAlerts       int    `json:"expiry_alerts"`
	SMSFailures        int    `json:"sms_failures"`
	ScannedAt          string `json:"scanned_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	ActorID    string    `json:"actor_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	OldValues  string    `json:"old_values,omitempty"`
	NewValues  string    `json:"new_values,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	PaymentCash   = "cash"
	PaymentCard   = "card"
	PaymentUPI    = "upi"
	PaymentWallet = "wallet"
)

const (
	PaymentStatusCompleted = "completed"
)
