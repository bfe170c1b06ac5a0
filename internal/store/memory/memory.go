package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"retailpos/internal/domain"
	"retailpos/internal/loyalty"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	productIDBySKU     map[string]string
	customers          map[string]domain.Customer
	customerIDByMobile map[string]string
	transactionsByID   map[string]*domain.Transaction
	transactionByInv   map[string]string
	refundsByID        map[string]domain.Refund
	refundByTx         map[string]string
	alerts             []domain.StockAlert
	auditLogs          []domain.AuditLog
	usersByUsername    map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:           make(map[string]domain.Product),
		productIDBySKU:     make(map[string]string),
		customers:          make(map[string]domain.Customer),
		customerIDByMobile: make(map[string]string),
		transactionsByID:   make(map[string]*domain.Transaction),
		transactionByInv:   make(map[string]string),
		refundsByID:        make(map[string]domain.Refund),
		refundByTx:         make(map[string]string),
		alerts:             make([]domain.StockAlert, 0, 32),
		auditLogs:          make([]domain.AuditLog, 0, 128),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; when
// unset, dev defaults are used with a warning. The postgres store never seeds.
func seedUsers(log *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Error("seed user skipped", zap.String("username", u.username), zap.Error(err))
			continue
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with the demo catalog and seed accounts. A nil
// logger discards seeding messages.
func NewSeeded(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := New()
	now := time.Now().UTC()
	milkExpiry := now.AddDate(0, 0, 10)

	products := []domain.Product{
		{ID: "prod-sku001", SKU: "SKU001", Name: "Basmati Rice 1kg", Category: "grocery", CostPrice: decimal.NewFromInt(80), SellingPrice: decimal.NewFromInt(100), Stock: 10},
		{ID: "prod-sku002", SKU: "SKU002", Name: "Toor Dal 1kg", Category: "grocery", CostPrice: decimal.NewFromInt(120), SellingPrice: decimal.NewFromInt(150), Stock: 40},
		{ID: "prod-sku003", SKU: "SKU003", Name: "Toned Milk 500ml", Category: "dairy", CostPrice: decimal.NewFromInt(24), SellingPrice: decimal.NewFromInt(30), Stock: 25, ExpiryDate: &milkExpiry},
		{ID: "prod-sku004", SKU: "SKU004", Name: "Masala Tea 250g", Category: "beverage", CostPrice: decimal.NewFromInt(95), SellingPrice: decimal.NewFromInt(140), Stock: 30},
		{ID: "prod-sku005", SKU: "SKU005", Name: "Bath Soap", Category: "household", CostPrice: decimal.NewFromInt(28), SellingPrice: decimal.NewFromInt(45), Stock: 60},
	}
	for _, p := range products {
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.productIDBySKU[p.SKU] = p.ID
	}
	s.usersByUsername = seedUsers(log)
	return s
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.productIDBySKU[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrConflict, product.SKU)
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	s.products[product.ID] = cloneProduct(product)
	s.productIDBySKU[product.SKU] = product.ID
	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneProduct(product)
	return &found, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			result[id] = cloneProduct(product)
		}
	}
	return result, nil
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, product := range s.products {
		if !product.Active && !includeInactive {
			continue
		}
		result = append(result, cloneProduct(product))
	}
	sortBySKU(result)
	return result, nil
}

func (s *Store) SetProductActive(_ context.Context, id string, active bool) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.Active = active
	product.UpdatedAt = time.Now().UTC()
	s.products[id] = product

	updated := cloneProduct(product)
	return &updated, nil
}

func (s *Store) IncrementStock(_ context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	product.Stock += qty
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return nil
}

func (s *Store) ListLowStockProducts(_ context.Context, threshold int) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, 8)
	for _, product := range s.products {
		if product.Active && product.Stock <= threshold {
			result = append(result, cloneProduct(product))
		}
	}
	sortBySKU(result)
	return result, nil
}

func (s *Store) ListExpiringProducts(_ context.Context, until time.Time) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, 8)
	for _, product := range s.products {
		if !product.Active || product.ExpiryDate == nil || product.ExpiryDate.After(until) {
			continue
		}
		result = append(result, cloneProduct(product))
	}
	sortBySKU(result)
	return result, nil
}

func (s *Store) DeactivateProducts(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, id := range ids {
		product, ok := s.products[id]
		if !ok || !product.Active {
			continue
		}
		product.Active = false
		product.UpdatedAt = now
		s.products[id] = product
		count++
	}
	return count, nil
}

func (s *Store) UpsertCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, bool, error) {
	if strings.TrimSpace(customer.Mobile) == "" {
		return nil, false, store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := s.customerIDByMobile[customer.Mobile]; ok {
		existing := s.customers[id]
		if customer.Name != "" && customer.Name != existing.Name {
			existing.Name = customer.Name
			existing.UpdatedAt = now
			s.customers[id] = existing
		}
		return &existing, false, nil
	}

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CustomerCode == "" {
		customer.CustomerCode = xid.Code("CUST")
	}
	if customer.Tier == "" {
		customer.Tier = domain.TierBronze
	}
	customer.CreatedAt = now
	customer.UpdatedAt = now
	s.customers[customer.ID] = customer
	s.customerIDByMobile[customer.Mobile] = customer.ID

	created := customer
	return &created, true, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) GetCustomerByMobile(_ context.Context, mobile string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.customerIDByMobile[mobile]
	if !ok {
		return nil, store.ErrNotFound
	}
	customer := s.customers[id]
	return &customer, nil
}

func (s *Store) MutateCustomer(_ context.Context, id string, fn func(*domain.Customer) error) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	working := customer
	if err := fn(&working); err != nil {
		return nil, err
	}
	if working.CreditPoints < 0 || working.TotalPurchases.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	working.ID = customer.ID
	working.UpdatedAt = time.Now().UTC()
	s.customers[id] = working

	updated := working
	return &updated, nil
}

func (s *Store) CommitSale(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.InvoiceNumber == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.transactionByInv[tx.InvoiceNumber]; exists {
		return nil, store.ErrDuplicateInvoice
	}

	order := make([]string, 0, len(tx.Items))
	need := make(map[string]int, len(tx.Items))
	for _, item := range tx.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidTransaction
		}
		if _, seen := need[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		need[item.ProductID] += item.Qty
	}

	shortages := make([]store.Shortage, 0)
	for _, id := range order {
		product, ok := s.products[id]
		if !ok || !product.Active {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		if product.Stock < need[id] {
			shortages = append(shortages, store.Shortage{
				ProductID: id,
				SKU:       product.SKU,
				Name:      product.Name,
				Requested: need[id],
				Available: product.Stock,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &store.InsufficientStockError{Shortages: shortages}
	}

	var redeemer domain.Customer
	if tx.PointsRedeemed > 0 {
		customer, ok := s.customers[tx.CustomerID]
		if !ok {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, tx.CustomerID)
		}
		if err := loyalty.ApplyRedemption(&customer, tx.PointsRedeemed); err != nil {
			return nil, store.ErrInsufficientPoints
		}
		redeemer = customer
	}

	now := time.Now().UTC()
	for _, id := range order {
		product := s.products[id]
		product.Stock -= need[id]
		product.UpdatedAt = now
		s.products[id] = product
	}
	if tx.PointsRedeemed > 0 {
		redeemer.UpdatedAt = now
		s.customers[redeemer.ID] = redeemer
	}

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	txCopy := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = txCopy
	s.transactionByInv[tx.InvoiceNumber] = tx.ID

	return cloneTransaction(txCopy), nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByInvoice(_ context.Context, invoiceNumber string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.transactionByInv[invoiceNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(s.transactionsByID[id]), nil
}

func (s *Store) CreateRefund(_ context.Context, refund domain.Refund) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactionsByID[refund.TransactionID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.refundByTx[refund.TransactionID]; exists {
		return nil, store.ErrAlreadyRefunded
	}
	if refund.ID == "" {
		refund.ID = xid.New("refund")
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}

	s.refundsByID[refund.ID] = refund
	s.refundByTx[refund.TransactionID] = refund.ID
	return &refund, nil
}

func (s *Store) FindRefundByTransaction(_ context.Context, transactionID string) (*domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.refundByTx[transactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	refund := s.refundsByID[id]
	return &refund, nil
}

func (s *Store) MarkTransactionRefunded(_ context.Context, transactionID string, refundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[transactionID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.IsRefunded {
		return store.ErrAlreadyRefunded
	}
	tx.IsRefunded = true
	tx.RefundID = refundID
	return nil
}

func (s *Store) CreateStockAlert(_ context.Context, alert domain.StockAlert) (*domain.StockAlert, error) {
	if alert.ProductID == "" {
		return nil, store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if alert.ID == "" {
		alert.ID = xid.New("alert")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	s.alerts = append(s.alerts, alert)
	return &alert, nil
}

func (s *Store) HasStockAlert(_ context.Context, query domain.AlertQuery) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, alert := range s.alerts {
		if matchesAlert(alert, query) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListStockAlerts(_ context.Context, query domain.AlertQuery) ([]domain.StockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockAlert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if !matchesAlert(s.alerts[i], query) {
			continue
		}
		result = append(result, s.alerts[i])
		if query.Limit > 0 && len(result) >= query.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) MarkAlertSMS(_ context.Context, id string, sent bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		s.alerts[i].SMSSent = sent
		if sent {
			sentAt := at
			s.alerts[i].SMSSentAt = &sentAt
		}
		return nil
	}
	return store.ErrNotFound
}

func (s *Store) AcknowledgeAlert(_ context.Context, id string, actor string, at time.Time) (*domain.StockAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		if !s.alerts[i].Acknowledged {
			ackAt := at
			s.alerts[i].Acknowledged = true
			s.alerts[i].AcknowledgedAt = &ackAt
			s.alerts[i].AcknowledgedBy = actor
		}
		alert := s.alerts[i]
		return &alert, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

// AuditLogs returns a copy of recorded audit entries, oldest first.
func (s *Store) AuditLogs() []domain.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.auditLogs)
}

func (s *Store) FindUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

// PutUser stores an account; passwords must already be bcrypt hashes.
func (s *Store) PutUser(user domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usersByUsername[strings.ToLower(user.Username)] = user
}

func matchesAlert(alert domain.StockAlert, query domain.AlertQuery) bool {
	if query.ProductID != "" && alert.ProductID != query.ProductID {
		return false
	}
	if query.UnacknowledgedOnly && alert.Acknowledged {
		return false
	}
	if query.CreatedSince != nil && alert.CreatedAt.Before(*query.CreatedSince) {
		return false
	}
	return true
}

func sortBySKU(products []domain.Product) {
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.SKU, b.SKU)
	})
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	if src.ExpiryDate != nil {
		expiry := src.ExpiryDate.UTC()
		dup.ExpiryDate = &expiry
	}
	return dup
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dupItems := make([]domain.TransactionLine, len(src.Items))
	copy(dupItems, src.Items)
	dup.Items = dupItems
	return &dup
}
