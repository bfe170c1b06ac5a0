package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, sku, name, category, cost_price, selling_price, stock, active, expiry_date, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var expiry sql.NullTime
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.CostPrice, &p.SellingPrice, &p.Stock, &p.Active, &expiry, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	if expiry.Valid {
		at := expiry.Time.UTC()
		p.ExpiryDate = &at
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, category, cost_price, selling_price, stock, active, expiry_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, product.ID, product.SKU, product.Name, product.Category, product.CostPrice, product.SellingPrice,
		product.Stock, product.Active, nullTime(product.ExpiryDate), product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrConflict, product.SKU)
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	products, err := s.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true OR $1
		ORDER BY sku
	`, includeInactive)
}

func (s *Store) SetProductActive(ctx context.Context, id string, active bool) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET active = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns, id, active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) IncrementStock(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $1, updated_at = now()
		WHERE id = $2
	`, qty, productID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListLowStockProducts(ctx context.Context, threshold int) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND stock <= $1
		ORDER BY sku
	`, threshold)
}

func (s *Store) ListExpiringProducts(ctx context.Context, until time.Time) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND expiry_date IS NOT NULL AND expiry_date <= $1
		ORDER BY sku
	`, until)
}

func (s *Store) DeactivateProducts(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET active = false, updated_at = now()
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

const customerColumns = `id, mobile, name, customer_code, credit_points, points_redeemed, total_purchases, tier, created_at, updated_at`

func scanCustomer(row rowScanner) (domain.Customer, error) {
	var c domain.Customer
	var tier string
	if err := row.Scan(&c.ID, &c.Mobile, &c.Name, &c.CustomerCode, &c.CreditPoints, &c.PointsRedeemed, &c.TotalPurchases, &tier, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Customer{}, err
	}
	c.Tier = domain.Tier(tier)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, bool, error) {
	if strings.TrimSpace(customer.Mobile) == "" {
		return nil, false, store.ErrInvalidTransaction
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

	// xmax = 0 only for freshly inserted rows.
	var created bool
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (id, mobile, name, customer_code, tier, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
		ON CONFLICT (mobile) DO UPDATE
		SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE customers.name END,
			updated_at = CASE WHEN EXCLUDED.name <> '' AND EXCLUDED.name <> customers.name THEN now() ELSE customers.updated_at END
		RETURNING `+customerColumns+`, (xmax = 0)
	`, customer.ID, customer.Mobile, customer.Name, customer.CustomerCode, string(customer.Tier))

	var c domain.Customer
	var tier string
	if err := row.Scan(&c.ID, &c.Mobile, &c.Name, &c.CustomerCode, &c.CreditPoints, &c.PointsRedeemed, &c.TotalPurchases, &tier, &c.CreatedAt, &c.UpdatedAt, &created); err != nil {
		return nil, false, err
	}
	c.Tier = domain.Tier(tier)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, created, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return s.getCustomer(ctx, "id", id)
}

func (s *Store) GetCustomerByMobile(ctx context.Context, mobile string) (*domain.Customer, error) {
	return s.getCustomer(ctx, "mobile", mobile)
}

func (s *Store) getCustomer(ctx context.Context, column string, value string) (*domain.Customer, error) {
	if column != "id" && column != "mobile" {
		return nil, fmt.Errorf("unsupported lookup column")
	}
	c, err := scanCustomer(s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM customers WHERE %s = $1`, customerColumns, column), value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) MutateCustomer(ctx context.Context, id string, fn func(*domain.Customer) error) (*domain.Customer, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	c, err := scanCustomer(pgTx.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := fn(&c); err != nil {
		return nil, err
	}
	if c.CreditPoints < 0 || c.TotalPurchases.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	c.UpdatedAt = time.Now().UTC()

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE customers
		SET name = $2, credit_points = $3, points_redeemed = $4, total_purchases = $5, tier = $6, updated_at = $7
		WHERE id = $1
	`, id, c.Name, c.CreditPoints, c.PointsRedeemed, c.TotalPurchases, string(c.Tier), c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CommitSale(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.InvoiceNumber == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	need := make(map[string]int, len(tx.Items))
	for _, item := range tx.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidTransaction
		}
		need[item.ProductID] += item.Qty
	}
	ids := uniqueProductIDs(tx.Items)

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Rows are locked in id order so concurrent sales cannot deadlock.
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, sku, name, stock, active
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	type stockRow struct {
		sku, name string
		stock     int
		active    bool
	}
	locked := make(map[string]stockRow, len(ids))
	for rows.Next() {
		var id string
		var r stockRow
		if err := rows.Scan(&id, &r.sku, &r.name, &r.stock, &r.active); err != nil {
			_ = rows.Close()
			return nil, err
		}
		locked[id] = r
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	shortages := make([]store.Shortage, 0)
	for _, id := range ids {
		r, ok := locked[id]
		if !ok || !r.active {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		if r.stock < need[id] {
			shortages = append(shortages, store.Shortage{ProductID: id, SKU: r.sku, Name: r.name, Requested: need[id], Available: r.stock})
		}
	}
	if len(shortages) > 0 {
		return nil, &store.InsufficientStockError{Shortages: shortages}
	}

	for _, id := range ids {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = now()
			WHERE id = $2 AND active = true AND stock >= $1
		`, need[id], id)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			r := locked[id]
			return nil, &store.InsufficientStockError{Shortages: []store.Shortage{{ProductID: id, SKU: r.sku, Name: r.name, Requested: need[id], Available: r.stock}}}
		}
	}

	if tx.PointsRedeemed > 0 {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE customers
			SET credit_points = credit_points - $1, points_redeemed = points_redeemed + $1, updated_at = now()
			WHERE id = $2 AND credit_points >= $1
		`, tx.PointsRedeemed, tx.CustomerID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			var exists bool
			if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, tx.CustomerID).Scan(&exists); err != nil {
				return nil, err
			}
			if !exists {
				return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, tx.CustomerID)
			}
			return nil, store.ErrInsufficientPoints
		}
	}

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, customer_id, invoice_number, subtotal, tax_total, discount, total,
			points_redeemed, payment_method, payment_status, credit_points_earned,
			is_refunded, refund_id, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, tx.ID, nullIfEmpty(tx.CustomerID), tx.InvoiceNumber, tx.Subtotal, tx.TaxTotal, tx.Discount, tx.Total,
		tx.PointsRedeemed, tx.PaymentMethod, tx.PaymentStatus, tx.CreditPointsEarned,
		tx.IsRefunded, nullIfEmpty(tx.RefundID), tx.CreatedBy, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateInvoice
		}
		return nil, err
	}

	for _, item := range tx.Items {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, product_id, sku, name, qty, unit_price, subtotal, tax_rate, tax_amount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, tx.ID, item.ProductID, item.SKU, item.Name, item.Qty, item.UnitPrice, item.Subtotal, item.TaxRate, item.TaxAmount); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "id", id)
}

func (s *Store) FindTransactionByInvoice(ctx context.Context, invoiceNumber string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "invoice_number", invoiceNumber)
}

func (s *Store) findTransaction(ctx context.Context, column string, value string) (*domain.Transaction, error) {
	if column != "id" && column != "invoice_number" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var tx domain.Transaction
	var customerID sql.NullString
	var refundID sql.NullString

	query := fmt.Sprintf(`
		SELECT id, customer_id, invoice_number, subtotal, tax_total, discount, total,
			points_redeemed, payment_method, payment_status, credit_points_earned,
			is_refunded, refund_id, created_by, created_at
		FROM transactions
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&tx.ID,
		&customerID,
		&tx.InvoiceNumber,
		&tx.Subtotal,
		&tx.TaxTotal,
		&tx.Discount,
		&tx.Total,
		&tx.PointsRedeemed,
		&tx.PaymentMethod,
		&tx.PaymentStatus,
		&tx.CreditPointsEarned,
		&tx.IsRefunded,
		&refundID,
		&tx.CreatedBy,
		&tx.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		tx.CustomerID = customerID.String
	}
	if refundID.Valid {
		tx.RefundID = refundID.String
	}
	tx.CreatedAt = tx.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, sku, name, qty, unit_price, subtotal, tax_rate, tax_amount
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY id ASC
	`, tx.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.TransactionLine, 0, 8)
	for rows.Next() {
		var item domain.TransactionLine
		if err := rows.Scan(&item.ProductID, &item.SKU, &item.Name, &item.Qty, &item.UnitPrice, &item.Subtotal, &item.TaxRate, &item.TaxAmount); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	tx.Items = items

	return &tx, nil
}

func (s *Store) CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error) {
	if refund.TransactionID == "" {
		return nil, store.ErrInvalidTransaction
	}
	if refund.ID == "" {
		refund.ID = xid.New("refund")
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refunds (id, transaction_id, refund_amount, reason, points_reversed, points_restored, stock_reversed, processed_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, refund.ID, refund.TransactionID, refund.RefundAmount, refund.Reason, refund.PointsReversed,
		refund.PointsRestored, refund.StockReversed, refund.ProcessedBy, refund.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyRefunded
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &refund, nil
}

func (s *Store) FindRefundByTransaction(ctx context.Context, transactionID string) (*domain.Refund, error) {
	var r domain.Refund
	err := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, refund_amount, reason, points_reversed, points_restored, stock_reversed, processed_by, created_at
		FROM refunds
		WHERE transaction_id = $1
	`, transactionID).Scan(&r.ID, &r.TransactionID, &r.RefundAmount, &r.Reason, &r.PointsReversed,
		&r.PointsRestored, &r.StockReversed, &r.ProcessedBy, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (s *Store) MarkTransactionRefunded(ctx context.Context, transactionID string, refundID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET is_refunded = true, refund_id = $2
		WHERE id = $1 AND is_refunded = false
	`, transactionID, refundID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, transactionID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrAlreadyRefunded
}

const alertColumns = `id, product_id, stock_level, threshold, sms_sent, sms_sent_at, acknowledged, acknowledged_at, acknowledged_by, created_at`

func scanAlert(row rowScanner) (domain.StockAlert, error) {
	var a domain.StockAlert
	var smsSentAt, ackAt sql.NullTime
	var ackBy sql.NullString
	if err := row.Scan(&a.ID, &a.ProductID, &a.StockLevel, &a.Threshold, &a.SMSSent, &smsSentAt, &a.Acknowledged, &ackAt, &ackBy, &a.CreatedAt); err != nil {
		return domain.StockAlert{}, err
	}
	if smsSentAt.Valid {
		at := smsSentAt.Time.UTC()
		a.SMSSentAt = &at
	}
	if ackAt.Valid {
		at := ackAt.Time.UTC()
		a.AcknowledgedAt = &at
	}
	if ackBy.Valid {
		a.AcknowledgedBy = ackBy.String
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (s *Store) CreateStockAlert(ctx context.Context, alert domain.StockAlert) (*domain.StockAlert, error) {
	if alert.ProductID == "" {
		return nil, store.ErrInvalidTransaction
	}
	if alert.ID == "" {
		alert.ID = xid.New("alert")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_alerts (id, product_id, stock_level, threshold, sms_sent, sms_sent_at, acknowledged, acknowledged_at, acknowledged_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, alert.ID, alert.ProductID, alert.StockLevel, alert.Threshold, alert.SMSSent, nullTime(alert.SMSSentAt),
		alert.Acknowledged, nullTime(alert.AcknowledgedAt), nullIfEmpty(alert.AcknowledgedBy), alert.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &alert, nil
}

func alertFilter(query domain.AlertQuery) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if query.ProductID != "" {
		args = append(args, query.ProductID)
		clauses = append(clauses, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if query.UnacknowledgedOnly {
		clauses = append(clauses, "acknowledged = false")
	}
	if query.CreatedSince != nil {
		args = append(args, *query.CreatedSince)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) HasStockAlert(ctx context.Context, query domain.AlertQuery) (bool, error) {
	where, args := alertFilter(query)
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM stock_alerts `+where+`)`, args...).Scan(&exists)
	return exists, err
}

func (s *Store) ListStockAlerts(ctx context.Context, query domain.AlertQuery) ([]domain.StockAlert, error) {
	where, args := alertFilter(query)
	limit := query.Limit
	if limit < 1 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM stock_alerts
		%s
		ORDER BY created_at DESC
		LIMIT $%d
	`, alertColumns, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.StockAlert, 0, limit)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Store) MarkAlertSMS(ctx context.Context, id string, sent bool, at time.Time) error {
	var sentAt *time.Time
	if sent {
		sentAt = &at
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_alerts
		SET sms_sent = $2, sms_sent_at = $3
		WHERE id = $1
	`, id, sent, nullTime(sentAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AcknowledgeAlert(ctx context.Context, id string, actor string, at time.Time) (*domain.StockAlert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `
		UPDATE stock_alerts
		SET acknowledged = true,
			acknowledged_at = CASE WHEN acknowledged THEN acknowledged_at ELSE $2 END,
			acknowledged_by = CASE WHEN acknowledged THEN acknowledged_by ELSE $3 END
		WHERE id = $1
		RETURNING `+alertColumns, id, at, actor))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, actor_id, entity_type, entity_id, old_values, new_values, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.Action, entry.ActorID, entry.EntityType, entry.EntityID,
		nullIfEmpty(entry.OldValues), nullIfEmpty(entry.NewValues), nullIfEmpty(entry.Notes), entry.CreatedAt)
	return err
}

func (s *Store) FindUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

// CreateUser inserts an account; password must already be a bcrypt hash.
func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidTransaction
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, strings.ToLower(user.Username), user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s already exists", store.ErrConflict, user.Username)
	}
	return err
}

func uniqueProductIDs(items []domain.TransactionLine) []string {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			continue
		}
		set[item.ProductID] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
