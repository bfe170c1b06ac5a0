package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/lock"
	"retailpos/internal/loyalty"
	"retailpos/internal/monitor"
	"retailpos/internal/store"
	"retailpos/internal/store/memory"
	"retailpos/internal/tax"
)

func newTestService(repo store.Repository) *Service {
	return New(repo, Options{
		Locker: lock.NewMemory(),
		Taxes:  tax.Rates{"dairy": decimal.NewFromInt(5)},
	})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashSale(invoice string, lines ...domain.CartLine) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		InvoiceNumber: invoice,
		Lines:         lines,
		PaymentMethod: domain.PaymentCash,
	}
}

func mustProduct(t *testing.T, repo store.Repository, sku string, price int64, stock int) domain.Product {
	t.Helper()
	p, err := repo.CreateProduct(context.Background(), domain.Product{
		SKU:          sku,
		Name:         "Item " + sku,
		Category:     "grocery",
		SellingPrice: decimal.NewFromInt(price),
		Stock:        stock,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("create product %s: %v", sku, err)
	}
	return *p
}

func mustCustomer(t *testing.T, svc *Service, mobile string, lifetime int64, points int64) domain.Customer {
	t.Helper()
	c, _, err := svc.RegisterCustomer(cashierCtx(), domain.CustomerRegisterRequest{Mobile: mobile, Name: "Member " + mobile})
	if err != nil {
		t.Fatalf("register customer: %v", err)
	}
	if lifetime == 0 && points == 0 {
		return c
	}
	updated, err := svc.repo.MutateCustomer(context.Background(), c.ID, func(c *domain.Customer) error {
		c.TotalPurchases = decimal.NewFromInt(lifetime)
		c.CreditPoints = points
		c.Tier = loyalty.TierFor(c.TotalPurchases)
		return nil
	})
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	return *updated
}

func stockOf(t *testing.T, repo store.Repository, id string) int {
	t.Helper()
	p, err := repo.GetProduct(context.Background(), id)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return p.Stock
}

func TestCheckoutThenRefundRestoresSKU001(t *testing.T) {
	repo := memory.NewSeeded(nil)
	svc := newTestService(repo)
	ctx := cashierCtx()

	resp, err := svc.Checkout(ctx, cashSale("INV-0001", domain.CartLine{ProductID: "prod-sku001", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if got := stockOf(t, repo, "prod-sku001"); got != 9 {
		t.Fatalf("expected stock 9 after sale, got %d", got)
	}
	if !resp.Transaction.Total.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected total 100, got %s", resp.Transaction.Total)
	}
	if resp.Transaction.CreatedBy != "cashier" || resp.Transaction.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("unexpected transaction metadata: %+v", resp.Transaction)
	}

	refund, err := svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID, Reason: "damaged"})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if got := stockOf(t, repo, "prod-sku001"); got != 10 {
		t.Fatalf("expected stock 10 after refund, got %d", got)
	}
	if !refund.Refund.RefundAmount.Equal(decimal.NewFromInt(100)) || !refund.Refund.StockReversed {
		t.Fatalf("unexpected refund: %+v", refund.Refund)
	}

	tx, err := svc.GetTransaction(ctx, resp.Transaction.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if !tx.IsRefunded || tx.RefundID != refund.Refund.ID {
		t.Fatalf("expected transaction flagged refunded, got %+v", tx)
	}
}

func TestCheckoutDuplicateInvoiceLeavesStateUnchanged(t *testing.T) {
	repo := memory.NewSeeded(nil)
	svc := newTestService(repo)
	ctx := cashierCtx()

	if _, err := svc.Checkout(ctx, cashSale("INV-DUP", domain.CartLine{ProductID: "prod-sku002", Qty: 2})); err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	_, err := svc.Checkout(ctx, cashSale("INV-DUP", domain.CartLine{ProductID: "prod-sku002", Qty: 5}))
	if !errors.Is(err, store.ErrDuplicateInvoice) {
		t.Fatalf("expected duplicate invoice, got %v", err)
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate invoice must be a conflict")
	}
	if got := stockOf(t, repo, "prod-sku002"); got != 38 {
		t.Fatalf("expected stock 38, got %d", got)
	}
}

func TestConcurrentCheckoutsForLastUnit(t *testing.T) {
	repo := memory.New()
	svc := newTestService(repo)
	product := mustProduct(t, repo, "LAST", 50, 1)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.Checkout(cashierCtx(), cashSale(fmt.Sprintf("INV-LAST-%d", i), domain.CartLine{ProductID: product.ID, Qty: 1}))
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one sale, got %d", succeeded)
	}
	if got := stockOf(t, repo, product.ID); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func TestCheckoutListsEveryShortProduct(t *testing.T) {
	repo := memory.NewSeeded(nil)
	svc := newTestService(repo)

	_, err := svc.Checkout(cashierCtx(), cashSale("INV-SHORT",
		domain.CartLine{ProductID: "prod-sku001", Qty: 7},
		domain.CartLine{ProductID: "prod-sku001", Qty: 7},
		domain.CartLine{ProductID: "prod-sku002", Qty: 1},
		domain.CartLine{ProductID: "prod-sku005", Qty: 61},
	))
	var shortErr *store.InsufficientStockError
	if !errors.As(err, &shortErr) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if len(shortErr.Shortages) != 2 {
		t.Fatalf("expected 2 shortages, got %+v", shortErr.Shortages)
	}
	if shortErr.Shortages[0].SKU != "SKU001" || shortErr.Shortages[0].Requested != 14 || shortErr.Shortages[0].Available != 10 {
		t.Fatalf("unexpected first shortage: %+v", shortErr.Shortages[0])
	}
	if got := stockOf(t, repo, "prod-sku002"); got != 40 {
		t.Fatalf("stock must be untouched, got %d", got)
	}
}

func TestCheckoutRejectsInactiveOrUnknownProduct(t *testing.T) {
	repo := memory.NewSeeded(nil)
	svc := newTestService(repo)

	if _, err := svc.DeactivateProduct(adminCtx(), "prod-sku004"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	for _, id := range []string{"prod-sku004", "prod-missing"} {
		_, err := svc.Checkout(cashierCtx(), cashSale("INV-"+id, domain.CartLine{ProductID: id, Qty: 1}))
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected not found for %s, got %v", id, err)
		}
	}
}

func TestCheckoutWhileSessionInFlightIsRejected(t *testing.T) {
	repo := memory.NewSeeded(nil)
	locker := lock.NewMemory()
	svc := New(repo, Options{Locker: locker})

	release, err := locker.Acquire(context.Background(), "checkout:session-42")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	req := cashSale("INV-SESSION", domain.CartLine{ProductID: "prod-sku001", Qty: 1})
	req.SessionToken = "session-42"

	if _, err := svc.Checkout(cashierCtx(), req); !errors.Is(err, store.ErrCheckoutInProgress) {
		t.Fatalf("expected checkout in progress, got %v", err)
	}
	if got := stockOf(t, repo, "prod-sku001"); got != 10 {
		t.Fatalf("stock must be untouched, got %d", got)
	}

	release()
	if _, err := svc.Checkout(cashierCtx(), req); err != nil {
		t.Fatalf("checkout after release failed: %v", err)
	}
}

func TestCheckoutValidation(t *testing.T) {
	repo := memory.NewSeeded(nil)
	svc := newTestService(repo)
	line := domain.CartLine{ProductID: "prod-sku001", Qty: 1}
	declared := decimal.NewFromInt(99)

	cases := map[string]domain.CheckoutRequest{
		"missing invoice":        {Lines: []domain.CartLine{line}},
		"empty cart":             {InvoiceNumber: "INV-V1"},
		"zero qty":               {InvoiceNumber: "INV-V2", Lines: []domain.CartLine{{ProductID: "prod-sku001"}}},
		"negative discount":      {InvoiceNumber: "INV-V3", Lines: []domain.CartLine{line}, Discount: decimal.NewFromInt(-1)},
		"unconfirmed card":       {InvoiceNumber: "INV-V4", Lines: []domain.CartLine{line}, PaymentMethod: domain.PaymentCard},
		"unknown method":         {InvoiceNumber: "INV-V5", Lines: []domain.CartLine{line}, PaymentMethod: "cheque"},
		"walk-in redeem":         {InvoiceNumber: "INV-V6", Lines: []domain.CartLine{line}, PointsToRedeem: 5},
		"declared total differs": {InvoiceNumber: "INV-V7", Lines: []domain.CartLine{line}, DeclaredTotal: &declared},
	}
	for name, req := range cases {
		if _, err := svc.Checkout(cashierCtx(), req); !errors.Is(err, store.ErrInvalidTransaction) {
			t.Fatalf("%s: expected invalid transaction, got %v", name, err)
		}
	}
	if got := stockOf(t, repo, "prod-sku001"); got != 10 {
		t.Fatalf("validation failures must not touch stock, got %d", got)
	}

	confirmed := cashSale("INV-V8", line)
	confirmed.PaymentMethod = "UPI"
	confirmed.PaymentConfirmed = true
	resp, err := svc.Checkout(cashierCtx(), confirmed)
	if err != nil {
		t.Fatalf("confirmed upi checkout failed: %v", err)
	}
	if resp.Transaction.PaymentMethod != domain.PaymentUPI {
		t.Fatalf("expected normalized payment method, got %s", resp.Transaction.PaymentMethod)
	}
}

func TestCheckoutAppliesCategoryTaxAndDiscount(t *testing.T) {
	repo := memory.NewSeeded(nil)
	svc := newTestService(repo)

	subtotal := decimal.NewFromInt(60)
	taxTotal := decimal.NewFromInt(3)
	total := decimal.NewFromInt(53)
	req := cashSale("INV-TAX", domain.CartLine{ProductID: "prod-sku003", Qty: 2})
	req.Discount = decimal.NewFromInt(10)
	req.DeclaredSubtotal = &subtotal
	req.DeclaredTax = &taxTotal
	req.DeclaredTotal = &total

	resp, err := svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	line := resp.Transaction.Items[0]
	if !line.TaxRate.Equal(decimal.NewFromInt(5)) || !line.TaxAmount.Equal(taxTotal) || line.SKU != "SKU003" {
		t.Fatalf("unexpected frozen line: %+v", line)
	}
}

func TestTierUpgradeEarnsAtPreviousTier(t *testing.T) {
	repo := memory.New()
	svc := newTestService(repo)
	product := mustProduct(t, repo, "BIG", 500, 10)
	customer := mustCustomer(t, svc, "9876500001", 19999, 0)

	req := cashSale("INV-TIER", domain.CartLine{ProductID: product.ID, Qty: 1})
	req.CustomerID = customer.ID
	resp, err := svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if len(resp.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", resp.Warnings)
	}
	if resp.Transaction.CreditPointsEarned != 5 {
		t.Fatalf("expected 5 points at bronze multiplier, got %d", resp.Transaction.CreditPointsEarned)
	}

	after, err := svc.GetCustomer(cashierCtx(), customer.ID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if !after.TotalPurchases.Equal(decimal.NewFromInt(20499)) || after.Tier != domain.TierSilver || after.CreditPoints != 5 {
		t.Fatalf("unexpected customer after sale: %+v", after)
	}
}

func TestPointsRedemptionIsClampedAndCommittedWithSale(t *testing.T) {
	repo := memory.New()
	svc := newTestService(repo)
	product := mustProduct(t, repo, "RICE", 100, 10)
	customer := mustCustomer(t, svc, "9876500002", 1000, 50)

	req := cashSale("INV-REDEEM", domain.CartLine{ProductID: product.ID, Qty: 1})
	req.CustomerID = customer.ID
	req.PointsToRedeem = 30
	resp, err := svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.Transaction.PointsRedeemed != 10 {
		t.Fatalf("expected redemption capped at 10%% of subtotal, got %d", resp.Transaction.PointsRedeemed)
	}
	if !resp.Transaction.Total.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("expected total 90, got %s", resp.Transaction.Total)
	}

	after, _ := svc.GetCustomer(cashierCtx(), customer.ID)
	if after.CreditPoints != 40 || after.PointsRedeemed != 10 {
		t.Fatalf("unexpected balance after redemption: %+v", after)
	}

	refund, err := svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refund.Refund.PointsRestored != 10 {
		t.Fatalf("expected redeemed points restored, got %+v", refund.Refund)
	}
	after, _ = svc.GetCustomer(cashierCtx(), customer.ID)
	if after.CreditPoints != 50 || after.PointsRedeemed != 10 {
		t.Fatalf("pointsRedeemed must never decrease; got %+v", after)
	}
}

func TestRedemptionNeverExceedsWhatDiscountLeaves(t *testing.T) {
	cases := map[string]struct {
		discount int64
		redeemed int64
		balance  int64
	}{
		"discount covers sale":     {discount: 100, redeemed: 0, balance: 50},
		"discount leaves a little": {discount: 95, redeemed: 5, balance: 45},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			repo := memory.New()
			svc := newTestService(repo)
			product := mustProduct(t, repo, "FLOUR", 100, 10)
			customer := mustCustomer(t, svc, "9876500012", 1000, 50)

			req := cashSale("INV-DISC-REDEEM", domain.CartLine{ProductID: product.ID, Qty: 1})
			req.CustomerID = customer.ID
			req.Discount = decimal.NewFromInt(tc.discount)
			req.PointsToRedeem = 30
			resp, err := svc.Checkout(cashierCtx(), req)
			if err != nil {
				t.Fatalf("checkout failed: %v", err)
			}
			if !resp.Transaction.Total.IsZero() {
				t.Fatalf("expected total 0, got %s", resp.Transaction.Total)
			}
			if resp.Transaction.PointsRedeemed != tc.redeemed {
				t.Fatalf("expected %d points redeemed, got %d", tc.redeemed, resp.Transaction.PointsRedeemed)
			}
			after, _ := svc.GetCustomer(cashierCtx(), customer.ID)
			if after.CreditPoints != tc.balance || after.PointsRedeemed != tc.redeemed {
				t.Fatalf("unexpected balance: %+v", after)
			}
		})
	}
}

func TestRefundNetsRestoredPointsAgainstEarnedPoints(t *testing.T) {
	repo := memory.New()
	svc := newTestService(repo)
	product := mustProduct(t, repo, "GHEE", 1000, 5)
	customer := mustCustomer(t, svc, "9876500013", 60000, 300)

	req := cashSale("INV-GOLD", domain.CartLine{ProductID: product.ID, Qty: 1})
	req.CustomerID = customer.ID
	req.PointsToRedeem = 200
	resp, err := svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.Transaction.PointsRedeemed != 200 || resp.Transaction.CreditPointsEarned != 16 {
		t.Fatalf("expected 200 redeemed and 16 earned, got %+v", resp.Transaction)
	}

	// The member spends the remaining balance elsewhere before asking for the refund.
	if _, err := repo.MutateCustomer(context.Background(), customer.ID, func(c *domain.Customer) error {
		return loyalty.ApplyRedemption(c, c.CreditPoints)
	}); err != nil {
		t.Fatalf("spend balance: %v", err)
	}

	refund, err := svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refund.Refund.PointsRestored != 200 || refund.Refund.PointsReversed != 16 {
		t.Fatalf("unexpected refund points: %+v", refund.Refund)
	}
	after, _ := svc.GetCustomer(cashierCtx(), customer.ID)
	if after.CreditPoints != 184 {
		t.Fatalf("expected balance 0 + 200 - 16 = 184, got %d", after.CreditPoints)
	}
	if after.PointsRedeemed != 316 {
		t.Fatalf("pointsRedeemed must never decrease; got %d", after.PointsRedeemed)
	}
}

func TestRefundRoundTripRestoresLoyalty(t *testing.T) {
	repo := memory.New()
	svc := newTestService(repo)
	product := mustProduct(t, repo, "TEA", 250, 5)
	customer := mustCustomer(t, svc, "9876500003", 3000, 12)

	req := cashSale("INV-RT", domain.CartLine{ProductID: product.ID, Qty: 1})
	req.CustomerID = customer.ID
	resp, err := svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, err := svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID}); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	after, _ := svc.GetCustomer(cashierCtx(), customer.ID)
	if after.CreditPoints != customer.CreditPoints || !after.TotalPurchases.Equal(customer.TotalPurchases) {
		t.Fatalf("expected loyalty restored to %+v, got %+v", customer, after)
	}
	if got := stockOf(t, repo, product.ID); got != 5 {
		t.Fatalf("expected stock restored to 5, got %d", got)
	}
}

func TestRefundTwiceIsRejected(t *testing.T) {
	repo := memory.NewSeeded(nil)
	svc := newTestService(repo)

	resp, err := svc.Checkout(cashierCtx(), cashSale("INV-TWICE", domain.CartLine{ProductID: "prod-sku002", Qty: 3}))
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, err := svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID}); err != nil {
		t.Fatalf("first refund failed: %v", err)
	}
	_, err = svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID})
	if !errors.Is(err, store.ErrAlreadyRefunded) {
		t.Fatalf("expected already refunded, got %v", err)
	}
	if got := stockOf(t, repo, "prod-sku002"); got != 40 {
		t.Fatalf("stock must be restored exactly once, got %d", got)
	}

	if _, err := svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: "tx-missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRefundAmountBounds(t *testing.T) {
	repo := memory.NewSeeded(nil)
	svc := newTestService(repo)

	resp, err := svc.Checkout(cashierCtx(), cashSale("INV-AMT", domain.CartLine{ProductID: "prod-sku001", Qty: 2}))
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	for _, amount := range []int64{0, -5, 201} {
		a := decimal.NewFromInt(amount)
		_, err := svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID, Amount: &a})
		if !errors.Is(err, store.ErrInvalidTransaction) {
			t.Fatalf("amount %d: expected invalid, got %v", amount, err)
		}
	}
	if got := stockOf(t, repo, "prod-sku001"); got != 8 {
		t.Fatalf("rejected refunds must not restock, got %d", got)
	}

	partial := decimal.NewFromInt(150)
	refund, err := svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID, Amount: &partial})
	if err != nil {
		t.Fatalf("partial refund failed: %v", err)
	}
	if !refund.Refund.RefundAmount.Equal(partial) {
		t.Fatalf("expected refund amount 150, got %s", refund.Refund.RefundAmount)
	}
}

func TestRefundTierBehaviourFollowsFlag(t *testing.T) {
	for _, recompute := range []bool{false, true} {
		t.Run(fmt.Sprintf("recompute=%t", recompute), func(t *testing.T) {
			repo := memory.New()
			svc := New(repo, Options{RefundRecomputesTier: recompute})
			product := mustProduct(t, repo, "TV", 1000, 2)
			customer := mustCustomer(t, svc, "9876500004", 19500, 0)

			req := cashSale("INV-FLAG", domain.CartLine{ProductID: product.ID, Qty: 1})
			req.CustomerID = customer.ID
			resp, err := svc.Checkout(cashierCtx(), req)
			if err != nil {
				t.Fatalf("checkout failed: %v", err)
			}
			if _, err := svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID}); err != nil {
				t.Fatalf("refund failed: %v", err)
			}

			after, _ := svc.GetCustomer(cashierCtx(), customer.ID)
			want := domain.TierSilver
			if recompute {
				want = domain.TierBronze
			}
			if after.Tier != want {
				t.Fatalf("expected tier %s, got %s", want, after.Tier)
			}
		})
	}
}

type failingLoyaltyRepo struct {
	*memory.Store
}

func (failingLoyaltyRepo) MutateCustomer(context.Context, string, func(*domain.Customer) error) (*domain.Customer, error) {
	return nil, errors.New("customer row locked")
}

func TestLoyaltyFailureAfterSaleIsOnlyAWarning(t *testing.T) {
	base := memory.New()
	product := mustProduct(t, base, "SOAP", 45, 10)
	customer, _, err := base.UpsertCustomer(context.Background(), domain.Customer{Mobile: "9876500005"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	svc := newTestService(failingLoyaltyRepo{base})

	req := cashSale("INV-LOYAL", domain.CartLine{ProductID: product.ID, Qty: 3})
	req.CustomerID = customer.ID
	resp, err := svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("sale must succeed despite loyalty failure: %v", err)
	}
	if len(resp.Warnings) != 1 || resp.Warnings[0] != loyaltyFailureWarning {
		t.Fatalf("expected loyalty warning, got %v", resp.Warnings)
	}
	if got := stockOf(t, base, product.ID); got != 7 {
		t.Fatalf("expected stock 7, got %d", got)
	}
}

type failingRefundRepo struct {
	*memory.Store
}

func (failingRefundRepo) CreateRefund(context.Context, domain.Refund) (*domain.Refund, error) {
	return nil, errors.New("write timeout")
}

func TestRefundPersistenceFailureIsInconsistentState(t *testing.T) {
	base := memory.New()
	product := mustProduct(t, base, "OIL", 180, 4)
	svc := newTestService(failingRefundRepo{base})

	resp, err := svc.Checkout(cashierCtx(), cashSale("INV-INC", domain.CartLine{ProductID: product.ID, Qty: 1}))
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	_, err = svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID})
	if !errors.Is(err, store.ErrInconsistentState) {
		t.Fatalf("expected inconsistent state, got %v", err)
	}
	if got := stockOf(t, base, product.ID); got != 4 {
		t.Fatalf("stock reversal already happened, expected 4, got %d", got)
	}
	tx, _ := base.FindTransactionByID(context.Background(), resp.Transaction.ID)
	if tx.IsRefunded {
		t.Fatalf("transaction must not be flagged refunded")
	}
}

type flagFailsOnceRepo struct {
	*memory.Store
	failed bool
}

func (r *flagFailsOnceRepo) MarkTransactionRefunded(ctx context.Context, transactionID string, refundID string) error {
	if !r.failed {
		r.failed = true
		return errors.New("connection reset")
	}
	return r.Store.MarkTransactionRefunded(ctx, transactionID, refundID)
}

func TestRefundRetryAfterFlagFailureReversesOnlyOnce(t *testing.T) {
	base := memory.New()
	repo := &flagFailsOnceRepo{Store: base}
	svc := newTestService(repo)
	product := mustProduct(t, base, "JAM", 200, 5)
	customer := mustCustomer(t, svc, "9876500014", 1000, 5)

	req := cashSale("INV-RETRY", domain.CartLine{ProductID: product.ID, Qty: 1})
	req.CustomerID = customer.ID
	resp, err := svc.Checkout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	_, err = svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID})
	if !errors.Is(err, store.ErrInconsistentState) {
		t.Fatalf("expected inconsistent state, got %v", err)
	}
	if got := stockOf(t, base, product.ID); got != 5 {
		t.Fatalf("expected stock restored to 5, got %d", got)
	}

	_, err = svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID})
	if !errors.Is(err, store.ErrAlreadyRefunded) {
		t.Fatalf("expected retry to report already refunded, got %v", err)
	}
	if got := stockOf(t, base, product.ID); got != 5 {
		t.Fatalf("retry restocked again: stock %d", got)
	}
	after, _ := svc.GetCustomer(cashierCtx(), customer.ID)
	if after.CreditPoints != 5 || !after.TotalPurchases.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("retry reversed loyalty again: %+v", after)
	}

	recorded, err := base.FindRefundByTransaction(context.Background(), resp.Transaction.ID)
	if err != nil {
		t.Fatalf("find refund: %v", err)
	}
	tx, _ := base.FindTransactionByID(context.Background(), resp.Transaction.ID)
	if !tx.IsRefunded || tx.RefundID != recorded.ID {
		t.Fatalf("expected retry to complete the refund flag, got %+v", tx)
	}
}

type missingProductRepo struct {
	*memory.Store
	missing string
}

func (r missingProductRepo) IncrementStock(ctx context.Context, productID string, qty int) error {
	if productID == r.missing {
		return store.ErrNotFound
	}
	return r.Store.IncrementStock(ctx, productID, qty)
}

func TestRefundSkipsMissingProductWithWarning(t *testing.T) {
	base := memory.New()
	kept := mustProduct(t, base, "KEPT", 20, 3)
	gone := mustProduct(t, base, "GONE", 30, 3)
	svc := newTestService(missingProductRepo{Store: base, missing: gone.ID})

	resp, err := svc.Checkout(cashierCtx(), cashSale("INV-GONE",
		domain.CartLine{ProductID: kept.ID, Qty: 1},
		domain.CartLine{ProductID: gone.ID, Qty: 2},
	))
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	refund, err := svc.Refund(adminCtx(), domain.RefundRequest{TransactionID: resp.Transaction.ID})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if len(refund.Warnings) != 1 {
		t.Fatalf("expected one restock warning, got %v", refund.Warnings)
	}
	if got := stockOf(t, base, kept.ID); got != 3 {
		t.Fatalf("expected remaining product restocked to 3, got %d", got)
	}
	if got := stockOf(t, base, gone.ID); got != 1 {
		t.Fatalf("expected skipped product untouched at 1, got %d", got)
	}
}

func TestLowStockAlertAfterCheckout(t *testing.T) {
	repo := memory.New()
	mon := monitor.New(repo, nil, nil, nil, nil, monitor.Config{LowStockThreshold: 5})
	svc := New(repo, Options{Monitor: mon})
	product := mustProduct(t, repo, "MILK", 30, 4)
	ctx := cashierCtx()

	if _, err := svc.Checkout(ctx, cashSale("INV-L1", domain.CartLine{ProductID: product.ID, Qty: 1})); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if raised, _, err := mon.ScanLowStock(ctx); err != nil || raised != 1 {
		t.Fatalf("expected one alert, got %d (%v)", raised, err)
	}
	if _, err := svc.Checkout(ctx, cashSale("INV-L2", domain.CartLine{ProductID: product.ID, Qty: 1})); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if raised, _, err := mon.ScanLowStock(ctx); err != nil || raised != 0 {
		t.Fatalf("expected no second alert, got %d (%v)", raised, err)
	}

	alerts, err := svc.ListAlerts(ctx, true, 0)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts.Alerts) != 1 || alerts.Alerts[0].StockLevel != 3 {
		t.Fatalf("unexpected alerts: %+v", alerts.Alerts)
	}
	if _, err := svc.AcknowledgeAlert(ctx, alerts.Alerts[0].ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cashier must not acknowledge alerts, got %v", err)
	}
	acked, err := svc.AcknowledgeAlert(adminCtx(), alerts.Alerts[0].ID)
	if err != nil || !acked.Acknowledged || acked.AcknowledgedBy != "admin" {
		t.Fatalf("acknowledge failed: %+v (%v)", acked, err)
	}

	result, err := svc.RunStockScan(adminCtx())
	if err != nil {
		t.Fatalf("stock scan: %v", err)
	}
	if result.LowStockAlerts != 1 {
		t.Fatalf("expected a fresh alert after acknowledgement, got %+v", result)
	}
}

func TestCreateProductRequiresAdminAndValidates(t *testing.T) {
	repo := memory.New()
	svc := newTestService(repo)
	req := domain.ProductCreateRequest{
		SKU:          " sku900 ",
		Name:         "Paneer 200g",
		Category:     "Dairy",
		CostPrice:    decimal.NewFromInt(60),
		SellingPrice: decimal.NewFromInt(85),
		Stock:        12,
		ExpiryDate:   "2026-04-30",
	}

	if _, err := svc.CreateProduct(cashierCtx(), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for cashier, got %v", err)
	}
	created, err := svc.CreateProduct(adminCtx(), req)
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if created.SKU != "SKU900" || created.Category != "dairy" || created.ExpiryDate == nil {
		t.Fatalf("unexpected product: %+v", created)
	}
	if want := time.Date(2026, 4, 30, 23, 59, 59, 0, time.UTC); !created.ExpiryDate.Equal(want) {
		t.Fatalf("expected expiry at end of day, got %s", created.ExpiryDate)
	}
	if _, err := svc.CreateProduct(adminCtx(), req); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected duplicate sku conflict, got %v", err)
	}

	req.SKU = "SKU901"
	req.SellingPrice = decimal.Zero
	if _, err := svc.CreateProduct(adminCtx(), req); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid price, got %v", err)
	}
	req.SellingPrice = decimal.NewFromInt(10)
	req.ExpiryDate = "next tuesday"
	if _, err := svc.CreateProduct(adminCtx(), req); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid expiry, got %v", err)
	}
}

func TestRegisterCustomerUpsertsByMobile(t *testing.T) {
	svc := newTestService(memory.New())
	ctx := cashierCtx()

	first, created, err := svc.RegisterCustomer(ctx, domain.CustomerRegisterRequest{Mobile: "+91 98765-43210", Name: "Meera"})
	if err != nil || !created {
		t.Fatalf("register: %v created=%t", err, created)
	}
	if first.Mobile != "+919876543210" || len(first.CustomerCode) != len("CUST-")+8 || first.Tier != domain.TierBronze {
		t.Fatalf("unexpected customer: %+v", first)
	}

	again, created, err := svc.RegisterCustomer(ctx, domain.CustomerRegisterRequest{Mobile: "+919876543210"})
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("expected existing customer, got %+v created=%t err=%v", again, created, err)
	}

	byMobile, err := svc.GetCustomerByMobile(ctx, "+91 9876543210")
	if err != nil || byMobile.ID != first.ID {
		t.Fatalf("lookup by mobile: %+v (%v)", byMobile, err)
	}

	for _, bad := range []string{"", "12345", "98765abc10"} {
		if _, _, err := svc.RegisterCustomer(ctx, domain.CustomerRegisterRequest{Mobile: bad}); !errors.Is(err, store.ErrInvalidTransaction) {
			t.Fatalf("mobile %q: expected invalid, got %v", bad, err)
		}
	}
}
