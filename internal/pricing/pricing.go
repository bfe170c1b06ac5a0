package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

type TaxLookup interface {
	RateFor(category string) decimal.Decimal
}

type Quote struct {
	Lines    []domain.TransactionLine
	Subtotal decimal.Decimal
	TaxTotal decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Money rounds half away from zero to two places.
func Money(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// Price snapshots each cart line against the catalog and computes totals.
// Discount is clamped so the total never drops below zero.
func Price(lines []domain.CartLine, products map[string]domain.Product, taxes TaxLookup, discount decimal.Decimal) (Quote, error) {
	if discount.IsNegative() {
		return Quote{}, fmt.Errorf("%w: discount must not be negative", store.ErrInvalidTransaction)
	}

	quote := Quote{Lines: make([]domain.TransactionLine, 0, len(lines))}
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return Quote{}, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
		rate := decimal.Zero
		if taxes != nil {
			rate = taxes.RateFor(product.Category)
		}
		subtotal := Money(product.SellingPrice.Mul(decimal.NewFromInt(int64(line.Qty))))
		taxAmount := Money(subtotal.Mul(rate).Div(hundred))

		quote.Lines = append(quote.Lines, domain.TransactionLine{
			ProductID: product.ID,
			SKU:       product.SKU,
			Name:      product.Name,
			Qty:       line.Qty,
			UnitPrice: product.SellingPrice,
			Subtotal:  subtotal,
			TaxRate:   rate,
			TaxAmount: taxAmount,
		})
		quote.Subtotal = quote.Subtotal.Add(subtotal)
		quote.TaxTotal = quote.TaxTotal.Add(taxAmount)
	}

	gross := quote.Subtotal.Add(quote.TaxTotal)
	quote.Discount = Money(decimal.Min(discount, gross))
	quote.Total = gross.Sub(quote.Discount)
	return quote, nil
}

// VerifyDeclared rejects a quote whose caller-declared figures disagree.
func VerifyDeclared(q Quote, subtotal, taxTotal, total *decimal.Decimal) error {
	check := func(name string, declared *decimal.Decimal, computed decimal.Decimal) error {
		if declared == nil {
			return nil
		}
		if !Money(*declared).Equal(computed) {
			return fmt.Errorf("%w: declared %s %s does not match computed %s", store.ErrInvalidTransaction, name, declared.StringFixed(2), computed.StringFixed(2))
		}
		return nil
	}
	if err := check("subtotal", subtotal, q.Subtotal); err != nil {
		return err
	}
	if err := check("tax", taxTotal, q.TaxTotal); err != nil {
		return err
	}
	return check("total", total, q.Total)
}
