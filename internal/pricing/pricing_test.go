package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/tax"
)

func catalog() map[string]domain.Product {
	return map[string]domain.Product{
		"p-rice": {ID: "p-rice", SKU: "RICE5", Name: "Rice 5kg", Category: "grocery", SellingPrice: decimal.RequireFromString("349.50")},
		"p-pen":  {ID: "p-pen", SKU: "PEN01", Name: "Pen", Category: "stationery", SellingPrice: decimal.NewFromInt(10)},
	}
}

func TestPriceComputesLineTaxAndTotals(t *testing.T) {
	rates := tax.Rates{"grocery": decimal.NewFromInt(5)}
	quote, err := Price([]domain.CartLine{
		{ProductID: "p-rice", Qty: 2},
		{ProductID: "p-pen", Qty: 3},
	}, catalog(), rates, decimal.NewFromInt(20))
	require.NoError(t, err)

	require.Len(t, quote.Lines, 2)
	require.Equal(t, "699", quote.Lines[0].Subtotal.String())
	require.Equal(t, "34.95", quote.Lines[0].TaxAmount.String())
	require.True(t, quote.Lines[1].TaxAmount.IsZero())
	require.Equal(t, "729", quote.Subtotal.String())
	require.Equal(t, "34.95", quote.TaxTotal.String())
	require.Equal(t, "743.95", quote.Total.String())
}

func TestPriceClampsDiscountToGross(t *testing.T) {
	quote, err := Price([]domain.CartLine{{ProductID: "p-pen", Qty: 1}}, catalog(), nil, decimal.NewFromInt(50))
	require.NoError(t, err)
	require.Equal(t, "10", quote.Discount.String())
	require.True(t, quote.Total.IsZero())
}

func TestPriceRejectsNegativeDiscountAndUnknownProduct(t *testing.T) {
	_, err := Price([]domain.CartLine{{ProductID: "p-pen", Qty: 1}}, catalog(), nil, decimal.NewFromInt(-1))
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = Price([]domain.CartLine{{ProductID: "missing", Qty: 1}}, catalog(), nil, decimal.Zero)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestVerifyDeclared(t *testing.T) {
	quote, err := Price([]domain.CartLine{{ProductID: "p-pen", Qty: 2}}, catalog(), nil, decimal.Zero)
	require.NoError(t, err)

	ok := decimal.NewFromInt(20)
	bad := decimal.NewFromInt(21)
	require.NoError(t, VerifyDeclared(quote, &ok, nil, &ok))
	require.ErrorIs(t, VerifyDeclared(quote, nil, nil, &bad), store.ErrInvalidTransaction)
}
