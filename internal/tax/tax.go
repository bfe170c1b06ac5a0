package tax

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Rates maps a lower-cased product category to a GST percentage.
// Unknown categories are taxed at 0.
type Rates map[string]decimal.Decimal

func (r Rates) RateFor(category string) decimal.Decimal {
	if rate, ok := r[strings.ToLower(strings.TrimSpace(category))]; ok {
		return rate
	}
	return decimal.Zero
}

// Parse reads "grocery=5,dairy=12.5" style configuration.
func Parse(raw string) (Rates, error) {
	rates := Rates{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		category, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("gst rate %q: expected category=percent", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("gst rate %q: %w", pair, err)
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("gst rate %q: out of range", pair)
		}
		rates[strings.ToLower(strings.TrimSpace(category))] = rate
	}
	return rates, nil
}
