// Package loyalty holds the tier and points rules applied to customer balances.
// Everything here is pure; persistence is the caller's concern.
package loyalty

import (
	"errors"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
)

var (
	SilverThreshold = decimal.NewFromInt(20000)
	GoldThreshold   = decimal.NewFromInt(50000)

	// pointUnit is the spend that earns one base point.
	pointUnit = decimal.NewFromInt(100)
)

var ErrNotEnoughPoints = errors.New("not enough credit points")

func TierFor(lifetimeTotal decimal.Decimal) domain.Tier {
	switch {
	case lifetimeTotal.GreaterThanOrEqual(GoldThreshold):
		return domain.TierGold
	case lifetimeTotal.GreaterThanOrEqual(SilverThreshold):
		return domain.TierSilver
	default:
		return domain.TierBronze
	}
}

func Multiplier(tier domain.Tier) decimal.Decimal {
	switch tier {
	case domain.TierGold:
		return decimal.NewFromInt(2)
	case domain.TierSilver:
		return decimal.NewFromFloat(1.5)
	default:
		return decimal.NewFromInt(1)
	}
}

func DiscountLimit(tier domain.Tier) decimal.Decimal {
	switch tier {
	case domain.TierGold:
		return decimal.NewFromFloat(0.20)
	case domain.TierSilver:
		return decimal.NewFromFloat(0.15)
	default:
		return decimal.NewFromFloat(0.10)
	}
}

// PointsEarned uses the tier the customer held before this sale.
func PointsEarned(saleTotal decimal.Decimal, tierBefore domain.Tier) int64 {
	if !saleTotal.IsPositive() {
		return 0
	}
	base := saleTotal.Div(pointUnit).Floor()
	return base.Mul(Multiplier(tierBefore)).Floor().IntPart()
}

// RedemptionCap is the most points one sale may consume.
func RedemptionCap(cartSubtotal decimal.Decimal, tier domain.Tier, balance int64) int64 {
	if !cartSubtotal.IsPositive() || balance <= 0 {
		return 0
	}
	limit := cartSubtotal.Mul(DiscountLimit(tier)).Floor().IntPart()
	if limit > balance {
		limit = balance
	}
	if limit < 0 {
		return 0
	}
	return limit
}

func ClampRedemption(requested int64, cap int64) int64 {
	if requested <= 0 || cap <= 0 {
		return 0
	}
	if requested > cap {
		return cap
	}
	return requested
}

func ApplyEarn(c *domain.Customer, saleTotal decimal.Decimal, points int64) {
	if points > 0 {
		c.CreditPoints += points
	}
	if saleTotal.IsPositive() {
		c.TotalPurchases = c.TotalPurchases.Add(saleTotal)
	}
	c.Tier = TierFor(c.TotalPurchases)
}

func ApplyRedemption(c *domain.Customer, points int64) error {
	if points <= 0 {
		return nil
	}
	if c.CreditPoints < points {
		return ErrNotEnoughPoints
	}
	c.CreditPoints -= points
	c.PointsRedeemed += points
	return nil
}

// ApplyReversal undoes a sale's loyalty effects: redeemed points go back on
// the balance first, then earned points come off, and only the net balance is
// clamped at zero. It returns the earned points actually removed. Tier is left
// alone unless recomputeTier is set.
func ApplyReversal(c *domain.Customer, earned int64, restored int64, saleTotal decimal.Decimal, recomputeTier bool) int64 {
	if earned < 0 {
		earned = 0
	}
	if restored < 0 {
		restored = 0
	}
	available := c.CreditPoints + restored
	reversed := min(earned, available)
	c.CreditPoints = available - reversed

	c.TotalPurchases = c.TotalPurchases.Sub(saleTotal)
	if c.TotalPurchases.IsNegative() {
		c.TotalPurchases = decimal.Zero
	}
	if recomputeTier {
		c.Tier = TierFor(c.TotalPurchases)
	}
	return reversed
}
