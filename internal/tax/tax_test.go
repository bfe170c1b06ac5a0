package tax

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseAndLookup(t *testing.T) {
	rates, err := Parse(" Grocery=5, dairy=12.5 ,")
	require.NoError(t, err)

	require.True(t, rates.RateFor("grocery").Equal(decimal.NewFromInt(5)))
	require.True(t, rates.RateFor("DAIRY").Equal(decimal.RequireFromString("12.5")))
	require.True(t, rates.RateFor("toys").IsZero())
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("grocery")
	require.Error(t, err)

	_, err = Parse("grocery=abc")
	require.Error(t, err)

	_, err = Parse("grocery=140")
	require.Error(t, err)
}

func TestEmptyRatesDefaultToZero(t *testing.T) {
	var rates Rates
	require.True(t, rates.RateFor("anything").IsZero())
}
