package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestCeilPercent(t *testing.T) {
	tests := []struct {
		name string
		base Amount
		pct  decimal.Decimal
		want Amount
	}{
		{name: "10% of 249 rounds up", base: 249, pct: d("10"), want: 25},
		{name: "exact percentage", base: 200, pct: d("15"), want: 30},
		{name: "fractional percentage", base: 99, pct: d("12.5"), want: 13},
		{name: "zero percent", base: 500, pct: decimal.Zero, want: 0},
		{name: "zero base", base: 0, pct: d("20"), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CeilPercent(tt.base, tt.pct))
		})
	}
}

func TestRoundHalfUp(t *testing.T) {
	assert.Equal(t, Amount(250), RoundHalfUp(d("249.5")))
	assert.Equal(t, Amount(249), RoundHalfUp(d("249.49")))
	assert.Equal(t, Amount(0), RoundHalfUp(d("-3.2")))
}

func TestCeil(t *testing.T) {
	assert.Equal(t, Amount(80), Ceil(d("80")))
	assert.Equal(t, Amount(81), Ceil(d("80.01")))
	assert.Equal(t, Amount(0), Ceil(d("-10")))
}

func TestParse(t *testing.T) {
	a, err := Parse("249.50")
	require.NoError(t, err)
	assert.Equal(t, Amount(250), a)

	_, err = Parse("abc")
	require.Error(t, err)

	_, err = Parse("-1")
	require.Error(t, err)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within(274, 275, 1))
	assert.True(t, Within(275, 274, 1))
	assert.False(t, Within(274, 276, 1))
}

func TestAmountString(t *testing.T) {
	assert.Equal(t, "274.00", Amount(274).String())
	assert.Equal(t, int64(27400), Amount(274).Cents())
	assert.Equal(t, "274", Format(274))
}
