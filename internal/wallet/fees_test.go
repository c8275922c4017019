package wallet

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPercent_RoundsHalfUp(t *testing.T) {
	onePct := decimal.RequireFromString("0.01")
	assert.Equal(t, int64(2), Percent(150, onePct))
	assert.Equal(t, int64(1), Percent(149, onePct))
	assert.Equal(t, int64(0), Percent(49, onePct))
	assert.Equal(t, int64(1), Percent(50, onePct))
	assert.Equal(t, int64(0), Percent(0, onePct))
	assert.Equal(t, int64(0), Percent(1000, decimal.Zero))
}

func TestDefaultFees(t *testing.T) {
	f := DefaultFees()

	assert.Equal(t, int64(320), f.Deposit("card", 10_000), "2.9% + 30c")
	assert.Equal(t, int64(59), f.Deposit("card", 1_000), "29 + 30")
	assert.Equal(t, int64(0), f.Deposit("bank", 10_000))

	assert.Equal(t, int64(100), f.Withdrawal("instant", 10_000))
	assert.Equal(t, int64(0), f.Withdrawal("bank", 10_000))

	assert.Equal(t, int64(3_750), f.Platform(150_000))
	assert.Equal(t, int64(7_500), f.Platform(300_000))
	assert.Equal(t, int64(3), f.Platform(100), "2.5 rounds up")
	assert.Equal(t, int64(2), f.Platform(99), "2.475 rounds down")
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "12.05 USD", FormatCents(1205, "USD"))
	assert.Equal(t, "0.07 USD", FormatCents(7, "USD"))
	assert.Equal(t, "-1.00 USD", FormatCents(-100, "USD"))
}
