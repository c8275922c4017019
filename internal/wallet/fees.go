package wallet

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/milepay/internal/rails"
)

// FeeSchedule prices money movements. Rates are fractions (0.029 = 2.9%);
// every percentage is rounded half-up to the nearest cent.
type FeeSchedule struct {
	CardRate              decimal.Decimal
	CardFlatCents         int64
	BankRate              decimal.Decimal
	BankWithdrawalRate    decimal.Decimal
	InstantWithdrawalRate decimal.Decimal
	PlatformRate          decimal.Decimal
}

// DefaultFees is the canonical schedule.
func DefaultFees() FeeSchedule {
	return FeeSchedule{
		CardRate:              decimal.RequireFromString("0.029"),
		CardFlatCents:         30,
		BankRate:              decimal.Zero,
		BankWithdrawalRate:    decimal.Zero,
		InstantWithdrawalRate: decimal.RequireFromString("0.01"),
		PlatformRate:          decimal.RequireFromString("0.025"),
	}
}

// Deposit returns the processing fee for a deposit of amount from kind.
func (f FeeSchedule) Deposit(kind string, amount int64) int64 {
	switch kind {
	case rails.SourceCard:
		return Percent(amount, f.CardRate) + f.CardFlatCents
	default:
		return Percent(amount, f.BankRate)
	}
}

// Withdrawal returns the fee for paying amount out to kind.
func (f FeeSchedule) Withdrawal(kind string, amount int64) int64 {
	if kind == rails.DestinationInstant {
		return Percent(amount, f.InstantWithdrawalRate)
	}
	return Percent(amount, f.BankWithdrawalRate)
}

// Platform returns the platform fee on an escrow release.
func (f FeeSchedule) Platform(amount int64) int64 {
	return Percent(amount, f.PlatformRate)
}

// Percent returns amount*rate rounded half-up to whole cents.
func Percent(amount int64, rate decimal.Decimal) int64 {
	if amount <= 0 || rate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}
