// Package fees computes the platform service fee and tax on an escrowed amount.
package fees

import "github.com/shopspring/decimal"

// TaxRate is the tax charged on the service fee (16% VAT).
var TaxRate = decimal.NewFromInt(16)

var hundred = decimal.NewFromInt(100)

// Breakdown is the fee and tax owed on one escrow, in whole KES.
type Breakdown struct {
	ServiceFee int64 `json:"serviceFee"`
	TaxAmount  int64 `json:"taxAmount"`
}

// Total is fee plus tax, the platform's full cut of the escrow.
func (b Breakdown) Total() int64 {
	return b.ServiceFee + b.TaxAmount
}

// Calculate returns the service fee (amount*pct/100) and tax (16% of the fee),
// each rounded half-up to whole KES.
func Calculate(amount int64, pct decimal.Decimal) Breakdown {
	fee := roundHalfUp(decimal.NewFromInt(amount).Mul(pct).Div(hundred))
	tax := roundHalfUp(decimal.NewFromInt(fee).Mul(TaxRate).Div(hundred))
	return Breakdown{ServiceFee: fee, TaxAmount: tax}
}

// ProratedFee returns floor(totalFee * part / whole), the share of the frozen
// fee owed on a partial release. It returns 0 when whole is not positive.
func ProratedFee(totalFee, part, whole int64) int64 {
	if whole <= 0 || part <= 0 || totalFee <= 0 {
		return 0
	}
	return decimal.NewFromInt(totalFee).
		Mul(decimal.NewFromInt(part)).
		Div(decimal.NewFromInt(whole)).
		Floor().
		IntPart()
}

// PercentOf returns floor(amount * pct / 100).
func PercentOf(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(hundred).Floor().IntPart()
}

// Amounts are non-negative, so rounding half away from zero is half-up.
func roundHalfUp(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
