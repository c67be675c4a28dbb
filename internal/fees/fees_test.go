package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		pct     int64
		wantFee int64
		wantTax int64
	}{
		{"free plan on 8000", 8000, 6, 480, 77},
		{"pro plan on 8000", 8000, 4, 320, 51},
		{"enterprise on 10000", 10000, 2, 200, 32},
		{"half rounds up", 25, 6, 2, 0},         // 1.5 -> 2, 0.32 -> 0
		{"tax below half", 50, 6, 3, 0},         // 3.0, 0.48 -> 0
		{"fee half rounds up", 3125, 2, 63, 10}, // 62.5 -> 63, 10.08 -> 10
		{"minimum escrow", 100, 6, 6, 1},
		{"zero percent", 5000, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calculate(tt.amount, decimal.NewFromInt(tt.pct))
			assert.Equal(t, tt.wantFee, got.ServiceFee)
			assert.Equal(t, tt.wantTax, got.TaxAmount)
			assert.Equal(t, tt.wantFee+tt.wantTax, got.Total())
		})
	}
}

func TestCalculate_FractionalPercent(t *testing.T) {
	got := Calculate(1000, decimal.RequireFromString("2.5"))
	assert.Equal(t, int64(25), got.ServiceFee)
	assert.Equal(t, int64(4), got.TaxAmount)
}

func TestProratedFee(t *testing.T) {
	assert.Equal(t, int64(278), ProratedFee(557, 6000, 12000))
	assert.Equal(t, int64(557), ProratedFee(557, 12000, 12000))
	assert.Equal(t, int64(0), ProratedFee(557, 0, 12000))
	assert.Equal(t, int64(0), ProratedFee(557, 100, 0))
	// floor, never round
	assert.Equal(t, int64(185), ProratedFee(557, 4000, 12000))
}

func TestPercentOf(t *testing.T) {
	assert.Equal(t, int64(3000), PercentOf(6000, decimal.NewFromInt(50)))
	assert.Equal(t, int64(3333), PercentOf(10000, decimal.RequireFromString("33.333")))
	assert.Equal(t, int64(0), PercentOf(0, decimal.NewFromInt(100)))
}
