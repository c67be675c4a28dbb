package money

import "testing"

func TestKES(t *testing.T) {
	tests := []struct {
		amount int64
		want   string
	}{
		{0, "KES 0"},
		{100, "KES 100"},
		{3000, "KES 3,000"},
		{1234567, "KES 1,234,567"},
	}
	for _, tt := range tests {
		if got := KES(tt.amount); got != tt.want {
			t.Errorf("KES(%d) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestSprintf(t *testing.T) {
	got := Sprintf("Released %s (fee %s deducted)", KES(3000), KES(208))
	if got != "Released KES 3,000 (fee KES 208 deducted)" {
		t.Errorf("got %q", got)
	}
}
