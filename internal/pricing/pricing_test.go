package pricing

import (
	"errors"
	"math/big"
	"testing"
)

const usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

func newOracle(t *testing.T) *FixedRate {
	t.Helper()
	o := NewFixedRate()
	if err := o.SetRate(usdc, "USDC", 6, "60000"); err != nil {
		t.Fatalf("SetRate() error = %v", err)
	}
	return o
}

func TestSatsToToken(t *testing.T) {
	o := newOracle(t)

	tests := []struct {
		sats    uint64
		roundUp bool
		want    string
	}{
		{100_000_000, false, "60000000000"},
		{100_000, false, "60000000"},
		{1, false, "600"},
		{0, false, "0"},
	}
	for _, tt := range tests {
		got, err := o.SatsToToken(usdc, tt.sats, tt.roundUp)
		if err != nil {
			t.Fatalf("SatsToToken(%d) error = %v", tt.sats, err)
		}
		if got.String() != tt.want {
			t.Errorf("SatsToToken(%d) = %s, want %s", tt.sats, got, tt.want)
		}
	}
}

func TestRounding(t *testing.T) {
	o := NewFixedRate()
	// 1 sat = 0.3 base units.
	if err := o.SetRate("0x01", "TKN", 0, "30000000"); err != nil {
		t.Fatal(err)
	}

	down, _ := o.SatsToToken("0x01", 1, false)
	up, _ := o.SatsToToken("0x01", 1, true)
	if down.Int64() != 0 || up.Int64() != 1 {
		t.Errorf("rounding = %s/%s, want 0/1", down, up)
	}

	sats, err := o.TokenToSats("0x01", big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	if sats != 3 {
		t.Errorf("TokenToSats(1) = %d, want 3", sats)
	}
}

func TestTokenToSats(t *testing.T) {
	o := newOracle(t)
	sats, err := o.TokenToSats(usdc, big.NewInt(60_000_000))
	if err != nil {
		t.Fatal(err)
	}
	if sats != 100_000 {
		t.Errorf("TokenToSats() = %d, want 100000", sats)
	}
}

func TestUnsupported(t *testing.T) {
	o := newOracle(t)
	if o.IsSupported("0xdead") {
		t.Error("unknown token reported as supported")
	}
	// Token lookup is case insensitive.
	if !o.IsSupported("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48") {
		t.Error("lowercase address not matched")
	}
	if _, err := o.SatsToToken("0xdead", 1, false); !errors.Is(err, ErrUnsupportedToken) {
		t.Errorf("expected ErrUnsupportedToken, got %v", err)
	}
}

func TestSetRateRejects(t *testing.T) {
	o := NewFixedRate()
	for _, price := range []string{"", "abc", "0", "-5"} {
		if err := o.SetRate("0x01", "X", 6, price); err == nil {
			t.Errorf("SetRate(%q) expected error", price)
		}
	}
}
