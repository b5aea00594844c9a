package instrument

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestParsePair_Valid(t *testing.T) {
	p, err := ParsePair("BTC/USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Base != "BTC" {
		t.Errorf("expected base=BTC, got %s", p.Base)
	}
	if p.Quote != "USDT" {
		t.Errorf("expected quote=USDT, got %s", p.Quote)
	}
	if p.String() != "BTC/USDT" {
		t.Errorf("expected BTC/USDT, got %s", p.String())
	}
	if p.Symbol() != "BTCUSDT" {
		t.Errorf("expected symbol BTCUSDT, got %s", p.Symbol())
	}
}

func TestParsePair_Normalizes(t *testing.T) {
	tests := []string{"btc/usdt", "BTC-USDT", " BTC/USDT "}
	for _, s := range tests {
		got, err := Normalize(s)
		if err != nil {
			t.Errorf("unexpected error for %q: %v", s, err)
			continue
		}
		if got != "BTC/USDT" {
			t.Errorf("Normalize(%q) = %s, want BTC/USDT", s, got)
		}
	}
}

func TestParsePair_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"BTC",
		"BTCUSDT",
		"BTC/",
		"/USDT",
		"BTC/USDT/ETH",
		"B/USDT",    // base too short
		"BTC/USDT$", // junk
		"USDT/USDT", // same asset
	}
	for _, s := range tests {
		_, err := ParsePair(s)
		if err == nil {
			t.Errorf("expected error for pair %q", s)
			continue
		}
		if !errors.Is(err, ErrInvalidPair) {
			t.Errorf("expected ErrInvalidPair for %q, got %v", s, err)
		}
	}
}

func TestNormalizeAsset(t *testing.T) {
	a, err := NormalizeAsset("usdt")
	if err != nil || a != "USDT" {
		t.Errorf("expected USDT, got %q err=%v", a, err)
	}
	if _, err := NormalizeAsset("U$D"); !errors.Is(err, ErrInvalidAsset) {
		t.Errorf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestScale_ByAssetClass(t *testing.T) {
	tests := []struct {
		asset string
		want  int32
	}{
		{"USDT", 2},
		{"usd", 2},
		{"EUR", 2},
		{"BTC", 8},
		{"ETH", 8},
	}
	for _, tt := range tests {
		if got := Scale(tt.asset); got != tt.want {
			t.Errorf("Scale(%s) = %d, want %d", tt.asset, got, tt.want)
		}
	}
}

func TestRound(t *testing.T) {
	if got := Round("USDT", d(10.005)); !got.Equal(d(10.01)) {
		t.Errorf("expected 10.01, got %s", got)
	}
	if got := Round("BTC", d(0.123456789)); !got.Equal(d(0.12345679)) {
		t.Errorf("expected 0.12345679, got %s", got)
	}
	if got := RoundPrice(d(61234.567)); !got.Equal(d(61234.57)) {
		t.Errorf("expected 61234.57, got %s", got)
	}
}
