package fun

import "testing"

func TestParseCmd(t *testing.T) {
	p, err := ParseCmd(`LPT Bybit 10 -0.1%`)
	if err != nil {
		t.Fatal(err)
	}
	if p.Coin != "LPT" || p.Exchange != "bybit" || p.Qty != 10 {
		t.Errorf("unexpected params: %+v", p)
	}
	if p.FundingPct != -0.001 {
		t.Errorf("funding = %v, want -0.001", p.FundingPct)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

func TestParseCmdErrors(t *testing.T) {
	bad := []string{
		"",
		"LPT Bybit 10",
		"LPT Bybit ten -0.1%",
		"LPT Bybit 0 -0.1%",
		"LPT Bybit -5 -0.1%",
		"LPT Bybit 10 -0.1",
		"LPT Bybit 10 abc%",
	}
	for _, cmd := range bad {
		if _, err := ParseCmd(cmd); err == nil {
			t.Errorf("ParseCmd(%q) must fail", cmd)
		}
	}
}

// Неотрицательный funding и чужие биржи — отказ до сети.
func TestValidateRefusals(t *testing.T) {
	p, err := ParseCmd(`LPT Bybit 10 0.3%`)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Validate(); err == nil {
		t.Error("non-negative funding must be refused")
	}

	p, err = ParseCmd(`LPT Binance 10 -0.3%`)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Validate(); err == nil {
		t.Error("non-bybit exchange must be refused")
	}
}

func TestParsePct(t *testing.T) {
	cases := map[string]float64{
		"-2%":   -0.02,
		"-0.3%": -0.003,
		"1.5%":  0.015,
	}
	for raw, want := range cases {
		got, err := parsePct(raw)
		if err != nil {
			t.Errorf("parsePct(%q): %v", raw, err)
			continue
		}
		if diff := got - want; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("parsePct(%q) = %v, want %v", raw, got, want)
		}
	}
}
