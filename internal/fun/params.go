package fun

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params — разобранная команда `fun "LPT Bybit 10 -0.1%"`.
type Params struct {
	Coin       string
	Exchange   string
	Qty        float64
	FundingPct float64 // десятичная доля: "-0.1%" -> -0.001
}

var pctRe = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*%$`)

func parsePct(raw string) (float64, error) {
	m := pctRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, errors.Errorf("bad percent %q (expected like -2%% or -0.3%%)", raw)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad percent %q", raw)
	}
	return v / 100.0, nil
}

// ParseCmd разбирает "COIN EXCHANGE QTY FUNDING%".
func ParseCmd(cmd string) (Params, error) {
	parts := strings.Fields(strings.TrimSpace(cmd))
	if len(parts) != 4 {
		return Params{}, errors.New(`bad command format, expected: COIN EXCHANGE QTY FUNDING% e.g. "LPT Bybit 10 -0.1%"`)
	}
	qty, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Params{}, errors.Wrapf(err, "bad qty %q", parts[2])
	}
	if qty <= 0 {
		return Params{}, errors.Errorf("coin qty must be > 0, got %v", qty)
	}
	pct, err := parsePct(parts[3])
	if err != nil {
		return Params{}, err
	}
	return Params{
		Coin:       strings.ToUpper(parts[0]),
		Exchange:   strings.ToLower(parts[1]),
		Qty:        qty,
		FundingPct: pct,
	}, nil
}

// Validate — конфигурационные проверки до любой сетевой активности.
func (p Params) Validate() error {
	if p.Exchange != "bybit" {
		return errors.Errorf("only bybit is supported, got %q", p.Exchange)
	}
	if p.FundingPct >= 0 {
		return errors.Errorf("funding must be negative for short harvesting, got %.6f%%", p.FundingPct*100)
	}
	return nil
}
