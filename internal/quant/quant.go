package quant

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Округление цен и количеств к шагам инструмента. На границе отправки
// на биржу работаем только через decimal: float сюда приходит, но наружу
// уходит точная строка, кратная шагу.

func parseStep(step string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(step))
	if err != nil || d.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	return d, true
}

// FloorToStep — наибольшее кратное step, не превосходящее x.
// При невалидном шаге возвращает x как есть.
func FloorToStep(x float64, step string) float64 {
	s, ok := parseStep(step)
	if !ok {
		return x
	}
	d := decimal.NewFromFloat(x)
	v, _ := d.Div(s).Floor().Mul(s).Float64()
	return v
}

// CeilToStep — наименьшее кратное step, не меньшее x.
func CeilToStep(x float64, step string) float64 {
	s, ok := parseStep(step)
	if !ok {
		return x
	}
	d := decimal.NewFromFloat(x)
	v, _ := d.Div(s).Ceil().Mul(s).Float64()
	return v
}

// FormatByStep — приводит x вниз к шагу и печатает ровно с тем числом
// знаков после точки, что у шага: step="0.0001", x=4.99871 -> "4.9987".
func FormatByStep(x float64, step string) string {
	s, ok := parseStep(step)
	if !ok {
		return decimal.NewFromFloat(x).String()
	}
	d := decimal.NewFromFloat(x).Div(s).Floor().Mul(s)
	return d.StringFixed(int32(Decimals(step)))
}

// OffsetTicks — px + n*step, посчитанное в decimal: разница двух близких
// float здесь недопустима. n может быть отрицательным.
func OffsetTicks(px float64, n int, step string) float64 {
	s, ok := parseStep(step)
	if !ok {
		return px
	}
	v, _ := decimal.NewFromFloat(px).Add(s.Mul(decimal.NewFromInt(int64(n)))).Float64()
	return v
}

// Decimals — число значащих знаков после точки у шага ("0.010" -> 2).
func Decimals(step string) int {
	s := strings.TrimSpace(step)
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	frac := strings.TrimRight(s[i+1:], "0")
	return len(frac)
}

// StepFloat — шаг как float64 для грубой арифметики (bid - N*tick).
func StepFloat(step string) float64 {
	s, ok := parseStep(step)
	if !ok {
		return 0
	}
	v, _ := s.Float64()
	return v
}

// IsMultipleOf — точная проверка кратности строки шагу.
func IsMultipleOf(value, step string) bool {
	s, ok := parseStep(step)
	if !ok {
		return false
	}
	v, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	return v.Mod(s).IsZero()
}
