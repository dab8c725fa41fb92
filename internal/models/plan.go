package models

// TradePlan — расписание одной выплаты в server time плюс всё, что
// зафиксировано до критического окна. Создаётся BuildPlan до preflight,
// preflight дописывает Qty, QtyStr и ShortBefore; живёт до отчёта по PnL.
type TradePlan struct {
	Symbol     string
	Qty        float64
	QtyStr     string
	FundingPct float64 // десятичная доля, строго < 0

	PayoutServerMS int64
	FixServerMS    int64
	OpenServerMS   int64
	CloseServerMS  int64

	// Заполняются на шаге фиксации.
	RefPxFix     float64
	EntryBpsPlan float64

	PositionIdx int
	ShortBefore float64 // размер шорта до окна, база для сверки
}
