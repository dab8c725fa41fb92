package fun

import "github.com/Sogdian/arbitragePerp/internal/models"

// PnLReport — разбор исполнений одного окна выплаты. Funding-кредит биржа
// начисляет отдельно, здесь его нет.
type PnLReport struct {
	Buys    int
	Sells   int
	BuyQty  float64
	SellQty float64
	AvgBuy  float64
	AvgSell float64
	Fees    float64
	PnLUSDT float64
}

// ReconstructPnL: pnl = sell_notional - buy_notional - сумма |fee|.
func ReconstructPnL(execs []models.ExecutionRecord) PnLReport {
	var r PnLReport
	var buyNotional, sellNotional float64
	for _, e := range execs {
		if e.Qty <= 0 || e.Price <= 0 {
			continue
		}
		notional := e.Qty * e.Price
		switch e.Side {
		case models.Buy:
			r.Buys++
			r.BuyQty += e.Qty
			buyNotional += notional
		case models.Sell:
			r.Sells++
			r.SellQty += e.Qty
			sellNotional += notional
		}
		fee := e.FeeUSDT
		if fee < 0 {
			fee = -fee
		}
		r.Fees += fee
	}
	if r.BuyQty > 0 {
		r.AvgBuy = buyNotional / r.BuyQty
	}
	if r.SellQty > 0 {
		r.AvgSell = sellNotional / r.SellQty
	}
	r.PnLUSDT = sellNotional - buyNotional - r.Fees
	return r
}
