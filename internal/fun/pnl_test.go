package fun

import (
	"testing"

	"github.com/Sogdian/arbitragePerp/internal/models"
)

func execRec(side models.Side, qty, px float64, ts int64, fee float64) models.ExecutionRecord {
	return models.ExecutionRecord{Symbol: "LPTUSDT", Side: side, Qty: qty, Price: px, ExecTimeMS: ts, FeeUSDT: fee}
}

// sell 5 @ 5.00, buy 5 @ 4.99, fees 0 => PnL = 0.05
func TestReconstructPnLShortRoundTrip(t *testing.T) {
	r := ReconstructPnL([]models.ExecutionRecord{
		execRec(models.Sell, 5, 5.00, 1000, 0),
		execRec(models.Buy, 5, 4.99, 2000, 0),
	})
	if r.Sells != 1 || r.Buys != 1 {
		t.Errorf("counts: %+v", r)
	}
	if diff := r.PnLUSDT - 0.05; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("pnl = %v, want 0.05", r.PnLUSDT)
	}
	if r.AvgSell != 5.00 || r.AvgBuy != 4.99 {
		t.Errorf("avg prices: sell=%v buy=%v", r.AvgSell, r.AvgBuy)
	}
}

func TestReconstructPnLFeesAbsolute(t *testing.T) {
	r := ReconstructPnL([]models.ExecutionRecord{
		execRec(models.Sell, 10, 5.0, 1000, 0.02),
		execRec(models.Buy, 10, 5.0, 2000, -0.03), // рибейт тоже по модулю
	})
	if diff := r.Fees - 0.05; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("fees = %v, want 0.05", r.Fees)
	}
	if diff := r.PnLUSDT + 0.05; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("pnl = %v, want -0.05", r.PnLUSDT)
	}
}

// Сумма PnL по двум непересекающимся окнам равна PnL всего окна.
func TestPnLAdditivity(t *testing.T) {
	execs := []models.ExecutionRecord{
		execRec(models.Sell, 10, 5.0000, 1000, 0.01),
		execRec(models.Sell, 2, 4.9990, 1500, 0.002),
		execRec(models.Buy, 7, 4.9900, 2100, 0.007),
		execRec(models.Buy, 5, 4.9910, 2900, 0.005),
	}
	split := func(from, to int64) []models.ExecutionRecord {
		var out []models.ExecutionRecord
		for _, e := range execs {
			if e.ExecTimeMS >= from && e.ExecTimeMS <= to {
				out = append(out, e)
			}
		}
		return out
	}
	whole := ReconstructPnL(execs).PnLUSDT
	a := ReconstructPnL(split(0, 2000)).PnLUSDT
	b := ReconstructPnL(split(2001, 4000)).PnLUSDT
	if diff := whole - (a + b); diff > 1e-9 || diff < -1e-9 {
		t.Errorf("additivity violated: whole=%v a+b=%v", whole, a+b)
	}
}

func TestReconstructPnLEmpty(t *testing.T) {
	r := ReconstructPnL(nil)
	if r.Buys != 0 || r.Sells != 0 || r.PnLUSDT != 0 {
		t.Errorf("empty list must produce zero report: %+v", r)
	}
}
