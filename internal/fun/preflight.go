package fun

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/Sogdian/arbitragePerp/internal/config"
	"github.com/Sogdian/arbitragePerp/internal/exchange"
	"github.com/Sogdian/arbitragePerp/internal/models"
	"github.com/Sogdian/arbitragePerp/internal/quant"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

// RestAPI — узкий срез биржевого REST, который нужен пайплайну.
// Оркестратор и стримы от конкретного адаптера не зависят.
type RestAPI interface {
	Ticker(ctx context.Context, symbol string) (*exchange.TickerItem, error)
	InstrumentInfo(ctx context.Context, symbol string) (models.Instrument, error)
	Orderbook(ctx context.Context, symbol string, limit int) (bids, asks [][2]string, err error)
	AvailableUSDT(ctx context.Context) (float64, error)
	ShortPositionQty(ctx context.Context, symbol string) (float64, error)
	Executions(ctx context.Context, symbol string, startMS, endMS int64) ([]models.ExecutionRecord, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SwitchIsolated(ctx context.Context, symbol string) error
}

const obLevels = 15

func cumSize(levels [][2]string) float64 {
	var cum float64
	for _, lv := range levels {
		if sz, err := strconv.ParseFloat(lv[1], 64); err == nil && sz > 0 {
			cum += sz
		}
	}
	return cum
}

// Preflight решает всё, что можно решить до критического окна: фильтры
// инструмента, нормализацию qty, баланс, изолированную маржу и базовый
// размер шорта для последующей сверки.
func Preflight(
	ctx context.Context,
	rest RestAPI,
	opt config.Options,
	p Params,
	plan *models.TradePlan,
	log *logger.Logger,
) (models.Instrument, error) {
	symbol := exchange.NormalizeSymbol(p.Coin)

	inst, err := rest.InstrumentInfo(ctx, symbol)
	if err != nil {
		return models.Instrument{}, errors.Wrap(err, "preflight: instrument filters")
	}
	if quant.StepFloat(inst.TickSize) <= 0 || quant.StepFloat(inst.QtyStep) <= 0 {
		return models.Instrument{}, errors.Errorf("preflight: bad filters tick=%q step=%q", inst.TickSize, inst.QtyStep)
	}

	ticker, err := rest.Ticker(ctx, symbol)
	if err != nil {
		return models.Instrument{}, errors.Wrap(err, "preflight: ticker")
	}
	lastPx := ticker.Last()
	if lastPx <= 0 {
		return models.Instrument{}, errors.New("preflight: no last price")
	}

	qtyNorm := quant.FloorToStep(p.Qty, inst.QtyStep)
	if qtyNorm <= 0 {
		return models.Instrument{}, errors.Errorf("preflight: qty %v normalized to zero (step=%s)", p.Qty, inst.QtyStep)
	}
	if minQty := quant.StepFloat(inst.MinQty); minQty > 0 && qtyNorm < minQty {
		return models.Instrument{}, errors.Errorf("preflight: qty %v < minOrderQty %s", qtyNorm, inst.MinQty)
	}
	if minNotional := quant.StepFloat(inst.MinNotional); minNotional > 0 && qtyNorm*lastPx < minNotional {
		return models.Instrument{}, errors.Errorf("preflight: notional %.4f < minNotional %s", qtyNorm*lastPx, inst.MinNotional)
	}
	plan.Qty = qtyNorm
	plan.QtyStr = quant.FormatByStep(qtyNorm, inst.QtyStep)

	// Ликвидность: кумулятивные биды первых уровней должны покрывать qty.
	// Проверка заранее, не в момент открытия.
	bids, _, err := rest.Orderbook(ctx, symbol, obLevels)
	if err != nil {
		return models.Instrument{}, errors.Wrap(err, "preflight: orderbook")
	}
	if cum := cumSize(bids); cum < qtyNorm {
		return models.Instrument{}, errors.Errorf("preflight: мало ликвидности в bids(1-%d): есть %.4f, нужно %.4f", obLevels, cum, qtyNorm)
	}

	// Баланс: номинал + буфер + запас на комиссии.
	required := qtyNorm*lastPx + opt.BalanceBufferUSDT + qtyNorm*lastPx*opt.BalanceFeeSafetyBps/10_000.0
	avail, err := rest.AvailableUSDT(ctx)
	if err != nil {
		return models.Instrument{}, errors.Wrap(err, "preflight: wallet balance")
	}
	if avail+1e-6 < required {
		return models.Instrument{}, errors.Errorf("preflight: недостаточно USDT: доступно %.3f, нужно ~%.3f", avail, required)
	}

	// Изолированная маржа и плечо 1x. Неуспех не фатален.
	if err := rest.SwitchIsolated(ctx, symbol); err != nil {
		log.Warn("preflight: switch isolated: %v", err)
	}
	if err := rest.SetLeverage(ctx, symbol, 1); err != nil {
		log.Warn("preflight: set leverage: %v", err)
	}

	shortBefore, err := rest.ShortPositionQty(ctx, symbol)
	if err != nil {
		log.Warn("preflight: short position baseline: %v", err)
		shortBefore = 0
	}
	plan.ShortBefore = shortBefore

	log.Info("preflight ok: %s qty=%s last=%.6f short_before=%v", symbol, plan.QtyStr, lastPx, shortBefore)
	return inst, nil
}
