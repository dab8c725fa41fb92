package fun

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/Sogdian/arbitragePerp/internal/config"
	"github.com/Sogdian/arbitragePerp/internal/models"
	"github.com/Sogdian/arbitragePerp/internal/quant"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

// Outcome — терминальное состояние одной выплаты. Любой из них — чистое
// завершение процесса; наружу ошибки не поднимаются.
type Outcome string

const (
	OutcomeSkipStale    Outcome = "SkipStale"
	OutcomeSkipDown     Outcome = "SkipDown"
	OutcomeSkipFunding  Outcome = "SkipFunding"
	OutcomeNoFill       Outcome = "NoFill"
	OutcomeClosed       Outcome = "Closed"
	OutcomeResidualOpen Outcome = "ResidualOpen"
)

// MarketData — public-стрим для снапшотов цены.
type MarketData interface {
	Snapshot() (models.BookSnapshot, int64)
	Ready() bool
}

// Account — private-стрим: ожидание терминальных статусов и кэши.
type Account interface {
	WaitFinal(ctx context.Context, orderID string, timeout time.Duration) (models.OrderFinal, error)
	PositionSize(symbol string, posIdx int, side models.Side) (float64, bool)
	ExecutionsInWindow(symbol string, startMS, endMS int64) []models.ExecutionRecord
	StalenessMS() int64
}

// OrderChannel — канал создания ордеров (Trade WS или REST).
type OrderChannel interface {
	CreateOrder(ctx context.Context, draft models.OrderDraft, serverTSMS int64, timeout time.Duration) (string, error)
}

// PositionFallback — REST-хвост сверки, когда кэш молчит.
type PositionFallback interface {
	ShortPositionQty(ctx context.Context, symbol string) (float64, error)
	Executions(ctx context.Context, symbol string, startMS, endMS int64) ([]models.ExecutionRecord, error)
}

// Clock — server-time планировщик.
type Clock interface {
	NowServerMS() int64
	SleepUntilServerMS(ctx context.Context, deadlineServerMS int64) error
}

const (
	createAckTimeout  = 500 * time.Millisecond
	fillWaitTimeout   = 1500 * time.Millisecond
	closeWaitTimeout  = 300 * time.Millisecond
	reconcilePollMS   = 50
	closeRecheckMS    = 100
	reportWindowPreMS  = 5_000
	reportWindowPostMS = 10_000
)

type Result struct {
	Outcome   Outcome
	OpenedQty float64
	Report    PnLReport
}

// Orchestrator ведёт одну выплату по таймлайну fix, open, close, отчёт.
// Единственные точки ожидания: SleepUntilServerMS, WaitFinal, CreateOrder —
// все с жёсткими дедлайнами.
type Orchestrator struct {
	opt    config.Options
	log    *logger.Logger
	inst   models.Instrument
	market MarketData
	acct   Account
	orders OrderChannel
	rest   PositionFallback
	clock  Clock
}

func NewOrchestrator(
	opt config.Options,
	inst models.Instrument,
	market MarketData,
	acct Account,
	orders OrderChannel,
	rest PositionFallback,
	clk Clock,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		opt:    opt,
		log:    log,
		inst:   inst,
		market: market,
		acct:   acct,
		orders: orders,
		rest:   rest,
		clock:  clk,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (o *Orchestrator) entryTicks() int {
	ticks := o.opt.OpenLimitTicks
	if o.opt.OpenSafetyTicks > ticks {
		ticks = o.opt.OpenSafetyTicks
	}
	if o.opt.OpenSafetyMinTicks > ticks {
		ticks = o.opt.OpenSafetyMinTicks
	}
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// Run — полный проход по одной выплате. Ошибки конвертируются в Outcome.
func (o *Orchestrator) Run(ctx context.Context, plan *models.TradePlan) Result {
	span := opentracing.StartSpan("fun.payout")
	span.SetTag("symbol", plan.Symbol)
	span.SetTag("funding_pct", plan.FundingPct)
	defer span.Finish()

	res := o.run(ctx, span, plan)
	span.SetTag("outcome", string(res.Outcome))
	return res
}

func (o *Orchestrator) run(ctx context.Context, span opentracing.Span, plan *models.TradePlan) Result {
	// --- фиксация ---
	fixSpan := opentracing.StartSpan("fix", opentracing.ChildOf(span.Context()))
	if err := o.clock.SleepUntilServerMS(ctx, plan.FixServerMS); err != nil {
		fixSpan.Finish()
		return o.report(ctx, plan, Result{Outcome: OutcomeSkipStale})
	}
	snap, fresh := o.market.Snapshot()
	fixSpan.Finish()

	if !o.market.Ready() || fresh > o.opt.OpenMaxStalenessMS {
		o.log.Error("⛔ фиксация: снапшот протух (%dms > %dms), вход отменён", fresh, o.opt.OpenMaxStalenessMS)
		return o.report(ctx, plan, Result{Outcome: OutcomeSkipStale})
	}
	if snap.FundingRate > 0 {
		o.log.Warn("⛔ funding стал неотрицательным перед выплатой: %.6f%%", snap.FundingRate*100)
		return o.report(ctx, plan, Result{Outcome: OutcomeSkipFunding})
	}
	plan.RefPxFix = snap.RefPrice()
	if plan.RefPxFix <= 0 {
		o.log.Error("⛔ фиксация: нет опорной цены")
		return o.report(ctx, plan, Result{Outcome: OutcomeSkipStale})
	}

	fundingBps := plan.FundingPct * 10_000
	if fundingBps < 0 {
		fundingBps = -fundingBps
	}
	plan.EntryBpsPlan = clamp(
		o.opt.EntryBaseBps+o.opt.EntryFundingMult*fundingBps,
		o.opt.EntryMinBps, o.opt.EntryMaxBps,
	)
	o.log.Info("📌 фиксация: ref=%.6f entry_bps_plan=%.1f (bid=%.6f last=%.6f)",
		plan.RefPxFix, plan.EntryBpsPlan, snap.BestBid, snap.LastTrade)

	// --- открытие ---
	openSpan := opentracing.StartSpan("open", opentracing.ChildOf(span.Context()))
	skippedOpen := false
	orderID := ""

	if err := o.clock.SleepUntilServerMS(ctx, plan.OpenServerMS); err != nil {
		openSpan.Finish()
		return o.report(ctx, plan, Result{Outcome: OutcomeSkipStale})
	}
	snapOpen, freshOpen := o.market.Snapshot()
	if freshOpen > o.opt.OpenMaxStalenessMS || snapOpen.BestBid <= 0 {
		openSpan.Finish()
		o.log.Error("⛔ открытие: снапшот протух (%dms), вход отменён", freshOpen)
		return o.report(ctx, plan, Result{Outcome: OutcomeSkipStale})
	}

	downBps := (plan.RefPxFix - snapOpen.BestBid) / plan.RefPxFix * 10_000
	if downBps > plan.EntryBpsPlan {
		skippedOpen = true
		o.log.Warn("⏭ SKIP OPEN: просадка %.1f bps > плана %.1f bps (bid=%.6f ref=%.6f)",
			downBps, plan.EntryBpsPlan, snapOpen.BestBid, plan.RefPxFix)
	} else {
		limit := quant.FloorToStep(quant.OffsetTicks(snapOpen.BestBid, -o.entryTicks(), o.inst.TickSize), o.inst.TickSize)
		if limit <= 0 {
			skippedOpen = true
			o.log.Error("⛔ открытие: лимитная цена <= 0")
		} else {
			draft := models.OrderDraft{
				Symbol:      plan.Symbol,
				Side:        models.Sell,
				Qty:         plan.QtyStr,
				Price:       quant.FormatByStep(limit, o.inst.TickSize),
				PositionIdx: plan.PositionIdx,
			}
			id, err := o.orders.CreateOrder(ctx, draft, o.clock.NowServerMS(), createAckTimeout)
			if err != nil {
				// Заявка могла пройти несмотря на ошибку: не выходим, сверяемся.
				o.log.Warn("⚠️ открытие: ack не получен (%v), идём в сверку", err)
			} else {
				orderID = id
				o.log.Info("📤 Sell IOC отправлен: qty=%s px=%s id=%s (down=%.1f bps)",
					draft.Qty, draft.Price, id, downBps)
			}
		}
	}
	openSpan.Finish()

	// --- подтверждение / сверка ---
	openedQty := 0.0
	if orderID != "" {
		if final, err := o.acct.WaitFinal(ctx, orderID, fillWaitTimeout); err == nil {
			if final.FilledQty > 0 {
				openedQty = final.FilledQty
				o.log.Info("✅ открытие: %s filled=%v avg=%.6f", final.Status, final.FilledQty, final.AvgPrice)
			}
		} else {
			o.log.Warn("⚠️ открытие: терминальный статус не дождались: %v", err)
		}
	}
	if openedQty <= 0 {
		openedQty = o.reconcileOpened(ctx, plan)
	}

	if openedQty <= 0 {
		outcome := OutcomeNoFill
		if skippedOpen {
			outcome = OutcomeSkipDown
		}
		o.log.Info("ℹ️ позиция не открылась (%s)", outcome)
		return o.report(ctx, plan, Result{Outcome: outcome})
	}

	// --- закрытие ---
	closeSpan := opentracing.StartSpan("close", opentracing.ChildOf(span.Context()))
	closed := o.closeShort(ctx, plan, openedQty)
	closeSpan.Finish()

	outcome := OutcomeClosed
	if !closed {
		outcome = OutcomeResidualOpen
		o.log.Error("❌ шорт закрыт не полностью после %d попыток — требуется ручное вмешательство", o.opt.FastCloseMaxAttempts)
	}
	return o.report(ctx, plan, Result{Outcome: outcome, OpenedQty: openedQty})
}

// reconcileOpened определяет открытое количество, когда подтверждение
// не пришло: кэш позиций до дедлайна закрытия, затем REST.
func (o *Orchestrator) reconcileOpened(ctx context.Context, plan *models.TradePlan) float64 {
	for o.clock.NowServerMS() < plan.CloseServerMS {
		if q, ok := o.acct.PositionSize(plan.Symbol, plan.PositionIdx, models.Buy); ok {
			if d := q - plan.ShortBefore; d > 0 {
				o.log.Info("🔁 сверка по кэшу позиций: открыто %v", d)
				return d
			}
		}
		if err := o.clock.SleepUntilServerMS(ctx, o.clock.NowServerMS()+reconcilePollMS); err != nil {
			return 0
		}
	}
	if o.rest != nil {
		if q, err := o.rest.ShortPositionQty(ctx, plan.Symbol); err == nil {
			if d := q - plan.ShortBefore; d > 0 {
				o.log.Info("🔁 сверка по REST: открыто %v", d)
				return d
			}
		} else {
			o.log.Warn("⚠️ сверка: REST position snapshot: %v", err)
		}
	}
	return 0
}

// closeShort гасит openedQty покупкой reduce-only IOC поверх best ask,
// перечитывая стакан на каждой попытке.
func (o *Orchestrator) closeShort(ctx context.Context, plan *models.TradePlan, openedQty float64) bool {
	if err := o.clock.SleepUntilServerMS(ctx, plan.CloseServerMS); err != nil {
		return false
	}
	residual := openedQty

	for attempt := 1; attempt <= o.opt.FastCloseMaxAttempts; attempt++ {
		if q, ok := o.acct.PositionSize(plan.Symbol, plan.PositionIdx, models.Buy); ok {
			residual = q
		}
		if residual <= 0 {
			o.log.Info("✅ шорт закрыт (попытка %d)", attempt-1)
			return true
		}

		snap, _ := o.market.Snapshot()
		ask := snap.BestAsk
		if ask <= 0 {
			_ = o.clock.SleepUntilServerMS(ctx, o.clock.NowServerMS()+closeRecheckMS)
			continue
		}
		px := quant.CeilToStep(quant.OffsetTicks(ask, o.entryTicks(), o.inst.TickSize), o.inst.TickSize)
		draft := models.OrderDraft{
			Symbol:      plan.Symbol,
			Side:        models.Buy,
			Qty:         quant.FormatByStep(residual, o.inst.QtyStep),
			Price:       quant.FormatByStep(px, o.inst.TickSize),
			ReduceOnly:  true,
			PositionIdx: plan.PositionIdx,
		}
		id, err := o.orders.CreateOrder(ctx, draft, o.clock.NowServerMS(), createAckTimeout)
		if err != nil {
			o.log.Warn("⚠️ закрытие: попытка %d: %v", attempt, err)
		} else {
			if final, werr := o.acct.WaitFinal(ctx, id, closeWaitTimeout); werr == nil && final.FilledQty > 0 {
				residual -= final.FilledQty
			}
		}
		if residual <= 0 {
			o.log.Info("✅ шорт закрыт (попытка %d)", attempt)
			return true
		}
		_ = o.clock.SleepUntilServerMS(ctx, o.clock.NowServerMS()+closeRecheckMS)
	}

	if q, ok := o.acct.PositionSize(plan.Symbol, plan.PositionIdx, models.Buy); ok && q <= 0 {
		return true
	}
	return false
}

// report собирает исполнения окна и печатает итоговую строку выплаты.
func (o *Orchestrator) report(ctx context.Context, plan *models.TradePlan, res Result) Result {
	execs := o.acct.ExecutionsInWindow(plan.Symbol, plan.OpenServerMS-reportWindowPreMS, plan.CloseServerMS+reportWindowPostMS)
	if len(execs) == 0 && o.rest != nil {
		if fetched, err := o.rest.Executions(ctx, plan.Symbol, plan.OpenServerMS-reportWindowPreMS, plan.CloseServerMS+reportWindowPostMS); err == nil {
			execs = fetched
		} else {
			o.log.Warn("⚠️ отчёт: REST executions: %v", err)
		}
	}
	res.Report = ReconstructPnL(execs)
	r := res.Report
	o.log.Info("📊 Итог: монета=%s | исход=%s | открыто=%v | покупок=%d продаж=%d | ср_покупка=%.6f ср_продажа=%.6f | комиссии=%.4f | PnL_USDT=%.4f",
		plan.Symbol, res.Outcome, res.OpenedQty, r.Buys, r.Sells, r.AvgBuy, r.AvgSell, r.Fees, r.PnLUSDT)
	return res
}
