package fun

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/Sogdian/arbitragePerp/internal/config"
	"github.com/Sogdian/arbitragePerp/internal/exchange"
	"github.com/Sogdian/arbitragePerp/internal/models"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

// --- фейки ---

type fakeClock struct{ now int64 }

func (c *fakeClock) NowServerMS() int64 { return c.now }
func (c *fakeClock) SleepUntilServerMS(ctx context.Context, d int64) error {
	if d > c.now {
		c.now = d
	}
	return nil
}

type fakeMarket struct {
	snaps []models.BookSnapshot
	fresh int64
	i     int
}

func (m *fakeMarket) Ready() bool { return true }
func (m *fakeMarket) Snapshot() (models.BookSnapshot, int64) {
	s := m.snaps[m.i]
	if m.i < len(m.snaps)-1 {
		m.i++
	}
	return s, m.fresh
}

type fakeAccount struct {
	finals map[string]models.OrderFinal
	pos    func() (float64, bool)
	execs  []models.ExecutionRecord
}

func (a *fakeAccount) WaitFinal(ctx context.Context, orderID string, timeout time.Duration) (models.OrderFinal, error) {
	if f, ok := a.finals[orderID]; ok {
		return f, nil
	}
	return models.OrderFinal{}, errors.New("wait final timeout")
}
func (a *fakeAccount) PositionSize(symbol string, posIdx int, side models.Side) (float64, bool) {
	if a.pos == nil {
		return 0, false
	}
	return a.pos()
}
func (a *fakeAccount) ExecutionsInWindow(symbol string, startMS, endMS int64) []models.ExecutionRecord {
	return a.execs
}
func (a *fakeAccount) StalenessMS() int64 { return 0 }

type sentOrder struct {
	draft models.OrderDraft
	id    string
	err   error
}

type fakeOrders struct {
	results  []sentOrder // id/err подставляются по порядку вызовов
	sent     []models.OrderDraft
	onCreate func(n int, draft models.OrderDraft)
}

func (o *fakeOrders) CreateOrder(ctx context.Context, draft models.OrderDraft, serverTSMS int64, timeout time.Duration) (string, error) {
	n := len(o.sent)
	o.sent = append(o.sent, draft)
	if o.onCreate != nil {
		o.onCreate(n, draft)
	}
	if n < len(o.results) {
		return o.results[n].id, o.results[n].err
	}
	return "", errors.New("unexpected order")
}

type fakeRest struct {
	shortQty float64
	execs    []models.ExecutionRecord
}

func (r *fakeRest) ShortPositionQty(ctx context.Context, symbol string) (float64, error) {
	return r.shortQty, nil
}
func (r *fakeRest) Executions(ctx context.Context, symbol string, startMS, endMS int64) ([]models.ExecutionRecord, error) {
	return r.execs, nil
}

func testInstrument() models.Instrument {
	return models.Instrument{Symbol: "LPTUSDT", TickSize: "0.0001", QtyStep: "0.01", MinQty: "0.01"}
}

func testOptions() config.Options {
	opt := config.LoadOptions()
	return opt
}

func testPlan(fundingPct float64) *models.TradePlan {
	payout := int64(1_000_000)
	return &models.TradePlan{
		Symbol:         "LPTUSDT",
		Qty:            10,
		QtyStr:         "10.00",
		FundingPct:     fundingPct,
		PayoutServerMS: payout,
		FixServerMS:    payout - 30,
		OpenServerMS:   payout - 30,
		CloseServerMS:  payout + 1200,
		PositionIdx:    models.PositionIdxOneWay,
	}
}

func snap(bid, ask, last float64) models.BookSnapshot {
	return models.BookSnapshot{BestBid: bid, BestAsk: ask, LastTrade: last, ReceivedAt: time.Now()}
}

func newOrch(m MarketData, a Account, ord OrderChannel, r PositionFallback) (*Orchestrator, *fakeClock) {
	clk := &fakeClock{now: 990_000}
	o := NewOrchestrator(testOptions(), testInstrument(), m, a, ord, r, clk, logger.Nop())
	return o, clk
}

// Сценарий 1: happy path. funding=-0.5% => план 40+0.9*50=85 bps;
// bid на открытии 4.9990 (-2 bps) проходит, Sell по 4.9987 (3 тика под бидом).
func TestRunHappyPath(t *testing.T) {
	market := &fakeMarket{
		snaps: []models.BookSnapshot{
			snap(5.0000, 5.0005, 5.0001), // fix
			snap(4.9990, 4.9995, 4.9991), // open
			snap(4.9985, 4.9990, 4.9986), // close attempt
		},
		fresh: 10,
	}
	opened := false
	acct := &fakeAccount{
		finals: map[string]models.OrderFinal{
			"o-open":  {OrderID: "o-open", Status: "Filled", FilledQty: 10, AvgPrice: 4.9987},
			"o-close": {OrderID: "o-close", Status: "Filled", FilledQty: 10, AvgPrice: 4.9993},
		},
		pos: func() (float64, bool) {
			if opened {
				return 10, true
			}
			return 0, true
		},
		execs: []models.ExecutionRecord{
			execRec(models.Sell, 10, 4.9987, 1_000_010, 0),
			execRec(models.Buy, 10, 4.9993, 1_001_250, 0),
		},
	}
	orders := &fakeOrders{
		results: []sentOrder{{id: "o-open"}, {id: "o-close"}},
		onCreate: func(n int, draft models.OrderDraft) {
			if draft.Side == models.Sell {
				opened = true
			} else {
				opened = false
			}
		},
	}

	o, _ := newOrch(market, acct, orders, &fakeRest{})
	res := o.Run(context.Background(), testPlan(-0.005))

	if res.Outcome != OutcomeClosed {
		t.Fatalf("outcome = %s, want Closed", res.Outcome)
	}
	if res.OpenedQty != 10 {
		t.Errorf("opened = %v, want 10", res.OpenedQty)
	}
	if len(orders.sent) != 2 {
		t.Fatalf("orders sent = %d, want 2", len(orders.sent))
	}

	open := orders.sent[0]
	if open.Side != models.Sell || open.ReduceOnly {
		t.Errorf("open draft: %+v", open)
	}
	if open.Price != "4.9987" {
		t.Errorf("open price = %s, want 4.9987", open.Price)
	}
	if open.Qty != "10.00" {
		t.Errorf("open qty = %s, want 10.00", open.Qty)
	}

	cl := orders.sent[1]
	if cl.Side != models.Buy || !cl.ReduceOnly {
		t.Errorf("close draft must be Buy reduce-only: %+v", cl)
	}
	// ask 4.9990 + 3 тика
	if cl.Price != "4.9993" {
		t.Errorf("close price = %s, want 4.9993", cl.Price)
	}

	if res.Report.Sells != 1 || res.Report.Buys != 1 {
		t.Errorf("report: %+v", res.Report)
	}
	// шорт закрыт дороже открытия — отрицательный результат без funding-кредита
	wantPnL := (4.9987 - 4.9993) * 10
	if diff := res.Report.PnLUSDT - wantPnL; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("pnl = %v, want %v", res.Report.PnLUSDT, wantPnL)
	}
}

// Сценарий 2: просадка 100 bps > плана 85 => SKIP OPEN, ни одного ордера.
func TestRunAdmissionReject(t *testing.T) {
	market := &fakeMarket{
		snaps: []models.BookSnapshot{
			snap(5.0000, 5.0005, 5.0001), // fix
			snap(4.9500, 4.9505, 4.9501), // open: -100 bps
		},
		fresh: 10,
	}
	acct := &fakeAccount{pos: func() (float64, bool) { return 0, true }}
	orders := &fakeOrders{}

	o, _ := newOrch(market, acct, orders, &fakeRest{})
	res := o.Run(context.Background(), testPlan(-0.005))

	if res.Outcome != OutcomeSkipDown {
		t.Fatalf("outcome = %s, want SkipDown", res.Outcome)
	}
	if len(orders.sent) != 0 {
		t.Errorf("no orders must be sent on SKIP OPEN, got %d", len(orders.sent))
	}
}

// Клэмп сверху: funding -30% дал бы план 2740 bps, но max=2500 =>
// просадка 26% отклоняется.
func TestRunEntryBpsClampMax(t *testing.T) {
	market := &fakeMarket{
		snaps: []models.BookSnapshot{
			snap(5.0000, 5.0005, 5.0001),
			snap(3.7000, 3.7005, 3.7001), // -26%
		},
		fresh: 10,
	}
	acct := &fakeAccount{pos: func() (float64, bool) { return 0, true }}
	orders := &fakeOrders{}

	o, _ := newOrch(market, acct, orders, &fakeRest{})
	res := o.Run(context.Background(), testPlan(-0.30))
	if res.Outcome != OutcomeSkipDown {
		t.Fatalf("outcome = %s, want SkipDown (plan clamped to 2500 bps)", res.Outcome)
	}
	if len(orders.sent) != 0 {
		t.Errorf("orders sent = %d, want 0", len(orders.sent))
	}
}

// Сценарий 3: ack потерян, но позиция открылась — сверка находит 10,
// закрытие отрабатывает, успех.
func TestRunAmbiguousAck(t *testing.T) {
	market := &fakeMarket{
		snaps: []models.BookSnapshot{
			snap(5.0000, 5.0005, 5.0001),
			snap(4.9990, 4.9995, 4.9991),
			snap(4.9985, 4.9990, 4.9986),
		},
		fresh: 10,
	}
	position := 0.0
	acct := &fakeAccount{
		finals: map[string]models.OrderFinal{
			"o-close": {OrderID: "o-close", Status: "Filled", FilledQty: 10, AvgPrice: 4.9993},
		},
		pos: func() (float64, bool) { return position, true },
	}
	orders := &fakeOrders{
		results: []sentOrder{
			{err: errors.New("trade ws: ack timeout")},
			{id: "o-close"},
		},
		onCreate: func(n int, draft models.OrderDraft) {
			if draft.Side == models.Sell {
				position = 10 // ордер прошёл несмотря на таймаут ack
			} else {
				position = 0
			}
		},
	}

	o, _ := newOrch(market, acct, orders, &fakeRest{})
	res := o.Run(context.Background(), testPlan(-0.005))

	if res.Outcome != OutcomeClosed {
		t.Fatalf("outcome = %s, want Closed (ambiguous ack must not be treated as no-open)", res.Outcome)
	}
	if res.OpenedQty != 10 {
		t.Errorf("opened = %v, want 10 from reconciliation", res.OpenedQty)
	}
}

// Кэш молчит — количество добирается из REST-снапшота позиции.
func TestRunReconcileRestFallback(t *testing.T) {
	market := &fakeMarket{
		snaps: []models.BookSnapshot{
			snap(5.0000, 5.0005, 5.0001),
			snap(4.9990, 4.9995, 4.9991),
			snap(4.9985, 4.9990, 4.9986),
		},
		fresh: 10,
	}
	acct := &fakeAccount{
		finals: map[string]models.OrderFinal{
			"o-close": {OrderID: "o-close", Status: "Filled", FilledQty: 10},
		},
		pos: nil, // unavailable
	}
	orders := &fakeOrders{
		results: []sentOrder{
			{err: errors.New("ack timeout")},
			{id: "o-close"},
		},
	}

	o, _ := newOrch(market, acct, orders, &fakeRest{shortQty: 10})
	res := o.Run(context.Background(), testPlan(-0.005))
	if res.Outcome != OutcomeClosed || res.OpenedQty != 10 {
		t.Fatalf("outcome=%s opened=%v, want Closed/10 via REST fallback", res.Outcome, res.OpenedQty)
	}
}

// Сценарий 5: 14 пустых попыток закрытия, 15-я закрывает => Closed.
func TestRunCloseSucceedsOnLastAttempt(t *testing.T) {
	snaps := []models.BookSnapshot{
		snap(5.0000, 5.0005, 5.0001),
		snap(4.9990, 4.9995, 4.9991),
		snap(4.9985, 4.9990, 4.9986),
	}
	market := &fakeMarket{snaps: snaps, fresh: 10}

	position := 0.0
	closeAttempts := 0
	finals := map[string]models.OrderFinal{
		"o-open": {OrderID: "o-open", Status: "Filled", FilledQty: 10},
	}
	acct := &fakeAccount{finals: finals, pos: func() (float64, bool) { return position, true }}
	orders := &fakeOrders{
		onCreate: func(n int, draft models.OrderDraft) {
			if draft.Side == models.Sell {
				position = 10
				return
			}
			closeAttempts++
			id := "c" + string(rune('a'+closeAttempts))
			if closeAttempts < 15 {
				finals[id] = models.OrderFinal{OrderID: id, Status: "Cancelled", FilledQty: 0}
			} else {
				finals[id] = models.OrderFinal{OrderID: id, Status: "Filled", FilledQty: 10}
				position = 0
			}
		},
	}
	// results: open + 15 закрытий
	orders.results = append(orders.results, sentOrder{id: "o-open"})
	for i := 1; i <= 15; i++ {
		orders.results = append(orders.results, sentOrder{id: "c" + string(rune('a'+i))})
	}

	o, _ := newOrch(market, acct, orders, &fakeRest{})
	res := o.Run(context.Background(), testPlan(-0.005))

	if res.Outcome != OutcomeClosed {
		t.Fatalf("outcome = %s, want Closed on 15th attempt", res.Outcome)
	}
	if closeAttempts != 15 {
		t.Errorf("close attempts = %d, want 15", closeAttempts)
	}
}

// Бюджет попыток исчерпан, позиция осталась => ResidualOpen (не фатально).
func TestRunResidualOpen(t *testing.T) {
	market := &fakeMarket{
		snaps: []models.BookSnapshot{
			snap(5.0000, 5.0005, 5.0001),
			snap(4.9990, 4.9995, 4.9991),
			snap(4.9985, 4.9990, 4.9986),
		},
		fresh: 10,
	}
	finals := map[string]models.OrderFinal{
		"o-open": {OrderID: "o-open", Status: "Filled", FilledQty: 10},
	}
	acct := &fakeAccount{finals: finals, pos: func() (float64, bool) { return 10, true }}
	orders := &fakeOrders{results: []sentOrder{{id: "o-open"}}}
	for i := 0; i < 15; i++ {
		orders.results = append(orders.results, sentOrder{err: errors.New("rejected")})
	}

	o, _ := newOrch(market, acct, orders, &fakeRest{shortQty: 10})
	res := o.Run(context.Background(), testPlan(-0.005))
	if res.Outcome != OutcomeResidualOpen {
		t.Fatalf("outcome = %s, want ResidualOpen", res.Outcome)
	}
}

// Стейл на фиксации => SkipStale, никаких ордеров.
func TestRunSkipStale(t *testing.T) {
	market := &fakeMarket{
		snaps: []models.BookSnapshot{snap(5.0, 5.0005, 5.0001)},
		fresh: 500, // > FUN_OPEN_MAX_STALENESS_MS=200
	}
	acct := &fakeAccount{}
	orders := &fakeOrders{}
	o, _ := newOrch(market, acct, orders, &fakeRest{})
	res := o.Run(context.Background(), testPlan(-0.005))
	if res.Outcome != OutcomeSkipStale {
		t.Fatalf("outcome = %s, want SkipStale", res.Outcome)
	}
	if len(orders.sent) != 0 {
		t.Errorf("orders sent = %d, want 0", len(orders.sent))
	}
}

// bid_open == ref => down_bps = 0, admission проходит.
func TestRunAdmissionBoundaryZeroDown(t *testing.T) {
	market := &fakeMarket{
		snaps: []models.BookSnapshot{
			snap(5.0000, 5.0005, 5.0001),
			snap(5.0000, 5.0005, 5.0001),
			snap(5.0000, 5.0005, 5.0001),
		},
		fresh: 10,
	}
	position := 0.0
	acct := &fakeAccount{
		finals: map[string]models.OrderFinal{
			"o-open":  {OrderID: "o-open", Status: "Filled", FilledQty: 10},
			"o-close": {OrderID: "o-close", Status: "Filled", FilledQty: 10},
		},
		pos: func() (float64, bool) { return position, true },
	}
	orders := &fakeOrders{
		results: []sentOrder{{id: "o-open"}, {id: "o-close"}},
		onCreate: func(n int, draft models.OrderDraft) {
			if draft.Side == models.Sell {
				position = 10
			} else {
				position = 0
			}
		},
	}
	o, _ := newOrch(market, acct, orders, &fakeRest{})
	res := o.Run(context.Background(), testPlan(-0.005))
	if res.Outcome != OutcomeClosed {
		t.Fatalf("outcome = %s, want Closed (down_bps=0 passes)", res.Outcome)
	}
}

func TestBuildPlan(t *testing.T) {
	opt := config.LoadOptions()
	p := Params{Coin: "LPT", Exchange: "bybit", Qty: 10, FundingPct: -0.001}
	fi := models.FundingInfo{Rate: -0.001, NextFundingTimeMS: 2_000_000}

	plan, err := BuildPlan(exchange.NormalizeSymbol(p.Coin), p, fi, opt, 1_500_000)
	if err != nil {
		t.Fatal(err)
	}
	if plan.OpenServerMS >= plan.PayoutServerMS {
		t.Error("open must be dispatched before payout")
	}
	if plan.CloseServerMS <= plan.PayoutServerMS {
		t.Error("close must be after payout")
	}
	if plan.FixServerMS != plan.PayoutServerMS-opt.WSFixLeadMS {
		t.Errorf("fix = %d", plan.FixServerMS)
	}

	// слишком поздний запуск
	if _, err := BuildPlan("LPTUSDT", p, fi, opt, fi.NextFundingTimeMS+opt.LateTolMS+1); err == nil {
		t.Error("late start must be refused")
	}
	// ровно на границе tolerance — ещё допустимо
	if _, err := BuildPlan("LPTUSDT", p, fi, opt, fi.NextFundingTimeMS+opt.LateTolMS); err != nil {
		t.Errorf("start at tolerance boundary must pass: %v", err)
	}
}
