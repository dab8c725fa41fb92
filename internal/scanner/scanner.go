package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sogdian/arbitragePerp/internal/config"
	"github.com/Sogdian/arbitragePerp/internal/exchange"
	"github.com/Sogdian/arbitragePerp/internal/models"
	"github.com/Sogdian/arbitragePerp/internal/notify"
	"github.com/Sogdian/arbitragePerp/internal/quant"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

// Opportunity — найденный отрицательный funding.
type Opportunity struct {
	Symbol          string
	FundingPct      float64 // в процентах, -1.2 => -1.2%
	LastPrice       float64
	MinutesToPayout int
	NextFundingMS   int64
	MinQty          string
	MinNotional     string
}

type restAPI interface {
	AllTickers(ctx context.Context) ([]exchange.TickerItem, error)
	InstrumentInfo(ctx context.Context, symbol string) (models.Instrument, error)
}

// Scanner раз в интервал снимает все linear-тикеры и шлёт алерты по
// отрицательным фандингам. Дедуп по (символ, время выплаты): одна выплата —
// один алерт.
type Scanner struct {
	rest    restAPI
	n       notify.Notifier
	log     *logger.Logger
	cfg     *config.Config
	exclude map[string]struct{}
	seen    map[string]int64 // symbol -> nextFundingTime последнего алерта
}

func New(cfg *config.Config, rest *exchange.Client, n notify.Notifier, log *logger.Logger) *Scanner {
	s := &Scanner{
		rest:    rest,
		n:       n,
		log:     log,
		cfg:     cfg,
		exclude: make(map[string]struct{}),
		seen:    make(map[string]int64),
	}
	for _, c := range cfg.Scanner.ExcludeCoins {
		s.exclude[strings.ToUpper(c)] = struct{}{}
	}
	return s
}

func (s *Scanner) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.Scanner.IntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = time.Minute
	}
	s.log.Info("[SCAN] старт: порог=%.3f%% интервал=%s", s.cfg.Scanner.MinFundingPct, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("[SCAN] остановка")
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) {
	items, err := s.rest.AllTickers(ctx)
	if err != nil {
		s.log.Warn("[SCAN] tickers: %v", err)
		return
	}

	found := 0
	for i := range items {
		opp, ok := s.evaluate(ctx, &items[i], time.Now().UnixMilli())
		if !ok {
			continue
		}
		found++
		s.seen[opp.Symbol] = opp.NextFundingMS
		msg := formatAlert(opp)
		s.log.Info("[SCAN] %s funding=%.4f%% до выплаты %d мин", opp.Symbol, opp.FundingPct, opp.MinutesToPayout)
		s.n.Send(msg)
	}
	s.log.Info("[SCAN] цикл: %d инструментов, %d алертов", len(items), found)
}

// evaluate решает, алертить ли по тикеру; за фильтрами инструмента ходит
// только при совпадении порога.
func (s *Scanner) evaluate(ctx context.Context, it *exchange.TickerItem, nowMS int64) (Opportunity, bool) {
	coin := strings.TrimSuffix(it.Symbol, "USDT")
	if coin == "" || coin == it.Symbol {
		return Opportunity{}, false // не USDT-пара
	}
	if coin[0] >= '0' && coin[0] <= '9' {
		return Opportunity{}, false // 1000PEPE и прочие множители
	}
	if _, ok := s.exclude[coin]; ok {
		return Opportunity{}, false
	}

	fi, err := it.Funding()
	if err != nil {
		return Opportunity{}, false
	}
	fundingPct := fi.Rate * 100
	if fundingPct > s.cfg.Scanner.MinFundingPct {
		return Opportunity{}, false
	}

	minutes := int((fi.NextFundingTimeMS - nowMS) / 60_000)
	if minutes < 0 {
		return Opportunity{}, false
	}
	if s.cfg.Scanner.MaxMinutesToPayout > 0 && minutes > s.cfg.Scanner.MaxMinutesToPayout {
		return Opportunity{}, false
	}
	if last, ok := s.seen[it.Symbol]; ok && last == fi.NextFundingTimeMS {
		return Opportunity{}, false // по этой выплате уже алертили
	}

	opp := Opportunity{
		Symbol:          it.Symbol,
		FundingPct:      fundingPct,
		LastPrice:       it.Last(),
		MinutesToPayout: minutes,
		NextFundingMS:   fi.NextFundingTimeMS,
	}
	if inst, err := s.rest.InstrumentInfo(ctx, it.Symbol); err == nil {
		opp.MinQty = inst.MinQty
		opp.MinNotional = inst.MinNotional
		if opp.LastPrice > 0 && s.cfg.Scanner.InvestUSDT > 0 {
			qty := quant.FloorToStep(s.cfg.Scanner.InvestUSDT/opp.LastPrice, inst.QtyStep)
			opp.MinQty = quant.FormatByStep(qty, inst.QtyStep)
		}
	}
	return opp, true
}

func formatAlert(o Opportunity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💰 Фандинг %s: %.4f%%\n", o.Symbol, o.FundingPct)
	fmt.Fprintf(&b, "⏰ До выплаты: %d мин\n", o.MinutesToPayout)
	if o.LastPrice > 0 {
		fmt.Fprintf(&b, "💵 Цена: %.6f\n", o.LastPrice)
	}
	if o.MinQty != "" {
		fmt.Fprintf(&b, "📦 Количество на ставку: %s\n", o.MinQty)
	}
	coin := strings.TrimSuffix(o.Symbol, "USDT")
	fmt.Fprintf(&b, "▶️ fun \"%s Bybit %s %.4f%%\"", coin, o.MinQty, o.FundingPct)
	return b.String()
}
