package scanner

import (
	"context"
	"strings"
	"testing"

	"github.com/Sogdian/arbitragePerp/internal/config"
	"github.com/Sogdian/arbitragePerp/internal/exchange"
	"github.com/Sogdian/arbitragePerp/internal/models"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

type fakeRest struct{}

func (fakeRest) AllTickers(ctx context.Context) ([]exchange.TickerItem, error) { return nil, nil }
func (fakeRest) InstrumentInfo(ctx context.Context, symbol string) (models.Instrument, error) {
	return models.Instrument{Symbol: symbol, TickSize: "0.0001", QtyStep: "0.1", MinQty: "0.1"}, nil
}

func newTestScanner() *Scanner {
	cfg := &config.Config{}
	cfg.Scanner.MinFundingPct = -1.0
	cfg.Scanner.InvestUSDT = 50
	cfg.Scanner.MaxMinutesToPayout = 60
	return &Scanner{
		rest:    fakeRest{},
		log:     logger.Nop(),
		cfg:     cfg,
		exclude: map[string]struct{}{"FLOW": {}},
		seen:    make(map[string]int64),
	}
}

func ticker(symbol, rate, next, last string) exchange.TickerItem {
	return exchange.TickerItem{Symbol: symbol, FundingRate: rate, NextFundingTime: next, LastPrice: last}
}

func TestEvaluateThresholdAndFilters(t *testing.T) {
	s := newTestScanner()
	now := int64(1_000_000_000)

	tk := ticker("LPTUSDT", "-0.015", "1000600000", "5.0") // -1.5%, через 10 мин
	opp, ok := s.evaluate(context.Background(), &tk, now)
	if !ok {
		t.Fatal("funding below threshold must alert")
	}
	if opp.FundingPct != -1.5 || opp.MinutesToPayout != 10 {
		t.Errorf("opportunity: %+v", opp)
	}
	// 50 USDT / 5.0 = 10 монет, шаг 0.1
	if opp.MinQty != "10.0" {
		t.Errorf("min qty = %q, want 10.0", opp.MinQty)
	}

	weak := ticker("APTUSDT", "-0.005", "1000600000", "5.0") // -0.5% слабее порога
	if _, ok := s.evaluate(context.Background(), &weak, now); ok {
		t.Error("-0.5% must not pass -1% threshold")
	}

	excluded := ticker("FLOWUSDT", "-0.02", "1000600000", "5.0")
	if _, ok := s.evaluate(context.Background(), &excluded, now); ok {
		t.Error("excluded coin must be skipped")
	}

	numeric := ticker("1000PEPEUSDT", "-0.02", "1000600000", "5.0")
	if _, ok := s.evaluate(context.Background(), &numeric, now); ok {
		t.Error("numeric-prefixed coin must be skipped")
	}

	far := ticker("NEARUSDT", "-0.02", "1007200000", "5.0") // через 2 часа
	if _, ok := s.evaluate(context.Background(), &far, now); ok {
		t.Error("payout too far away must be skipped")
	}
}

// Одна выплата — один алерт; новая выплата алертится снова.
func TestEvaluateDedupePerPayout(t *testing.T) {
	s := newTestScanner()
	now := int64(1_000_000_000)

	tk := ticker("LPTUSDT", "-0.015", "1000600000", "5.0")
	opp, ok := s.evaluate(context.Background(), &tk, now)
	if !ok {
		t.Fatal("first evaluation must alert")
	}
	s.seen[opp.Symbol] = opp.NextFundingMS

	if _, ok := s.evaluate(context.Background(), &tk, now); ok {
		t.Error("same payout must not alert twice")
	}

	next := ticker("LPTUSDT", "-0.015", "1003000000", "5.0")
	if _, ok := s.evaluate(context.Background(), &next, now); !ok {
		t.Error("new payout time must alert again")
	}
}

func TestFormatAlert(t *testing.T) {
	msg := formatAlert(Opportunity{
		Symbol: "LPTUSDT", FundingPct: -1.5, LastPrice: 5.0,
		MinutesToPayout: 10, MinQty: "10.0",
	})
	for _, want := range []string{"LPTUSDT", "-1.5000%", "10 мин", `fun "LPT Bybit 10.0 -1.5000%"`} {
		if !strings.Contains(msg, want) {
			t.Errorf("alert must contain %q:\n%s", want, msg)
		}
	}
}
