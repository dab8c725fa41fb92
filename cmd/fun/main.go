package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Sogdian/arbitragePerp/internal/clock"
	"github.com/Sogdian/arbitragePerp/internal/config"
	"github.com/Sogdian/arbitragePerp/internal/exchange"
	"github.com/Sogdian/arbitragePerp/internal/fun"
	"github.com/Sogdian/arbitragePerp/internal/notify"
	"github.com/Sogdian/arbitragePerp/internal/ws"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
	"github.com/Sogdian/arbitragePerp/pkg/tracing"
)

const usage = `Usage: fun "COIN EXCHANGE QTY FUNDING%"  e.g. fun "LPT Bybit 10 -0.1%"`

func main() {
	os.Exit(run())
}

// Выход 2 — только конфигурационные ошибки. Всё остальное (skip, no-fill,
// незакрытый остаток) — штатное завершение с кодом 0.
func run() int {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	p, err := fun.ParseCmd(strings.Join(os.Args[1:], " "))
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n%s\n", err, usage)
		return 2
	}
	if err := p.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ config: %v\n", err)
		return 2
	}
	if cfg.Bybit.APIKey == "" || cfg.Bybit.APISecret == "" {
		fmt.Fprintln(os.Stderr, "❌ нет BYBIT_API_KEY/BYBIT_API_SECRET в окружении")
		return 2
	}

	log, err := logger.New(cfg.LogFile, "fun")
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		return 2
	}
	defer log.Close()

	if cfg.Jaeger.Host != "" {
		if _, closeTracer, err := tracing.InitTracer("fun", tracing.Config{Host: cfg.Jaeger.Host, Port: cfg.Jaeger.Port}); err == nil {
			defer closeTracer()
		} else {
			log.Warn("tracing: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rest := exchange.NewClient(cfg.Bybit.APIKey, cfg.Bybit.APISecret, log)
	symbol := exchange.NormalizeSymbol(p.Coin)

	ticker, err := rest.Ticker(ctx, symbol)
	if err != nil {
		log.Error("❌ тикер %s: %v", symbol, err)
		return 0
	}
	fi, err := ticker.Funding()
	if err != nil {
		log.Error("❌ funding %s: %v", symbol, err)
		return 0
	}

	// Часы: один замер на запуск, медиана пяти проб.
	srvClock, err := clock.Estimate(ctx, rest, 5)
	if err != nil {
		log.Error("❌ server time: %v", err)
		return 0
	}
	plan, err := fun.BuildPlan(symbol, p, fi, cfg.Fun, srvClock.NowServerMS())
	if err != nil {
		log.Error("❌ %v", err)
		return 0
	}

	payoutLocal := time.UnixMilli(plan.PayoutServerMS - srvClock.OffsetMS())
	log.Info(strings.Repeat("=", 60))
	log.Info("Анализ фандинга %s: rate=%.6f%% (биржа: %.6f%%)", symbol, p.FundingPct*100, fi.Rate*100)
	log.Info("Выплата (локальное время): %s | offset_ms=%d", payoutLocal.Format("15:04:05"), srvClock.OffsetMS())
	log.Info("Тайминг: fix=-%dms open=-%dms close=+%.0fms | qty=%v",
		cfg.Fun.WSFixLeadMS, cfg.Fun.OpenEarlyMS, cfg.Fun.FastCloseDelaySec*1000, p.Qty)
	log.Info(strings.Repeat("=", 60))

	log.Drain()
	if !confirm("Открывать боевой short после payout? (Да/Нет): ") {
		log.Info("Отклонено пользователем. Завершаем.")
		return 0
	}

	// Стримы живут от старта до выхода процесса.
	pub := ws.NewPublicStream(symbol, log)
	if err := pub.Start(ctx); err != nil {
		log.Error("❌ public ws: %v", err)
		return 0
	}
	defer pub.Stop()

	priv := ws.NewPrivateStream(cfg.Bybit.APIKey, cfg.Bybit.APISecret, log)
	if err := priv.Start(ctx); err != nil {
		log.Error("❌ private ws: %v", err)
		return 0
	}
	defer priv.Stop()

	var orders fun.OrderChannel = rest
	if cfg.Fun.UseTradeWS {
		tws := ws.NewTradeStream(cfg.Bybit.APIKey, cfg.Bybit.APISecret, log)
		if err := tws.Start(ctx); err != nil {
			log.Error("❌ trade ws: %v", err)
			return 0
		}
		defer tws.Stop()
		orders = tws
	} else {
		log.Warn("⚠️ FUN_USE_TRADE_WS=0: ордера пойдут через REST (медленнее)")
	}

	if !pub.WaitReady(ctx, 10*time.Second) {
		log.Error("❌ public ws не готов (нет bid/ask)")
		return 0
	}

	// Подготовка строго до окна.
	if err := srvClock.SleepUntilServerMS(ctx, fun.PrepServerMS(plan, cfg.Fun)); err != nil {
		log.Info("Отменено: %v", err)
		return 0
	}
	inst, err := fun.Preflight(ctx, rest, cfg.Fun, p, plan, log)
	if err != nil {
		log.Error("❌ %v", err)
		return 0
	}

	orch := fun.NewOrchestrator(cfg.Fun, inst, pub, priv, orders, rest, srvClock, log)
	res := orch.Run(ctx, plan)

	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		if tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID); err == nil {
			tg.Sendf("📊 %s: %s | qty=%v | PnL=%.4f USDT",
				symbol, res.Outcome, res.OpenedQty, res.Report.PnLUSDT)
		}
	}
	log.Drain()
	return 0
}

var yesWords = map[string]struct{}{"да": {}, "д": {}, "y": {}, "yes": {}}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	_, ok := yesWords[strings.ToLower(strings.TrimSpace(line))]
	return ok
}
