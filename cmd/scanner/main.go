package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/Sogdian/arbitragePerp/internal/config"
	"github.com/Sogdian/arbitragePerp/internal/exchange"
	"github.com/Sogdian/arbitragePerp/internal/notify"
	"github.com/Sogdian/arbitragePerp/internal/scanner"
	"github.com/Sogdian/arbitragePerp/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	app := fx.New(
		fx.Provide(
			config.Load,
			func(cfg *config.Config) (*logger.Logger, error) {
				return logger.New("scan_fundings.log", "scanner")
			},
			func(cfg *config.Config, l *logger.Logger) *exchange.Client {
				return exchange.NewClient(cfg.Bybit.APIKey, cfg.Bybit.APISecret, l)
			},
			// Notifier: если TELEGRAM_* нет — пишем в stdout
			func(cfg *config.Config) notify.Notifier {
				if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
					if tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID); err == nil {
						return tg
					}
				}
				return notify.NewStdout()
			},
			scanner.New,
		),
		fx.Invoke(
			func(lc fx.Lifecycle, s *scanner.Scanner, l *logger.Logger) {
				ctx, cancel := context.WithCancel(context.Background())
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go s.Run(ctx)
						log.Println("scanner started")
						return nil
					},
					OnStop: func(context.Context) error {
						cancel()
						l.Close()
						log.Println("stopping...")
						return nil
					},
				})
			},
		),
	)
	app.Run()
}
