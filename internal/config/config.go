package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	bybitKeyENV       = "BYBIT_API_KEY"
	bybitSecretENV    = "BYBIT_API_SECRET"
	tokenTelegramENV  = "TELEGRAM_BOT_TOKEN"
	chatTelegramENV   = "TELEGRAM_CHAT_ID"
)

type Config struct {
	Bybit struct {
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
	} `yaml:"bybit"`

	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`

	Jaeger struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"jaeger"`

	LogFile string `yaml:"log_file"`

	Scanner struct {
		// Порог в процентах, например -1.0 => алерт при funding <= -1%.
		MinFundingPct float64 `yaml:"min_funding_pct"`
		IntervalSec   float64 `yaml:"interval_sec"`
		// Размер позиции (USDT) для расчёта минимального количества монет.
		InvestUSDT float64 `yaml:"invest_usdt"`
		// Слать алерт только когда до выплаты осталось не больше этого.
		MaxMinutesToPayout int      `yaml:"max_minutes_to_payout"`
		ExcludeCoins       []string `yaml:"exclude_coins"`
	} `yaml:"scanner"`

	Fun Options `yaml:"-"`
}

// Load читает yaml (если есть) и перекрывает секреты из окружения.
// Файл не обязателен: fun-пайплайн полностью настраивается через env.
func Load() (*Config, error) {
	config := &Config{LogFile: "fun.log"}
	config.Scanner.MinFundingPct = -1.0
	config.Scanner.IntervalSec = 60
	config.Scanner.InvestUSDT = 50
	config.Scanner.MaxMinutesToPayout = 60

	name := os.Getenv(configFilePathENV)
	if name == "" {
		name = "values_local.yaml"
	}
	if file, err := os.Open("configs/" + name); err == nil {
		err = yaml.NewDecoder(file).Decode(config)
		_ = file.Close()
		if err != nil {
			return nil, err
		}
	}

	if v := os.Getenv(bybitKeyENV); v != "" {
		config.Bybit.APIKey = v
	}
	if v := os.Getenv(bybitSecretENV); v != "" {
		config.Bybit.APISecret = v
	}
	if v := os.Getenv(tokenTelegramENV); v != "" {
		config.Telegram.Token = v
	}
	if v := os.Getenv(chatTelegramENV); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("SCAN_EXCLUDE_COINS"); v != "" {
		config.Scanner.ExcludeCoins = nil
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				config.Scanner.ExcludeCoins = append(config.Scanner.ExcludeCoins, strings.ToUpper(c))
			}
		}
	}

	config.Fun = LoadOptions()
	return config, nil
}
