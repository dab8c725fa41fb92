package config

import "github.com/spf13/viper"

// Options — настройки fun-пайплайна. Все ключи читаются из окружения
// с префиксом FUN_: FUN_OPEN_EARLY_MS, FUN_ENTRY_BASE_BPS и т.д.
type Options struct {
	// Тайминг вокруг выплаты.
	FastPrepLeadSec      float64
	FastCloseDelaySec    float64
	FastCloseMaxAttempts int
	OpenEarlyMS          int64
	WSFixLeadMS          int64
	LateTolMS            int64

	// Admission.
	EntryBaseBps     float64
	EntryFundingMult float64
	EntryMinBps      float64
	EntryMaxBps      float64

	// Цена открытия.
	OpenLimitTicks     int
	OpenSafetyTicks    int
	OpenSafetyMinTicks int

	// Safety.
	OpenMaxStalenessMS  int64
	BalanceBufferUSDT   float64
	BalanceFeeSafetyBps float64

	// Каналы: false => REST-only (медленный путь).
	UseTradeWS bool
}

func LoadOptions() Options {
	v := viper.New()
	v.SetEnvPrefix("FUN")
	v.AutomaticEnv()

	v.SetDefault("fast_prep_lead_sec", 2.0)
	v.SetDefault("fast_close_delay_sec", 1.2)
	v.SetDefault("fast_close_max_attempts", 15)
	v.SetDefault("open_early_ms", 30)
	v.SetDefault("ws_fix_lead_ms", 30)
	v.SetDefault("late_tol_ms", 400)

	v.SetDefault("entry_base_bps", 40.0)
	v.SetDefault("entry_funding_mult", 0.9)
	v.SetDefault("entry_min_bps", 30.0)
	v.SetDefault("entry_max_bps", 2500.0)

	v.SetDefault("open_limit_ticks", 1)
	v.SetDefault("open_safety_ticks", 1)
	v.SetDefault("open_safety_min_ticks", 3)

	v.SetDefault("open_max_staleness_ms", 200)
	v.SetDefault("balance_buffer_usdt", 0.0)
	v.SetDefault("balance_fee_safety_bps", 20.0)

	v.SetDefault("use_trade_ws", 1)

	return Options{
		FastPrepLeadSec:      v.GetFloat64("fast_prep_lead_sec"),
		FastCloseDelaySec:    v.GetFloat64("fast_close_delay_sec"),
		FastCloseMaxAttempts: v.GetInt("fast_close_max_attempts"),
		OpenEarlyMS:          v.GetInt64("open_early_ms"),
		WSFixLeadMS:          v.GetInt64("ws_fix_lead_ms"),
		LateTolMS:            v.GetInt64("late_tol_ms"),

		EntryBaseBps:     v.GetFloat64("entry_base_bps"),
		EntryFundingMult: v.GetFloat64("entry_funding_mult"),
		EntryMinBps:      v.GetFloat64("entry_min_bps"),
		EntryMaxBps:      v.GetFloat64("entry_max_bps"),

		OpenLimitTicks:     v.GetInt("open_limit_ticks"),
		OpenSafetyTicks:    v.GetInt("open_safety_ticks"),
		OpenSafetyMinTicks: v.GetInt("open_safety_min_ticks"),

		OpenMaxStalenessMS:  v.GetInt64("open_max_staleness_ms"),
		BalanceBufferUSDT:   v.GetFloat64("balance_buffer_usdt"),
		BalanceFeeSafetyBps: v.GetFloat64("balance_fee_safety_bps"),

		UseTradeWS: v.GetBool("use_trade_ws"),
	}
}
