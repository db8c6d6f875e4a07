// FILE: config.go
// Package main – Runtime configuration model and loaders.
//
// Two configuration surfaces live here:
//   1) EngineConfig – the trading-engine knobs, populated from the process
//      env (hydrated from .env by loadHarnessEnv, see env.go).
//   2) loadExchangeOverrides – optional YAML file applied on top of an
//      episode's ExchangeConfig via the --config flag.
//
// Typical flow (see main.go):
//   loadHarnessEnv()
//   initThresholdsFromEnv()
//   cfg := loadEngineConfigFromEnv()

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the trading-engine knobs for a replay run.
type EngineConfig struct {
	// Sizing & safety
	RiskPerTradePct    float64 // % of equity risked per entry
	MaxDailyLossPct    float64 // kill switch threshold
	TakeProfitPct      float64 // distance of the take-profit order
	StopLossPct        float64 // distance of the protective stop
	OrderMinUSD        float64 // engine-side notional floor
	Leverage           float64
	MaxOrdersPerMinute int // order rate limiter budget

	// Data
	WarmupBars int // bars required before the first decision
	Timeframe  string

	// When true the engine only trades long from flat (futures still allow
	// reduce-only sells against an open long).
	LongOnly bool
}

// loadEngineConfigFromEnv reads the process env and returns an EngineConfig
// with sane defaults when keys are missing.
func loadEngineConfigFromEnv() EngineConfig {
	return EngineConfig{
		RiskPerTradePct:    getEnvFloat("RISK_PER_TRADE_PCT", 0.25),
		MaxDailyLossPct:    getEnvFloat("MAX_DAILY_LOSS_PCT", 5.0),
		TakeProfitPct:      getEnvFloat("TAKE_PROFIT_PCT", 0.8),
		StopLossPct:        getEnvFloat("STOP_LOSS_PCT", 0.4),
		OrderMinUSD:        getEnvFloat("ORDER_MIN_USD", 10.0),
		Leverage:           getEnvFloat("LEVERAGE", 7.0),
		MaxOrdersPerMinute: getEnvInt("MAX_ORDERS_PER_MINUTE", 15),
		WarmupBars:         getEnvInt("WARMUP_BARS", 40),
		Timeframe:          getEnv("TIMEFRAME", "1m"),
		LongOnly:           getEnvBool("LONG_ONLY", false),
	}
}

// --------- Tunable strategy thresholds (initialized in main) ---------

var (
	buyThreshold  float64 // RSI level below which dips are bought
	sellThreshold float64 // RSI level above which rips are sold
	useMAFilter   bool    // require the MA regime to agree
)

func initThresholdsFromEnv() {
	buyThreshold = getEnvFloat("BUY_THRESHOLD", 35)
	sellThreshold = getEnvFloat("SELL_THRESHOLD", 65)
	useMAFilter = getEnvBool("USE_MA_FILTER", true)
}

// loadExchangeOverrides applies a YAML override file onto cfg in place.
// Only keys present in the file are touched (yaml.Unmarshal merge semantics).
func loadExchangeOverrides(path string, cfg *ExchangeConfig) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read exchange config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("parse exchange config %s: %w", path, err)
	}
	return nil
}
