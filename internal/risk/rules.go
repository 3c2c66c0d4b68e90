package risk

import (
	"errors"
	"fmt"

	"grid-bot/internal/config"
	"grid-bot/internal/venue"
)

var (
	ErrIndicatorsMissing   = errors.New("indicators missing")
	ErrIndicatorsMalformed = errors.New("indicators malformed")
	ErrStrongTrend         = errors.New("strong trend")
	ErrTrendRSI            = errors.New("rsi extreme in trending market")
	ErrRangeRSI            = errors.New("rsi outside ranging band")
)

// Evaluate returns nil when the indicators allow grid trading. Any error means cooldown.
func Evaluate(cfg config.RiskConfig, ind venue.Indicators) error {
	if !ind.Complete() {
		return fmt.Errorf("rsi present=%t adx present=%t: %w", ind.HasRSI, ind.HasADX, ErrIndicatorsMissing)
	}
	if ind.Malformed() {
		return fmt.Errorf("rsi=%v adx=%v: %w", ind.RSI, ind.ADX, ErrIndicatorsMalformed)
	}
	if ind.ADX > cfg.ADXStrongTrendThreshold {
		return fmt.Errorf("adx %.2f > %.2f: %w", ind.ADX, cfg.ADXStrongTrendThreshold, ErrStrongTrend)
	}
	if ind.ADX > cfg.ADXTrendThreshold {
		lo := cfg.RSIMin - cfg.TrendRSIToleranceValue()
		hi := cfg.RSIMax + cfg.TrendRSIToleranceValue()
		if ind.RSI < lo || ind.RSI > hi {
			return fmt.Errorf("rsi %.2f outside [%.2f, %.2f] with adx %.2f: %w", ind.RSI, lo, hi, ind.ADX, ErrTrendRSI)
		}
		return nil
	}
	if ind.RSI < cfg.RSIMin || ind.RSI > cfg.RSIMax {
		return fmt.Errorf("rsi %.2f outside [%.2f, %.2f]: %w", ind.RSI, cfg.RSIMin, cfg.RSIMax, ErrRangeRSI)
	}
	return nil
}

// Regime names the market regime for logs and metrics labels.
func Regime(cfg config.RiskConfig, ind venue.Indicators) string {
	switch {
	case !ind.Complete() || ind.Malformed():
		return "unknown"
	case ind.ADX > cfg.ADXStrongTrendThreshold:
		return "strong_trend"
	case ind.ADX > cfg.ADXTrendThreshold:
		return "trend"
	default:
		return "range"
	}
}
