package grid

import (
	"grid-bot/internal/config"

	"github.com/shopspring/decimal"
)

// Params is GridConfig converted to decimals once so ladder arithmetic stays exact.
type Params struct {
	TotalOrders    int
	WindowPercent  decimal.Decimal
	SellRatio      decimal.Decimal
	BaseInterval   decimal.Decimal
	SafeGap        decimal.Decimal
	MaxDriftBuffer decimal.Decimal
	MinValidPrice  decimal.Decimal
	MaxMultiplier  decimal.Decimal
	MinRatio       decimal.Decimal
	MaxRatio       decimal.Decimal
	MaxCancels     int
	Epsilon        decimal.Decimal
}

func NewParams(cfg config.GridConfig) Params {
	return Params{
		TotalOrders:    cfg.TotalOrders,
		WindowPercent:  decimal.NewFromFloat(cfg.WindowPercent),
		SellRatio:      decimal.NewFromFloat(cfg.SellRatio),
		BaseInterval:   decimal.NewFromFloat(cfg.BaseInterval),
		SafeGap:        decimal.NewFromFloat(cfg.SafeGapValue()),
		MaxDriftBuffer: decimal.NewFromFloat(cfg.MaxDriftBufferValue()),
		MinValidPrice:  decimal.NewFromFloat(cfg.MinValidPrice),
		MaxMultiplier:  decimal.NewFromFloat(cfg.MaxMultiplier),
		MinRatio:       decimal.NewFromFloat(cfg.MinRatioValue()),
		MaxRatio:       decimal.NewFromFloat(cfg.MaxRatio),
		MaxCancels:     cfg.MaxCancelsValue(),
		Epsilon:        decimal.NewFromFloat(cfg.OrderSizeEpsilon),
	}
}
