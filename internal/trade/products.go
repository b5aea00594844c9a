package trade

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/config"
)

// ContractProduct is a fixed-duration up/down contract.
type ContractProduct struct {
	ID         string          `json:"id"`
	Duration   time.Duration   `json:"duration"`
	ProfitRate decimal.Decimal `json:"profit_rate"`
	MinAmount  decimal.Decimal `json:"min_amount"`
}

// DailyProduct pays DailyRate per day for PeriodDays days.
type DailyProduct struct {
	ID         string          `json:"id"`
	Asset      string          `json:"asset"`
	DailyRate  decimal.Decimal `json:"daily_rate"`
	PeriodDays int             `json:"period_days"`
	MinAmount  decimal.Decimal `json:"min_amount"`
}

// HourlyProduct pays Rate once after Hours hours.
type HourlyProduct struct {
	ID        string          `json:"id"`
	Asset     string          `json:"asset"`
	Hours     int             `json:"hours"`
	Rate      decimal.Decimal `json:"rate"`
	MinAmount decimal.Decimal `json:"min_amount"`
}

// Catalog holds the products users can place positions in.
type Catalog struct {
	Contracts map[string]ContractProduct
	Daily     map[string]DailyProduct
	Hourly    map[string]HourlyProduct
}

// NewCatalog builds a catalog from configuration.
func NewCatalog(cfg config.ProductsConfig) *Catalog {
	c := &Catalog{
		Contracts: make(map[string]ContractProduct, len(cfg.Contracts)),
		Daily:     make(map[string]DailyProduct, len(cfg.Daily)),
		Hourly:    make(map[string]HourlyProduct, len(cfg.Hourly)),
	}
	for _, p := range cfg.Contracts {
		c.Contracts[p.ID] = ContractProduct{ID: p.ID, Duration: p.Duration, ProfitRate: p.ProfitRate, MinAmount: p.MinAmount}
	}
	for _, p := range cfg.Daily {
		c.Daily[p.ID] = DailyProduct{ID: p.ID, Asset: p.Asset, DailyRate: p.DailyRate, PeriodDays: p.PeriodDays, MinAmount: p.MinAmount}
	}
	for _, p := range cfg.Hourly {
		c.Hourly[p.ID] = HourlyProduct{ID: p.ID, Asset: p.Asset, Hours: p.Hours, Rate: p.Rate, MinAmount: p.MinAmount}
	}
	return c
}
