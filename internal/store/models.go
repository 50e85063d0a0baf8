package store

import (
	"time"

	"gorm.io/gorm"

	"watchsync/internal/derived"
)

const (
	EntityWatchlist = "watchlist"
	EntityValuation = "valuation"
)

// keyColumn is the natural key every entity is addressed by.
const keyColumn = "ticker"

// Entity is a stored record whose derived columns are a pure function of
// its source columns.
type Entity interface {
	EntityType() string
	EntityID() string
	// Recompute refreshes every derived column from the source columns.
	Recompute()
	record() *Record
}

// Record holds the columns shared by every entity.
type Record struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Record) record() *Record {
	return r
}

// WatchlistEntry is a trade plan for one ticker.
type WatchlistEntry struct {
	Record
	Ticker string   `gorm:"size:32;uniqueIndex;not null"`
	Entry  *float64 `gorm:"column:entry"`
	Target *float64 `gorm:"column:target"`
	Stop   *float64 `gorm:"column:stop"`
	IsLong bool     `gorm:"not null;default:true"`
	Notes  string

	RewardRiskRatio *float64 `gorm:"column:reward_risk_ratio"`
}

func (WatchlistEntry) TableName() string {
	return "watchlist"
}

func (w *WatchlistEntry) EntityType() string {
	return EntityWatchlist
}

func (w *WatchlistEntry) EntityID() string {
	return w.Ticker
}

func (w *WatchlistEntry) Recompute() {
	w.RewardRiskRatio = derived.RewardRisk(w.Entry, w.Target, w.Stop, w.IsLong)
}

// BeforeSave runs inside the write transaction, so a reader never sees the
// source columns without the matching ratio.
func (w *WatchlistEntry) BeforeSave(tx *gorm.DB) error {
	w.Recompute()
	return nil
}

// Valuation is the fundamentals snapshot for one ticker.
type Valuation struct {
	Record
	Ticker       string   `gorm:"size:32;uniqueIndex;not null"`
	CurrentPrice *float64 `gorm:"column:current_price"`
	HEPSStart    *float64 `gorm:"column:heps_start"`
	HEPSEnd      *float64 `gorm:"column:heps_end"`
	NAV          *float64 `gorm:"column:nav"`
	Dividend     *float64 `gorm:"column:dividend"`
	Years        int      `gorm:"column:years;not null;default:1"`

	PE              *float64 `gorm:"column:pe"`
	DivYield        *float64 `gorm:"column:div_yield"`
	CAGR            *float64 `gorm:"column:cagr"`
	PEG             *float64 `gorm:"column:peg"`
	GrahamFairValue *float64 `gorm:"column:graham_fair_value"`
	PremiumPct      *float64 `gorm:"column:premium_pct"`
	PToNAV          *float64 `gorm:"column:p_to_nav"`
	EarningsYield   *float64 `gorm:"column:earnings_yield"`
}

func (Valuation) TableName() string {
	return "valuations"
}

func (v *Valuation) EntityType() string {
	return EntityValuation
}

func (v *Valuation) EntityID() string {
	return v.Ticker
}

func (v *Valuation) Recompute() {
	out := derived.Valuation(derived.ValuationInput{
		CurrentPrice: v.CurrentPrice,
		HEPSStart:    v.HEPSStart,
		HEPSEnd:      v.HEPSEnd,
		NAV:          v.NAV,
		Dividend:     v.Dividend,
		Years:        v.Years,
	})
	v.PE = out.PE
	v.DivYield = out.DivYield
	v.CAGR = out.CAGR
	v.PEG = out.PEG
	v.GrahamFairValue = out.GrahamFairValue
	v.PremiumPct = out.PremiumPct
	v.PToNAV = out.PToNAV
	v.EarningsYield = out.EarningsYield
}

func (v *Valuation) BeforeSave(tx *gorm.DB) error {
	v.Recompute()
	return nil
}

// Models lists every table, for migrations in tests and tooling.
func Models() []any {
	return []any{&WatchlistEntry{}, &Valuation{}}
}
