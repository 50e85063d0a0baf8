package derived

import "math"

// grahamMultiplier is the Graham number constant: a P/E of 15 times a P/B of 1.5.
const grahamMultiplier = 22.5

// ValuationInput holds the source fields of a valuation record. Prices are
// per share; HEPS is headline earnings per share at the start and end of a
// span of Years.
type ValuationInput struct {
	CurrentPrice *float64
	HEPSStart    *float64
	HEPSEnd      *float64
	NAV          *float64
	Dividend     *float64
	Years        int
}

// ValuationResult holds every metric derived from a ValuationInput.
type ValuationResult struct {
	PE              *float64
	DivYield        *float64
	CAGR            *float64
	PEG             *float64
	GrahamFairValue *float64
	PremiumPct      *float64
	PToNAV          *float64
	EarningsYield   *float64
}

// Valuation derives the valuation ratios. Later metrics are computed from the
// already rounded earlier ones so that any client replaying the formulas gets
// the exact same numbers.
func Valuation(in ValuationInput) ValuationResult {
	var out ValuationResult

	price, hasPrice := value(in.CurrentPrice)
	start, hasStart := value(in.HEPSStart)
	end, hasEnd := value(in.HEPSEnd)
	nav, hasNAV := value(in.NAV)
	dividend, hasDividend := value(in.Dividend)

	if hasPrice && hasEnd && end != 0 {
		out.PE = round(price/end, 2)
	}

	if hasPrice && hasDividend && price != 0 {
		out.DivYield = round(dividend/price*100, 2)
	}

	if hasStart && hasEnd && start > 0 && end > 0 && in.Years >= 1 {
		out.CAGR = round((math.Pow(end/start, 1/float64(in.Years))-1)*100, 2)
	}

	if out.PE != nil && out.CAGR != nil && end > start && *out.CAGR != 0 {
		out.PEG = round(*out.PE / *out.CAGR, 2)
	}

	if hasEnd && hasNAV && end > 0 && nav > 0 {
		out.GrahamFairValue = round(math.Sqrt(grahamMultiplier*end*nav), 0)
	}

	if hasPrice && out.GrahamFairValue != nil && *out.GrahamFairValue != 0 {
		fair := *out.GrahamFairValue
		out.PremiumPct = round((price-fair)/fair*100, 2)
	}

	if hasPrice && hasNAV && nav > 0 {
		out.PToNAV = round(price/nav, 2)
	}

	if hasPrice && hasEnd && price > 0 && end > 0 {
		out.EarningsYield = round(end/price*100, 2)
	}

	return out
}

func value(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}
