// Package derived computes fields that are a pure function of other stored
// fields. Every function here is side-effect free and must be called on the
// write path, in the same transaction as the source field update.
//
// A nil result means the metric is undefined for the given inputs. Rounding
// is half away from zero, matching PostgreSQL numeric ROUND.
package derived

import (
	"math"

	"github.com/shopspring/decimal"
)

// Float returns a pointer to v, for building optional inputs.
func Float(v float64) *float64 {
	return &v
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func round(v float64, places int32) *float64 {
	if !finite(v) {
		return nil
	}
	r := decimal.NewFromFloat(v).Round(places).InexactFloat64()
	return &r
}

// RewardRisk returns the reward/risk ratio of a trade plan rounded to two
// places. Long trades earn target-entry and risk entry-stop; short trades
// the reverse. The ratio is undefined when any price is missing or the risk
// is not positive, or when a price is NaN or infinite.
func RewardRisk(entry, target, stop *float64, isLong bool) *float64 {
	if entry == nil || target == nil || stop == nil {
		return nil
	}
	if !finite(*entry, *target, *stop) {
		return nil
	}

	e := decimal.NewFromFloat(*entry)
	t := decimal.NewFromFloat(*target)
	s := decimal.NewFromFloat(*stop)

	var reward, risk decimal.Decimal
	if isLong {
		reward = t.Sub(e)
		risk = e.Sub(s)
	} else {
		reward = e.Sub(t)
		risk = s.Sub(e)
	}
	if !risk.IsPositive() {
		return nil
	}

	r := reward.DivRound(risk, 2).InexactFloat64()
	return &r
}

// TargetForRatio is the inverse of RewardRisk: the target price that yields
// ratio for the given entry and stop. It is undefined when the stop sits on
// the wrong side of the entry.
func TargetForRatio(entry, stop *float64, ratio float64, isLong bool) *float64 {
	if entry == nil || stop == nil || !finite(*entry, *stop, ratio) {
		return nil
	}
	e := decimal.NewFromFloat(*entry)
	s := decimal.NewFromFloat(*stop)
	rr := decimal.NewFromFloat(ratio)

	risk := e.Sub(s)
	if !isLong {
		risk = s.Sub(e)
	}
	if !risk.IsPositive() {
		return nil
	}

	reward := rr.Mul(risk)
	target := e.Add(reward)
	if !isLong {
		target = e.Sub(reward)
	}
	t := target.Round(2).InexactFloat64()
	return &t
}

// InferLong reports whether a plan is a long trade: the target is at or
// above the entry. Plans without both prices default to long.
func InferLong(entry, target *float64) bool {
	if entry == nil || target == nil {
		return true
	}
	return *target >= *entry
}
