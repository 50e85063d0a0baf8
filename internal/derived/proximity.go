package derived

import "math"

// DefaultProximityBand is the fraction of a level within which a price counts as near it.
const DefaultProximityBand = 0.02

// Zone classifies where a price sits relative to a trade plan.
type Zone int

const (
	ZoneNone Zone = iota
	ZoneNoData
	ZoneStop
	ZoneEntry
	ZoneTarget
	// ZoneDistance carries the distance to entry when no level is near.
	ZoneDistance
)

func (z Zone) String() string {
	switch z {
	case ZoneNoData:
		return "no data"
	case ZoneStop:
		return "stop"
	case ZoneEntry:
		return "entry"
	case ZoneTarget:
		return "target"
	case ZoneDistance:
		return "distance"
	default:
		return "none"
	}
}

// ProximityStatus is the zone a price is in and its absolute distance from
// the relevant level, as a percent rounded to one place.
type ProximityStatus struct {
	Zone    Zone
	Percent float64
}

// Proximity reports how close price is to the stop, entry and target of a
// plan, checked in that order. band is the nearness fraction; zero or less
// selects DefaultProximityBand.
func Proximity(price, entry, stop, target *float64, isLong bool, band float64) ProximityStatus {
	if price == nil {
		return ProximityStatus{Zone: ZoneNoData}
	}
	if band <= 0 {
		band = DefaultProximityBand
	}
	p := *price

	if s, ok := value(stop); ok && s != 0 {
		if (isLong && p <= s*(1+band)) || (!isLong && p >= s*(1-band)) {
			return status(ZoneStop, (p-s)/s)
		}
	}

	e, hasEntry := value(entry)
	hasEntry = hasEntry && e != 0
	if hasEntry {
		if isLong && p >= e && p <= e*(1+band) {
			return status(ZoneEntry, (p-e)/e)
		}
		// strict bounds for shorts: the lower boundary itself reports distance
		if !isLong && p < e && p > e*(1-band) {
			return status(ZoneEntry, (e-p)/e)
		}
	}

	if t, ok := value(target); ok && t != 0 {
		if math.Abs(p-t)/t <= band {
			return status(ZoneTarget, (t-p)/t)
		}
	}

	if hasEntry {
		return status(ZoneDistance, (e-p)/e)
	}
	return ProximityStatus{Zone: ZoneNone}
}

func status(z Zone, frac float64) ProximityStatus {
	pct := 0.0
	if r := round(math.Abs(frac)*100, 1); r != nil {
		pct = *r
	}
	return ProximityStatus{Zone: z, Percent: pct}
}
