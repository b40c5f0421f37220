package position

import "math"

// Adjustment is a proposed per-leg quantity delta. A zero delta means
// the leg is within tolerance.
type Adjustment struct {
	LongDelta  float64
	ShortDelta float64
}

func (a Adjustment) Empty() bool {
	return a.LongDelta == 0 && a.ShortDelta == 0
}

// ProposeAdjustment computes the deltas that restore the hedge ratio.
// Each leg is judged independently against its ideal quantity implied
// by the other leg and the current prices.
func ProposeAdjustment(pos HedgedPosition, longPrice, shortPrice, tolerance float64) Adjustment {
	var adj Adjustment
	if longPrice <= 0 || shortPrice <= 0 {
		return adj
	}
	idealShort := pos.LongLeg.Quantity * (longPrice / shortPrice)
	if idealShort > 0 && math.Abs(pos.ShortLeg.Quantity-idealShort)/idealShort > tolerance {
		adj.ShortDelta = idealShort - pos.ShortLeg.Quantity
	}
	idealLong := pos.ShortLeg.Quantity * (shortPrice / longPrice)
	if idealLong > 0 && math.Abs(pos.LongLeg.Quantity-idealLong)/idealLong > tolerance {
		adj.LongDelta = idealLong - pos.LongLeg.Quantity
	}
	return adj
}
