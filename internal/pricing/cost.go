package pricing

import "github.com/shopspring/decimal"

// CalculateCost prices prompt and completion units in micros. Each term is
// rounded half-up on its own before summing, so splitting a call into its
// prompt and completion parts never changes the total.
func CalculateCost(rate ResolvedRate, promptUnits, completionUnits int64) int64 {
	return termCost(promptUnits, rate.InputPerMillion) + termCost(completionUnits, rate.OutputPerMillion)
}

func termCost(units, perMillion int64) int64 {
	if units <= 0 || perMillion <= 0 {
		return 0
	}
	return decimal.NewFromInt(units).
		Mul(decimal.NewFromInt(perMillion)).
		Shift(-6).
		Round(0).
		IntPart()
}
