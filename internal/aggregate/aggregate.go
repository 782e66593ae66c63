// Package aggregate turns per-face probabilities into a single video verdict.
package aggregate

import (
	"math"
	"strconv"

	"github.com/andresmejia3/deepscan/internal/types"
)

// Sigmoid maps a raw classifier logit to the probability that the face is real.
func Sigmoid(logit float64) float64 {
	// Split on sign so exp never overflows
	if logit >= 0 {
		return 1 / (1 + math.Exp(-logit))
	}
	e := math.Exp(logit)
	return e / (1 + e)
}

// Aggregate averages the per-face "real" probabilities. The label is Real only when the mean
// is strictly above 0.5; a mean of exactly 0.5 is Fake.
func Aggregate(probabilities []float64) types.Verdict {
	if len(probabilities) == 0 {
		return types.Verdict{
			Confidence: types.Confidence{Real: 0.0, Fake: 0.0},
			Message:    types.NoFacesMessage,
		}
	}

	var sum float64
	for _, p := range probabilities {
		sum += p
	}
	avg := sum / float64(len(probabilities))

	label := types.LabelFake
	if avg > 0.5 {
		label = types.LabelReal
	}

	return types.Verdict{
		Label: label,
		Confidence: types.Confidence{
			Real: round3(avg),
			Fake: round3(1 - avg),
		},
		Faces: len(probabilities),
	}
}

// round3 rounds to 3 decimals from the exact binary value (same result as a decimal formatter).
func round3(v float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 3, 64), 64)
	return r
}
