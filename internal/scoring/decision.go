// Package scoring holds the anomaly decision rule and the scorer implementations:
// an in-process autoencoder loaded from NumPy weight files, a gRPC client for
// a remote model server and a constant scorer for wiring tests.
package scoring

import (
	"context"
	"fmt"
	"math"

	"NetAnomaly/internal/model"
)

// Decide applies the anomaly rule score > threshold. A NaN score yields an
// unknown verdict.
func Decide(score, threshold float64) model.Verdict {
	if math.IsNaN(score) {
		return model.VerdictUnknown
	}
	if score > threshold {
		return model.VerdictAnomalous
	}
	return model.VerdictNormal
}

// Constant scores every vector with the same value.
type Constant float64

// Score implements model.Scorer.
func (c Constant) Score(context.Context, model.Vector) (float64, error) {
	return float64(c), nil
}

func checkScore(score float64) (float64, error) {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return math.NaN(), fmt.Errorf("%w: non-finite score %v", model.ErrScorerFailure, score)
	}
	return score, nil
}
