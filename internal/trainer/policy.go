package trainer

import (
	"fmt"
	"math"
)

// clipEpsilon guards the clip-ratio division when the gradient norm is
// zero.
const clipEpsilon = 1e-6

// DivergenceError reports a non-finite loss or gradient norm. It is
// fatal: the run aborts after a best-effort emergency checkpoint.
type DivergenceError struct {
	Step     int
	Quantity string
	Value    float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("training diverged at step %d: %s is %v", e.Step, e.Quantity, e.Value)
}

// ShouldApplyUpdate reports whether the optimizer step applies after
// the given zero-based micro-step: true exactly once per accumSteps
// consecutive micro-steps, starting at index accumSteps-1.
func ShouldApplyUpdate(microStep, accumSteps int) bool {
	return (microStep+1)%accumSteps == 0
}

// ClipScale returns the multiplicative factor that rescales gradients
// so their global norm does not exceed clipNorm. A clipNorm of zero
// disables clipping. The caller must reject non-finite norms before
// calling; ClipScale never silently clips a NaN or Inf.
func ClipScale(gradNorm, clipNorm float64) float64 {
	if clipNorm == 0 {
		return 1
	}
	scale := clipNorm / (gradNorm + clipEpsilon)
	if scale > 1 {
		return 1
	}
	return scale
}

// ShouldCheckpoint reports whether an interval-triggered checkpoint is
// due at the given step. An interval of zero disables interval saves.
func ShouldCheckpoint(globalStep, interval int) bool {
	return interval > 0 && globalStep%interval == 0
}

// IsBest reports whether an evaluation result supersedes the best seen
// so far.
func IsBest(evalLoss, bestSoFar float64) bool {
	return evalLoss < bestSoFar
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
