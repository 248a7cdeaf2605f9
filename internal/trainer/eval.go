package trainer

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/jasonacox/jojo/internal/data"
)

// Evaluator estimates loss on the held-out split using a fixed number
// of batches. The split is reset before every run so evaluation is
// reproducible for a given seed and never perturbs training's
// sampling stream.
type Evaluator struct {
	backend Backend
	source  data.Source
	iters   int
}

func NewEvaluator(backend Backend, source data.Source, iters int) *Evaluator {
	return &Evaluator{backend: backend, source: source, iters: iters}
}

// Evaluate returns the arithmetic mean loss over the configured number
// of validation batches. A split smaller than the batch budget wraps
// around.
func (e *Evaluator) Evaluate(ctx context.Context) (float64, error) {
	e.source.Reset(data.Val)

	losses := make([]float64, 0, e.iters)
	wrapped := false
	for len(losses) < e.iters {
		batch, err := e.source.NextBatch(ctx, data.Val)
		if errors.Is(err, data.ErrExhausted) {
			if wrapped {
				// Exhausted again right after a reset: the split is
				// tiny or empty, settle for what we have.
				break
			}
			e.source.Reset(data.Val)
			wrapped = true
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("eval batch fetch failed: %w", err)
		}

		loss, err := e.backend.EvalLoss(ctx, batch)
		if err != nil {
			return 0, fmt.Errorf("eval forward pass failed: %w", err)
		}
		losses = append(losses, loss)
		wrapped = false
	}
	if len(losses) == 0 {
		return 0, errors.New("eval produced no batches")
	}
	return stat.Mean(losses, nil), nil
}
