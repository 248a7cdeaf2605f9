// Package sim provides a stand-in model-execution backend. It follows
// an exponential loss curve with seeded noise so the training loop,
// schedule, and checkpoint paths can be exercised without a real
// network attached.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/jasonacox/jojo/internal/data"
)

type state struct {
	Seed int64 `json:"seed"`
	Step int   `json:"step"`
}

// Backend simulates forward/backward execution. Not safe for
// concurrent use; the controller drives it sequentially.
//
// Training and evaluation draw from separate RNG streams so running
// an evaluation never shifts the training-loss sequence.
type Backend struct {
	rng     *rand.Rand
	evalRng *rand.Rand
	seed    int64
	step    int
	pending int
}

func New(seed int64) *Backend {
	return &Backend{
		rng:     rand.New(rand.NewSource(seed)),
		evalRng: rand.New(rand.NewSource(seed + 1)),
		seed:    seed,
	}
}

func (b *Backend) lossAt(step int, rng *rand.Rand) float64 {
	return 1.2 + 4.0*math.Exp(-float64(step)/2000.0) + 0.05*rng.NormFloat64()
}

func (b *Backend) ForwardBackward(ctx context.Context, batch data.Batch) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if len(batch.Inputs) == 0 {
		return 0, 0, fmt.Errorf("sim: empty batch")
	}
	b.pending++
	loss := b.lossAt(b.step, b.rng)
	// Summed-gradient norm grows with the number of pending
	// micro-batches, as real accumulation does.
	gradNorm := (0.5 + 0.2*b.rng.Float64()) * float64(b.pending)
	return loss, gradNorm, nil
}

func (b *Backend) ApplyUpdate(ctx context.Context, lr, scale float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if lr < 0 || scale <= 0 {
		return fmt.Errorf("sim: invalid update lr=%g scale=%g", lr, scale)
	}
	b.pending = 0
	b.step++
	return nil
}

func (b *Backend) EvalLoss(ctx context.Context, batch data.Batch) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.lossAt(b.step, b.evalRng) + 0.1, nil
}

func (b *Backend) ModelState() ([]byte, error) {
	return json.Marshal(state{Seed: b.seed, Step: b.step})
}

func (b *Backend) OptimizerState() ([]byte, error) {
	return json.Marshal(state{Seed: b.seed, Step: b.step})
}

func (b *Backend) LoadState(modelState, optimizerState []byte) error {
	var s state
	if err := json.Unmarshal(modelState, &s); err != nil {
		return fmt.Errorf("sim: failed to decode model state: %w", err)
	}
	b.seed = s.Seed
	b.step = s.Step
	b.pending = 0
	b.rng = rand.New(rand.NewSource(s.Seed + int64(s.Step)))
	b.evalRng = rand.New(rand.NewSource(s.Seed + int64(s.Step) + 1))
	return nil
}
