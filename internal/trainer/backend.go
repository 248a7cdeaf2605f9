package trainer

import (
	"context"

	"github.com/jasonacox/jojo/internal/data"
)

// Backend is the model-execution capability the controller drives. The
// forward/backward computation, device placement, and precision all
// live behind it; the controller only sequences calls and applies the
// schedule/clipping decisions.
type Backend interface {
	// ForwardBackward runs one micro-batch through the model and
	// accumulates its gradients. The returned gradNorm is the global
	// norm of all gradients accumulated since the last ApplyUpdate.
	ForwardBackward(ctx context.Context, batch data.Batch) (loss, gradNorm float64, err error)

	// ApplyUpdate performs one optimizer step at the given learning
	// rate, multiplying every accumulated gradient by scale first,
	// then zeroes the gradients.
	ApplyUpdate(ctx context.Context, lr, scale float64) error

	// EvalLoss computes the loss for a batch without touching
	// parameters or gradients.
	EvalLoss(ctx context.Context, batch data.Batch) (float64, error)

	// ModelState and OptimizerState serialize the backend's state for
	// checkpointing; LoadState restores both.
	ModelState() ([]byte, error)
	OptimizerState() ([]byte, error)
	LoadState(modelState, optimizerState []byte) error
}

// MetricSink receives training metrics as they are produced. The
// tracking package provides an MLflow-backed implementation.
type MetricSink interface {
	LogMetric(ctx context.Context, key string, value float64, step int) error
	// Close ends the sink's run with a terminal status.
	Close(ctx context.Context, failed bool) error
}
