package trainer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonacox/jojo/internal/data"
)

// seqEvalBackend returns 1.0, 2.0, 3.0, ... across eval calls.
type seqEvalBackend struct {
	fakeBackend
	mu    sync.Mutex
	calls int
}

func (b *seqEvalBackend) EvalLoss(ctx context.Context, batch data.Batch) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return float64(b.calls), nil
}

func TestEvaluateMeansOverBatches(t *testing.T) {
	backend := &seqEvalBackend{}
	ev := NewEvaluator(backend, &fakeSource{perEpoch: 8}, 4)

	mean, err := ev.Evaluate(context.Background())
	require.NoError(t, err)
	// (1+2+3+4)/4
	assert.InDelta(t, 2.5, mean, 1e-9)
}

// boundedValSource exhausts the val split after capacity batches.
type boundedValSource struct {
	mu       sync.Mutex
	capacity int
	served   int
	resets   int
}

func (s *boundedValSource) NextBatch(ctx context.Context, split data.Split) (data.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served >= s.capacity {
		return data.Batch{}, data.ErrExhausted
	}
	s.served++
	return data.Batch{Inputs: [][]int{{1}}, Targets: [][]int{{2}}}, nil
}

func (s *boundedValSource) Reset(split data.Split) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.served = 0
	s.resets++
}

func (s *boundedValSource) BatchesPerEpoch(split data.Split) int { return s.capacity }

func TestEvaluateWrapsSmallSplit(t *testing.T) {
	backend := &seqEvalBackend{}
	src := &boundedValSource{capacity: 3}
	ev := NewEvaluator(backend, src, 8)

	mean, err := ev.Evaluate(context.Background())
	require.NoError(t, err)
	// Wrapped passes still deliver the full batch budget.
	assert.InDelta(t, 4.5, mean, 1e-9) // mean of 1..8
	assert.GreaterOrEqual(t, src.resets, 2)
}

// emptyValSource never yields a batch, even after resets.
type emptyValSource struct{}

func (emptyValSource) NextBatch(ctx context.Context, split data.Split) (data.Batch, error) {
	return data.Batch{}, data.ErrExhausted
}
func (emptyValSource) Reset(split data.Split)           {}
func (emptyValSource) BatchesPerEpoch(s data.Split) int { return 0 }

func TestEvaluateEmptySplitErrors(t *testing.T) {
	ev := NewEvaluator(newFakeBackend(), emptyValSource{}, 4)

	done := make(chan error, 1)
	go func() {
		_, err := ev.Evaluate(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "no batches")
	case <-time.After(2 * time.Second):
		t.Fatal("Evaluate did not return on an empty val split")
	}
}

func TestEvaluateResetsBeforeRunning(t *testing.T) {
	src := &boundedValSource{capacity: 4}
	ev := NewEvaluator(newFakeBackend(), src, 2)

	_, err := ev.Evaluate(context.Background())
	require.NoError(t, err)
	_, err = ev.Evaluate(context.Background())
	require.NoError(t, err)

	// Each run starts from a reset split, so back-to-back evaluations
	// see the identical sampling stream.
	assert.GreaterOrEqual(t, src.resets, 2)
}
