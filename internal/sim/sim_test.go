package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonacox/jojo/internal/data"
)

func testBatch() data.Batch {
	return data.Batch{Inputs: [][]int{{1, 2}}, Targets: [][]int{{2, 3}}}
}

func TestLossCurveDecreases(t *testing.T) {
	b := New(1)
	ctx := context.Background()

	early, _, err := b.ForwardBackward(ctx, testBatch())
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		_, _, err := b.ForwardBackward(ctx, testBatch())
		require.NoError(t, err)
		require.NoError(t, b.ApplyUpdate(ctx, 1e-4, 1.0))
	}

	late, _, err := b.ForwardBackward(ctx, testBatch())
	require.NoError(t, err)
	assert.Less(t, late, early)
}

func TestGradNormGrowsWithPending(t *testing.T) {
	b := New(2)
	ctx := context.Background()

	_, first, err := b.ForwardBackward(ctx, testBatch())
	require.NoError(t, err)

	var last float64
	for i := 0; i < 10; i++ {
		_, norm, err := b.ForwardBackward(ctx, testBatch())
		require.NoError(t, err)
		last = norm
	}
	assert.Greater(t, last, first)

	// An update flushes the accumulator.
	require.NoError(t, b.ApplyUpdate(ctx, 1e-4, 0.5))
	_, reset, err := b.ForwardBackward(ctx, testBatch())
	require.NoError(t, err)
	assert.Less(t, reset, last)
}

func TestApplyUpdateRejectsBadArguments(t *testing.T) {
	b := New(3)
	ctx := context.Background()

	assert.Error(t, b.ApplyUpdate(ctx, -1, 1))
	assert.Error(t, b.ApplyUpdate(ctx, 1e-4, 0))
}

func TestForwardBackwardRejectsEmptyBatch(t *testing.T) {
	b := New(4)
	_, _, err := b.ForwardBackward(context.Background(), data.Batch{})
	assert.ErrorContains(t, err, "empty batch")
}

func TestEvalDoesNotPerturbTrainingLosses(t *testing.T) {
	plain := New(6)
	interleaved := New(6)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		want, _, err := plain.ForwardBackward(ctx, testBatch())
		require.NoError(t, err)
		require.NoError(t, plain.ApplyUpdate(ctx, 1e-4, 1.0))

		// An eval draw in between must leave the training stream alone.
		_, err = interleaved.EvalLoss(ctx, testBatch())
		require.NoError(t, err)
		got, _, err := interleaved.ForwardBackward(ctx, testBatch())
		require.NoError(t, err)
		require.NoError(t, interleaved.ApplyUpdate(ctx, 1e-4, 1.0))

		assert.Equal(t, want, got, "step %d", i)
	}
}

func TestStateRoundtrip(t *testing.T) {
	b := New(5)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, _, err := b.ForwardBackward(ctx, testBatch())
		require.NoError(t, err)
		require.NoError(t, b.ApplyUpdate(ctx, 1e-4, 1.0))
	}

	ms, err := b.ModelState()
	require.NoError(t, err)
	os, err := b.OptimizerState()
	require.NoError(t, err)

	restored := New(99)
	require.NoError(t, restored.LoadState(ms, os))
	assert.Equal(t, b.step, restored.step)
	assert.Equal(t, b.seed, restored.seed)

	assert.Error(t, restored.LoadState([]byte("junk"), nil))
}
