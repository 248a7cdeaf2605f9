package data

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenRange(n int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = i % 64
	}
	return tokens
}

func newTestSource(t *testing.T) *TokenSource {
	t.Helper()
	src := NewTokenSource(2, 8, 42)
	src.SetSplit(Train, tokenRange(512))
	src.SetSplit(Val, tokenRange(256))
	return src
}

func TestNextBatchShape(t *testing.T) {
	src := newTestSource(t)

	batch, err := src.NextBatch(context.Background(), Train)
	require.NoError(t, err)
	require.Len(t, batch.Inputs, 2)
	require.Len(t, batch.Targets, 2)
	for i := range batch.Inputs {
		assert.Len(t, batch.Inputs[i], 8)
		assert.Len(t, batch.Targets[i], 8)
		// Targets are inputs shifted by one token.
		assert.Equal(t, batch.Inputs[i][1:], batch.Targets[i][:7])
	}
}

func TestSamplingIsDeterministicPerSeed(t *testing.T) {
	a := newTestSource(t)
	b := newTestSource(t)

	for i := 0; i < 5; i++ {
		ba, err := a.NextBatch(context.Background(), Train)
		require.NoError(t, err)
		bb, err := b.NextBatch(context.Background(), Train)
		require.NoError(t, err)
		if diff := cmp.Diff(ba, bb); diff != "" {
			t.Fatalf("batch %d mismatch (-a +b):\n%s", i, diff)
		}
	}
}

func TestValDrawsDoNotPerturbTrainStream(t *testing.T) {
	plain := newTestSource(t)
	interleaved := newTestSource(t)

	var want []Batch
	for i := 0; i < 4; i++ {
		b, err := plain.NextBatch(context.Background(), Train)
		require.NoError(t, err)
		want = append(want, b)
	}

	var got []Batch
	for i := 0; i < 4; i++ {
		// Val draws in between must not shift train sampling.
		_, err := interleaved.NextBatch(context.Background(), Val)
		require.NoError(t, err)
		b, err := interleaved.NextBatch(context.Background(), Train)
		require.NoError(t, err)
		got = append(got, b)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("train stream perturbed by val draws (-want +got):\n%s", diff)
	}
}

func TestExhaustionAndReset(t *testing.T) {
	src := NewTokenSource(2, 8, 7)
	src.SetSplit(Train, tokenRange(64)) // 64/(2*8) = 4 batches per epoch

	require.Equal(t, 4, src.BatchesPerEpoch(Train))

	first, err := src.NextBatch(context.Background(), Train)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := src.NextBatch(context.Background(), Train)
		require.NoError(t, err)
	}

	_, err = src.NextBatch(context.Background(), Train)
	require.ErrorIs(t, err, ErrExhausted)

	// Reset restores the seeded stream from the top.
	src.Reset(Train)
	again, err := src.NextBatch(context.Background(), Train)
	require.NoError(t, err)
	if diff := cmp.Diff(first, again); diff != "" {
		t.Fatalf("reset did not restore stream (-first +again):\n%s", diff)
	}
}

func TestNextBatchErrors(t *testing.T) {
	src := NewTokenSource(2, 8, 1)

	_, err := src.NextBatch(context.Background(), Train)
	assert.ErrorContains(t, err, "not loaded")

	src.SetSplit(Train, tokenRange(4))
	_, err = src.NextBatch(context.Background(), Train)
	assert.ErrorContains(t, err, "need at least")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src.SetSplit(Train, tokenRange(512))
	_, err = src.NextBatch(ctx, Train)
	assert.ErrorIs(t, err, context.Canceled)
}
