package data

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefetcherDeliversBatches(t *testing.T) {
	src := NewTokenSource(2, 8, 3)
	src.SetSplit(Train, tokenRange(512)) // 32 batches per epoch

	p := NewPrefetcher(src, Train, 2, 4)
	p.Start(context.Background())
	defer p.Stop()

	for i := 0; i < 10; i++ {
		batch, err := p.Next(context.Background())
		require.NoError(t, err, "batch %d", i)
		assert.Len(t, batch.Inputs, 2)
	}
}

func TestPrefetcherSurfacesExhaustion(t *testing.T) {
	src := NewTokenSource(2, 8, 3)
	src.SetSplit(Train, tokenRange(64)) // 4 batches per epoch

	p := NewPrefetcher(src, Train, 1, 2)
	p.Start(context.Background())
	defer p.Stop()

	seen := 0
	for {
		_, err := p.Next(context.Background())
		if err != nil {
			require.ErrorIs(t, err, ErrExhausted)
			break
		}
		seen++
		require.LessOrEqual(t, seen, 4)
	}
	assert.Equal(t, 4, seen)
}

func TestPrefetcherRestartStartsNewEpoch(t *testing.T) {
	src := NewTokenSource(2, 8, 3)
	src.SetSplit(Train, tokenRange(64))

	ctx := context.Background()
	p := NewPrefetcher(src, Train, 1, 2)
	p.Start(ctx)
	defer p.Stop()

	drained := 0
	for {
		_, err := p.Next(ctx)
		if err != nil {
			break
		}
		drained++
	}
	require.Equal(t, 4, drained)

	p.Restart(ctx)
	batch, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, batch.Inputs, 2)
}

func TestPrefetcherStopUnblocks(t *testing.T) {
	src := NewTokenSource(2, 8, 3)
	src.SetSplit(Train, tokenRange(4096))

	p := NewPrefetcher(src, Train, 4, 2)
	p.Start(context.Background())

	// Workers are likely blocked on the full buffer; Stop must not
	// deadlock.
	p.Stop()
}

// blockSource never produces a batch; it waits for cancellation.
type blockSource struct{}

func (blockSource) NextBatch(ctx context.Context, split Split) (Batch, error) {
	<-ctx.Done()
	return Batch{}, ctx.Err()
}
func (blockSource) Reset(split Split)           {}
func (blockSource) BatchesPerEpoch(s Split) int { return 0 }

func TestPrefetcherNextHonorsContext(t *testing.T) {
	p := NewPrefetcher(blockSource{}, Train, 1, 1)
	p.Start(context.Background())
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
