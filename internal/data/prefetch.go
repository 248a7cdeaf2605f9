package data

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type fetchResult struct {
	batch Batch
	err   error
}

// Prefetcher pulls batches from a Source ahead of consumption on a
// fixed number of worker goroutines. The bounded channel provides
// backpressure when the consumer is slower than the source, and keeps
// the consumer fed when it is faster.
type Prefetcher struct {
	src     Source
	split   Split
	workers int
	depth   int

	results chan fetchResult
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// NewPrefetcher creates a stopped prefetcher. depth bounds how many
// batches may sit fetched-but-unconsumed; workers is clamped to at
// least one.
func NewPrefetcher(src Source, split Split, workers, depth int) *Prefetcher {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	return &Prefetcher{
		src:     src,
		split:   split,
		workers: workers,
		depth:   depth,
	}
}

// Start launches the worker goroutines. A worker that sees an error
// (including ErrExhausted) forwards it in-band and exits; the
// remaining workers keep producing until they hit the same condition.
func (p *Prefetcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.results = make(chan fetchResult, p.depth)
	p.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		p.group.Go(func() error {
			for {
				batch, err := p.src.NextBatch(ctx, p.split)
				select {
				case p.results <- fetchResult{batch: batch, err: err}:
				case <-ctx.Done():
					return ctx.Err()
				}
				if err != nil {
					return nil
				}
			}
		})
	}
}

// Next returns the next prefetched batch. Errors from the source,
// ErrExhausted included, surface here in the order workers hit them.
func (p *Prefetcher) Next(ctx context.Context) (Batch, error) {
	select {
	case res := <-p.results:
		return res.batch, res.err
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Restart resets the split for another epoch and relaunches workers.
// Any batches still buffered from the previous epoch are discarded.
func (p *Prefetcher) Restart(ctx context.Context) {
	p.Stop()
	p.src.Reset(p.split)
	p.Start(ctx)
}

// Stop cancels the workers and waits for them to exit.
func (p *Prefetcher) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	// Drain so workers blocked on send can observe cancellation.
	for {
		select {
		case <-p.results:
		default:
			p.group.Wait()
			p.cancel = nil
			return
		}
	}
}
