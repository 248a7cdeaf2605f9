// Package data defines the batch-source capability consumed by the
// training loop and an in-memory token source backed by a tokenized
// cache.
package data

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// Split names a dataset partition.
type Split string

const (
	Train Split = "train"
	Val   Split = "val"
)

// ErrExhausted reports that a split cannot supply another batch this
// epoch. The caller decides whether to reset for another epoch or
// treat it as run completion.
var ErrExhausted = errors.New("data: split exhausted")

// Batch is one fixed-size micro-batch of token sequences. Targets are
// Inputs shifted by one position, per autoregressive LM training.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// Source supplies micro-batches. Implementations must keep the
// sampling streams of the two splits independent so evaluation never
// perturbs training's sampling sequence.
type Source interface {
	NextBatch(ctx context.Context, split Split) (Batch, error)
	// Reset re-seeks the split to its start and restores its sampling
	// stream to the seeded initial state.
	Reset(split Split)
	// BatchesPerEpoch estimates how many batches one pass over the
	// split yields.
	BatchesPerEpoch(split Split) int
}

// TokenSource draws random fixed-size windows from an in-memory token
// stream, one independent deterministic RNG per split.
type TokenSource struct {
	batchSize int
	blockSize int
	seed      int64

	mu     sync.Mutex
	tokens map[Split][]int
	rng    map[Split]*rand.Rand
	served map[Split]int
}

func NewTokenSource(batchSize, blockSize int, seed int64) *TokenSource {
	return &TokenSource{
		batchSize: batchSize,
		blockSize: blockSize,
		seed:      seed,
		tokens:    make(map[Split][]int),
		rng:       make(map[Split]*rand.Rand),
		served:    make(map[Split]int),
	}
}

// SetSplit installs the token stream for a split and resets its
// sampling stream. Splits get distinct seeds so train and val sampling
// never share a sequence.
func (s *TokenSource) SetSplit(split Split, tokens []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[split] = tokens
	s.rng[split] = rand.New(rand.NewSource(s.splitSeed(split)))
	s.served[split] = 0
}

func (s *TokenSource) splitSeed(split Split) int64 {
	if split == Val {
		return s.seed + 1
	}
	return s.seed
}

func (s *TokenSource) NextBatch(ctx context.Context, split Split) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, ok := s.tokens[split]
	if !ok {
		return Batch{}, fmt.Errorf("data: split %q not loaded", split)
	}
	if len(tokens) < s.blockSize+1 {
		return Batch{}, fmt.Errorf("data: split %q has %d tokens, need at least %d",
			split, len(tokens), s.blockSize+1)
	}
	if s.served[split] >= s.batchesPerEpoch(split) {
		return Batch{}, ErrExhausted
	}

	rng := s.rng[split]
	batch := Batch{
		Inputs:  make([][]int, s.batchSize),
		Targets: make([][]int, s.batchSize),
	}
	for i := 0; i < s.batchSize; i++ {
		off := rng.Intn(len(tokens) - s.blockSize)
		batch.Inputs[i] = tokens[off : off+s.blockSize]
		batch.Targets[i] = tokens[off+1 : off+s.blockSize+1]
	}
	s.served[split]++
	return batch, nil
}

func (s *TokenSource) Reset(split Split) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng[split] = rand.New(rand.NewSource(s.splitSeed(split)))
	s.served[split] = 0
}

func (s *TokenSource) BatchesPerEpoch(split Split) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchesPerEpoch(split)
}

func (s *TokenSource) batchesPerEpoch(split Split) int {
	n := len(s.tokens[split]) / (s.batchSize * s.blockSize)
	if n < 1 && len(s.tokens[split]) >= s.blockSize+1 {
		n = 1
	}
	return n
}
