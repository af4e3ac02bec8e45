// Copyright 2025 Certen Protocol
//
// Package offchain provides the submitter/subscriber short-circuit
// used when the sequencer runs without a chain backend: every formed
// batch is immediately treated as both submitted and mined, advancing
// processed and mined in lock-step with batching instead of waiting
// on a relayer and chain subscriber. Useful for local development and
// for integration tests that don't want to stand up a chain.
package offchain

import (
	"context"
	"fmt"
	"log"

	"github.com/certen/signup-sequencer/pkg/batchformer"
	"github.com/certen/signup-sequencer/pkg/identitytree"
)

// Runner drains formed batches and advances processed/mined without
// touching a prover, relayer or chain.
type Runner struct {
	tree   *identitytree.Versions
	in     <-chan batchformer.FormedBatch
	logger *log.Logger
}

// New constructs an off-chain mode Runner.
func New(tree *identitytree.Versions, in <-chan batchformer.FormedBatch) *Runner {
	return &Runner{
		tree:   tree,
		in:     in,
		logger: log.New(log.Writer(), "[OffChain] ", log.LstdFlags),
	}
}

// Run processes formed batches until ctx is cancelled or the channel closes.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-r.in:
			if !ok {
				return nil
			}
			n := len(batch.LeafIndices)
			if err := r.tree.ApplyNextUpdatesToProcessed(n); err != nil {
				return fmt.Errorf("off-chain mode: advance processed for batch %s: %w", batch.ID, err)
			}
			if err := r.tree.ApplyNextUpdatesToMined(n); err != nil {
				return fmt.Errorf("off-chain mode: advance mined for batch %s: %w", batch.ID, err)
			}
			r.logger.Printf("off-chain mode: batch %s treated as mined immediately", batch.ID)
		}
	}
}
