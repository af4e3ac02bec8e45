// Copyright 2025 Certen Protocol
//
// Package chainsub watches the identity-manager contract for
// TreeChanged events, matches each one against the locally-formed
// batch that produced it, and advances the processed and (once the
// event has accumulated enough confirmations) mined tree views to
// match. It also detects divergence between the chain's root history
// and this process's own root history, which is always treated as
// fatal.
package chainsub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/certen/signup-sequencer/pkg/chainclient"
	"github.com/certen/signup-sequencer/pkg/field"
	"github.com/certen/signup-sequencer/pkg/identitytree"
	"github.com/certen/signup-sequencer/pkg/store"
	"github.com/certen/signup-sequencer/pkg/supervisor"
)

// ErrRootMismatch is returned when the chain reports a root this
// process never produced, or when applying a matched batch to the
// processed view yields a root that disagrees with the event's
// post-root. Either case means the local tree is no longer in sync
// with the chain's actual state, and is unrecoverable without operator
// intervention.
var ErrRootMismatch = errors.New("chainsub: observed on-chain root does not match this process's tree state")

// ErrUnknownBatch is returned when a TreeChanged event's post-root
// does not match any batch this process formed, meaning the chain
// advanced from a transaction this process never submitted.
var ErrUnknownBatch = errors.New("chainsub: observed TreeChanged event does not match any locally-formed batch")

// Config tunes the subscriber's polling and finality behavior.
type Config struct {
	PollInterval   time.Duration
	FinalityBlocks uint64
}

// DefaultConfig returns typical EVM finality tuning (enough
// confirmations to be safe against a shallow reorg).
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second, FinalityBlocks: 12}
}

// pendingFinality is a batch already applied to the processed view,
// waiting for enough confirmations to be applied to mined.
type pendingFinality struct {
	count       int
	observedAt  uint64
	description string
}

// Subscriber advances the processed and mined tree views as batches
// are confirmed and then finalized on-chain.
type Subscriber struct {
	cfg    Config
	chain  *chainclient.Client
	tree   *identitytree.Versions
	repos  *store.Repositories
	logger *log.Logger

	lastBlock uint64
	pending   []pendingFinality
}

// New constructs a chain Subscriber starting its scan from fromBlock.
func New(cfg Config, chain *chainclient.Client, tree *identitytree.Versions, repos *store.Repositories, fromBlock uint64) *Subscriber {
	return &Subscriber{
		cfg:       cfg,
		chain:     chain,
		tree:      tree,
		repos:     repos,
		logger:    log.New(log.Writer(), "[ChainSub] ", log.LstdFlags),
		lastBlock: fromBlock,
	}
}

// Run polls for new confirmed events until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Subscriber) poll(ctx context.Context) error {
	latestRoot, err := s.chain.LatestRoot(ctx)
	if err != nil {
		return fmt.Errorf("chainsub: query latest root: %w", err)
	}

	rootHex := rootToHex(latestRoot)
	if s.repos != nil {
		valid, err := s.repos.RootEverValid(ctx, rootHex)
		if err != nil {
			return fmt.Errorf("chainsub: root history lookup: %w", err)
		}
		if !valid && latestRoot.Cmp(big.NewInt(0)) != 0 {
			return &supervisor.FatalError{Kind: supervisor.KindRootMismatch, Err: ErrRootMismatch}
		}
	}

	head, err := s.chain.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("chainsub: query head block: %w", err)
	}

	toBlock := s.lastBlock + 1000
	if toBlock > head {
		toBlock = head
	}
	if toBlock >= s.lastBlock {
		logs, err := s.chain.FilterTreeChanged(ctx, s.lastBlock, toBlock)
		if err != nil {
			return fmt.Errorf("chainsub: filter logs: %w", err)
		}
		for _, l := range logs {
			if err := s.handleLog(ctx, l); err != nil {
				return err
			}
		}
		if len(logs) > 0 {
			s.lastBlock = logs[len(logs)-1].BlockNumber + 1
		} else {
			s.lastBlock = toBlock + 1
		}
	}

	return s.advanceFinalized(head)
}

// handleLog decodes a TreeChanged event, matches it to the batch this
// process formed with that post-root, and applies exactly that many
// log entries to the processed view, asserting the resulting root
// agrees with the event before accepting it.
func (s *Subscriber) handleLog(ctx context.Context, l types.Log) error {
	event, err := s.chain.DecodeTreeChanged(l)
	if err != nil {
		return fmt.Errorf("chainsub: %w", err)
	}
	postRootHex := rootToHex(event.PostRoot)

	if s.repos == nil {
		s.logger.Printf("observed TreeChanged in block %d with post-root %s (no store configured, skipping reconciliation)", l.BlockNumber, postRootHex)
		return nil
	}

	batch, err := s.repos.BatchByPostRoot(ctx, postRootHex)
	if err != nil {
		if errors.Is(err, store.ErrBatchNotFound) {
			return &supervisor.FatalError{Kind: supervisor.KindRootMismatch, Err: ErrUnknownBatch}
		}
		return fmt.Errorf("chainsub: look up batch by post-root: %w", err)
	}

	members, err := s.repos.BatchMembers(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("chainsub: look up batch members: %w", err)
	}

	if err := s.tree.ApplyNextUpdatesToProcessed(len(members)); err != nil {
		return fmt.Errorf("chainsub: advance processed for batch %s: %w", batch.ID, err)
	}
	if s.tree.Processed().Root().Hex() != postRootHex {
		return &supervisor.FatalError{Kind: supervisor.KindRootMismatch, Err: ErrRootMismatch}
	}
	if s.repos != nil {
		if err := s.repos.UpdateBatchStatus(ctx, batch.ID, "processed"); err != nil {
			s.logger.Printf("warning: failed to mark batch %s processed: %v", batch.ID, err)
		}
		if err := s.repos.RecordRoot(ctx, postRootHex, batch.ID, "processed"); err != nil {
			s.logger.Printf("warning: failed to record processed root for batch %s: %v", batch.ID, err)
		}
	}

	s.pending = append(s.pending, pendingFinality{
		count:       len(members),
		observedAt:  l.BlockNumber,
		description: fmt.Sprintf("batch %s", batch.ID),
	})
	s.logger.Printf("observed TreeChanged in block %d, batch %s applied to processed view", l.BlockNumber, batch.ID)
	return nil
}

// advanceFinalized applies every pending batch that has now
// accumulated FinalityBlocks confirmations to the mined view, in the
// order they were observed.
func (s *Subscriber) advanceFinalized(head uint64) error {
	i := 0
	for ; i < len(s.pending); i++ {
		p := s.pending[i]
		if head < p.observedAt+s.cfg.FinalityBlocks {
			break
		}
		if err := s.tree.ApplyNextUpdatesToMined(p.count); err != nil {
			return fmt.Errorf("chainsub: advance mined for %s: %w", p.description, err)
		}
		s.logger.Printf("%s reached finality, mined view advanced", p.description)
	}
	s.pending = s.pending[i:]
	return nil
}

func rootToHex(root *big.Int) string {
	var b [32]byte
	root.FillBytes(b[:])
	e, err := field.FromBigEndian(b[:])
	if err != nil {
		return fmt.Sprintf("0x%064x", root)
	}
	return e.Hex()
}
