package submitter

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/certen/signup-sequencer/pkg/batchformer"
	"github.com/certen/signup-sequencer/pkg/chainclient"
	"github.com/certen/signup-sequencer/pkg/field"
	"github.com/certen/signup-sequencer/pkg/identitytree"
	"github.com/certen/signup-sequencer/pkg/prover"
	"github.com/certen/signup-sequencer/pkg/store"
)

// Errors returned by Submitter.submitOne.
var (
	ErrRootMismatch = fmt.Errorf("submitter: on-chain root does not match the batch's expected prior root")
)

// Config tunes the submitter's polling behavior.
type Config struct {
	PollInterval    time.Duration
	ConfirmTimeout  time.Duration
}

// DefaultConfig returns the submitter's default polling tuning.
func DefaultConfig() Config {
	return Config{
		PollInterval:   3 * time.Second,
		ConfirmTimeout: 10 * time.Minute,
	}
}

// Submitter drains formed batches, proves them, asserts the on-chain
// root still matches what the batch was formed against, relays the
// transaction, and waits for the relayer to report it mined. It does
// not itself advance the identity tree's processed or mined views:
// that happens only in pkg/chainsub, once the chain subscriber
// observes the corresponding TreeChanged event and matches it against
// this batch's recorded post-root.
type Submitter struct {
	cfg     Config
	prover  *prover.Client
	chain   *chainclient.Client
	relayer Relayer
	repos   *store.Repositories
	in      <-chan batchformer.FormedBatch
	logger  *log.Logger
}

// New constructs a Submitter reading formed batches from in.
func New(cfg Config, p *prover.Client, chain *chainclient.Client, relayer Relayer, repos *store.Repositories, in <-chan batchformer.FormedBatch) *Submitter {
	return &Submitter{
		cfg:     cfg,
		prover:  p,
		chain:   chain,
		relayer: relayer,
		repos:   repos,
		in:      in,
		logger:  log.New(log.Writer(), "[Submitter] ", log.LstdFlags),
	}
}

// Run processes formed batches until ctx is cancelled or the input
// channel closes.
func (s *Submitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-s.in:
			if !ok {
				return nil
			}
			if err := s.submitOne(ctx, batch); err != nil {
				return fmt.Errorf("submitter: batch %s: %w", batch.ID, err)
			}
		}
	}
}

func (s *Submitter) submitOne(ctx context.Context, batch batchformer.FormedBatch) error {
	proveReq := prover.Request{
		InputHash: batch.ProverInputHash.Hex(),
		PriorRoot: batch.PriorRoot.Hex(),
		PostRoot:  batch.PostRoot.Hex(),
	}
	for _, c := range batch.Commitments {
		proveReq.IdentityCommitments = append(proveReq.IdentityCommitments, c.Hex())
	}
	for _, path := range batch.MerkleProofs {
		siblings := make([]string, len(path))
		for i, elem := range path {
			siblings[i] = elem.Hex()
		}
		proveReq.MerkleProofs = append(proveReq.MerkleProofs, siblings)
	}
	if batch.Kind == identitytree.Insertion {
		startIndex := batch.StartIndex
		proveReq.StartIndex = &startIndex
	} else {
		proveReq.PackedDeletionIndices = fmt.Sprintf("0x%x", batch.PackedDeletionIndices)
	}

	proveResp, err := s.prover.Prove(ctx, batch.Kind, len(batch.Commitments), proveReq)
	if err != nil {
		return fmt.Errorf("prove: %w", err)
	}
	proofElems, err := prover.DecodeProofElements(*proveResp)
	if err != nil {
		return fmt.Errorf("decode proof: %w", err)
	}
	if s.repos != nil {
		if err := s.repos.SetBatchProof(ctx, batch.ID, prover.EncodeProofElements(proofElems)); err != nil {
			s.logger.Printf("warning: failed to persist proof for batch %s: %v", batch.ID, err)
		}
	}

	if s.chain != nil {
		onChainRoot, err := s.chain.LatestRoot(ctx)
		if err != nil {
			return fmt.Errorf("query latest root: %w", err)
		}
		expected := new(big.Int).SetBytes(batch.PriorRoot.Bytes()[:])
		if onChainRoot.Cmp(expected) != 0 {
			return ErrRootMismatch
		}
	}

	data, err := s.encodeCall(batch, proofElems)
	if err != nil {
		return fmt.Errorf("encode call: %w", err)
	}

	var contractAddr string
	if s.chain != nil {
		contractAddr = s.chain.ContractAddress().Hex()
	}
	txID, err := s.relayer.Submit(ctx, contractAddr, data)
	if err != nil {
		return fmt.Errorf("relay submit: %w", err)
	}

	txRecordID := uuid.New()
	if s.repos != nil {
		if err := s.repos.InsertTransaction(ctx, store.TransactionRecord{
			ID:      txRecordID,
			BatchID: batch.ID,
			TxHash:  txID,
			Status:  "submitted",
		}); err != nil {
			s.logger.Printf("warning: failed to persist transaction for batch %s: %v", batch.ID, err)
		}
		if err := s.repos.UpdateBatchStatus(ctx, batch.ID, "submitted"); err != nil {
			s.logger.Printf("warning: failed to update batch status for %s: %v", batch.ID, err)
		}
	}

	if err := s.awaitMined(ctx, txID); err != nil {
		return fmt.Errorf("await mined: %w", err)
	}

	if s.repos != nil {
		if err := s.repos.UpdateBatchStatus(ctx, batch.ID, "mined"); err != nil {
			s.logger.Printf("warning: failed to mark batch %s mined: %v", batch.ID, err)
		}
		if err := s.repos.MarkTransactionMined(ctx, txRecordID, time.Now()); err != nil {
			s.logger.Printf("warning: failed to mark transaction mined: %v", err)
		}
	}
	s.logger.Printf("batch %s confirmed mined by relayer, awaiting chain subscriber reconciliation", batch.ID)
	return nil
}

func (s *Submitter) encodeCall(batch batchformer.FormedBatch, proofElems [8]field.Element) ([]byte, error) {
	if s.chain == nil {
		return nil, nil
	}
	priorRoot := new(big.Int).SetBytes(batch.PriorRoot.Bytes()[:])
	postRoot := new(big.Int).SetBytes(batch.PostRoot.Bytes()[:])

	var proof [8]*big.Int
	for i, e := range proofElems {
		b := e.Bytes()
		proof[i] = new(big.Int).SetBytes(b[:])
	}

	if batch.Kind == identitytree.Insertion {
		commitments := make([]*big.Int, len(batch.Commitments))
		for i, c := range batch.Commitments {
			commitments[i] = new(big.Int).SetBytes(c.Bytes()[:])
		}
		startIndex := uint32(0)
		if len(batch.LeafIndices) > 0 {
			startIndex = uint32(batch.LeafIndices[0])
		}
		return s.chain.EncodeRegisterIdentities(proof, priorRoot, startIndex, commitments, postRoot)
	}

	indices := make([]uint32, len(batch.LeafIndices))
	for i, idx := range batch.LeafIndices {
		indices[i] = uint32(idx)
	}
	return s.chain.EncodeDeleteIdentities(proof, priorRoot, indices, postRoot)
}

func (s *Submitter) awaitMined(ctx context.Context, txID string) error {
	deadline := time.Now().Add(s.cfg.ConfirmTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, _, err := s.relayer.Status(ctx, txID)
		if err != nil {
			return err
		}
		switch status {
		case StatusMined:
			return nil
		case StatusFailed:
			return fmt.Errorf("relayer reported transaction %s failed", txID)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for transaction %s to mine", txID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
