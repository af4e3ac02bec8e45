// Copyright 2025 Certen Protocol
//
// Package prover is the HTTP client for the external zero-knowledge
// proving service. The sequencer never runs a prover itself: this
// package only speaks its wire protocol and selects the prover
// instance matching a batch's kind and size.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/certen/signup-sequencer/pkg/identitytree"
)

// Instance describes one configured external prover: the URL to call
// and the exact (kind, batchSize) pair it is compiled to serve.
type Instance struct {
	URL       string
	Kind      identitytree.UpdateKind
	BatchSize int
}

// Config tunes the prover client.
type Config struct {
	Instances  []Instance
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns a client with no configured instances; callers
// must populate Instances from pkg/config before use.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

// Request is the body sent to POST /prove. Its shape is kind-dependent:
// an insertion request carries StartIndex and omits
// PackedDeletionIndices; a deletion request carries
// PackedDeletionIndices and omits StartIndex.
type Request struct {
	InputHash             string     `json:"inputHash"`
	StartIndex            *uint32    `json:"startIndex,omitempty"`
	PriorRoot             string     `json:"preRoot"`
	PostRoot              string     `json:"postRoot"`
	IdentityCommitments   []string   `json:"identityCommitments"`
	MerkleProofs          [][]string `json:"merkleProofs"`
	PackedDeletionIndices string     `json:"packedDeletionIndices,omitempty"`
}

// Response is the decoded result of a successful /prove call: the
// eight uint256 field elements making up the groth16 proof, in the
// order the identity manager contract's calldata expects.
type Response struct {
	Proof [8]string
}

// proverErrorResponse is the shape returned on a prover-side rejection.
type proverErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RejectedError wraps a structured {code, message} rejection from the
// prover. It is fatal for the batch that triggered it: the caller must
// not retry, and the batch is left pending for a human per the
// submitter's failure handling.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("prover: rejected (%s): %s", e.Code, e.Message)
}

// Errors returned by Client.Prove.
var (
	ErrNoMatchingInstance = fmt.Errorf("prover: no configured instance matches the requested kind/size")
	ErrMalformedResponse  = fmt.Errorf("prover: response was neither an 8-element proof array nor an error object")
)

// Client calls out to whichever configured Instance matches a batch's
// kind and size.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *log.Logger
}

// New constructs a prover Client.
func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: log.New(log.Writer(), "[Prover] ", log.LstdFlags),
	}
}

func (c *Client) instanceFor(kind identitytree.UpdateKind, size int) (Instance, error) {
	for _, inst := range c.cfg.Instances {
		if inst.Kind == kind && inst.BatchSize == size {
			return inst, nil
		}
	}
	return Instance{}, ErrNoMatchingInstance
}

// Prove submits a batch for proving, retrying transport failures and
// 5xx responses up to MaxRetries times with a fixed delay. A
// structured {code, message} rejection is fatal and returned
// immediately without retrying, per the prover protocol's failure
// handling.
func (c *Client) Prove(ctx context.Context, kind identitytree.UpdateKind, size int, req Request) (*Response, error) {
	inst, err := c.instanceFor(kind, size)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("prover: encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.doRequest(ctx, inst.URL, body)
		if err != nil {
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				return nil, err
			}
			lastErr = err
			c.logger.Printf("prove attempt %d/%d against %s failed: %v", attempt+1, c.cfg.MaxRetries+1, inst.URL, err)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("prover: exhausted retries against %s: %w", inst.URL, lastErr)
}

func (c *Client) doRequest(ctx context.Context, url string, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/prove", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("prover: read response: %w", err)
	}

	var proof [8]string
	if err := json.Unmarshal(raw, &proof); err == nil {
		return &Response{Proof: proof}, nil
	}

	var rejection proverErrorResponse
	if err := json.Unmarshal(raw, &rejection); err == nil && rejection.Code != "" {
		return nil, &RejectedError{Code: rejection.Code, Message: rejection.Message}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prover returned status %d: %s", httpResp.StatusCode, string(raw))
	}
	return nil, ErrMalformedResponse
}
