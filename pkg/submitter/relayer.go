// Copyright 2025 Certen Protocol
//
// Package submitter hands formed, proven batches to an external
// transaction relayer and tracks them through to on-chain confirmation.
// Two relayer wire shapes are supported behind one Relayer interface:
// an OpenZeppelin Defender-style relay API and a tx-sitter-style REST
// API, matching the two relayer backends worldcoin's own sequencer
// supports.
package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TxStatus is a relayer-reported transaction lifecycle state.
type TxStatus string

const (
	StatusPending TxStatus = "pending"
	StatusMined   TxStatus = "mined"
	StatusFailed  TxStatus = "failed"
)

// Relayer abstracts over the wire protocol of a specific external
// transaction relayer.
type Relayer interface {
	// Submit sends a signed-by-the-relayer transaction to `to` with
	// the given call data, returning the relayer's own transaction id
	// (not necessarily a chain tx hash until mined).
	Submit(ctx context.Context, to string, data []byte) (txID string, err error)
	// Status polls the relayer for a previously submitted tx's state.
	Status(ctx context.Context, txID string) (TxStatus, string, error)
}

// httpJSON is a tiny shared helper for the two HTTP-backed relayers
// below; neither wire protocol is complex enough to warrant a
// generated client.
func httpJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("relayer returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// DefenderRelayer speaks the OpenZeppelin Defender Relay API shape.
type DefenderRelayer struct {
	BaseURL   string
	APIKey    string
	APISecret string
	client    *http.Client
}

// NewDefenderRelayer constructs a Defender-shaped relayer client.
func NewDefenderRelayer(baseURL, apiKey, apiSecret string, timeout time.Duration) *DefenderRelayer {
	return &DefenderRelayer{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		APISecret: apiSecret,
		client:    &http.Client{Timeout: timeout},
	}
}

type defenderSubmitReq struct {
	To   string `json:"to"`
	Data string `json:"data"`
	Speed string `json:"speed"`
}

type defenderSubmitResp struct {
	TransactionID string `json:"transactionId"`
}

func (d *DefenderRelayer) Submit(ctx context.Context, to string, data []byte) (string, error) {
	var resp defenderSubmitResp
	headers := map[string]string{"X-Api-Key": d.APIKey, "X-Api-Secret": d.APISecret}
	err := httpJSON(ctx, d.client, http.MethodPost, d.BaseURL+"/txs", headers,
		defenderSubmitReq{To: to, Data: fmt.Sprintf("0x%x", data), Speed: "fast"}, &resp)
	if err != nil {
		return "", fmt.Errorf("defender: submit: %w", err)
	}
	return resp.TransactionID, nil
}

type defenderStatusResp struct {
	Status string `json:"status"`
	Hash   string `json:"hash"`
}

func (d *DefenderRelayer) Status(ctx context.Context, txID string) (TxStatus, string, error) {
	var resp defenderStatusResp
	headers := map[string]string{"X-Api-Key": d.APIKey, "X-Api-Secret": d.APISecret}
	if err := httpJSON(ctx, d.client, http.MethodGet, d.BaseURL+"/txs/"+txID, headers, nil, &resp); err != nil {
		return "", "", fmt.Errorf("defender: status: %w", err)
	}
	switch resp.Status {
	case "mined", "confirmed":
		return StatusMined, resp.Hash, nil
	case "failed":
		return StatusFailed, resp.Hash, nil
	default:
		return StatusPending, resp.Hash, nil
	}
}

// TxSitterRelayer speaks the tx-sitter REST API shape.
type TxSitterRelayer struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewTxSitterRelayer constructs a tx-sitter-shaped relayer client.
func NewTxSitterRelayer(baseURL, apiKey string, timeout time.Duration) *TxSitterRelayer {
	return &TxSitterRelayer{BaseURL: baseURL, APIKey: apiKey, client: &http.Client{Timeout: timeout}}
}

type txSitterSendReq struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

type txSitterSendResp struct {
	TxID string `json:"tx_id"`
}

func (s *TxSitterRelayer) Submit(ctx context.Context, to string, data []byte) (string, error) {
	var resp txSitterSendResp
	headers := map[string]string{"Authorization": "Bearer " + s.APIKey}
	err := httpJSON(ctx, s.client, http.MethodPost, s.BaseURL+"/1/api/1/tx/send", headers,
		txSitterSendReq{To: to, Data: fmt.Sprintf("0x%x", data)}, &resp)
	if err != nil {
		return "", fmt.Errorf("tx-sitter: submit: %w", err)
	}
	return resp.TxID, nil
}

type txSitterStatusResp struct {
	Status string `json:"status"`
	TxHash string `json:"tx_hash"`
}

func (s *TxSitterRelayer) Status(ctx context.Context, txID string) (TxStatus, string, error) {
	var resp txSitterStatusResp
	headers := map[string]string{"Authorization": "Bearer " + s.APIKey}
	if err := httpJSON(ctx, s.client, http.MethodGet, s.BaseURL+"/1/api/1/tx/"+txID, headers, nil, &resp); err != nil {
		return "", "", fmt.Errorf("tx-sitter: status: %w", err)
	}
	switch resp.Status {
	case "mined", "confirmed":
		return StatusMined, resp.TxHash, nil
	case "failed", "dropped":
		return StatusFailed, resp.TxHash, nil
	default:
		return StatusPending, resp.TxHash, nil
	}
}
