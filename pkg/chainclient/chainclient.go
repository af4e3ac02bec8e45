// Copyright 2025 Certen Protocol
//
// Package chainclient is the read/write surface onto the on-chain
// identity-manager contract, generalizing the validator's EVM chain
// strategy to the sequencer's narrower contract ABI: querying the
// current and historical roots, and encoding the registerIdentities /
// deleteIdentities calls the submitter hands to the relayer.
package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// identityManagerABI is the minimal ABI surface this client encodes
// calls against and decodes logs from.
const identityManagerABI = `[
	{"type":"function","name":"latestRoot","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"queryRoot","stateMutability":"view","inputs":[{"name":"root","type":"uint256"}],"outputs":[{"name":"superseded","type":"bool"},{"name":"timestamp","type":"uint128"}]},
	{"type":"function","name":"registerIdentities","stateMutability":"nonpayable","inputs":[
		{"name":"insertionProof","type":"uint256[8]"},
		{"name":"preRoot","type":"uint256"},
		{"name":"startIndex","type":"uint32"},
		{"name":"identityCommitments","type":"uint256[]"},
		{"name":"postRoot","type":"uint256"}
	],"outputs":[]},
	{"type":"function","name":"deleteIdentities","stateMutability":"nonpayable","inputs":[
		{"name":"deletionProof","type":"uint256[8]"},
		{"name":"preRoot","type":"uint256"},
		{"name":"deletionIndices","type":"uint32[]"},
		{"name":"postRoot","type":"uint256"}
	],"outputs":[]},
	{"type":"event","name":"TreeChanged","inputs":[
		{"name":"preRoot","type":"uint256","indexed":false},
		{"name":"kind","type":"uint8","indexed":false},
		{"name":"postRoot","type":"uint256","indexed":false}
	]}
]`

// Config configures the chain client.
type Config struct {
	RPCURL               string
	IdentityManagerAddr  string
	CallTimeout          time.Duration
}

// DefaultConfig returns the client's default call timeout.
func DefaultConfig() Config {
	return Config{CallTimeout: 10 * time.Second}
}

// Client is a thin, ABI-aware wrapper around ethclient.Client.
type Client struct {
	cfg      Config
	eth      *ethclient.Client
	contract common.Address
	abi      abi.ABI
}

// Dial connects to the configured RPC endpoint and parses the ABI.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(identityManagerABI))
	if err != nil {
		return nil, fmt.Errorf("chainclient: parse abi: %w", err)
	}
	return &Client{
		cfg:      cfg,
		eth:      eth,
		contract: common.HexToAddress(cfg.IdentityManagerAddr),
		abi:      parsed,
	}, nil
}

// LatestRoot reads the contract's current root.
func (c *Client) LatestRoot(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	data, err := c.abi.Pack("latestRoot")
	if err != nil {
		return nil, err
	}
	out, err := c.eth.CallContract(callCtx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chainclient: latestRoot call: %w", err)
	}
	results, err := c.abi.Unpack("latestRoot", out)
	if err != nil {
		return nil, err
	}
	return results[0].(*big.Int), nil
}

// RootInfo describes whether a historical root is still the latest
// root or has since been superseded.
type RootInfo struct {
	Superseded bool
	Timestamp  *big.Int
}

// QueryRoot reads whether a specific root was ever valid on-chain and,
// if so, whether it has since been superseded.
func (c *Client) QueryRoot(ctx context.Context, root *big.Int) (RootInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	data, err := c.abi.Pack("queryRoot", root)
	if err != nil {
		return RootInfo{}, err
	}
	out, err := c.eth.CallContract(callCtx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return RootInfo{}, fmt.Errorf("chainclient: queryRoot call: %w", err)
	}
	results, err := c.abi.Unpack("queryRoot", out)
	if err != nil {
		return RootInfo{}, err
	}
	return RootInfo{
		Superseded: results[0].(bool),
		Timestamp:  results[1].(*big.Int),
	}, nil
}

// EncodeRegisterIdentities ABI-encodes a registerIdentities call,
// ready to be wrapped in a transaction by pkg/submitter.
func (c *Client) EncodeRegisterIdentities(proof [8]*big.Int, preRoot *big.Int, startIndex uint32, commitments []*big.Int, postRoot *big.Int) ([]byte, error) {
	return c.abi.Pack("registerIdentities", proof, preRoot, startIndex, commitments, postRoot)
}

// EncodeDeleteIdentities ABI-encodes a deleteIdentities call.
func (c *Client) EncodeDeleteIdentities(proof [8]*big.Int, preRoot *big.Int, indices []uint32, postRoot *big.Int) ([]byte, error) {
	return c.abi.Pack("deleteIdentities", proof, preRoot, indices, postRoot)
}

// ContractAddress returns the configured identity-manager address.
func (c *Client) ContractAddress() common.Address { return c.contract }

// FilterTreeChanged reads historical TreeChanged events between the
// given block range (inclusive), used by pkg/chainsub to catch up
// after a restart.
func (c *Client) FilterTreeChanged(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	topic := c.abi.Events["TreeChanged"].ID
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{topic}},
	}
	return c.eth.FilterLogs(callCtx, query)
}

// TreeChangedEvent is the decoded form of a TreeChanged log.
type TreeChangedEvent struct {
	PreRoot  *big.Int
	Kind     uint8
	PostRoot *big.Int
}

// DecodeTreeChanged unpacks a raw TreeChanged log into its typed
// fields, used by pkg/chainsub to match an on-chain event against a
// locally-formed batch by post-root.
func (c *Client) DecodeTreeChanged(l types.Log) (TreeChangedEvent, error) {
	values, err := c.abi.Unpack("TreeChanged", l.Data)
	if err != nil {
		return TreeChangedEvent{}, fmt.Errorf("chainclient: decode TreeChanged: %w", err)
	}
	if len(values) != 3 {
		return TreeChangedEvent{}, fmt.Errorf("chainclient: decode TreeChanged: expected 3 fields, got %d", len(values))
	}
	return TreeChangedEvent{
		PreRoot:  values[0].(*big.Int),
		Kind:     values[1].(uint8),
		PostRoot: values[2].(*big.Int),
	}, nil
}

// HeadBlock returns the current chain head's block number, used by
// pkg/chainsub to decide whether a processed batch has accumulated
// enough confirmations to be treated as mined.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.eth.BlockNumber(callCtx)
}

// SubscribeTreeChanged streams new TreeChanged events as they're mined.
func (c *Client) SubscribeTreeChanged(ctx context.Context, sink chan<- types.Log) (ethereum.Subscription, error) {
	topic := c.abi.Events["TreeChanged"].ID
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{topic}},
	}
	return c.eth.SubscribeFilterLogs(ctx, query, sink)
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }
