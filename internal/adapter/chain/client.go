// Package chain wraps the EVM JSON-RPC endpoint and the three on-chain
// contracts (credit ledger, timestamp registry, dataset marketplace).
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/sha3"

	"github.com/chronocoders/indexnode/internal/domain"
)

// Client reads logs and the chain head over a WebSocket RPC connection.
// All round-trips go through a circuit breaker so a flapping node fails
// fast instead of stalling every worker dispatch.
type Client struct {
	ec      *ethclient.Client
	breaker *gobreaker.CircuitBreaker
}

// Dial connects to the RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("op=chain.dial: %w: %v", domain.ErrTransient, err)
	}
	return NewClient(ec), nil
}

// NewClient wraps an existing ethclient.
func NewClient(ec *ethclient.Client) *Client {
	return &Client{
		ec: ec,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "chain-rpc",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Backend exposes the underlying ethclient for contract bindings.
func (c *Client) Backend() *ethclient.Client { return c.ec }

// Close tears down the RPC connection.
func (c *Client) Close() { c.ec.Close() }

// LatestBlock returns the current chain head number.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	v, err := c.breaker.Execute(func() (any, error) {
		return c.ec.BlockNumber(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("op=chain.latest_block: %w: %v", domain.ErrTransient, err)
	}
	return v.(uint64), nil
}

// EventTopic returns the topic0 hash for an event signature such as
// "Transfer(address,address,uint256)".
func EventTopic(signature string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return common.BytesToHash(h.Sum(nil))
}

// eventName strips the parameter list off a signature.
func eventName(signature string) string {
	if i := strings.IndexByte(signature, '('); i > 0 {
		return signature[:i]
	}
	return signature
}

// logData is the canonicalized per-log payload hashed and stored as
// event_data. json.Marshal emits struct fields in declaration order, which
// makes the serialization stable for content hashing.
type logData struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"transaction_hash"`
	LogIndex    uint     `json:"log_index"`
	Removed     bool     `json:"removed"`
}

// FilterEvents fetches logs matching the filter's contract address and
// event signature over [FromBlock, ToBlock]. Transient RPC failures are
// retried with exponential backoff inside the breaker.
func (c *Client) FilterEvents(ctx context.Context, f domain.EventFilter) ([]domain.BlockchainEvent, error) {
	if !common.IsHexAddress(f.ContractAddress) {
		return nil, fmt.Errorf("op=chain.filter_events: %w: contract address %q", domain.ErrInvalidArgument, f.ContractAddress)
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(f.ContractAddress)},
		Topics:    [][]common.Hash{{EventTopic(f.EventSignature)}},
		FromBlock: new(big.Int).SetUint64(f.FromBlock),
		ToBlock:   new(big.Int).SetUint64(f.ToBlock),
	}

	var logs []types.Log
	fetch := func() error {
		v, err := c.breaker.Execute(func() (any, error) {
			return c.ec.FilterLogs(ctx, query)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		logs = v.([]types.Log)
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(fetch, bo); err != nil {
		return nil, fmt.Errorf("op=chain.filter_events: %w: %v", domain.ErrTransient, err)
	}

	events := make([]domain.BlockchainEvent, 0, len(logs))
	for _, lg := range logs {
		topics := make([]string, len(lg.Topics))
		for i, t := range lg.Topics {
			topics[i] = t.Hex()
		}
		data, err := json.Marshal(logData{
			Address:     lg.Address.Hex(),
			Topics:      topics,
			Data:        hexutil.Encode(lg.Data),
			BlockNumber: lg.BlockNumber,
			TxHash:      lg.TxHash.Hex(),
			LogIndex:    lg.Index,
			Removed:     lg.Removed,
		})
		if err != nil {
			return nil, fmt.Errorf("op=chain.filter_events: %w", err)
		}
		events = append(events, domain.BlockchainEvent{
			Chain:           f.Chain,
			ContractAddress: lg.Address.Hex(),
			EventName:       eventName(f.EventSignature),
			BlockNumber:     lg.BlockNumber,
			TransactionHash: lg.TxHash.Hex(),
			EventIndex:      lg.Index,
			EventData:       data,
		})
	}
	return events, nil
}
