package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mimblewallet/walletd/internal/basenode"
	"github.com/mimblewallet/walletd/internal/protocol"
)

// Client queries a base node over its HTTP JSON API.
type Client struct {
	client  http.Client
	url     string
	retries uint64
	backoff time.Duration
	logger  *slog.Logger
}

func WithLogger(logger *slog.Logger) func(*Client) {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithRetries(retries uint64, constantBackoff time.Duration) func(*Client) {
	return func(c *Client) {
		c.retries = retries
		c.backoff = constantBackoff
	}
}

func WithRequestTimeout(timeout time.Duration) func(*Client) {
	return func(c *Client) {
		c.client.Timeout = timeout
	}
}

func New(url string, opts ...func(*Client)) *Client {
	c := &Client{
		client:  http.Client{Timeout: 10 * time.Second},
		url:     url,
		retries: 3,
		backoff: 2 * time.Second,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Address() string {
	return c.url
}

type submitRequest struct {
	Transaction *protocol.Transaction `json:"transaction"`
}

type submitResponse struct {
	Accepted        bool   `json:"accepted"`
	RejectionReason string `json:"rejection_reason"`
}

type queryRequest struct {
	Signatures []string `json:"signatures"`
}

type queryResponse struct {
	Signature     string `json:"signature"`
	Location      string `json:"location"`
	BlockHeight   uint64 `json:"block_height"`
	BlockHash     string `json:"block_hash"`
	Confirmations uint64 `json:"confirmations"`
	MinedAt       int64  `json:"mined_timestamp"`
}

type tipResponse struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
}

type feeStatResponse struct {
	Order         uint64 `json:"order"`
	MinFeePerGram uint64 `json:"min_fee_per_gram"`
	AvgFeePerGram uint64 `json:"avg_fee_per_gram"`
	MaxFeePerGram uint64 `json:"max_fee_per_gram"`
}

// SubmitTransaction posts the transaction to the node's mempool endpoint. A
// rejection is not an error, it is a verdict the caller acts on.
func (c *Client) SubmitTransaction(ctx context.Context, tx *protocol.Transaction) (*basenode.SubmitResult, error) {
	body, err := json.Marshal(submitRequest{Transaction: tx})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	operation := func() (*basenode.SubmitResult, error) {
		var res submitResponse
		err := c.doRequest(ctx, http.MethodPost, "transactions", body, &res)
		if err != nil {
			return nil, err
		}

		return &basenode.SubmitResult{
			Accepted:  res.Accepted,
			Rejection: parseRejection(res.RejectionReason),
		}, nil
	}

	return withRetries(c, ctx, "submit transaction", operation)
}

// QueryTransactions resolves kernel excess signatures to chain locations.
func (c *Client) QueryTransactions(ctx context.Context, signatures []protocol.Signature) ([]*basenode.TxQueryResult, error) {
	hexSigs := make([]string, len(signatures))
	for i, sig := range signatures {
		hexSigs[i] = hex.EncodeToString(sig)
	}

	body, err := json.Marshal(queryRequest{Signatures: hexSigs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	operation := func() ([]*basenode.TxQueryResult, error) {
		var res []queryResponse
		err := c.doRequest(ctx, http.MethodPost, "transactions/query", body, &res)
		if err != nil {
			return nil, err
		}

		results := make([]*basenode.TxQueryResult, 0, len(res))
		for _, entry := range res {
			sig, err := hex.DecodeString(entry.Signature)
			if err != nil {
				return nil, fmt.Errorf("failed to decode signature %q: %w", entry.Signature, err)
			}

			blockHash, err := hex.DecodeString(entry.BlockHash)
			if err != nil {
				return nil, fmt.Errorf("failed to decode block hash %q: %w", entry.BlockHash, err)
			}

			results = append(results, &basenode.TxQueryResult{
				Signature:     sig,
				Location:      parseLocation(entry.Location),
				BlockHeight:   entry.BlockHeight,
				BlockHash:     blockHash,
				Confirmations: entry.Confirmations,
				MinedAt:       time.Unix(entry.MinedAt, 0).UTC(),
			})
		}

		return results, nil
	}

	return withRetries(c, ctx, "query transactions", operation)
}

// GetTipInfo returns the node's current chain tip.
func (c *Client) GetTipInfo(ctx context.Context) (*basenode.TipInfo, error) {
	operation := func() (*basenode.TipInfo, error) {
		var res tipResponse
		err := c.doRequest(ctx, http.MethodGet, "chain/tip", nil, &res)
		if err != nil {
			return nil, err
		}

		hash, err := hex.DecodeString(res.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to decode tip hash %q: %w", res.Hash, err)
		}

		return &basenode.TipInfo{
			Height:    res.Height,
			Hash:      hash,
			Timestamp: time.Unix(res.Timestamp, 0).UTC(),
		}, nil
	}

	return withRetries(c, ctx, "get tip info", operation)
}

// FeePerGramStats returns fee statistics for the last blockCount blocks.
func (c *Client) FeePerGramStats(ctx context.Context, blockCount uint64) ([]*basenode.FeePerGramStat, error) {
	operation := func() ([]*basenode.FeePerGramStat, error) {
		var res []feeStatResponse
		err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("fees?blocks=%d", blockCount), nil, &res)
		if err != nil {
			return nil, err
		}

		stats := make([]*basenode.FeePerGramStat, len(res))
		for i, entry := range res {
			stats[i] = &basenode.FeePerGramStat{
				Order:         entry.Order,
				MinFeePerGram: protocol.Amount(entry.MinFeePerGram),
				AvgFeePerGram: protocol.Amount(entry.AvgFeePerGram),
				MaxFeePerGram: protocol.Amount(entry.MaxFeePerGram),
			}
		}

		return stats, nil
	}

	return withRetries(c, ctx, "get fee stats", operation)
}

func withRetries[T any](c *Client, ctx context.Context, name string, operation func() (T, error)) (T, error) {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.backoff), c.retries)
	policyContext := backoff.WithContext(policy, ctx)

	notify := func(err error, nextTry time.Duration) {
		c.logger.Warn("base node request failed",
			slog.String("op", name),
			slog.String("url", c.url),
			slog.String("next try", nextTry.String()),
			slog.String("err", err.Error()),
		)
	}

	return backoff.RetryNotifyWithData(operation, policyContext, notify)
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/api/v1/%s", c.url, endpoint), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", basenode.ErrNodeNotReachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("response status not OK: %s", resp.Status)
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func parseRejection(reason string) basenode.RejectionReason {
	switch reason {
	case "Orphan":
		return basenode.RejectionOrphan
	case "TimeLocked":
		return basenode.RejectionTimeLocked
	case "DoubleSpend":
		return basenode.RejectionDoubleSpend
	case "AlreadyMined":
		return basenode.RejectionAlreadyMined
	case "Invalid":
		return basenode.RejectionInvalid
	default:
		return basenode.RejectionUnknown
	}
}

func parseLocation(location string) basenode.TxLocation {
	switch location {
	case "InMempool":
		return basenode.LocationInMempool
	case "Mined":
		return basenode.LocationMined
	default:
		return basenode.LocationNotStored
	}
}
