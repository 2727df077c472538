package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Submission kinds and lifecycle statuses
const (
	KindTransaction = "transaction"
	KindBundle      = "bundle"

	SubmissionPending   = "pending"
	SubmissionConfirmed = "confirmed"
	SubmissionLanded    = "landed"
	SubmissionFailed    = "failed"
)

// LedgerClient signs and broadcasts payloads to the external ledger and
// queries their confirmation status
type LedgerClient interface {
	// BroadcastTransaction signs a base58 payload and submits it.
	// Returns the transaction ID.
	BroadcastTransaction(ctx context.Context, payload string, key ed25519.PrivateKey) (string, error)

	// BroadcastBundle signs an ordered set of payloads and submits them
	// atomically to the block engine, attaching a tip when nonzero.
	// Returns the bundle ID.
	BroadcastBundle(ctx context.Context, payloads []string, tipLamports uint64, key ed25519.PrivateKey) (string, error)

	// PollStatus returns the current status of a submission
	PollStatus(ctx context.Context, id, kind string) (string, error)
}

// RPCLedgerClient talks JSON-RPC to a ledger node and a block engine
type RPCLedgerClient struct {
	rpcURL         string
	blockEngineURL string
	httpClient     *http.Client

	mu          sync.Mutex
	tipAccounts []string
}

// NewRPCLedgerClient creates a ledger client
func NewRPCLedgerClient(rpcURL, blockEngineURL string, timeout time.Duration) *RPCLedgerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCLedgerClient{
		rpcURL:         rpcURL,
		blockEngineURL: blockEngineURL,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

func (c *RPCLedgerClient) call(ctx context.Context, url, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build RPC request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("RPC request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read RPC response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("RPC returned HTTP %d: %s", resp.StatusCode, data)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse RPC response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to parse RPC result: %w", err)
		}
	}
	return nil
}

// signPayload signs a serialized message and returns the base58 wire
// form, signature first
func signPayload(payload string, key ed25519.PrivateKey) (signed, signature string, err error) {
	message := base58.Decode(payload)
	if len(message) == 0 {
		return "", "", fmt.Errorf("payload is not valid base58")
	}

	sig := ed25519.Sign(key, message)
	wire := make([]byte, 0, len(sig)+len(message))
	wire = append(wire, sig...)
	wire = append(wire, message...)

	return base58.Encode(wire), base58.Encode(sig), nil
}

// BroadcastTransaction signs and submits a single transaction
func (c *RPCLedgerClient) BroadcastTransaction(ctx context.Context, payload string, key ed25519.PrivateKey) (string, error) {
	signed, signature, err := signPayload(payload, key)
	if err != nil {
		return "", err
	}

	var txID string
	err = c.call(ctx, c.rpcURL, "sendTransaction", []interface{}{
		signed,
		map[string]interface{}{"encoding": "base58"},
	}, &txID)
	if err != nil {
		return "", fmt.Errorf("sendTransaction failed: %w", err)
	}
	if txID == "" {
		txID = signature
	}

	log.Info().Str("tx_id", txID).Msg("Transaction broadcast")
	return txID, nil
}

// BroadcastBundle signs each payload in order and submits the bundle
func (c *RPCLedgerClient) BroadcastBundle(ctx context.Context, payloads []string, tipLamports uint64, key ed25519.PrivateKey) (string, error) {
	signed := make([]string, 0, len(payloads))
	for i, payload := range payloads {
		s, _, err := signPayload(payload, key)
		if err != nil {
			return "", fmt.Errorf("failed to sign bundle payload %d: %w", i, err)
		}
		signed = append(signed, s)
	}

	opts := map[string]interface{}{"encoding": "base58"}
	if tipLamports > 0 {
		tipAccount, err := c.pickTipAccount(ctx)
		if err != nil {
			return "", err
		}
		opts["tipAccount"] = tipAccount
		opts["tipLamports"] = tipLamports
	}

	var bundleID string
	err := c.call(ctx, c.blockEngineURL, "sendBundle", []interface{}{signed, opts}, &bundleID)
	if err != nil {
		return "", fmt.Errorf("sendBundle failed: %w", err)
	}

	log.Info().Str("bundle_id", bundleID).Int("txs", len(signed)).Msg("Bundle broadcast")
	return bundleID, nil
}

// pickTipAccount returns a random block engine tip account, fetching
// the list on first use
func (c *RPCLedgerClient) pickTipAccount(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.tipAccounts) == 0 {
		var accounts []string
		if err := c.call(ctx, c.blockEngineURL, "getTipAccounts", []interface{}{}, &accounts); err != nil {
			return "", fmt.Errorf("getTipAccounts failed: %w", err)
		}
		if len(accounts) == 0 {
			return "", fmt.Errorf("block engine returned no tip accounts")
		}
		c.tipAccounts = accounts
	}

	return c.tipAccounts[rand.Intn(len(c.tipAccounts))], nil
}

// PollStatus queries the confirmation status of a submission
func (c *RPCLedgerClient) PollStatus(ctx context.Context, id, kind string) (string, error) {
	switch kind {
	case KindTransaction:
		return c.pollTransaction(ctx, id)
	case KindBundle:
		return c.pollBundle(ctx, id)
	default:
		return "", fmt.Errorf("unknown submission kind: %s", kind)
	}
}

func (c *RPCLedgerClient) pollTransaction(ctx context.Context, id string) (string, error) {
	var result struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	err := c.call(ctx, c.rpcURL, "getSignatureStatuses", []interface{}{
		[]string{id},
		map[string]interface{}{"searchTransactionHistory": true},
	}, &result)
	if err != nil {
		return "", fmt.Errorf("getSignatureStatuses failed: %w", err)
	}

	if len(result.Value) == 0 || result.Value[0] == nil {
		return SubmissionPending, nil
	}
	status := result.Value[0]
	if status.Err != nil && string(status.Err) != "null" {
		return SubmissionFailed, nil
	}
	switch status.ConfirmationStatus {
	case "confirmed", "finalized":
		return SubmissionConfirmed, nil
	default:
		return SubmissionPending, nil
	}
}

func (c *RPCLedgerClient) pollBundle(ctx context.Context, id string) (string, error) {
	var result struct {
		Value []struct {
			BundleID string `json:"bundle_id"`
			Status   string `json:"status"`
		} `json:"value"`
	}
	err := c.call(ctx, c.blockEngineURL, "getInflightBundleStatuses", []interface{}{
		[]string{id},
	}, &result)
	if err != nil {
		return "", fmt.Errorf("getInflightBundleStatuses failed: %w", err)
	}

	if len(result.Value) == 0 {
		return SubmissionPending, nil
	}
	switch result.Value[0].Status {
	case "Landed":
		return SubmissionLanded, nil
	case "Failed":
		return SubmissionFailed, nil
	default:
		// Pending and Invalid both mean not yet landed; Invalid often
		// just means the bundle has not reached the engine's view yet.
		return SubmissionPending, nil
	}
}
