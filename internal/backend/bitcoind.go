package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BitcoindClient is a JSON-RPC client for bitcoind and its forks
// (litecoind speaks the same dialect).
type BitcoindClient struct {
	url        string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewBitcoindClient creates a client for the node at url.
func NewBitcoindClient(cfg *Config) *BitcoindClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &BitcoindClient{
		url:     strings.TrimSuffix(cfg.URL, "/"),
		rpcUser: cfg.User,
		rpcPass: cfg.Pass,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Connect checks that the node answers.
func (c *BitcoindClient) Connect(ctx context.Context) error {
	if _, err := c.GetBlockCount(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// GetBlockCount returns the height of the best chain.
func (c *BitcoindClient) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	if err := c.call(ctx, "getblockcount", []interface{}{}, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBlockHash returns the hash of the block at height.
func (c *BitcoindClient) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	if err := c.call(ctx, "getblockhash", []interface{}{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// GetBlock fetches a serialized block and decodes it.
func (c *BitcoindClient) GetBlock(ctx context.Context, hash string) (*wire.MsgBlock, error) {
	var rawHex string
	if err := c.call(ctx, "getblock", []interface{}{hash, 0}, &rawHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid block hex: %w", err)
	}
	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode block %s: %w", hash, err)
	}
	return block, nil
}

// GetRawMempool returns the txids currently in the node's mempool.
func (c *BitcoindClient) GetRawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	if err := c.call(ctx, "getrawmempool", []interface{}{false}, &txids); err != nil {
		return nil, err
	}
	return txids, nil
}

// GetRawTransaction fetches and decodes a transaction. Without txindex the
// node only knows mempool and wallet transactions.
func (c *BitcoindClient) GetRawTransaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	var rawHex string
	if err := c.call(ctx, "getrawtransaction", []interface{}{txid, false}, &rawHex); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcInvalidAddressOrKey {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
		}
		return nil, err
	}
	return decodeTx(rawHex)
}

// SendRawTransaction relays a signed transaction and returns its txid.
func (c *BitcoindClient) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}

	var txid string
	if err := c.call(ctx, "sendrawtransaction", []interface{}{hex.EncodeToString(buf.Bytes())}, &txid); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			switch rpcErr.Code {
			case rpcVerifyAlreadyInChain:
				return tx.TxHash().String(), nil
			case rpcVerifyRejected, rpcVerifyError:
				return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, rpcErr.Message)
			}
		}
		return "", err
	}
	return txid, nil
}

// EstimateSmartFee returns the fee rate in sat/vB for confirmation within
// target blocks.
func (c *BitcoindClient) EstimateSmartFee(ctx context.Context, target int) (float64, error) {
	var result struct {
		FeeRate float64  `json:"feerate"` // BTC/kB
		Errors  []string `json:"errors"`
	}
	if err := c.call(ctx, "estimatesmartfee", []interface{}{target}, &result); err != nil {
		return 0, err
	}
	if result.FeeRate <= 0 {
		if len(result.Errors) > 0 {
			return 0, fmt.Errorf("%w: %s", ErrNoFeeEstimate, result.Errors[0])
		}
		return 0, ErrNoFeeEstimate
	}
	return result.FeeRate * 1e8 / 1000, nil
}

func (c *BitcoindClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	reqID := c.requestID.Add(1)

	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  method,
		"params":  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.rpcUser != "" {
		req.SetBasicAuth(c.rpcUser, c.rpcPass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// bitcoind answers RPC errors with a 500 and a JSON body, so only fail
	// on status when the body is not an RPC response.
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
	}
	return nil
}

func decodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	return tx, nil
}
