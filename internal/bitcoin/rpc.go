package bitcoin

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

// RPCClient implements ChainSource against bitcoind's JSON-RPC interface.
// Looking up confirmed transactions requires txindex=1.
type RPCClient struct {
	rpcURL     string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewRPCClient creates a bitcoind client.
func NewRPCClient(rpcURL, user, pass string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		rpcURL:     rpcURL,
		rpcUser:    user,
		rpcPass:    pass,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RPCError is an error returned by bitcoind.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// bitcoind error codes.
const (
	rpcInvalidAddressOrKey = -5
	rpcInvalidParameter    = -8
)

// Ping checks the node is reachable.
func (c *RPCClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "getblockchaininfo")
	return err
}

// GetBlock returns the block's transaction ids via getblock verbosity 1.
func (c *RPCClient) GetBlock(ctx context.Context, blockHash string) (*Block, error) {
	result, err := c.call(ctx, "getblock", blockHash, 1)
	if err != nil {
		if isCode(err, rpcInvalidAddressOrKey) {
			return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, blockHash)
		}
		return nil, err
	}

	var block struct {
		Hash       string   `json:"hash"`
		Height     int64    `json:"height"`
		MerkleRoot string   `json:"merkleroot"`
		Time       int64    `json:"time"`
		Tx         []string `json:"tx"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("failed to parse block: %w", err)
	}

	return &Block{
		Hash:       block.Hash,
		Height:     block.Height,
		MerkleRoot: block.MerkleRoot,
		Time:       block.Time,
		TxIDs:      block.Tx,
	}, nil
}

// GetTransaction looks a transaction up in the mempool or the chain.
func (c *RPCClient) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	result, err := c.call(ctx, "getrawtransaction", txID, true)
	if err != nil {
		if isCode(err, rpcInvalidAddressOrKey) || isCode(err, rpcInvalidParameter) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	var raw struct {
		TxID          string `json:"txid"`
		Hex           string `json:"hex"`
		BlockHash     string `json:"blockhash"`
		Confirmations int64  `json:"confirmations"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}

	txBytes, err := hex.DecodeString(raw.Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	return &Transaction{
		TxID:          raw.TxID,
		Tx:            tx,
		BlockHash:     raw.BlockHash,
		Confirmations: raw.Confirmations,
	}, nil
}

// GetBlockHeight returns the height of the best chain tip.
func (c *RPCClient) GetBlockHeight(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "getblockcount")
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// SendRawTransaction broadcasts a serialized transaction.
func (c *RPCClient) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	result, err := c.call(ctx, "sendrawtransaction", hex.EncodeToString(buf.Bytes()))
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
		}
		return "", err
	}
	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", err
	}
	return txID, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	request := map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      c.requestID.Add(1),
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.rpcUser != "" {
		req.SetBasicAuth(c.rpcUser, c.rpcPass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// bitcoind answers RPC errors with a non-200 status and a JSON body.
	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%s: failed to parse response (HTTP %d): %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if response.Error != nil {
		return nil, response.Error
	}
	return response.Result, nil
}

func isCode(err error, code int) bool {
	rpcErr, ok := err.(*RPCError)
	return ok && rpcErr.Code == code
}

var _ ChainSource = (*RPCClient)(nil)
