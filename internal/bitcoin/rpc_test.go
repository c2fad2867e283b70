package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newTestServer(t *testing.T, handle func(req rpcRequest) (interface{}, *RPCError)) *RPCClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		result, rpcErr := handle(req)
		if rpcErr != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"result": result, "error": rpcErr})
	}))
	t.Cleanup(srv.Close)
	return NewRPCClient(srv.URL, "u", "p", 0)
}

func TestGetBlock(t *testing.T) {
	c := newTestServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		if req.Method != "getblock" {
			t.Errorf("method = %s", req.Method)
		}
		if len(req.Params) != 2 || string(req.Params[1]) != "1" {
			t.Errorf("params = %s", req.Params)
		}
		return map[string]interface{}{
			"hash":       "00ab",
			"height":     812000,
			"merkleroot": "ff",
			"tx":         []string{"aa", "bb"},
		}, nil
	})

	block, err := c.GetBlock(context.Background(), "00ab")
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	if block.Height != 812000 || len(block.TxIDs) != 2 || block.TxIDs[1] != "bb" {
		t.Errorf("GetBlock() = %+v", block)
	}
}

func TestGetTransaction(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{9}}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(5000, []byte{0x51}))
	var buf bytes.Buffer
	tx.Serialize(&buf)

	c := newTestServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		var id string
		json.Unmarshal(req.Params[0], &id)
		if id == "missing" {
			return nil, &RPCError{Code: -5, Message: "No such mempool or blockchain transaction"}
		}
		return map[string]interface{}{
			"txid":          tx.TxHash().String(),
			"hex":           hex.EncodeToString(buf.Bytes()),
			"blockhash":     "0011",
			"confirmations": 3,
		}, nil
	})

	got, err := c.GetTransaction(context.Background(), tx.TxHash().String())
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if !got.Confirmed() || got.Confirmations != 3 {
		t.Errorf("confirmations = %d", got.Confirmations)
	}
	if got.Tx.TxOut[0].Value != 5000 {
		t.Errorf("decoded output value = %d", got.Tx.TxOut[0].Value)
	}

	if _, err := c.GetTransaction(context.Background(), "missing"); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("missing tx error = %v, want ErrTxNotFound", err)
	}
}

func TestGetBlockHeight(t *testing.T) {
	c := newTestServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		return 840000, nil
	})
	h, err := c.GetBlockHeight(context.Background())
	if err != nil || h != 840000 {
		t.Errorf("GetBlockHeight() = %d, %v", h, err)
	}
}

func TestRPCErrorSurfaces(t *testing.T) {
	c := newTestServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -28, Message: "Loading block index"}
	})
	err := c.Ping(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -28 {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestSendRawTransactionErrors(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1_000, []byte{0x51}))

	c := newTestServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -26, Message: "min relay fee not met"}
	})
	if _, err := c.SendRawTransaction(context.Background(), tx); !errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("rejected broadcast error = %v, want ErrBroadcastFailed", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("server does not support hijacking")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()
	dropped := NewRPCClient(srv.URL, "", "", 0)
	_, err := dropped.SendRawTransaction(context.Background(), tx)
	if err == nil {
		t.Fatal("SendRawTransaction() succeeded on a dropped connection")
	}
	if errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("dropped connection reported as a rejection: %v", err)
	}
}
