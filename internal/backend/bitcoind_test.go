package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

type rpcHandler func(method string, params []json.RawMessage) (interface{}, *RPCError)

func newRPCServer(t *testing.T, handle rpcHandler) *BitcoindClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rpc" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		result, rpcErr := handle(req.Method, req.Params)
		if rpcErr != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     req.ID,
			"result": result,
			"error":  rpcErr,
		})
	}))
	t.Cleanup(srv.Close)
	return NewBitcoindClient(&Config{URL: srv.URL, User: "rpc", Pass: "secret"})
}

func testTx(value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, []byte{0xa9, 0x14}))
	return tx
}

func txHex(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(buf.Bytes())
}

func TestGetBlockCount(t *testing.T) {
	client := newRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		if method != "getblockcount" {
			t.Errorf("method = %s", method)
		}
		return 1500010, nil
	})

	height, err := client.GetBlockCount(context.Background())
	if err != nil {
		t.Fatalf("GetBlockCount() error = %v", err)
	}
	if height != 1500010 {
		t.Errorf("height = %d", height)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("Connect() error = %v", err)
	}
}

func TestUnauthorized(t *testing.T) {
	client := newRPCServer(t, nil)
	client.rpcPass = "wrong"

	if _, err := client.GetBlockCount(context.Background()); err == nil {
		t.Fatal("expected error for bad credentials")
	}
	if err := client.Connect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Connect() error = %v, want ErrNotConnected", err)
	}
}

func TestGetRawTransaction(t *testing.T) {
	tx := testTx(50000)
	txid := tx.TxHash().String()

	client := newRPCServer(t, func(method string, params []json.RawMessage) (interface{}, *RPCError) {
		var id string
		json.Unmarshal(params[0], &id)
		if id == txid {
			return txHex(t, tx), nil
		}
		return nil, &RPCError{Code: -5, Message: "No such mempool or blockchain transaction"}
	})

	got, err := client.GetRawTransaction(context.Background(), txid)
	if err != nil {
		t.Fatalf("GetRawTransaction() error = %v", err)
	}
	if got.TxHash() != tx.TxHash() || got.TxOut[0].Value != 50000 {
		t.Errorf("decoded tx mismatch")
	}

	_, err = client.GetRawTransaction(context.Background(), "00")
	if !errors.Is(err, ErrTxNotFound) {
		t.Errorf("error = %v, want ErrTxNotFound", err)
	}
}

func TestSendRawTransaction(t *testing.T) {
	tx := testTx(49000)

	tests := []struct {
		name    string
		rpcErr  *RPCError
		wantErr error
	}{
		{"accepted", nil, nil},
		{"rejected", &RPCError{Code: -26, Message: "non-final"}, ErrBroadcastFailed},
		{"verify error", &RPCError{Code: -25, Message: "bad-txns-inputs-missingorspent"}, ErrBroadcastFailed},
		{"already in chain", &RPCError{Code: -27, Message: "Transaction already in block chain"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newRPCServer(t, func(method string, params []json.RawMessage) (interface{}, *RPCError) {
				if method != "sendrawtransaction" {
					t.Errorf("method = %s", method)
				}
				var raw string
				json.Unmarshal(params[0], &raw)
				if raw != txHex(t, tx) {
					t.Error("unexpected raw transaction")
				}
				if tt.rpcErr != nil {
					return nil, tt.rpcErr
				}
				return tx.TxHash().String(), nil
			})

			txid, err := client.SendRawTransaction(context.Background(), tx)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SendRawTransaction() error = %v", err)
			}
			if txid != tx.TxHash().String() {
				t.Errorf("txid = %s", txid)
			}
		})
	}
}

func TestEstimateSmartFee(t *testing.T) {
	feeRate := 0.00012
	client := newRPCServer(t, func(string, []json.RawMessage) (interface{}, *RPCError) {
		if feeRate == 0 {
			return map[string]interface{}{"errors": []string{"Insufficient data or no feerate found"}, "blocks": 2}, nil
		}
		return map[string]interface{}{"feerate": feeRate, "blocks": 2}, nil
	})

	got, err := client.EstimateSmartFee(context.Background(), 2)
	if err != nil {
		t.Fatalf("EstimateSmartFee() error = %v", err)
	}
	if math.Abs(got-12) > 1e-9 {
		t.Errorf("fee = %v sat/vB, want 12", got)
	}

	feeRate = 0
	if _, err := client.EstimateSmartFee(context.Background(), 2); !errors.Is(err, ErrNoFeeEstimate) {
		t.Errorf("error = %v, want ErrNoFeeEstimate", err)
	}
}

func TestGetBlock(t *testing.T) {
	block := wire.NewMsgBlock(wire.NewBlockHeader(1, &chainhash.Hash{}, &chainhash.Hash{}, 0x1d00ffff, 7))
	block.AddTransaction(testTx(1000))
	block.AddTransaction(testTx(2000))
	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	hash := block.BlockHash().String()

	client := newRPCServer(t, func(method string, params []json.RawMessage) (interface{}, *RPCError) {
		switch method {
		case "getblockhash":
			return hash, nil
		case "getblock":
			var verbosity int
			json.Unmarshal(params[1], &verbosity)
			if verbosity != 0 {
				t.Errorf("verbosity = %d", verbosity)
			}
			return hex.EncodeToString(buf.Bytes()), nil
		}
		return nil, &RPCError{Code: -32601, Message: "Method not found"}
	})

	gotHash, err := client.GetBlockHash(context.Background(), 101)
	if err != nil {
		t.Fatal(err)
	}
	got, err := client.GetBlock(context.Background(), gotHash)
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	if got.BlockHash() != block.BlockHash() || len(got.Transactions) != 2 {
		t.Errorf("decoded block mismatch")
	}

	_, err = client.GetRawMempool(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Errorf("error = %v, want RPC error -32601", err)
	}
}
