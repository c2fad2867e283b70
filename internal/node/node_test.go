package node

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/internal/swap/swaptest"
)

type testNode struct {
	*Node
	env    *swaptest.Env
	ln     *swaptest.Lightning
	closed int
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Network = config.Regtest
	cfg.REST.Listen = "127.0.0.1:0"
	cfg.Pricing.Tokens = map[string]config.TokenConfig{
		"TBTC": {Address: swaptest.Token, Decimals: 8, PricePerBTC: "1"},
	}
	return cfg
}

func newTestNode(t *testing.T, cfg *config.Config) *testNode {
	t.Helper()
	tn := &testNode{env: swaptest.NewEnv(t), ln: swaptest.NewLightning(800)}
	chain := swaptest.NewChain(800)
	b := &Backends{
		KV:        tn.env.KV,
		Contract:  tn.env.Contract,
		Events:    tn.env.Events,
		Relay:     &swaptest.Relay{},
		Chain:     chain,
		Wallet:    swaptest.NewWallet(&chaincfg.RegressionNetParams, chain),
		Lightning: tn.ln,
		Close: func() error {
			tn.closed++
			return nil
		},
	}
	n, err := New(cfg, b)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tn.Node = n
	return tn
}

func (tn *testNode) post(t *testing.T, path string, body interface{}) swap.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post("http://"+tn.Addr()+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out swap.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return out
}

func TestHandlers(t *testing.T) {
	tn := newTestNode(t, testConfig())

	want := []swap.Direction{swap.DirectionToBtc, swap.DirectionFromBtc, swap.DirectionToBtcLn, swap.DirectionFromBtcLn}
	got := tn.Handlers()
	if len(got) != len(want) {
		t.Fatalf("got %d handlers, want %d", len(got), len(want))
	}
	for i, h := range got {
		if h.Direction() != want[i] {
			t.Errorf("handler %d = %s, want %s", i, h.Direction(), want[i])
		}
	}
}

func TestNewRejectsBadPrice(t *testing.T) {
	cfg := testConfig()
	cfg.Pricing.Tokens["BAD"] = config.TokenConfig{Address: "0x4444444444444444444444444444444444444444", Decimals: 6, PricePerBTC: "lots"}
	env := swaptest.NewEnv(t)
	if _, err := New(cfg, &Backends{KV: env.KV, Contract: env.Contract, Events: env.Events}); err == nil {
		t.Fatal("New() accepted an unparsable price")
	}
}

func TestNewRejectsUnknownNetwork(t *testing.T) {
	cfg := testConfig()
	cfg.Network = "moonnet"
	env := swaptest.NewEnv(t)
	if _, err := New(cfg, &Backends{KV: env.KV}); err == nil {
		t.Fatal("New() accepted an unknown network")
	}
}

func TestStartServesInfo(t *testing.T) {
	tn := newTestNode(t, testConfig())
	if err := tn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + tn.Addr() + "/info")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Code swap.Code `json:"code"`
		Data Info      `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != swap.CodeOK {
		t.Fatalf("code = %d", body.Code)
	}
	if body.Data.Address != swaptest.LP {
		t.Errorf("address = %s, want %s", body.Data.Address, swaptest.LP)
	}
	if body.Data.Network != "regtest" {
		t.Errorf("network = %s", body.Data.Network)
	}
	if len(body.Data.Services) != 4 {
		t.Errorf("services = %v", body.Data.Services)
	}
	if _, ok := body.Data.Services["frombtcln"]; !ok {
		t.Error("frombtcln missing from services")
	}
	if len(body.Data.Tokens) != 1 {
		t.Errorf("tokens = %v", body.Data.Tokens)
	}
	for _, tok := range body.Data.Tokens {
		if tok.Symbol != "TBTC" || tok.Decimals != 8 {
			t.Errorf("token = %+v", tok)
		}
	}
	if body.Data.Nonces["init"] != "0" || body.Data.Nonces["claim"] != "0" {
		t.Errorf("nonces = %v", body.Data.Nonces)
	}

	if err := tn.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if tn.closed != 1 {
		t.Errorf("backends closed %d times, want 1", tn.closed)
	}
}

func TestCreateInvoiceOverREST(t *testing.T) {
	tn := newTestNode(t, testConfig())
	if err := tn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tn.Stop()

	secret := [32]byte{9}
	hash := sha256.Sum256(secret[:])
	res := tn.post(t, "/frombtcln/createInvoice", map[string]string{
		"paymentHash": hex.EncodeToString(hash[:]),
		"amount":      "100000",
		"address":     swaptest.Counterparty,
		"token":       swaptest.Token,
	})
	if res.Code != swap.CodeOK {
		t.Fatalf("createInvoice code = %d (%s)", res.Code, res.Msg)
	}

	res = tn.post(t, "/frombtcln/getInvoicePaymentAuth", map[string]string{
		"paymentHash": hex.EncodeToString(hash[:]),
	})
	if res.Code != swap.CodeInProgress {
		t.Errorf("getInvoicePaymentAuth code = %d, want %d", res.Code, swap.CodeInProgress)
	}

	res = tn.post(t, "/tobtcln/getRefundAuthorization", map[string]string{
		"paymentHash": hex.EncodeToString(hash[:]),
	})
	if res.Code != swap.CodeNotFound {
		t.Errorf("getRefundAuthorization code = %d, want %d", res.Code, swap.CodeNotFound)
	}
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	first := newTestNode(t, testConfig())
	if err := first.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer first.Stop()

	cfg := testConfig()
	cfg.REST.Listen = first.Addr()
	second := newTestNode(t, cfg)

	done := make(chan error, 1)
	go func() { done <- second.Start(context.Background()) }()
	select {
	case err := <-done:
		if err == nil {
			second.Stop()
			t.Fatal("Start() succeeded on a busy address")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return")
	}
}

func TestGasTip(t *testing.T) {
	if gasTip(0) != nil {
		t.Error("gasTip(0) should leave the tip to the node")
	}
	if got := gasTip(2); got == nil || got.Int64() != 2_000_000_000 {
		t.Errorf("gasTip(2) = %v", got)
	}
}
