package tobtcln

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/lightning"
	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/internal/swap/swaptest"
)

const testPayReq = "lnbcrt500u1ptestinvoice"

var testPreimage = [32]byte{0x42, 0x42, 0x42}

type fixture struct {
	h      *Handler
	env    *swaptest.Env
	ln     *swaptest.Lightning
	cancel context.CancelFunc
}

func testConfig() config.ToBtcLnConfig {
	return config.ToBtcLnConfig{
		Limits:           swaptest.Limits(),
		WatchdogInterval: time.Minute,
		MinCltv:          10,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{env: swaptest.NewEnv(t), ln: swaptest.NewLightning(800)}
	f.ln.AddInvoice(testPayReq, &lightning.Invoice{
		PaymentHash:  sha256.Sum256(testPreimage[:]),
		AmountMsat:   50_000_000,
		CreatedAt:    f.env.Clock.Now(),
		Expiry:       time.Hour,
		MinFinalCltv: 40,
	})
	f.start(t)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.cancel = cancel
	f.h = New(f.env.Deps, testConfig(), f.ln)
	if err := f.h.Init(ctx); err != nil {
		t.Fatal(err)
	}
}

// restart stops the running handler's payment tracking and loads the
// persisted swaps into a new one.
func (f *fixture) restart(t *testing.T) {
	t.Helper()
	f.cancel()
	f.env.Events = &swaptest.Events{}
	f.env.Deps.Events = f.env.Events
	f.start(t)
}

func (f *fixture) request() *PayRequest {
	return &PayRequest{
		Offerer: swaptest.Counterparty,
		PayReq:  testPayReq,
		MaxFee:  500,
		Expiry:  uint64(f.env.Clock.Now().Add(10 * time.Hour).Unix()),
		Token:   swaptest.Token,
	}
}

func (f *fixture) create(t *testing.T) *PayQuote {
	t.Helper()
	quote, err := f.h.CreateSwap(context.Background(), f.request())
	if err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}
	return quote
}

func stateOf(h *Handler, hash swap.Hash) (swap.State, bool) {
	sw, ok := h.Get(hash)
	if !ok {
		return 0, false
	}
	sw.Lock()
	defer sw.Unlock()
	return sw.State, true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	quote := f.create(t)

	if quote.Amount != 50_000 || quote.SwapFee != 500 || quote.MaxFee != 500 {
		t.Errorf("quote = %+v", quote)
	}
	if quote.Total.Uint64() != 51_000 {
		t.Errorf("total = %s, want 51000", quote.Total)
	}
	if quote.Auth.Prefix != contract.PrefixClaimInitialize || quote.Auth.Nonce != 1 {
		t.Errorf("authorization = %+v", quote.Auth)
	}
	terms := quote.Escrow.Terms()
	if terms.Kind != contract.KindHTLC || !terms.PayIn || terms.PayOut {
		t.Errorf("escrow terms = %+v", terms)
	}
	if swap.Hash(terms.PaymentHash) != swap.Hash(sha256.Sum256(testPreimage[:])) {
		t.Error("escrow not locked to the invoice payment hash")
	}
	if state, ok := stateOf(f.h, quote.PaymentHash); !ok || state != StateSaved {
		t.Errorf("state = %d, %v, want saved", state, ok)
	}
}

func TestInsufficientEscrow(t *testing.T) {
	f := newFixture(t)
	quote := f.create(t)

	terms := quote.Escrow.Terms()
	short, err := f.env.Contract.CreateSwapData(&contract.EscrowParams{
		Kind:        terms.Kind,
		Offerer:     terms.Offerer,
		Claimer:     terms.Claimer,
		Token:       terms.Token,
		Amount:      big.NewInt(49_000),
		PaymentHash: terms.PaymentHash,
		Expiry:      terms.Expiry,
		PayIn:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.env.Events.Emit(context.Background(), f.env.Contract.Commit(short, 2)); err != nil {
		t.Fatal(err)
	}

	if state, _ := stateOf(f.h, quote.PaymentHash); state != StateNonPayable {
		t.Errorf("state = %d, want non-payable", state)
	}
	if n := f.ln.SentCount(); n != 0 {
		t.Errorf("payments sent = %d, want 0", n)
	}

	auth, escrow, err := f.h.RefundAuthorization(quote.PaymentHash)
	if err != nil {
		t.Fatalf("RefundAuthorization() error = %v", err)
	}
	if auth.Prefix != contract.PrefixRefund || !escrow.Equal(short) {
		t.Errorf("refund authorization = %+v", auth)
	}

	if err := f.env.Events.Emit(context.Background(), &contract.RefundEvent{PaymentHash: terms.PaymentHash}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.h.Get(quote.PaymentHash); ok {
		t.Error("refunded swap still stored")
	}
}

func TestPayAndClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quote := f.create(t)

	initEv := f.env.Contract.Commit(quote.Escrow, 4)
	for i := 0; i < 2; i++ {
		if err := f.env.Events.Emit(ctx, initEv); err != nil {
			t.Fatalf("initialize delivery %d: %v", i, err)
		}
	}
	if n := f.ln.SentCount(); n != 1 {
		t.Fatalf("payments sent = %d, want 1", n)
	}
	sent := f.ln.Sent[0]
	if sent.MaxFeeMsat != 500_000 {
		t.Errorf("fee limit = %d msat, want 500000", sent.MaxFeeMsat)
	}
	// 9h left after the grace period at 20 minutes per block.
	if sent.MaxTimeoutHeight != 827 {
		t.Errorf("max timeout height = %d, want 827", sent.MaxTimeoutHeight)
	}
	if state, _ := stateOf(f.h, quote.PaymentHash); state != StateCommited {
		t.Errorf("state = %d, want committed", state)
	}
	if got := f.env.Deps.Nonces.ClaimNonce(); got != 4 {
		t.Errorf("claim nonce = %d, want 4", got)
	}

	f.ln.Resolve(quote.PaymentHash, &lightning.PaymentResult{
		Status:   lightning.PaymentSucceeded,
		Preimage: testPreimage,
		FeeMsat:  100_000,
	})
	waitFor(t, "swap to be claimed", func() bool {
		_, ok := f.h.Get(quote.PaymentHash)
		return !ok
	})

	if n := f.env.Contract.ClaimCount(); n != 1 {
		t.Fatalf("claims = %d, want 1", n)
	}
	if f.env.Contract.Claims[0].Secret != testPreimage {
		t.Error("claimed with the wrong secret")
	}

	// A late claim event for the finished swap is a no-op.
	if err := f.env.Events.Emit(ctx, &contract.ClaimEvent{PaymentHash: quote.PaymentHash, Secret: testPreimage}); err != nil {
		t.Fatal(err)
	}
}

func TestPaymentFailed(t *testing.T) {
	f := newFixture(t)
	quote := f.create(t)

	if err := f.env.Events.Emit(context.Background(), f.env.Contract.Commit(quote.Escrow, 2)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.h.RefundAuthorization(quote.PaymentHash); err == nil {
		t.Fatal("refund authorized while the payment is in flight")
	}

	f.ln.Resolve(quote.PaymentHash, &lightning.PaymentResult{Status: lightning.PaymentFailed, Reason: "no_route"})
	waitFor(t, "swap to become non-payable", func() bool {
		state, _ := stateOf(f.h, quote.PaymentHash)
		return state == StateNonPayable
	})

	if _, _, err := f.h.RefundAuthorization(quote.PaymentHash); err != nil {
		t.Errorf("RefundAuthorization() error = %v", err)
	}
	if n := f.env.Contract.ClaimCount(); n != 0 {
		t.Errorf("claims = %d, want 0", n)
	}

	// Kept until the escrow expires unrefunded.
	f.env.Clock.Advance(11 * time.Hour)
	f.h.CheckPastSwaps(context.Background())
	if _, ok := f.h.Get(quote.PaymentHash); ok {
		t.Error("expired non-payable swap still stored")
	}
}

func TestWatchdogResumesTracking(t *testing.T) {
	f := newFixture(t)
	quote := f.create(t)
	if err := f.env.Events.Emit(context.Background(), f.env.Contract.Commit(quote.Escrow, 2)); err != nil {
		t.Fatal(err)
	}

	f.restart(t)
	if state, ok := stateOf(f.h, quote.PaymentHash); !ok || state != StateCommited {
		t.Fatalf("state after restart = %d, %v", state, ok)
	}
	f.h.CheckPastSwaps(context.Background())
	waitFor(t, "payment subscription", func() bool { return f.h.subscribed(quote.PaymentHash) })

	f.ln.Resolve(quote.PaymentHash, &lightning.PaymentResult{Status: lightning.PaymentSucceeded, Preimage: testPreimage})
	waitFor(t, "swap to be claimed", func() bool {
		_, ok := f.h.Get(quote.PaymentHash)
		return !ok
	})
	if n := f.ln.SentCount(); n != 1 {
		t.Errorf("payments sent = %d, want 1", n)
	}
}

func TestWatchdogDropsUncommitted(t *testing.T) {
	f := newFixture(t)
	quote := f.create(t)

	f.h.CheckPastSwaps(context.Background())
	if _, ok := f.h.Get(quote.PaymentHash); !ok {
		t.Fatal("swap dropped before its authorization expired")
	}

	f.env.Clock.Advance(11 * time.Minute)
	f.h.CheckPastSwaps(context.Background())
	if _, ok := f.h.Get(quote.PaymentHash); ok {
		t.Error("uncommitted swap still stored after authorization expiry")
	}
}

func TestCreateSwapRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, req *PayRequest)
		code   swap.Code
	}{
		{"unknown invoice", func(_ *fixture, req *PayRequest) { req.PayReq = "lnbcrt1junk" }, swap.CodeInvalidRequest},
		{"zero amount invoice", func(f *fixture, req *PayRequest) {
			f.ln.AddInvoice("lnbcrt1zero", &lightning.Invoice{CreatedAt: f.env.Clock.Now(), Expiry: time.Hour})
			req.PayReq = "lnbcrt1zero"
		}, swap.CodeInvalidRequest},
		{"expired invoice", func(f *fixture, _ *PayRequest) { f.env.Clock.Advance(2 * time.Hour) }, swap.CodeExpired},
		{"escrow expiry too soon", func(f *fixture, req *PayRequest) {
			req.Expiry = uint64(f.env.Clock.Now().Add(4 * time.Hour).Unix())
		}, swap.CodeExpired},
		{"no route", func(f *fixture, _ *PayRequest) { f.ln.Route = nil }, swap.CodeCannotRoute},
		{"fee budget below route fee", func(_ *fixture, req *PayRequest) { req.MaxFee = 50 }, swap.CodeCannotRoute},
		{"no outbound liquidity", func(f *fixture, _ *PayRequest) { f.ln.Outbound = 40_000 }, swap.CodeNotEnoughLiquidity},
		{"unknown token", func(_ *fixture, req *PayRequest) {
			req.Token = "0x4444444444444444444444444444444444444444"
		}, swap.CodeUnsupported},
		{"bad offerer", func(_ *fixture, req *PayRequest) { req.Offerer = "nope" }, swap.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request()
			tt.mutate(f, req)
			_, err := f.h.CreateSwap(context.Background(), req)
			re, ok := swap.AsRequestError(err)
			if !ok {
				t.Fatalf("CreateSwap() error = %v, want request error", err)
			}
			if re.Code != tt.code {
				t.Errorf("code = %d, want %d", re.Code, tt.code)
			}
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		f := newFixture(t)
		f.create(t)
		_, err := f.h.CreateSwap(context.Background(), f.request())
		if re, ok := swap.AsRequestError(err); !ok || re.Code != swap.CodeAlreadyPaid {
			t.Errorf("CreateSwap() error = %v, want already paid", err)
		}
	})
}

func TestRefundAuthorizationUnknown(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.h.RefundAuthorization(swap.Hash{1})
	var re *swap.RequestError
	if !errors.As(err, &re) || re.Code != swap.CodeNotFound {
		t.Errorf("error = %v, want not found", err)
	}
}
