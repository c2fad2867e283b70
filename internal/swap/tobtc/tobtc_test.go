package tobtc

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/klingon-exchange/klingon-lp/internal/bitcoin"
	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/spv"
	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/internal/swap/swaptest"
)

var params = &chaincfg.RegressionNetParams

// testNonce carries locktime 1_600_000_000 and sequence 0xFEABCDEF.
const testNonce = uint64(1_100_000_000)<<24 | 0xABCDEF

type fixture struct {
	h      *Handler
	env    *swaptest.Env
	chain  *swaptest.Chain
	wallet *swaptest.Wallet
	relay  *swaptest.Relay
	btc    Bitcoin
}

func testConfig() config.ToBtcConfig {
	return config.ToBtcConfig{
		Limits:                  swaptest.Limits(),
		WatchdogInterval:        time.Minute,
		SendSafetyFactor:        2,
		MinEndCltv:              10,
		NetworkFeeMultiplierPPM: 1_250_000,
		MaxConfirmations:        6,
		MaxConfTarget:           12,
		MinNonceAge:             time.Hour,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{env: swaptest.NewEnv(t), chain: swaptest.NewChain(100), relay: &swaptest.Relay{}}
	f.wallet = swaptest.NewWallet(params, f.chain)
	f.btc = Bitcoin{Chain: f.chain, Wallet: f.wallet, Relay: f.relay, Params: params}
	f.h = New(f.env.Deps, testConfig(), f.btc)
	if err := f.h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

// restart simulates a process restart: a new handler loads the persisted
// swaps and listens on a fresh event stream.
func (f *fixture) restart(t *testing.T) {
	t.Helper()
	f.env.Events = &swaptest.Events{}
	f.env.Deps.Events = f.env.Events
	f.h = New(f.env.Deps, testConfig(), f.btc)
	if err := f.h.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func payAddress(t *testing.T) (string, []byte) {
	t.Helper()
	program := bytes.Repeat([]byte{0x11}, 20)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(program, params)
	if err != nil {
		t.Fatal(err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}
	return addr.EncodeAddress(), script
}

func (f *fixture) request(t *testing.T) *PayRequest {
	addr, _ := payAddress(t)
	return &PayRequest{
		Offerer:            swaptest.Counterparty,
		Address:            addr,
		Amount:             100_000,
		Confirmations:      2,
		ConfirmationTarget: 3,
		Nonce:              testNonce,
		Token:              swaptest.Token,
	}
}

func (f *fixture) commit(t *testing.T, quote *PayQuote, nonce uint64) *Swap {
	t.Helper()
	ev := f.env.Contract.Commit(quote.Escrow, nonce)
	if err := f.env.Events.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	sw, ok := f.h.Get(quote.PaymentHash)
	if !ok {
		t.Fatal("swap disappeared after initialize")
	}
	return sw
}

func (f *fixture) quote(t *testing.T) *PayQuote {
	t.Helper()
	q, err := f.h.CreateSwap(context.Background(), f.request(t))
	if err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}
	return q
}

func TestNonceEncoding(t *testing.T) {
	tests := []struct {
		nonce    uint64
		locktime uint32
		sequence uint32
	}{
		{0, 500_000_000, 0xFE000000},
		{0xFFFFFF, 500_000_000, 0xFEFFFFFF},
		{1 << 24, 500_000_001, 0xFE000000},
		{testNonce, 1_600_000_000, 0xFEABCDEF},
	}
	for _, tt := range tests {
		if got := NonceLocktime(tt.nonce); got != tt.locktime {
			t.Errorf("NonceLocktime(%#x) = %d, want %d", tt.nonce, got, tt.locktime)
		}
		if got := NonceSequence(tt.nonce); got != tt.sequence {
			t.Errorf("NonceSequence(%#x) = %#x, want %#x", tt.nonce, got, tt.sequence)
		}
	}
}

func TestPayoutAndClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, script := payAddress(t)

	quote := f.quote(t)
	if quote.NetworkFee != 1_250 || quote.SwapFee != 500 || quote.Total.Uint64() != 101_750 {
		t.Errorf("quote = fee %d, network %d, total %s", quote.SwapFee, quote.NetworkFee, quote.Total)
	}
	if quote.Auth.Prefix != contract.PrefixClaimInitialize || quote.Auth.Nonce != 1 {
		t.Errorf("authorization = %+v", quote.Auth)
	}
	if quote.PaymentHash != swap.TxoHash(testNonce, 100_000, script) {
		t.Error("payment hash does not commit to nonce, amount and script")
	}
	// 1h grace + 10min × (10 + (2+3)×2) × 2
	wantExpiry := f.env.Clock.Now().Add(time.Hour + 400*time.Minute).Unix()
	if got := quote.Escrow.Terms().Expiry; got != uint64(wantExpiry) {
		t.Errorf("expiry = %d, want %d", got, wantExpiry)
	}

	sw := f.commit(t, quote, 3)
	if sw.State != StateBtcSent {
		t.Fatalf("state = %d, want BTC_SENT", sw.State)
	}
	if got := f.env.Deps.Nonces.ClaimNonce(); got != 3 {
		t.Errorf("claim nonce = %d, want 3", got)
	}
	if f.wallet.PublishCount() != 1 {
		t.Fatalf("published %d transactions, want 1", f.wallet.PublishCount())
	}
	tx := f.wallet.Published[0]
	if tx.LockTime != 1_600_000_000 {
		t.Errorf("locktime = %d", tx.LockTime)
	}
	for i, in := range tx.TxIn {
		if in.Sequence != 0xFEABCDEF {
			t.Errorf("input %d sequence = %#x", i, in.Sequence)
		}
	}
	if tx.TxOut[0].Value != 100_000 || !bytes.Equal(tx.TxOut[0].PkScript, script) {
		t.Error("payout output does not pay the requested address and amount")
	}
	if sw.TxID != tx.TxHash().String() {
		t.Errorf("recorded txid %s, published %s", sw.TxID, tx.TxHash())
	}

	header := f.chain.Mine(sw.TxID)
	f.h.CheckPastSwaps(ctx)
	if f.env.Contract.ClaimCount() != 0 {
		t.Fatal("claimed with one confirmation")
	}

	f.chain.MineEmpty(1)
	f.h.CheckPastSwaps(ctx)
	if f.env.Contract.ClaimCount() != 0 {
		t.Fatal("claimed before the relay synced")
	}

	f.relay.Store(header, 101)
	f.relay.SetSynced(102)
	f.h.CheckPastSwaps(ctx)
	if f.env.Contract.ClaimCount() != 1 {
		t.Fatalf("claims = %d, want 1", f.env.Contract.ClaimCount())
	}
	data := f.env.Contract.Claims[0].TxData
	if data == nil || data.Vout != 0 || data.Header.BlockHeight != 101 {
		t.Fatalf("claim data = %+v", data)
	}
	if !spv.VerifyMerkleProof(data.Proof, header.MerkleRoot) {
		t.Error("claim proof does not fold to the block merkle root")
	}
	if _, ok := f.h.Get(quote.PaymentHash); ok {
		t.Error("claimed swap not removed")
	}
}

func TestFeeAboveQuote(t *testing.T) {
	f := newFixture(t)
	f.wallet.FundFee = 5_000

	quote := f.quote(t)
	sw := f.commit(t, quote, 1)
	if sw.State != StateNonPayable {
		t.Fatalf("state = %d, want NON_PAYABLE", sw.State)
	}
	if f.wallet.PublishCount() != 0 {
		t.Error("overpaying transaction was broadcast")
	}
	if len(f.wallet.Released) != 1 {
		t.Errorf("released %d outputs, want 1", len(f.wallet.Released))
	}

	auth, escrow, err := f.h.RefundAuthorization(quote.PaymentHash)
	if err != nil {
		t.Fatalf("RefundAuthorization() error = %v", err)
	}
	if auth.Prefix != contract.PrefixRefund || auth.Nonce != testNonce || !escrow.Equal(quote.Escrow) {
		t.Errorf("refund authorization = %+v", auth)
	}

	refund := &contract.RefundEvent{PaymentHash: quote.PaymentHash}
	if err := f.env.Events.Emit(context.Background(), refund); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.h.Get(quote.PaymentHash); ok {
		t.Error("refunded swap not removed")
	}
}

func TestTooLateToPay(t *testing.T) {
	f := newFixture(t)
	quote := f.quote(t)

	// 330 minutes left; a payout needs 1h + 10min × (10 + 2×2) × 2 = 340.
	f.env.Clock.Advance(130 * time.Minute)
	sw := f.commit(t, quote, 1)
	if sw.State != StateNonPayable {
		t.Fatalf("state = %d, want NON_PAYABLE", sw.State)
	}
	if f.wallet.Fundings != 0 {
		t.Error("wallet funded a payout that cannot confirm in time")
	}
}

func TestRecoverSending(t *testing.T) {
	t.Run("never broadcast", func(t *testing.T) {
		f := newFixture(t)
		f.wallet.PublishErr = status.Error(codes.Unavailable, "connection reset by peer")
		quote := f.quote(t)
		sw := f.commit(t, quote, 1)
		if sw.State != StateBtcSending || sw.TxID == "" {
			t.Fatalf("state = %d txid = %q, want BTC_SENDING with txid", sw.State, sw.TxID)
		}
		if len(sw.Locks) != 1 {
			t.Fatalf("persisted %d output locks, want 1", len(sw.Locks))
		}

		// The lock taken for the failed broadcast was persisted with it.
		f.env.Clock.Advance(3 * time.Minute)
		f.restart(t)
		f.wallet.PublishErr = nil
		f.h.CheckPastSwaps(context.Background())

		sw, _ = f.h.Get(quote.PaymentHash)
		if sw.State != StateBtcSent {
			t.Fatalf("state = %d, want BTC_SENT", sw.State)
		}
		if f.wallet.PublishCount() != 1 || f.wallet.Fundings != 2 {
			t.Errorf("published %d, funded %d; want 1 and 2", f.wallet.PublishCount(), f.wallet.Fundings)
		}
		if len(f.wallet.Released) != 1 {
			t.Errorf("released %d outputs of the abandoned payout, want 1", len(f.wallet.Released))
		}
		if sw.TxID != f.wallet.Published[0].TxHash().String() {
			t.Error("txid not updated to the re-broadcast transaction")
		}
	})

	t.Run("already broadcast", func(t *testing.T) {
		f := newFixture(t)
		quote := f.quote(t)
		sw := f.commit(t, quote, 1)

		// Crash after the broadcast but before BTC_SENT was stored.
		sw.Lock()
		sw.State = StateBtcSending
		if err := f.h.store.Save(sw); err != nil {
			t.Fatal(err)
		}
		sw.Unlock()

		f.restart(t)
		f.h.CheckPastSwaps(context.Background())

		sw, _ = f.h.Get(quote.PaymentHash)
		if sw.State != StateBtcSent {
			t.Fatalf("state = %d, want BTC_SENT", sw.State)
		}
		if f.wallet.PublishCount() != 1 || f.wallet.Fundings != 1 {
			t.Errorf("published %d, funded %d; want 1 and 1", f.wallet.PublishCount(), f.wallet.Fundings)
		}
	})
}

func TestPublishErrors(t *testing.T) {
	tests := []struct {
		name      string
		before    error
		after     error
		wantState swap.State
		published int
		released  int
	}{
		{
			name:      "rejected as already known",
			after:     fmt.Errorf("%w: txn-already-in-mempool", bitcoin.ErrBroadcastFailed),
			wantState: StateBtcSent,
			published: 1,
		},
		{
			name:      "reply lost",
			after:     status.Error(codes.DeadlineExceeded, "context deadline exceeded"),
			wantState: StateBtcSending,
			published: 1,
		},
		{
			name:      "rejected",
			before:    fmt.Errorf("%w: min relay fee not met", bitcoin.ErrBroadcastFailed),
			wantState: StateCommited,
			released:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.wallet.PublishErr = tt.before
			f.wallet.PublishErrAfter = tt.after
			quote := f.quote(t)

			sw := f.commit(t, quote, 1)
			if sw.State != tt.wantState {
				t.Fatalf("state = %d, want %d", sw.State, tt.wantState)
			}
			if f.wallet.PublishCount() != tt.published || f.wallet.Fundings != 1 {
				t.Errorf("published %d, funded %d; want %d and 1", f.wallet.PublishCount(), f.wallet.Fundings, tt.published)
			}
			if len(f.wallet.Released) != tt.released {
				t.Errorf("released %d outputs, want %d", len(f.wallet.Released), tt.released)
			}

			// The next watchdog pass never pays a broadcast payout twice.
			f.wallet.PublishErr = nil
			f.wallet.PublishErrAfter = nil
			f.env.Clock.Advance(3 * time.Minute)
			f.h.CheckPastSwaps(context.Background())

			sw, _ = f.h.Get(quote.PaymentHash)
			if sw.State != StateBtcSent {
				t.Fatalf("state after watchdog = %d, want BTC_SENT", sw.State)
			}
			if f.wallet.PublishCount() != 1 {
				t.Errorf("published %d payouts, want 1", f.wallet.PublishCount())
			}
			if sw.TxID != f.wallet.Published[0].TxHash().String() {
				t.Error("txid does not match the broadcast payout")
			}
		})
	}
}

func TestCreateSwapRejects(t *testing.T) {
	recent := uint64(1_700_000_000-500_000_000) << 24
	tests := []struct {
		name   string
		mutate func(r *PayRequest)
		want   swap.Code
	}{
		{"amount too low", func(r *PayRequest) { r.Amount = 999 }, swap.CodeAmountTooLow},
		{"bad address", func(r *PayRequest) { r.Address = "not-an-address" }, swap.CodeInvalidRequest},
		{"too many confirmations", func(r *PayRequest) { r.Confirmations = 7 }, swap.CodeInvalidRequest},
		{"zero confirmations", func(r *PayRequest) { r.Confirmations = 0 }, swap.CodeInvalidRequest},
		{"target too far", func(r *PayRequest) { r.ConfirmationTarget = 13 }, swap.CodeInvalidRequest},
		{"nonce too recent", func(r *PayRequest) { r.Nonce = recent }, swap.CodeInvalidRequest},
		{"nonce overflows locktime", func(r *PayRequest) { r.Nonce = ^uint64(0) }, swap.CodeInvalidRequest},
		{"unpriced token", func(r *PayRequest) { r.Token = "0x4444444444444444444444444444444444444444" }, swap.CodeUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request(t)
			tt.mutate(req)
			_, err := f.h.CreateSwap(context.Background(), req)
			re, ok := swap.AsRequestError(err)
			if !ok || re.Code != tt.want {
				t.Fatalf("CreateSwap() error = %v, want code %d", err, tt.want)
			}
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		f := newFixture(t)
		f.quote(t)
		_, err := f.h.CreateSwap(context.Background(), f.request(t))
		if re, ok := swap.AsRequestError(err); !ok || re.Code != swap.CodeAlreadyPaid {
			t.Fatalf("CreateSwap() error = %v, want code %d", err, swap.CodeAlreadyPaid)
		}
	})
}

func TestRefundAuthorizationStates(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.h.RefundAuthorization(swap.Hash{1}); err == nil {
		t.Error("unknown swap accepted")
	} else if re, _ := swap.AsRequestError(err); re == nil || re.Code != swap.CodeNotFound {
		t.Errorf("unknown swap error = %v", err)
	}

	quote := f.quote(t)
	_, _, err := f.h.RefundAuthorization(quote.PaymentHash)
	if re, ok := swap.AsRequestError(err); !ok || re.Code != swap.CodeUnsupported {
		t.Errorf("uncommitted swap error = %v", err)
	}

	f.commit(t, quote, 1)
	_, _, err = f.h.RefundAuthorization(quote.PaymentHash)
	if re, ok := swap.AsRequestError(err); !ok || re.Code != swap.CodeAlreadyPaid || re.Data["txId"] == "" {
		t.Errorf("paid swap error = %v", err)
	}
}
