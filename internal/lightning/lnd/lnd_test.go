package lnd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/klingon-exchange/klingon-lp/internal/bitcoin"
	"github.com/klingon-exchange/klingon-lp/internal/lightning"
)

// fakeLightning overrides the LightningClient calls the adapter uses; any
// other call panics on the nil embedded interface.
type fakeLightning struct {
	lnrpc.LightningClient

	height   uint32
	invoices map[string]*lnrpc.Invoice
	routes   []*lnrpc.Route
}

func (f *fakeLightning) GetInfo(context.Context, *lnrpc.GetInfoRequest, ...grpc.CallOption) (*lnrpc.GetInfoResponse, error) {
	return &lnrpc.GetInfoResponse{BlockHeight: f.height, SyncedToChain: true}, nil
}

func (f *fakeLightning) LookupInvoice(_ context.Context, in *lnrpc.PaymentHash, _ ...grpc.CallOption) (*lnrpc.Invoice, error) {
	inv, ok := f.invoices[hex.EncodeToString(in.RHash)]
	if !ok {
		return nil, status.Error(codes.NotFound, "there are no existing invoices")
	}
	return inv, nil
}

func (f *fakeLightning) QueryRoutes(context.Context, *lnrpc.QueryRoutesRequest, ...grpc.CallOption) (*lnrpc.QueryRoutesResponse, error) {
	if len(f.routes) == 0 {
		return nil, errors.New("unable to find a path to destination")
	}
	return &lnrpc.QueryRoutesResponse{Routes: f.routes}, nil
}

func (f *fakeLightning) ChannelBalance(context.Context, *lnrpc.ChannelBalanceRequest, ...grpc.CallOption) (*lnrpc.ChannelBalanceResponse, error) {
	return &lnrpc.ChannelBalanceResponse{
		LocalBalance:  &lnrpc.Amount{Sat: 700_000},
		RemoteBalance: &lnrpc.Amount{Sat: 300_000},
	}, nil
}

type fakeRouter struct {
	routerrpc.RouterClient
	updates []*lnrpc.Payment
	err     error
}

func (f *fakeRouter) TrackPaymentV2(context.Context, *routerrpc.TrackPaymentRequest, ...grpc.CallOption) (routerrpc.Router_TrackPaymentV2Client, error) {
	return &paymentStream{updates: f.updates, err: f.err}, nil
}

type paymentStream struct {
	grpc.ClientStream
	updates []*lnrpc.Payment
	err     error
}

func (s *paymentStream) Recv() (*lnrpc.Payment, error) {
	if len(s.updates) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, errors.New("stream closed")
	}
	p := s.updates[0]
	s.updates = s.updates[1:]
	return p, nil
}

type fakeInvoices struct {
	invoicesrpc.InvoicesClient
	settled [][]byte
}

func (f *fakeInvoices) SettleInvoice(_ context.Context, in *invoicesrpc.SettleInvoiceMsg, _ ...grpc.CallOption) (*invoicesrpc.SettleInvoiceResp, error) {
	f.settled = append(f.settled, in.Preimage)
	return &invoicesrpc.SettleInvoiceResp{}, nil
}

func TestDecodeInvoice(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	hash := sha256.Sum256([]byte("preimage"))
	created := time.Unix(1_700_000_000, 0)

	inv, err := zpay32.NewInvoice(&chaincfg.MainNetParams, hash, created,
		zpay32.Amount(lnwire.MilliSatoshi(50_000_000)),
		zpay32.Description("swap"),
		zpay32.Expiry(time.Hour),
		zpay32.CLTVExpiry(80),
		zpay32.PaymentAddr([32]byte{0x11}),
	)
	if err != nil {
		t.Fatal(err)
	}
	payReq, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(priv, chainhash.HashB(msg), true)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	c := newClient(nil, nil, nil, nil, &chaincfg.MainNetParams)
	got, err := c.DecodeInvoice(context.Background(), payReq)
	if err != nil {
		t.Fatalf("DecodeInvoice() error = %v", err)
	}
	if got.PaymentHash != hash {
		t.Error("payment hash mismatch")
	}
	if got.AmountSat() != 50_000 {
		t.Errorf("AmountSat() = %d, want 50000", got.AmountSat())
	}
	if !got.ExpiresAt().Equal(created.Add(time.Hour)) {
		t.Errorf("ExpiresAt() = %v", got.ExpiresAt())
	}
	if got.MinFinalCltv != 80 {
		t.Errorf("MinFinalCltv = %d, want 80", got.MinFinalCltv)
	}
	if got.Destination != hex.EncodeToString(priv.PubKey().SerializeCompressed()) {
		t.Errorf("Destination = %s", got.Destination)
	}

	if _, err := c.DecodeInvoice(context.Background(), "lnbc1garbage"); err == nil {
		t.Error("expected error for malformed payment request")
	}
}

func TestProbeRoute(t *testing.T) {
	inv := &lightning.Invoice{AmountMsat: 50_000_000, Destination: "02aa"}
	tests := []struct {
		name    string
		routes  []*lnrpc.Route
		want    *lightning.Route
		wantErr error
	}{
		{
			name:    "no path",
			wantErr: lightning.ErrNoRoute,
		},
		{
			name:    "timelock too far",
			routes:  []*lnrpc.Route{{TotalFeesMsat: 1_000, TotalTimeLock: 900}},
			wantErr: lightning.ErrNoRoute,
		},
		{
			name: "first usable route",
			routes: []*lnrpc.Route{
				{TotalFeesMsat: 600_000, TotalTimeLock: 700},
				{TotalFeesMsat: 2_000, TotalTimeLock: 750},
			},
			want: &lightning.Route{FeeMsat: 2_000, TimeLockHeight: 750},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(&fakeLightning{routes: tt.routes}, nil, nil, nil, &chaincfg.MainNetParams)
			got, err := c.ProbeRoute(context.Background(), inv, 500_000, 800)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ProbeRoute() error = %v, want %v", err, tt.wantErr)
			}
			if tt.want != nil && *got != *tt.want {
				t.Errorf("ProbeRoute() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTrackPayment(t *testing.T) {
	preimage := [32]byte{1, 2, 3}
	tests := []struct {
		name       string
		updates    []*lnrpc.Payment
		err        error
		wantStatus lightning.PaymentStatus
		wantErr    error
	}{
		{
			name: "succeeded after in flight",
			updates: []*lnrpc.Payment{
				{Status: lnrpc.Payment_IN_FLIGHT},
				{Status: lnrpc.Payment_SUCCEEDED, PaymentPreimage: hex.EncodeToString(preimage[:]), FeeMsat: 1500},
			},
			wantStatus: lightning.PaymentSucceeded,
		},
		{
			name:       "failed",
			updates:    []*lnrpc.Payment{{Status: lnrpc.Payment_FAILED, FailureReason: lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE}},
			wantStatus: lightning.PaymentFailed,
		},
		{
			name:    "unknown payment",
			err:     status.Error(codes.NotFound, "payment isn't initiated"),
			wantErr: lightning.ErrPaymentNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(nil, &fakeRouter{updates: tt.updates, err: tt.err}, nil, nil, &chaincfg.MainNetParams)
			res, err := c.TrackPayment(context.Background(), [32]byte{9})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("TrackPayment() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %v, want %v", res.Status, tt.wantStatus)
			}
			if res.Status == lightning.PaymentSucceeded && (res.Preimage != preimage || res.FeeMsat != 1500) {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestLookupInvoice(t *testing.T) {
	hash := [32]byte{7}
	ln := &fakeLightning{invoices: map[string]*lnrpc.Invoice{
		hex.EncodeToString(hash[:]): {
			State:        lnrpc.Invoice_ACCEPTED,
			Value:        100_000,
			AmtPaidMsat:  100_000_000,
			CreationDate: 1_700_000_000,
			Expiry:       3600,
			Htlcs: []*lnrpc.InvoiceHTLC{
				{State: lnrpc.InvoiceHTLCState_ACCEPTED, ExpiryHeight: 820_144},
				{State: lnrpc.InvoiceHTLCState_ACCEPTED, ExpiryHeight: 820_100},
				{State: lnrpc.InvoiceHTLCState_CANCELED, ExpiryHeight: 820_010},
			},
		},
	}}
	c := newClient(ln, nil, nil, nil, &chaincfg.MainNetParams)

	inv, err := c.LookupInvoice(context.Background(), hash)
	if err != nil {
		t.Fatal(err)
	}
	if inv.State != lightning.InvoiceAccepted || inv.AmountSat != 100_000 {
		t.Errorf("invoice = %+v", inv)
	}
	if inv.MinHtlcExpiry != 820_100 {
		t.Errorf("MinHtlcExpiry = %d, want 820100", inv.MinHtlcExpiry)
	}
	if !inv.ExpiresAt().Equal(time.Unix(1_700_003_600, 0)) {
		t.Errorf("ExpiresAt() = %v", inv.ExpiresAt())
	}

	if _, err := c.LookupInvoice(context.Background(), [32]byte{8}); !errors.Is(err, lightning.ErrInvoiceNotFound) {
		t.Errorf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestSettleAndBalance(t *testing.T) {
	inv := &fakeInvoices{}
	c := newClient(&fakeLightning{height: 800_000}, nil, inv, nil, &chaincfg.MainNetParams)
	ctx := context.Background()

	if err := c.SettleInvoice(ctx, [32]byte{5}); err != nil {
		t.Fatal(err)
	}
	if len(inv.settled) != 1 || inv.settled[0][0] != 5 {
		t.Errorf("settled = %x", inv.settled)
	}

	out, in, err := c.ChannelBalance(ctx)
	if err != nil || out != 700_000 || in != 300_000 {
		t.Errorf("ChannelBalance() = %d, %d, %v", out, in, err)
	}
	if h, err := c.BlockHeight(ctx); err != nil || h != 800_000 {
		t.Errorf("BlockHeight() = %d, %v", h, err)
	}
}

type fakeWalletKit struct {
	walletrpc.WalletKitClient
	resp *walletrpc.PublishResponse
	err  error
}

func (f *fakeWalletKit) PublishTransaction(context.Context, *walletrpc.Transaction, ...grpc.CallOption) (*walletrpc.PublishResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestPublishTransactionErrors(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1_000, []byte{0x51}))

	tests := []struct {
		name     string
		wallet   *fakeWalletKit
		wantErr  bool
		rejected bool
	}{
		{"published", &fakeWalletKit{resp: &walletrpc.PublishResponse{}}, false, false},
		{"rejected", &fakeWalletKit{resp: &walletrpc.PublishResponse{PublishError: "insufficient fee"}}, true, true},
		{"deadline", &fakeWalletKit{err: status.Error(codes.DeadlineExceeded, "context deadline exceeded")}, true, false},
		{"unavailable", &fakeWalletKit{err: status.Error(codes.Unavailable, "connection reset")}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(&fakeLightning{}, nil, nil, tt.wallet, &chaincfg.RegressionNetParams)
			err := c.PublishTransaction(context.Background(), tx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PublishTransaction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, bitcoin.ErrBroadcastFailed); got != tt.rejected {
				t.Errorf("errors.Is(ErrBroadcastFailed) = %v, want %v (%v)", got, tt.rejected, err)
			}
		})
	}
}
