// Package lnd implements the Lightning and on-chain wallet capabilities on
// top of LND's gRPC interface.
package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/lightningnetwork/lnd/zpay32"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"

	"github.com/klingon-exchange/klingon-lp/internal/bitcoin"
	"github.com/klingon-exchange/klingon-lp/internal/lightning"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

// Config holds the connection settings.
type Config struct {
	Host         string
	TLSCertPath  string
	MacaroonPath string
	// Timeout bounds a payment attempt; zero means 60 seconds.
	PaymentTimeout time.Duration
}

// Client talks to one LND node.
type Client struct {
	ln       lnrpc.LightningClient
	router   routerrpc.RouterClient
	invoices invoicesrpc.InvoicesClient
	wallet   walletrpc.WalletKitClient
	conn     *grpc.ClientConn

	params         *chaincfg.Params
	paymentTimeout time.Duration
	log            *logging.Logger
}

var (
	_ lightning.Client = (*Client)(nil)
	_ bitcoin.Wallet   = (*Client)(nil)
)

// Dial connects to LND using its TLS certificate and macaroon.
func Dial(cfg *Config, params *chaincfg.Params) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS cert: %w", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("failed to create macaroon credential: %w", err)
	}

	conn, err := grpc.Dial(cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial LND: %w", err)
	}

	c := newClient(
		lnrpc.NewLightningClient(conn),
		routerrpc.NewRouterClient(conn),
		invoicesrpc.NewInvoicesClient(conn),
		walletrpc.NewWalletKitClient(conn),
		params,
	)
	c.conn = conn
	if cfg.PaymentTimeout > 0 {
		c.paymentTimeout = cfg.PaymentTimeout
	}
	return c, nil
}

func newClient(ln lnrpc.LightningClient, router routerrpc.RouterClient, inv invoicesrpc.InvoicesClient,
	wallet walletrpc.WalletKitClient, params *chaincfg.Params) *Client {
	return &Client{
		ln:             ln,
		router:         router,
		invoices:       inv,
		wallet:         wallet,
		params:         params,
		paymentTimeout: 60 * time.Second,
		log:            logging.GetDefault().Component("lnd"),
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Ping checks that LND is reachable and synced.
func (c *Client) Ping(ctx context.Context) error {
	info, err := c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return fmt.Errorf("failed to get LND info: %w", err)
	}
	if !info.SyncedToChain {
		c.log.Warn("LND is not synced to chain", "height", info.BlockHeight)
	}
	return nil
}

// =============================================================================
// Outgoing payments
// =============================================================================

// DecodeInvoice decodes a BOLT11 payment request for the configured network.
func (c *Client) DecodeInvoice(_ context.Context, payReq string) (*lightning.Invoice, error) {
	inv, err := zpay32.Decode(payReq, c.params)
	if err != nil {
		return nil, fmt.Errorf("invalid payment request: %w", err)
	}
	if inv.PaymentHash == nil {
		return nil, fmt.Errorf("invalid payment request: no payment hash")
	}

	out := &lightning.Invoice{
		PaymentHash:  *inv.PaymentHash,
		CreatedAt:    inv.Timestamp,
		Expiry:       inv.Expiry(),
		MinFinalCltv: inv.MinFinalCLTVExpiry(),
	}
	if inv.MilliSat != nil {
		out.AmountMsat = uint64(*inv.MilliSat)
	}
	if inv.Destination != nil {
		out.Destination = hex.EncodeToString(inv.Destination.SerializeCompressed())
	}
	return out, nil
}

// ProbeRoute implements lightning.Client with QueryRoutes.
func (c *Client) ProbeRoute(ctx context.Context, inv *lightning.Invoice, maxFeeMsat uint64, maxTimeoutHeight uint32) (*lightning.Route, error) {
	resp, err := c.ln.QueryRoutes(ctx, &lnrpc.QueryRoutesRequest{
		PubKey:         inv.Destination,
		AmtMsat:        int64(inv.AmountMsat),
		FinalCltvDelta: int32(inv.MinFinalCltv),
		FeeLimit: &lnrpc.FeeLimit{
			Limit: &lnrpc.FeeLimit_FixedMsat{FixedMsat: int64(maxFeeMsat)},
		},
	})
	if err != nil {
		if isNoRoute(err) {
			return nil, lightning.ErrNoRoute
		}
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}

	for _, r := range resp.Routes {
		if uint64(r.TotalFeesMsat) > maxFeeMsat || r.TotalTimeLock > maxTimeoutHeight {
			continue
		}
		return &lightning.Route{FeeMsat: uint64(r.TotalFeesMsat), TimeLockHeight: r.TotalTimeLock}, nil
	}
	return nil, lightning.ErrNoRoute
}

// SendPayment implements lightning.Client. The payment keeps running in LND
// after this returns; TrackPayment reports its outcome.
func (c *Client) SendPayment(ctx context.Context, payReq string, maxFeeMsat uint64, maxTimeoutHeight uint32) error {
	height, err := c.BlockHeight(ctx)
	if err != nil {
		return err
	}
	if maxTimeoutHeight <= height {
		return fmt.Errorf("timeout height %d not above current height %d", maxTimeoutHeight, height)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.router.SendPaymentV2(streamCtx, &routerrpc.SendPaymentRequest{
		PaymentRequest:    payReq,
		FeeLimitMsat:      int64(maxFeeMsat),
		CltvLimit:         int32(maxTimeoutHeight - height),
		TimeoutSeconds:    int32(c.paymentTimeout / time.Second),
		NoInflightUpdates: true,
	})
	if err != nil {
		return fmt.Errorf("failed to send payment: %w", err)
	}

	// The first update confirms LND accepted the payment.
	if _, err := stream.Recv(); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return lightning.ErrAlreadyPaid
		}
		return fmt.Errorf("payment rejected: %w", err)
	}
	return nil
}

// TrackPayment implements lightning.Client.
func (c *Client) TrackPayment(ctx context.Context, paymentHash [32]byte) (*lightning.PaymentResult, error) {
	stream, err := c.router.TrackPaymentV2(ctx, &routerrpc.TrackPaymentRequest{
		PaymentHash:       paymentHash[:],
		NoInflightUpdates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to track payment: %w", err)
	}

	for {
		p, err := stream.Recv()
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, lightning.ErrPaymentNotFound
			}
			return nil, fmt.Errorf("payment stream: %w", err)
		}

		switch p.Status {
		case lnrpc.Payment_SUCCEEDED:
			preimage, err := lntypes.MakePreimageFromStr(p.PaymentPreimage)
			if err != nil {
				return nil, fmt.Errorf("invalid preimage from LND: %w", err)
			}
			return &lightning.PaymentResult{
				Status:   lightning.PaymentSucceeded,
				Preimage: preimage,
				FeeMsat:  uint64(p.FeeMsat),
			}, nil

		case lnrpc.Payment_FAILED:
			return &lightning.PaymentResult{
				Status: lightning.PaymentFailed,
				Reason: p.FailureReason.String(),
			}, nil
		}
	}
}

// =============================================================================
// Hold invoices
// =============================================================================

// AddHoldInvoice implements lightning.Client.
func (c *Client) AddHoldInvoice(ctx context.Context, req *lightning.HoldInvoiceRequest) (string, error) {
	resp, err := c.invoices.AddHoldInvoice(ctx, &invoicesrpc.AddHoldInvoiceRequest{
		Memo:       req.Memo,
		Hash:       req.PaymentHash[:],
		Value:      int64(req.AmountSat),
		Expiry:     int64(req.Expiry / time.Second),
		CltvExpiry: req.CltvDelta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to add hold invoice: %w", err)
	}
	return resp.PaymentRequest, nil
}

// LookupInvoice implements lightning.Client.
func (c *Client) LookupInvoice(ctx context.Context, paymentHash [32]byte) (*lightning.HoldInvoice, error) {
	inv, err := c.ln.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: paymentHash[:]})
	if err != nil {
		if status.Code(err) == codes.NotFound || strings.Contains(err.Error(), "unable to locate invoice") {
			return nil, lightning.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to lookup invoice: %w", err)
	}

	out := &lightning.HoldInvoice{
		PaymentHash:    paymentHash,
		PaymentRequest: inv.PaymentRequest,
		AmountSat:      uint64(inv.Value),
		PaidMsat:       uint64(inv.AmtPaidMsat),
		CreatedAt:      time.Unix(inv.CreationDate, 0),
		Expiry:         time.Duration(inv.Expiry) * time.Second,
	}
	switch inv.State {
	case lnrpc.Invoice_OPEN:
		out.State = lightning.InvoiceOpen
	case lnrpc.Invoice_ACCEPTED:
		out.State = lightning.InvoiceAccepted
	case lnrpc.Invoice_SETTLED:
		out.State = lightning.InvoiceSettled
	case lnrpc.Invoice_CANCELED:
		out.State = lightning.InvoiceCanceled
	}

	for _, h := range inv.Htlcs {
		if h.State != lnrpc.InvoiceHTLCState_ACCEPTED {
			continue
		}
		exp := uint32(h.ExpiryHeight)
		if out.MinHtlcExpiry == 0 || exp < out.MinHtlcExpiry {
			out.MinHtlcExpiry = exp
		}
	}
	return out, nil
}

// SettleInvoice implements lightning.Client.
func (c *Client) SettleInvoice(ctx context.Context, preimage [32]byte) error {
	if _, err := c.invoices.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{Preimage: preimage[:]}); err != nil {
		return fmt.Errorf("failed to settle invoice: %w", err)
	}
	return nil
}

// CancelInvoice implements lightning.Client.
func (c *Client) CancelInvoice(ctx context.Context, paymentHash [32]byte) error {
	if _, err := c.invoices.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{PaymentHash: paymentHash[:]}); err != nil {
		return fmt.Errorf("failed to cancel invoice: %w", err)
	}
	return nil
}

// =============================================================================
// Node state
// =============================================================================

// BlockHeight implements lightning.Client.
func (c *Client) BlockHeight(ctx context.Context) (uint32, error) {
	info, err := c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return 0, fmt.Errorf("failed to get LND info: %w", err)
	}
	return info.BlockHeight, nil
}

// ChannelBalance implements lightning.Client.
func (c *Client) ChannelBalance(ctx context.Context) (uint64, uint64, error) {
	resp, err := c.ln.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get channel balance: %w", err)
	}
	var outbound, inbound uint64
	if resp.LocalBalance != nil {
		outbound = resp.LocalBalance.Sat
	}
	if resp.RemoteBalance != nil {
		inbound = resp.RemoteBalance.Sat
	}
	return outbound, inbound, nil
}

func isNoRoute(err error) bool {
	if errors.Is(err, lightning.ErrNoRoute) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to find a path") || strings.Contains(msg, "no route")
}
