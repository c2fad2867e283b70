// Package frombtcln receives Lightning payments into hold invoices and pays
// out tokens from the vault through an HTLC escrow locked to the same
// payment hash.
//
// The counterparty picks the payment hash. Its HTLCs stay held until it
// claims the escrow, which reveals the preimage the node then settles the
// invoice with. An escrow that expires unclaimed is refunded and the
// invoice canceled.
package frombtcln

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/lightning"
	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

const (
	StateCanceled swap.State = -1
	StateCreated  swap.State = 0
	StateReceived swap.State = 1
	StateCommited swap.State = 2
	StateClaimed  swap.State = 3
)

// Swap is one Lightning deposit. BtcIdentifier holds the payment request.
type Swap struct {
	swap.Base
	Claimer string `json:"claimer"`
	Token   string `json:"token"`
	// Offer is the escrow the init authorization was issued for.
	Offer contract.Data `json:"offer"`
}

func newSwap() *Swap { return &Swap{} }

// Handler runs the frombtcln direction.
type Handler struct {
	deps  *swap.Deps
	cfg   config.FromBtcLnConfig
	ln    lightning.Client
	store *swap.Store[*Swap]
	log   *logging.Logger
}

var _ swap.Handler = (*Handler)(nil)

func New(deps *swap.Deps, cfg config.FromBtcLnConfig, ln lightning.Client) *Handler {
	return &Handler{
		deps:  deps,
		cfg:   cfg,
		ln:    ln,
		store: swap.NewStore(deps.KV, swap.DirectionFromBtcLn.Bucket(), newSwap),
		log:   logging.GetDefault().Component("frombtcln"),
	}
}

func (h *Handler) Direction() swap.Direction { return swap.DirectionFromBtcLn }

func (h *Handler) Init(ctx context.Context) error {
	if err := h.store.Load(); err != nil {
		return err
	}
	h.deps.Events.Subscribe(h.ProcessEvents)
	h.log.Info("Loaded swaps", "count", h.store.Len())
	return nil
}

func (h *Handler) StartWatchdog(ctx context.Context) {
	swap.NewWatchdog("frombtcln", h.cfg.WatchdogInterval, h.CheckPastSwaps).Run(ctx)
}

// Get returns the swap for hash.
func (h *Handler) Get(hash swap.Hash) (*Swap, bool) {
	return h.store.Get(hash)
}

func (h *Handler) Info() map[string]string {
	info := swap.LimitsInfo(h.cfg.Limits)
	info["minCltv"] = helpers.FormatUint(h.cfg.MinCltv)
	info["swaps"] = fmt.Sprint(h.store.Len())
	return info
}

// InvoiceRequest asks for a hold invoice.
type InvoiceRequest struct {
	PaymentHash swap.Hash
	Amount      uint64
	// Claimer receives the tokens.
	Claimer     string
	Token       string
	Description string
}

// InvoiceQuote is the answer to an InvoiceRequest.
type InvoiceQuote struct {
	PaymentRequest string
	SwapFee        uint64
	Total          *big.Int
}

// CreateInvoice creates a hold invoice for a payment hash chosen by the
// counterparty.
func (h *Handler) CreateInvoice(ctx context.Context, req *InvoiceRequest) (*InvoiceQuote, error) {
	if _, err := h.deps.Contract.ParseAccount(req.Claimer); err != nil {
		return nil, swap.Reject(swap.CodeInvalidRequest, "invalid address")
	}
	token, err := swap.CheckToken(h.deps.Oracle, h.deps.Contract, req.Token)
	if err != nil {
		return nil, err
	}
	if err := swap.CheckAmount(h.cfg.Limits, req.Amount); err != nil {
		return nil, err
	}
	swapFee := swap.SwapFee(h.cfg.Limits, req.Amount)
	if swapFee >= req.Amount {
		return nil, swap.Reject(swap.CodeAmountTooLow, "amount does not cover the swap fee")
	}
	if _, ok := h.store.Get(req.PaymentHash); ok {
		return nil, swap.Reject(swap.CodeAlreadyPaid, "payment hash already used")
	}

	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	_, inbound, err := h.ln.ChannelBalance(rctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel balance: %w", err)
	}
	if inbound < req.Amount {
		return nil, swap.Reject(swap.CodeNotEnoughLiquidity, "not enough inbound liquidity")
	}
	total, err := h.vaultCovers(rctx, token, req.Amount-swapFee)
	if err != nil {
		return nil, err
	}

	payReq, err := h.ln.AddHoldInvoice(rctx, &lightning.HoldInvoiceRequest{
		PaymentHash: req.PaymentHash,
		AmountSat:   req.Amount,
		Memo:        req.Description,
		Expiry:      h.cfg.InvoiceExpiry,
		CltvDelta:   h.cfg.MinCltv,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hold invoice: %w", err)
	}

	sw := &Swap{Claimer: req.Claimer, Token: token.String()}
	sw.Init(swap.DirectionFromBtcLn, req.PaymentHash, StateCreated, h.deps.Clock())
	sw.BtcIdentifier = payReq
	sw.Amount = req.Amount
	sw.SwapFee = swapFee

	inserted, err := h.store.Insert(sw)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, swap.Reject(swap.CodeAlreadyPaid, "payment hash already used")
	}

	h.log.Info("Invoice created", "hash", sw.PaymentHash.String(), "amount", req.Amount, "fee", swapFee)
	h.deps.NotifyState(&sw.Base)
	return &InvoiceQuote{PaymentRequest: payReq, SwapFee: swapFee, Total: total}, nil
}

// vaultCovers returns the token amount worth sats if the vault holds it.
func (h *Handler) vaultCovers(ctx context.Context, token contract.Account, sats uint64) (*big.Int, error) {
	total, err := h.deps.Oracle.SatsToToken(token.String(), sats, false)
	if err != nil {
		return nil, fmt.Errorf("failed to price swap: %w", err)
	}
	balance, err := h.deps.Contract.GetBalance(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get vault balance: %w", err)
	}
	if balance.Cmp(total) < 0 {
		return nil, swap.Reject(swap.CodeNotEnoughLiquidity, "not enough liquidity in vault")
	}
	return total, nil
}

// escrowBudget is how long the escrow may run so that it expires a grace
// period before the earliest held HTLC can time out.
func (h *Handler) escrowBudget(minHtlcExpiry, height uint32) time.Duration {
	if minHtlcExpiry <= height {
		return 0
	}
	blocks := uint64(minHtlcExpiry - height)
	return time.Duration(blocks)*h.deps.Params.BitcoinBlocktime/time.Duration(h.deps.Params.SafetyFactor) -
		h.deps.Params.GracePeriod
}

// PaymentAuth is the init authorization for a received payment.
type PaymentAuth struct {
	Escrow contract.Escrow
	Auth   *contract.Authorization
}

// GetPaymentAuth signs the escrow initialization once the invoice's HTLCs
// are held.
func (h *Handler) GetPaymentAuth(ctx context.Context, hash swap.Hash) (*PaymentAuth, error) {
	sw, ok := h.store.Get(hash)
	if !ok {
		return nil, swap.Reject(swap.CodeNotFound, "invoice not found")
	}
	sw.Lock()
	defer sw.Unlock()

	switch sw.State {
	case StateCreated:
	case StateReceived:
		return h.signOffer(sw)
	case StateCommited, StateClaimed:
		return nil, swap.Reject(swap.CodeAlreadyPaid, "escrow already committed")
	default:
		return nil, swap.Reject(swap.CodeExpired, "invoice canceled")
	}

	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	inv, err := h.ln.LookupInvoice(rctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up invoice: %w", err)
	}
	switch inv.State {
	case lightning.InvoiceAccepted:
	case lightning.InvoiceOpen:
		return nil, swap.Reject(swap.CodeInProgress, "invoice not paid yet")
	default:
		return nil, swap.Reject(swap.CodeExpired, "invoice %s", inv.State)
	}

	height, err := h.ln.BlockHeight(rctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block height: %w", err)
	}
	budget := h.escrowBudget(inv.MinHtlcExpiry, height)
	if budget <= 0 {
		h.log.Warn("Held HTLCs expire too soon", "hash", hash.String(), "minHtlcExpiry", inv.MinHtlcExpiry, "height", height)
		h.cancelLocked(rctx, sw)
		return nil, swap.Reject(swap.CodeExpired, "payment expires too soon")
	}

	token, err := h.deps.Contract.ParseAccount(sw.Token)
	if err != nil {
		return nil, err
	}
	total, err := h.vaultCovers(rctx, token, sw.Amount-sw.SwapFee)
	if err != nil {
		if re, ok := swap.AsRequestError(err); ok {
			h.cancelLocked(rctx, sw)
			return nil, re
		}
		return nil, err
	}
	claimer, err := h.deps.Contract.ParseAccount(sw.Claimer)
	if err != nil {
		return nil, err
	}

	escrow, err := h.deps.Contract.CreateSwapData(&contract.EscrowParams{
		Kind:        contract.KindHTLC,
		Offerer:     h.deps.Contract.Address(),
		Claimer:     claimer,
		Token:       token,
		Amount:      total,
		PaymentHash: [32]byte(hash),
		Expiry:      uint64(h.deps.Clock().Add(budget).Unix()),
		PayIn:       false,
		PayOut:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}
	sw.Offer = contract.Data{Escrow: escrow}
	sw.State = StateReceived
	return h.signOffer(sw)
}

// signOffer issues a fresh init authorization for the offered escrow and
// persists its expiry. The caller holds the record mutex.
func (h *Handler) signOffer(sw *Swap) (*PaymentAuth, error) {
	authExpiry := h.deps.AuthExpiry()
	auth, err := h.deps.Contract.GetInitSignature(sw.Offer, h.deps.Nonces.InitNonce(), authExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}
	sw.AuthExpiry = int64(authExpiry)
	if err := h.store.Save(sw); err != nil {
		return nil, err
	}
	h.deps.NotifyState(&sw.Base)
	return &PaymentAuth{Escrow: sw.Offer.Escrow, Auth: auth}, nil
}

// ProcessEvents handles an ordered batch of chain events.
func (h *Handler) ProcessEvents(ctx context.Context, events []contract.Event) error {
	for _, ev := range events {
		var err error
		switch e := ev.(type) {
		case *contract.InitializeEvent:
			err = h.onInitialize(e)
		case *contract.ClaimEvent:
			err = h.onClaim(ctx, e)
		case *contract.RefundEvent:
			err = h.onRefund(ctx, e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) onInitialize(ev *contract.InitializeEvent) error {
	sw, ok := h.store.Get(swap.Hash(ev.PaymentHash))
	if !ok {
		return nil
	}
	sw.Lock()
	defer sw.Unlock()

	if sw.State != StateReceived {
		return nil
	}
	if ev.Data == nil || !h.deps.Contract.AreWeOfferer(ev.Data) || !ev.Data.Equal(sw.Offer) {
		h.log.Warn("Ignoring initialize event for a different escrow", "hash", sw.PaymentHash.String())
		return nil
	}
	if err := h.deps.Nonces.SaveInitNonce(ev.Nonce); err != nil {
		return err
	}
	sw.Escrow = contract.Data{Escrow: ev.Data}
	return h.setState(sw, StateCommited)
}

func (h *Handler) onClaim(ctx context.Context, ev *contract.ClaimEvent) error {
	sw, ok := h.store.Get(swap.Hash(ev.PaymentHash))
	if !ok {
		return nil
	}
	sw.Lock()
	defer sw.Unlock()

	if sw.State != StateCommited && sw.State != StateClaimed {
		return nil
	}
	if sha256.Sum256(ev.Secret[:]) != ev.PaymentHash {
		h.log.Warn("Claim event secret does not match payment hash", "hash", sw.PaymentHash.String())
		return nil
	}
	sw.SetSecret(ev.Secret)
	if err := h.setState(sw, StateClaimed); err != nil {
		return err
	}
	if err := h.settle(ctx, sw); err != nil {
		h.log.Warn("Settle deferred to watchdog", "hash", sw.PaymentHash.String(), "error", err)
	}
	return nil
}

func (h *Handler) onRefund(ctx context.Context, ev *contract.RefundEvent) error {
	sw, ok := h.store.Get(swap.Hash(ev.PaymentHash))
	if !ok {
		return nil
	}
	sw.Lock()
	defer sw.Unlock()

	if sw.State == StateClaimed {
		return nil
	}
	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()
	h.cancelLocked(rctx, sw)
	return nil
}

// settle collects the held HTLCs with the revealed secret. The caller holds
// the record mutex and has persisted CLAIMED.
func (h *Handler) settle(ctx context.Context, sw *Swap) error {
	release, ok := h.deps.Acquire(&sw.Base)
	if !ok {
		return nil
	}
	defer release()

	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()
	if err := h.ln.SettleInvoice(rctx, [32]byte(*sw.Secret)); err != nil {
		return fmt.Errorf("failed to settle invoice: %w", err)
	}
	return h.removeLocked(sw, "settled")
}

// cancelLocked marks the swap canceled and releases the held HTLCs. A
// failed or contended cancel is retried by the watchdog.
func (h *Handler) cancelLocked(ctx context.Context, sw *Swap) {
	if sw.State != StateCanceled {
		if err := h.setState(sw, StateCanceled); err != nil {
			h.log.Error("Failed to persist cancel", "hash", sw.PaymentHash.String(), "error", err)
			return
		}
	}

	release, ok := h.deps.Acquire(&sw.Base)
	if !ok {
		return
	}
	defer release()

	err := h.ln.CancelInvoice(ctx, [32]byte(sw.PaymentHash))
	if err != nil && !errors.Is(err, lightning.ErrInvoiceNotFound) {
		h.log.Warn("Cancel deferred to watchdog", "hash", sw.PaymentHash.String(), "error", err)
		return
	}
	if err := h.removeLocked(sw, "canceled"); err != nil {
		h.log.Error("Failed to remove swap", "hash", sw.PaymentHash.String(), "error", err)
	}
}

func (h *Handler) setState(sw *Swap, state swap.State) error {
	sw.State = state
	if err := h.store.Save(sw); err != nil {
		return err
	}
	h.deps.NotifyState(&sw.Base)
	return nil
}

func (h *Handler) removeLocked(sw *Swap, reason string) error {
	if err := h.store.Delete(sw.PaymentHash); err != nil {
		return err
	}
	h.log.Info("Swap finished", "hash", sw.PaymentHash.String(), "reason", reason)
	h.deps.NotifyRemoved(&sw.Base)
	return nil
}

// CheckPastSwaps re-drives every stored swap once.
func (h *Handler) CheckPastSwaps(ctx context.Context) {
	swap.Scan(ctx, h.log, h.deps.Params.Workers, h.store.List(), h.checkSwap)
}

func (h *Handler) checkSwap(ctx context.Context, sw *Swap) error {
	now := h.deps.Clock()
	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	switch sw.State {
	case StateCreated:
		return h.checkInvoice(rctx, sw, now)

	case StateReceived:
		if !sw.AuthExpired(now) {
			return nil
		}
		committed, err := h.deps.Contract.GetCommitedData(rctx, [32]byte(sw.PaymentHash))
		if err != nil {
			return fmt.Errorf("failed to query escrow: %w", err)
		}
		if committed != nil && committed.Equal(sw.Offer) {
			h.log.Info("Found committed escrow without an event", "hash", sw.PaymentHash.String())
			sw.Escrow = contract.Data{Escrow: committed}
			return h.setState(sw, StateCommited)
		}
		h.cancelLocked(rctx, sw)
		return nil

	case StateCommited:
		if !sw.EscrowExpired(now) {
			return nil
		}
		return h.refund(rctx, sw)

	case StateClaimed:
		return h.settle(ctx, sw)

	case StateCanceled:
		h.cancelLocked(rctx, sw)
	}
	return nil
}

// checkInvoice drops invoices that were never paid or whose held HTLCs were
// never turned into an escrow in time.
func (h *Handler) checkInvoice(ctx context.Context, sw *Swap, now time.Time) error {
	inv, err := h.ln.LookupInvoice(ctx, [32]byte(sw.PaymentHash))
	if errors.Is(err, lightning.ErrInvoiceNotFound) {
		return h.removeLocked(sw, "invoice gone")
	}
	if err != nil {
		return fmt.Errorf("failed to look up invoice: %w", err)
	}

	switch inv.State {
	case lightning.InvoiceOpen:
		if now.After(inv.ExpiresAt()) {
			h.cancelLocked(ctx, sw)
		}
	case lightning.InvoiceAccepted:
		height, err := h.ln.BlockHeight(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block height: %w", err)
		}
		if h.escrowBudget(inv.MinHtlcExpiry, height) <= 0 {
			h.log.Warn("Held HTLCs about to expire", "hash", sw.PaymentHash.String())
			h.cancelLocked(ctx, sw)
		}
	case lightning.InvoiceCanceled:
		return h.removeLocked(sw, "invoice canceled")
	}
	return nil
}

// refund takes back an escrow that expired unclaimed and cancels the held
// HTLCs. The caller holds the record mutex.
func (h *Handler) refund(ctx context.Context, sw *Swap) error {
	refunded, err := h.refundEscrow(ctx, sw)
	if err != nil || !refunded {
		return err
	}
	h.cancelLocked(ctx, sw)
	return nil
}

// refundEscrow reports whether the escrow is now refunded by us. An escrow
// that is gone was claimed or refunded by someone else, and the swap waits
// for that event: a claim still settles the HTLCs.
func (h *Handler) refundEscrow(ctx context.Context, sw *Swap) (bool, error) {
	release, ok := h.deps.Acquire(&sw.Base)
	if !ok {
		return false, nil
	}
	defer release()

	committed, err := h.deps.Contract.IsCommited(ctx, sw.Escrow)
	if err != nil {
		return false, fmt.Errorf("failed to query escrow: %w", err)
	}
	if !committed {
		h.log.Warn("Expired escrow no longer committed, waiting for its event", "hash", sw.PaymentHash.String())
		return false, nil
	}
	if err := h.deps.Contract.Refund(ctx, sw.Escrow); err != nil {
		return false, fmt.Errorf("refund failed: %w", err)
	}
	h.log.Info("Refunded expired escrow", "hash", sw.PaymentHash.String())
	return true, nil
}
