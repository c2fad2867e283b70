// Package tobtcln pays Lightning invoices against tokens escrowed by the
// counterparty in an HTLC escrow locked to the invoice's payment hash. The
// preimage released by a successful payment claims the escrow.
package tobtcln

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/lightning"
	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

const (
	StateNonPayable swap.State = -1
	StateSaved      swap.State = 0
	StateCommited   swap.State = 1
)

// Swap is one Lightning payout. BtcIdentifier holds the payment request,
// Amount the invoice value and NetworkFee the quoted routing fee budget.
type Swap struct {
	swap.Base
	Offer contract.Data `json:"offer"`
}

func newSwap() *Swap { return &Swap{} }

// Handler runs the tobtcln direction.
type Handler struct {
	deps  *swap.Deps
	cfg   config.ToBtcLnConfig
	ln    lightning.Client
	store *swap.Store[*Swap]
	log   *logging.Logger

	subMu   sync.Mutex
	subs    map[swap.Hash]context.CancelFunc
	baseCtx context.Context
}

var _ swap.Handler = (*Handler)(nil)

func New(deps *swap.Deps, cfg config.ToBtcLnConfig, ln lightning.Client) *Handler {
	return &Handler{
		deps:    deps,
		cfg:     cfg,
		ln:      ln,
		store:   swap.NewStore(deps.KV, swap.DirectionToBtcLn.Bucket(), newSwap),
		log:     logging.GetDefault().Component("tobtcln"),
		subs:    make(map[swap.Hash]context.CancelFunc),
		baseCtx: context.Background(),
	}
}

func (h *Handler) Direction() swap.Direction { return swap.DirectionToBtcLn }

// Init loads persisted swaps and subscribes to chain events. Payment
// subscriptions live until ctx is canceled.
func (h *Handler) Init(ctx context.Context) error {
	if err := h.store.Load(); err != nil {
		return err
	}
	h.subMu.Lock()
	h.baseCtx = ctx
	h.subMu.Unlock()
	h.deps.Events.Subscribe(h.ProcessEvents)
	h.log.Info("Loaded swaps", "count", h.store.Len())
	return nil
}

func (h *Handler) StartWatchdog(ctx context.Context) {
	swap.NewWatchdog("tobtcln", h.cfg.WatchdogInterval, h.CheckPastSwaps).Run(ctx)
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

// PayRequest asks the node to pay a Lightning invoice.
type PayRequest struct {
	Offerer string
	PayReq  string
	// MaxFee is the routing fee budget in satoshis.
	MaxFee uint64
	// Expiry is the unix time the counterparty's escrow expires.
	Expiry uint64
	Token  string
}

// PayQuote is the answer to a PayRequest.
type PayQuote struct {
	PaymentHash swap.Hash
	Amount      uint64
	SwapFee     uint64
	MaxFee      uint64
	Total       *big.Int
	Escrow      contract.Escrow
	Auth        *contract.Authorization
}

func (h *Handler) minTimeToExpiry() time.Duration {
	return h.deps.Params.GracePeriod + h.deps.BlocksToDuration(h.cfg.MinCltv*h.deps.Params.SafetyFactor)
}

// maxTimeoutHeight is the highest block height an HTLC of ours may time out
// at while still leaving the grace period before the escrow expires.
func (h *Handler) maxTimeoutHeight(height uint32, expiry uint64, now time.Time) uint32 {
	left := time.Unix(int64(expiry), 0).Sub(now) - h.deps.Params.GracePeriod
	if left <= 0 {
		return height
	}
	perBlock := h.deps.BlocksToDuration(h.deps.Params.SafetyFactor)
	return height + uint32(left/perBlock)
}

// CreateSwap quotes an invoice payment and signs the escrow initialization.
func (h *Handler) CreateSwap(ctx context.Context, req *PayRequest) (*PayQuote, error) {
	offerer, err := h.deps.Contract.ParseAccount(req.Offerer)
	if err != nil {
		return nil, swap.Reject(swap.CodeInvalidRequest, "invalid offerer")
	}
	token, err := swap.CheckToken(h.deps.Oracle, h.deps.Contract, req.Token)
	if err != nil {
		return nil, err
	}

	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	inv, err := h.ln.DecodeInvoice(rctx, req.PayReq)
	if err != nil {
		return nil, swap.Reject(swap.CodeInvalidRequest, "invalid payment request")
	}
	if inv.AmountMsat == 0 {
		return nil, swap.Reject(swap.CodeInvalidRequest, "invoice has no amount")
	}
	now := h.deps.Clock()
	if !inv.ExpiresAt().After(now) {
		return nil, swap.Reject(swap.CodeExpired, "invoice expired")
	}
	amount := inv.AmountSat()
	if err := swap.CheckAmount(h.cfg.Limits, amount); err != nil {
		return nil, err
	}

	minExpiry := now.Add(h.minTimeToExpiry())
	if int64(req.Expiry) < minExpiry.Unix() {
		return nil, swap.Reject(swap.CodeExpired, "not enough time to pay").WithData(
			"minExpiry", fmt.Sprint(minExpiry.Unix()))
	}

	height, err := h.ln.BlockHeight(rctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block height: %w", err)
	}
	outbound, _, err := h.ln.ChannelBalance(rctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel balance: %w", err)
	}
	if outbound < amount+req.MaxFee {
		return nil, swap.Reject(swap.CodeNotEnoughLiquidity, "not enough outbound liquidity")
	}

	if _, err := h.ln.ProbeRoute(rctx, inv, req.MaxFee*1000, h.maxTimeoutHeight(height, req.Expiry, now)); err != nil {
		if errors.Is(err, lightning.ErrNoRoute) {
			return nil, swap.Reject(swap.CodeCannotRoute, "no route within fee and timeout bounds")
		}
		return nil, fmt.Errorf("route probe failed: %w", err)
	}

	swapFee := swap.SwapFee(h.cfg.Limits, amount)
	total, err := h.deps.Oracle.SatsToToken(token.String(), amount+req.MaxFee+swapFee, true)
	if err != nil {
		return nil, fmt.Errorf("failed to price swap: %w", err)
	}

	escrow, err := h.deps.Contract.CreateSwapData(&contract.EscrowParams{
		Kind:        contract.KindHTLC,
		Offerer:     offerer,
		Claimer:     h.deps.Contract.Address(),
		Token:       token,
		Amount:      total,
		PaymentHash: inv.PaymentHash,
		Expiry:      req.Expiry,
		PayIn:       true,
		PayOut:      false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	authExpiry := h.deps.AuthExpiry()
	auth, err := h.deps.Contract.GetClaimInitSignature(escrow, h.deps.Nonces.ClaimNonce(), authExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	sw := &Swap{Offer: contract.Data{Escrow: escrow}}
	sw.Init(swap.DirectionToBtcLn, inv.PaymentHash, StateSaved, now)
	sw.BtcIdentifier = req.PayReq
	sw.Amount = amount
	sw.SwapFee = swapFee
	sw.NetworkFee = req.MaxFee
	sw.AuthExpiry = int64(authExpiry)

	inserted, err := h.store.Insert(sw)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, swap.Reject(swap.CodeAlreadyPaid, "invoice already being paid")
	}

	h.log.Info("Swap created", "hash", sw.PaymentHash.String(), "amount", amount, "maxFee", req.MaxFee, "fee", swapFee)
	h.deps.NotifyState(&sw.Base)

	return &PayQuote{
		PaymentHash: sw.PaymentHash,
		Amount:      amount,
		SwapFee:     swapFee,
		MaxFee:      req.MaxFee,
		Total:       total,
		Escrow:      escrow,
		Auth:        auth,
	}, nil
}

// RefundAuthorization lets the counterparty take back an escrow whose
// invoice could not be paid.
func (h *Handler) RefundAuthorization(hash swap.Hash) (*contract.Authorization, contract.Escrow, error) {
	sw, ok := h.store.Get(hash)
	if !ok {
		return nil, nil, swap.Reject(swap.CodeNotFound, "swap not found")
	}
	sw.Lock()
	defer sw.Unlock()

	switch {
	case sw.State == StateNonPayable && sw.Escrow.Set():
	case sw.State == StateCommited:
		return nil, nil, swap.Reject(swap.CodeInProgress, "payment in progress")
	default:
		return nil, nil, swap.Reject(swap.CodeUnsupported, "escrow not committed")
	}

	auth, err := h.deps.Contract.GetRefundSignature(sw.Escrow, h.deps.AuthExpiry())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign refund: %w", err)
	}
	return auth, sw.Escrow.Escrow, nil
}

// ProcessEvents handles an ordered batch of chain events.
func (h *Handler) ProcessEvents(ctx context.Context, events []contract.Event) error {
	for _, ev := range events {
		var err error
		switch e := ev.(type) {
		case *contract.InitializeEvent:
			err = h.onInitialize(ctx, e)
		case *contract.ClaimEvent:
			err = h.remove(swap.Hash(e.PaymentHash), "claimed")
		case *contract.RefundEvent:
			err = h.remove(swap.Hash(e.PaymentHash), "refunded")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) onInitialize(ctx context.Context, ev *contract.InitializeEvent) error {
	sw, ok := h.store.Get(swap.Hash(ev.PaymentHash))
	if !ok {
		return nil
	}
	sw.Lock()
	defer sw.Unlock()

	if sw.State != StateSaved || sw.Escrow.Set() {
		return nil
	}
	if ev.Data == nil || !h.deps.Contract.AreWeClaimer(ev.Data) {
		h.log.Warn("Ignoring initialize event for another claimer", "hash", sw.PaymentHash.String())
		return nil
	}
	if err := h.deps.Nonces.SaveClaimNonce(ev.Nonce); err != nil {
		return err
	}

	sw.Escrow = contract.Data{Escrow: ev.Data}
	if err := h.store.Save(sw); err != nil {
		return err
	}
	if err := h.pay(ctx, sw); err != nil {
		h.log.Warn("Payment deferred to watchdog", "hash", sw.PaymentHash.String(), "error", err)
	}
	return nil
}

// escrowValue returns the satoshi value of the committed escrow, or false if
// it is not in the quoted token.
func (h *Handler) escrowValue(sw *Swap) (uint64, bool, error) {
	terms := sw.Escrow.Terms()
	offer := sw.Offer.Terms()
	if !terms.Token.Equal(offer.Token) || terms.Kind != contract.KindHTLC {
		return 0, false, nil
	}
	sats, err := h.deps.Oracle.TokenToSats(terms.Token.String(), terms.Amount)
	if err != nil {
		return 0, false, err
	}
	return sats, true, nil
}

// pay checks the committed escrow and sends the payment. The caller holds
// the record mutex and has recorded the escrow.
func (h *Handler) pay(ctx context.Context, sw *Swap) error {
	log := h.log.With("hash", sw.PaymentHash.String())

	value, ok, err := h.escrowValue(sw)
	if err != nil {
		return err
	}
	if !ok || value < sw.Amount+sw.SwapFee {
		log.Warn("Escrow does not cover the invoice", "value", value, "required", sw.Amount+sw.SwapFee)
		return h.setState(sw, StateNonPayable)
	}
	maxFee := value - sw.Amount - sw.SwapFee
	if maxFee > sw.NetworkFee {
		maxFee = sw.NetworkFee
	}

	now := h.deps.Clock()
	expiry := sw.Escrow.Terms().Expiry
	if time.Unix(int64(expiry), 0).Sub(now) < h.minTimeToExpiry() {
		log.Warn("Not enough time left to pay")
		return h.setState(sw, StateNonPayable)
	}

	release, ok := h.deps.Acquire(&sw.Base)
	if !ok {
		return nil
	}
	defer release()

	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	height, err := h.ln.BlockHeight(rctx)
	if err != nil {
		return fmt.Errorf("failed to get block height: %w", err)
	}
	err = h.ln.SendPayment(rctx, sw.BtcIdentifier, maxFee*1000, h.maxTimeoutHeight(height, expiry, now))
	if err != nil && !errors.Is(err, lightning.ErrAlreadyPaid) {
		return fmt.Errorf("failed to send payment: %w", err)
	}

	log.Info("Payment sent", "maxFee", maxFee)
	if err := h.setState(sw, StateCommited); err != nil {
		return err
	}
	h.subscribe(sw.PaymentHash)
	return nil
}

func (h *Handler) setState(sw *Swap, state swap.State) error {
	sw.State = state
	if err := h.store.Save(sw); err != nil {
		return err
	}
	h.deps.NotifyState(&sw.Base)
	return nil
}

func (h *Handler) remove(hash swap.Hash, reason string) error {
	h.unsubscribe(hash)
	sw, ok := h.store.Get(hash)
	if !ok {
		return nil
	}
	sw.Lock()
	defer sw.Unlock()
	return h.removeLocked(sw, reason)
}

func (h *Handler) removeLocked(sw *Swap, reason string) error {
	if err := h.store.Delete(sw.PaymentHash); err != nil {
		return err
	}
	h.log.Info("Swap finished", "hash", sw.PaymentHash.String(), "reason", reason)
	h.deps.NotifyRemoved(&sw.Base)
	return nil
}

// subscribe tracks the payment for hash until it is final. At most one
// subscription per hash is active.
func (h *Handler) subscribe(hash swap.Hash) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if _, ok := h.subs[hash]; ok {
		return
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	h.subs[hash] = cancel

	go func() {
		defer h.unsubscribe(hash)
		res, err := h.ln.TrackPayment(ctx, hash)
		if err != nil {
			if ctx.Err() == nil {
				h.log.Warn("Payment tracking failed", "hash", hash.String(), "error", err)
			}
			return
		}
		if err := h.onPaymentResult(ctx, hash, res); err != nil {
			h.log.Warn("Payment result handling failed", "hash", hash.String(), "error", err)
		}
	}()
}

func (h *Handler) unsubscribe(hash swap.Hash) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if cancel, ok := h.subs[hash]; ok {
		cancel()
		delete(h.subs, hash)
	}
}

func (h *Handler) subscribed(hash swap.Hash) bool {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	_, ok := h.subs[hash]
	return ok
}

func (h *Handler) onPaymentResult(ctx context.Context, hash swap.Hash, res *lightning.PaymentResult) error {
	sw, ok := h.store.Get(hash)
	if !ok {
		return nil
	}
	sw.Lock()
	defer sw.Unlock()

	if sw.State != StateCommited {
		return nil
	}
	switch res.Status {
	case lightning.PaymentFailed:
		h.log.Warn("Payment failed", "hash", hash.String(), "reason", res.Reason)
		return h.setState(sw, StateNonPayable)
	case lightning.PaymentSucceeded:
		if sha256.Sum256(res.Preimage[:]) != [32]byte(hash) {
			return fmt.Errorf("preimage does not match payment hash")
		}
		sw.SetSecret(res.Preimage)
		if err := h.store.Save(sw); err != nil {
			return err
		}
		h.log.Info("Payment succeeded", "hash", hash.String(), "feeMsat", res.FeeMsat)
		return h.claim(ctx, sw)
	}
	return nil
}

// claim collects the escrow with the payment preimage. The caller holds the
// record mutex.
func (h *Handler) claim(ctx context.Context, sw *Swap) error {
	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	committed, err := h.deps.Contract.IsCommited(rctx, sw.Escrow)
	if err != nil {
		return fmt.Errorf("failed to query escrow: %w", err)
	}
	if !committed {
		return h.removeLocked(sw, "escrow no longer committed")
	}

	release, ok := h.deps.Acquire(&sw.Base)
	if !ok {
		return nil
	}
	defer release()

	if err := h.deps.Contract.ClaimWithSecret(rctx, sw.Escrow, [32]byte(*sw.Secret)); err != nil {
		return fmt.Errorf("claim failed: %w", err)
	}
	return h.removeLocked(sw, "claimed")
}

// CheckPastSwaps re-drives every stored swap once.
func (h *Handler) CheckPastSwaps(ctx context.Context) {
	swap.Scan(ctx, h.log, h.deps.Params.Workers, h.store.List(), h.checkSwap)
}

func (h *Handler) checkSwap(ctx context.Context, sw *Swap) error {
	now := h.deps.Clock()

	switch sw.State {
	case StateSaved:
		if sw.Escrow.Set() {
			return h.pay(ctx, sw)
		}
		if !sw.AuthExpired(now) {
			return nil
		}
		rctx, cancel := h.deps.RPCContext(ctx)
		defer cancel()
		committed, err := h.deps.Contract.GetCommitedData(rctx, [32]byte(sw.PaymentHash))
		if err != nil {
			return fmt.Errorf("failed to query escrow: %w", err)
		}
		if committed == nil || !h.deps.Contract.AreWeClaimer(committed) {
			return h.removeLocked(sw, "authorization expired")
		}
		sw.Escrow = contract.Data{Escrow: committed}
		if err := h.store.Save(sw); err != nil {
			return err
		}
		return h.pay(ctx, sw)

	case StateCommited:
		if sw.Secret != nil {
			return h.claim(ctx, sw)
		}
		h.subscribe(sw.PaymentHash)
		return nil

	case StateNonPayable:
		if sw.Escrow.Set() && sw.EscrowExpired(now) {
			return h.removeLocked(sw, "escrow expired unpaid")
		}
		if !sw.Escrow.Set() && sw.AuthExpired(now) {
			return h.removeLocked(sw, "not payable")
		}
	}
	return nil
}
