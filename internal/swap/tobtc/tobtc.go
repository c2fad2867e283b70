// Package tobtc pays out on-chain BTC against tokens escrowed by the
// counterparty.
//
// A quote binds the BTC payment to the escrow through the payment hash
// sha256(nonce | amount | outputScript) and through the escrow nonce, which
// the payout transaction carries in its locktime and input sequences. Once
// the escrow is committed the node funds, signs and broadcasts the payout,
// then claims the escrow with an SPV proof of the confirmed transaction.
package tobtc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/klingon-lp/internal/bitcoin"
	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/spv"
	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

const (
	StateNonPayable swap.State = -1
	StateSaved      swap.State = 0
	StateCommited   swap.State = 1
	StateBtcSending swap.State = 2
	StateBtcSent    swap.State = 3
)

// Swap is one on-chain payout.
type Swap struct {
	swap.Base
	Offer contract.Data `json:"offer"`
	// Nonce is the escrow nonce bound into the payout transaction.
	Nonce              uint64 `json:"nonce,string"`
	ConfirmationTarget uint64 `json:"confirmationTarget,string"`
	SatsPerVbyte       uint64 `json:"satsPerVbyte,string"`
	// Locks are the wallet outputs reserved for the pending payout.
	Locks []bitcoin.OutputLock `json:"locks,omitempty"`
}

func newSwap() *Swap { return &Swap{} }

// Bitcoin groups the bitcoin capabilities of the handler.
type Bitcoin struct {
	Chain  bitcoin.ChainSource
	Wallet bitcoin.Wallet
	Relay  spv.Relay
	Params *chaincfg.Params
}

// Handler runs the tobtc direction.
type Handler struct {
	deps   *swap.Deps
	cfg    config.ToBtcConfig
	btc    Bitcoin
	prover *spv.Prover
	store  *swap.Store[*Swap]
	log    *logging.Logger
}

var _ swap.Handler = (*Handler)(nil)

func New(deps *swap.Deps, cfg config.ToBtcConfig, btc Bitcoin) *Handler {
	return &Handler{
		deps:   deps,
		cfg:    cfg,
		btc:    btc,
		prover: spv.NewProver(btc.Chain),
		store:  swap.NewStore(deps.KV, swap.DirectionToBtc.Bucket(), newSwap),
		log:    logging.GetDefault().Component("tobtc"),
	}
}

func (h *Handler) Direction() swap.Direction { return swap.DirectionToBtc }

func (h *Handler) Init(ctx context.Context) error {
	if err := h.store.Load(); err != nil {
		return err
	}
	h.deps.Events.Subscribe(h.ProcessEvents)
	h.log.Info("Loaded swaps", "count", h.store.Len())
	return nil
}

func (h *Handler) StartWatchdog(ctx context.Context) {
	swap.NewWatchdog("tobtc", h.cfg.WatchdogInterval, h.CheckPastSwaps).Run(ctx)
}

// Get returns the swap for hash.
func (h *Handler) Get(hash swap.Hash) (*Swap, bool) {
	return h.store.Get(hash)
}

func (h *Handler) Info() map[string]string {
	info := swap.LimitsInfo(h.cfg.Limits)
	info["maxConfirmations"] = helpers.FormatUint(h.cfg.MaxConfirmations)
	info["maxConfTarget"] = helpers.FormatUint(h.cfg.MaxConfTarget)
	info["minEndCltv"] = helpers.FormatUint(h.cfg.MinEndCltv)
	info["swaps"] = fmt.Sprint(h.store.Len())
	return info
}

// PayRequest asks the node to pay BTC to an address.
type PayRequest struct {
	// Offerer is the counterparty account funding the escrow.
	Offerer            string
	Address            string
	Amount             uint64
	Confirmations      uint64
	ConfirmationTarget uint64
	Nonce              uint64
	Token              string
}

// PayQuote is the answer to a PayRequest.
type PayQuote struct {
	PaymentHash swap.Hash
	Amount      uint64
	SwapFee     uint64
	NetworkFee  uint64
	// Total is the token amount the escrow must hold.
	Total  *big.Int
	Escrow contract.Escrow
	Auth   *contract.Authorization
}

// expiryDelta is how long the escrow must stay open for a payout with the
// given confirmation requirements.
func (h *Handler) expiryDelta(confirmations, confTarget uint64) time.Duration {
	blocks := h.cfg.MinEndCltv + (confirmations+confTarget)*h.cfg.SendSafetyFactor
	return h.deps.Params.GracePeriod + h.deps.BlocksToDuration(blocks*h.deps.Params.SafetyFactor)
}

// minRemaining is the shortest time to expiry at which a payout still
// starts.
func (h *Handler) minRemaining(confirmations uint64) time.Duration {
	blocks := h.cfg.MinEndCltv + confirmations*h.cfg.SendSafetyFactor
	return h.deps.Params.GracePeriod + h.deps.BlocksToDuration(blocks*h.deps.Params.SafetyFactor)
}

func (h *Handler) checkNonce(nonce uint64, now time.Time) error {
	if nonce>>24 > uint64(^uint32(0))-nonceLocktimeOffset {
		return swap.Reject(swap.CodeInvalidRequest, "invalid nonce")
	}
	locktime := int64(NonceLocktime(nonce))
	if locktime > now.Add(-h.cfg.MinNonceAge).Unix() {
		return swap.Reject(swap.CodeInvalidRequest, "nonce locktime too recent").WithData(
			"maxLocktime", fmt.Sprint(now.Add(-h.cfg.MinNonceAge).Unix()))
	}
	return nil
}

// CreateSwap quotes a BTC payout and signs the escrow initialization.
func (h *Handler) CreateSwap(ctx context.Context, req *PayRequest) (*PayQuote, error) {
	offerer, err := h.deps.Contract.ParseAccount(req.Offerer)
	if err != nil {
		return nil, swap.Reject(swap.CodeInvalidRequest, "invalid offerer")
	}
	token, err := swap.CheckToken(h.deps.Oracle, h.deps.Contract, req.Token)
	if err != nil {
		return nil, err
	}
	script, err := swap.OutputScript(req.Address, h.btc.Params)
	if err != nil {
		return nil, err
	}
	if err := swap.CheckAmount(h.cfg.Limits, req.Amount); err != nil {
		return nil, err
	}
	if req.Confirmations == 0 || req.Confirmations > h.cfg.MaxConfirmations {
		return nil, swap.Reject(swap.CodeInvalidRequest, "invalid confirmations").WithData(
			"max", helpers.FormatUint(h.cfg.MaxConfirmations))
	}
	if req.ConfirmationTarget == 0 || req.ConfirmationTarget > h.cfg.MaxConfTarget {
		return nil, swap.Reject(swap.CodeInvalidRequest, "invalid confirmation target").WithData(
			"max", helpers.FormatUint(h.cfg.MaxConfTarget))
	}
	now := h.deps.Clock()
	if err := h.checkNonce(req.Nonce, now); err != nil {
		return nil, err
	}

	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	feeSat, satPerVbyte, err := h.btc.Wallet.EstimateFee(rctx, script, int64(req.Amount), uint32(req.ConfirmationTarget))
	if err != nil {
		return nil, fmt.Errorf("failed to estimate network fee: %w", err)
	}
	if feeSat <= 0 {
		return nil, fmt.Errorf("wallet estimated non-positive fee %d", feeSat)
	}
	networkFee := helpers.ApplyPPM(uint64(feeSat), h.cfg.NetworkFeeMultiplierPPM)
	swapFee := swap.SwapFee(h.cfg.Limits, req.Amount)

	total, err := h.deps.Oracle.SatsToToken(token.String(), req.Amount+networkFee+swapFee, true)
	if err != nil {
		return nil, fmt.Errorf("failed to price swap: %w", err)
	}

	hash := swap.TxoHash(req.Nonce, req.Amount, script)
	escrow, err := h.deps.Contract.CreateSwapData(&contract.EscrowParams{
		Kind:          contract.KindChainNonced,
		Offerer:       offerer,
		Claimer:       h.deps.Contract.Address(),
		Token:         token,
		Amount:        total,
		PaymentHash:   hash,
		Expiry:        uint64(now.Add(h.expiryDelta(req.Confirmations, req.ConfirmationTarget)).Unix()),
		Nonce:         req.Nonce,
		Confirmations: uint16(req.Confirmations),
		PayIn:         true,
		PayOut:        false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	authExpiry := h.deps.AuthExpiry()
	auth, err := h.deps.Contract.GetClaimInitSignature(escrow, h.deps.Nonces.ClaimNonce(), authExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	sw := &Swap{
		Offer:              contract.Data{Escrow: escrow},
		Nonce:              req.Nonce,
		ConfirmationTarget: req.ConfirmationTarget,
		SatsPerVbyte:       satPerVbyte,
	}
	sw.Init(swap.DirectionToBtc, hash, StateSaved, now)
	sw.BtcIdentifier = req.Address
	sw.Amount = req.Amount
	sw.SwapFee = swapFee
	sw.NetworkFee = networkFee
	sw.AuthExpiry = int64(authExpiry)

	inserted, err := h.store.Insert(sw)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, swap.Reject(swap.CodeAlreadyPaid, "swap with this nonce, amount and address already exists")
	}

	h.log.Info("Swap created", "hash", hash.String(), "address", req.Address, "amount", req.Amount,
		"networkFee", networkFee, "fee", swapFee)
	h.deps.NotifyState(&sw.Base)

	return &PayQuote{
		PaymentHash: hash,
		Amount:      req.Amount,
		SwapFee:     swapFee,
		NetworkFee:  networkFee,
		Total:       total,
		Escrow:      escrow,
		Auth:        auth,
	}, nil
}

// RefundAuthorization lets the counterparty take back an escrow the node
// refused to pay.
func (h *Handler) RefundAuthorization(hash swap.Hash) (*contract.Authorization, contract.Escrow, error) {
	sw, ok := h.store.Get(hash)
	if !ok {
		return nil, nil, swap.Reject(swap.CodeNotFound, "swap not found")
	}
	sw.Lock()
	defer sw.Unlock()

	switch sw.State {
	case StateNonPayable:
	case StateSaved:
		return nil, nil, swap.Reject(swap.CodeUnsupported, "escrow not committed")
	case StateBtcSent:
		return nil, nil, swap.Reject(swap.CodeAlreadyPaid, "already paid").WithData("txId", sw.TxID)
	default:
		return nil, nil, swap.Reject(swap.CodeInProgress, "payment in progress")
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

	if sw.State != StateSaved {
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
	if !ev.Data.Equal(sw.Offer.Escrow) {
		h.log.Warn("Committed escrow differs from quote", "hash", sw.PaymentHash.String())
		return h.setState(sw, StateNonPayable)
	}
	if err := h.setState(sw, StateCommited); err != nil {
		return err
	}

	if err := h.advance(ctx, sw); err != nil {
		h.log.Warn("Payout deferred to watchdog", "hash", sw.PaymentHash.String(), "error", err)
	}
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

// CheckPastSwaps re-drives every stored swap once.
func (h *Handler) CheckPastSwaps(ctx context.Context) {
	swap.Scan(ctx, h.log, h.deps.Params.Workers, h.store.List(), h.checkSwap)
}

func (h *Handler) checkSwap(ctx context.Context, sw *Swap) error {
	now := h.deps.Clock()

	switch sw.State {
	case StateSaved:
		if !sw.AuthExpired(now) {
			return nil
		}
		rctx, cancel := h.deps.RPCContext(ctx)
		defer cancel()
		committed, err := h.deps.Contract.GetCommitedData(rctx, [32]byte(sw.PaymentHash))
		if err != nil {
			return fmt.Errorf("failed to query escrow: %w", err)
		}
		if committed == nil || !committed.Equal(sw.Offer.Escrow) {
			return h.removeLocked(sw, "authorization expired")
		}
		// Committed while its initialize event is still unseen.
		sw.Escrow = contract.Data{Escrow: committed}
		if err := h.setState(sw, StateCommited); err != nil {
			return err
		}
		return h.advance(ctx, sw)

	case StateNonPayable:
		if !sw.Escrow.Set() {
			if sw.AuthExpired(now) {
				return h.removeLocked(sw, "not payable")
			}
			return nil
		}
		if sw.EscrowExpired(now) {
			return h.removeLocked(sw, "escrow expired unpaid")
		}
		return nil

	default:
		return h.advance(ctx, sw)
	}
}

// advance drives a committed swap as far as it can go right now. The caller
// holds the record mutex.
func (h *Handler) advance(ctx context.Context, sw *Swap) error {
	for {
		before := sw.State
		var err error
		switch sw.State {
		case StateCommited:
			err = h.sendBtc(ctx, sw)
		case StateBtcSending:
			err = h.recoverSending(ctx, sw)
		case StateBtcSent:
			err = h.claim(ctx, sw)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := h.store.Get(sw.PaymentHash); !ok || sw.State == before {
			return nil
		}
	}
}
