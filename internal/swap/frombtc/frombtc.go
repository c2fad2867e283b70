// Package frombtc receives on-chain BTC and pays out tokens from the vault.
//
// The node quotes a fresh deposit address and signs an initialize
// authorization for an escrow that pays the counterparty once it proves the
// BTC payment to the contract. The counterparty commits the escrow, pays the
// address and claims; the node only refunds escrows that expired unclaimed.
package frombtc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/klingon-lp/internal/bitcoin"
	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

const (
	StateCreated  swap.State = 0
	StateCommited swap.State = 1
)

// Swap is one on-chain deposit.
type Swap struct {
	swap.Base
	// Offer is the escrow the authorization was issued for.
	Offer contract.Data `json:"offer"`
}

func newSwap() *Swap { return &Swap{} }

// Handler runs the frombtc direction.
type Handler struct {
	deps   *swap.Deps
	cfg    config.FromBtcConfig
	wallet bitcoin.Wallet
	params *chaincfg.Params
	store  *swap.Store[*Swap]
	log    *logging.Logger
}

var _ swap.Handler = (*Handler)(nil)

// New creates the handler. Init must be called before use.
func New(deps *swap.Deps, cfg config.FromBtcConfig, wallet bitcoin.Wallet, params *chaincfg.Params) *Handler {
	return &Handler{
		deps:   deps,
		cfg:    cfg,
		wallet: wallet,
		params: params,
		store:  swap.NewStore(deps.KV, swap.DirectionFromBtc.Bucket(), newSwap),
		log:    logging.GetDefault().Component("frombtc"),
	}
}

func (h *Handler) Direction() swap.Direction { return swap.DirectionFromBtc }

// Init loads persisted swaps and subscribes to chain events.
func (h *Handler) Init(ctx context.Context) error {
	if err := h.store.Load(); err != nil {
		return err
	}
	h.deps.Events.Subscribe(h.ProcessEvents)
	h.log.Info("Loaded swaps", "count", h.store.Len())
	return nil
}

// StartWatchdog blocks until ctx is canceled.
func (h *Handler) StartWatchdog(ctx context.Context) {
	swap.NewWatchdog("frombtc", h.cfg.WatchdogInterval, h.CheckPastSwaps).Run(ctx)
}

// Get returns the swap for hash.
func (h *Handler) Get(hash swap.Hash) (*Swap, bool) {
	return h.store.Get(hash)
}

func (h *Handler) Info() map[string]string {
	info := swap.LimitsInfo(h.cfg.Limits)
	info["csvDelta"] = helpers.FormatUint(h.cfg.CsvDelta)
	info["confirmations"] = helpers.FormatUint(uint64(h.cfg.Confirmations))
	info["swaps"] = fmt.Sprint(h.store.Len())
	return info
}

// AddressRequest asks for a deposit address.
type AddressRequest struct {
	// Address is the account receiving the tokens.
	Address string
	// Amount is the BTC deposit in satoshis.
	Amount uint64
	Token  string
}

// AddressQuote is the answer to an AddressRequest.
type AddressQuote struct {
	BtcAddress  string
	PaymentHash swap.Hash
	Amount      uint64
	SwapFee     uint64
	// Total is the token amount paid out.
	Total  *big.Int
	Escrow contract.Escrow
	Auth   *contract.Authorization
}

// expiry is how long the counterparty has to pay and prove the deposit.
func (h *Handler) expiry() time.Duration {
	return h.deps.BlocksToDuration(h.cfg.CsvDelta) / time.Duration(h.deps.Params.SafetyFactor)
}

// CreateSwap quotes a deposit address and signs the escrow initialization.
func (h *Handler) CreateSwap(ctx context.Context, req *AddressRequest) (*AddressQuote, error) {
	claimer, err := h.deps.Contract.ParseAccount(req.Address)
	if err != nil {
		return nil, swap.Reject(swap.CodeInvalidRequest, "invalid address")
	}
	token, err := swap.CheckToken(h.deps.Oracle, h.deps.Contract, req.Token)
	if err != nil {
		return nil, err
	}
	if err := swap.CheckAmount(h.cfg.Limits, req.Amount); err != nil {
		return nil, err
	}
	fee := swap.SwapFee(h.cfg.Limits, req.Amount)
	if fee >= req.Amount {
		return nil, swap.Reject(swap.CodeAmountTooLow, "amount does not cover the swap fee")
	}

	total, err := h.deps.Oracle.SatsToToken(token.String(), req.Amount-fee, false)
	if err != nil {
		return nil, fmt.Errorf("failed to price swap: %w", err)
	}

	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	balance, err := h.deps.Contract.GetBalance(rctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get vault balance: %w", err)
	}
	if balance.Cmp(total) < 0 {
		return nil, swap.Reject(swap.CodeNotEnoughLiquidity, "not enough liquidity")
	}

	btcAddress, err := h.wallet.NewAddress(rctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit address: %w", err)
	}
	script, err := swap.OutputScript(btcAddress, h.params)
	if err != nil {
		return nil, fmt.Errorf("wallet returned unusable address %s: %w", btcAddress, err)
	}

	now := h.deps.Clock()
	hash := swap.TxoHash(0, req.Amount, script)
	escrow, err := h.deps.Contract.CreateSwapData(&contract.EscrowParams{
		Kind:          contract.KindChain,
		Offerer:       h.deps.Contract.Address(),
		Claimer:       claimer,
		Token:         token,
		Amount:        total,
		PaymentHash:   hash,
		Expiry:        uint64(now.Add(h.expiry()).Unix()),
		Confirmations: h.cfg.Confirmations,
		PayIn:         false,
		PayOut:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	authExpiry := h.deps.AuthExpiry()
	auth, err := h.deps.Contract.GetInitSignature(escrow, h.deps.Nonces.InitNonce(), authExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	sw := &Swap{Offer: contract.Data{Escrow: escrow}}
	sw.Init(swap.DirectionFromBtc, hash, StateCreated, now)
	sw.BtcIdentifier = btcAddress
	sw.Amount = req.Amount
	sw.SwapFee = fee
	sw.AuthExpiry = int64(authExpiry)

	inserted, err := h.store.Insert(sw)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Deposit addresses are never reused.
		return nil, fmt.Errorf("duplicate payment hash %s", hash)
	}

	h.log.Info("Swap created", "hash", hash.String(), "address", btcAddress, "amount", req.Amount, "fee", fee)
	h.deps.NotifyState(&sw.Base)

	return &AddressQuote{
		BtcAddress:  btcAddress,
		PaymentHash: hash,
		Amount:      req.Amount,
		SwapFee:     fee,
		Total:       total,
		Escrow:      escrow,
		Auth:        auth,
	}, nil
}

// ProcessEvents handles an ordered batch of chain events.
func (h *Handler) ProcessEvents(ctx context.Context, events []contract.Event) error {
	for _, ev := range events {
		var err error
		switch e := ev.(type) {
		case *contract.InitializeEvent:
			err = h.onInitialize(e)
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

func (h *Handler) onInitialize(ev *contract.InitializeEvent) error {
	sw, ok := h.store.Get(swap.Hash(ev.PaymentHash))
	if !ok {
		return nil
	}
	sw.Lock()
	defer sw.Unlock()

	if sw.State != StateCreated {
		return nil
	}
	log := h.log.Swap(ev.PaymentHash[:])
	if ev.Data == nil || !h.deps.Contract.AreWeOfferer(ev.Data) || !ev.Data.Equal(sw.Offer.Escrow) {
		log.Warn("Ignoring initialize event with foreign escrow data")
		return nil
	}

	if err := h.deps.Nonces.SaveInitNonce(ev.Nonce); err != nil {
		return err
	}
	sw.State = StateCommited
	sw.Escrow = contract.Data{Escrow: ev.Data}
	if err := h.store.Save(sw); err != nil {
		return err
	}
	log.Info("Escrow committed", "nonce", ev.Nonce)
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
	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	switch sw.State {
	case StateCreated:
		if !sw.AuthExpired(now) {
			return nil
		}
		// The initialize event may still be in flight.
		committed, err := h.deps.Contract.GetCommitedData(rctx, [32]byte(sw.PaymentHash))
		if err != nil {
			return fmt.Errorf("failed to query escrow: %w", err)
		}
		if committed != nil && committed.Equal(sw.Offer.Escrow) {
			sw.State = StateCommited
			sw.Escrow = contract.Data{Escrow: committed}
			if err := h.store.Save(sw); err != nil {
				return err
			}
			h.deps.NotifyState(&sw.Base)
			return nil
		}
		return h.removeLocked(sw, "authorization expired")

	case StateCommited:
		if !sw.EscrowExpired(now) {
			return nil
		}
		committed, err := h.deps.Contract.IsCommited(rctx, sw.Escrow)
		if err != nil {
			return fmt.Errorf("failed to query escrow: %w", err)
		}
		if !committed {
			return h.removeLocked(sw, "escrow settled")
		}

		release, ok := h.deps.Acquire(&sw.Base)
		if !ok {
			return nil
		}
		defer release()

		h.log.Info("Refunding expired escrow", "hash", sw.PaymentHash.String())
		if err := h.deps.Contract.Refund(rctx, sw.Escrow); err != nil {
			return fmt.Errorf("refund failed: %w", err)
		}
		return h.removeLocked(sw, "refunded")
	}
	return nil
}
