package tobtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-lp/internal/bitcoin"
	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/spv"
	"github.com/klingon-exchange/klingon-lp/internal/swap"
)

// Locktimes at or above this value are unix timestamps.
const nonceLocktimeOffset = 500_000_000

// NonceLocktime is the payout locktime carrying the upper 40 bits of nonce.
func NonceLocktime(nonce uint64) uint32 {
	return uint32(nonce>>24) + nonceLocktimeOffset
}

// NonceSequence is the input sequence carrying the lower 24 bits of nonce.
// The top bits keep relative locktimes disabled while leaving the locktime
// enforced.
func NonceSequence(nonce uint64) uint32 {
	return 0xFE000000 | uint32(nonce&0xFFFFFF)
}

// bindNonce writes nonce into tx's locktime and every input sequence.
func bindNonce(tx *wire.MsgTx, nonce uint64) {
	tx.LockTime = NonceLocktime(nonce)
	seq := NonceSequence(nonce)
	for _, in := range tx.TxIn {
		in.Sequence = seq
	}
}

func nonceBound(tx *wire.MsgTx, nonce uint64) bool {
	if tx.LockTime != NonceLocktime(nonce) {
		return false
	}
	for _, in := range tx.TxIn {
		if in.Sequence != NonceSequence(nonce) {
			return false
		}
	}
	return true
}

func (h *Handler) releaseOutputs(ctx context.Context, locks []bitcoin.OutputLock) {
	if len(locks) == 0 {
		return
	}
	if err := h.btc.Wallet.ReleaseOutputs(ctx, locks); err != nil {
		h.log.Warn("Failed to release wallet outputs", "count", len(locks), "error", err)
	}
}

// sendBtc funds, signs and broadcasts the payout of a committed swap.
func (h *Handler) sendBtc(ctx context.Context, sw *Swap) error {
	log := h.log.With("hash", sw.PaymentHash.String())
	terms := sw.Escrow.Terms()
	now := h.deps.Clock()

	remaining := time.Unix(int64(terms.Expiry), 0).Sub(now)
	if remaining < h.minRemaining(uint64(terms.Confirmations)) {
		log.Warn("Not enough time left to pay out", "remaining", remaining)
		return h.setState(sw, StateNonPayable)
	}

	release, ok := h.deps.Acquire(&sw.Base)
	if !ok {
		return nil
	}
	defer release()

	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	script, err := swap.OutputScript(sw.BtcIdentifier, h.btc.Params)
	if err != nil {
		return err
	}
	funded, err := h.btc.Wallet.FundPsbt(rctx, []*wire.TxOut{wire.NewTxOut(int64(sw.Amount), script)}, sw.SatsPerVbyte)
	if err != nil {
		return fmt.Errorf("failed to fund payout: %w", err)
	}
	bindNonce(funded.Packet.UnsignedTx, sw.Nonce)

	fee, err := funded.Packet.GetTxFee()
	if err != nil {
		h.releaseOutputs(rctx, funded.Locks)
		return fmt.Errorf("failed to compute payout fee: %w", err)
	}
	if fee < 0 || uint64(fee) > sw.NetworkFee {
		log.Warn("Network fee above quote", "fee", int64(fee), "quoted", sw.NetworkFee)
		h.releaseOutputs(rctx, funded.Locks)
		return h.setState(sw, StateNonPayable)
	}

	tx, err := h.btc.Wallet.FinalizePsbt(rctx, funded.Packet)
	if err != nil {
		h.releaseOutputs(rctx, funded.Locks)
		return fmt.Errorf("failed to sign payout: %w", err)
	}
	if !nonceBound(tx, sw.Nonce) {
		h.releaseOutputs(rctx, funded.Locks)
		return errors.New("wallet changed locktime or sequence while signing")
	}

	txid := tx.TxHash().String()
	if err := sw.SetTxID(txid); err != nil {
		h.releaseOutputs(rctx, funded.Locks)
		return err
	}
	sw.Locks = funded.Locks
	if err := h.setState(sw, StateBtcSending); err != nil {
		h.releaseOutputs(rctx, funded.Locks)
		sw.State, sw.TxID, sw.Locks = StateCommited, "", nil
		return err
	}

	if err := h.btc.Wallet.PublishTransaction(rctx, tx); err != nil {
		if errors.Is(err, bitcoin.ErrBroadcastFailed) {
			log.Warn("Payout rejected by the network", "txid", txid, "error", err)
			return h.recoverSending(ctx, sw)
		}
		return fmt.Errorf("broadcast of payout %s unconfirmed: %w", txid, err)
	}

	log.Info("Payout broadcast", "txid", txid, "fee", int64(fee))
	sw.Locks = nil
	return h.setState(sw, StateBtcSent)
}

// recoverSending resolves a swap whose broadcast outcome is unknown. Only a
// payout the node has never seen is funded again.
func (h *Handler) recoverSending(ctx context.Context, sw *Swap) error {
	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()

	_, err := h.btc.Chain.GetTransaction(rctx, sw.TxID)
	switch {
	case err == nil:
		h.log.Info("Found payout of interrupted broadcast", "hash", sw.PaymentHash.String(), "txid", sw.TxID)
		sw.Locks = nil
		return h.setState(sw, StateBtcSent)
	case errors.Is(err, bitcoin.ErrTxNotFound):
		h.log.Warn("Payout was never broadcast, paying again", "hash", sw.PaymentHash.String(), "txid", sw.TxID)
		h.releaseOutputs(rctx, sw.Locks)
		sw.TxID = ""
		sw.Locks = nil
		return h.setState(sw, StateCommited)
	default:
		return fmt.Errorf("failed to look up payout %s: %w", sw.TxID, err)
	}
}

// claim proves the confirmed payout to the contract and collects the escrow.
func (h *Handler) claim(ctx context.Context, sw *Swap) error {
	rctx, cancel := h.deps.RPCContext(ctx)
	defer cancel()
	terms := sw.Escrow.Terms()

	tx, err := h.btc.Chain.GetTransaction(rctx, sw.TxID)
	if err != nil {
		return fmt.Errorf("failed to look up payout %s: %w", sw.TxID, err)
	}
	if !tx.Confirmed() || tx.Confirmations < int64(terms.Confirmations) {
		return nil
	}

	script, err := swap.OutputScript(sw.BtcIdentifier, h.btc.Params)
	if err != nil {
		return err
	}
	vout := -1
	for i, out := range tx.Tx.TxOut {
		if out.Value == int64(sw.Amount) && bytes.Equal(out.PkScript, script) {
			vout = i
			break
		}
	}
	if vout < 0 {
		return fmt.Errorf("payout %s has no output paying %d to %s", sw.TxID, sw.Amount, sw.BtcIdentifier)
	}

	proof, err := h.prover.ComputeMerkleProof(rctx, sw.TxID, tx.BlockHash)
	if err != nil {
		return err
	}
	blockHash, err := chainhash.NewHashFromStr(tx.BlockHash)
	if err != nil {
		return fmt.Errorf("invalid block hash %q: %w", tx.BlockHash, err)
	}
	required := proof.BlockHeight + uint32(terms.Confirmations) - 1
	header, err := spv.RetrieveCommittedHeader(rctx, h.btc.Relay, *blockHash, required)
	if err != nil {
		return err
	}
	if header == nil {
		h.log.Debug("Relay not synced yet", "hash", sw.PaymentHash.String(), "required", required)
		return nil
	}

	release, ok := h.deps.Acquire(&sw.Base)
	if !ok {
		return nil
	}
	defer release()

	committed, err := h.deps.Contract.IsCommited(rctx, sw.Escrow)
	if err != nil {
		return fmt.Errorf("failed to query escrow: %w", err)
	}
	if !committed {
		return h.removeLocked(sw, "escrow no longer committed")
	}

	var raw bytes.Buffer
	if err := tx.Tx.SerializeNoWitness(&raw); err != nil {
		return err
	}
	err = h.deps.Contract.ClaimWithTxData(rctx, sw.Escrow, &contract.TxClaimData{
		RawTx:  raw.Bytes(),
		Vout:   uint32(vout),
		Proof:  proof,
		Header: header,
	})
	if err != nil {
		return fmt.Errorf("claim failed: %w", err)
	}
	return h.removeLocked(sw, "claimed")
}
