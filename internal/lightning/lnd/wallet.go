package lnd

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"

	"github.com/klingon-exchange/klingon-lp/internal/bitcoin"
)

// NewAddress implements bitcoin.Wallet with a native segwit address.
func (c *Client) NewAddress(ctx context.Context) (string, error) {
	resp, err := c.ln.NewAddress(ctx, &lnrpc.NewAddressRequest{Type: lnrpc.AddressType_WITNESS_PUBKEY_HASH})
	if err != nil {
		return "", fmt.Errorf("failed to get new address: %w", err)
	}
	return resp.Address, nil
}

// EstimateFee implements bitcoin.Wallet.
func (c *Client) EstimateFee(ctx context.Context, pkScript []byte, amount int64, confTarget uint32) (int64, uint64, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, c.params)
	if err != nil || len(addrs) != 1 {
		return 0, 0, fmt.Errorf("unsupported output script %x", pkScript)
	}

	resp, err := c.ln.EstimateFee(ctx, &lnrpc.EstimateFeeRequest{
		AddrToAmount: map[string]int64{addrs[0].EncodeAddress(): amount},
		TargetConf:   int32(confTarget),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to estimate fee: %w", err)
	}
	return resp.FeeSat, resp.SatPerVbyte, nil
}

// FundPsbt implements bitcoin.Wallet. The selected inputs stay leased until
// ReleaseOutputs or until LND's lease expires.
func (c *Client) FundPsbt(ctx context.Context, outputs []*wire.TxOut, satPerVbyte uint64) (*bitcoin.FundedPsbt, error) {
	template, err := psbt.New(nil, outputs, 2, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build psbt template: %w", err)
	}
	var buf bytes.Buffer
	if err := template.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize psbt template: %w", err)
	}

	resp, err := c.wallet.FundPsbt(ctx, &walletrpc.FundPsbtRequest{
		Template: &walletrpc.FundPsbtRequest_Psbt{Psbt: buf.Bytes()},
		Fees:     &walletrpc.FundPsbtRequest_SatPerVbyte{SatPerVbyte: satPerVbyte},
		MinConfs: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fund psbt: %w", err)
	}

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(resp.FundedPsbt), false)
	if err != nil {
		return nil, fmt.Errorf("invalid funded psbt: %w", err)
	}

	funded := &bitcoin.FundedPsbt{Packet: packet, ChangeIndex: resp.ChangeOutputIndex}
	for _, lease := range resp.LockedUtxos {
		lock, err := fromLease(lease)
		if err != nil {
			return nil, err
		}
		funded.Locks = append(funded.Locks, lock)
	}
	return funded, nil
}

func fromLease(lease *walletrpc.UtxoLease) (bitcoin.OutputLock, error) {
	var lock bitcoin.OutputLock
	if len(lease.Id) != len(lock.ID) || lease.Outpoint == nil {
		return lock, fmt.Errorf("malformed utxo lease")
	}
	copy(lock.ID[:], lease.Id)
	hash, err := chainhash.NewHash(lease.Outpoint.TxidBytes)
	if err != nil {
		return lock, fmt.Errorf("malformed utxo lease outpoint: %w", err)
	}
	lock.Outpoint = wire.OutPoint{Hash: *hash, Index: lease.Outpoint.OutputIndex}
	return lock, nil
}

// FinalizePsbt implements bitcoin.Wallet.
func (c *Client) FinalizePsbt(ctx context.Context, packet *psbt.Packet) (*wire.MsgTx, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize psbt: %w", err)
	}

	resp, err := c.wallet.FinalizePsbt(ctx, &walletrpc.FinalizePsbtRequest{FundedPsbt: buf.Bytes()})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize psbt: %w", err)
	}

	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(resp.RawFinalTx)); err != nil {
		return nil, fmt.Errorf("invalid final transaction: %w", err)
	}
	return tx, nil
}

// ReleaseOutputs implements bitcoin.Wallet.
func (c *Client) ReleaseOutputs(ctx context.Context, locks []bitcoin.OutputLock) error {
	for _, lock := range locks {
		_, err := c.wallet.ReleaseOutput(ctx, &walletrpc.ReleaseOutputRequest{
			Id: lock.ID[:],
			Outpoint: &lnrpc.OutPoint{
				TxidBytes:   lock.Outpoint.Hash[:],
				OutputIndex: lock.Outpoint.Index,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to release %s: %w", lock.Outpoint, err)
		}
	}
	return nil
}

// PublishTransaction implements bitcoin.Wallet. Only a rejection reported by
// LND is returned as ErrBroadcastFailed.
func (c *Client) PublishTransaction(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("failed to serialize transaction: %w", err)
	}

	resp, err := c.wallet.PublishTransaction(ctx, &walletrpc.Transaction{
		TxHex: buf.Bytes(),
		Label: "swap payout",
	})
	if err != nil {
		// The transaction may have left before the call failed.
		return fmt.Errorf("failed to publish transaction: %w", err)
	}
	if resp.PublishError != "" {
		return fmt.Errorf("%w: %s", bitcoin.ErrBroadcastFailed, resp.PublishError)
	}
	return nil
}
