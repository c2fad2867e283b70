package htlc

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Branch selects which spending path of the HTLC a transaction uses.
type Branch int

const (
	BranchCooperative Branch = iota
	BranchHash
	BranchTimeout
)

// KeySigner produces ECDSA signatures for keys addressed by derivation index.
// The key material may live in a remote signer.
type KeySigner interface {
	PubKey(keyIndex uint32) (*btcec.PublicKey, error)
	// SignDigest signs a 32-byte sighash and returns a DER signature.
	SignDigest(keyIndex uint32, digest []byte) ([]byte, error)
}

// SpendParams describe the single-input, single-output spend of an HTLC.
type SpendParams struct {
	PrevOut wire.OutPoint
	// Value is the HTLC output amount in satoshis.
	Value int64
	// Script is the witness script.
	Script []byte
	// DestPkScript receives Value minus Fee.
	DestPkScript []byte
	Fee          int64
	Branch       Branch
	// CsvDelta must match the script when Branch is BranchTimeout.
	CsvDelta int64
}

// BuildSpendTx returns the unsigned spend: version 2, one input, one output,
// locktime 0.
func BuildSpendTx(p *SpendParams) (*wire.MsgTx, error) {
	if len(p.Script) == 0 {
		return nil, fmt.Errorf("HTLC script required")
	}
	if p.Fee < 0 || p.Value <= p.Fee {
		return nil, fmt.Errorf("value %d does not cover fee %d", p.Value, p.Fee)
	}

	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(&p.PrevOut, nil, nil)
	switch p.Branch {
	case BranchTimeout:
		if p.CsvDelta < 0 || p.CsvDelta > MaxCsvDelta {
			return nil, ErrCsvDeltaTooLarge
		}
		txIn.Sequence = uint32(p.CsvDelta)
	default:
		txIn.Sequence = wire.MaxTxInSequenceNum
	}
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(p.Value-p.Fee, p.DestPkScript))
	tx.LockTime = 0
	return tx, nil
}

// SigHash computes the BIP143 SIGHASH_ALL digest for input 0 of tx.
func SigHash(tx *wire.MsgTx, script []byte, value int64) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(P2WSHScriptPubKey(script), value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	digest, err := txscript.CalcWitnessSigHash(script, sigHashes, txscript.SigHashAll, tx, 0, value)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}
	return digest, nil
}

// Sign returns a witness signature (DER plus SIGHASH_ALL byte) for input 0 of
// tx using the key at keyIndex.
func Sign(signer KeySigner, keyIndex uint32, tx *wire.MsgTx, script []byte, value int64) ([]byte, error) {
	digest, err := SigHash(tx, script, value)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignDigest(keyIndex, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return append(sig, byte(txscript.SigHashAll)), nil
}

// CooperativeWitness spends through the 2-of-2 branch. Signatures are in
// script key order.
func CooperativeWitness(ourSig, counterpartySig, script []byte) wire.TxWitness {
	return wire.TxWitness{
		{}, // CHECKMULTISIG dummy
		ourSig,
		counterpartySig,
		{0x01},
		script,
	}
}

// HashWitness spends through the preimage branch.
func HashWitness(ourSig, preimage, script []byte) wire.TxWitness {
	return wire.TxWitness{
		ourSig,
		preimage,
		{0x01},
		{},
		script,
	}
}

// TimeoutWitness spends through the CSV refund branch.
func TimeoutWitness(counterpartySig, script []byte) wire.TxWitness {
	return wire.TxWitness{
		counterpartySig,
		{},
		{},
		script,
	}
}
