// Package htlc builds the three-branch P2WSH HTLC used for direct bitcoin
// swaps and signs its spending paths.
//
// Script structure:
//
//	OP_IF
//	    OP_2 <our_pubkey> <counterparty_pubkey> OP_2 OP_CHECKMULTISIG
//	OP_ELSE
//	    OP_IF
//	        OP_SIZE 32 OP_EQUALVERIFY OP_SHA256 <payment_hash> OP_EQUALVERIFY
//	        <our_pubkey> OP_CHECKSIG
//	    OP_ELSE
//	        <csv_delta> OP_CHECKSEQUENCEVERIFY OP_DROP
//	        <counterparty_pubkey> OP_CHECKSIG
//	    OP_ENDIF
//	OP_ENDIF
//
// The first branch is the cooperative close, the second lets us claim by
// revealing the payment preimage and the third refunds the counterparty once
// csv_delta blocks have passed since the output confirmed.
package htlc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// MaxCsvDelta is the largest relative block delay a sequence can encode.
const MaxCsvDelta = 0xFFFF

var (
	ErrNegativeCsvDelta = errors.New("csv delta must not be negative")
	ErrCsvDeltaTooLarge = errors.New("csv delta exceeds 65535 blocks")
)

// Script is a built HTLC together with its address.
type Script struct {
	Script     []byte
	Address    string
	ScriptHash [32]byte

	PaymentHash     []byte
	OurKey          []byte
	CounterpartyKey []byte
	CsvDelta        int64
}

// Hex returns the witness script as hex.
func (s *Script) Hex() string {
	return hex.EncodeToString(s.Script)
}

// PkScript returns the P2WSH output script paying to the HTLC.
func (s *Script) PkScript() []byte {
	return P2WSHScriptPubKey(s.Script)
}

// BuildScriptBytes returns the raw witness script.
func BuildScriptBytes(csvDelta int64, paymentHash, ourKey, counterpartyKey []byte) ([]byte, error) {
	if csvDelta < 0 {
		return nil, ErrNegativeCsvDelta
	}
	if csvDelta > MaxCsvDelta {
		return nil, ErrCsvDeltaTooLarge
	}
	if len(paymentHash) != 32 {
		return nil, fmt.Errorf("payment hash must be 32 bytes, got %d", len(paymentHash))
	}
	if len(ourKey) != 33 {
		return nil, fmt.Errorf("our pubkey must be 33 bytes (compressed), got %d", len(ourKey))
	}
	if len(counterpartyKey) != 33 {
		return nil, fmt.Errorf("counterparty pubkey must be 33 bytes (compressed), got %d", len(counterpartyKey))
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_2)
	builder.AddData(ourKey)
	builder.AddData(counterpartyKey)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(paymentHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(ourKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(csvDelta)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(counterpartyKey)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// BuildScript builds the HTLC and derives its P2WSH address.
func BuildScript(csvDelta int64, paymentHash []byte, ourKey, counterpartyKey *btcec.PublicKey, params *chaincfg.Params) (*Script, error) {
	ourBytes := ourKey.SerializeCompressed()
	cpBytes := counterpartyKey.SerializeCompressed()

	script, err := BuildScriptBytes(csvDelta, paymentHash, ourBytes, cpBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTLC script: %w", err)
	}

	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}

	return &Script{
		Script:          script,
		Address:         address.EncodeAddress(),
		ScriptHash:      scriptHash,
		PaymentHash:     append([]byte(nil), paymentHash...),
		OurKey:          ourBytes,
		CounterpartyKey: cpBytes,
		CsvDelta:        csvDelta,
	}, nil
}

// P2WSHScriptPubKey returns OP_0 <sha256(script)>.
func P2WSHScriptPubKey(script []byte) []byte {
	scriptHash := sha256.Sum256(script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	pkScript, _ := builder.Script()
	return pkScript
}

// AddressFromScript derives the P2WSH address of a witness script.
func AddressFromScript(script []byte, params *chaincfg.Params) (string, error) {
	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return address.EncodeAddress(), nil
}

// ParseScript extracts the parameters of an HTLC built by BuildScriptBytes.
// The script must match the canonical encoding byte for byte.
func ParseScript(script []byte) (csvDelta int64, paymentHash, ourKey, counterpartyKey []byte, err error) {
	type token struct {
		op   byte
		data []byte
	}
	var tokens []token
	tok := txscript.MakeScriptTokenizer(0, script)
	for tok.Next() {
		tokens = append(tokens, token{op: tok.Opcode(), data: tok.Data()})
	}
	if tok.Err() != nil {
		return 0, nil, nil, nil, fmt.Errorf("failed to parse script: %w", tok.Err())
	}
	if len(tokens) != 24 {
		return 0, nil, nil, nil, fmt.Errorf("not an HTLC script: %d opcodes", len(tokens))
	}

	ourKey = tokens[2].data
	counterpartyKey = tokens[3].data
	paymentHash = tokens[12].data

	csv := tokens[17]
	switch {
	case csv.op == txscript.OP_0:
		csvDelta = 0
	case txscript.IsSmallInt(csv.op):
		csvDelta = int64(txscript.AsSmallInt(csv.op))
	case len(csv.data) > 0 && len(csv.data) <= 3:
		for i, b := range csv.data {
			csvDelta |= int64(b) << (8 * i)
		}
	default:
		return 0, nil, nil, nil, errors.New("invalid csv delta push")
	}

	rebuilt, err := BuildScriptBytes(csvDelta, paymentHash, ourKey, counterpartyKey)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	if !bytes.Equal(rebuilt, script) {
		return 0, nil, nil, nil, errors.New("not an HTLC script: encoding mismatch")
	}
	return csvDelta, paymentHash, ourKey, counterpartyKey, nil
}
