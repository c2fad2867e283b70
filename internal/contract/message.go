package contract

import (
	"fmt"

	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

// Authorization message prefixes.
const (
	PrefixInitialize      = "initialize"
	PrefixClaimInitialize = "claim_initialize"
	PrefixRefund          = "refund"
)

// Authorization is a signed, nonce-bound and time-bounded permission for the
// counterparty to submit an escrow operation on our behalf.
type Authorization struct {
	Prefix string
	// Nonce is the init/claim nonce for initialize messages and the escrow
	// nonce for refunds.
	Nonce uint64
	// Timeout is the unix time after which the contract rejects it.
	Timeout   uint64
	Signature []byte
}

// AuthorizationMessage builds the byte message the contract re-derives when
// checking an authorization. The layout depends on the prefix:
//
//	initialize:       prefix | u64 nonce | token | claimer | u64 amount | u64 expiry | hash | u8 kind | u16 confs | u64 timeout
//	claim_initialize: prefix | u64 nonce | token | offerer | u64 amount | u64 expiry | hash | u8 kind | u16 confs | u64 timeout [| 0x01 | claimer]
//	refund:           prefix | u64 escrow nonce | token | offerer | u64 amount | u64 expiry | hash | u64 timeout
//
// All integers are little endian. The claimer suffix of claim_initialize is
// present only when the escrow does not pay out to the claimer directly.
func AuthorizationMessage(prefix string, nonce uint64, e Escrow, timeout uint64) ([]byte, error) {
	t := e.Terms()
	if !t.Amount.IsUint64() {
		return nil, ErrAmountOverflow
	}
	amount := t.Amount.Uint64()

	var account Account
	switch prefix {
	case PrefixInitialize:
		account = t.Claimer
	case PrefixClaimInitialize, PrefixRefund:
		account = t.Offerer
	default:
		return nil, fmt.Errorf("unknown authorization prefix %q", prefix)
	}

	msg := make([]byte, 0, len(prefix)+8+len(t.Token)+len(account)+16+32+3+8+1+len(t.Claimer))
	msg = append(msg, prefix...)
	msg = helpers.AppendU64LE(msg, nonce)
	msg = append(msg, t.Token...)
	msg = append(msg, account...)
	msg = helpers.AppendU64LE(msg, amount)
	msg = helpers.AppendU64LE(msg, t.Expiry)
	msg = append(msg, t.PaymentHash[:]...)
	if prefix != PrefixRefund {
		msg = append(msg, byte(t.Kind))
		msg = helpers.AppendU16LE(msg, t.Confirmations)
	}
	msg = helpers.AppendU64LE(msg, timeout)
	if prefix == PrefixClaimInitialize && !t.PayOut {
		msg = append(msg, 1)
		msg = append(msg, t.Claimer...)
	}
	return msg, nil
}
