// Package contract defines the smart-contract chain capabilities used by the
// swap handlers: escrow data, signed authorizations, claim and refund calls,
// and the on-chain event stream.
package contract

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

// Kind is the claim condition of an escrow.
type Kind uint8

const (
	// KindHTLC is claimed by revealing the preimage of the payment hash.
	KindHTLC Kind = 0
	// KindChain is claimed with an SPV proof of a bitcoin payment.
	KindChain Kind = 1
	// KindChainNonced is KindChain with the escrow nonce bound into the
	// paying transaction's locktime and sequence fields.
	KindChainNonced Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindHTLC:
		return "htlc"
	case KindChain:
		return "chain"
	case KindChainNonced:
		return "chain_nonced"
	default:
		return "unknown"
	}
}

// Escrow type discriminators.
const (
	TypeEVM = "evm"
)

var (
	ErrUnknownEscrowType = errors.New("unknown escrow type")
	ErrAmountOverflow    = errors.New("amount does not fit in 64 bits")
)

// Account is a raw account identifier of the backing chain (20 bytes on EVM).
type Account []byte

func (a Account) String() string {
	return helpers.BytesToHex(a)
}

// Equal reports whether both accounts are the same.
func (a Account) Equal(b Account) bool {
	return bytes.Equal(a, b)
}

// Terms are the backend independent fields of an escrow.
type Terms struct {
	Offerer       Account
	Claimer       Account
	Token         Account
	Amount        *big.Int
	PaymentHash   [32]byte
	Expiry        uint64
	Nonce         uint64
	Confirmations uint16
	Kind          Kind
	PayIn         bool
	PayOut        bool
}

// Escrow is the on-chain escrow record of one swap. The set of
// implementations is closed; UnmarshalEscrow switches over all of them.
type Escrow interface {
	Type() string
	Terms() Terms
	Equal(other Escrow) bool
	isEscrow()
}

// EVMEscrow is an escrow held by the EVM swap contract.
type EVMEscrow struct {
	Offerer       common.Address
	Claimer       common.Address
	Token         common.Address
	Amount        *big.Int
	PaymentHash   [32]byte
	Expiry        uint64
	Nonce         uint64
	Confirmations uint16
	Kind          Kind
	PayIn         bool
	PayOut        bool
}

func (*EVMEscrow) isEscrow() {}

// Type implements Escrow.
func (e *EVMEscrow) Type() string { return TypeEVM }

// Terms implements Escrow.
func (e *EVMEscrow) Terms() Terms {
	amount := new(big.Int)
	if e.Amount != nil {
		amount.Set(e.Amount)
	}
	return Terms{
		Offerer:       Account(e.Offerer.Bytes()),
		Claimer:       Account(e.Claimer.Bytes()),
		Token:         Account(e.Token.Bytes()),
		Amount:        amount,
		PaymentHash:   e.PaymentHash,
		Expiry:        e.Expiry,
		Nonce:         e.Nonce,
		Confirmations: e.Confirmations,
		Kind:          e.Kind,
		PayIn:         e.PayIn,
		PayOut:        e.PayOut,
	}
}

// Equal implements Escrow.
func (e *EVMEscrow) Equal(other Escrow) bool {
	o, ok := Unwrap(other).(*EVMEscrow)
	if !ok || o == nil {
		return false
	}
	return e.Offerer == o.Offerer &&
		e.Claimer == o.Claimer &&
		e.Token == o.Token &&
		bigEqual(e.Amount, o.Amount) &&
		e.PaymentHash == o.PaymentHash &&
		e.Expiry == o.Expiry &&
		e.Nonce == o.Nonce &&
		e.Confirmations == o.Confirmations &&
		e.Kind == o.Kind &&
		e.PayIn == o.PayIn &&
		e.PayOut == o.PayOut
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

type evmEscrowJSON struct {
	Type          string `json:"type"`
	Offerer       string `json:"offerer"`
	Claimer       string `json:"claimer"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	PaymentHash   string `json:"paymentHash"`
	Expiry        string `json:"expiry"`
	Nonce         string `json:"nonce"`
	Confirmations string `json:"confirmations"`
	Kind          string `json:"kind"`
	PayIn         bool   `json:"payIn"`
	PayOut        bool   `json:"payOut"`
}

// MarshalJSON encodes the escrow with every integer as a decimal string.
func (e *EVMEscrow) MarshalJSON() ([]byte, error) {
	amount := "0"
	if e.Amount != nil {
		amount = e.Amount.String()
	}
	return json.Marshal(evmEscrowJSON{
		Type:          TypeEVM,
		Offerer:       e.Offerer.Hex(),
		Claimer:       e.Claimer.Hex(),
		Token:         e.Token.Hex(),
		Amount:        amount,
		PaymentHash:   hex.EncodeToString(e.PaymentHash[:]),
		Expiry:        strconv.FormatUint(e.Expiry, 10),
		Nonce:         strconv.FormatUint(e.Nonce, 10),
		Confirmations: strconv.FormatUint(uint64(e.Confirmations), 10),
		Kind:          strconv.FormatUint(uint64(e.Kind), 10),
		PayIn:         e.PayIn,
		PayOut:        e.PayOut,
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (e *EVMEscrow) UnmarshalJSON(b []byte) error {
	var j evmEscrowJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	if j.Type != "" && j.Type != TypeEVM {
		return fmt.Errorf("%w: %q", ErrUnknownEscrowType, j.Type)
	}
	for _, a := range []string{j.Offerer, j.Claimer, j.Token} {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("invalid address %q", a)
		}
	}

	amount, ok := new(big.Int).SetString(j.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount %q", j.Amount)
	}
	hash, err := hex.DecodeString(j.PaymentHash)
	if err != nil || len(hash) != 32 {
		return fmt.Errorf("invalid payment hash %q", j.PaymentHash)
	}
	expiry, err := strconv.ParseUint(j.Expiry, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry: %w", err)
	}
	nonce, err := strconv.ParseUint(j.Nonce, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid nonce: %w", err)
	}
	confs, err := strconv.ParseUint(j.Confirmations, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid confirmations: %w", err)
	}
	kind, err := strconv.ParseUint(j.Kind, 10, 8)
	if err != nil || Kind(kind) > KindChainNonced {
		return fmt.Errorf("invalid kind %q", j.Kind)
	}

	*e = EVMEscrow{
		Offerer:       common.HexToAddress(j.Offerer),
		Claimer:       common.HexToAddress(j.Claimer),
		Token:         common.HexToAddress(j.Token),
		Amount:        amount,
		Expiry:        expiry,
		Nonce:         nonce,
		Confirmations: uint16(confs),
		Kind:          Kind(kind),
		PayIn:         j.PayIn,
		PayOut:        j.PayOut,
	}
	copy(e.PaymentHash[:], hash)
	return nil
}

// MarshalEscrow encodes an escrow together with its type discriminator.
func MarshalEscrow(e Escrow) ([]byte, error) {
	switch v := Unwrap(e).(type) {
	case *EVMEscrow:
		return v.MarshalJSON()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEscrowType, e)
	}
}

// UnmarshalEscrow decodes an escrow by its type discriminator.
func UnmarshalEscrow(b []byte) (Escrow, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case TypeEVM:
		e := new(EVMEscrow)
		if err := e.UnmarshalJSON(b); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEscrowType, head.Type)
	}
}

// Data wraps an optional Escrow so it can be embedded in JSON records.
type Data struct {
	Escrow
}

// Unwrap returns the escrow held by a Data, or e itself.
func Unwrap(e Escrow) Escrow {
	switch d := e.(type) {
	case Data:
		return d.Escrow
	case *Data:
		if d == nil {
			return nil
		}
		return d.Escrow
	}
	return e
}

// Set reports whether an escrow is present.
func (d Data) Set() bool {
	return d.Escrow != nil
}

// MarshalJSON implements json.Marshaler.
func (d Data) MarshalJSON() ([]byte, error) {
	if d.Escrow == nil {
		return []byte("null"), nil
	}
	return MarshalEscrow(d.Escrow)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Data) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		d.Escrow = nil
		return nil
	}
	e, err := UnmarshalEscrow(b)
	if err != nil {
		return err
	}
	d.Escrow = e
	return nil
}
