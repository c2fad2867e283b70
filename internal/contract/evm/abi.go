package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-lp/internal/contract"
)

const escrowTupleABI = `{"name":"escrow","type":"tuple","internalType":"struct EscrowData","components":[` +
	`{"name":"offerer","type":"address"},` +
	`{"name":"claimer","type":"address"},` +
	`{"name":"token","type":"address"},` +
	`{"name":"amount","type":"uint256"},` +
	`{"name":"paymentHash","type":"bytes32"},` +
	`{"name":"expiry","type":"uint64"},` +
	`{"name":"nonce","type":"uint64"},` +
	`{"name":"confirmations","type":"uint16"},` +
	`{"name":"kind","type":"uint8"},` +
	`{"name":"payIn","type":"bool"},` +
	`{"name":"payOut","type":"bool"}]}`

// SwapMetaData describes the escrow contract interface the node uses.
var SwapMetaData = &bind.MetaData{
	ABI: `[` +
		`{"type":"function","name":"getEscrow","stateMutability":"view",` +
		`"inputs":[{"name":"paymentHash","type":"bytes32"}],` +
		`"outputs":[` + escrowTupleABI + `]},` +

		`{"type":"function","name":"balanceOf","stateMutability":"view",` +
		`"inputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"}],` +
		`"outputs":[{"name":"","type":"uint256"}]},` +

		`{"type":"function","name":"claimWithSecret","stateMutability":"nonpayable",` +
		`"inputs":[` + escrowTupleABI + `,{"name":"secret","type":"bytes32"}],"outputs":[]},` +

		`{"type":"function","name":"claimWithTxData","stateMutability":"nonpayable",` +
		`"inputs":[` + escrowTupleABI + `,` +
		`{"name":"committedHeader","type":"bytes"},` +
		`{"name":"rawTx","type":"bytes"},` +
		`{"name":"vout","type":"uint32"},` +
		`{"name":"position","type":"uint32"},` +
		`{"name":"proof","type":"bytes32[]"}],"outputs":[]},` +

		`{"type":"function","name":"refund","stateMutability":"nonpayable",` +
		`"inputs":[` + escrowTupleABI + `],"outputs":[]},` +

		`{"type":"event","name":"Initialize","anonymous":false,"inputs":[` +
		`{"name":"paymentHash","type":"bytes32","indexed":true},` +
		`{"name":"txoHash","type":"bytes32","indexed":false},` +
		`{"name":"nonce","type":"uint64","indexed":false},` +
		escrowTupleABI[:len(escrowTupleABI)-1] + `,"indexed":false}]},` +

		`{"type":"event","name":"Claim","anonymous":false,"inputs":[` +
		`{"name":"paymentHash","type":"bytes32","indexed":true},` +
		`{"name":"secret","type":"bytes32","indexed":false}]},` +

		`{"type":"event","name":"Refund","anonymous":false,"inputs":[` +
		`{"name":"paymentHash","type":"bytes32","indexed":true}]}` +
		`]`,
}

// RelayMetaData describes the bitcoin header relay contract.
var RelayMetaData = &bind.MetaData{
	ABI: `[` +
		`{"type":"function","name":"blockHeight","stateMutability":"view",` +
		`"inputs":[],"outputs":[{"name":"","type":"uint32"}]},` +

		`{"type":"function","name":"commitHashAt","stateMutability":"view",` +
		`"inputs":[{"name":"height","type":"uint32"}],"outputs":[{"name":"","type":"bytes32"}]},` +

		`{"type":"event","name":"StoreHeader","anonymous":false,"inputs":[` +
		`{"name":"blockHash","type":"bytes32","indexed":true},` +
		`{"name":"commitHash","type":"bytes32","indexed":true},` +
		`{"name":"header","type":"bytes","indexed":false}]}` +
		`]`,
}

// escrowTuple mirrors the EscrowData struct of the contract. Field order and
// types must match the ABI tuple.
type escrowTuple struct {
	Offerer       common.Address
	Claimer       common.Address
	Token         common.Address
	Amount        *big.Int
	PaymentHash   [32]byte
	Expiry        uint64
	Nonce         uint64
	Confirmations uint16
	Kind          uint8
	PayIn         bool
	PayOut        bool
}

func toTuple(e *contract.EVMEscrow) escrowTuple {
	amount := e.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	return escrowTuple{
		Offerer:       e.Offerer,
		Claimer:       e.Claimer,
		Token:         e.Token,
		Amount:        amount,
		PaymentHash:   e.PaymentHash,
		Expiry:        e.Expiry,
		Nonce:         e.Nonce,
		Confirmations: e.Confirmations,
		Kind:          uint8(e.Kind),
		PayIn:         e.PayIn,
		PayOut:        e.PayOut,
	}
}

func fromTuple(t escrowTuple) *contract.EVMEscrow {
	return &contract.EVMEscrow{
		Offerer:       t.Offerer,
		Claimer:       t.Claimer,
		Token:         t.Token,
		Amount:        t.Amount,
		PaymentHash:   t.PaymentHash,
		Expiry:        t.Expiry,
		Nonce:         t.Nonce,
		Confirmations: t.Confirmations,
		Kind:          contract.Kind(t.Kind),
		PayIn:         t.PayIn,
		PayOut:        t.PayOut,
	}
}

// Event payloads as unpacked by BoundContract.UnpackLog.

type initializeLog struct {
	PaymentHash [32]byte
	TxoHash     [32]byte
	Nonce       uint64
	Escrow      escrowTuple
}

type claimLog struct {
	PaymentHash [32]byte
	Secret      [32]byte
}

type refundLog struct {
	PaymentHash [32]byte
}

type storeHeaderLog struct {
	BlockHash  [32]byte
	CommitHash [32]byte
	Header     []byte
}
