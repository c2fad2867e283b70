// Package bitcoin defines the bitcoin node and wallet capabilities used by
// the swap handlers and implements chain access over bitcoind JSON-RPC.
package bitcoin

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrBlockNotFound   = errors.New("block not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
)

// Block is a block with its transaction ids in block order.
type Block struct {
	Hash       string
	Height     int64
	MerkleRoot string
	Time       int64
	TxIDs      []string
}

// Transaction is a transaction as seen by the node, in mempool or in a block.
type Transaction struct {
	TxID          string
	Tx            *wire.MsgTx
	BlockHash     string
	Confirmations int64
}

// Confirmed reports whether the transaction is in a block.
func (t *Transaction) Confirmed() bool {
	return t.Confirmations > 0 && t.BlockHash != ""
}

// ChainSource is read access to the bitcoin chain.
type ChainSource interface {
	GetBlock(ctx context.Context, blockHash string) (*Block, error)
	// GetTransaction returns ErrTxNotFound for transactions neither in the
	// mempool nor in the chain.
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetBlockHeight(ctx context.Context) (int64, error)
}

// OutputLock identifies a wallet UTXO reserved by FundPsbt.
type OutputLock struct {
	ID       [32]byte
	Outpoint wire.OutPoint
}

// FundedPsbt is an unsigned PSBT whose inputs the wallet has reserved.
type FundedPsbt struct {
	Packet      *psbt.Packet
	ChangeIndex int32
	Locks       []OutputLock
}

// Wallet is the on-chain wallet paying out BTC.
type Wallet interface {
	NewAddress(ctx context.Context) (string, error)
	// EstimateFee returns the fee in satoshis for paying amount to pkScript
	// within confTarget blocks, and the fee rate used.
	EstimateFee(ctx context.Context, pkScript []byte, amount int64, confTarget uint32) (feeSat int64, satPerVbyte uint64, err error)
	FundPsbt(ctx context.Context, outputs []*wire.TxOut, satPerVbyte uint64) (*FundedPsbt, error)
	// FinalizePsbt signs every wallet input and extracts the final transaction.
	FinalizePsbt(ctx context.Context, packet *psbt.Packet) (*wire.MsgTx, error)
	ReleaseOutputs(ctx context.Context, locks []OutputLock) error
	// PublishTransaction returns ErrBroadcastFailed only when the node
	// rejected the transaction. Any other error leaves it unknown whether
	// the transaction went out.
	PublishTransaction(ctx context.Context, tx *wire.MsgTx) error
}
