package contract

import (
	"context"
	"errors"
	"math/big"

	"github.com/klingon-exchange/klingon-lp/internal/spv"
)

var (
	ErrNotCommitted   = errors.New("escrow not committed")
	ErrInvalidAccount = errors.New("invalid account")
)

// TxClaimData proves that a bitcoin transaction paid an escrow.
type TxClaimData struct {
	RawTx  []byte
	Vout   uint32
	Proof  *spv.MerkleProof
	Header *spv.CommittedHeader
}

// EscrowParams are the inputs of CreateSwapData.
type EscrowParams struct {
	Kind          Kind
	Offerer       Account
	Claimer       Account
	Token         Account
	Amount        *big.Int
	PaymentHash   [32]byte
	Expiry        uint64
	Nonce         uint64
	Confirmations uint16
	PayIn         bool
	PayOut        bool
}

// SwapContract is the escrow program on the smart-contract chain.
type SwapContract interface {
	// Address is our own account on the chain.
	Address() Account
	ParseAccount(s string) (Account, error)
	IsValidAddress(s string) bool

	CreateSwapData(p *EscrowParams) (Escrow, error)

	// GetInitSignature authorizes the claimer to initialize an escrow funded
	// by us. It signs nonceCounter+1.
	GetInitSignature(e Escrow, nonceCounter, timeout uint64) (*Authorization, error)
	// GetClaimInitSignature authorizes the offerer to initialize an escrow
	// paying us. It signs nonceCounter+1.
	GetClaimInitSignature(e Escrow, nonceCounter, timeout uint64) (*Authorization, error)
	// GetRefundSignature lets the offerer refund before expiry.
	GetRefundSignature(e Escrow, timeout uint64) (*Authorization, error)

	IsCommited(ctx context.Context, e Escrow) (bool, error)
	// GetCommitedData returns (nil, nil) if no escrow is committed for hash.
	GetCommitedData(ctx context.Context, paymentHash [32]byte) (Escrow, error)

	ClaimWithSecret(ctx context.Context, e Escrow, secret [32]byte) error
	ClaimWithTxData(ctx context.Context, e Escrow, data *TxClaimData) error
	Refund(ctx context.Context, e Escrow) error

	// GetBalance is our vault balance of token.
	GetBalance(ctx context.Context, token Account) (*big.Int, error)

	AreWeOfferer(e Escrow) bool
	AreWeClaimer(e Escrow) bool
}
