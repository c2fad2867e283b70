package contract

import (
	"context"
	"encoding/hex"
)

// Event is a parsed swap contract event.
type Event interface {
	// Hash is the payment hash the event refers to.
	Hash() [32]byte
	Name() string
}

// InitializeEvent is emitted when an escrow is committed.
type InitializeEvent struct {
	PaymentHash [32]byte
	// TxoHash commits to the bitcoin output of on-chain escrows.
	TxoHash [32]byte
	Nonce   uint64
	Data    Escrow
}

func (e *InitializeEvent) Hash() [32]byte { return e.PaymentHash }
func (e *InitializeEvent) Name() string   { return "initialize" }

// ClaimEvent is emitted when an escrow is claimed.
type ClaimEvent struct {
	PaymentHash [32]byte
	// Secret is the payment preimage for HTLC escrows, zero otherwise.
	Secret [32]byte
}

func (e *ClaimEvent) Hash() [32]byte { return e.PaymentHash }
func (e *ClaimEvent) Name() string   { return "claim" }

// RefundEvent is emitted when an escrow is refunded to its offerer.
type RefundEvent struct {
	PaymentHash [32]byte
}

func (e *RefundEvent) Hash() [32]byte { return e.PaymentHash }
func (e *RefundEvent) Name() string   { return "refund" }

// HashHex formats a payment hash the way records are keyed.
func HashHex(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

// Listener consumes one ordered batch of events. Returning an error makes the
// source redeliver the batch later.
type Listener func(ctx context.Context, events []Event) error

// ChainEvents delivers swap contract events in chain order.
type ChainEvents interface {
	Subscribe(l Listener)
}
