// Package lightning defines the Lightning node capability used by the
// Lightning swap handlers.
package lightning

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrNoRoute         = errors.New("no route found")
	ErrAlreadyPaid     = errors.New("invoice already paid")
)

// Invoice is a decoded BOLT11 payment request.
type Invoice struct {
	PaymentHash  [32]byte
	AmountMsat   uint64
	Destination  string
	CreatedAt    time.Time
	Expiry       time.Duration
	MinFinalCltv uint64
}

// AmountSat returns the invoice amount rounded up to whole satoshis.
func (i *Invoice) AmountSat() uint64 {
	return (i.AmountMsat + 999) / 1000
}

// ExpiresAt returns when the payment request stops being payable.
func (i *Invoice) ExpiresAt() time.Time {
	return i.CreatedAt.Add(i.Expiry)
}

// Route is the outcome of a successful route probe.
type Route struct {
	FeeMsat uint64
	// TimeLockHeight is the absolute CLTV height of the first hop.
	TimeLockHeight uint32
}

// PaymentStatus is the status of an outgoing payment.
type PaymentStatus int

const (
	PaymentInFlight PaymentStatus = iota
	PaymentSucceeded
	PaymentFailed
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentInFlight:
		return "in_flight"
	case PaymentSucceeded:
		return "succeeded"
	case PaymentFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PaymentResult is the final outcome of an outgoing payment.
type PaymentResult struct {
	Status   PaymentStatus
	Preimage [32]byte
	FeeMsat  uint64
	Reason   string
}

// InvoiceState is the state of an incoming hold invoice.
type InvoiceState int

const (
	InvoiceOpen InvoiceState = iota
	// InvoiceAccepted means HTLCs are held and wait for settle or cancel.
	InvoiceAccepted
	InvoiceSettled
	InvoiceCanceled
)

func (s InvoiceState) String() string {
	switch s {
	case InvoiceOpen:
		return "open"
	case InvoiceAccepted:
		return "accepted"
	case InvoiceSettled:
		return "settled"
	case InvoiceCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// HoldInvoice is the node's view of an incoming hold invoice.
type HoldInvoice struct {
	PaymentHash    [32]byte
	PaymentRequest string
	State          InvoiceState
	AmountSat      uint64
	PaidMsat       uint64
	CreatedAt      time.Time
	Expiry         time.Duration
	// MinHtlcExpiry is the lowest CLTV expiry height among the held HTLCs.
	// Zero while nothing is held.
	MinHtlcExpiry uint32
}

// ExpiresAt returns when the payment request stops being payable.
func (h *HoldInvoice) ExpiresAt() time.Time {
	return h.CreatedAt.Add(h.Expiry)
}

// HoldInvoiceRequest describes a hold invoice to create.
type HoldInvoiceRequest struct {
	PaymentHash [32]byte
	AmountSat   uint64
	Memo        string
	Expiry      time.Duration
	CltvDelta   uint64
}

// Client is the Lightning node as seen by the swap handlers.
type Client interface {
	DecodeInvoice(ctx context.Context, payReq string) (*Invoice, error)
	// ProbeRoute returns ErrNoRoute when no route stays within maxFeeMsat
	// and maxTimeoutHeight.
	ProbeRoute(ctx context.Context, inv *Invoice, maxFeeMsat uint64, maxTimeoutHeight uint32) (*Route, error)
	// SendPayment dispatches the payment and returns once it is in flight.
	SendPayment(ctx context.Context, payReq string, maxFeeMsat uint64, maxTimeoutHeight uint32) error
	// TrackPayment blocks until the payment is final or ctx is done. It
	// returns ErrPaymentNotFound for unknown hashes.
	TrackPayment(ctx context.Context, paymentHash [32]byte) (*PaymentResult, error)

	AddHoldInvoice(ctx context.Context, req *HoldInvoiceRequest) (string, error)
	LookupInvoice(ctx context.Context, paymentHash [32]byte) (*HoldInvoice, error)
	SettleInvoice(ctx context.Context, preimage [32]byte) error
	CancelInvoice(ctx context.Context, paymentHash [32]byte) error

	BlockHeight(ctx context.Context) (uint32, error)
	// ChannelBalance returns the spendable outbound and receivable inbound
	// capacity in satoshis.
	ChannelBalance(ctx context.Context) (outbound, inbound uint64, err error)
}
