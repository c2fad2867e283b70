package swaptest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-lp/internal/lightning"
)

// Lightning is an in-memory lightning.Client. Payment results are pushed by
// the test with Resolve.
type Lightning struct {
	mu       sync.Mutex
	height   uint32
	invoices map[string]*lightning.Invoice
	holds    map[[32]byte]*lightning.HoldInvoice
	payments map[[32]byte]chan struct{}
	results  map[[32]byte]*lightning.PaymentResult

	// Route is returned by ProbeRoute; nil means no route.
	Route     *lightning.Route
	Outbound  uint64
	Inbound   uint64
	SettleErr error
	CancelErr error

	Sent     []SentPayment
	Settled  [][32]byte
	Canceled [][32]byte
}

// SentPayment records a SendPayment call.
type SentPayment struct {
	PayReq           string
	MaxFeeMsat       uint64
	MaxTimeoutHeight uint32
}

var _ lightning.Client = (*Lightning)(nil)

func NewLightning(height uint32) *Lightning {
	return &Lightning{
		height:   height,
		invoices: make(map[string]*lightning.Invoice),
		holds:    make(map[[32]byte]*lightning.HoldInvoice),
		payments: make(map[[32]byte]chan struct{}),
		results:  make(map[[32]byte]*lightning.PaymentResult),
		Route:    &lightning.Route{FeeMsat: 100_000},
		Outbound: 100_000_000,
		Inbound:  100_000_000,
	}
}

// AddInvoice registers a payment request for DecodeInvoice.
func (l *Lightning) AddInvoice(payReq string, inv *lightning.Invoice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invoices[payReq] = inv
}

// Resolve sets the final outcome of a payment and wakes its trackers.
func (l *Lightning) Resolve(hash [32]byte, res *lightning.PaymentResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[hash] = res
	if ch, ok := l.payments[hash]; ok {
		close(ch)
		delete(l.payments, hash)
	}
}

// Hold simulates an HTLC arriving for a hold invoice.
func (l *Lightning) Hold(hash [32]byte, minHtlcExpiry uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holds[hash]; ok {
		h.State = lightning.InvoiceAccepted
		h.PaidMsat = h.AmountSat * 1000
		h.MinHtlcExpiry = minHtlcExpiry
	}
}

// SentCount returns how many payments were dispatched.
func (l *Lightning) SentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Sent)
}

// SettleCount returns how many invoices were settled.
func (l *Lightning) SettleCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Settled)
}

// SetErrors sets the settle and cancel failures.
func (l *Lightning) SetErrors(settle, cancel error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.SettleErr = settle
	l.CancelErr = cancel
}

func (l *Lightning) DecodeInvoice(_ context.Context, payReq string) (*lightning.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.invoices[payReq]
	if !ok {
		return nil, fmt.Errorf("invalid payment request")
	}
	cp := *inv
	return &cp, nil
}

func (l *Lightning) ProbeRoute(_ context.Context, _ *lightning.Invoice, maxFeeMsat uint64, maxTimeoutHeight uint32) (*lightning.Route, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Route == nil || l.Route.FeeMsat > maxFeeMsat {
		return nil, lightning.ErrNoRoute
	}
	if l.Route.TimeLockHeight > maxTimeoutHeight {
		return nil, lightning.ErrNoRoute
	}
	r := *l.Route
	return &r, nil
}

func (l *Lightning) SendPayment(_ context.Context, payReq string, maxFeeMsat uint64, maxTimeoutHeight uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.invoices[payReq]
	if !ok {
		return fmt.Errorf("invalid payment request")
	}
	if _, done := l.results[inv.PaymentHash]; done {
		return lightning.ErrAlreadyPaid
	}
	if _, inFlight := l.payments[inv.PaymentHash]; inFlight {
		return lightning.ErrAlreadyPaid
	}
	l.Sent = append(l.Sent, SentPayment{PayReq: payReq, MaxFeeMsat: maxFeeMsat, MaxTimeoutHeight: maxTimeoutHeight})
	l.payments[inv.PaymentHash] = make(chan struct{})
	return nil
}

func (l *Lightning) TrackPayment(ctx context.Context, hash [32]byte) (*lightning.PaymentResult, error) {
	l.mu.Lock()
	if res, ok := l.results[hash]; ok {
		l.mu.Unlock()
		cp := *res
		return &cp, nil
	}
	ch, ok := l.payments[hash]
	l.mu.Unlock()
	if !ok {
		return nil, lightning.ErrPaymentNotFound
	}

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *l.results[hash]
	return &cp, nil
}

func (l *Lightning) AddHoldInvoice(_ context.Context, req *lightning.HoldInvoiceRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.holds[req.PaymentHash]; ok {
		return "", fmt.Errorf("invoice with payment hash already exists")
	}
	payReq := fmt.Sprintf("lnbcrt%dn1hold%x", req.AmountSat, req.PaymentHash[:4])
	l.holds[req.PaymentHash] = &lightning.HoldInvoice{
		PaymentHash:    req.PaymentHash,
		PaymentRequest: payReq,
		State:          lightning.InvoiceOpen,
		AmountSat:      req.AmountSat,
		CreatedAt:      time.Unix(1_700_000_000, 0),
		Expiry:         req.Expiry,
	}
	return payReq, nil
}

func (l *Lightning) LookupInvoice(_ context.Context, hash [32]byte) (*lightning.HoldInvoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holds[hash]
	if !ok {
		return nil, lightning.ErrInvoiceNotFound
	}
	cp := *h
	return &cp, nil
}

func (l *Lightning) SettleInvoice(_ context.Context, preimage [32]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SettleErr != nil {
		return l.SettleErr
	}
	hash := sha256.Sum256(preimage[:])
	h, ok := l.holds[hash]
	if !ok {
		return lightning.ErrInvoiceNotFound
	}
	h.State = lightning.InvoiceSettled
	l.Settled = append(l.Settled, hash)
	return nil
}

func (l *Lightning) CancelInvoice(_ context.Context, hash [32]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.CancelErr != nil {
		return l.CancelErr
	}
	if h, ok := l.holds[hash]; ok {
		h.State = lightning.InvoiceCanceled
	}
	l.Canceled = append(l.Canceled, hash)
	return nil
}

func (l *Lightning) BlockHeight(context.Context) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height, nil
}

func (l *Lightning) ChannelBalance(context.Context) (uint64, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Outbound, l.Inbound, nil
}
