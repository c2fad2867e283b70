package evm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/storage"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

// LogSource is the subset of Backend the poller reads from.
type LogSource interface {
	bind.ContractFilterer
	BlockNumber(ctx context.Context) (uint64, error)
}

// PollerConfig configures the event poller.
type PollerConfig struct {
	Interval time.Duration
	PageSize uint64
	// StartBlock is used when no cursor has been stored yet.
	StartBlock uint64
	// Confirmations keeps the poller this many blocks behind the tip.
	Confirmations uint64
}

// Poller delivers swap contract events to subscribers in chain order. The
// last fully delivered block is persisted, so a restart resumes after it.
type Poller struct {
	source  LogSource
	bound   *bind.BoundContract
	address common.Address
	kv      storage.KV
	cfg     PollerConfig
	log     *logging.Logger

	initID, claimID, refundID common.Hash

	mu        sync.Mutex
	listeners []contract.Listener
}

var _ contract.ChainEvents = (*Poller)(nil)

// NewPoller creates a poller for the swap contract at address.
func NewPoller(source LogSource, address common.Address, kv storage.KV, cfg PollerConfig) (*Poller, error) {
	parsed, err := SwapMetaData.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("failed to parse swap ABI: %w", err)
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 2000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}

	p := &Poller{
		source:  source,
		bound:   bind.NewBoundContract(address, *parsed, nil, nil, source),
		address: address,
		kv:      kv,
		cfg:     cfg,
		log:     logging.GetDefault().Component("events"),
	}
	for name, dst := range map[string]*common.Hash{
		"Initialize": &p.initID,
		"Claim":      &p.claimID,
		"Refund":     &p.refundID,
	} {
		if *dst, err = eventID(parsed, name); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Subscribe implements contract.ChainEvents.
func (p *Poller) Subscribe(l contract.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *Poller) cursorKey() string {
	return "evm:" + p.address.Hex()
}

// Cursor returns the last delivered block. ok is false before the first
// delivery.
func (p *Poller) Cursor() (block uint64, ok bool, err error) {
	b, err := p.kv.Get(storage.BucketEvents, p.cursorKey())
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt event cursor %q: %w", b, err)
	}
	return v, true, nil
}

func (p *Poller) saveCursor(block uint64) error {
	return p.kv.Put(storage.BucketEvents, p.cursorKey(), []byte(strconv.FormatUint(block, 10)))
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		for {
			more, err := p.Poll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn("Event poll failed", "error", err)
				}
				break
			}
			if !more {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads and delivers at most one page of events. It reports whether
// more confirmed blocks are pending.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	tip, err := p.source.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get block number: %w", err)
	}
	if tip < p.cfg.Confirmations {
		return false, nil
	}
	safe := tip - p.cfg.Confirmations

	from := p.cfg.StartBlock
	last, ok, err := p.Cursor()
	if err != nil {
		return false, err
	}
	if ok {
		from = last + 1
	}
	if from > safe {
		return false, nil
	}
	to := safe
	if to-from+1 > p.cfg.PageSize {
		to = from + p.cfg.PageSize - 1
	}

	topics := [][]common.Hash{{p.initID, p.claimID, p.refundID}}
	logs, err := filterLogs(ctx, p.source, p.address, from, to, topics)
	if err != nil {
		return false, fmt.Errorf("failed to filter logs [%d, %d]: %w", from, to, err)
	}

	events := make([]contract.Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := p.parse(l)
		if err != nil {
			// Skipped: redelivery would fail the same way.
			p.log.Error("Failed to parse event", "tx", l.TxHash.Hex(), "index", l.Index, "error", err)
			continue
		}
		events = append(events, ev)
	}

	if len(events) > 0 {
		if err := p.deliver(ctx, events); err != nil {
			return false, err
		}
	}
	if err := p.saveCursor(to); err != nil {
		return false, fmt.Errorf("failed to save event cursor: %w", err)
	}
	return to < safe, nil
}

func (p *Poller) deliver(ctx context.Context, events []contract.Event) error {
	p.mu.Lock()
	listeners := append([]contract.Listener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		if err := l(ctx, events); err != nil {
			return fmt.Errorf("listener rejected batch: %w", err)
		}
	}
	return nil
}

func (p *Poller) parse(l types.Log) (contract.Event, error) {
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("log without topics")
	}

	switch l.Topics[0] {
	case p.initID:
		var ev initializeLog
		if err := p.bound.UnpackLog(&ev, "Initialize", l); err != nil {
			return nil, err
		}
		data := fromTuple(ev.Escrow)
		if data.PaymentHash != ev.PaymentHash {
			return nil, fmt.Errorf("escrow hash does not match event hash")
		}
		return &contract.InitializeEvent{
			PaymentHash: ev.PaymentHash,
			TxoHash:     ev.TxoHash,
			Nonce:       ev.Nonce,
			Data:        data,
		}, nil

	case p.claimID:
		var ev claimLog
		if err := p.bound.UnpackLog(&ev, "Claim", l); err != nil {
			return nil, err
		}
		return &contract.ClaimEvent{PaymentHash: ev.PaymentHash, Secret: ev.Secret}, nil

	case p.refundID:
		var ev refundLog
		if err := p.bound.UnpackLog(&ev, "Refund", l); err != nil {
			return nil, err
		}
		return &contract.RefundEvent{PaymentHash: ev.PaymentHash}, nil

	default:
		return nil, fmt.Errorf("unexpected topic %s", l.Topics[0].Hex())
	}
}
