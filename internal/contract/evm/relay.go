package evm

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-lp/internal/spv"
)

// RelayBackend is the chain access the relay reader needs.
type RelayBackend interface {
	bind.ContractCaller
	LogSource
}

// Relay reads the bitcoin header relay contract.
type Relay struct {
	backend RelayBackend
	bound   *bind.BoundContract
	address common.Address
	storeID common.Hash

	// startBlock is the deployment block; the log is not read below it.
	startBlock uint64
	pageSize   uint64
}

var _ spv.Relay = (*Relay)(nil)

// NewRelay binds the relay contract at address.
func NewRelay(backend RelayBackend, address common.Address, startBlock, pageSize uint64) (*Relay, error) {
	parsed, err := RelayMetaData.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay ABI: %w", err)
	}
	storeID, err := eventID(parsed, "StoreHeader")
	if err != nil {
		return nil, err
	}
	if pageSize == 0 {
		pageSize = 2000
	}
	return &Relay{
		backend:    backend,
		bound:      bind.NewBoundContract(address, *parsed, backend, nil, backend),
		address:    address,
		storeID:    storeID,
		startBlock: startBlock,
		pageSize:   pageSize,
	}, nil
}

// SyncedHeight implements spv.Relay.
func (r *Relay) SyncedHeight(ctx context.Context) (uint32, error) {
	var out []interface{}
	if err := r.bound.Call(&bind.CallOpts{Context: ctx}, &out, "blockHeight"); err != nil {
		return 0, fmt.Errorf("failed to get relay height: %w", err)
	}
	return *abi.ConvertType(out[0], new(uint32)).(*uint32), nil
}

// IsCommitted implements spv.Relay.
func (r *Relay) IsCommitted(ctx context.Context, height uint32, commitHash [32]byte) (bool, error) {
	var out []interface{}
	if err := r.bound.Call(&bind.CallOpts{Context: ctx}, &out, "commitHashAt", height); err != nil {
		return false, fmt.Errorf("failed to get commitment: %w", err)
	}
	got := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	return got == commitHash, nil
}

// StoredHeaders implements spv.Relay. The cursor is one past the last block
// of the page to read; zero starts at the chain tip.
func (r *Relay) StoredHeaders(ctx context.Context, blockHash chainhash.Hash, cursor uint64) (*spv.HeaderPage, error) {
	var end uint64
	if cursor == 0 {
		tip, err := r.backend.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get block number: %w", err)
		}
		end = tip
	} else {
		end = cursor - 1
	}
	if end < r.startBlock {
		return &spv.HeaderPage{Done: true}, nil
	}

	start := r.startBlock
	if end-start+1 > r.pageSize {
		start = end - r.pageSize + 1
	}

	topics := [][]common.Hash{{r.storeID}, {common.Hash(blockHash)}}
	logs, err := filterLogs(ctx, r.backend, r.address, start, end, topics)
	if err != nil {
		return nil, fmt.Errorf("failed to filter relay logs: %w", err)
	}

	page := &spv.HeaderPage{
		Next: start,
		Done: start <= r.startBlock,
	}
	// Newest first.
	for i := len(logs) - 1; i >= 0; i-- {
		var ev storeHeaderLog
		if err := r.bound.UnpackLog(&ev, "StoreHeader", logs[i]); err != nil {
			return nil, fmt.Errorf("failed to unpack StoreHeader: %w", err)
		}
		h, err := spv.DeserializeCommittedHeader(ev.Header)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored header: %w", err)
		}
		page.Headers = append(page.Headers, *h)
	}
	return page, nil
}
