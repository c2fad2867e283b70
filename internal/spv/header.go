package spv

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

// ErrBlockNotFound is returned when the relay's header log is exhausted
// without finding the requested block.
var ErrBlockNotFound = errors.New("block cannot be located")

// BlockHeader is the 80-byte bitcoin block header.
type BlockHeader struct {
	Version       int32
	PrevBlockHash chainhash.Hash
	MerkleRoot    chainhash.Hash
	Timestamp     uint32
	Bits          uint32
	Nonce         uint32
}

func (h *BlockHeader) wire() *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:    h.Version,
		PrevBlock:  h.PrevBlockHash,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  time.Unix(int64(h.Timestamp), 0),
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}
}

// Serialize returns the header in bitcoin wire layout.
func (h *BlockHeader) Serialize() []byte {
	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	// Writing to a bytes.Buffer cannot fail.
	_ = h.wire().Serialize(&buf)
	return buf.Bytes()
}

// BlockHash returns the double-SHA256 of the serialized header.
func (h *BlockHeader) BlockHash() chainhash.Hash {
	return h.wire().BlockHash()
}

// CommittedHeader is a block header stored by the on-chain relay together
// with the chain state the relay tracked when it accepted it.
type CommittedHeader struct {
	ChainWork                      [32]byte
	Header                         BlockHeader
	LastDifficultyAdjustmentHeight uint32
	BlockHeight                    uint32
	Last10Timestamps               [10]uint32
}

// Serialize encodes the header as
// chainWork(32) ‖ header(80) ‖ u32le(lastDiffAdj) ‖ u32le(height) ‖ 10×u32le(timestamp).
func (c *CommittedHeader) Serialize() []byte {
	out := make([]byte, 0, 32+80+4+4+40)
	out = append(out, c.ChainWork[:]...)
	out = append(out, c.Header.Serialize()...)
	out = helpers.AppendU32LE(out, c.LastDifficultyAdjustmentHeight)
	out = helpers.AppendU32LE(out, c.BlockHeight)
	for _, ts := range c.Last10Timestamps {
		out = helpers.AppendU32LE(out, ts)
	}
	return out
}

// CommitHash is the digest the relay stores for an accepted header.
func (c *CommittedHeader) CommitHash() [32]byte {
	return sha256.Sum256(c.Serialize())
}

// DeserializeCommittedHeader decodes the Serialize layout.
func DeserializeCommittedHeader(b []byte) (*CommittedHeader, error) {
	const size = 32 + 80 + 4 + 4 + 40
	if len(b) != size {
		return nil, fmt.Errorf("committed header must be %d bytes, got %d", size, len(b))
	}
	c := &CommittedHeader{}
	copy(c.ChainWork[:], b[:32])

	var wh wire.BlockHeader
	if err := wh.Deserialize(bytes.NewReader(b[32:112])); err != nil {
		return nil, fmt.Errorf("invalid block header: %w", err)
	}
	c.Header = BlockHeader{
		Version:       wh.Version,
		PrevBlockHash: wh.PrevBlock,
		MerkleRoot:    wh.MerkleRoot,
		Timestamp:     uint32(wh.Timestamp.Unix()),
		Bits:          wh.Bits,
		Nonce:         wh.Nonce,
	}

	le := func(off int) uint32 {
		return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
	}
	c.LastDifficultyAdjustmentHeight = le(112)
	c.BlockHeight = le(116)
	for i := range c.Last10Timestamps {
		c.Last10Timestamps[i] = le(120 + 4*i)
	}
	return c, nil
}

// HeaderPage is one page of the relay's header-store log, newest first.
type HeaderPage struct {
	Headers []CommittedHeader
	// Next is the cursor for the following (older) page.
	Next uint64
	// Done is set once the log has no older entries.
	Done bool
}

// Relay is the on-chain bitcoin header relay.
type Relay interface {
	// SyncedHeight is the height of the relay's best stored header.
	SyncedHeight(ctx context.Context) (uint32, error)
	// IsCommitted reports whether commitHash is the accepted header at height.
	IsCommitted(ctx context.Context, height uint32, commitHash [32]byte) (bool, error)
	// StoredHeaders returns a page of header-store events ending at cursor.
	// A zero cursor starts from the most recent event. Implementations may
	// use blockHash to narrow the query; callers still match every header.
	StoredHeaders(ctx context.Context, blockHash chainhash.Hash, cursor uint64) (*HeaderPage, error)
}

// RetrieveCommittedHeader finds the relay's accepted header for blockHash.
// It returns (nil, nil) while the relay has not synced up to requiredHeight;
// the caller should retry later.
func RetrieveCommittedHeader(ctx context.Context, relay Relay, blockHash chainhash.Hash, requiredHeight uint32) (*CommittedHeader, error) {
	synced, err := relay.SyncedHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get relay height: %w", err)
	}
	if synced < requiredHeight {
		return nil, nil
	}

	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := relay.StoredHeaders(ctx, blockHash, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to read relay log: %w", err)
		}

		for i := range page.Headers {
			h := &page.Headers[i]
			if h.Header.BlockHash() != blockHash {
				continue
			}
			ok, err := relay.IsCommitted(ctx, h.BlockHeight, h.CommitHash())
			if err != nil {
				return nil, fmt.Errorf("failed to check header commitment: %w", err)
			}
			if ok {
				return h, nil
			}
			// Reorged out of the relay's main chain; an older event for the
			// same block may still be the accepted one.
		}

		if page.Done {
			return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, blockHash)
		}
		cursor = page.Next
	}
}
