// Package spv produces the artifacts that let the smart-contract chain verify
// a bitcoin payment without a full node: a merkle inclusion proof for the
// transaction and a block header already accepted by the on-chain relay.
package spv

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/klingon-lp/internal/bitcoin"
)

var (
	ErrTxNotInBlock    = errors.New("transaction not in block")
	ErrRootMismatch    = errors.New("computed merkle root does not match block header")
	ErrEmptyLeafSet    = errors.New("empty transaction list")
	ErrIndexOutOfRange = errors.New("leaf index out of range")
)

// MerkleProof proves a transaction's inclusion in a block. All hashes are in
// internal byte order, the reverse of how block explorers display them.
type MerkleProof struct {
	ReversedTxID chainhash.Hash
	Position     int
	// Siblings are ordered from the leaf level upward.
	Siblings    []chainhash.Hash
	BlockHeight uint32
}

func hashPair(left, right *chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// nextLevel hashes adjacent pairs, duplicating the last node of an odd level.
func nextLevel(level []chainhash.Hash) []chainhash.Hash {
	next := make([]chainhash.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := &level[i]
		if i+1 < len(level) {
			right = &level[i+1]
		}
		next = append(next, hashPair(&level[i], right))
	}
	return next
}

// MerkleRoot computes a block's merkle root from its transaction ids.
func MerkleRoot(leaves []chainhash.Hash) (chainhash.Hash, error) {
	if len(leaves) == 0 {
		return chainhash.Hash{}, ErrEmptyLeafSet
	}
	level := leaves
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0], nil
}

// MerkleBranch returns the sibling path of leaves[index], bottom-up.
func MerkleBranch(leaves []chainhash.Hash, index int) ([]chainhash.Hash, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyLeafSet
	}
	if index < 0 || index >= len(leaves) {
		return nil, ErrIndexOutOfRange
	}

	var branch []chainhash.Hash
	level := leaves
	pos := index
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling >= len(level) {
			sibling = pos
		}
		branch = append(branch, level[sibling])
		level = nextLevel(level)
		pos >>= 1
	}
	return branch, nil
}

// FoldBranch recomputes the root from a leaf, its position and its branch.
func FoldBranch(leaf chainhash.Hash, position int, branch []chainhash.Hash) chainhash.Hash {
	cur := leaf
	for i := range branch {
		if position&1 == 1 {
			cur = hashPair(&branch[i], &cur)
		} else {
			cur = hashPair(&cur, &branch[i])
		}
		position >>= 1
	}
	return cur
}

// VerifyMerkleProof reports whether proof folds to root.
func VerifyMerkleProof(proof *MerkleProof, root chainhash.Hash) bool {
	return FoldBranch(proof.ReversedTxID, proof.Position, proof.Siblings) == root
}

// BlockSource returns blocks with their transaction ids.
type BlockSource interface {
	GetBlock(ctx context.Context, blockHash string) (*bitcoin.Block, error)
}

// Prover computes merkle proofs for confirmed transactions.
type Prover struct {
	blocks BlockSource
}

// NewProver creates a Prover reading blocks from src.
func NewProver(src BlockSource) *Prover {
	return &Prover{blocks: src}
}

// ComputeMerkleProof fetches the block and builds the inclusion proof of
// txID (display hex). The proof is checked against the block's merkle root
// before it is returned.
func (p *Prover) ComputeMerkleProof(ctx context.Context, txID, blockHash string) (*MerkleProof, error) {
	block, err := p.blocks.GetBlock(ctx, blockHash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %s: %w", blockHash, err)
	}

	target, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txID, err)
	}

	leaves := make([]chainhash.Hash, len(block.TxIDs))
	index := -1
	for i, id := range block.TxIDs {
		h, err := chainhash.NewHashFromStr(id)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %q in block: %w", id, err)
		}
		leaves[i] = *h
		if *h == *target {
			index = i
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrTxNotInBlock, txID, blockHash)
	}

	branch, err := MerkleBranch(leaves, index)
	if err != nil {
		return nil, err
	}
	proof := &MerkleProof{
		ReversedTxID: *target,
		Position:     index,
		Siblings:     branch,
		BlockHeight:  uint32(block.Height),
	}

	if block.MerkleRoot != "" {
		root, err := chainhash.NewHashFromStr(block.MerkleRoot)
		if err != nil {
			return nil, fmt.Errorf("invalid merkle root %q: %w", block.MerkleRoot, err)
		}
		if !VerifyMerkleProof(proof, *root) {
			return nil, ErrRootMismatch
		}
	}
	return proof, nil
}
