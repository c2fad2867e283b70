// Package nonce holds the two replay-protection counters embedded in signed
// authorizations: the init nonce (escrows we fund) and the claim nonce
// (escrows we claim).
package nonce

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/klingon-exchange/klingon-lp/internal/storage"
)

const (
	keyInit  = "init"
	keyClaim = "claim"
)

// Counters is a pair of persisted, monotonic counters. A value only moves
// forward and is written to storage before it becomes visible in memory.
type Counters struct {
	kv storage.KV

	mu    sync.Mutex
	init  uint64
	claim uint64
}

// Load reads both counters from kv, defaulting missing ones to zero.
func Load(kv storage.KV) (*Counters, error) {
	c := &Counters{kv: kv}
	var err error
	if c.init, err = c.read(keyInit); err != nil {
		return nil, err
	}
	if c.claim, err = c.read(keyClaim); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Counters) read(key string) (uint64, error) {
	raw, err := c.kv.Get(storage.BucketNonce, key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s nonce: %w", key, err)
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt %s nonce %q: %w", key, raw, err)
	}
	return v, nil
}

// InitNonce returns the highest init nonce observed on-chain.
func (c *Counters) InitNonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.init
}

// ClaimNonce returns the highest claim nonce observed on-chain.
func (c *Counters) ClaimNonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claim
}

// SaveInitNonce ratchets the init nonce to n. Values not above the current
// one are ignored.
func (c *Counters) SaveInitNonce(n uint64) error {
	return c.save(keyInit, &c.init, n)
}

// SaveClaimNonce ratchets the claim nonce to n. Values not above the current
// one are ignored.
func (c *Counters) SaveClaimNonce(n uint64) error {
	return c.save(keyClaim, &c.claim, n)
}

func (c *Counters) save(key string, cur *uint64, n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= *cur {
		return nil
	}
	if err := c.kv.Put(storage.BucketNonce, key, []byte(strconv.FormatUint(n, 10))); err != nil {
		return fmt.Errorf("failed to persist %s nonce: %w", key, err)
	}
	*cur = n
	return nil
}
