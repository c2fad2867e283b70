// Package storage provides the durable key-value store backing swap records,
// nonce counters and the chain event cursor.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Bucket names used across the node.
const (
	BucketNonce  = "nonce"
	BucketEvents = "events"
)

// KV is a bucketed key-value store. Every Put is atomic: readers see either
// the old or the new value, never a partial write.
type KV interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, error)
	Delete(bucket, key string) error
	// List returns every key/value pair of a bucket.
	List(bucket string) (map[string][]byte, error)
	Close() error
}

// Config holds storage configuration.
type Config struct {
	DataDir string
	// Backend is "sqlite" or "bolt".
	Backend string
}

// Open opens the configured backend inside DataDir.
func Open(cfg *Config) (KV, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Backend {
	case "", "sqlite":
		return OpenSQLite(filepath.Join(dataDir, "swaps.db"))
	case "bolt":
		return OpenBolt(filepath.Join(dataDir, "swaps.bolt"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
