// Package store persists orchestrator state as a fixed set of named keys,
// each holding a versioned JSON blob in the bus's key/value side-channel.
//
// Writes are whole-key replaces. Readers tolerate a missing key (first
// boot). When a write fails (bus disconnected), the value is held in memory
// and flushed on the next successful write of the same key, so local state
// survives transport loss at the cost of durability until reconnect.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"futures-orchestrator/internal/bus"
)

// Persisted key names. These are shared with the dashboard and older
// tooling; the spellings are part of the storage contract.
const (
	KeySignalContext    = "signal:context"
	KeySignalMappings   = "signal:mappings"
	KeySignalLifecycles = "signal:lifecycles"
	KeyOrderStrategyMap = "orders:strategy-mapping"
	KeyStrategyState    = "multi-strategy:state"
	KeyContractMappings = "contracts:mappings"
)

// CurrentVersion tags newly written blobs. Version 1 strategy-state blobs
// (the old single-global format) are discarded on load in favor of broker
// reconciliation.
const CurrentVersion = 2

// Store reads and writes the named keys. All operations are mutex-protected;
// the pending map holds values whose last write failed.
type Store struct {
	state      bus.KV
	lifecycles bus.KV
	logger     *slog.Logger

	mu      sync.Mutex
	memory  map[string][]byte // last value handed to Save, failed or not
	pending map[string]bool   // keys whose last KV write failed
}

// New creates a store over the two KV buckets.
func New(state, lifecycles bus.KV, logger *slog.Logger) *Store {
	return &Store{
		state:      state,
		lifecycles: lifecycles,
		logger:     logger.With("component", "store"),
		memory:     make(map[string][]byte),
		pending:    make(map[string]bool),
	}
}

func (s *Store) bucketFor(key string) bus.KV {
	if key == KeySignalLifecycles {
		return s.lifecycles
	}
	return s.state
}

// Save marshals v and replaces the key. A failed write is downgraded to a
// warning; the value is kept in memory and retried on the next Save.
func (s *Store) Save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.memory[key] = data
	if err := s.bucketFor(key).Set(key, data); err != nil {
		s.pending[key] = true
		s.logger.Warn("state write failed, holding in memory", "key", key, "error", err)
		return nil
	}
	delete(s.pending, key)
	return nil
}

// Load unmarshals the key into v. Returns false when the key has never been
// written. A value held in memory after a failed write shadows the (stale)
// KV copy.
func (s *Store) Load(key string, v any) (bool, error) {
	s.mu.Lock()
	if s.pending[key] {
		data := s.memory[key]
		s.mu.Unlock()
		if err := json.Unmarshal(data, v); err != nil {
			return false, fmt.Errorf("unmarshal %s (memory): %w", key, err)
		}
		return true, nil
	}
	s.mu.Unlock()

	data, ok, err := s.bucketFor(key).Get(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Flush retries every pending write. Called on shutdown and after
// reconnects.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.pending {
		if err := s.bucketFor(key).Set(key, s.memory[key]); err != nil {
			s.logger.Warn("flush failed", "key", key, "error", err)
			continue
		}
		delete(s.pending, key)
	}
}

// PendingWrites reports how many keys are dirty (for /health).
func (s *Store) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
