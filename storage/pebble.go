// Copyright 2023 The DAP Aggregation Service Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// defaultSyncInterval is the default interval between WAL syncs.
const defaultSyncInterval = 100 * time.Millisecond

// PebbleKV is a KV backed by a Pebble database. Writes are non-blocking
// (NoSync) and a background goroutine periodically syncs the WAL to disk for
// durability.
type PebbleKV struct {
	db       *pebble.DB
	locks    keyLocks
	stopSync chan struct{}
	wg       sync.WaitGroup
}

var _ KV = (*PebbleKV)(nil)

// OpenPebble creates a Pebble-backed store at the given path. It starts a
// background goroutine that syncs the WAL periodically.
func OpenPebble(path string) (*PebbleKV, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &PebbleKV{
		db:       db,
		stopSync: make(chan struct{}),
	}
	s.startSyncLoop()
	return s, nil
}

// Get retrieves the value for the given key. Returns nil if the key does not
// exist.
func (s *PebbleKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a key-value pair.
func (s *PebbleKV) Put(ctx context.Context, key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
func (s *PebbleKV) Delete(ctx context.Context, key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// Update atomically transforms the value stored under key.
func (s *PebbleKV) Update(ctx context.Context, key []byte, fn func(current []byte) ([]byte, error)) ([]byte, error) {
	m := s.locks.lock(key)
	defer m.Unlock()

	current, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, s.db.Delete(key, pebble.NoSync)
	}
	return next, s.db.Set(key, next, pebble.NoSync)
}

// PutBatch atomically stores multiple key-value pairs. Either all pairs are
// written or none.
func (s *PebbleKV) PutBatch(ctx context.Context, pairs []KeyValue) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// IteratePrefix calls fn for each key-value pair with the given prefix.
// Uses Pebble's iterator bounds for efficient prefix scanning.
func (s *PebbleKV) IteratePrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}
	return nil
}

// Close stops the sync goroutine and closes the database. It performs a final
// sync before closing to ensure durability.
func (s *PebbleKV) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}
	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *PebbleKV) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *PebbleKV) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
