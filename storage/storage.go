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

// Package storage provides the durable keyed store the aggregation core
// persists its state in.
//
// Operations on the same key are strictly serialized; operations on different
// keys proceed in parallel. The core's algorithms rely on exactly this
// guarantee and nothing stronger.
package storage

import (
	"context"
	"sync"

	"github.com/zeebo/blake3"
)

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// KV is a keyed store with per-key linearizable operations.
type KV interface {
	// Get retrieves the value for the given key. Returns nil if the key does
	// not exist.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores a key-value pair.
	Put(ctx context.Context, key, value []byte) error

	// Delete removes a key from the store. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key []byte) error

	// Update atomically transforms the value stored under key. fn receives
	// the current value (nil if missing) and returns the new value; a nil
	// new value deletes the key. Calls for the same key never interleave.
	Update(ctx context.Context, key []byte, fn func(current []byte) ([]byte, error)) ([]byte, error)

	// PutBatch atomically stores multiple key-value pairs.
	PutBatch(ctx context.Context, pairs []KeyValue) error

	// IteratePrefix calls fn for each key-value pair with the given prefix,
	// in lexicographic key order. Iteration stops early if fn returns a
	// non-nil error.
	IteratePrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error

	// Close releases store resources.
	Close() error
}

// keyLocks serializes Update calls per key across a fixed number of stripes.
type keyLocks struct {
	stripes [256]sync.Mutex
}

func (l *keyLocks) lock(key []byte) *sync.Mutex {
	h := blake3.Sum256(key)
	m := &l.stripes[h[0]]
	m.Lock()
	return m
}
