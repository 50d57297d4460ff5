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
	"sort"
	"strings"
	"sync"
)

// MemoryKV is an in-memory KV for tests and single-process deployments.
type MemoryKV struct {
	mu    sync.RWMutex
	data  map[string][]byte
	locks keyLocks
}

var _ KV = (*MemoryKV)(nil)

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (s *MemoryKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryKV) Put(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.data[string(key)] = v
	return nil
}

func (s *MemoryKV) Delete(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *MemoryKV) Update(ctx context.Context, key []byte, fn func(current []byte) ([]byte, error)) ([]byte, error) {
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
		return nil, s.Delete(ctx, key)
	}
	return next, s.Put(ctx, key, next)
}

func (s *MemoryKV) PutBatch(ctx context.Context, pairs []KeyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kv := range pairs {
		v := make([]byte, len(kv.Value))
		copy(v, kv.Value)
		s.data[string(kv.Key)] = v
	}
	return nil
}

func (s *MemoryKV) IteratePrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		s.mu.RLock()
		v, ok := s.data[k]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryKV) Close() error { return nil }
