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

package batchqueue

import (
	"context"
	"crypto/rand"

	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/shared/utils"
	"github.com/opendap/dap-aggregation-service/taskconfig"
)

// batchRecord tracks one fixed-size batch from assignment to collection.
type batchRecord struct {
	Count     uint64
	Collected bool
}

// currentBatch is the open batch new reports are assigned to.
type currentBatch struct {
	ID    []byte
	Count uint64
}

func batchKey(taskID messages.TaskID, batchID messages.BatchID) []byte {
	k := make([]byte, 0, len(batchKeyPrefix)+messages.TaskIDSize+messages.BatchIDSize)
	k = append(k, batchKeyPrefix...)
	k = append(k, taskID[:]...)
	return append(k, batchID[:]...)
}

func currentKey(taskID messages.TaskID) []byte {
	k := make([]byte, 0, len(currentKeyPrefix)+messages.TaskIDSize)
	k = append(k, currentKeyPrefix...)
	return append(k, taskID[:]...)
}

// AssignBatch places n newly claimed reports into the task's open batch,
// rotating to a fresh batch when the open one would exceed the maximum size.
func (q *Queue) AssignBatch(ctx context.Context, task *taskconfig.Task, n uint64) (messages.BatchID, error) {
	var assigned messages.BatchID
	_, err := q.kv.Update(ctx, currentKey(task.ID), func(current []byte) ([]byte, error) {
		cb := &currentBatch{}
		if current != nil {
			if err := utils.UnmarshalCBOR(current, cb); err != nil {
				return nil, err
			}
		}
		if cb.ID == nil || cb.Count+n > task.MaxBatchSize {
			var id messages.BatchID
			if _, err := rand.Read(id[:]); err != nil {
				return nil, err
			}
			cb.ID = id[:]
			cb.Count = 0
		}
		cb.Count += n
		copy(assigned[:], cb.ID)
		return utils.MarshalCBOR(cb)
	})
	if err != nil {
		return assigned, err
	}

	_, err = q.kv.Update(ctx, batchKey(task.ID, assigned), func(current []byte) ([]byte, error) {
		rec := &batchRecord{}
		if current != nil {
			if err := utils.UnmarshalCBOR(current, rec); err != nil {
				return nil, err
			}
		}
		rec.Count += n
		return utils.MarshalCBOR(rec)
	})
	return assigned, err
}

// CollectableBatch picks a batch that reached the minimum size and has not
// been collected, for a current-batch query. ErrNoCurrentBatch means the
// collection job should stay pending.
func (q *Queue) CollectableBatch(ctx context.Context, task *taskconfig.Task) (messages.BatchID, error) {
	var found messages.BatchID
	ok := false
	prefix := make([]byte, 0, len(batchKeyPrefix)+messages.TaskIDSize)
	prefix = append(prefix, batchKeyPrefix...)
	prefix = append(prefix, task.ID[:]...)

	err := q.kv.IteratePrefix(ctx, prefix, func(key, value []byte) error {
		rec := &batchRecord{}
		if err := utils.UnmarshalCBOR(value, rec); err != nil {
			return err
		}
		if rec.Collected || rec.Count < task.MinBatchSize {
			return nil
		}
		copy(found[:], key[len(key)-messages.BatchIDSize:])
		ok = true
		return errStopIteration
	})
	if err != nil && err != errStopIteration {
		return found, err
	}
	if !ok {
		return found, ErrNoCurrentBatch
	}
	return found, nil
}

// MarkBatchCollected freezes a fixed-size batch after its collection job
// completes.
func (q *Queue) MarkBatchCollected(ctx context.Context, taskID messages.TaskID, batchID messages.BatchID) error {
	_, err := q.kv.Update(ctx, batchKey(taskID, batchID), func(current []byte) ([]byte, error) {
		rec := &batchRecord{}
		if current != nil {
			if err := utils.UnmarshalCBOR(current, rec); err != nil {
				return nil, err
			}
		}
		rec.Collected = true
		return utils.MarshalCBOR(rec)
	})
	return err
}
