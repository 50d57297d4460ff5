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

// Package aggregatestore accumulates verified output shares into batch
// buckets and serves them to collection.
//
// A bucket is one batch window (time-interval tasks) or one batch ID
// (fixed-size tasks). Each bucket carries the running aggregate share, the
// report count, the XOR-of-SHA256 checksum over contributing report IDs, and
// the set of aggregation jobs already merged, so a replayed flush can never
// double count.
package aggregatestore

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/shared/utils"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

// Accumulation and read errors.
var (
	ErrBatchCollected   = errors.New("batch already collected")
	ErrJobAlreadyMerged = errors.New("aggregation job already merged")
	ErrBatchEmpty       = errors.New("batch has no aggregated reports")
	ErrBatchMismatch    = errors.New("batch report count or checksum mismatch")
)

const keyPrefix = "b|"

// bucketState is the stored per-bucket record.
type bucketState struct {
	Share       []byte
	ReportCount uint64
	Checksum    []byte
	MergedJobs  [][]byte
	Collected   bool
}

// Contribution is one aggregation job's flush into a single bucket.
type Contribution struct {
	JobID       messages.AggregationJobID
	Share       *vdaf.AggregateShare
	ReportCount uint64
	Checksum    messages.Checksum
}

// BatchAggregate is the merged content of all buckets a selector covers.
type BatchAggregate struct {
	Share       *vdaf.AggregateShare
	ReportCount uint64
	Checksum    messages.Checksum
	// Interval spans the contributing buckets, quantized to the task's time
	// precision. Zero for fixed-size batches.
	Interval messages.Interval
}

// Store keeps batch buckets in the durable keyed store.
type Store struct {
	kv storage.KV
}

// New creates a bucket store over kv.
func New(kv storage.KV) *Store {
	return &Store{kv: kv}
}

// TimeBucketKey identifies the bucket holding reports in the batch window
// starting at the given quantized time.
func TimeBucketKey(taskID messages.TaskID, windowStart messages.Time) []byte {
	k := make([]byte, 0, len(keyPrefix)+messages.TaskIDSize+1+8)
	k = append(k, keyPrefix...)
	k = append(k, taskID[:]...)
	k = append(k, 't')
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(windowStart))
	return append(k, ts[:]...)
}

// FixedBucketKey identifies the bucket for a fixed-size batch ID.
func FixedBucketKey(taskID messages.TaskID, batchID messages.BatchID) []byte {
	k := make([]byte, 0, len(keyPrefix)+messages.TaskIDSize+1+messages.BatchIDSize)
	k = append(k, keyPrefix...)
	k = append(k, taskID[:]...)
	k = append(k, 'f')
	return append(k, batchID[:]...)
}

func taskPrefix(taskID messages.TaskID) []byte {
	k := make([]byte, 0, len(keyPrefix)+messages.TaskIDSize)
	k = append(k, keyPrefix...)
	return append(k, taskID[:]...)
}

func jobMerged(st *bucketState, jobID messages.AggregationJobID) bool {
	for _, j := range st.MergedJobs {
		if string(j) == string(jobID[:]) {
			return true
		}
	}
	return false
}

// Accumulate merges one job's contribution into a bucket. Replaying the same
// job into the same bucket returns ErrJobAlreadyMerged and changes nothing,
// so a crashed driver can safely retry a flush. A bucket that was already
// collected refuses further contributions.
func (s *Store) Accumulate(ctx context.Context, task *taskconfig.Task, bucketKey []byte, c Contribution) error {
	_, err := s.kv.Update(ctx, bucketKey, func(current []byte) ([]byte, error) {
		st := &bucketState{}
		if current != nil {
			if err := utils.UnmarshalCBOR(current, st); err != nil {
				return nil, err
			}
		}
		if st.Collected {
			return nil, ErrBatchCollected
		}
		if jobMerged(st, c.JobID) {
			return nil, ErrJobAlreadyMerged
		}

		merged := c.Share.Clone()
		if st.Share != nil {
			prev, err := vdaf.DecodeAggregateShare(task.Vdaf, st.Share)
			if err != nil {
				return nil, err
			}
			if err := prev.Merge(merged); err != nil {
				return nil, err
			}
			merged = prev
		}
		var sum messages.Checksum
		copy(sum[:], st.Checksum)
		sum.Combine(c.Checksum)

		encoded, err := merged.Encode()
		if err != nil {
			return nil, err
		}
		st.Share = encoded
		st.ReportCount += c.ReportCount
		st.Checksum = sum[:]
		st.MergedJobs = append(st.MergedJobs, append([]byte(nil), c.JobID[:]...))
		return utils.MarshalCBOR(st)
	})
	return err
}

// bucketsFor lists the bucket keys a selector covers, in time order.
func bucketsFor(task *taskconfig.Task, sel messages.BatchSelector) ([][]byte, error) {
	switch sel.Mode {
	case messages.BatchModeTimeInterval:
		if sel.BatchInterval == nil {
			return nil, errors.New("time-interval selector without interval")
		}
		iv := *sel.BatchInterval
		if !iv.AlignedTo(task.TimePrecision) {
			return nil, errors.New("batch interval not aligned to time precision")
		}
		if iv.Duration > task.MaxBatchInterval() {
			return nil, errors.New("batch interval exceeds maximum batch duration")
		}
		var keys [][]byte
		for t := iv.Start; t < iv.End(); t += messages.Time(task.TimePrecision) {
			keys = append(keys, TimeBucketKey(task.ID, t))
		}
		return keys, nil
	case messages.BatchModeFixedSize:
		if sel.BatchID == nil {
			return nil, errors.New("fixed-size selector without batch ID")
		}
		return [][]byte{FixedBucketKey(task.ID, *sel.BatchID)}, nil
	default:
		return nil, errors.New("unknown batch mode")
	}
}

// Read merges every bucket the selector covers into one batch aggregate.
// ErrBatchEmpty means no report has been aggregated into the selection yet.
func (s *Store) Read(ctx context.Context, task *taskconfig.Task, sel messages.BatchSelector) (*BatchAggregate, error) {
	keys, err := bucketsFor(task, sel)
	if err != nil {
		return nil, err
	}

	agg := &BatchAggregate{Share: vdaf.NewAggregateShare(task.Vdaf)}
	var first, last messages.Time
	seen := false
	for i, key := range keys {
		b, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		st := &bucketState{}
		if err := utils.UnmarshalCBOR(b, st); err != nil {
			return nil, err
		}
		if st.ReportCount == 0 {
			continue
		}
		share, err := vdaf.DecodeAggregateShare(task.Vdaf, st.Share)
		if err != nil {
			return nil, err
		}
		if err := agg.Share.Merge(share); err != nil {
			return nil, err
		}
		agg.ReportCount += st.ReportCount
		var sum messages.Checksum
		copy(sum[:], st.Checksum)
		agg.Checksum.Combine(sum)

		if sel.Mode == messages.BatchModeTimeInterval {
			start := sel.BatchInterval.Start + messages.Time(i)*messages.Time(task.TimePrecision)
			if !seen {
				first = start
			}
			last = start
		}
		seen = true
	}
	if !seen {
		return nil, ErrBatchEmpty
	}
	if sel.Mode == messages.BatchModeTimeInterval {
		agg.Interval = messages.Interval{
			Start:    first,
			Duration: messages.Duration(last-first) + task.TimePrecision,
		}
	}
	return agg, nil
}

// ReadVerified is Read plus the cross-aggregator consistency check: the
// caller supplies the peer's report count and checksum and gets
// ErrBatchMismatch when they disagree with the local batch.
func (s *Store) ReadVerified(ctx context.Context, task *taskconfig.Task, sel messages.BatchSelector, reportCount uint64, checksum messages.Checksum) (*BatchAggregate, error) {
	agg, err := s.Read(ctx, task, sel)
	if err != nil {
		return nil, err
	}
	if agg.ReportCount != reportCount || agg.Checksum != checksum {
		return nil, ErrBatchMismatch
	}
	return agg, nil
}

// MarkCollected freezes every bucket the selector covers. Later attempts to
// accumulate into a frozen bucket fail with ErrBatchCollected.
func (s *Store) MarkCollected(ctx context.Context, task *taskconfig.Task, sel messages.BatchSelector) error {
	keys, err := bucketsFor(task, sel)
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, err := s.kv.Update(ctx, key, func(current []byte) ([]byte, error) {
			st := &bucketState{}
			if current != nil {
				if err := utils.UnmarshalCBOR(current, st); err != nil {
					return nil, err
				}
			}
			st.Collected = true
			return utils.MarshalCBOR(st)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// IsCollected reports whether the time bucket containing the given report
// time is frozen, so intake can refuse reports for already-collected batches.
func (s *Store) IsCollected(ctx context.Context, task *taskconfig.Task, reportTime messages.Time) (bool, error) {
	if task.BatchMode != messages.BatchModeTimeInterval {
		return false, nil
	}
	b, err := s.kv.Get(ctx, TimeBucketKey(task.ID, task.QuantizedTimeLowerBound(reportTime)))
	if err != nil || b == nil {
		return false, err
	}
	st := &bucketState{}
	if err := utils.UnmarshalCBOR(b, st); err != nil {
		return false, err
	}
	return st.Collected, nil
}

// SweepExpired deletes time buckets whose window ended before the cutoff
// minus the task's retention. Fixed-size buckets are kept until their batch
// is collected and swept by the collection layer.
func (s *Store) SweepExpired(ctx context.Context, task *taskconfig.Task, cutoff messages.Time) (int, error) {
	var victims [][]byte
	prefix := append(taskPrefix(task.ID), 't')
	err := s.kv.IteratePrefix(ctx, prefix, func(key, value []byte) error {
		start := messages.Time(binary.BigEndian.Uint64(key[len(key)-8:]))
		if start+messages.Time(task.TimePrecision)+messages.Time(task.RetentionWindow) < cutoff {
			k := make([]byte, len(key))
			copy(k, key)
			victims = append(victims, k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range victims {
		if err := s.kv.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}
