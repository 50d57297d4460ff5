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

// Package reportstore tracks the processing state of every report accepted
// for a task, providing exactly-once consumption.
//
// Reports are sharded by a keyed hash of the report ID so that intake
// parallelizes and no single key range grows without bound. A report moves
// Pending -> Processed exactly once; claims taken for an aggregation job
// expire back to unclaimed if the job dies before confirming.
package reportstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/shared/utils"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
)

// Intake and state-transition errors.
var (
	ErrDuplicateReport  = errors.New("duplicate report")
	ErrReportUnknown    = errors.New("report unknown")
	ErrAlreadyProcessed = errors.New("report already processed")
)

// Status of a stored report.
type Status uint8

const (
	StatusPending Status = iota
	StatusProcessed
)

// Outcome of a processed report.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeAggregated
	OutcomeRejected
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAggregated:
		return "aggregated"
	case OutcomeRejected:
		return "rejected"
	case OutcomeExpired:
		return "expired"
	default:
		return "none"
	}
}

// ReportState is the stored per-report record.
type ReportState struct {
	Status     Status
	Outcome    Outcome
	Reason     string
	ReportTime uint64
	// Payload is the encoded report, kept until the report is processed.
	Payload []byte
	// ClaimJobID and ClaimExpiry are set while an aggregation job holds the
	// report. A claim past its expiry no longer blocks a new claim.
	ClaimJobID  []byte
	ClaimExpiry uint64
}

func (st *ReportState) claimed(now messages.Time) bool {
	return st.ClaimExpiry != 0 && uint64(now) < st.ClaimExpiry
}

// DefaultShardCount partitions each task's reports.
const DefaultShardCount = 64

// DefaultClaimLease bounds how long a claim blocks re-aggregation after a
// crashed job.
const DefaultClaimLease = 10 * time.Minute

const keyPrefix = "r|"

// Store tracks per-report state in the durable keyed store.
type Store struct {
	kv         storage.KV
	shardCount int
	shardKey   [32]byte
	claimLease time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithShardCount overrides the number of report shards. The shard occupies
// one key byte, so counts above 256 are capped there.
func WithShardCount(n int) Option { return func(s *Store) { s.shardCount = n } }

// WithClaimLease overrides the claim lease duration.
func WithClaimLease(d time.Duration) Option { return func(s *Store) { s.claimLease = d } }

// New creates a report store over kv. shardSeed keys the shard hash so that
// report IDs cannot be crafted to hot-spot one shard.
func New(kv storage.KV, shardSeed []byte, opts ...Option) *Store {
	s := &Store{
		kv:         kv,
		shardCount: DefaultShardCount,
		claimLease: DefaultClaimLease,
	}
	blake3.DeriveKey("dap-aggregation-service report shard", shardSeed, s.shardKey[:])
	for _, opt := range opts {
		opt(s)
	}
	if s.shardCount < 1 {
		s.shardCount = DefaultShardCount
	}
	if s.shardCount > 256 {
		s.shardCount = 256
	}
	return s
}

// Shard returns the shard a report ID lands in.
func (s *Store) Shard(id messages.ReportID) uint8 {
	h, _ := blake3.NewKeyed(s.shardKey[:])
	h.Write(id[:])
	return uint8(binary.BigEndian.Uint32(h.Sum(nil)) % uint32(s.shardCount))
}

func (s *Store) key(taskID messages.TaskID, shard uint8, id messages.ReportID) []byte {
	k := make([]byte, 0, len(keyPrefix)+messages.TaskIDSize+1+messages.ReportIDSize)
	k = append(k, keyPrefix...)
	k = append(k, taskID[:]...)
	k = append(k, shard)
	k = append(k, id[:]...)
	return k
}

func (s *Store) taskPrefix(taskID messages.TaskID) []byte {
	k := make([]byte, 0, len(keyPrefix)+messages.TaskIDSize)
	k = append(k, keyPrefix...)
	k = append(k, taskID[:]...)
	return k
}

func (s *Store) shardPrefix(taskID messages.TaskID, shard uint8) []byte {
	return append(s.taskPrefix(taskID), shard)
}

// Intake validates and records a new pending report. A report whose ID is
// already stored, pending or processed, yields ErrDuplicateReport and leaves
// the stored state untouched.
func (s *Store) Intake(ctx context.Context, task *taskconfig.Task, report *messages.Report, now messages.Time) error {
	meta := report.Metadata
	if err := task.CheckReportTime(meta.Time, now); err != nil {
		return err
	}
	payload, err := messages.Encode(report)
	if err != nil {
		return err
	}

	key := s.key(task.ID, s.Shard(meta.ID), meta.ID)
	_, err = s.kv.Update(ctx, key, func(current []byte) ([]byte, error) {
		if current != nil {
			return nil, ErrDuplicateReport
		}
		return utils.MarshalCBOR(&ReportState{
			Status:     StatusPending,
			ReportTime: uint64(meta.Time),
			Payload:    payload,
		})
	})
	return err
}

// Claimed is one report locked for an in-flight aggregation job.
type Claimed struct {
	ID      messages.ReportID
	Time    messages.Time
	Payload []byte
}

// ClaimBatch locks up to maxCount pending, unclaimed reports for the given
// job and returns them oldest first. Reports already claimed by a live
// lease are skipped; the same report is never handed to two concurrent
// callers because each transition runs under the per-key serialization of
// the store. A non-nil window restricts claims to reports inside it.
func (s *Store) ClaimBatch(ctx context.Context, taskID messages.TaskID, jobID messages.AggregationJobID, maxCount int, window *messages.Interval, now messages.Time) ([]Claimed, error) {
	type candidate struct {
		id    messages.ReportID
		shard uint8
		time  uint64
	}
	var candidates []candidate

	// Every shard is scanned so claiming can go strictly by report time;
	// stopping at maxCount per shard would starve old reports whose keys
	// sort late.
	for shard := 0; shard < s.shardCount; shard++ {
		err := s.kv.IteratePrefix(ctx, s.shardPrefix(taskID, uint8(shard)), func(key, value []byte) error {
			var st ReportState
			if err := utils.UnmarshalCBOR(value, &st); err != nil {
				return err
			}
			if st.Status != StatusPending || st.claimed(now) {
				return nil
			}
			if window != nil && !window.Contains(messages.Time(st.ReportTime)) {
				return nil
			}
			var id messages.ReportID
			copy(id[:], key[len(key)-messages.ReportIDSize:])
			candidates = append(candidates, candidate{id: id, shard: uint8(shard), time: st.ReportTime})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].time != candidates[j].time {
			return candidates[i].time < candidates[j].time
		}
		return bytes.Compare(candidates[i].id[:], candidates[j].id[:]) < 0
	})

	var claimed []Claimed
	expiry := uint64(now) + uint64(s.claimLease/time.Second)
	for _, c := range candidates {
		if len(claimed) >= maxCount {
			break
		}
		key := s.key(taskID, c.shard, c.id)
		var st ReportState
		_, err := s.kv.Update(ctx, key, func(current []byte) ([]byte, error) {
			if current == nil {
				return nil, ErrReportUnknown
			}
			if err := utils.UnmarshalCBOR(current, &st); err != nil {
				return nil, err
			}
			// Re-check under the key lock: another scheduler sweep may
			// have won the race since the scan.
			if st.Status != StatusPending || st.claimed(now) {
				return nil, errClaimLost
			}
			st.ClaimJobID = jobID[:]
			st.ClaimExpiry = expiry
			return utils.MarshalCBOR(&st)
		})
		if err == errClaimLost {
			continue
		}
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, Claimed{ID: c.id, Time: messages.Time(st.ReportTime), Payload: st.Payload})
	}
	return claimed, nil
}

var (
	errStopIteration = errors.New("stop iteration")
	errClaimLost     = errors.New("claim lost")
)

// ReleaseClaims returns reports claimed by the given job to the unclaimed
// pending pool, e.g. after a helper timeout. Reports already processed stay
// processed.
func (s *Store) ReleaseClaims(ctx context.Context, taskID messages.TaskID, jobID messages.AggregationJobID, ids []messages.ReportID) error {
	for _, id := range ids {
		key := s.key(taskID, s.Shard(id), id)
		_, err := s.kv.Update(ctx, key, func(current []byte) ([]byte, error) {
			if current == nil {
				return nil, ErrReportUnknown
			}
			var st ReportState
			if err := utils.UnmarshalCBOR(current, &st); err != nil {
				return nil, err
			}
			if st.Status != StatusPending || string(st.ClaimJobID) != string(jobID[:]) {
				return current, nil
			}
			st.ClaimJobID = nil
			st.ClaimExpiry = 0
			return utils.MarshalCBOR(&st)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// MarkProcessed transitions a report Pending -> Processed with the given
// outcome. The transition is one-way: a second call returns
// ErrAlreadyProcessed and leaves the stored outcome untouched.
func (s *Store) MarkProcessed(ctx context.Context, taskID messages.TaskID, id messages.ReportID, outcome Outcome, reason string) error {
	key := s.key(taskID, s.Shard(id), id)
	_, err := s.kv.Update(ctx, key, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrReportUnknown
		}
		var st ReportState
		if err := utils.UnmarshalCBOR(current, &st); err != nil {
			return nil, err
		}
		if st.Status == StatusProcessed {
			return nil, ErrAlreadyProcessed
		}
		st.Status = StatusProcessed
		st.Outcome = outcome
		st.Reason = reason
		st.Payload = nil
		st.ClaimJobID = nil
		st.ClaimExpiry = 0
		return utils.MarshalCBOR(&st)
	})
	return err
}

// EnsureProcessed records a processed report that never went through intake,
// as on the helper side where reports arrive inside aggregation jobs. It
// returns ErrAlreadyProcessed when the report was seen before, which is the
// helper's replay guard.
func (s *Store) EnsureProcessed(ctx context.Context, taskID messages.TaskID, id messages.ReportID, reportTime messages.Time, outcome Outcome, reason string) error {
	key := s.key(taskID, s.Shard(id), id)
	_, err := s.kv.Update(ctx, key, func(current []byte) ([]byte, error) {
		if current != nil {
			var st ReportState
			if err := utils.UnmarshalCBOR(current, &st); err != nil {
				return nil, err
			}
			if st.Status == StatusProcessed {
				return nil, ErrAlreadyProcessed
			}
		}
		return utils.MarshalCBOR(&ReportState{
			Status:     StatusProcessed,
			Outcome:    outcome,
			Reason:     reason,
			ReportTime: uint64(reportTime),
		})
	})
	return err
}

// Get returns the stored state for a report, or ErrReportUnknown.
func (s *Store) Get(ctx context.Context, taskID messages.TaskID, id messages.ReportID) (*ReportState, error) {
	b, err := s.kv.Get(ctx, s.key(taskID, s.Shard(id), id))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrReportUnknown
	}
	st := &ReportState{}
	if err := utils.UnmarshalCBOR(b, st); err != nil {
		return nil, err
	}
	return st, nil
}

// SweepResult summarizes one garbage-collection pass over a task's reports.
type SweepResult struct {
	Deleted        int
	ExpiredPending int
}

// SweepExpired retires reports whose retention window elapsed before the
// given cutoff. A pending report is marked Processed with OutcomeExpired, so
// its fate stays on record and a replay of the old report is still caught as
// a duplicate; the record itself is deleted on a later pass. Reports under a
// live claim are left alone; the cutoff's safety margin keeps in-flight jobs
// near the boundary intact.
func (s *Store) SweepExpired(ctx context.Context, task *taskconfig.Task, cutoff, now messages.Time) (SweepResult, error) {
	var res SweepResult
	type expired struct {
		key     []byte
		pending bool
	}
	var victims []expired

	err := s.kv.IteratePrefix(ctx, s.taskPrefix(task.ID), func(key, value []byte) error {
		var st ReportState
		if err := utils.UnmarshalCBOR(value, &st); err != nil {
			return err
		}
		if messages.Time(st.ReportTime)+messages.Time(task.RetentionWindow) >= cutoff {
			return nil
		}
		if st.Status == StatusPending && st.claimed(now) {
			return nil
		}
		k := make([]byte, len(key))
		copy(k, key)
		victims = append(victims, expired{key: k, pending: st.Status == StatusPending})
		return nil
	})
	if err != nil {
		return res, err
	}

	for _, v := range victims {
		if !v.pending {
			if err := s.kv.Delete(ctx, v.key); err != nil {
				return res, err
			}
			res.Deleted++
			continue
		}
		expiredNow := false
		_, err := s.kv.Update(ctx, v.key, func(current []byte) ([]byte, error) {
			if current == nil {
				return nil, nil
			}
			var st ReportState
			if err := utils.UnmarshalCBOR(current, &st); err != nil {
				return nil, err
			}
			// A job may have finished the report since the scan; its
			// outcome wins.
			if st.Status == StatusProcessed {
				return current, nil
			}
			st.Status = StatusProcessed
			st.Outcome = OutcomeExpired
			st.Payload = nil
			st.ClaimJobID = nil
			st.ClaimExpiry = 0
			expiredNow = true
			return utils.MarshalCBOR(&st)
		})
		if err != nil {
			return res, err
		}
		if expiredNow {
			res.ExpiredPending++
		}
	}
	return res, nil
}

// PendingCount reports how many reports are pending for a task, bounded by
// limit. Used by the leader's scheduler to decide whether a sweep is needed.
func (s *Store) PendingCount(ctx context.Context, taskID messages.TaskID, limit int) (int, error) {
	count := 0
	err := s.kv.IteratePrefix(ctx, s.taskPrefix(taskID), func(key, value []byte) error {
		var st ReportState
		if err := utils.UnmarshalCBOR(value, &st); err != nil {
			return err
		}
		if st.Status == StatusPending {
			count++
			if count >= limit {
				return errStopIteration
			}
		}
		return nil
	})
	if err != nil && err != errStopIteration {
		return 0, err
	}
	return count, nil
}
