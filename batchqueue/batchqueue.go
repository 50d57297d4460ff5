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

// Package batchqueue owns the leader's collection jobs and the bookkeeping
// of fixed-size batches.
//
// A collection job is created from a collector request and completes
// asynchronously: it stays Pending until its batch reaches the minimum size
// and the helper releases its aggregate share, then turns Ready with a
// stored result that every later poll returns unchanged. Jobs the helper
// refuses turn Rejected; jobs that outlive the task's retention turn Expired
// and lose their payload.
package batchqueue

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/zeebo/blake3"

	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/shared/utils"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
)

var errStopIteration = errors.New("stop iteration")

// Collection request errors.
var (
	ErrBatchOverlap    = errors.New("batch interval overlaps a prior collection")
	ErrInvalidInterval = errors.New("invalid batch interval")
	ErrUnknownJob      = errors.New("unknown collection job")
	ErrNoCurrentBatch  = errors.New("no batch ready for collection")
)

// JobStatus is the lifecycle state of a collection job.
type JobStatus uint8

const (
	JobPending JobStatus = iota
	JobReady
	JobRejected
	JobExpired
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobReady:
		return "ready"
	case JobRejected:
		return "rejected"
	case JobExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// JobID names a collection job. It is derived from the request content, so
// resubmitting an identical request addresses the same job.
type JobID [16]byte

func (id JobID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }

// JobIDFromString parses the base64url form of a job ID.
func JobIDFromString(s string) (JobID, error) {
	var id JobID
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, errors.New("collection job ID must be 16 bytes")
	}
	copy(id[:], b)
	return id, nil
}

// Job is one stored collection job.
type Job struct {
	ID        JobID
	Status    JobStatus
	Req       messages.CollectionReq
	Reason    string
	CreatedAt uint64
	// Result is the encoded Collection, set once Status is JobReady.
	Result []byte
}

// DeriveJobID hashes a collection request into its job ID.
func DeriveJobID(req *messages.CollectionReq) (JobID, error) {
	var id JobID
	b, err := messages.Encode(req)
	if err != nil {
		return id, err
	}
	h := blake3.New()
	h.Write([]byte("dap-aggregation-service collection job"))
	h.Write(b)
	copy(id[:], h.Sum(nil))
	return id, nil
}

const (
	jobKeyPrefix      = "c|"
	intervalKeyPrefix = "ci|"
	batchKeyPrefix    = "fb|"
	currentKeyPrefix  = "cb|"
)

// Queue stores collection jobs and fixed-size batch assignments.
type Queue struct {
	kv storage.KV
}

// NewQueue creates a queue over kv.
func NewQueue(kv storage.KV) *Queue {
	return &Queue{kv: kv}
}

func jobKey(taskID messages.TaskID, id JobID) []byte {
	k := make([]byte, 0, len(jobKeyPrefix)+messages.TaskIDSize+len(id))
	k = append(k, jobKeyPrefix...)
	k = append(k, taskID[:]...)
	return append(k, id[:]...)
}

func taskJobPrefix(taskID messages.TaskID) []byte {
	k := make([]byte, 0, len(jobKeyPrefix)+messages.TaskIDSize)
	k = append(k, jobKeyPrefix...)
	return append(k, taskID[:]...)
}

// collectedIntervals is the per-task record of intervals reserved by
// collection jobs, used to refuse overlapping queries.
type collectedIntervals struct {
	Intervals []messages.Interval
}

func intervalKey(taskID messages.TaskID) []byte {
	k := make([]byte, 0, len(intervalKeyPrefix)+messages.TaskIDSize)
	k = append(k, intervalKeyPrefix...)
	return append(k, taskID[:]...)
}

// validateQuery checks a collection query against the task.
func validateQuery(task *taskconfig.Task, q messages.Query) error {
	if q.Mode != task.BatchMode {
		return ErrInvalidInterval
	}
	switch q.Mode {
	case messages.BatchModeTimeInterval:
		if q.BatchInterval == nil || q.BatchInterval.Duration == 0 {
			return ErrInvalidInterval
		}
		if !q.BatchInterval.AlignedTo(task.TimePrecision) {
			return ErrInvalidInterval
		}
		if q.BatchInterval.Duration > task.MaxBatchInterval() {
			return ErrInvalidInterval
		}
	case messages.BatchModeFixedSize:
		if q.BatchID == nil && !q.CurrentBatch {
			return ErrInvalidInterval
		}
	default:
		return ErrInvalidInterval
	}
	return nil
}

// CreateJob registers a collection request and returns its job. Resubmitting
// an identical request returns the existing job unchanged. A time-interval
// request whose interval overlaps any previously registered one is refused
// with ErrBatchOverlap.
func (q *Queue) CreateJob(ctx context.Context, task *taskconfig.Task, req *messages.CollectionReq, now messages.Time) (*Job, error) {
	if err := validateQuery(task, req.Query); err != nil {
		return nil, err
	}
	id, err := DeriveJobID(req)
	if err != nil {
		return nil, err
	}

	if existing, err := q.GetJob(ctx, task.ID, id); err == nil {
		return existing, nil
	} else if err != ErrUnknownJob {
		return nil, err
	}

	if req.Query.Mode == messages.BatchModeTimeInterval {
		if err := q.reserveInterval(ctx, task.ID, *req.Query.BatchInterval); err != nil {
			return nil, err
		}
	}

	job := &Job{
		ID:        id,
		Status:    JobPending,
		Req:       *req,
		CreatedAt: uint64(now),
	}
	if err := q.putJob(ctx, task.ID, job); err != nil {
		return nil, err
	}
	return job, nil
}

// reserveInterval adds an interval to the task's collected set, refusing
// overlap. The reservation happens at job creation so two in-flight jobs
// cannot race into overlapping batches.
func (q *Queue) reserveInterval(ctx context.Context, taskID messages.TaskID, iv messages.Interval) error {
	_, err := q.kv.Update(ctx, intervalKey(taskID), func(current []byte) ([]byte, error) {
		set := &collectedIntervals{}
		if current != nil {
			if err := utils.UnmarshalCBOR(current, set); err != nil {
				return nil, err
			}
		}
		for _, prev := range set.Intervals {
			if prev.Overlaps(iv) {
				return nil, ErrBatchOverlap
			}
		}
		set.Intervals = append(set.Intervals, iv)
		return utils.MarshalCBOR(set)
	})
	return err
}

func (q *Queue) putJob(ctx context.Context, taskID messages.TaskID, job *Job) error {
	b, err := utils.MarshalCBOR(job)
	if err != nil {
		return err
	}
	return q.kv.Put(ctx, jobKey(taskID, job.ID), b)
}

// GetJob returns a stored collection job.
func (q *Queue) GetJob(ctx context.Context, taskID messages.TaskID, id JobID) (*Job, error) {
	b, err := q.kv.Get(ctx, jobKey(taskID, id))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrUnknownJob
	}
	job := &Job{}
	if err := utils.UnmarshalCBOR(b, job); err != nil {
		return nil, err
	}
	return job, nil
}

// PendingJobs lists the task's jobs still waiting to complete.
func (q *Queue) PendingJobs(ctx context.Context, taskID messages.TaskID) ([]*Job, error) {
	var jobs []*Job
	err := q.kv.IteratePrefix(ctx, taskJobPrefix(taskID), func(key, value []byte) error {
		job := &Job{}
		if err := utils.UnmarshalCBOR(value, job); err != nil {
			return err
		}
		if job.Status == JobPending {
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// CompleteJob stores a finished job's result and flips it Ready. The stored
// result is what every later poll returns, byte for byte.
func (q *Queue) CompleteJob(ctx context.Context, taskID messages.TaskID, id JobID, result *messages.Collection) error {
	encoded, err := messages.Encode(result)
	if err != nil {
		return err
	}
	return q.transition(ctx, taskID, id, func(job *Job) {
		job.Status = JobReady
		job.Result = encoded
	})
}

// RejectJob permanently fails a job, e.g. after the helper refused its
// batch.
func (q *Queue) RejectJob(ctx context.Context, taskID messages.TaskID, id JobID, reason string) error {
	return q.transition(ctx, taskID, id, func(job *Job) {
		job.Status = JobRejected
		job.Reason = reason
	})
}

func (q *Queue) transition(ctx context.Context, taskID messages.TaskID, id JobID, apply func(*Job)) error {
	_, err := q.kv.Update(ctx, jobKey(taskID, id), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrUnknownJob
		}
		job := &Job{}
		if err := utils.UnmarshalCBOR(current, job); err != nil {
			return nil, err
		}
		if job.Status != JobPending {
			// Terminal states are sticky.
			return current, nil
		}
		apply(job)
		return utils.MarshalCBOR(job)
	})
	return err
}

// SweepExpired expires jobs created before the cutoff and deletes those
// already expired. Expired jobs keep their identity but lose their payload,
// so a late poll learns the result is gone rather than seeing stale data.
// Interval reservations that ended before the cutoff are dropped so the
// overlap record does not grow without bound.
func (q *Queue) SweepExpired(ctx context.Context, taskID messages.TaskID, cutoff messages.Time) (int, error) {
	var expired []JobID
	err := q.kv.IteratePrefix(ctx, taskJobPrefix(taskID), func(key, value []byte) error {
		job := &Job{}
		if err := utils.UnmarshalCBOR(value, job); err != nil {
			return err
		}
		if messages.Time(job.CreatedAt) < cutoff && job.Status != JobExpired {
			expired = append(expired, job.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range expired {
		_, err := q.kv.Update(ctx, jobKey(taskID, id), func(current []byte) ([]byte, error) {
			if current == nil {
				return nil, nil
			}
			job := &Job{}
			if err := utils.UnmarshalCBOR(current, job); err != nil {
				return nil, err
			}
			job.Status = JobExpired
			job.Result = nil
			job.Reason = ""
			return utils.MarshalCBOR(job)
		})
		if err != nil {
			return 0, err
		}
	}

	_, err = q.kv.Update(ctx, intervalKey(taskID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		set := &collectedIntervals{}
		if err := utils.UnmarshalCBOR(current, set); err != nil {
			return nil, err
		}
		kept := set.Intervals[:0]
		for _, iv := range set.Intervals {
			if iv.End() >= cutoff {
				kept = append(kept, iv)
			}
		}
		if len(kept) == len(set.Intervals) {
			return current, nil
		}
		set.Intervals = kept
		return utils.MarshalCBOR(set)
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}
