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
	"errors"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/opendap/dap-aggregation-service/aggregatestore"
	"github.com/opendap/dap-aggregation-service/aggregation"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/reportstore"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
)

// Selector bounds one scheduler sweep: at most MaxJobs aggregation jobs per
// task, each holding at most MaxReportsPerJob reports.
type Selector struct {
	MaxJobs          int
	MaxReportsPerJob int
}

// DefaultSelector matches one sweep to a modest helper round-trip budget.
var DefaultSelector = Selector{MaxJobs: 4, MaxReportsPerJob: 512}

// SweepStats summarizes one scheduler sweep across all tasks.
type SweepStats struct {
	Claimed    atomic.Int64
	Aggregated atomic.Int64
	Rejected   atomic.Int64
	Collected  atomic.Int64
}

// Scheduler is the leader's recurring driver: it packs pending reports into
// aggregation jobs, runs them against the helper and completes collection
// jobs whose batches became ready.
type Scheduler struct {
	tasks      *taskconfig.Resolver
	reports    *reportstore.Store
	aggregates *aggregatestore.Store
	driver     *aggregation.Driver
	queue      *Queue
	clock      storage.Clock
	sel        Selector
	// concurrency bounds how many tasks one sweep works in parallel.
	concurrency int
}

// NewScheduler wires a scheduler. A zero selector gets DefaultSelector.
func NewScheduler(tasks *taskconfig.Resolver, reports *reportstore.Store, aggregates *aggregatestore.Store, driver *aggregation.Driver, queue *Queue, clock storage.Clock, sel Selector) *Scheduler {
	if sel.MaxJobs == 0 {
		sel = DefaultSelector
	}
	return &Scheduler{
		tasks:       tasks,
		reports:     reports,
		aggregates:  aggregates,
		driver:      driver,
		queue:       queue,
		clock:       clock,
		sel:         sel,
		concurrency: 4,
	}
}

// Sweep runs one scheduling pass over every leader task. Per-task failures
// are logged and do not stop the sweep for other tasks.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepStats, error) {
	stats := &SweepStats{}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, task := range s.tasks.StaticTasks() {
		if task.Role != messages.RoleLeader {
			continue
		}
		task := task
		g.Go(func() error {
			if err := s.sweepTask(ctx, task, stats); err != nil {
				log.Errorf("Sweep for task %s: %v", task.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	log.Infof("Sweep done: claimed=%d aggregated=%d rejected=%d collected=%d",
		stats.Claimed.Load(), stats.Aggregated.Load(), stats.Rejected.Load(), stats.Collected.Load())
	return stats, nil
}

func (s *Scheduler) sweepTask(ctx context.Context, task *taskconfig.Task, stats *SweepStats) error {
	if err := s.runAggregations(ctx, task, stats); err != nil {
		return err
	}
	return s.completeCollections(ctx, task, stats)
}

// runAggregations packs pending reports into jobs and drives them through
// the helper, oldest claims first.
func (s *Scheduler) runAggregations(ctx context.Context, task *taskconfig.Task, stats *SweepStats) error {
	now := messages.Time(s.clock.Now().Unix())

	for i := 0; i < s.sel.MaxJobs; i++ {
		var jobID messages.AggregationJobID
		u := uuid.New()
		copy(jobID[:], u[:])

		claimed, err := s.reports.ClaimBatch(ctx, task.ID, jobID, s.sel.MaxReportsPerJob, nil, now)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		stats.Claimed.Add(int64(len(claimed)))

		sel := messages.BatchSelector{Mode: task.BatchMode}
		if task.BatchMode == messages.BatchModeFixedSize {
			batchID, err := s.queue.AssignBatch(ctx, task, uint64(len(claimed)))
			if err != nil {
				return err
			}
			sel.BatchID = &batchID
		}

		summary, err := s.driver.RunJob(ctx, task, jobID, claimed, sel)
		stats.Aggregated.Add(int64(summary.Aggregated))
		stats.Rejected.Add(int64(summary.Rejected))
		if err != nil {
			// Claims were released; leave the rest for the next sweep.
			log.Warningf("Aggregation job %s for task %s: %v", jobID, task.ID, err)
			return nil
		}
	}
	return nil
}

// completeCollections tries to finish every pending collection job whose
// batch is ready.
func (s *Scheduler) completeCollections(ctx context.Context, task *taskconfig.Task, stats *SweepStats) error {
	jobs, err := s.queue.PendingJobs(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		done, err := s.completeJob(ctx, task, job)
		if err != nil {
			log.Warningf("Collection job %s for task %s: %v", job.ID, task.ID, err)
			continue
		}
		if done {
			stats.Collected.Add(1)
		}
	}
	return nil
}

// completeJob attempts one collection job. It returns false with a nil error
// when the batch is not ready yet and the job should stay pending.
func (s *Scheduler) completeJob(ctx context.Context, task *taskconfig.Task, job *Job) (bool, error) {
	sel := messages.BatchSelector{Mode: job.Req.Query.Mode}
	switch {
	case job.Req.Query.Mode == messages.BatchModeTimeInterval:
		sel.BatchInterval = job.Req.Query.BatchInterval
	case job.Req.Query.CurrentBatch:
		batchID, err := s.queue.CollectableBatch(ctx, task)
		if err == ErrNoCurrentBatch {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		sel.BatchID = &batchID
	default:
		sel.BatchID = job.Req.Query.BatchID
	}

	agg, err := s.aggregates.Read(ctx, task, sel)
	if err == aggregatestore.ErrBatchEmpty {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if agg.ReportCount < task.MinBatchSize {
		return false, nil
	}

	helperResp, err := s.driver.FetchHelperShare(ctx, task, &messages.AggregateShareReq{
		TaskID:           task.ID,
		BatchSelector:    sel,
		AggregationParam: job.Req.AggregationParam,
		ReportCount:      agg.ReportCount,
		Checksum:         agg.Checksum,
	})
	if errors.Is(err, aggregation.ErrHelperRejected) {
		if rejectErr := s.queue.RejectJob(ctx, task.ID, job.ID, err.Error()); rejectErr != nil {
			return false, rejectErr
		}
		return false, err
	}
	if err != nil {
		// Transient: retry on the next sweep.
		return false, nil
	}

	leaderShare, err := aggregation.EncryptAggregateShare(task, messages.RoleLeader, agg.Share)
	if err != nil {
		return false, err
	}

	if err := s.aggregates.MarkCollected(ctx, task, sel); err != nil {
		return false, err
	}
	if task.BatchMode == messages.BatchModeFixedSize && sel.BatchID != nil {
		if err := s.queue.MarkBatchCollected(ctx, task.ID, *sel.BatchID); err != nil {
			return false, err
		}
	}

	result := &messages.Collection{
		PartialBatchSelector:    sel,
		ReportCount:             agg.ReportCount,
		Interval:                agg.Interval,
		EncryptedAggregateShare: []messages.HpkeCiphertext{*leaderShare, helperResp.EncryptedAggregateShare},
	}
	if err := s.queue.CompleteJob(ctx, task.ID, job.ID, result); err != nil {
		return false, err
	}
	return true, nil
}
