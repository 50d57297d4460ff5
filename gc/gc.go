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

// Package gc deletes per-task state whose retention window elapsed: report
// records, batch buckets, collection jobs and aggregation job state.
//
// Every pass works from an explicit current time, so tests drive expiry
// deterministically. Deletion lags the retention boundary by one
// time-precision unit as a safety margin for requests in flight near the
// boundary.
package gc

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/opendap/dap-aggregation-service/aggregatestore"
	"github.com/opendap/dap-aggregation-service/aggregation"
	"github.com/opendap/dap-aggregation-service/batchqueue"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/reportstore"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
)

// DefaultInterval spaces recurring collection passes.
const DefaultInterval = 5 * time.Minute

// Stats summarizes one garbage-collection pass.
type Stats struct {
	ReportsDeleted int
	// ExpiredPending counts reports that were still pending when their
	// retention elapsed; their fate is expiry, not aggregation.
	ExpiredPending int
	BucketsDeleted int
	JobsExpired    int
	HelperJobsGone int
	LeaderJobsGone int
}

// Collector walks every task's stored state and removes what fell out of
// retention. The queue, driver and helper are optional and checked per
// role.
type Collector struct {
	tasks      *taskconfig.Resolver
	reports    *reportstore.Store
	aggregates *aggregatestore.Store
	queue      *batchqueue.Queue
	driver     *aggregation.Driver
	helper     *aggregation.Helper
	clock      storage.Clock
}

// New wires a collector. queue and driver may be nil on a pure helper,
// helper may be nil on a pure leader.
func New(tasks *taskconfig.Resolver, reports *reportstore.Store, aggregates *aggregatestore.Store, queue *batchqueue.Queue, driver *aggregation.Driver, helper *aggregation.Helper, clock storage.Clock) *Collector {
	return &Collector{
		tasks:      tasks,
		reports:    reports,
		aggregates: aggregates,
		queue:      queue,
		driver:     driver,
		helper:     helper,
		clock:      clock,
	}
}

// RunOnce sweeps every task at the given time. Per-task failures are logged
// and the pass continues; the next pass retries whatever was missed.
func (c *Collector) RunOnce(ctx context.Context, now messages.Time) Stats {
	var stats Stats
	for _, task := range c.tasks.StaticTasks() {
		if err := c.sweepTask(ctx, task, now, &stats); err != nil {
			log.Errorf("GC for task %s: %v", task.ID, err)
		}
	}
	log.Infof("GC pass at %d: reports=%d expired_pending=%d buckets=%d jobs=%d leader_jobs=%d helper_jobs=%d",
		now, stats.ReportsDeleted, stats.ExpiredPending, stats.BucketsDeleted, stats.JobsExpired, stats.LeaderJobsGone, stats.HelperJobsGone)
	return stats
}

func (c *Collector) sweepTask(ctx context.Context, task *taskconfig.Task, now messages.Time, stats *Stats) error {
	margin := messages.Time(task.TimePrecision)
	if now < margin {
		return nil
	}
	cutoff := now - margin

	res, err := c.reports.SweepExpired(ctx, task, cutoff, now)
	if err != nil {
		return err
	}
	stats.ReportsDeleted += res.Deleted
	stats.ExpiredPending += res.ExpiredPending

	n, err := c.aggregates.SweepExpired(ctx, task, cutoff)
	if err != nil {
		return err
	}
	stats.BucketsDeleted += n

	retention := messages.Time(task.RetentionWindow)
	if cutoff < retention {
		return nil
	}
	stateCutoff := cutoff - retention

	if c.queue != nil && task.Role == messages.RoleLeader {
		n, err := c.queue.SweepExpired(ctx, task.ID, stateCutoff)
		if err != nil {
			return err
		}
		stats.JobsExpired += n
	}
	if c.driver != nil && task.Role == messages.RoleLeader {
		n, err := c.driver.SweepJobs(ctx, task.ID, stateCutoff)
		if err != nil {
			return err
		}
		stats.LeaderJobsGone += n
	}
	if c.helper != nil && task.Role == messages.RoleHelper {
		n, err := c.helper.SweepJobs(ctx, task.ID, stateCutoff)
		if err != nil {
			return err
		}
		stats.HelperJobsGone += n
	}
	return nil
}

// Start schedules recurring passes on the alarm scheduler until the context
// is canceled.
func (c *Collector) Start(ctx context.Context, alarms *storage.AlarmScheduler, interval time.Duration) {
	if interval == 0 {
		interval = DefaultInterval
	}
	alarms.Schedule(ctx, "gc", interval, func(ctx context.Context, now time.Time) {
		c.RunOnce(ctx, messages.Time(now.Unix()))
	})
}
