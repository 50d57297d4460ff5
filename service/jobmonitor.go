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

package service

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/opendap/dap-aggregation-service/batchqueue"
	"github.com/opendap/dap-aggregation-service/messages"
)

// Firestore paths for job monitoring records.
const (
	MonitorProdPath = "collection-jobs"
	MonitorTestPath = "collection-jobs-test"
)

// MonitoredJob is the operator-visible record of one collection job.
type MonitoredJob struct {
	TaskID  string    `firestore:"task_id,omitempty"`
	Status  string    `firestore:"status,omitempty"`
	Reason  string    `firestore:"reason,omitempty"`
	Updated time.Time `firestore:"updated,omitempty"`
}

// MonitoredSweep is the record of one scheduler sweep.
type MonitoredSweep struct {
	Claimed    int64     `firestore:"claimed,omitempty"`
	Aggregated int64     `firestore:"aggregated,omitempty"`
	Rejected   int64     `firestore:"rejected,omitempty"`
	Collected  int64     `firestore:"collected,omitempty"`
	Finished   time.Time `firestore:"finished,omitempty"`
}

// JobMonitor mirrors scheduling activity into Firestore for operators. It is
// observability only; protocol state lives in the durable keyed store.
type JobMonitor struct {
	Client *firestore.Client
	Path   string
}

// RecordJob upserts a collection job's current state.
func (m *JobMonitor) RecordJob(ctx context.Context, taskID messages.TaskID, job *batchqueue.Job) error {
	_, err := m.Client.Collection(m.Path).Doc(job.ID.String()).Set(ctx, &MonitoredJob{
		TaskID:  taskID.String(),
		Status:  job.Status.String(),
		Reason:  job.Reason,
		Updated: time.Now(),
	})
	return err
}

// RecordSweep appends one sweep summary.
func (m *JobMonitor) RecordSweep(ctx context.Context, stats *batchqueue.SweepStats) error {
	_, _, err := m.Client.Collection(m.Path + "-sweeps").Add(ctx, &MonitoredSweep{
		Claimed:    stats.Claimed.Load(),
		Aggregated: stats.Aggregated.Load(),
		Rejected:   stats.Rejected.Load(),
		Collected:  stats.Collected.Load(),
		Finished:   time.Now(),
	})
	return err
}
