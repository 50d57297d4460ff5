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

package gc

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/opendap/dap-aggregation-service/aggregatestore"
	"github.com/opendap/dap-aggregation-service/aggregation"
	"github.com/opendap/dap-aggregation-service/batchqueue"
	"github.com/opendap/dap-aggregation-service/encryption/standardencrypt"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/reportstore"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// gcTask uses a short retention window so the cutoff arithmetic stays
// readable: margin is one time-precision unit (3600), retention 1000.
func gcTask(role messages.Role) *taskconfig.Task {
	return &taskconfig.Task{
		ID:              messages.TaskID{0x6c},
		Role:            role,
		LeaderURL:       "https://leader.example.com",
		HelperURL:       "https://helper.example.com",
		Vdaf:            vdaf.Config{Type: vdaf.TypeCount},
		VerifyKey:       vdaf.VerifyKey{0x11},
		BatchMode:       messages.BatchModeTimeInterval,
		MinBatchSize:    1,
		TimePrecision:   3600,
		Expiration:      2000000000,
		ReportSkew:      300,
		RetentionWindow: 1000,
	}
}

func report(task *taskconfig.Task, id byte, t messages.Time) *messages.Report {
	return &messages.Report{
		TaskID:   task.ID,
		Metadata: messages.ReportMetadata{ID: messages.ReportID{id}, Time: t},
	}
}

func TestRunOnceLeader(t *testing.T) {
	ctx := context.Background()
	task := gcTask(messages.RoleLeader)
	kv := storage.NewMemoryKV()
	reports := reportstore.New(kv, []byte("gc seed"))
	aggregates := aggregatestore.New(kv)
	queue := batchqueue.NewQueue(kv)
	resolver, err := taskconfig.NewResolver([]*taskconfig.Task{task}, nil)
	if err != nil {
		t.Fatalf("NewResolver() failed: %v", err)
	}
	driver := aggregation.NewDriver(kv, reports, aggregates, nil, nil)
	c := New(resolver, reports, aggregates, queue, driver, nil, fixedClock{time.Unix(20000, 0)})

	// One report far out of retention, one still inside it.
	if err := reports.Intake(ctx, task, report(task, 1, 0), 0); err != nil {
		t.Fatalf("Intake() failed: %v", err)
	}
	if err := reports.Intake(ctx, task, report(task, 2, 16000), 16000); err != nil {
		t.Fatalf("Intake() failed: %v", err)
	}

	// Buckets: window [0, 3600) is stale, [14400, 18000) is not.
	for _, start := range []messages.Time{0, 14400} {
		key := aggregatestore.TimeBucketKey(task.ID, start)
		err := aggregates.Accumulate(ctx, task, key, aggregatestore.Contribution{
			JobID:       messages.AggregationJobID{byte(start)},
			Share:       &vdaf.AggregateShare{Vec: []uint64{1}},
			ReportCount: 1,
		})
		if err != nil {
			t.Fatalf("Accumulate(%d) failed: %v", start, err)
		}
	}

	// Collection jobs created before and after the state cutoff.
	oldJob, err := queue.CreateJob(ctx, task, &messages.CollectionReq{
		TaskID: task.ID,
		Query: messages.Query{
			Mode:          messages.BatchModeTimeInterval,
			BatchInterval: &messages.Interval{Start: 0, Duration: task.TimePrecision},
		},
	}, 100)
	if err != nil {
		t.Fatalf("CreateJob() failed: %v", err)
	}
	newJob, err := queue.CreateJob(ctx, task, &messages.CollectionReq{
		TaskID: task.ID,
		Query: messages.Query{
			Mode:          messages.BatchModeTimeInterval,
			BatchInterval: &messages.Interval{Start: 14400, Duration: task.TimePrecision},
		},
	}, 16000)
	if err != nil {
		t.Fatalf("CreateJob() failed: %v", err)
	}

	// cutoff = 20000 - 3600 = 16400, state cutoff = 16400 - 1000 = 15400.
	stats := c.RunOnce(ctx, 20000)
	want := Stats{
		ExpiredPending: 1,
		BucketsDeleted: 1,
		JobsExpired:    1,
	}
	if stats != want {
		t.Fatalf("RunOnce() stats = %+v, want %+v", stats, want)
	}

	// The expired report stayed on record as a processed tombstone.
	st, err := reports.Get(ctx, task.ID, messages.ReportID{1})
	if err != nil {
		t.Fatalf("Get(expired report) failed: %v", err)
	}
	if st.Outcome != reportstore.OutcomeExpired {
		t.Errorf("expired report outcome = %v, want expired", st.Outcome)
	}

	pending, err := reports.PendingCount(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending reports after GC = %d, want 1", pending)
	}

	got, err := queue.GetJob(ctx, task.ID, oldJob.ID)
	if err != nil {
		t.Fatalf("GetJob(old) failed: %v", err)
	}
	if got.Status != batchqueue.JobExpired {
		t.Errorf("old job status %v, want expired", got.Status)
	}
	got, err = queue.GetJob(ctx, task.ID, newJob.ID)
	if err != nil {
		t.Fatalf("GetJob(new) failed: %v", err)
	}
	if got.Status != batchqueue.JobPending {
		t.Errorf("new job status %v, want pending", got.Status)
	}

	// The second pass deletes the tombstone, the third finds nothing.
	if stats := c.RunOnce(ctx, 20000); stats != (Stats{ReportsDeleted: 1}) {
		t.Errorf("second RunOnce() stats = %+v, want 1 report deleted", stats)
	}
	if stats := c.RunOnce(ctx, 20000); stats != (Stats{}) {
		t.Errorf("third RunOnce() stats = %+v, want zero", stats)
	}
}

func TestRunOnceBeforeMargin(t *testing.T) {
	ctx := context.Background()
	task := gcTask(messages.RoleLeader)
	kv := storage.NewMemoryKV()
	reports := reportstore.New(kv, []byte("gc seed"))
	resolver, err := taskconfig.NewResolver([]*taskconfig.Task{task}, nil)
	if err != nil {
		t.Fatalf("NewResolver() failed: %v", err)
	}
	c := New(resolver, reports, aggregatestore.New(kv), nil, nil, nil, fixedClock{time.Unix(100, 0)})

	if err := reports.Intake(ctx, task, report(task, 1, 0), 0); err != nil {
		t.Fatalf("Intake() failed: %v", err)
	}
	// now is inside the safety margin, so nothing may be touched.
	if stats := c.RunOnce(ctx, 100); stats != (Stats{}) {
		t.Errorf("RunOnce() inside margin stats = %+v, want zero", stats)
	}
}

func TestRunOnceHelperJobState(t *testing.T) {
	ctx := context.Background()
	task := gcTask(messages.RoleHelper)

	helperPriv, helperPub, err := standardencrypt.GenerateStandardKeyPair()
	if err != nil {
		t.Fatalf("GenerateStandardKeyPair() failed: %v", err)
	}

	kv := storage.NewMemoryKV()
	reports := reportstore.New(kv, []byte("gc seed"))
	aggregates := aggregatestore.New(kv)
	reportTime := messages.Time(1000)
	helper := aggregation.NewHelper(kv, reports, aggregates,
		map[uint8]*standardencrypt.StandardPrivateKey{1: helperPriv},
		fixedClock{time.Unix(int64(reportTime), 0)})
	resolver, err := taskconfig.NewResolver([]*taskconfig.Task{task}, nil)
	if err != nil {
		t.Fatalf("NewResolver() failed: %v", err)
	}
	c := New(resolver, reports, aggregates, nil, nil, helper, fixedClock{time.Unix(20000, 0)})

	// Run the helper's first round so job state exists.
	meta := messages.ReportMetadata{ID: messages.ReportID{1}, Time: reportTime}
	nonce := make([]byte, 0, messages.TaskIDSize+messages.ReportIDSize+8)
	nonce = append(nonce, task.ID[:]...)
	nonce = append(nonce, meta.ID[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(meta.Time))
	nonce = append(nonce, ts[:]...)

	pub, shares, err := vdaf.Shard(task.Vdaf, vdaf.Measurement{Value: 1}, nonce)
	if err != nil {
		t.Fatalf("Shard() failed: %v", err)
	}
	_, leaderPrep, err := vdaf.PrepareInit(task.Vdaf, task.VerifyKey, nonce, pub, shares[0])
	if err != nil {
		t.Fatalf("PrepareInit() failed: %v", err)
	}
	ct, err := standardencrypt.Encrypt(shares[1], taskconfig.HpkeContext(task.ID, messages.RoleHelper), helperPub)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}

	jobID := messages.AggregationJobID{0xaa}
	start := task.QuantizedTimeLowerBound(reportTime)
	resp, err := helper.HandleInit(ctx, task, &messages.AggregationJobInitReq{
		TaskID: task.ID,
		JobID:  jobID,
		PartialBatchSelector: messages.BatchSelector{
			Mode:          messages.BatchModeTimeInterval,
			BatchInterval: &messages.Interval{Start: start, Duration: task.TimePrecision},
		},
		PrepareInits: []messages.PrepareInit{{
			ReportShare: messages.ReportShare{
				Metadata:            meta,
				PublicShare:         pub,
				EncryptedInputShare: messages.HpkeCiphertext{ConfigID: 1, Payload: ct.Data},
			},
			LeaderPrepShare: leaderPrep,
		}},
	})
	if err != nil {
		t.Fatalf("HandleInit() failed: %v", err)
	}
	if got := resp.PrepareResps[0].Status; got != messages.PrepareStepContinued {
		t.Fatalf("init status = %v, want continued", got)
	}

	stats := c.RunOnce(ctx, 20000)
	if stats.HelperJobsGone != 1 {
		t.Fatalf("RunOnce() helper jobs gone = %d, want 1", stats.HelperJobsGone)
	}

	// The abandoned job is unknown after the sweep.
	_, err = helper.HandleContinue(ctx, task, &messages.AggregationJobContinueReq{
		TaskID: task.ID, JobID: jobID, Round: 1,
	})
	if !errors.Is(err, aggregation.ErrUnknownJob) {
		t.Errorf("HandleContinue() after GC = %v, want ErrUnknownJob", err)
	}
}
