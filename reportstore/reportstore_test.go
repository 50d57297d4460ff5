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

package reportstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

func testTask() *taskconfig.Task {
	return &taskconfig.Task{
		ID:              messages.TaskID{1},
		Role:            messages.RoleLeader,
		LeaderURL:       "https://leader.example.com",
		HelperURL:       "https://helper.example.com",
		Vdaf:            vdaf.Config{Type: vdaf.TypeCount},
		BatchMode:       messages.BatchModeTimeInterval,
		MinBatchSize:    1,
		TimePrecision:   3600,
		Expiration:      2000000000,
		ReportSkew:      300,
		RetentionWindow: 86400,
	}
}

func testReport(id byte, reportTime messages.Time) *messages.Report {
	return &messages.Report{
		TaskID: messages.TaskID{1},
		Metadata: messages.ReportMetadata{
			ID:   messages.ReportID{id},
			Time: reportTime,
		},
		PublicShare: []byte("pub"),
		EncryptedInputShares: []messages.HpkeCiphertext{
			{ConfigID: 1, Payload: []byte("leader")},
			{ConfigID: 1, Payload: []byte("helper")},
		},
	}
}

func newTestStore() *Store {
	return New(storage.NewMemoryKV(), []byte("seed"))
}

func TestIntakeAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	now := messages.Time(1000000)

	report := testReport(1, now)
	if err := s.Intake(ctx, task, report, now); err != nil {
		t.Fatalf("Intake() failed: %v", err)
	}

	st, err := s.Get(ctx, task.ID, report.Metadata.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if st.Status != StatusPending {
		t.Errorf("status = %v, want pending", st.Status)
	}
	if len(st.Payload) == 0 {
		t.Error("stored report payload is empty")
	}
}

func TestIntakeRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	now := messages.Time(1000000)

	report := testReport(1, now)
	if err := s.Intake(ctx, task, report, now); err != nil {
		t.Fatalf("Intake() failed: %v", err)
	}
	if err := s.Intake(ctx, task, report, now); !errors.Is(err, ErrDuplicateReport) {
		t.Errorf("second Intake() = %v, want ErrDuplicateReport", err)
	}

	// A processed report stays a duplicate forever.
	if err := s.MarkProcessed(ctx, task.ID, report.Metadata.ID, OutcomeAggregated, ""); err != nil {
		t.Fatalf("MarkProcessed() failed: %v", err)
	}
	if err := s.Intake(ctx, task, report, now); !errors.Is(err, ErrDuplicateReport) {
		t.Errorf("Intake() after processing = %v, want ErrDuplicateReport", err)
	}
}

func TestIntakeChecksReportTime(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	now := messages.Time(1000000)

	tooEarly := testReport(1, now+messages.Time(task.ReportSkew)+1)
	if err := s.Intake(ctx, task, tooEarly, now); !errors.Is(err, taskconfig.ErrReportTooEarly) {
		t.Errorf("Intake(future report) = %v, want ErrReportTooEarly", err)
	}
	tooLate := testReport(2, task.Expiration)
	if err := s.Intake(ctx, task, tooLate, now); !errors.Is(err, taskconfig.ErrReportTooLate) {
		t.Errorf("Intake(expired report) = %v, want ErrReportTooLate", err)
	}
}

func TestClaimBatchExclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	now := messages.Time(1000000)

	for i := byte(1); i <= 5; i++ {
		if err := s.Intake(ctx, task, testReport(i, now), now); err != nil {
			t.Fatalf("Intake() failed: %v", err)
		}
	}

	jobA := messages.AggregationJobID{0xa}
	claimedA, err := s.ClaimBatch(ctx, task.ID, jobA, 3, nil, now)
	if err != nil {
		t.Fatalf("ClaimBatch() failed: %v", err)
	}
	if len(claimedA) != 3 {
		t.Fatalf("job A claimed %d reports, want 3", len(claimedA))
	}
	for _, c := range claimedA {
		if len(c.Payload) == 0 {
			t.Errorf("claimed report %s has no payload", c.ID)
		}
	}

	// A second job only gets the remainder.
	jobB := messages.AggregationJobID{0xb}
	claimedB, err := s.ClaimBatch(ctx, task.ID, jobB, 10, nil, now)
	if err != nil {
		t.Fatalf("ClaimBatch() failed: %v", err)
	}
	if len(claimedB) != 2 {
		t.Errorf("job B claimed %d reports, want 2", len(claimedB))
	}
	for _, a := range claimedA {
		for _, b := range claimedB {
			if a.ID == b.ID {
				t.Errorf("report %s claimed by both jobs", a.ID)
			}
		}
	}
}

func TestClaimLeaseExpires(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryKV(), []byte("seed"), WithClaimLease(time.Minute))
	task := testTask()
	now := messages.Time(1000000)

	if err := s.Intake(ctx, task, testReport(1, now), now); err != nil {
		t.Fatalf("Intake() failed: %v", err)
	}
	jobA := messages.AggregationJobID{0xa}
	if claimed, err := s.ClaimBatch(ctx, task.ID, jobA, 1, nil, now); err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch() = %d reports, %v", len(claimed), err)
	}

	// While the lease is live nothing is claimable.
	jobB := messages.AggregationJobID{0xb}
	if claimed, err := s.ClaimBatch(ctx, task.ID, jobB, 1, nil, now+30); err != nil || len(claimed) != 0 {
		t.Fatalf("ClaimBatch() during lease = %d reports, %v, want 0", len(claimed), err)
	}

	// After the lease expires the report is claimable again.
	claimed, err := s.ClaimBatch(ctx, task.ID, jobB, 1, nil, now+61)
	if err != nil {
		t.Fatalf("ClaimBatch() after lease failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Errorf("ClaimBatch() after lease = %d reports, want 1", len(claimed))
	}
}

func TestClaimBatchWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	now := messages.Time(1000000)

	inside := testReport(1, 997200)
	outside := testReport(2, 900000)
	for _, r := range []*messages.Report{inside, outside} {
		if err := s.Intake(ctx, task, r, now); err != nil {
			t.Fatalf("Intake() failed: %v", err)
		}
	}

	window := &messages.Interval{Start: 997200, Duration: 3600}
	claimed, err := s.ClaimBatch(ctx, task.ID, messages.AggregationJobID{0xa}, 10, window, now)
	if err != nil {
		t.Fatalf("ClaimBatch() failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != inside.Metadata.ID {
		t.Errorf("claimed %v, want only the in-window report", claimed)
	}
}

func TestClaimBatchOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	now := messages.Time(1000000)

	// Report IDs run opposite to report times, so any ordering by key
	// would surface the newest report first.
	times := map[byte]messages.Time{1: 9000, 2: 7000, 3: 5000, 4: 3000, 5: 1000}
	for id, reportTime := range times {
		if err := s.Intake(ctx, task, testReport(id, reportTime), now); err != nil {
			t.Fatalf("Intake() failed: %v", err)
		}
	}

	claimed, err := s.ClaimBatch(ctx, task.ID, messages.AggregationJobID{0xa}, 2, nil, now)
	if err != nil {
		t.Fatalf("ClaimBatch() failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d reports, want 2", len(claimed))
	}
	if claimed[0].ID != (messages.ReportID{5}) || claimed[1].ID != (messages.ReportID{4}) {
		t.Errorf("claimed %s, %s, want the two oldest reports", claimed[0].ID, claimed[1].ID)
	}
}

func TestShardCountCapped(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryKV(), []byte("seed"), WithShardCount(100000))
	task := testTask()
	now := messages.Time(1000000)

	// The shard occupies a single key byte; an oversized count is capped so
	// every shard the hash picks stays addressable.
	for i := byte(1); i <= 20; i++ {
		if err := s.Intake(ctx, task, testReport(i, now), now); err != nil {
			t.Fatalf("Intake() failed: %v", err)
		}
	}
	if got, err := s.PendingCount(ctx, task.ID, 100); err != nil || got != 20 {
		t.Errorf("PendingCount() = %d, %v, want 20", got, err)
	}
	claimed, err := s.ClaimBatch(ctx, task.ID, messages.AggregationJobID{0xa}, 25, nil, now)
	if err != nil {
		t.Fatalf("ClaimBatch() failed: %v", err)
	}
	if len(claimed) != 20 {
		t.Errorf("claimed %d reports, want all 20", len(claimed))
	}
}

func TestReleaseClaims(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	now := messages.Time(1000000)

	if err := s.Intake(ctx, task, testReport(1, now), now); err != nil {
		t.Fatalf("Intake() failed: %v", err)
	}
	jobA := messages.AggregationJobID{0xa}
	claimed, err := s.ClaimBatch(ctx, task.ID, jobA, 1, nil, now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch() = %d reports, %v", len(claimed), err)
	}

	// A different job cannot release the claim.
	jobB := messages.AggregationJobID{0xb}
	if err := s.ReleaseClaims(ctx, task.ID, jobB, []messages.ReportID{claimed[0].ID}); err != nil {
		t.Fatalf("ReleaseClaims() failed: %v", err)
	}
	if got, err := s.ClaimBatch(ctx, task.ID, jobB, 1, nil, now); err != nil || len(got) != 0 {
		t.Fatalf("claim survived foreign release: %d reports, %v", len(got), err)
	}

	// The owner can.
	if err := s.ReleaseClaims(ctx, task.ID, jobA, []messages.ReportID{claimed[0].ID}); err != nil {
		t.Fatalf("ReleaseClaims() failed: %v", err)
	}
	if got, err := s.ClaimBatch(ctx, task.ID, jobB, 1, nil, now); err != nil || len(got) != 1 {
		t.Errorf("ClaimBatch() after release = %d reports, %v, want 1", len(got), err)
	}
}

func TestMarkProcessedOneWay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	now := messages.Time(1000000)

	report := testReport(1, now)
	if err := s.Intake(ctx, task, report, now); err != nil {
		t.Fatalf("Intake() failed: %v", err)
	}
	id := report.Metadata.ID
	if err := s.MarkProcessed(ctx, task.ID, id, OutcomeAggregated, ""); err != nil {
		t.Fatalf("MarkProcessed() failed: %v", err)
	}
	if err := s.MarkProcessed(ctx, task.ID, id, OutcomeRejected, "later"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second MarkProcessed() = %v, want ErrAlreadyProcessed", err)
	}

	st, err := s.Get(ctx, task.ID, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if st.Outcome != OutcomeAggregated {
		t.Errorf("outcome = %v, second MarkProcessed overwrote it", st.Outcome)
	}
	if st.Payload != nil {
		t.Error("payload retained after processing")
	}

	// Processed reports are never claimable.
	if claimed, err := s.ClaimBatch(ctx, task.ID, messages.AggregationJobID{0xa}, 1, nil, now); err != nil || len(claimed) != 0 {
		t.Errorf("ClaimBatch() returned a processed report: %d, %v", len(claimed), err)
	}
}

func TestEnsureProcessedReplayGuard(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	taskID := messages.TaskID{1}
	id := messages.ReportID{9}

	if err := s.EnsureProcessed(ctx, taskID, id, 1000, OutcomeAggregated, ""); err != nil {
		t.Fatalf("EnsureProcessed() failed: %v", err)
	}
	if err := s.EnsureProcessed(ctx, taskID, id, 1000, OutcomeAggregated, ""); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second EnsureProcessed() = %v, want ErrAlreadyProcessed", err)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	task.RetentionWindow = 1000

	old := testReport(1, 1000)
	fresh := testReport(2, 5000)
	for _, r := range []*messages.Report{old, fresh} {
		if err := s.Intake(ctx, task, r, r.Metadata.Time); err != nil {
			t.Fatalf("Intake() failed: %v", err)
		}
	}

	cutoff := messages.Time(3000)
	res, err := s.SweepExpired(ctx, task, cutoff, cutoff)
	if err != nil {
		t.Fatalf("SweepExpired() failed: %v", err)
	}
	if res.Deleted != 0 || res.ExpiredPending != 1 {
		t.Errorf("SweepExpired() = %+v, want 1 expired pending", res)
	}

	// The expired report stays on record as processed, so a replay of it is
	// still rejected as a duplicate.
	st, err := s.Get(ctx, task.ID, old.Metadata.ID)
	if err != nil {
		t.Fatalf("Get(expired report) failed: %v", err)
	}
	if st.Status != StatusProcessed || st.Outcome != OutcomeExpired {
		t.Errorf("expired report state = %v/%v, want processed/expired", st.Status, st.Outcome)
	}
	if len(st.Payload) != 0 {
		t.Error("expired report kept its payload")
	}
	if err := s.Intake(ctx, task, old, old.Metadata.Time); !errors.Is(err, ErrDuplicateReport) {
		t.Errorf("Intake(expired report) = %v, want ErrDuplicateReport", err)
	}

	// The tombstone itself is deleted on the next pass.
	res, err = s.SweepExpired(ctx, task, cutoff, cutoff)
	if err != nil {
		t.Fatalf("second SweepExpired() failed: %v", err)
	}
	if res.Deleted != 1 || res.ExpiredPending != 0 {
		t.Errorf("second SweepExpired() = %+v, want 1 deleted", res)
	}
	if _, err := s.Get(ctx, task.ID, old.Metadata.ID); !errors.Is(err, ErrReportUnknown) {
		t.Errorf("Get(swept report) = %v, want ErrReportUnknown", err)
	}
	if _, err := s.Get(ctx, task.ID, fresh.Metadata.ID); err != nil {
		t.Errorf("Get(fresh report) failed: %v", err)
	}
}

func TestSweepExpiredSkipsLiveClaims(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	task.RetentionWindow = 1000

	report := testReport(1, 1000)
	if err := s.Intake(ctx, task, report, report.Metadata.Time); err != nil {
		t.Fatalf("Intake() failed: %v", err)
	}
	now := messages.Time(3000)
	if claimed, err := s.ClaimBatch(ctx, task.ID, messages.AggregationJobID{0xa}, 1, nil, now); err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch() = %d reports, %v", len(claimed), err)
	}

	res, err := s.SweepExpired(ctx, task, now, now)
	if err != nil {
		t.Fatalf("SweepExpired() failed: %v", err)
	}
	if res.Deleted != 0 {
		t.Errorf("SweepExpired() deleted %d reports under a live claim", res.Deleted)
	}
}

func TestPendingCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := testTask()
	now := messages.Time(1000000)

	for i := byte(1); i <= 4; i++ {
		if err := s.Intake(ctx, task, testReport(i, now), now); err != nil {
			t.Fatalf("Intake() failed: %v", err)
		}
	}
	if err := s.MarkProcessed(ctx, task.ID, messages.ReportID{1}, OutcomeAggregated, ""); err != nil {
		t.Fatalf("MarkProcessed() failed: %v", err)
	}

	if got, err := s.PendingCount(ctx, task.ID, 100); err != nil || got != 3 {
		t.Errorf("PendingCount() = %d, %v, want 3", got, err)
	}
	if got, err := s.PendingCount(ctx, task.ID, 2); err != nil || got != 2 {
		t.Errorf("PendingCount() with limit = %d, %v, want 2", got, err)
	}
}
