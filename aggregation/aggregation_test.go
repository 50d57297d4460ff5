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

package aggregation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opendap/dap-aggregation-service/aggregatestore"
	"github.com/opendap/dap-aggregation-service/encryption/standardencrypt"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/reportstore"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

const testConfigID = 1

// fixedClock pins the helper's notion of now.
type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// env is a complete two-aggregator setup: the leader driver talks to an
// in-process helper over a real HTTP round trip.
type env struct {
	task *taskconfig.Task

	leaderKV         storage.KV
	leaderReports    *reportstore.Store
	leaderAggregates *aggregatestore.Store
	driver           *Driver

	helperKV         storage.KV
	helperReports    *reportstore.Store
	helperAggregates *aggregatestore.Store
	helper           *Helper

	leaderPub    *standardencrypt.StandardPublicKey
	helperPub    *standardencrypt.StandardPublicKey
	collectorKey *standardencrypt.StandardPrivateKey

	now messages.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()

	leaderPriv, leaderPub, err := standardencrypt.GenerateStandardKeyPair()
	if err != nil {
		t.Fatalf("GenerateStandardKeyPair() failed: %v", err)
	}
	helperPriv, helperPub, err := standardencrypt.GenerateStandardKeyPair()
	if err != nil {
		t.Fatalf("GenerateStandardKeyPair() failed: %v", err)
	}
	collectorPriv, collectorPub, err := standardencrypt.GenerateStandardKeyPair()
	if err != nil {
		t.Fatalf("GenerateStandardKeyPair() failed: %v", err)
	}

	e := &env{
		leaderPub:    leaderPub,
		helperPub:    helperPub,
		collectorKey: collectorPriv,
		now:          messages.Time(1700000000),
	}
	e.task = &taskconfig.Task{
		ID:               messages.TaskID{1},
		Role:             messages.RoleLeader,
		LeaderURL:        "https://leader.example.com",
		HelperURL:        "placeholder",
		Vdaf:             vdaf.Config{Type: vdaf.TypeCount},
		VerifyKey:        vdaf.VerifyKey{0x5e},
		BatchMode:        messages.BatchModeTimeInterval,
		MinBatchSize:     1,
		TimePrecision:    3600,
		Expiration:       2000000000,
		ReportSkew:       300,
		RetentionWindow:  1209600,
		CollectorHpkeKey: collectorPub,
	}

	e.helperKV = storage.NewMemoryKV()
	e.helperReports = reportstore.New(e.helperKV, []byte("helper seed"))
	e.helperAggregates = aggregatestore.New(e.helperKV)
	e.helper = NewHelper(e.helperKV, e.helperReports, e.helperAggregates,
		map[uint8]*standardencrypt.StandardPrivateKey{testConfigID: helperPriv},
		fixedClock{time.Unix(int64(e.now), 0)})

	srv := httptest.NewServer(helperMux(t, e.task, e.helper))
	t.Cleanup(srv.Close)
	e.task.HelperURL = srv.URL

	e.leaderKV = storage.NewMemoryKV()
	e.leaderReports = reportstore.New(e.leaderKV, []byte("leader seed"))
	e.leaderAggregates = aggregatestore.New(e.leaderKV)
	e.driver = NewDriver(e.leaderKV, e.leaderReports, e.leaderAggregates,
		map[uint8]*standardencrypt.StandardPrivateKey{testConfigID: leaderPriv},
		srv.Client())
	return e
}

// helperMux exposes the helper over the aggregation endpoints the way the
// serving layer does, minus authentication.
func helperMux(t *testing.T, task *taskconfig.Task, h *Helper) http.Handler {
	serve := func(w http.ResponseWriter, r *http.Request, req interface{}, handle func() (interface{}, error)) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := messages.Decode(body, req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp, err := handle()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		out, err := messages.Encode(resp)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(out)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(HelperInitPath, func(w http.ResponseWriter, r *http.Request) {
		req := &messages.AggregationJobInitReq{}
		serve(w, r, req, func() (interface{}, error) { return h.HandleInit(r.Context(), task, req) })
	})
	mux.HandleFunc(HelperContinuePath, func(w http.ResponseWriter, r *http.Request) {
		req := &messages.AggregationJobContinueReq{}
		serve(w, r, req, func() (interface{}, error) { return h.HandleContinue(r.Context(), task, req) })
	})
	mux.HandleFunc(HelperAggregateSharePath, func(w http.ResponseWriter, r *http.Request) {
		req := &messages.AggregateShareReq{}
		serve(w, r, req, func() (interface{}, error) { return h.HandleAggregateShare(r.Context(), task, req) })
	})
	return mux
}

// makeReport shards and encrypts one client measurement for the task.
func (e *env) makeReport(t *testing.T, id byte, reportTime messages.Time, m vdaf.Measurement) *messages.Report {
	t.Helper()
	meta := messages.ReportMetadata{ID: messages.ReportID{id}, Time: reportTime}
	pub, shares, err := vdaf.Shard(e.task.Vdaf, m, prepNonce(e.task.ID, meta))
	if err != nil {
		t.Fatalf("Shard() failed: %v", err)
	}

	encrypt := func(share []byte, role messages.Role, key *standardencrypt.StandardPublicKey) messages.HpkeCiphertext {
		ct, err := standardencrypt.Encrypt(share, taskconfig.HpkeContext(e.task.ID, role), key)
		if err != nil {
			t.Fatalf("Encrypt() failed: %v", err)
		}
		return messages.HpkeCiphertext{ConfigID: testConfigID, Payload: ct.Data}
	}
	return &messages.Report{
		TaskID:      e.task.ID,
		Metadata:    meta,
		PublicShare: pub,
		EncryptedInputShares: []messages.HpkeCiphertext{
			encrypt(shares[0], messages.RoleLeader, e.leaderPub),
			encrypt(shares[1], messages.RoleHelper, e.helperPub),
		},
	}
}

func (e *env) intakeAndClaim(t *testing.T, jobID messages.AggregationJobID, reports ...*messages.Report) []reportstore.Claimed {
	t.Helper()
	ctx := context.Background()
	for _, r := range reports {
		if err := e.leaderReports.Intake(ctx, e.task, r, e.now); err != nil {
			t.Fatalf("Intake() failed: %v", err)
		}
	}
	claimed, err := e.leaderReports.ClaimBatch(ctx, e.task.ID, jobID, len(reports), nil, e.now)
	if err != nil {
		t.Fatalf("ClaimBatch() failed: %v", err)
	}
	if len(claimed) != len(reports) {
		t.Fatalf("claimed %d reports, want %d", len(claimed), len(reports))
	}
	return claimed
}

func (e *env) selector() messages.BatchSelector {
	start := e.task.QuantizedTimeLowerBound(e.now)
	return messages.BatchSelector{
		Mode:          messages.BatchModeTimeInterval,
		BatchInterval: &messages.Interval{Start: start, Duration: e.task.TimePrecision},
	}
}

func decryptCollectorShare(t *testing.T, e *env, role messages.Role, ct *messages.HpkeCiphertext) *vdaf.AggregateShare {
	t.Helper()
	plaintext, err := standardencrypt.Decrypt(
		&standardencrypt.StandardCiphertext{Data: ct.Payload},
		taskconfig.CollectorHpkeContext(e.task.ID, role), e.collectorKey)
	if err != nil {
		t.Fatalf("Decrypt() failed: %v", err)
	}
	share, err := vdaf.DecodeAggregateShare(e.task.Vdaf, plaintext)
	if err != nil {
		t.Fatalf("DecodeAggregateShare() failed: %v", err)
	}
	return share
}

func TestEndToEndAggregation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	jobID := messages.AggregationJobID{0xa}

	var reports []*messages.Report
	values := []uint64{1, 0, 1, 1, 1}
	for i, v := range values {
		reports = append(reports, e.makeReport(t, byte(i+1), e.now, vdaf.Measurement{Value: v}))
	}
	claimed := e.intakeAndClaim(t, jobID, reports...)

	summary, err := e.driver.RunJob(ctx, e.task, jobID, claimed, e.selector())
	if err != nil {
		t.Fatalf("RunJob() failed: %v", err)
	}
	if summary.Aggregated != len(values) || summary.Rejected != 0 {
		t.Fatalf("summary = %+v, want %d aggregated", summary, len(values))
	}

	// Both sides agree on the batch totals.
	sel := e.selector()
	leaderAgg, err := e.leaderAggregates.Read(ctx, e.task, sel)
	if err != nil {
		t.Fatalf("leader Read() failed: %v", err)
	}
	helperAgg, err := e.helperAggregates.Read(ctx, e.task, sel)
	if err != nil {
		t.Fatalf("helper Read() failed: %v", err)
	}
	if leaderAgg.ReportCount != helperAgg.ReportCount || leaderAgg.Checksum != helperAgg.Checksum {
		t.Fatalf("aggregators disagree: leader %d/%x, helper %d/%x",
			leaderAgg.ReportCount, leaderAgg.Checksum, helperAgg.ReportCount, helperAgg.Checksum)
	}

	// The recombined shares yield the true count.
	result, err := vdaf.Unshard(e.task.Vdaf, []*vdaf.AggregateShare{leaderAgg.Share, helperAgg.Share}, leaderAgg.ReportCount)
	if err != nil {
		t.Fatalf("Unshard() failed: %v", err)
	}
	if result.Value != 4 {
		t.Errorf("aggregate count = %d, want 4", result.Value)
	}

	// Every report is now processed as aggregated and no longer claimable.
	for _, r := range reports {
		st, err := e.leaderReports.Get(ctx, e.task.ID, r.Metadata.ID)
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if st.Status != reportstore.StatusProcessed || st.Outcome != reportstore.OutcomeAggregated {
			t.Errorf("report %s state %v/%v, want processed/aggregated", r.Metadata.ID, st.Status, st.Outcome)
		}
	}
}

func TestCollectFlow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	jobID := messages.AggregationJobID{0xa}

	var reports []*messages.Report
	for i := byte(1); i <= 3; i++ {
		reports = append(reports, e.makeReport(t, i, e.now, vdaf.Measurement{Value: 1}))
	}
	claimed := e.intakeAndClaim(t, jobID, reports...)
	if _, err := e.driver.RunJob(ctx, e.task, jobID, claimed, e.selector()); err != nil {
		t.Fatalf("RunJob() failed: %v", err)
	}

	sel := e.selector()
	leaderAgg, err := e.leaderAggregates.Read(ctx, e.task, sel)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	helperResp, err := e.driver.FetchHelperShare(ctx, e.task, &messages.AggregateShareReq{
		TaskID:        e.task.ID,
		BatchSelector: sel,
		ReportCount:   leaderAgg.ReportCount,
		Checksum:      leaderAgg.Checksum,
	})
	if err != nil {
		t.Fatalf("FetchHelperShare() failed: %v", err)
	}
	leaderCT, err := EncryptAggregateShare(e.task, messages.RoleLeader, leaderAgg.Share)
	if err != nil {
		t.Fatalf("EncryptAggregateShare() failed: %v", err)
	}

	leaderShare := decryptCollectorShare(t, e, messages.RoleLeader, leaderCT)
	helperShare := decryptCollectorShare(t, e, messages.RoleHelper, &helperResp.EncryptedAggregateShare)
	result, err := vdaf.Unshard(e.task.Vdaf, []*vdaf.AggregateShare{leaderShare, helperShare}, leaderAgg.ReportCount)
	if err != nil {
		t.Fatalf("Unshard() failed: %v", err)
	}
	if result.Value != 3 {
		t.Errorf("collected count = %d, want 3", result.Value)
	}

	// The batch is frozen on the helper once its share is out.
	collected, err := e.helperAggregates.IsCollected(ctx, e.task, e.now)
	if err != nil {
		t.Fatalf("IsCollected() failed: %v", err)
	}
	if !collected {
		t.Error("helper batch not frozen after aggregate-share release")
	}
}

func TestRunJobRejectsForgedReport(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	jobID := messages.AggregationJobID{0xa}

	good := e.makeReport(t, 1, e.now, vdaf.Measurement{Value: 1})

	// Forge a report whose helper share belongs to a different measurement.
	forged := e.makeReport(t, 2, e.now, vdaf.Measurement{Value: 1})
	donor := e.makeReport(t, 2, e.now, vdaf.Measurement{Value: 0})
	forged.EncryptedInputShares[1] = donor.EncryptedInputShares[1]

	claimed := e.intakeAndClaim(t, jobID, good, forged)
	summary, err := e.driver.RunJob(ctx, e.task, jobID, claimed, e.selector())
	if err != nil {
		t.Fatalf("RunJob() failed: %v", err)
	}
	if summary.Aggregated != 1 || summary.Rejected != 1 {
		t.Fatalf("summary = %+v, want 1 aggregated and 1 rejected", summary)
	}

	st, err := e.leaderReports.Get(ctx, e.task.ID, forged.Metadata.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if st.Outcome != reportstore.OutcomeRejected {
		t.Errorf("forged report outcome = %v, want rejected", st.Outcome)
	}

	// Only the good report made it into the aggregates.
	agg, err := e.leaderAggregates.Read(ctx, e.task, e.selector())
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if agg.ReportCount != 1 {
		t.Errorf("aggregated %d reports, want 1", agg.ReportCount)
	}
}

func TestHelperRoundsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	jobID := messages.AggregationJobID{0xa}

	report := e.makeReport(t, 1, e.now, vdaf.Measurement{Value: 1})
	claimed := e.intakeAndClaim(t, jobID, report)
	if _, err := e.driver.RunJob(ctx, e.task, jobID, claimed, e.selector()); err != nil {
		t.Fatalf("RunJob() failed: %v", err)
	}

	before, err := e.helperAggregates.Read(ctx, e.task, e.selector())
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	// Replay round 2 directly. The helper answers from its stored response
	// without touching the aggregate.
	resp, err := e.helper.HandleContinue(ctx, e.task, &messages.AggregationJobContinueReq{
		TaskID: e.task.ID,
		JobID:  jobID,
		Round:  1,
		PrepContinue: []messages.PrepareContinue{
			{ReportID: report.Metadata.ID, PrepareMessage: []byte("ignored on replay")},
		},
	})
	if err != nil {
		t.Fatalf("replayed HandleContinue() failed: %v", err)
	}
	if len(resp.PrepareResps) != 1 || resp.PrepareResps[0].Status != messages.PrepareStepFinished {
		t.Errorf("replayed response %+v, want the stored finished response", resp)
	}

	after, err := e.helperAggregates.Read(ctx, e.task, e.selector())
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if after.ReportCount != before.ReportCount {
		t.Errorf("replay changed report count %d -> %d", before.ReportCount, after.ReportCount)
	}
}

func TestHelperJobsGauge(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_jobs_between_rounds"})
	e.helper.SetJobsGauge(g)

	// A job completed through both rounds leaves the gauge where it started.
	jobID := messages.AggregationJobID{0xa}
	report := e.makeReport(t, 1, e.now, vdaf.Measurement{Value: 1})
	claimed := e.intakeAndClaim(t, jobID, report)
	if _, err := e.driver.RunJob(ctx, e.task, jobID, claimed, e.selector()); err != nil {
		t.Fatalf("RunJob() failed: %v", err)
	}
	if got := testutil.ToFloat64(g); got != 0 {
		t.Errorf("gauge after completed job = %v, want 0", got)
	}

	// A job stuck after round 1 counts once, however often its init is
	// replayed.
	stuck := e.makeReport(t, 2, e.now, vdaf.Measurement{Value: 1})
	init := &messages.AggregationJobInitReq{
		TaskID:               e.task.ID,
		JobID:                messages.AggregationJobID{0xb},
		PartialBatchSelector: e.selector(),
		PrepareInits: []messages.PrepareInit{{
			ReportShare: messages.ReportShare{
				Metadata:            stuck.Metadata,
				PublicShare:         stuck.PublicShare,
				EncryptedInputShare: stuck.EncryptedInputShares[1],
			},
		}},
	}
	for i := 0; i < 3; i++ {
		if _, err := e.helper.HandleInit(ctx, e.task, init); err != nil {
			t.Fatalf("HandleInit() failed: %v", err)
		}
	}
	if got := testutil.ToFloat64(g); got != 1 {
		t.Errorf("gauge after replayed inits = %v, want 1", got)
	}

	// Sweeping removes both job records but only the abandoned one still
	// held a count.
	if n, err := e.helper.SweepJobs(ctx, e.task.ID, e.now+1); err != nil || n != 2 {
		t.Fatalf("SweepJobs() = %d, %v, want 2 removed", n, err)
	}
	if got := testutil.ToFloat64(g); got != 0 {
		t.Errorf("gauge after sweep = %v, want 0", got)
	}
}

func TestHelperRejectsReplayAcrossJobs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	report := e.makeReport(t, 1, e.now, vdaf.Measurement{Value: 1})
	claimed := e.intakeAndClaim(t, messages.AggregationJobID{0xa}, report)
	if _, err := e.driver.RunJob(ctx, e.task, messages.AggregationJobID{0xa}, claimed, e.selector()); err != nil {
		t.Fatalf("RunJob() failed: %v", err)
	}

	// The same report pushed through a fresh job must be rejected in round 2.
	meta := report.Metadata
	init := &messages.AggregationJobInitReq{
		TaskID:               e.task.ID,
		JobID:                messages.AggregationJobID{0xb},
		PartialBatchSelector: e.selector(),
		PrepareInits: []messages.PrepareInit{{
			ReportShare: messages.ReportShare{
				Metadata:            meta,
				PublicShare:         report.PublicShare,
				EncryptedInputShare: report.EncryptedInputShares[1],
			},
		}},
	}
	resp, err := e.helper.HandleInit(ctx, e.task, init)
	if err != nil {
		t.Fatalf("HandleInit() failed: %v", err)
	}
	if len(resp.PrepareResps) != 1 {
		t.Fatalf("got %d prepare responses, want 1", len(resp.PrepareResps))
	}
	pr := resp.PrepareResps[0]
	if pr.Status != messages.PrepareStepRejected || pr.Error != messages.ReportErrorReportReplayed {
		t.Errorf("replayed report response %+v, want rejection with report_replayed", pr)
	}
}

func TestHandleContinueErrors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	if _, err := e.helper.HandleContinue(ctx, e.task, &messages.AggregationJobContinueReq{
		TaskID: e.task.ID,
		JobID:  messages.AggregationJobID{0xee},
		Round:  1,
	}); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("HandleContinue(unknown job) = %v, want ErrUnknownJob", err)
	}

	report := e.makeReport(t, 1, e.now, vdaf.Measurement{Value: 1})
	jobID := messages.AggregationJobID{0xa}
	if _, err := e.helper.HandleInit(ctx, e.task, &messages.AggregationJobInitReq{
		TaskID:               e.task.ID,
		JobID:                jobID,
		PartialBatchSelector: e.selector(),
		PrepareInits: []messages.PrepareInit{{
			ReportShare: messages.ReportShare{
				Metadata:            report.Metadata,
				PublicShare:         report.PublicShare,
				EncryptedInputShare: report.EncryptedInputShares[1],
			},
		}},
	}); err != nil {
		t.Fatalf("HandleInit() failed: %v", err)
	}

	if _, err := e.helper.HandleContinue(ctx, e.task, &messages.AggregationJobContinueReq{
		TaskID: e.task.ID,
		JobID:  jobID,
		Round:  5,
	}); !errors.Is(err, ErrBadRound) {
		t.Errorf("HandleContinue(round 5) = %v, want ErrBadRound", err)
	}
}

func TestHelperInitRejections(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	good := e.makeReport(t, 1, e.now, vdaf.Measurement{Value: 1})
	unknownKey := e.makeReport(t, 2, e.now, vdaf.Measurement{Value: 1})
	unknownKey.EncryptedInputShares[1].ConfigID = 99
	expired := e.makeReport(t, 3, e.task.Expiration, vdaf.Measurement{Value: 1})
	future := e.makeReport(t, 4, e.now+1000, vdaf.Measurement{Value: 1})
	garbled := e.makeReport(t, 5, e.now, vdaf.Measurement{Value: 1})
	garbled.EncryptedInputShares[1].Payload = []byte("not a ciphertext")

	var inits []messages.PrepareInit
	for _, r := range []*messages.Report{good, unknownKey, expired, future, garbled} {
		inits = append(inits, messages.PrepareInit{
			ReportShare: messages.ReportShare{
				Metadata:            r.Metadata,
				PublicShare:         r.PublicShare,
				EncryptedInputShare: r.EncryptedInputShares[1],
			},
		})
	}
	resp, err := e.helper.HandleInit(ctx, e.task, &messages.AggregationJobInitReq{
		TaskID:               e.task.ID,
		JobID:                messages.AggregationJobID{0xa},
		PartialBatchSelector: e.selector(),
		PrepareInits:         inits,
	})
	if err != nil {
		t.Fatalf("HandleInit() failed: %v", err)
	}

	want := []struct {
		status messages.PrepareStepStatus
		reason messages.ReportError
	}{
		{messages.PrepareStepContinued, 0},
		{messages.PrepareStepRejected, messages.ReportErrorHpkeUnknownConfigID},
		{messages.PrepareStepRejected, messages.ReportErrorTaskExpired},
		{messages.PrepareStepRejected, messages.ReportErrorReportTooEarly},
		{messages.PrepareStepRejected, messages.ReportErrorHpkeDecryptError},
	}
	if len(resp.PrepareResps) != len(want) {
		t.Fatalf("got %d prepare responses, want %d", len(resp.PrepareResps), len(want))
	}
	for i, w := range want {
		pr := resp.PrepareResps[i]
		if pr.Status != w.status || (w.status == messages.PrepareStepRejected && pr.Error != w.reason) {
			t.Errorf("report %d: got %+v, want status %v error %v", i, pr, w.status, w.reason)
		}
	}
}

func TestHandleAggregateShareChecks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.task.MinBatchSize = 2
	jobID := messages.AggregationJobID{0xa}

	report := e.makeReport(t, 1, e.now, vdaf.Measurement{Value: 1})
	claimed := e.intakeAndClaim(t, jobID, report)
	if _, err := e.driver.RunJob(ctx, e.task, jobID, claimed, e.selector()); err != nil {
		t.Fatalf("RunJob() failed: %v", err)
	}

	var sum messages.Checksum
	sum.Update(report.Metadata.ID)

	// One report is below the minimum batch size.
	if _, err := e.helper.HandleAggregateShare(ctx, e.task, &messages.AggregateShareReq{
		TaskID:        e.task.ID,
		BatchSelector: e.selector(),
		ReportCount:   1,
		Checksum:      sum,
	}); !errors.Is(err, aggregatestore.ErrBatchMismatch) {
		t.Errorf("HandleAggregateShare(small batch) = %v, want ErrBatchMismatch", err)
	}

	// Wrong totals are refused even at sufficient size.
	e.task.MinBatchSize = 1
	if _, err := e.helper.HandleAggregateShare(ctx, e.task, &messages.AggregateShareReq{
		TaskID:        e.task.ID,
		BatchSelector: e.selector(),
		ReportCount:   99,
		Checksum:      sum,
	}); !errors.Is(err, aggregatestore.ErrBatchMismatch) {
		t.Errorf("HandleAggregateShare(wrong count) = %v, want ErrBatchMismatch", err)
	}
}

func TestRunJobReleasesClaimsOnTransportFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// Point the task at a helper that always fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	e.task.HelperURL = srv.URL
	e.driver.client = srv.Client()
	e.driver.timeout = 5 * time.Second

	jobID := messages.AggregationJobID{0xa}
	report := e.makeReport(t, 1, e.now, vdaf.Measurement{Value: 1})
	claimed := e.intakeAndClaim(t, jobID, report)

	if _, err := e.driver.RunJob(ctx, e.task, jobID, claimed, e.selector()); err == nil {
		t.Fatal("RunJob() succeeded against a failing helper")
	}

	// The report is claimable again for a later job.
	got, err := e.leaderReports.ClaimBatch(ctx, e.task.ID, messages.AggregationJobID{0xb}, 1, nil, e.now)
	if err != nil {
		t.Fatalf("ClaimBatch() failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("claimed %d reports after failed job, want 1", len(got))
	}
}

func TestPostHelperMapsRejections(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	e.task.HelperURL = srv.URL
	e.driver.client = srv.Client()

	_, err := e.driver.FetchHelperShare(ctx, e.task, &messages.AggregateShareReq{TaskID: e.task.ID, BatchSelector: e.selector()})
	if !errors.Is(err, ErrHelperRejected) {
		t.Errorf("FetchHelperShare() against 400 = %v, want ErrHelperRejected", err)
	}
}

func TestSweepJobs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	jobID := messages.AggregationJobID{0xa}

	report := e.makeReport(t, 1, e.now, vdaf.Measurement{Value: 1})
	claimed := e.intakeAndClaim(t, jobID, report)
	if _, err := e.driver.RunJob(ctx, e.task, jobID, claimed, e.selector()); err != nil {
		t.Fatalf("RunJob() failed: %v", err)
	}

	// Nothing is old enough yet.
	if n, err := e.helper.SweepJobs(ctx, e.task.ID, e.now); err != nil || n != 0 {
		t.Errorf("SweepJobs(now) = %d, %v, want 0", n, err)
	}
	n, err := e.helper.SweepJobs(ctx, e.task.ID, e.now+1)
	if err != nil {
		t.Fatalf("SweepJobs() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("SweepJobs() deleted %d jobs, want 1", n)
	}

	// With the job record gone, a continue for it is unknown.
	if _, err := e.helper.HandleContinue(ctx, e.task, &messages.AggregationJobContinueReq{
		TaskID: e.task.ID, JobID: jobID, Round: 1,
	}); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("HandleContinue(swept job) = %v, want ErrUnknownJob", err)
	}
}

func TestLeaderStateSpansRounds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	jobID := messages.AggregationJobID{0xa}

	// Observe the leader's stored state from inside the second round trip.
	inner := helperMux(t, e.task, e.helper)
	var sawState bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == HelperContinuePath {
			st, err := loadJobState(ctx, e.leaderKV, e.task.ID, jobID)
			if err != nil {
				t.Errorf("loadJobState() failed: %v", err)
			}
			sawState = st != nil && len(st.Pending) == 1
		}
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()
	e.task.HelperURL = srv.URL
	e.driver.client = srv.Client()

	report := e.makeReport(t, 1, e.now, vdaf.Measurement{Value: 1})
	claimed := e.intakeAndClaim(t, jobID, report)
	if _, err := e.driver.RunJob(ctx, e.task, jobID, claimed, e.selector()); err != nil {
		t.Fatalf("RunJob() failed: %v", err)
	}
	if !sawState {
		t.Error("no persisted leader state during the second round")
	}

	st, err := loadJobState(ctx, e.leaderKV, e.task.ID, jobID)
	if err != nil {
		t.Fatalf("loadJobState() failed: %v", err)
	}
	if st != nil {
		t.Error("leader state survived job completion")
	}

	// A record abandoned by a crashed job is swept once it is old enough.
	stale := &jobState{CreatedAt: uint64(e.now)}
	if err := saveJobState(ctx, e.leaderKV, e.task.ID, messages.AggregationJobID{0xb}, stale); err != nil {
		t.Fatalf("saveJobState() failed: %v", err)
	}
	n, err := e.driver.SweepJobs(ctx, e.task.ID, e.now+1)
	if err != nil {
		t.Fatalf("SweepJobs() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("SweepJobs() deleted %d records, want 1", n)
	}
}

func TestEncryptAggregateShareWithNoise(t *testing.T) {
	e := newEnv(t)
	e.task.DpEpsilon = 1.0

	share := &vdaf.AggregateShare{Vec: []uint64{10}}
	ct, err := EncryptAggregateShare(e.task, messages.RoleLeader, share)
	if err != nil {
		t.Fatalf("EncryptAggregateShare() failed: %v", err)
	}
	got := decryptCollectorShare(t, e, messages.RoleLeader, ct)
	if len(got.Vec) != 1 {
		t.Fatalf("decrypted share has %d lanes, want 1", len(got.Vec))
	}
	// The input share is untouched; noise lands only on the encrypted copy.
	if share.Vec[0] != 10 {
		t.Errorf("EncryptAggregateShare() mutated its input: %d", share.Vec[0])
	}
}
