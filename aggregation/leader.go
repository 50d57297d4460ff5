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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/opendap/dap-aggregation-service/aggregatestore"
	"github.com/opendap/dap-aggregation-service/encryption/standardencrypt"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/reportstore"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

// DefaultHelperTimeout bounds one helper round trip.
const DefaultHelperTimeout = 30 * time.Second

// ErrHelperRejected marks a request the helper refused outright, as opposed
// to a transient transport failure worth retrying.
var ErrHelperRejected = errors.New("helper rejected request")

// Driver runs aggregation jobs for tasks where this aggregator is the
// leader: it prepares the leader's shares locally, walks the helper through
// the two protocol rounds and lands the verified outputs in batch buckets.
type Driver struct {
	kv         storage.KV
	reports    *reportstore.Store
	aggregates *aggregatestore.Store
	hpkeKeys   map[uint8]*standardencrypt.StandardPrivateKey
	client     *http.Client
	timeout    time.Duration
}

// NewDriver wires a leader driver. A nil client gets the standard retrying
// client.
func NewDriver(kv storage.KV, reports *reportstore.Store, aggregates *aggregatestore.Store, hpkeKeys map[uint8]*standardencrypt.StandardPrivateKey, client *http.Client) *Driver {
	if client == nil {
		client = retryablehttp.NewClient().StandardClient()
	}
	return &Driver{
		kv:         kv,
		reports:    reports,
		aggregates: aggregates,
		hpkeKeys:   hpkeKeys,
		client:     client,
		timeout:    DefaultHelperTimeout,
	}
}

// JobSummary counts the per-report outcomes of one aggregation job.
type JobSummary struct {
	Aggregated int
	Rejected   int
}

// localPrep is the leader's in-memory preparation for one report.
type localPrep struct {
	state       *vdaf.PrepareState
	reportTime  messages.Time
	helperShare []byte
}

// RunJob drives one aggregation job over the claimed reports. Per-report
// failures are recorded as rejections and the job continues; a helper
// transport failure releases the surviving claims so a later job can retry
// the reports.
func (d *Driver) RunJob(ctx context.Context, task *taskconfig.Task, jobID messages.AggregationJobID, claimed []reportstore.Claimed, sel messages.BatchSelector) (JobSummary, error) {
	var summary JobSummary
	preps := make(map[messages.ReportID]*localPrep)
	var inits []messages.PrepareInit

	for _, c := range claimed {
		prep, init, reason := d.prepareLocal(task, c)
		if prep == nil {
			if err := d.reports.MarkProcessed(ctx, task.ID, c.ID, reportstore.OutcomeRejected, reason); err != nil {
				return summary, err
			}
			summary.Rejected++
			continue
		}
		preps[c.ID] = prep
		inits = append(inits, *init)
	}
	if len(inits) == 0 {
		return summary, nil
	}

	// The per-report preparation is persisted across the helper round
	// trips so a crash between rounds leaves a sweepable record instead of
	// lost work; it must not outlive the job.
	pending := make([]pendingPrep, 0, len(preps))
	for id, prep := range preps {
		pending = append(pending, pendingPrep{
			ReportID:   append([]byte(nil), id[:]...),
			ReportTime: uint64(prep.reportTime),
			State:      prep.state,
		})
	}
	st := &jobState{Selector: sel, Pending: pending, CreatedAt: uint64(time.Now().Unix())}
	if err := saveJobState(ctx, d.kv, task.ID, jobID, st); err != nil {
		d.releaseRemaining(ctx, task, jobID, preps)
		return summary, err
	}
	defer func() {
		if err := d.kv.Delete(ctx, jobKey(task.ID, jobID)); err != nil {
			log.Warningf("Deleting leader state for job %s: %v", jobID, err)
		}
	}()

	initReq := &messages.AggregationJobInitReq{
		TaskID:               task.ID,
		JobID:                jobID,
		PartialBatchSelector: sel,
		PrepareInits:         inits,
	}
	initResp := &messages.AggregationJobResp{}
	if err := d.postHelper(ctx, task, HelperInitPath, initReq, initResp); err != nil {
		d.releaseRemaining(ctx, task, jobID, preps)
		return summary, err
	}

	var continues []messages.PrepareContinue
	for _, pr := range initResp.PrepareResps {
		prep, ok := preps[pr.ReportID]
		if !ok {
			continue
		}
		if pr.Status != messages.PrepareStepContinued {
			if err := d.reports.MarkProcessed(ctx, task.ID, pr.ReportID, reportstore.OutcomeRejected, pr.Error.String()); err != nil {
				return summary, err
			}
			delete(preps, pr.ReportID)
			summary.Rejected++
			continue
		}
		msg, err := vdaf.PrepareSharesToPrepareMessage(task.Vdaf, [][]byte{prep.state.Verifier, pr.Payload})
		if err != nil {
			if err := d.reports.MarkProcessed(ctx, task.ID, pr.ReportID, reportstore.OutcomeRejected, messages.ReportErrorVdafPrepError.String()); err != nil {
				return summary, err
			}
			delete(preps, pr.ReportID)
			summary.Rejected++
			continue
		}
		continues = append(continues, messages.PrepareContinue{ReportID: pr.ReportID, PrepareMessage: msg})
	}
	if len(continues) == 0 {
		return summary, nil
	}

	contReq := &messages.AggregationJobContinueReq{
		TaskID:       task.ID,
		JobID:        jobID,
		Round:        1,
		PrepContinue: continues,
	}
	contResp := &messages.AggregationJobResp{}
	if err := d.postHelper(ctx, task, HelperContinuePath, contReq, contResp); err != nil {
		d.releaseRemaining(ctx, task, jobID, preps)
		return summary, err
	}

	type bucketAcc struct {
		share    *vdaf.AggregateShare
		count    uint64
		checksum messages.Checksum
		ids      []messages.ReportID
	}
	buckets := map[string]*bucketAcc{}

	for _, pr := range contResp.PrepareResps {
		prep, ok := preps[pr.ReportID]
		if !ok {
			continue
		}
		if pr.Status != messages.PrepareStepFinished {
			if err := d.reports.MarkProcessed(ctx, task.ID, pr.ReportID, reportstore.OutcomeRejected, pr.Error.String()); err != nil {
				return summary, err
			}
			delete(preps, pr.ReportID)
			summary.Rejected++
			continue
		}
		out, err := vdaf.PrepareFinish(prep.state, prep.state.Verifier)
		if err != nil {
			return summary, err
		}

		key, err := bucketKeyFor(task, sel, prep.reportTime)
		if err != nil {
			return summary, err
		}
		acc, ok := buckets[string(key)]
		if !ok {
			acc = &bucketAcc{share: vdaf.NewAggregateShare(task.Vdaf)}
			buckets[string(key)] = acc
		}
		if err := acc.share.AccumulateOutputShare(out); err != nil {
			return summary, err
		}
		acc.count++
		acc.checksum.Update(pr.ReportID)
		acc.ids = append(acc.ids, pr.ReportID)
	}

	// Buckets land before reports flip to processed: the per-bucket job-ID
	// guard makes a retried flush a no-op, while the reverse order could
	// lose contributions of reports already marked processed.
	for key, acc := range buckets {
		err := d.aggregates.Accumulate(ctx, task, []byte(key), aggregatestore.Contribution{
			JobID:       jobID,
			Share:       acc.share,
			ReportCount: acc.count,
			Checksum:    acc.checksum,
		})
		if err == aggregatestore.ErrJobAlreadyMerged {
			continue
		}
		if err != nil {
			return summary, err
		}
		for _, id := range acc.ids {
			err := d.reports.MarkProcessed(ctx, task.ID, id, reportstore.OutcomeAggregated, "")
			if err != nil && err != reportstore.ErrAlreadyProcessed {
				return summary, err
			}
			summary.Aggregated++
		}
	}
	return summary, nil
}

// prepareLocal decodes and prepares the leader's share of one claimed
// report. A nil prep means the report is rejected with the returned reason.
func (d *Driver) prepareLocal(task *taskconfig.Task, c reportstore.Claimed) (*localPrep, *messages.PrepareInit, string) {
	report := &messages.Report{}
	if err := messages.Decode(c.Payload, report); err != nil {
		return nil, nil, messages.ReportErrorInvalidMessage.String()
	}
	if len(report.EncryptedInputShares) != 2 {
		return nil, nil, messages.ReportErrorInvalidMessage.String()
	}

	leaderShare := report.EncryptedInputShares[messages.RoleLeader.Index()]
	key, ok := d.hpkeKeys[leaderShare.ConfigID]
	if !ok {
		return nil, nil, messages.ReportErrorHpkeUnknownConfigID.String()
	}
	plaintext, err := standardencrypt.Decrypt(
		&standardencrypt.StandardCiphertext{Data: leaderShare.Payload},
		taskconfig.HpkeContext(task.ID, messages.RoleLeader), key)
	if err != nil {
		return nil, nil, messages.ReportErrorHpkeDecryptError.String()
	}

	state, _, err := vdaf.PrepareInit(task.Vdaf, task.VerifyKey, prepNonce(task.ID, report.Metadata), report.PublicShare, plaintext)
	if err != nil {
		return nil, nil, messages.ReportErrorVdafPrepError.String()
	}

	prep := &localPrep{state: state, reportTime: report.Metadata.Time}
	init := &messages.PrepareInit{
		ReportShare: messages.ReportShare{
			Metadata:            report.Metadata,
			PublicShare:         report.PublicShare,
			EncryptedInputShare: report.EncryptedInputShares[messages.RoleHelper.Index()],
		},
		LeaderPrepShare: state.Verifier,
	}
	return prep, init, ""
}

// SweepJobs deletes round-boundary state left behind by jobs that crashed
// between the helper round trips.
func (d *Driver) SweepJobs(ctx context.Context, taskID messages.TaskID, cutoff messages.Time) (int, error) {
	removed, _, err := sweepJobStates(ctx, d.kv, taskID, cutoff)
	return removed, err
}

// releaseRemaining puts reports still held by a failed job back in the
// pending pool.
func (d *Driver) releaseRemaining(ctx context.Context, task *taskconfig.Task, jobID messages.AggregationJobID, preps map[messages.ReportID]*localPrep) {
	ids := make([]messages.ReportID, 0, len(preps))
	for id := range preps {
		ids = append(ids, id)
	}
	if err := d.reports.ReleaseClaims(ctx, task.ID, jobID, ids); err != nil {
		log.Errorf("Releasing %d claims for job %s: %v", len(ids), jobID, err)
	}
}

// FetchHelperShare asks the helper for its encrypted aggregate share of a
// batch.
func (d *Driver) FetchHelperShare(ctx context.Context, task *taskconfig.Task, req *messages.AggregateShareReq) (*messages.AggregateShareResp, error) {
	resp := &messages.AggregateShareResp{}
	if err := d.postHelper(ctx, task, HelperAggregateSharePath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// postHelper sends one CBOR request to the helper and decodes the response.
func (d *Driver) postHelper(ctx context.Context, task *taskconfig.Task, path string, req, resp interface{}) error {
	body, err := messages.Encode(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	url := strings.TrimSuffix(task.HelperURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/cbor")
	httpReq.Header.Set("Authorization", "Bearer "+task.AggregatorAuthToken)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
		return fmt.Errorf("%w: status %d for %s", ErrHelperRejected, httpResp.StatusCode, path)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("helper returned status %d for %s", httpResp.StatusCode, path)
	}
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return err
	}
	return messages.Decode(respBody, resp)
}
