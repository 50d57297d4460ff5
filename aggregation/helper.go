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

// Package aggregation runs the two-round preparation protocol between the
// leader and the helper and lands verified output shares in batch buckets.
package aggregation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opendap/dap-aggregation-service/aggregatestore"
	"github.com/opendap/dap-aggregation-service/encryption/standardencrypt"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/reportstore"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

// Paths the helper serves for aggregation traffic. The leader joins them onto
// the task's helper URL.
const (
	HelperInitPath           = "/internal/aggregation_job/init"
	HelperContinuePath       = "/internal/aggregation_job/continue"
	HelperAggregateSharePath = "/internal/aggregate_share"
)

// Protocol errors surfaced to the transport layer.
var (
	ErrUnknownJob = errors.New("unknown aggregation job")
	ErrBadRound   = errors.New("unexpected aggregation round")
)

// prepNonce binds a report's preparation to its task, ID and timestamp so
// preparation shares cannot be replayed across contexts.
func prepNonce(taskID messages.TaskID, meta messages.ReportMetadata) []byte {
	nonce := make([]byte, 0, messages.TaskIDSize+messages.ReportIDSize+8)
	nonce = append(nonce, taskID[:]...)
	nonce = append(nonce, meta.ID[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(meta.Time))
	return append(nonce, ts[:]...)
}

// bucketKeyFor places a report's output share in its batch bucket.
func bucketKeyFor(task *taskconfig.Task, sel messages.BatchSelector, reportTime messages.Time) ([]byte, error) {
	switch task.BatchMode {
	case messages.BatchModeTimeInterval:
		return aggregatestore.TimeBucketKey(task.ID, task.QuantizedTimeLowerBound(reportTime)), nil
	case messages.BatchModeFixedSize:
		if sel.BatchID == nil {
			return nil, errors.New("fixed-size job without batch ID")
		}
		return aggregatestore.FixedBucketKey(task.ID, *sel.BatchID), nil
	default:
		return nil, errors.New("unknown batch mode")
	}
}

// Helper answers the leader's aggregation requests for tasks where this
// aggregator is the helper.
type Helper struct {
	kv         storage.KV
	reports    *reportstore.Store
	aggregates *aggregatestore.Store
	hpkeKeys   map[uint8]*standardencrypt.StandardPrivateKey
	clock      storage.Clock
	jobs       prometheus.Gauge
}

// NewHelper wires a helper over the durable store and the aggregator's HPKE
// private keys.
func NewHelper(kv storage.KV, reports *reportstore.Store, aggregates *aggregatestore.Store, hpkeKeys map[uint8]*standardencrypt.StandardPrivateKey, clock storage.Clock) *Helper {
	return &Helper{kv: kv, reports: reports, aggregates: aggregates, hpkeKeys: hpkeKeys, clock: clock}
}

// SetJobsGauge tracks the number of jobs between rounds on g. The helper
// moves the gauge itself because only it can tell a new job from a replayed
// request.
func (h *Helper) SetJobsGauge(g prometheus.Gauge) { h.jobs = g }

// HandleInit runs the helper's first round of an aggregation job. Individual
// report failures become per-report rejections in the response; only
// storage-level failures abort the job. Replaying the same init request
// returns the stored response unchanged.
func (h *Helper) HandleInit(ctx context.Context, task *taskconfig.Task, req *messages.AggregationJobInitReq) (*messages.AggregationJobResp, error) {
	if st, err := loadJobState(ctx, h.kv, task.ID, req.JobID); err != nil {
		return nil, err
	} else if st != nil {
		return st.InitResp, nil
	}

	now := messages.Time(h.clock.Now().Unix())
	sel := req.PartialBatchSelector
	resp := &messages.AggregationJobResp{}
	var pending []pendingPrep

	for _, init := range req.PrepareInits {
		meta := init.ReportShare.Metadata
		if reject, ok := h.checkReportShare(ctx, task, meta, now); !ok {
			resp.PrepareResps = append(resp.PrepareResps, messages.PrepareResp{
				ReportID: meta.ID, Status: messages.PrepareStepRejected, Error: reject,
			})
			continue
		}

		share, reject := h.decryptInputShare(task, init.ReportShare)
		if share == nil {
			resp.PrepareResps = append(resp.PrepareResps, messages.PrepareResp{
				ReportID: meta.ID, Status: messages.PrepareStepRejected, Error: reject,
			})
			continue
		}

		state, prepShare, err := vdaf.PrepareInit(task.Vdaf, task.VerifyKey, prepNonce(task.ID, meta), init.ReportShare.PublicShare, share)
		if err != nil {
			resp.PrepareResps = append(resp.PrepareResps, messages.PrepareResp{
				ReportID: meta.ID, Status: messages.PrepareStepRejected, Error: messages.ReportErrorVdafPrepError,
			})
			continue
		}

		pending = append(pending, pendingPrep{
			ReportID:   append([]byte(nil), meta.ID[:]...),
			ReportTime: uint64(meta.Time),
			State:      state,
		})
		resp.PrepareResps = append(resp.PrepareResps, messages.PrepareResp{
			ReportID: meta.ID, Status: messages.PrepareStepContinued, Payload: prepShare,
		})
	}

	st := &jobState{
		Round:     0,
		Selector:  sel,
		InitResp:  resp,
		Pending:   pending,
		CreatedAt: uint64(now),
	}
	// Validate the selector now so round 2 cannot fail on a malformed one.
	if _, err := bucketKeyFor(task, sel, 0); err != nil {
		return nil, err
	}
	if err := saveJobState(ctx, h.kv, task.ID, req.JobID, st); err != nil {
		return nil, err
	}
	if h.jobs != nil {
		h.jobs.Inc()
	}
	return resp, nil
}

// checkReportShare applies the helper's pre-decryption rejections.
func (h *Helper) checkReportShare(ctx context.Context, task *taskconfig.Task, meta messages.ReportMetadata, now messages.Time) (messages.ReportError, bool) {
	switch err := task.CheckReportTime(meta.Time, now); err {
	case taskconfig.ErrReportTooLate:
		return messages.ReportErrorTaskExpired, false
	case taskconfig.ErrReportTooEarly:
		return messages.ReportErrorReportTooEarly, false
	}

	if st, err := h.reports.Get(ctx, task.ID, meta.ID); err == nil && st.Status == reportstore.StatusProcessed {
		return messages.ReportErrorReportReplayed, false
	}

	collected, err := h.aggregates.IsCollected(ctx, task, meta.Time)
	if err != nil {
		log.Warningf("Collected-batch check for report %s: %v", meta.ID, err)
	}
	if collected {
		return messages.ReportErrorBatchCollected, false
	}
	return 0, true
}

func (h *Helper) decryptInputShare(task *taskconfig.Task, rs messages.ReportShare) ([]byte, messages.ReportError) {
	key, ok := h.hpkeKeys[rs.EncryptedInputShare.ConfigID]
	if !ok {
		return nil, messages.ReportErrorHpkeUnknownConfigID
	}
	plaintext, err := standardencrypt.Decrypt(
		&standardencrypt.StandardCiphertext{Data: rs.EncryptedInputShare.Payload},
		taskconfig.HpkeContext(task.ID, messages.RoleHelper), key)
	if err != nil {
		return nil, messages.ReportErrorHpkeDecryptError
	}
	return plaintext, 0
}

// HandleContinue runs the helper's second round: it checks each preparation
// message against the stored state, commits the surviving output shares to
// their batch buckets and marks the reports processed. A replayed continue
// request returns the stored response without touching the aggregates.
func (h *Helper) HandleContinue(ctx context.Context, task *taskconfig.Task, req *messages.AggregationJobContinueReq) (*messages.AggregationJobResp, error) {
	st, err := loadJobState(ctx, h.kv, task.ID, req.JobID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrUnknownJob
	}
	if st.ContinueResp != nil {
		return st.ContinueResp, nil
	}
	if req.Round != 1 {
		return nil, fmt.Errorf("%w: got round %d", ErrBadRound, req.Round)
	}
	sel := st.Selector

	states := make(map[messages.ReportID]*pendingPrep, len(st.Pending))
	for i := range st.Pending {
		var id messages.ReportID
		copy(id[:], st.Pending[i].ReportID)
		states[id] = &st.Pending[i]
	}

	type bucketAcc struct {
		share    *vdaf.AggregateShare
		count    uint64
		checksum messages.Checksum
	}
	buckets := map[string]*bucketAcc{}
	resp := &messages.AggregationJobResp{}

	for _, pc := range req.PrepContinue {
		prep, ok := states[pc.ReportID]
		if !ok {
			resp.PrepareResps = append(resp.PrepareResps, messages.PrepareResp{
				ReportID: pc.ReportID, Status: messages.PrepareStepRejected, Error: messages.ReportErrorInvalidMessage,
			})
			continue
		}

		out, err := vdaf.PrepareFinish(prep.State, pc.PrepareMessage)
		if err != nil {
			resp.PrepareResps = append(resp.PrepareResps, messages.PrepareResp{
				ReportID: pc.ReportID, Status: messages.PrepareStepRejected, Error: messages.ReportErrorVdafPrepError,
			})
			continue
		}

		// The processed record is the cross-job replay guard; a report that
		// finished in another job is rejected here before it can double count.
		err = h.reports.EnsureProcessed(ctx, task.ID, pc.ReportID, messages.Time(prep.ReportTime), reportstore.OutcomeAggregated, "")
		if err == reportstore.ErrAlreadyProcessed {
			resp.PrepareResps = append(resp.PrepareResps, messages.PrepareResp{
				ReportID: pc.ReportID, Status: messages.PrepareStepRejected, Error: messages.ReportErrorReportReplayed,
			})
			continue
		}
		if err != nil {
			return nil, err
		}

		key, err := bucketKeyFor(task, sel, messages.Time(prep.ReportTime))
		if err != nil {
			return nil, err
		}
		acc, ok := buckets[string(key)]
		if !ok {
			acc = &bucketAcc{share: vdaf.NewAggregateShare(task.Vdaf)}
			buckets[string(key)] = acc
		}
		if err := acc.share.AccumulateOutputShare(out); err != nil {
			return nil, err
		}
		acc.count++
		acc.checksum.Update(pc.ReportID)

		resp.PrepareResps = append(resp.PrepareResps, messages.PrepareResp{
			ReportID: pc.ReportID, Status: messages.PrepareStepFinished,
		})
	}

	for key, acc := range buckets {
		err := h.aggregates.Accumulate(ctx, task, []byte(key), aggregatestore.Contribution{
			JobID:       req.JobID,
			Share:       acc.share,
			ReportCount: acc.count,
			Checksum:    acc.checksum,
		})
		if err == aggregatestore.ErrJobAlreadyMerged {
			// A crashed retry already landed this bucket.
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	st.Round = 1
	st.ContinueResp = resp
	st.Pending = nil
	if err := saveJobState(ctx, h.kv, task.ID, req.JobID, st); err != nil {
		return nil, err
	}
	if h.jobs != nil {
		h.jobs.Dec()
	}
	return resp, nil
}

// HandleAggregateShare releases the helper's aggregate share for a batch once
// the leader proves agreement on the batch content via report count and
// checksum. The batch is frozen before the share leaves, so no later report
// can slip into an already-released aggregate.
func (h *Helper) HandleAggregateShare(ctx context.Context, task *taskconfig.Task, req *messages.AggregateShareReq) (*messages.AggregateShareResp, error) {
	agg, err := h.aggregates.ReadVerified(ctx, task, req.BatchSelector, req.ReportCount, req.Checksum)
	if err != nil {
		return nil, err
	}
	if agg.ReportCount < task.MinBatchSize {
		return nil, aggregatestore.ErrBatchMismatch
	}

	if err := h.aggregates.MarkCollected(ctx, task, req.BatchSelector); err != nil {
		return nil, err
	}

	encrypted, err := EncryptAggregateShare(task, messages.RoleHelper, agg.Share)
	if err != nil {
		return nil, err
	}
	return &messages.AggregateShareResp{EncryptedAggregateShare: *encrypted}, nil
}

// SweepJobs deletes helper job records whose creation time fell behind the
// cutoff, alongside report-state garbage collection. Swept jobs that never
// reached their continue round come off the between-rounds gauge.
func (h *Helper) SweepJobs(ctx context.Context, taskID messages.TaskID, cutoff messages.Time) (int, error) {
	removed, abandoned, err := sweepJobStates(ctx, h.kv, taskID, cutoff)
	if err != nil {
		return 0, err
	}
	if h.jobs != nil && abandoned > 0 {
		h.jobs.Sub(float64(abandoned))
	}
	return removed, nil
}
