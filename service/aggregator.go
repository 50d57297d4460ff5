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
	"net/http"

	log "github.com/golang/glog"

	"github.com/opendap/dap-aggregation-service/aggregatestore"
	"github.com/opendap/dap-aggregation-service/aggregation"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/metrics"
	"github.com/opendap/dap-aggregation-service/taskconfig"
)

// authorizeAggregator checks the leader-to-helper bearer token.
func (h *Handler) authorizeAggregator(w http.ResponseWriter, r *http.Request, task *taskconfig.Task) bool {
	if bearerToken(r) != task.AggregatorAuthToken {
		writeProblem(w, http.StatusForbidden, ProblemUnauthorized, "bad aggregator token")
		return false
	}
	return true
}

// handleAggregationInit serves the helper's first aggregation round.
func (h *Handler) handleAggregationInit(w http.ResponseWriter, r *http.Request) {
	h.Metrics.CountRequest(metrics.RequestAggregateInit)
	if r.Method != http.MethodPost {
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}
	if h.Role != messages.RoleHelper {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedTask, "not a helper")
		return
	}

	req := &messages.AggregationJobInitReq{}
	if !readBody(w, r, req) {
		return
	}
	task, err := h.resolveTask(r, req.TaskID)
	if err != nil {
		writeTaskProblem(w, req.TaskID, err)
		return
	}
	if !h.authorizeAggregator(w, r, task) {
		return
	}

	resp, err := h.Helper.HandleInit(r.Context(), task, req)
	if err != nil {
		log.Errorf("Aggregation init for task %s job %s: %v", req.TaskID, req.JobID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, pr := range resp.PrepareResps {
		if pr.Status == messages.PrepareStepRejected {
			h.Metrics.CountReport(pr.Error.String())
		}
	}
	writeCBOR(w, resp)
}

// handleAggregationContinue serves the helper's second aggregation round.
func (h *Handler) handleAggregationContinue(w http.ResponseWriter, r *http.Request) {
	h.Metrics.CountRequest(metrics.RequestAggregateCont)
	if r.Method != http.MethodPost {
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}
	if h.Role != messages.RoleHelper {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedTask, "not a helper")
		return
	}

	req := &messages.AggregationJobContinueReq{}
	if !readBody(w, r, req) {
		return
	}
	task, err := h.resolveTask(r, req.TaskID)
	if err != nil {
		writeTaskProblem(w, req.TaskID, err)
		return
	}
	if !h.authorizeAggregator(w, r, task) {
		return
	}

	resp, err := h.Helper.HandleContinue(r.Context(), task, req)
	switch err {
	case nil:
	case aggregation.ErrUnknownJob:
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedMessage, "unknown aggregation job")
		return
	default:
		log.Errorf("Aggregation continue for task %s job %s: %v", req.TaskID, req.JobID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, pr := range resp.PrepareResps {
		switch pr.Status {
		case messages.PrepareStepFinished:
			h.Metrics.CountReport("aggregated")
		case messages.PrepareStepRejected:
			h.Metrics.CountReport(pr.Error.String())
		}
	}
	writeCBOR(w, resp)
}

// handleAggregateShare releases the helper's encrypted aggregate share.
func (h *Handler) handleAggregateShare(w http.ResponseWriter, r *http.Request) {
	h.Metrics.CountRequest(metrics.RequestAggregateShare)
	if r.Method != http.MethodPost {
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}
	if h.Role != messages.RoleHelper {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedTask, "not a helper")
		return
	}

	req := &messages.AggregateShareReq{}
	if !readBody(w, r, req) {
		return
	}
	task, err := h.resolveTask(r, req.TaskID)
	if err != nil {
		writeTaskProblem(w, req.TaskID, err)
		return
	}
	if !h.authorizeAggregator(w, r, task) {
		return
	}

	resp, err := h.Helper.HandleAggregateShare(r.Context(), task, req)
	switch err {
	case nil:
		writeCBOR(w, resp)
	case aggregatestore.ErrBatchEmpty, aggregatestore.ErrBatchMismatch:
		writeProblem(w, http.StatusBadRequest, ProblemBatchMismatch, err.Error())
	case aggregatestore.ErrBatchCollected:
		writeProblem(w, http.StatusBadRequest, ProblemBatchMismatch, err.Error())
	default:
		log.Errorf("Aggregate share for task %s: %v", req.TaskID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
