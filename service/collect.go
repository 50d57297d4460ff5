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
	"strings"

	log "github.com/golang/glog"

	"github.com/opendap/dap-aggregation-service/batchqueue"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/metrics"
)

// handleCollectCreate registers a collection job for a collector request.
// Identical resubmissions land on the same job, so the response is safe to
// retry; the job URI comes back in the Location header.
func (h *Handler) handleCollectCreate(w http.ResponseWriter, r *http.Request) {
	h.Metrics.CountRequest(metrics.RequestCollect)
	if r.Method != http.MethodPost {
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}
	if h.Role != messages.RoleLeader {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedTask, "not a leader")
		return
	}

	req := &messages.CollectionReq{}
	if !readBody(w, r, req) {
		return
	}
	task, err := h.resolveTask(r, req.TaskID)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedTask, req.TaskID.String())
		return
	}
	if bearerToken(r) != task.CollectorAuthToken {
		writeProblem(w, http.StatusForbidden, ProblemUnauthorized, "bad collector token")
		return
	}

	job, err := h.Queue.CreateJob(r.Context(), task, req, h.now())
	switch err {
	case nil:
	case batchqueue.ErrBatchOverlap:
		writeProblem(w, http.StatusBadRequest, ProblemBatchOverlap, "interval overlaps a prior collection")
		return
	case batchqueue.ErrInvalidInterval:
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedMessage, "invalid collection query")
		return
	default:
		log.Errorf("Collection create for task %s: %v", req.TaskID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if h.Monitor != nil {
		if err := h.Monitor.RecordJob(r.Context(), task.ID, job); err != nil {
			log.Warningf("Recording collection job %s: %v", job.ID, err)
		}
	}

	w.Header().Set("Location", CollectPath+"/"+task.ID.String()+"/"+job.ID.String())
	w.WriteHeader(http.StatusCreated)
}

// handleCollectPoll reports a collection job's state. A pending job answers
// 202; a ready job returns its stored result unchanged on every poll.
func (h *Handler) handleCollectPoll(w http.ResponseWriter, r *http.Request) {
	h.Metrics.CountRequest(metrics.RequestCollectPoll)
	if r.Method != http.MethodGet {
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}
	if h.Role != messages.RoleLeader {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedTask, "not a leader")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, CollectPath+"/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedMessage, "expect /collect/{task_id}/{job_id}")
		return
	}
	taskID, err := messages.TaskIDFromString(parts[0])
	if err != nil {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedTask, parts[0])
		return
	}
	jobID, err := batchqueue.JobIDFromString(parts[1])
	if err != nil {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedMessage, parts[1])
		return
	}

	task, err := h.Tasks.Resolve(taskID)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedTask, taskID.String())
		return
	}
	if bearerToken(r) != task.CollectorAuthToken {
		writeProblem(w, http.StatusForbidden, ProblemUnauthorized, "bad collector token")
		return
	}

	job, err := h.Queue.GetJob(r.Context(), taskID, jobID)
	if err == batchqueue.ErrUnknownJob {
		writeProblem(w, http.StatusNotFound, ProblemUnrecognizedMessage, "unknown collection job")
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch job.Status {
	case batchqueue.JobPending:
		w.WriteHeader(http.StatusAccepted)
	case batchqueue.JobReady:
		w.Header().Set("Content-Type", "application/cbor")
		w.Write(job.Result)
	case batchqueue.JobRejected:
		writeProblem(w, http.StatusBadRequest, ProblemBatchMismatch, job.Reason)
	case batchqueue.JobExpired:
		writeProblem(w, http.StatusGone, ProblemUnrecognizedMessage, "collection job expired")
	}
}
