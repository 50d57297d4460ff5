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

// Package service contains the HTTP surface of the aggregator: report
// upload, the helper's aggregation endpoints and the leader's collection
// endpoints.
package service

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/opendap/dap-aggregation-service/aggregatestore"
	"github.com/opendap/dap-aggregation-service/aggregation"
	"github.com/opendap/dap-aggregation-service/batchqueue"
	"github.com/opendap/dap-aggregation-service/encryption/cryptoio"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/metrics"
	"github.com/opendap/dap-aggregation-service/reportstore"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
)

// Supported URL paths.
const (
	UploadPath     = "/upload"
	HpkeConfigPath = "/hpke_config"
	CollectPath    = "/collect"
	MetricsPath    = "/metrics"
)

// Problem types reported to protocol peers on rejected requests.
const (
	problemPrefix              = "urn:ietf:params:ppm:dap:error:"
	ProblemUnrecognizedTask    = problemPrefix + "unrecognizedTask"
	ProblemUnrecognizedMessage = problemPrefix + "unrecognizedMessage"
	ProblemReportRejected      = problemPrefix + "reportRejected"
	ProblemReportTooLate       = problemPrefix + "reportTooLate"
	ProblemInvalidTask         = problemPrefix + "invalidTask"
	ProblemBatchOverlap        = problemPrefix + "batchOverlap"
	ProblemBatchMismatch       = problemPrefix + "batchMismatch"
	ProblemUnauthorized        = problemPrefix + "unauthorizedRequest"
)

// Taskprov request headers carrying in-band task provisioning.
const (
	TaskprovHeader    = "Dap-Taskprov"
	TaskprovTagHeader = "Dap-Taskprov-Tag"
)

const maxRequestBody = 16 << 20

// Handler is the aggregator's HTTP surface. The same type serves both
// roles; endpoints of the other role answer with a problem document.
type Handler struct {
	Role       messages.Role
	Tasks      *taskconfig.Resolver
	Reports    *reportstore.Store
	Aggregates *aggregatestore.Store
	Helper     *aggregation.Helper
	Queue      *batchqueue.Queue
	Metrics    *metrics.Metrics
	Clock      storage.Clock

	// PublicKeys is served on the HPKE config endpoint.
	PublicKeys []cryptoio.PublicKeyInfo

	// Monitor mirrors collection jobs into Firestore when set.
	Monitor *JobMonitor
}

// Routes mounts every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(UploadPath, h.handleUpload)
	mux.HandleFunc(HpkeConfigPath, h.handleHpkeConfig)
	mux.HandleFunc(CollectPath, h.handleCollectCreate)
	mux.HandleFunc(CollectPath+"/", h.handleCollectPoll)
	mux.HandleFunc(aggregation.HelperInitPath, h.handleAggregationInit)
	mux.HandleFunc(aggregation.HelperContinuePath, h.handleAggregationContinue)
	mux.HandleFunc(aggregation.HelperAggregateSharePath, h.handleAggregateShare)
	mux.Handle(MetricsPath, h.Metrics.Handler())
	return mux
}

// writeProblem reports a rejected request in the problem-details format.
func writeProblem(w http.ResponseWriter, status int, problemType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":%q,"detail":%q}`, problemType, detail)
}

// writeTaskProblem reports a failed task resolution. An authenticated
// taskprov payload with invalid parameters is its own problem type; anything
// else is an unrecognized task.
func writeTaskProblem(w http.ResponseWriter, id messages.TaskID, err error) {
	if errors.Is(err, taskconfig.ErrInvalidProvisioning) {
		writeProblem(w, http.StatusBadRequest, ProblemInvalidTask, err.Error())
		return
	}
	writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedTask, id.String())
}

// duplicateExtensions reports whether any extension type repeats, which
// makes the report malformed.
func duplicateExtensions(exts []messages.Extension) bool {
	seen := make(map[uint16]bool, len(exts))
	for _, ext := range exts {
		if seen[ext.Type] {
			return true
		}
		seen[ext.Type] = true
	}
	return false
}

func (h *Handler) now() messages.Time {
	return messages.Time(h.Clock.Now().Unix())
}

// readBody decodes a CBOR request body into v.
func readBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedMessage, "unreadable body")
		return false
	}
	if err := messages.Decode(body, v); err != nil {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedMessage, "undecodable body")
		return false
	}
	return true
}

func writeCBOR(w http.ResponseWriter, v interface{}) {
	body, err := messages.Encode(v)
	if err != nil {
		log.Errorf("Encoding response: %v", err)
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(body)
}

// resolveTask resolves a task ID, consuming taskprov headers when present.
func (h *Handler) resolveTask(r *http.Request, id messages.TaskID) (*taskconfig.Task, error) {
	task, err := h.Tasks.Resolve(id)
	if err == nil {
		return task, nil
	}
	if err != taskconfig.ErrUnknownTask {
		return nil, err
	}

	payload := r.Header.Get(TaskprovHeader)
	tag := r.Header.Get(TaskprovTagHeader)
	if payload == "" || tag == "" {
		return nil, taskconfig.ErrUnknownTask
	}
	payloadBytes, perr := base64.RawURLEncoding.DecodeString(payload)
	tagBytes, terr := base64.RawURLEncoding.DecodeString(tag)
	if perr != nil || terr != nil {
		return nil, taskconfig.ErrUnknownTask
	}
	return h.Tasks.ResolveOrProvision(id, payloadBytes, tagBytes)
}

// bearerToken extracts the bearer token of a request, if any.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// handleUpload accepts one client report on the leader.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	h.Metrics.CountRequest(metrics.RequestUpload)
	if r.Method != http.MethodPost {
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}
	if h.Role != messages.RoleLeader {
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedTask, "not a leader")
		return
	}

	report := &messages.Report{}
	if !readBody(w, r, report) {
		h.Metrics.CountReport("undecodable")
		return
	}
	task, err := h.resolveTask(r, report.TaskID)
	if err != nil {
		h.Metrics.CountReport("unrecognized_task")
		writeTaskProblem(w, report.TaskID, err)
		return
	}
	if len(report.EncryptedInputShares) != 2 {
		h.Metrics.CountReport("malformed")
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedMessage, "expect two encrypted input shares")
		return
	}
	if duplicateExtensions(report.Metadata.Extensions) {
		h.Metrics.CountReport("malformed")
		writeProblem(w, http.StatusBadRequest, ProblemUnrecognizedMessage, "duplicate report extension")
		return
	}

	collected, err := h.Aggregates.IsCollected(r.Context(), task, report.Metadata.Time)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if collected {
		h.Metrics.CountReport("batch_collected")
		writeProblem(w, http.StatusBadRequest, ProblemReportRejected, "batch already collected")
		return
	}

	switch err := h.Reports.Intake(r.Context(), task, report, h.now()); err {
	case nil:
		h.Metrics.CountReport("accepted")
		w.WriteHeader(http.StatusOK)
	case reportstore.ErrDuplicateReport:
		// Duplicates are absorbed without error so clients can retry
		// uploads safely.
		h.Metrics.CountReport("duplicate")
		w.WriteHeader(http.StatusOK)
	case taskconfig.ErrReportTooLate:
		h.Metrics.CountReport("too_late")
		writeProblem(w, http.StatusBadRequest, ProblemReportTooLate, "report timestamp past task expiration")
	case taskconfig.ErrReportTooEarly:
		h.Metrics.CountReport("too_early")
		writeProblem(w, http.StatusBadRequest, ProblemReportRejected, "report timestamp too far in the future")
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleHpkeConfig serves the aggregator's currently valid HPKE public keys.
func (h *Handler) handleHpkeConfig(w http.ResponseWriter, r *http.Request) {
	h.Metrics.CountRequest(metrics.RequestHpkeConfig)
	if r.Method != http.MethodGet {
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}

	now := h.Clock.Now()
	var valid []cryptoio.PublicKeyInfo
	for _, key := range h.PublicKeys {
		if inValidityWindow(key, now) {
			valid = append(valid, key)
		}
	}
	if len(valid) == 0 {
		writeProblem(w, http.StatusNotFound, ProblemUnrecognizedMessage, "no key currently valid")
		return
	}
	writeCBOR(w, valid)
}

func inValidityWindow(key cryptoio.PublicKeyInfo, now time.Time) bool {
	if key.NotBefore != "" {
		t, err := time.Parse(time.RFC3339, key.NotBefore)
		if err != nil || now.Before(t) {
			return false
		}
	}
	if key.NotAfter != "" {
		t, err := time.Parse(time.RFC3339, key.NotAfter)
		if err != nil || now.After(t) {
			return false
		}
	}
	return true
}
