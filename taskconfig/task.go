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

// Package taskconfig owns the aggregation task model and resolves task IDs to
// their protocol parameters, from static configuration or from taskprov
// provisioning.
package taskconfig

import (
	"errors"
	"fmt"

	"github.com/opendap/dap-aggregation-service/encryption/standardencrypt"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

// Task is the immutable configuration of one aggregation task.
type Task struct {
	ID messages.TaskID

	// Role this aggregator plays for the task.
	Role messages.Role

	LeaderURL string
	HelperURL string

	Vdaf      vdaf.Config
	VerifyKey vdaf.VerifyKey

	BatchMode    messages.BatchMode
	MinBatchSize uint64
	// MaxBatchSize bounds fixed-size batches; ignored for time-interval tasks.
	MaxBatchSize uint64

	// TimePrecision quantizes report timestamps and batch intervals.
	TimePrecision messages.Duration

	// MaxBatchDuration bounds the batch interval a collector may query.
	// Zero means DefaultMaxBatchDuration.
	MaxBatchDuration messages.Duration

	// Expiration is the task end time; reports timestamped at or past it are
	// rejected as too late.
	Expiration messages.Time

	// ReportSkew is the allowed clock skew for reports timestamped in the
	// future.
	ReportSkew messages.Duration

	// RetentionWindow is the epoch after which stored state for a report
	// becomes eligible for garbage collection.
	RetentionWindow messages.Duration

	// CollectorHpkeKey encrypts aggregate shares to the collector.
	CollectorHpkeKey *standardencrypt.StandardPublicKey

	// Bearer tokens: CollectorAuthToken authenticates the collector to the
	// leader, AggregatorAuthToken authenticates the leader to the helper.
	CollectorAuthToken  string
	AggregatorAuthToken string

	// DpEpsilon enables differential-privacy noise on aggregate shares when
	// positive.
	DpEpsilon float64

	// Taskprov marks tasks activated through request-supplied provisioning.
	Taskprov bool
}

// Validate checks the task parameters.
func (t *Task) Validate() error {
	if t.LeaderURL == "" || t.HelperURL == "" {
		return errors.New("task requires both aggregator endpoints")
	}
	if t.TimePrecision == 0 {
		return errors.New("task requires a nonzero time precision")
	}
	if t.MinBatchSize == 0 {
		return errors.New("task requires a nonzero minimum batch size")
	}
	if t.BatchMode == messages.BatchModeFixedSize {
		if t.MaxBatchSize < t.MinBatchSize {
			return fmt.Errorf("max batch size %d below min batch size %d", t.MaxBatchSize, t.MinBatchSize)
		}
	}
	if t.RetentionWindow == 0 {
		return errors.New("task requires a nonzero retention window")
	}
	return t.Vdaf.Validate()
}

// DefaultMaxBatchDuration caps collector batch intervals for tasks that do
// not set their own bound.
const DefaultMaxBatchDuration = messages.Duration(14 * 24 * 3600)

// MaxBatchInterval returns the longest batch interval the task accepts in a
// collection query.
func (t *Task) MaxBatchInterval() messages.Duration {
	if t.MaxBatchDuration != 0 {
		return t.MaxBatchDuration
	}
	return DefaultMaxBatchDuration
}

// QuantizedTimeLowerBound rounds t down to the task's time precision.
func (t *Task) QuantizedTimeLowerBound(ts messages.Time) messages.Time {
	p := uint64(t.TimePrecision)
	return messages.Time(uint64(ts) / p * p)
}

// QuantizedTimeUpperBound rounds t up to the next time-precision boundary.
func (t *Task) QuantizedTimeUpperBound(ts messages.Time) messages.Time {
	return t.QuantizedTimeLowerBound(ts) + messages.Time(t.TimePrecision)
}

// CheckReportTime classifies a report timestamp against the task's clock-skew
// and expiration bounds at the given current time.
func (t *Task) CheckReportTime(reportTime, now messages.Time) error {
	if reportTime >= t.Expiration {
		return ErrReportTooLate
	}
	if reportTime > now+messages.Time(t.ReportSkew) {
		return ErrReportTooEarly
	}
	return nil
}

// Report timestamp classification errors.
var (
	ErrReportTooLate  = errors.New("report timestamp past task expiration")
	ErrReportTooEarly = errors.New("report timestamp too far in the future")
)

// HpkeContext builds the context info binding an input-share ciphertext to
// its task and receiving role.
func HpkeContext(taskID messages.TaskID, role messages.Role) []byte {
	ctx := make([]byte, 0, messages.TaskIDSize+1)
	ctx = append(ctx, taskID[:]...)
	ctx = append(ctx, byte(role))
	return ctx
}

// CollectorHpkeContext builds the context info for aggregate shares encrypted
// to the collector.
func CollectorHpkeContext(taskID messages.TaskID, role messages.Role) []byte {
	ctx := make([]byte, 0, messages.TaskIDSize+2)
	ctx = append(ctx, taskID[:]...)
	ctx = append(ctx, 0xff, byte(role))
	return ctx
}
