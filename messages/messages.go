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

// Package messages defines the logical shapes of the protocol messages
// exchanged between clients, aggregators and collectors.
//
// The transport framing of these messages is owned by the serving layer; this
// package only defines the structures and a CBOR codec for them.
package messages

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/opendap/dap-aggregation-service/shared/utils"
)

// Sizes of the fixed-length protocol identifiers.
const (
	TaskIDSize           = 32
	ReportIDSize         = 16
	AggregationJobIDSize = 16
	BatchIDSize          = 32
)

// TaskID identifies an aggregation task.
type TaskID [TaskIDSize]byte

// ReportID identifies a single client report within a task.
type ReportID [ReportIDSize]byte

// AggregationJobID identifies one aggregation job created by the leader.
type AggregationJobID [AggregationJobIDSize]byte

// BatchID identifies one fixed-size batch bucket.
type BatchID [BatchIDSize]byte

func (id TaskID) String() string           { return base64.RawURLEncoding.EncodeToString(id[:]) }
func (id ReportID) String() string         { return base64.RawURLEncoding.EncodeToString(id[:]) }
func (id AggregationJobID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }
func (id BatchID) String() string          { return base64.RawURLEncoding.EncodeToString(id[:]) }

// TaskIDFromString parses the unpadded base64url form of a task ID.
func TaskIDFromString(s string) (TaskID, error) {
	var id TaskID
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != TaskIDSize {
		return id, fmt.Errorf("expect task ID of %d bytes, got %d", TaskIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Time is a number of seconds since the UNIX epoch.
type Time uint64

// Duration is a number of seconds.
type Duration uint64

// Interval is a half-open window of time [Start, Start+Duration).
type Interval struct {
	Start    Time
	Duration Duration
}

// End returns the exclusive upper bound of the interval.
func (i Interval) End() Time { return i.Start + Time(i.Duration) }

// Contains reports whether t falls inside the interval.
func (i Interval) Contains(t Time) bool { return t >= i.Start && t < i.End() }

// AlignedTo reports whether the interval boundaries are multiples of the given
// time precision.
func (i Interval) AlignedTo(precision Duration) bool {
	if precision == 0 {
		return false
	}
	return uint64(i.Start)%uint64(precision) == 0 && uint64(i.Duration)%uint64(precision) == 0
}

// Overlaps reports whether two intervals share any point in time.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start < other.End() && other.Start < i.End()
}

// Role identifies one of the two aggregators.
type Role int

const (
	RoleLeader Role = iota
	RoleHelper
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleHelper:
		return "helper"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Index returns the position of the role's encrypted input share in a report.
func (r Role) Index() int { return int(r) }

// HpkeCiphertext carries one encrypted input or aggregate share.
type HpkeCiphertext struct {
	ConfigID uint8
	Enc      []byte
	Payload  []byte
}

// Extension type codes carried in report metadata.
const (
	ExtensionTypeTaskprov uint16 = 0xff00
)

// Extension is an opaque, typed blob attached to a report.
type Extension struct {
	Type    uint16
	Payload []byte
}

// ReportMetadata is the public metadata of a client report.
type ReportMetadata struct {
	ID         ReportID
	Time       Time
	Extensions []Extension
}

// Report is one client submission: public metadata, the VDAF public share and
// one encrypted input share per aggregator (leader first).
type Report struct {
	TaskID               TaskID
	Metadata             ReportMetadata
	PublicShare          []byte
	EncryptedInputShares []HpkeCiphertext
}

// ReportShare is the helper-visible slice of a report inside an aggregation
// job: the metadata, the public share and the helper's encrypted input share.
type ReportShare struct {
	Metadata            ReportMetadata
	PublicShare         []byte
	EncryptedInputShare HpkeCiphertext
}

// BatchMode selects how reports are grouped into batches.
type BatchMode int

const (
	BatchModeTimeInterval BatchMode = iota
	BatchModeFixedSize
)

func (m BatchMode) String() string {
	switch m {
	case BatchModeTimeInterval:
		return "time_interval"
	case BatchModeFixedSize:
		return "fixed_size"
	default:
		return fmt.Sprintf("batch_mode(%d)", int(m))
	}
}

// Query is the collector's batch selector in a collection request. Exactly one
// of the variants is set, according to Mode.
type Query struct {
	Mode BatchMode
	// Time-interval queries.
	BatchInterval *Interval
	// Fixed-size queries. When CurrentBatch is true the leader picks the
	// batch; otherwise BatchID names it.
	BatchID      *BatchID
	CurrentBatch bool
}

// BatchSelector names the batch an aggregate share was computed over. Unlike
// Query it is always fully resolved.
type BatchSelector struct {
	Mode          BatchMode
	BatchInterval *Interval
	BatchID       *BatchID
}

// PrepareInit carries one report into an aggregation job along with the
// leader's first-round preparation share.
type PrepareInit struct {
	ReportShare     ReportShare
	LeaderPrepShare []byte
}

// AggregationJobInitReq is the leader's round-1 message for a job.
type AggregationJobInitReq struct {
	TaskID               TaskID
	JobID                AggregationJobID
	AggregationParam     []byte
	PartialBatchSelector BatchSelector
	PrepareInits         []PrepareInit
}

// PrepareStepStatus is the per-report result of one preparation step.
type PrepareStepStatus int

const (
	PrepareStepContinued PrepareStepStatus = iota
	PrepareStepFinished
	PrepareStepRejected
)

// ReportError says why an individual report was rejected during preparation.
// These values are exchanged between the aggregators but never shown to the
// collector.
type ReportError int

const (
	ReportErrorReserved ReportError = iota
	ReportErrorBatchCollected
	ReportErrorReportReplayed
	ReportErrorReportDropped
	ReportErrorHpkeUnknownConfigID
	ReportErrorHpkeDecryptError
	ReportErrorVdafPrepError
	ReportErrorTaskExpired
	ReportErrorInvalidMessage
	ReportErrorReportTooEarly
)

func (e ReportError) String() string {
	switch e {
	case ReportErrorBatchCollected:
		return "batch_collected"
	case ReportErrorReportReplayed:
		return "report_replayed"
	case ReportErrorReportDropped:
		return "report_dropped"
	case ReportErrorHpkeUnknownConfigID:
		return "hpke_unknown_config_id"
	case ReportErrorHpkeDecryptError:
		return "hpke_decrypt_error"
	case ReportErrorVdafPrepError:
		return "vdaf_prep_error"
	case ReportErrorTaskExpired:
		return "task_expired"
	case ReportErrorInvalidMessage:
		return "invalid_message"
	case ReportErrorReportTooEarly:
		return "report_too_early"
	default:
		return "reserved"
	}
}

// PrepareResp is the helper's per-report response within a round.
type PrepareResp struct {
	ReportID ReportID
	Status   PrepareStepStatus
	// Payload carries the helper's preparation share when Status is
	// PrepareStepContinued.
	Payload []byte
	// Error is set when Status is PrepareStepRejected.
	Error ReportError
}

// AggregationJobResp is the helper's response for one round of a job.
type AggregationJobResp struct {
	PrepareResps []PrepareResp
}

// PrepareContinue carries the combined preparation message for one report in
// the leader's round-2 request.
type PrepareContinue struct {
	ReportID       ReportID
	PrepareMessage []byte
}

// AggregationJobContinueReq is the leader's round-2 message for a job.
type AggregationJobContinueReq struct {
	TaskID       TaskID
	JobID        AggregationJobID
	Round        uint16
	PrepContinue []PrepareContinue
}

// AggregateShareReq asks the helper for its encrypted aggregate share over a
// batch. ReportCount and Checksum let the helper detect a leader/helper
// desync before releasing a share.
type AggregateShareReq struct {
	TaskID           TaskID
	BatchSelector    BatchSelector
	AggregationParam []byte
	ReportCount      uint64
	Checksum         Checksum
}

// AggregateShareResp carries the helper's aggregate share, encrypted to the
// collector.
type AggregateShareResp struct {
	EncryptedAggregateShare HpkeCiphertext
}

// CollectionReq is the collector's request for an aggregate result.
type CollectionReq struct {
	TaskID           TaskID
	Query            Query
	AggregationParam []byte
}

// Collection is the collector-visible result of a collection job.
type Collection struct {
	PartialBatchSelector    BatchSelector
	ReportCount             uint64
	Interval                Interval
	EncryptedAggregateShare []HpkeCiphertext // leader first, then helper
}

// Checksum is the order-independent digest over the report IDs reflected in
// an aggregate share: the XOR of the SHA-256 hashes of the IDs.
type Checksum [sha256.Size]byte

// Update folds one report ID into the checksum.
func (c *Checksum) Update(id ReportID) {
	h := sha256.Sum256(id[:])
	for i := range c {
		c[i] ^= h[i]
	}
}

// Combine merges the checksum of a disjoint report set into this one.
func (c *Checksum) Combine(other Checksum) {
	for i := range c {
		c[i] ^= other[i]
	}
}

// Encode serializes a message in CBOR.
func Encode(v interface{}) ([]byte, error) { return utils.MarshalCBOR(v) }

// Decode parses a CBOR-encoded message.
func Decode(b []byte, v interface{}) error { return utils.UnmarshalCBOR(b, v) }
