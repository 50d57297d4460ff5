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

package taskconfig

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"lukechampine.com/uint128"

	"github.com/opendap/dap-aggregation-service/encryption/standardencrypt"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/shared/utils"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

// taskIDSalt domain-separates task-ID derivation from other uses of SHA-256.
const taskIDSalt = "dap-aggregation-service taskprov task id"

// ProvisionedQueryConfig is the batch configuration carried in a taskprov
// payload.
type ProvisionedQueryConfig struct {
	Mode          messages.BatchMode
	TimePrecision messages.Duration
	MinBatchSize  uint64
	MaxBatchSize  uint64
}

// ProvisionedTaskConfig is the taskprov payload: everything both aggregators
// need to independently compute an identical task.
type ProvisionedTaskConfig struct {
	TaskInfo            []byte
	AggregatorEndpoints []string
	QueryConfig         ProvisionedQueryConfig
	TaskExpiration      messages.Time
	VdafType            vdaf.Type
	SumBits             int
	Buckets             []uint128.Uint128
	DpEpsilon           float64
}

// taskprov validation errors.
var (
	ErrInvalidProvisioning = errors.New("invalid taskprov parameters")
	ErrProvisioningAuth    = errors.New("taskprov authentication failed")
)

// ComputeTaskID derives the task ID from the encoded provisioning payload.
// Both aggregators derive the same ID from the same payload bytes, so no
// out-of-band exchange is needed.
func ComputeTaskID(encodedPayload []byte) messages.TaskID {
	h := sha256.New()
	h.Write([]byte(taskIDSalt))
	h.Write(encodedPayload)
	var id messages.TaskID
	copy(id[:], h.Sum(nil))
	return id
}

// DeriveVerifyKey derives the per-task VDAF verify key from the aggregator
// pair's shared master secret.
func DeriveVerifyKey(masterSecret []byte, taskID messages.TaskID) (vdaf.VerifyKey, error) {
	var key vdaf.VerifyKey
	r := hkdf.New(sha256.New, masterSecret, taskID[:], []byte("dap-aggregation-service vdaf verify key"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// AuthTag computes the provisioning authentication tag over the encoded
// payload with the given secret.
func AuthTag(secret, encodedPayload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(encodedPayload)
	return mac.Sum(nil)
}

// Provisioner validates taskprov payloads and turns them into tasks.
// Verification and activation are separate steps: a payload that fails any
// check never produces a Task value at all.
type Provisioner struct {
	// Role this aggregator plays for provisioned tasks.
	Role messages.Role
	// AuthSecret verifies the provisioning authentication tag.
	AuthSecret []byte
	// VerifyKeySecret is the master secret verify keys are derived from.
	VerifyKeySecret []byte
	// ReportSkew and RetentionWindow apply to all provisioned tasks.
	ReportSkew      messages.Duration
	RetentionWindow messages.Duration
	// CollectorHpkeKey for provisioned tasks.
	CollectorHpkeKey []byte
	// AggregatorAuthToken authenticates the leader to the helper for
	// provisioned tasks.
	AggregatorAuthToken string
}

// Provision validates an encoded provisioning payload against the task ID
// named in the request and returns the resulting task. A recomputed-ID
// mismatch or a bad authentication tag yields an error, never a partially
// accepted task.
func (p *Provisioner) Provision(claimedID messages.TaskID, encodedPayload, tag []byte) (*Task, error) {
	if !hmac.Equal(tag, AuthTag(p.AuthSecret, encodedPayload)) {
		return nil, ErrProvisioningAuth
	}

	derivedID := ComputeTaskID(encodedPayload)
	if derivedID != claimedID {
		return nil, fmt.Errorf("%w: derived task ID %s does not match %s", ErrProvisioningAuth, derivedID, claimedID)
	}

	var cfg ProvisionedTaskConfig
	if err := utils.UnmarshalCBOR(encodedPayload, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProvisioning, err)
	}
	if len(cfg.AggregatorEndpoints) != 2 {
		return nil, fmt.Errorf("%w: expect 2 aggregator endpoints, got %d", ErrInvalidProvisioning, len(cfg.AggregatorEndpoints))
	}

	verifyKey, err := DeriveVerifyKey(p.VerifyKeySecret, derivedID)
	if err != nil {
		return nil, err
	}

	task := &Task{
		ID:        derivedID,
		Role:      p.Role,
		LeaderURL: cfg.AggregatorEndpoints[0],
		HelperURL: cfg.AggregatorEndpoints[1],
		Vdaf: vdaf.Config{
			Type:    cfg.VdafType,
			SumBits: cfg.SumBits,
			Buckets: cfg.Buckets,
		},
		VerifyKey:           verifyKey,
		BatchMode:           cfg.QueryConfig.Mode,
		MinBatchSize:        cfg.QueryConfig.MinBatchSize,
		MaxBatchSize:        cfg.QueryConfig.MaxBatchSize,
		TimePrecision:       cfg.QueryConfig.TimePrecision,
		Expiration:          cfg.TaskExpiration,
		ReportSkew:          p.ReportSkew,
		RetentionWindow:     p.RetentionWindow,
		AggregatorAuthToken: p.AggregatorAuthToken,
		DpEpsilon:           cfg.DpEpsilon,
		Taskprov:            true,
	}
	if len(p.CollectorHpkeKey) > 0 {
		task.CollectorHpkeKey = &standardencrypt.StandardPublicKey{Key: p.CollectorHpkeKey}
	}
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProvisioning, err)
	}
	return task, nil
}
