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
	"context"
	"encoding/base64"
	"fmt"

	"gopkg.in/yaml.v3"
	"lukechampine.com/uint128"

	"github.com/opendap/dap-aggregation-service/encryption/standardencrypt"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/shared/utils"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

// taskFile is the YAML shape of the static task configuration.
type taskFile struct {
	Tasks []taskEntry `yaml:"tasks"`
}

type taskEntry struct {
	TaskID              string   `yaml:"task_id"`
	Role                string   `yaml:"role"`
	LeaderURL           string   `yaml:"leader_url"`
	HelperURL           string   `yaml:"helper_url"`
	Vdaf                string   `yaml:"vdaf"`
	SumBits             int      `yaml:"sum_bits,omitempty"`
	Buckets             []string `yaml:"buckets,omitempty"`
	VerifyKey           string   `yaml:"verify_key"`
	BatchMode           string   `yaml:"batch_mode"`
	MinBatchSize        uint64   `yaml:"min_batch_size"`
	MaxBatchSize        uint64   `yaml:"max_batch_size,omitempty"`
	TimePrecision       uint64   `yaml:"time_precision"`
	MaxBatchDuration    uint64   `yaml:"max_batch_duration,omitempty"`
	Expiration          uint64   `yaml:"expiration"`
	ReportSkew          uint64   `yaml:"report_skew,omitempty"`
	RetentionWindow     uint64   `yaml:"retention_window"`
	CollectorHpkeKey    string   `yaml:"collector_hpke_key,omitempty"`
	CollectorAuthToken  string   `yaml:"collector_auth_token,omitempty"`
	AggregatorAuthToken string   `yaml:"aggregator_auth_token,omitempty"`
	DpEpsilon           float64  `yaml:"dp_epsilon,omitempty"`
}

// defaultReportSkew tolerates modest client clock drift into the future.
const defaultReportSkew = messages.Duration(300)

// LoadTasks reads the static task configuration from a local or GCS YAML
// file.
func LoadTasks(ctx context.Context, path string) ([]*Task, error) {
	b, err := utils.ReadBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	var file taskFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(file.Tasks))
	for i, e := range file.Tasks {
		t, err := e.toTask()
		if err != nil {
			return nil, fmt.Errorf("task entry %d: %v", i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (e taskEntry) toTask() (*Task, error) {
	id, err := messages.TaskIDFromString(e.TaskID)
	if err != nil {
		return nil, fmt.Errorf("bad task_id: %v", err)
	}

	var role messages.Role
	switch e.Role {
	case "leader":
		role = messages.RoleLeader
	case "helper":
		role = messages.RoleHelper
	default:
		return nil, fmt.Errorf("bad role %q", e.Role)
	}

	var vdafType vdaf.Type
	switch e.Vdaf {
	case "count":
		vdafType = vdaf.TypeCount
	case "sum":
		vdafType = vdaf.TypeSum
	case "histogram":
		vdafType = vdaf.TypeHistogram
	default:
		return nil, fmt.Errorf("bad vdaf %q", e.Vdaf)
	}

	var buckets []uint128.Uint128
	for _, s := range e.Buckets {
		b, err := uint128.FromString(s)
		if err != nil {
			return nil, fmt.Errorf("bad bucket %q: %v", s, err)
		}
		buckets = append(buckets, b)
	}

	var batchMode messages.BatchMode
	switch e.BatchMode {
	case "time_interval":
		batchMode = messages.BatchModeTimeInterval
	case "fixed_size":
		batchMode = messages.BatchModeFixedSize
	default:
		return nil, fmt.Errorf("bad batch_mode %q", e.BatchMode)
	}

	var verifyKey vdaf.VerifyKey
	vk, err := base64.StdEncoding.DecodeString(e.VerifyKey)
	if err != nil {
		return nil, fmt.Errorf("bad verify_key: %v", err)
	}
	if len(vk) != vdaf.VerifyKeySize {
		return nil, fmt.Errorf("expect verify key of %d bytes, got %d", vdaf.VerifyKeySize, len(vk))
	}
	copy(verifyKey[:], vk)

	skew := messages.Duration(e.ReportSkew)
	if skew == 0 {
		skew = defaultReportSkew
	}

	task := &Task{
		ID:        id,
		Role:      role,
		LeaderURL: e.LeaderURL,
		HelperURL: e.HelperURL,
		Vdaf: vdaf.Config{
			Type:    vdafType,
			SumBits: e.SumBits,
			Buckets: buckets,
		},
		VerifyKey:           verifyKey,
		BatchMode:           batchMode,
		MinBatchSize:        e.MinBatchSize,
		MaxBatchSize:        e.MaxBatchSize,
		TimePrecision:       messages.Duration(e.TimePrecision),
		MaxBatchDuration:    messages.Duration(e.MaxBatchDuration),
		Expiration:          messages.Time(e.Expiration),
		ReportSkew:          skew,
		RetentionWindow:     messages.Duration(e.RetentionWindow),
		CollectorAuthToken:  e.CollectorAuthToken,
		AggregatorAuthToken: e.AggregatorAuthToken,
		DpEpsilon:           e.DpEpsilon,
	}

	if e.CollectorHpkeKey != "" {
		key, err := base64.StdEncoding.DecodeString(e.CollectorHpkeKey)
		if err != nil {
			return nil, fmt.Errorf("bad collector_hpke_key: %v", err)
		}
		task.CollectorHpkeKey = &standardencrypt.StandardPublicKey{Key: key}
	}

	return task, task.Validate()
}
