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
	"errors"

	"github.com/opendap/dap-aggregation-service/encryption/distributednoise"
	"github.com/opendap/dap-aggregation-service/encryption/standardencrypt"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/taskconfig"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

// l1Sensitivity is the most one report can move the aggregate vector.
func l1Sensitivity(c vdaf.Config) uint64 {
	if c.Type == vdaf.TypeSum && c.SumBits < 64 {
		return 1<<uint(c.SumBits) - 1
	}
	// Count and histogram reports contribute exactly one increment.
	return 1
}

// EncryptAggregateShare seals one aggregator's share of a batch to the
// collector. When the task carries a privacy budget, this aggregator's noise
// share is folded in first; each side adds its own, so the combined result
// carries the full two-sided geometric noise.
func EncryptAggregateShare(task *taskconfig.Task, role messages.Role, share *vdaf.AggregateShare) (*messages.HpkeCiphertext, error) {
	if task.CollectorHpkeKey == nil {
		return nil, errors.New("task has no collector key")
	}

	out := share.Clone()
	if task.DpEpsilon > 0 {
		noise, err := distributednoise.AggregateNoiseShare(task.DpEpsilon, l1Sensitivity(task.Vdaf), len(out.Vec))
		if err != nil {
			return nil, err
		}
		for i, n := range noise {
			// Negative noise wraps mod 2^64 like the secret shares do.
			out.Vec[i] += uint64(n)
		}
	}

	encoded, err := out.Encode()
	if err != nil {
		return nil, err
	}
	ct, err := standardencrypt.Encrypt(encoded, taskconfig.CollectorHpkeContext(task.ID, role), task.CollectorHpkeKey)
	if err != nil {
		return nil, err
	}
	return &messages.HpkeCiphertext{Payload: ct.Data}, nil
}
