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
	"context"

	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/shared/utils"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

const jobKeyPrefix = "j|"

// pendingPrep is one report's preparation carried between the helper's two
// rounds of an aggregation job.
type pendingPrep struct {
	ReportID   []byte
	ReportTime uint64
	State      *vdaf.PrepareState
}

// jobState is an aggregator's persisted view of an aggregation job. The
// helper answers replayed requests for a round from InitResp/ContinueResp
// without touching any aggregate, which keeps the job's effect
// exactly-once; the leader carries Pending across its helper round trips.
type jobState struct {
	Round        uint16
	Selector     messages.BatchSelector
	InitResp     *messages.AggregationJobResp
	ContinueResp *messages.AggregationJobResp
	Pending      []pendingPrep
	CreatedAt    uint64
}

func jobKey(taskID messages.TaskID, jobID messages.AggregationJobID) []byte {
	k := make([]byte, 0, len(jobKeyPrefix)+messages.TaskIDSize+messages.AggregationJobIDSize)
	k = append(k, jobKeyPrefix...)
	k = append(k, taskID[:]...)
	return append(k, jobID[:]...)
}

func loadJobState(ctx context.Context, kv storage.KV, taskID messages.TaskID, jobID messages.AggregationJobID) (*jobState, error) {
	b, err := kv.Get(ctx, jobKey(taskID, jobID))
	if err != nil || b == nil {
		return nil, err
	}
	st := &jobState{}
	if err := utils.UnmarshalCBOR(b, st); err != nil {
		return nil, err
	}
	return st, nil
}

func saveJobState(ctx context.Context, kv storage.KV, taskID messages.TaskID, jobID messages.AggregationJobID, st *jobState) error {
	b, err := utils.MarshalCBOR(st)
	if err != nil {
		return err
	}
	return kv.Put(ctx, jobKey(taskID, jobID), b)
}

// sweepJobStates deletes aggregation job records created before the cutoff.
// It also reports how many deleted jobs had answered their init round but
// never their continue round.
func sweepJobStates(ctx context.Context, kv storage.KV, taskID messages.TaskID, cutoff messages.Time) (removed, abandoned int, err error) {
	prefix := make([]byte, 0, len(jobKeyPrefix)+messages.TaskIDSize)
	prefix = append(prefix, jobKeyPrefix...)
	prefix = append(prefix, taskID[:]...)

	var victims [][]byte
	err = kv.IteratePrefix(ctx, prefix, func(key, value []byte) error {
		st := &jobState{}
		if err := utils.UnmarshalCBOR(value, st); err != nil {
			return err
		}
		if messages.Time(st.CreatedAt) < cutoff {
			k := make([]byte, len(key))
			copy(k, key)
			victims = append(victims, k)
			if st.InitResp != nil && st.ContinueResp == nil {
				abandoned++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	for _, key := range victims {
		if err := kv.Delete(ctx, key); err != nil {
			return 0, 0, err
		}
	}
	return len(victims), abandoned, nil
}
