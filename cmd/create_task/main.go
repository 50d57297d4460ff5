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

// This binary appends a new task entry to a task configuration file. It
// generates a fresh task ID and VDAF verification key, which must be shared
// out of band with the peer aggregator so both sides load the same task.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"os"
	"strings"

	log "github.com/golang/glog"
	"gopkg.in/yaml.v3"

	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/shared/utils"
	"github.com/opendap/dap-aggregation-service/vdaf"
)

var (
	taskFileURI = flag.String("task_file_uri", "", "Task configuration file to create or append to.")

	role      = flag.String("role", "leader", "Role of this aggregator for the task: leader or helper.")
	leaderURL = flag.String("leader_url", "", "Base URL of the leader.")
	helperURL = flag.String("helper_url", "", "Base URL of the helper.")

	vdafType = flag.String("vdaf", "count", "VDAF for the task: count, sum or histogram.")
	sumBits  = flag.Int("sum_bits", 0, "Bit width of sum measurements. Required for the sum VDAF.")
	buckets  = flag.String("buckets", "", "Comma-separated histogram bucket keys. Required for the histogram VDAF.")

	batchMode       = flag.String("batch_mode", "time_interval", "Batch mode: time_interval or fixed_size.")
	minBatchSize    = flag.Uint64("min_batch_size", 10, "Minimum number of reports per batch.")
	maxBatchSize    = flag.Uint64("max_batch_size", 0, "Maximum number of reports per batch. Fixed-size mode only.")
	timePrecision   = flag.Uint64("time_precision", 3600, "Report timestamp granularity in seconds.")
	expiration      = flag.Uint64("expiration", 0, "Unix time after which reports are rejected. Zero means never.")
	retentionWindow = flag.Uint64("retention_window", 1209600, "Seconds processed data is kept before garbage collection.")

	collectorHpkeKey    = flag.String("collector_hpke_key", "", "Base64 public key that encrypts aggregate shares for the collector.")
	collectorAuthToken  = flag.String("collector_auth_token", "", "Bearer token expected on collect requests.")
	aggregatorAuthToken = flag.String("aggregator_auth_token", "", "Bearer token on leader-to-helper requests.")
	dpEpsilon           = flag.Float64("dp_epsilon", 0, "Epsilon for distributed noise on aggregate shares. Zero disables noise.")
)

// entry mirrors the task file YAML schema.
type entry struct {
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
	Expiration          uint64   `yaml:"expiration"`
	RetentionWindow     uint64   `yaml:"retention_window"`
	CollectorHpkeKey    string   `yaml:"collector_hpke_key,omitempty"`
	CollectorAuthToken  string   `yaml:"collector_auth_token,omitempty"`
	AggregatorAuthToken string   `yaml:"aggregator_auth_token,omitempty"`
	DpEpsilon           float64  `yaml:"dp_epsilon,omitempty"`
}

type file struct {
	Tasks []entry `yaml:"tasks"`
}

func main() {
	flag.Parse()

	if *taskFileURI == "" {
		log.Exit("task_file_uri is required")
	}

	var taskID messages.TaskID
	if _, err := rand.Read(taskID[:]); err != nil {
		log.Exit(err)
	}
	verifyKey := make([]byte, vdaf.VerifyKeySize)
	if _, err := rand.Read(verifyKey); err != nil {
		log.Exit(err)
	}

	var bucketKeys []string
	if *buckets != "" {
		bucketKeys = strings.Split(*buckets, ",")
	}

	e := entry{
		TaskID:              taskID.String(),
		Role:                *role,
		LeaderURL:           *leaderURL,
		HelperURL:           *helperURL,
		Vdaf:                *vdafType,
		SumBits:             *sumBits,
		Buckets:             bucketKeys,
		VerifyKey:           base64.StdEncoding.EncodeToString(verifyKey),
		BatchMode:           *batchMode,
		MinBatchSize:        *minBatchSize,
		MaxBatchSize:        *maxBatchSize,
		TimePrecision:       *timePrecision,
		Expiration:          *expiration,
		RetentionWindow:     *retentionWindow,
		CollectorHpkeKey:    *collectorHpkeKey,
		CollectorAuthToken:  *collectorAuthToken,
		AggregatorAuthToken: *aggregatorAuthToken,
		DpEpsilon:           *dpEpsilon,
	}

	ctx := context.Background()
	var f file
	if b, err := utils.ReadBytes(ctx, *taskFileURI); err == nil {
		if err := yaml.Unmarshal(b, &f); err != nil {
			log.Exit(err)
		}
	} else if !os.IsNotExist(err) {
		log.Exit(err)
	}
	f.Tasks = append(f.Tasks, e)

	out, err := yaml.Marshal(&f)
	if err != nil {
		log.Exit(err)
	}
	if err := utils.WriteBytes(ctx, out, *taskFileURI); err != nil {
		log.Exit(err)
	}
	log.Infof("Added task %s to %s", taskID.String(), *taskFileURI)
}
