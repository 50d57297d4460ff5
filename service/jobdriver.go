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
	"context"
	"encoding/json"
	"time"

	log "github.com/golang/glog"
	"cloud.google.com/go/pubsub"

	"github.com/opendap/dap-aggregation-service/batchqueue"
	"github.com/opendap/dap-aggregation-service/shared/utils"
)

// SweepRequest is the message that triggers one leader scheduling pass.
// External systems publish it to nudge the leader outside its regular
// cadence, e.g. right after a burst of uploads.
type SweepRequest struct {
	Reason string `json:"reason"`
}

// JobDriver pulls sweep requests from a PubSub subscription and runs the
// scheduler for each, alongside the scheduler's own timer-driven sweeps.
type JobDriver struct {
	Subscription string
	Scheduler    *batchqueue.Scheduler

	client *pubsub.Client
}

// Setup creates the PubSub client.
func (d *JobDriver) Setup(ctx context.Context) error {
	project, _, err := utils.ParsePubSubResourceName(d.Subscription)
	if err != nil {
		return err
	}
	d.client, err = pubsub.NewClient(ctx, project)
	return err
}

// Close closes the PubSub client.
func (d *JobDriver) Close() {
	if d.client != nil {
		d.client.Close()
	}
}

// Listen pulls sweep requests until the context is canceled. Sweeps run one
// at a time; a failed sweep nacks the message so the subscription's retry
// policy redelivers it.
func (d *JobDriver) Listen(ctx context.Context) error {
	_, subID, err := utils.ParsePubSubResourceName(d.Subscription)
	if err != nil {
		return err
	}
	sub := d.client.Subscription(subID)

	sub.ReceiveSettings.Synchronous = true
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.MaxExtension = time.Hour

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		req := &SweepRequest{}
		if err := json.Unmarshal(msg.Data, req); err != nil {
			log.Errorf("Undecodable sweep request: %v", err)
			msg.Nack()
			return
		}
		log.Infof("Sweep requested: %q", req.Reason)
		if _, err := d.Scheduler.Sweep(ctx); err != nil {
			log.Errorf("Requested sweep: %v", err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}
