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

// This binary hosts one DAP aggregator, as the leader or the helper.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	log "github.com/golang/glog"

	"github.com/opendap/dap-aggregation-service/aggregatestore"
	"github.com/opendap/dap-aggregation-service/aggregation"
	"github.com/opendap/dap-aggregation-service/batchqueue"
	"github.com/opendap/dap-aggregation-service/encryption/cryptoio"
	"github.com/opendap/dap-aggregation-service/gc"
	"github.com/opendap/dap-aggregation-service/messages"
	"github.com/opendap/dap-aggregation-service/metrics"
	"github.com/opendap/dap-aggregation-service/reportstore"
	"github.com/opendap/dap-aggregation-service/service"
	"github.com/opendap/dap-aggregation-service/shared/utils"
	"github.com/opendap/dap-aggregation-service/storage"
	"github.com/opendap/dap-aggregation-service/taskconfig"
)

var (
	address = flag.String("address", ":8080", "Address of the server.")
	role    = flag.String("role", "", "Role of this aggregator: leader or helper.")
	dataDir = flag.String("data_dir", "", "Directory for the durable report and batch store.")

	taskFileURI         = flag.String("task_file_uri", "", "Task configuration file, local or gs://.")
	privateKeyParamsURI = flag.String("private_key_params_uri", "", "Input file that stores the required parameters to fetch the HPKE private keys.")
	publicKeysURI       = flag.String("public_keys_uri", "", "File with the HPKE public keys served on the config endpoint.")

	taskprovSecretName    = flag.String("taskprov_secret_name", "", "Secret Manager name of the taskprov authentication secret. Empty disables taskprov.")
	taskprovVerifySecret  = flag.String("taskprov_verify_secret_name", "", "Secret Manager name of the taskprov verify-key secret.")
	collectorHpkeKeysURI  = flag.String("collector_hpke_keys_uri", "", "Public key file used for taskprov collector encryption.")
	taskprovAggAuthSecret = flag.String("taskprov_aggregator_token_name", "", "Secret Manager name of the aggregator token for provisioned tasks.")

	sweepInterval = flag.Duration("sweep_interval", time.Minute, "Interval between leader scheduling sweeps.")
	gcInterval    = flag.Duration("gc_interval", gc.DefaultInterval, "Interval between garbage-collection passes.")

	pubsubSubscription = flag.String("pubsub_subscription", "", "Optional PubSub subscription delivering sweep requests. The value should be a fully qualified subscription URI.")

	monitorProject = flag.String("monitor_project", "", "GCP project holding the Firestore job monitor. Empty disables monitoring.")
	monitorPath    = flag.String("monitor_path", service.MonitorProdPath, "Firestore collection for job monitoring records.")

	version string // set by linker -X
	build   string // set by linker -X
)

func parseRole(s string) (messages.Role, error) {
	switch s {
	case "leader":
		return messages.RoleLeader, nil
	case "helper":
		return messages.RoleHelper, nil
	default:
		return 0, strconv.ErrSyntax
	}
}

func taskprovProvisioner(ctx context.Context, role messages.Role) (*taskconfig.Provisioner, error) {
	if *taskprovSecretName == "" {
		return nil, nil
	}
	authSecret, err := utils.ReadSecret(ctx, *taskprovSecretName)
	if err != nil {
		return nil, err
	}
	verifySecret, err := utils.ReadSecret(ctx, *taskprovVerifySecret)
	if err != nil {
		return nil, err
	}
	aggToken, err := utils.ReadSecret(ctx, *taskprovAggAuthSecret)
	if err != nil {
		return nil, err
	}

	p := &taskconfig.Provisioner{
		Role:                role,
		AuthSecret:          authSecret,
		VerifyKeySecret:     verifySecret,
		AggregatorAuthToken: string(aggToken),
	}
	if *collectorHpkeKeysURI != "" {
		keys, err := cryptoio.ReadPublicKeyVersions(ctx, *collectorHpkeKeysURI)
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			pub, err := keys[0].PublicKey()
			if err != nil {
				return nil, err
			}
			p.CollectorHpkeKey = pub.Key
		}
	}
	return p, nil
}

func main() {
	flag.Parse()

	buildDate := time.Unix(0, 0)
	if i, err := strconv.ParseInt(build, 10, 64); err != nil {
		log.Error(err)
	} else {
		buildDate = time.Unix(i, 0)
	}
	log.Infof("Aggregation server listening on address %q", *address)
	log.Infof("Running server version: %v, build: %v", version, buildDate)

	ctx := context.Background()
	aggRole, err := parseRole(*role)
	if err != nil {
		log.Exitf("Flag --role must be leader or helper, got %q", *role)
	}

	kv, err := storage.OpenPebble(*dataDir)
	if err != nil {
		log.Exit(err)
	}
	defer kv.Close()

	provisioner, err := taskprovProvisioner(ctx, aggRole)
	if err != nil {
		log.Exit(err)
	}
	staticTasks, err := taskconfig.LoadTasks(ctx, *taskFileURI)
	if err != nil {
		log.Exit(err)
	}
	tasks, err := taskconfig.NewResolver(staticTasks, provisioner)
	if err != nil {
		log.Exit(err)
	}

	hpkeKeys, err := cryptoio.ReadPrivateKeyCollection(ctx, *privateKeyParamsURI)
	if err != nil {
		log.Exit(err)
	}
	publicKeys, err := cryptoio.ReadPublicKeyVersions(ctx, *publicKeysURI)
	if err != nil {
		log.Exit(err)
	}

	clock := storage.SystemClock()
	shardSeed := []byte(*taskFileURI)
	reports := reportstore.New(kv, shardSeed)
	aggregates := aggregatestore.New(kv)
	helper := aggregation.NewHelper(kv, reports, aggregates, hpkeKeys, clock)
	driver := aggregation.NewDriver(kv, reports, aggregates, hpkeKeys, nil)
	queue := batchqueue.NewQueue(kv)
	scheduler := batchqueue.NewScheduler(tasks, reports, aggregates, driver, queue, clock, batchqueue.Selector{})

	var monitor *service.JobMonitor
	if *monitorProject != "" {
		fsClient, err := firestore.NewClient(ctx, *monitorProject)
		if err != nil {
			log.Exit(err)
		}
		defer fsClient.Close()
		monitor = &service.JobMonitor{Client: fsClient, Path: *monitorPath}
	}

	mets := metrics.New()
	helper.SetJobsGauge(mets.AggregationJobs)
	handler := &service.Handler{
		Role:       aggRole,
		Tasks:      tasks,
		Reports:    reports,
		Aggregates: aggregates,
		Helper:     helper,
		Queue:      queue,
		Metrics:    mets,
		Clock:      clock,
		PublicKeys: publicKeys,
		Monitor:    monitor,
	}

	alarms := storage.NewAlarmScheduler(clock)
	defer alarms.Shutdown()

	collector := gc.New(tasks, reports, aggregates, queue, driver, helper, clock)
	collector.Start(ctx, alarms, *gcInterval)

	if aggRole == messages.RoleLeader {
		alarms.Schedule(ctx, "sweep", *sweepInterval, func(ctx context.Context, now time.Time) {
			stats, err := scheduler.Sweep(ctx)
			if err != nil {
				log.Errorf("Scheduled sweep: %v", err)
				return
			}
			if monitor != nil {
				if err := monitor.RecordSweep(ctx, stats); err != nil {
					log.Warningf("Recording sweep: %v", err)
				}
			}
		})
	}

	srv := http.Server{
		Addr:    *address,
		Handler: handler.Routes(),
	}

	signalChan := make(chan os.Signal, 1)
	// SIGINT handles Ctrl+C locally.
	// SIGTERM handles e.g. Cloud Run termination signal.
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	cctx, cancel := context.WithCancel(ctx)
	if *pubsubSubscription != "" && aggRole == messages.RoleLeader {
		jobDriver := &service.JobDriver{
			Subscription: *pubsubSubscription,
			Scheduler:    scheduler,
		}
		if err := jobDriver.Setup(ctx); err != nil {
			log.Exit(err)
		}
		defer jobDriver.Close()
		go func() {
			if err := jobDriver.Listen(cctx); err != nil {
				log.Fatalf("Pull subscription error: %v", err)
			}
		}()
	}

	sig := <-signalChan
	log.Infof("%s signal caught", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err)
	}
}
