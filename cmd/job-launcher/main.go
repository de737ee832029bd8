// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// job-launcher turns completion markers into running jobs. A stage table
// maps marker names to job specs; planned launches are submitted to the
// batch execution backend and recorded in the graph so the status and
// dedup machinery can observe them.
package main

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal"
	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/jobrunner"
)

func main() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	log := logger.New(logLevel)
	defer func(logger *zap.SugaredLogger) {
		_ = logger.Sync()
	}(log)

	brokerURL, err := env.GetAsString("BROKER_URL", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	certificateName, _ := env.GetAsString("CERTIFICATE_NAME", false, "")
	sslCertPath, _ := env.GetAsString("SSL_CERT_PATH", false, "/SSL_certs")
	podName, _ := env.GetAsString("MY_POD_NAME", false, "job-launcher")

	jobAPIURL, err := env.GetAsString("JOB_API_URL", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	stageTablePath, err := env.GetAsString("STAGE_TABLE_PATH", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	topicJobLaunch, _ := env.GetAsString("TOPIC_JOB_LAUNCH", false, "job-launch")
	topicJobStatus, _ := env.GetAsString("TOPIC_JOB_STATUS", false, "job-status")
	topicDbQuery, _ := env.GetAsString("TOPIC_DB_QUERY", false, "db-query")
	topicTriggers, _ := env.GetAsString("TOPIC_TRIGGERS", false, "triggers")

	zap.S().Debug("Starting healthcheck")
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	go func() {
		_ = http.ListenAndServe("0.0.0.0:8086", health)
	}()

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(":2112", nil)
	}()

	stages, err := LoadStages(stageTablePath)
	if err != nil {
		zap.S().Fatalf("Cannot load stage table: %v", err)
	}
	zap.S().Infof("Stage table holds %d stages", len(stages))

	mqttBus, err := bus.NewMQTTBus(bus.MQTTConfig{
		BrokerURL:       brokerURL,
		ClientID:        podName,
		CertificateName: certificateName,
		SSLCertPath:     sslCertPath,
		QoS:             1,
	}, health)
	if err != nil {
		zap.S().Fatalf("Cannot connect to MQTT broker: %v", err)
	}

	launcher := &Launcher{
		runner:         jobrunner.NewClient(jobAPIURL),
		pub:            mqttBus,
		sender:         podName,
		topicDbQuery:   topicDbQuery,
		topicTriggers:  topicTriggers,
		topicJobStatus: topicJobStatus,
	}
	if err := mqttBus.Subscribe(topicJobLaunch, launcher.HandleEnvelope()); err != nil {
		zap.S().Fatalf("Cannot subscribe to %s: %v", topicJobLaunch, err)
	}

	planner := NewPlanner(stages, mqttBus, podName, topicJobLaunch)
	if err := mqttBus.Subscribe(topicTriggers, planner.HandleEnvelope()); err != nil {
		zap.S().Fatalf("Cannot subscribe to %s: %v", topicTriggers, err)
	}
	zap.S().Infof("Listening on %s and %s", topicJobLaunch, topicTriggers)

	gs := internal.NewGracefulShutdown(func() error {
		return mqttBus.Close()
	})
	gs.Wait()
}
