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

// job-monitor probes launched jobs for status transitions and writes them
// into the graph. It also consumes the kill topic, terminating jobs the
// duplicate-detection rule flagged as redundant.
package main

import (
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal"
	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/dedup"
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
	podName, _ := env.GetAsString("MY_POD_NAME", false, "job-monitor")

	jobAPIURL, err := env.GetAsString("JOB_API_URL", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	topicJobStatus, _ := env.GetAsString("TOPIC_JOB_STATUS", false, "job-status")
	topicKillJob, _ := env.GetAsString("TOPIC_KILL_JOB", false, "kill-job")
	topicDbQuery, _ := env.GetAsString("TOPIC_DB_QUERY", false, "db-query")
	topicTriggers, _ := env.GetAsString("TOPIC_TRIGGERS", false, "triggers")
	probeCeiling, _ := env.GetAsInt("PROBE_CEILING", false, 20)
	probeSlotSeconds, _ := env.GetAsInt("PROBE_SLOT_SECONDS", false, 10)
	probeMaxMinutes, _ := env.GetAsInt("PROBE_MAX_MINUTES", false, 10)

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

	runner := jobrunner.NewClient(jobAPIURL)
	monitor := &Monitor{
		runner:         runner,
		pub:            mqttBus,
		sender:         podName,
		topicDbQuery:   topicDbQuery,
		topicTriggers:  topicTriggers,
		topicJobStatus: topicJobStatus,
		probeCeiling:   probeCeiling,
		probeSlot:      time.Duration(probeSlotSeconds) * time.Second,
		probeMax:       time.Duration(probeMaxMinutes) * time.Minute,
	}
	if err := mqttBus.Subscribe(topicJobStatus, monitor.HandleEnvelope()); err != nil {
		zap.S().Fatalf("Cannot subscribe to %s: %v", topicJobStatus, err)
	}

	killer := dedup.NewKiller(runner)
	if err := mqttBus.Subscribe(topicKillJob, killer.HandleEnvelope()); err != nil {
		zap.S().Fatalf("Cannot subscribe to %s: %v", topicKillJob, err)
	}
	zap.S().Infof("Listening on %s and %s", topicJobStatus, topicKillJob)

	gs := internal.NewGracefulShutdown(func() error {
		return mqttBus.Close()
	})
	gs.Wait()
}
