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

// trigger-controller subscribes to the trigger inbox, evaluates every
// catalog rule against each incoming envelope, and publishes the resulting
// query requests. Stateless; all coordination happens through the store.
package main

import (
	"net/http"
	"strings"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal"
	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/dedup"
	"github.com/arbor-genomics/arbor/internal/join"
	"github.com/arbor-genomics/arbor/internal/lineage"
	"github.com/arbor-genomics/arbor/internal/trigger"
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
	certificateName, _ := env.GetAsString("CERTIFICATE_NAME", false, "") //nolint:errcheck
	sslCertPath, _ := env.GetAsString("SSL_CERT_PATH", false, "/SSL_certs")
	podName, _ := env.GetAsString("MY_POD_NAME", false, "trigger-controller")

	catalogPath, err := env.GetAsString("TRIGGER_CATALOG_PATH", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	topicTriggers, _ := env.GetAsString("TOPIC_TRIGGERS", false, "triggers")
	topicDbQuery, _ := env.GetAsString("TOPIC_DB_QUERY", false, "db-query")
	topicKillJob, _ := env.GetAsString("TOPIC_KILL_JOB", false, "kill-job")
	retryCeiling, _ := env.GetAsInt("RETRY_CEILING", false, 3)
	// Comma-separated fan-in declarations, e.g. "Fastq=fastq-to-ubam,Ubam=gatk-5-dollar".
	barrierSpec, _ := env.GetAsString("JOIN_BARRIERS", false, "")

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

	catalog, err := trigger.LoadCatalogFile(catalogPath)
	if err != nil {
		zap.S().Fatalf("Cannot load trigger catalog: %v", err)
	}
	catalog.Append(dedup.Definitions(topicDbQuery, topicTriggers, topicKillJob)...)
	catalog.Append(lineage.Definitions(topicDbQuery, topicTriggers)...)
	for _, b := range parseBarriers(barrierSpec) {
		catalog.Append(join.Definitions(b, topicDbQuery, topicTriggers)...)
	}
	zap.S().Infof("Catalog holds %d definitions after engine rules", len(catalog.Definitions))

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

	controller := trigger.NewController(catalog, podName, retryCeiling)
	if err := mqttBus.Subscribe(topicTriggers, controller.HandleEnvelope(mqttBus)); err != nil {
		zap.S().Fatalf("Cannot subscribe to %s: %v", topicTriggers, err)
	}
	zap.S().Infof("Listening on %s", topicTriggers)

	gs := internal.NewGracefulShutdown(func() error {
		return mqttBus.Close()
	})
	gs.Wait()
}

func parseBarriers(spec string) []join.Barrier {
	var out []join.Barrier
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			zap.S().Fatalf("Malformed JOIN_BARRIERS entry %q, want Label=jobName", entry)
		}
		out = append(out, join.Barrier{PartLabel: parts[0], JobName: parts[1]})
	}
	return out
}
