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

// graph-gateway executes query-request envelopes against the property-graph
// store and publishes the results. Transient store failures are requeued
// from a persistent disk queue with a fixed backoff.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal"
	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/gateway"
	"github.com/arbor-genomics/arbor/internal/graphdb"
	"github.com/arbor-genomics/arbor/internal/retry"
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
	podName, _ := env.GetAsString("MY_POD_NAME", false, "graph-gateway")

	neo4jURI, err := env.GetAsString("NEO4J_URI", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	neo4jUser, _ := env.GetAsString("NEO4J_USER", false, "neo4j")
	neo4jPassword, err := env.GetAsString("NEO4J_PASSPHRASE", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	neo4jDatabase, _ := env.GetAsString("NEO4J_DATABASE", false, "neo4j")

	topicDbQuery, _ := env.GetAsString("TOPIC_DB_QUERY", false, "db-query")
	retryCeiling, _ := env.GetAsInt("RETRY_CEILING", false, 3)
	retryBackoffSeconds, _ := env.GetAsInt("RETRY_BACKOFF_SECONDS", false, 10)
	queueDir, _ := env.GetAsString("QUEUE_DIR", false, "/data/requeue")

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

	ctx := context.Background()
	store, err := graphdb.NewStore(ctx, graphdb.Config{
		URI:      neo4jURI,
		User:     neo4jUser,
		Password: neo4jPassword,
		Database: neo4jDatabase,
	})
	if err != nil {
		zap.S().Fatalf("Cannot connect to graph store: %v", err)
	}

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

	requeuer, err := retry.New(retry.Config{
		QueueDir: queueDir,
		Topic:    topicDbQuery,
		Ceiling:  retryCeiling,
		Backoff:  time.Duration(retryBackoffSeconds) * time.Second,
	}, mqttBus)
	if err != nil {
		zap.S().Fatalf("Cannot open requeue queue: %v", err)
	}
	go reportQueueLength(requeuer)

	gw := gateway.New(store, mqttBus, requeuer, podName)
	if err := mqttBus.Subscribe(topicDbQuery, gw.Handler()); err != nil {
		zap.S().Fatalf("Cannot subscribe to %s: %v", topicDbQuery, err)
	}
	zap.S().Infof("Listening on %s", topicDbQuery)

	gs := internal.NewGracefulShutdown(func() error {
		if err := mqttBus.Close(); err != nil {
			return err
		}
		if err := requeuer.Close(); err != nil {
			return err
		}
		return store.Close(context.Background())
	})
	gs.Wait()
}

// reportQueueLength prints the current requeue backlog.
func reportQueueLength(r *retry.Requeuer) {
	for {
		zap.S().Infof("Current elements in requeue queue: %d", r.Pending())
		time.Sleep(10 * time.Second)
	}
}
