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

// postgres-sink imports flattened result rows into the analytics database.
package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal"
	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/sinkpg"
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
	podName, _ := env.GetAsString("MY_POD_NAME", false, "postgres-sink")

	pgHost, err := env.GetAsString("POSTGRES_HOST", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	pgPort, _ := env.GetAsInt("POSTGRES_PORT", false, 5432)
	pgUser, _ := env.GetAsString("POSTGRES_USER", false, "postgres")
	pgPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	pgDatabase, _ := env.GetAsString("POSTGRES_DATABASE", false, "arbor")
	pgSSLMode, _ := env.GetAsString("POSTGRES_SSL_MODE", false, "require")

	topicImport, _ := env.GetAsString("TOPIC_POSTGRES_IMPORT", false, "postgres-import")

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

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		pgUser, pgPassword, pgHost, pgPort, pgDatabase, pgSSLMode)
	sink, err := sinkpg.New(context.Background(), dsn)
	if err != nil {
		zap.S().Fatalf("Cannot connect to postgres: %v", err)
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

	if err := mqttBus.Subscribe(topicImport, sink.HandleEnvelope()); err != nil {
		zap.S().Fatalf("Cannot subscribe to %s: %v", topicImport, err)
	}
	zap.S().Infof("Listening on %s", topicImport)

	gs := internal.NewGracefulShutdown(func() error {
		if err := mqttBus.Close(); err != nil {
			return err
		}
		sink.Close()
		return nil
	})
	gs.Wait()
}
