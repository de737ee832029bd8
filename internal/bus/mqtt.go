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

package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

var (
	mqttIncoming = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_mqtt_incoming_total",
			Help: "The total number of incoming MQTT messages",
		}, []string{"topic"},
	)
	mqttOutgoing = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_mqtt_outgoing_total",
			Help: "The total number of outgoing MQTT messages",
		}, []string{"topic"},
	)
	mqttConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_mqtt_up",
			Help: "Connection with MQTT broker",
		},
	)
)

// MQTTConfig is read from the environment by each service main.
type MQTTConfig struct {
	BrokerURL       string
	ClientID        string
	CertificateName string // empty disables TLS
	SSLCertPath     string // directory holding <name>.pem / <name>-privkey.pem / intermediate_CA.pem
	QoS             byte
}

// MQTTBus is the production transport: QoS 1, at-least-once,
// duplicate-tolerant by contract.
type MQTTBus struct {
	client MQTT.Client
	qos    byte
}

func newTLSConfig(certificateName string, certPath string) (*tls.Config, error) {
	certpool := x509.NewCertPool()
	pemCerts, err := os.ReadFile(certPath + "/intermediate_CA.pem")
	if err == nil {
		certpool.AppendCertsFromPEM(pemCerts)
	}

	cert, err := tls.LoadX509KeyPair(
		certPath+"/"+certificateName+".pem",
		certPath+"/"+certificateName+"-privkey.pem")
	if err != nil {
		return nil, fmt.Errorf("loading client keypair: %w", err)
	}
	cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing client certificate: %w", err)
	}

	return &tls.Config{
		RootCAs: certpool,
		// Broker certificates are self-signed inside the cluster.
		InsecureSkipVerify: true,
		Certificates:       []tls.Certificate{cert},
	}, nil
}

// NewMQTTBus connects to the broker and registers liveness with the health
// handler if one is given.
func NewMQTTBus(cfg MQTTConfig, health healthcheck.Handler) (*MQTTBus, error) {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)

	if cfg.CertificateName != "" {
		tlsCfg, err := newTLSConfig(cfg.CertificateName, cfg.SSLCertPath)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(func(c MQTT.Client) {
		mqttConnected.Set(1)
		zap.S().Infof("Connected to MQTT broker %s", cfg.BrokerURL)
	})
	opts.SetConnectionLostHandler(func(c MQTT.Client, err error) {
		mqttConnected.Set(0)
		zap.S().Warnf("Connection to MQTT broker lost: %v", err)
	})

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	if health != nil {
		health.AddReadinessCheck("mqtt-connection", func() error {
			if !client.IsConnected() {
				return fmt.Errorf("not connected to %s", cfg.BrokerURL)
			}
			return nil
		})
	}

	return &MQTTBus{client: client, qos: cfg.QoS}, nil
}

func (b *MQTTBus) Publish(ctx context.Context, topic string, env datamodel.Envelope) (string, error) {
	if env.Header.EventID == "" {
		env.Header.EventID = datamodel.NewEventID()
	}
	payload, err := env.Marshal()
	if err != nil {
		return "", err
	}
	token := b.client.Publish(topic, b.qos, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return "", fmt.Errorf("publish to %s timed out", topic)
	}
	if token.Error() != nil {
		return "", token.Error()
	}
	mqttOutgoing.WithLabelValues(topic).Inc()
	return env.Header.EventID, nil
}

func (b *MQTTBus) Subscribe(topic string, h Handler) error {
	token := b.client.Subscribe(topic, b.qos, func(c MQTT.Client, msg MQTT.Message) {
		mqttIncoming.WithLabelValues(topic).Inc()
		env, err := datamodel.UnmarshalEnvelope(msg.Payload())
		if err != nil {
			zap.S().Warnf("Discarding malformed message on %s: %v", topic, err)
			return
		}
		if err := h(context.Background(), env); err != nil {
			zap.S().Errorf("Handler for %s failed on event %s: %v", topic, env.Header.EventID, err)
		}
	})
	token.Wait()
	return token.Error()
}

func (b *MQTTBus) Close() error {
	b.client.Disconnect(250)
	mqttConnected.Set(0)
	return nil
}
