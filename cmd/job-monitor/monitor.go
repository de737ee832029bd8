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

package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal"
	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/jobrunner"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

var probesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "arbor_job_probes_total",
		Help: "The total number of status probes by reported state",
	}, []string{"status"},
)

// Monitor answers status-probe commands. Every probe writes the observed
// state into the graph; non-terminal states schedule a follow-up probe with
// randomized exponential spacing. The probe budget rides on the envelope's
// retry-count so it survives process restarts.
type Monitor struct {
	runner         jobrunner.Runner
	pub            bus.Publisher
	sender         string
	topicDbQuery   string
	topicTriggers  string
	topicJobStatus string
	probeCeiling   int
	probeSlot      time.Duration
	probeMax       time.Duration
}

func (m *Monitor) HandleEnvelope() bus.Handler {
	return func(ctx context.Context, env datamodel.Envelope) error {
		if env.Header.Resource != datamodel.ResourceCommand || env.Body.JobID == "" {
			zap.S().Warnf("Event %s is not a status probe; discarding", env.Header.EventID)
			return nil
		}
		return m.Probe(ctx, &env)
	}
}

func (m *Monitor) Probe(ctx context.Context, env *datamodel.Envelope) error {
	status, err := m.runner.Status(ctx, env.Body.JobID)
	if err != nil {
		zap.S().Warnf("Status probe for %s failed: %v", env.Body.JobID, err)
		m.reschedule(env)
		return nil
	}
	probesTotal.WithLabelValues(status.Status).Inc()

	instanceName, _ := env.Body.Parameters["instanceName"].(string)
	if instanceName == "" {
		zap.S().Warnf("Probe for %s carries no instanceName; status not recorded", env.Body.JobID)
	} else if err := m.record(ctx, env, instanceName, status); err != nil {
		return err
	}

	if terminal(status.Status) {
		zap.S().Infof("Job %s reached %s after %d probes", env.Body.JobID, status.Status, env.Header.RetryCount+1)
		return nil
	}
	m.reschedule(env)
	return nil
}

// record publishes the status flip as an update-job-status query. The result
// goes back to the trigger inbox, which is where duplicate detection sees
// RUNNING transitions.
func (m *Monitor) record(ctx context.Context, env *datamodel.Envelope, instanceName string, status jobrunner.JobStatus) error {
	stopTime := ""
	var stopTimeEpoch int64
	if status.StopTime != nil {
		stopTime = status.StopTime.UTC().Format(time.RFC3339)
		stopTimeEpoch = status.StopTime.UnixMilli()
	}
	update := datamodel.Envelope{
		Header: env.Derive(m.sender, datamodel.ResourceQuery, datamodel.MethodUpdate,
			[]string{"Update", "Job", "Node"}, m.topicTriggers),
		Body: datamodel.Body{
			QueryName: "update-job-status",
			Parameters: map[string]any{
				"instanceName":  instanceName,
				"status":        status.Status,
				"stopTime":      stopTime,
				"stopTimeEpoch": stopTimeEpoch,
			},
			ResultMode:  datamodel.ResultModeData,
			ResultSplit: true,
		},
	}
	// The update chain must not inherit the probe budget as a query retry
	// count.
	update.Header.RetryCount = 0
	_, err := m.pub.Publish(ctx, m.topicDbQuery, update)
	return err
}

// reschedule publishes the next probe after a randomized backoff, up to the
// probe ceiling. Jobs still unfinished at the ceiling simply stop being
// probed; their node keeps the last observed status.
func (m *Monitor) reschedule(env *datamodel.Envelope) {
	attempt := env.Header.RetryCount + 1
	if attempt > m.probeCeiling {
		zap.S().Warnf("Job %s exceeded the probe ceiling (%d); giving up", env.Body.JobID, m.probeCeiling)
		return
	}
	next := *env
	next.Header.EventID = datamodel.NewEventID()
	next.Header.PreviousEventID = env.Header.EventID
	next.Header.SeedID = env.SeedID()
	next.Header.RetryCount = attempt

	delay := internal.GetBackoffTime(int64(attempt), m.probeSlot, m.probeMax)
	time.AfterFunc(delay, func() {
		if _, err := m.pub.Publish(context.Background(), m.topicJobStatus, next); err != nil {
			zap.S().Errorf("Rescheduling probe for %s failed: %v", next.Body.JobID, err)
		}
	})
}

func terminal(status string) bool {
	switch status {
	case jobrunner.StatusSuccess, jobrunner.StatusFailed, jobrunner.StatusKilled:
		return true
	}
	return false
}
