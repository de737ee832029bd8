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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/jobrunner"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

func newTestMonitor(mem *bus.MemoryBus, runner jobrunner.Runner) *Monitor {
	return &Monitor{
		runner:         runner,
		pub:            mem,
		sender:         "job-monitor",
		topicDbQuery:   "db-query",
		topicTriggers:  "triggers",
		topicJobStatus: "job-status",
		probeCeiling:   3,
		probeSlot:      time.Millisecond,
		probeMax:       5 * time.Millisecond,
	}
}

func statusProbe(id string, retryCount int) datamodel.Envelope {
	return datamodel.Envelope{
		Header: datamodel.Header{
			EventID:    "ev-probe",
			Resource:   datamodel.ResourceCommand,
			Labels:     []string{"Check", "Job", "Status"},
			SeedID:     "seed-1",
			RetryCount: retryCount,
		},
		Body: datamodel.Body{
			JobID:      id,
			Parameters: map[string]any{"instanceName": "fastq-to-ubam-" + id},
		},
	}
}

func TestTerminalStatusRecordsStopTime(t *testing.T) {
	mem := bus.NewMemoryBus()
	runner := jobrunner.NewFake()
	m := newTestMonitor(mem, runner)

	stop := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	runner.SetStatus("job-1", jobrunner.JobStatus{
		ID: "job-1", Status: jobrunner.StatusSuccess, StopTime: &stop,
	})

	require.NoError(t, m.HandleEnvelope()(context.Background(), statusProbe("job-1", 0)))

	updates := mem.PublishedTo("db-query")
	require.Len(t, updates, 1)
	assert.Equal(t, "update-job-status", updates[0].Body.QueryName)
	assert.Equal(t, "fastq-to-ubam-job-1", updates[0].Body.Parameters["instanceName"])
	assert.Equal(t, jobrunner.StatusSuccess, updates[0].Body.Parameters["status"])
	assert.Equal(t, stop.Format(time.RFC3339), updates[0].Body.Parameters["stopTime"])
	assert.Equal(t, datamodel.StringList{"triggers"}, updates[0].Header.PublishTo)
	assert.Equal(t, "seed-1", updates[0].Header.SeedID)
	assert.Equal(t, 0, updates[0].Header.RetryCount)

	// Terminal states schedule no follow-up probe.
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, mem.PublishedTo("job-status"))
}

func TestRunningStatusReschedulesProbe(t *testing.T) {
	mem := bus.NewMemoryBus()
	runner := jobrunner.NewFake()
	m := newTestMonitor(mem, runner)

	runner.SetStatus("job-1", jobrunner.JobStatus{ID: "job-1", Status: jobrunner.StatusRunning})

	require.NoError(t, m.HandleEnvelope()(context.Background(), statusProbe("job-1", 0)))

	updates := mem.PublishedTo("db-query")
	require.Len(t, updates, 1)
	assert.Equal(t, jobrunner.StatusRunning, updates[0].Body.Parameters["status"])
	assert.Equal(t, "", updates[0].Body.Parameters["stopTime"])

	assert.Eventually(t, func() bool {
		return len(mem.PublishedTo("job-status")) == 1
	}, time.Second, time.Millisecond)

	next := mem.PublishedTo("job-status")[0]
	assert.Equal(t, 1, next.Header.RetryCount)
	assert.Equal(t, "job-1", next.Body.JobID)
	assert.Equal(t, "seed-1", next.Header.SeedID)
	assert.Equal(t, "ev-probe", next.Header.PreviousEventID)
}

func TestProbeCeilingStopsProbing(t *testing.T) {
	mem := bus.NewMemoryBus()
	runner := jobrunner.NewFake()
	m := newTestMonitor(mem, runner)

	runner.SetStatus("job-1", jobrunner.JobStatus{ID: "job-1", Status: jobrunner.StatusRunning})

	require.NoError(t, m.HandleEnvelope()(context.Background(), statusProbe("job-1", 3)))
	require.Len(t, mem.PublishedTo("db-query"), 1)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, mem.PublishedTo("job-status"))
}

func TestFailedProbeRetriesWithoutRecording(t *testing.T) {
	mem := bus.NewMemoryBus()
	runner := jobrunner.NewFake()
	m := newTestMonitor(mem, runner)

	// Unknown job id: the backend probe fails, the node is left untouched,
	// the probe is retried.
	require.NoError(t, m.HandleEnvelope()(context.Background(), statusProbe("ghost", 0)))
	assert.Empty(t, mem.PublishedTo("db-query"))

	assert.Eventually(t, func() bool {
		return len(mem.PublishedTo("job-status")) == 1
	}, time.Second, time.Millisecond)
}

func TestNonProbeEnvelopeIsDiscarded(t *testing.T) {
	mem := bus.NewMemoryBus()
	m := newTestMonitor(mem, jobrunner.NewFake())

	env := statusProbe("job-1", 0)
	env.Body.JobID = ""
	require.NoError(t, m.HandleEnvelope()(context.Background(), env))
	assert.Empty(t, mem.Published())
}
