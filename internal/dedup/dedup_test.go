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

package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/gateway"
	"github.com/arbor-genomics/arbor/internal/graphdb"
	"github.com/arbor-genomics/arbor/internal/jobrunner"
	"github.com/arbor-genomics/arbor/internal/retry"
	"github.com/arbor-genomics/arbor/internal/trigger"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

// wire connects controller, gateway, and killer over a memory bus.
func wire(t *testing.T, fake *graphdb.Fake, runner jobrunner.Runner) *bus.MemoryBus {
	t.Helper()
	mem := bus.NewMemoryBus()

	catalog := &trigger.Catalog{}
	catalog.Append(Definitions("db-query", "triggers", "kill-job")...)
	controller := trigger.NewController(catalog, "controller", 3)
	require.NoError(t, mem.Subscribe("triggers", controller.HandleEnvelope(mem)))

	r, err := retry.New(retry.Config{
		QueueDir: t.TempDir(), Topic: "db-query", Ceiling: 3, Backoff: time.Minute,
	}, mem)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, mem.Subscribe("db-query", gateway.New(fake, mem, r, "gateway").Handler()))

	require.NoError(t, mem.Subscribe("kill-job", NewKiller(runner).HandleEnvelope()))
	return mem
}

func seedRunningJob(fake *graphdb.Fake, i int) *datamodel.Node {
	return fake.Seed([]string{"Job"}, map[string]any{
		"sample": "S1", "name": "fastq-to-ubam", "inputHash": "h1",
		"status":         "RUNNING",
		"instanceName":   fmt.Sprintf("fastq-to-ubam-job-%d", i),
		"instanceId":     fmt.Sprintf("job-%d", i),
		"startTimeEpoch": 1000 + i,
	})
}

// statusUpdate mimics the split result of the update-job-status query.
func statusUpdate(node *datamodel.Node) datamodel.Envelope {
	return datamodel.Envelope{
		Header: datamodel.Header{
			EventID:  datamodel.NewEventID(),
			Resource: datamodel.ResourceQueryResult,
			Labels:   []string{"Update", "Job", "Node", "Database", "Result"},
			SentFrom: "graph-gateway",
		},
		Body: datamodel.Body{Results: []datamodel.QueryRecord{{Node: node}}},
	}
}

func TestDuplicatesConvergeToOneAuthoritativeJob(t *testing.T) {
	fake := graphdb.NewFake()
	runner := jobrunner.NewFake()
	mem := wire(t, fake, runner)

	// The join race let three identical launches through.
	jobs := make([]*datamodel.Node, 3)
	for i := range jobs {
		jobs[i] = seedRunningJob(fake, i)
	}

	// Each job's RUNNING transition re-runs detection.
	for _, j := range jobs {
		_, err := mem.Publish(context.Background(), "triggers", statusUpdate(j))
		require.NoError(t, err)
	}

	var marked int
	for _, j := range fake.Nodes("Job") {
		if j.HasLabels("Duplicate") {
			marked++
		}
	}
	assert.Equal(t, 2, marked, "all but the first job must be marked duplicate")
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, runner.Killed)
}

func TestSingleJobIsNotADuplicate(t *testing.T) {
	fake := graphdb.NewFake()
	runner := jobrunner.NewFake()
	mem := wire(t, fake, runner)

	j := seedRunningJob(fake, 0)
	_, err := mem.Publish(context.Background(), "triggers", statusUpdate(j))
	require.NoError(t, err)

	assert.Empty(t, runner.Killed)
	assert.False(t, fake.Nodes("Job")[0].HasLabels("Duplicate"))
}

func TestDetectionIgnoresNonRunningJobs(t *testing.T) {
	fake := graphdb.NewFake()
	runner := jobrunner.NewFake()
	mem := wire(t, fake, runner)

	j := seedRunningJob(fake, 0)
	done := fake.Seed([]string{"Job"}, map[string]any{
		"sample": "S1", "name": "fastq-to-ubam", "inputHash": "h1",
		"status": "SUCCESS", "instanceName": "fastq-to-ubam-job-9",
		"instanceId": "job-9", "startTimeEpoch": 900,
	})
	_ = done

	_, err := mem.Publish(context.Background(), "triggers", statusUpdate(j))
	require.NoError(t, err)
	assert.Empty(t, runner.Killed)
}

func TestKillerMemoizesPerInstance(t *testing.T) {
	runner := jobrunner.NewFake()
	killer := NewKiller(runner)
	h := killer.HandleEnvelope()

	env := datamodel.Envelope{
		Header: datamodel.Header{EventID: "ev", Resource: datamodel.ResourceQueryResult},
		Body: datamodel.Body{Results: []datamodel.QueryRecord{{Node: &datamodel.Node{
			Labels:     []string{"Job"},
			Properties: map[string]any{"instanceName": "j-1", "instanceId": "job-1"},
		}}}},
	}
	require.NoError(t, h(context.Background(), env))
	require.NoError(t, h(context.Background(), env))
	assert.Equal(t, []string{"job-1"}, runner.Killed)
}

func TestKillFailureDoesNotPropagate(t *testing.T) {
	runner := jobrunner.NewFake()
	runner.KillErr = assert.AnError
	killer := NewKiller(runner)

	env := datamodel.Envelope{
		Header: datamodel.Header{EventID: "ev", Resource: datamodel.ResourceQueryResult},
		Body: datamodel.Body{Results: []datamodel.QueryRecord{{Node: &datamodel.Node{
			Labels:     []string{"Job"},
			Properties: map[string]any{"instanceName": "j-1", "instanceId": "job-1"},
		}}}},
	}
	// The graph record owns the authoritative state; a failed kill is logged.
	assert.NoError(t, killer.HandleEnvelope()(context.Background(), env))
}
