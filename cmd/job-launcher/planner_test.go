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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

func completionMarker(name, sample string) datamodel.Envelope {
	return datamodel.Envelope{
		Header: datamodel.Header{
			EventID:  "ev-marker",
			Resource: datamodel.ResourceQueryResult,
			Labels:   []string{"Cypher", "Query", "Create", "JobRequest", "Node", "Database", "Result"},
			SeedID:   "seed-1",
		},
		Body: datamodel.Body{Results: []datamodel.QueryRecord{{Node: &datamodel.Node{
			Labels:     []string{"JobRequest"},
			Properties: map[string]any{"name": name, "sample": sample, "setSize": 2},
		}}}},
	}
}

func TestLoadStages(t *testing.T) {
	stages, err := LoadStages("testdata/stages.yaml")
	require.NoError(t, err)
	require.Len(t, stages, 1)

	s := stages["fastq-to-ubam"]
	assert.Equal(t, "broadinstitute/gatk:4.1.0.0", s.Image)
	assert.Equal(t, 500, s.DiskSizeGb)
	assert.Contains(t, s.Inputs["FQ1"], "${sample}")
}

func TestLoadStagesMissingFile(t *testing.T) {
	_, err := LoadStages("testdata/does-not-exist.yaml")
	assert.Error(t, err)
}

func TestPlannerComposesLaunchCommand(t *testing.T) {
	stages, err := LoadStages("testdata/stages.yaml")
	require.NoError(t, err)

	mem := bus.NewMemoryBus()
	p := NewPlanner(stages, mem, "job-launcher", "job-launch")

	require.NoError(t, p.HandleEnvelope()(context.Background(), completionMarker("fastq-to-ubam", "S1")))

	out := mem.PublishedTo("job-launch")
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Body.Job)
	spec := *out[0].Body.Job
	assert.Equal(t, "fastq-to-ubam", spec.Name)
	assert.Equal(t, "gatk FastqToSam -SM S1", spec.Command)
	assert.Equal(t, "gs://bucket/S1/FASTQ/S1_1.fastq.gz", spec.Inputs["FQ1"])
	assert.Equal(t, "gs://bucket/S1/UBAM/S1.ubam", spec.Outputs["UBAM"])
	assert.Equal(t, "S1", spec.Env["SAMPLE"])
	assert.Equal(t, "S1", out[0].Body.Parameters["sample"])
	assert.Equal(t, "seed-1", out[0].Header.SeedID)
	assert.Equal(t, "ev-marker", out[0].Header.PreviousEventID)
	assert.Equal(t, datamodel.ResourceCommand, out[0].Header.Resource)
}

func TestPlannerIgnoresUnknownStagesAndOtherEvents(t *testing.T) {
	stages, err := LoadStages("testdata/stages.yaml")
	require.NoError(t, err)

	mem := bus.NewMemoryBus()
	p := NewPlanner(stages, mem, "job-launcher", "job-launch")
	ctx := context.Background()

	require.NoError(t, p.HandleEnvelope()(ctx, completionMarker("unknown-stage", "S1")))

	other := completionMarker("fastq-to-ubam", "S1")
	other.Header.Labels = []string{"Update", "Job", "Node", "Database", "Result"}
	other.Body.Results[0].Node.Labels = []string{"Job"}
	require.NoError(t, p.HandleEnvelope()(ctx, other))

	assert.Empty(t, mem.Published())
}
