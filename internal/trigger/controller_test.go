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

package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

func testCatalog() *Catalog {
	d := blobDef()
	absence := Definition{
		Name:                 "flag-empty-result",
		RequiredHeaderLabels: []string{"Probe", "Database", "Result"},
		AllowMissingNode:     true,
		Cypher:               "RETURN 1",
		Topic:                "db-query",
	}
	return &Catalog{Definitions: []Definition{d, absence}}
}

func resultEnvelope(labels []string, nodes ...*datamodel.Node) datamodel.Envelope {
	env := datamodel.Envelope{Header: datamodel.Header{
		EventID:  "ev-src",
		Resource: datamodel.ResourceQueryResult,
		Labels:   labels,
		SeedID:   "seed-1",
	}}
	for _, n := range nodes {
		env.Body.Results = append(env.Body.Results, datamodel.QueryRecord{Node: n})
	}
	return env
}

func TestEvaluateZeroMatchesIsNormal(t *testing.T) {
	c := NewController(testCatalog(), "controller", 3)
	env := resultEnvelope([]string{"Unrelated"})
	assert.Empty(t, c.Evaluate(&env))
}

func TestEvaluateMatchesPerNode(t *testing.T) {
	c := NewController(testCatalog(), "controller", 3)
	blob := func(bucket string) *datamodel.Node {
		return &datamodel.Node{
			Labels:     []string{"Blob"},
			Properties: map[string]any{"bucket": bucket, "path": "p"},
		}
	}
	env := resultEnvelope([]string{"Create", "Blob", "Node", "Database", "Result"},
		blob("b1"), blob("b2"))

	acts := c.Evaluate(&env)
	require.Len(t, acts, 2)
	assert.Equal(t, "b1", acts[0].Parameters["bucket"])
	assert.Equal(t, "b2", acts[1].Parameters["bucket"])
}

func TestEvaluateAbsenceMessage(t *testing.T) {
	c := NewController(testCatalog(), "controller", 3)
	env := resultEnvelope([]string{"Probe", "Database", "Result"})

	acts := c.Evaluate(&env)
	require.Len(t, acts, 1)
	assert.Equal(t, "flag-empty-result", acts[0].Definition.Name)
	assert.Nil(t, acts[0].Node)
}

func TestHandleEnvelopePublishesActivations(t *testing.T) {
	mem := bus.NewMemoryBus()
	c := NewController(testCatalog(), "controller", 3)

	env := resultEnvelope([]string{"Create", "Blob", "Node", "Database", "Result"},
		&datamodel.Node{Labels: []string{"Blob"}, Properties: map[string]any{"bucket": "b", "path": "p"}})
	require.NoError(t, c.HandleEnvelope(mem)(context.Background(), env))

	out := mem.PublishedTo("db-query")
	require.Len(t, out, 1)
	assert.Equal(t, "relate-output", out[0].Header.Trigger)
	assert.Equal(t, "seed-1", out[0].Header.SeedID)
	assert.Equal(t, "ev-src", out[0].Header.PreviousEventID)
	assert.Equal(t, "controller", out[0].Header.SentFrom)
}
