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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

func blobDef() Definition {
	return Definition{
		Name:                 "relate-output",
		RequiredHeaderLabels: []string{"Create", "Blob", "Node"},
		RequiredNodeLabels:   []string{"Blob"},
		RequiredProperties:   []string{"bucket", "path"},
		Query:                "relate-output-to-job",
		Method:               "POST",
		Parameters: map[string]string{
			"bucket": "node.bucket",
			"path":   "node.path",
			"seed":   "header.seedId",
			"stage":  "fastq-to-ubam",
		},
		Labels: []string{"Relate", "Cypher", "Query"},
		Topic:  "db-query",
	}
}

func TestMatchesIsAConjunction(t *testing.T) {
	d := blobDef()
	header := &datamodel.Header{Labels: []string{"Create", "Blob", "Node", "Database", "Result"}}
	node := &datamodel.Node{
		Labels:     []string{"Blob", "Fastq"},
		Properties: map[string]any{"bucket": "b", "path": "p"},
	}
	assert.True(t, d.Matches(header, node, 3))

	t.Run("missing header label", func(t *testing.T) {
		h := &datamodel.Header{Labels: []string{"Create", "Node"}}
		assert.False(t, d.Matches(h, node, 3))
	})
	t.Run("missing node label", func(t *testing.T) {
		n := &datamodel.Node{Labels: []string{"Job"}, Properties: node.Properties}
		assert.False(t, d.Matches(header, n, 3))
	})
	t.Run("missing property", func(t *testing.T) {
		n := &datamodel.Node{Labels: []string{"Blob"}, Properties: map[string]any{"bucket": "b"}}
		assert.False(t, d.Matches(header, n, 3))
	})
	t.Run("forbidden label", func(t *testing.T) {
		d2 := blobDef()
		d2.ForbiddenNodeLabels = []string{"Duplicate"}
		n := &datamodel.Node{Labels: []string{"Blob", "Duplicate"}, Properties: node.Properties}
		assert.False(t, d2.Matches(header, n, 3))
		assert.True(t, d2.Matches(header, node, 3))
	})
}

func TestMatchesPropertyEqualsAcrossNumericTypes(t *testing.T) {
	d := blobDef()
	d.PropertyEquals = map[string]any{"setSize": 4, "status": "RUNNING"}
	header := &datamodel.Header{Labels: d.RequiredHeaderLabels}

	node := &datamodel.Node{
		Labels: []string{"Blob"},
		// Decoded JSON carries float64 where the rule was written with int.
		Properties: map[string]any{"bucket": "b", "path": "p", "setSize": float64(4), "status": "RUNNING"},
	}
	assert.True(t, d.Matches(header, node, 3))

	node.Properties["status"] = "SUCCESS"
	assert.False(t, d.Matches(header, node, 3))
}

func TestMatchesMissingNode(t *testing.T) {
	d := blobDef()
	header := &datamodel.Header{Labels: d.RequiredHeaderLabels}
	assert.False(t, d.Matches(header, nil, 3))

	d.AllowMissingNode = true
	assert.True(t, d.Matches(header, nil, 3))
}

func TestMatchesRespectsRetryCeiling(t *testing.T) {
	d := blobDef()
	d.RespectRetryCeiling = true
	node := &datamodel.Node{Labels: []string{"Blob"}, Properties: map[string]any{"bucket": "b", "path": "p"}}

	header := &datamodel.Header{Labels: d.RequiredHeaderLabels, RetryCount: 2}
	assert.True(t, d.Matches(header, node, 3))

	header.RetryCount = 3
	assert.False(t, d.Matches(header, node, 3))
}

func TestBindSources(t *testing.T) {
	d := blobDef()
	env := &datamodel.Envelope{Header: datamodel.Header{
		EventID: "ev-1", SeedID: "seed-1", SentFrom: "gateway",
	}}
	node := &datamodel.Node{Properties: map[string]any{"bucket": "b1", "path": "p1"}}

	params := d.Bind(env, node)
	assert.Equal(t, "b1", params["bucket"])
	assert.Equal(t, "p1", params["path"])
	assert.Equal(t, "seed-1", params["seed"])
	assert.Equal(t, "fastq-to-ubam", params["stage"])
}

func TestBindSkipsAbsentNodeProperties(t *testing.T) {
	d := blobDef()
	env := &datamodel.Envelope{Header: datamodel.Header{EventID: "ev-1"}}
	node := &datamodel.Node{Properties: map[string]any{"bucket": "b1"}}

	params := d.Bind(env, node)
	_, ok := params["path"]
	assert.False(t, ok)
}

func TestComposePreservesProvenance(t *testing.T) {
	d := blobDef()
	d.PublishTo = []string{"triggers"}
	d.ResultMode = "data"
	d.ResultSplit = true

	source := &datamodel.Envelope{Header: datamodel.Header{
		EventID: "ev-src", SeedID: "seed-1", Resource: datamodel.ResourceQueryResult,
	}}
	a := Activation{Definition: &d, Parameters: map[string]any{"bucket": "b1"}}

	topic, out := a.Compose("controller", source)
	require.Equal(t, "db-query", topic)
	assert.Equal(t, "seed-1", out.Header.SeedID)
	assert.Equal(t, "ev-src", out.Header.PreviousEventID)
	assert.Equal(t, "relate-output", out.Header.Trigger)
	assert.Equal(t, datamodel.ResourceQuery, out.Header.Resource)
	assert.Equal(t, "POST", out.Header.Method)
	assert.Equal(t, datamodel.StringList{"triggers"}, out.Header.PublishTo)
	assert.Equal(t, "relate-output-to-job", out.Body.QueryName)
	assert.True(t, out.Body.ResultSplit)
	assert.Equal(t, "b1", out.Body.Parameters["bucket"])
}
