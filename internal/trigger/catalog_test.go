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
)

func TestLoadCatalogFile(t *testing.T) {
	c, err := LoadCatalogFile("testdata/catalog.yaml")
	require.NoError(t, err)
	require.Len(t, c.Definitions, 2)

	d := c.Definitions[0]
	assert.Equal(t, "relate-output-to-generating-job", d.Name)
	assert.Equal(t, "relate-output-to-job", d.Query)
	assert.Equal(t, "node.bucket", d.Parameters["bucket"])
	assert.Equal(t, "db-query", d.Topic)
	assert.Equal(t, "stats", d.ResultMode)

	// Raw-cypher business rule.
	assert.Empty(t, c.Definitions[1].Query)
	assert.Contains(t, c.Definitions[1].Cypher, "MERGE (s:Sample")
}

func TestLoadCatalogValidation(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no name",
			doc:  "triggers:\n  - topic: db-query\n    cypher: RETURN 1\n",
			want: "has no name",
		},
		{
			name: "duplicate name",
			doc: "triggers:\n" +
				"  - name: a\n    topic: db-query\n    cypher: RETURN 1\n" +
				"  - name: a\n    topic: db-query\n    cypher: RETURN 1\n",
			want: "duplicate trigger name",
		},
		{
			name: "no topic",
			doc:  "triggers:\n  - name: a\n    cypher: RETURN 1\n",
			want: "no target topic",
		},
		{
			name: "no query or cypher",
			doc:  "triggers:\n  - name: a\n    topic: db-query\n",
			want: "neither a query name nor cypher",
		},
		{
			name: "unknown query",
			doc:  "triggers:\n  - name: a\n    topic: db-query\n    query: does-not-exist\n",
			want: "unknown query",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCatalog([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCatalogAppend(t *testing.T) {
	c, err := LoadCatalog([]byte("triggers:\n  - name: a\n    topic: db-query\n    cypher: RETURN 1\n"))
	require.NoError(t, err)

	c.Append(Definition{Name: "engine-rule", Topic: "db-query", Query: "stamp-set-size"})
	assert.Len(t, c.Definitions, 2)
	assert.Equal(t, "engine-rule", c.Definitions[1].Name)
}
