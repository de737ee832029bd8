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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

func TestMemoryBusDeliversSynchronously(t *testing.T) {
	mem := NewMemoryBus()
	var got []string
	require.NoError(t, mem.Subscribe("triggers", func(_ context.Context, env datamodel.Envelope) error {
		got = append(got, env.Header.EventID)
		return nil
	}))

	id, err := mem.Publish(context.Background(), "triggers",
		datamodel.Envelope{Header: datamodel.Header{EventID: "ev-1", Resource: datamodel.ResourceQuery}})
	require.NoError(t, err)
	assert.Equal(t, "ev-1", id)
	assert.Equal(t, []string{"ev-1"}, got)
}

func TestMemoryBusStampsEventID(t *testing.T) {
	mem := NewMemoryBus()
	id, err := mem.Publish(context.Background(), "triggers",
		datamodel.Envelope{Header: datamodel.Header{Resource: datamodel.ResourceQuery}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	published := mem.PublishedTo("triggers")
	require.Len(t, published, 1)
	assert.Equal(t, id, published[0].Header.EventID)
}

func TestMemoryBusRecordFiltersAndResets(t *testing.T) {
	mem := NewMemoryBus()
	_, _ = mem.Publish(context.Background(), "a",
		datamodel.Envelope{Header: datamodel.Header{EventID: "1", Resource: datamodel.ResourceQuery}})
	_, _ = mem.Publish(context.Background(), "b",
		datamodel.Envelope{Header: datamodel.Header{EventID: "2", Resource: datamodel.ResourceQuery}})

	assert.Len(t, mem.Published(), 2)
	assert.Len(t, mem.PublishedTo("a"), 1)

	mem.Reset()
	assert.Empty(t, mem.Published())
}
