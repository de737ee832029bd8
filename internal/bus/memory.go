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
	"sync"

	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

// MemoryBus delivers synchronously in-process. Used by tests and by the
// single-binary development mode. Handlers run on the publisher's goroutine,
// so a chain of triggers executes depth-first.
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	// Published retains every publish in order for assertions.
	published []PublishedMessage
	recording bool
}

type PublishedMessage struct {
	Topic    string
	Envelope datamodel.Envelope
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler), recording: true}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, env datamodel.Envelope) (string, error) {
	if env.Header.EventID == "" {
		env.Header.EventID = datamodel.NewEventID()
	}
	b.mu.Lock()
	if b.recording {
		b.published = append(b.published, PublishedMessage{Topic: topic, Envelope: env})
	}
	hs := make([]Handler, len(b.handlers[topic]))
	copy(hs, b.handlers[topic])
	b.mu.Unlock()

	for _, h := range hs {
		if err := h(ctx, env); err != nil {
			return env.Header.EventID, err
		}
	}
	return env.Header.EventID, nil
}

func (b *MemoryBus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

func (b *MemoryBus) Close() error { return nil }

// Published returns a copy of everything published so far.
func (b *MemoryBus) Published() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishedMessage, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo filters the record by topic.
func (b *MemoryBus) PublishedTo(topic string) []datamodel.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []datamodel.Envelope
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m.Envelope)
		}
	}
	return out
}

// Reset clears the publish record.
func (b *MemoryBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
}
