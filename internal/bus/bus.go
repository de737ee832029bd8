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

// Package bus abstracts the publish/subscribe transport. Delivery is
// at-least-once and fire-and-forget; consumers must tolerate duplicates and
// reordering. Topics are logical channels named by role (query requests,
// trigger inbox, job launches, status probes).
package bus

import (
	"context"

	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

// Handler consumes one delivered envelope. Returning an error only logs;
// there is no synchronous caller to propagate to.
type Handler func(ctx context.Context, env datamodel.Envelope) error

// Publisher publishes envelopes to topics. Publish stamps a fresh event id
// on the header if the caller has not set one, and returns the event id.
type Publisher interface {
	Publish(ctx context.Context, topic string, env datamodel.Envelope) (string, error)
}

// Subscriber attaches a handler to a topic.
type Subscriber interface {
	Subscribe(topic string, h Handler) error
}

// Bus is both ends of the transport.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// PublishAll publishes one envelope to every topic in its own publishTo set
// when no explicit topic is given.
func PublishAll(ctx context.Context, p Publisher, topics []string, env datamodel.Envelope) error {
	for _, t := range topics {
		if _, err := p.Publish(ctx, t, env); err != nil {
			return err
		}
	}
	return nil
}
