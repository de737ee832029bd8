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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

var (
	activationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_trigger_activations_total",
			Help: "The total number of trigger activations by trigger name",
		}, []string{"trigger"},
	)
	evaluationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_trigger_evaluations_total",
			Help: "The total number of evaluated envelopes",
		},
	)
)

// Controller is the dispatch loop: given one incoming envelope, evaluate
// every catalog rule and publish zero or more activations. There is no
// shared mutable state between evaluations.
type Controller struct {
	catalog      *Catalog
	sender       string
	retryCeiling int
}

func NewController(catalog *Catalog, sender string, retryCeiling int) *Controller {
	return &Controller{catalog: catalog, sender: sender, retryCeiling: retryCeiling}
}

// Evaluate tests every definition against each node carried by the
// envelope. A single event may activate zero, one, or many triggers; zero
// matches is a normal outcome, not an error.
func (c *Controller) Evaluate(env *datamodel.Envelope) []Activation {
	evaluationsTotal.Inc()

	nodes := make([]*datamodel.Node, 0, len(env.Body.Results))
	for i := range env.Body.Results {
		if env.Body.Results[i].Node != nil {
			nodes = append(nodes, env.Body.Results[i].Node)
		}
	}
	if len(nodes) == 0 {
		// Absence message: rules opting in via allowMissingNode still get
		// to see it.
		nodes = append(nodes, nil)
	}

	var activations []Activation
	for i := range c.catalog.Definitions {
		d := &c.catalog.Definitions[i]
		for _, node := range nodes {
			if !d.Matches(&env.Header, node, c.retryCeiling) {
				continue
			}
			activations = append(activations, Activation{
				Definition: d,
				Parameters: d.Bind(env, node),
				Node:       node,
			})
		}
	}
	return activations
}

// HandleEnvelope is the bus handler: evaluate, compose, publish. Each
// activation becomes one outgoing envelope on the trigger's declared topic.
func (c *Controller) HandleEnvelope(publisher bus.Publisher) bus.Handler {
	return func(ctx context.Context, env datamodel.Envelope) error {
		activations := c.Evaluate(&env)
		if len(activations) == 0 {
			zap.S().Debugf("No trigger matched event %s (labels %v)", env.Header.EventID, env.Header.Labels)
			return nil
		}
		for _, a := range activations {
			topic, out := a.Compose(c.sender, &env)
			if _, err := publisher.Publish(ctx, topic, out); err != nil {
				zap.S().Errorf("Publishing activation %s to %s failed: %v", a.Definition.Name, topic, err)
				return err
			}
			activationsTotal.WithLabelValues(a.Definition.Name).Inc()
			zap.S().Infof("Trigger activated: %s -> %s (seed %s)", a.Definition.Name, topic, out.Header.SeedID)
		}
		return nil
	}
}
