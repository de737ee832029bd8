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

// Package gateway is the query-request loop of the graph store: execute the
// request, then publish the results so every matched entity independently
// re-enters trigger evaluation.
package gateway

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/graphdb"
	"github.com/arbor-genomics/arbor/internal/retry"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_gateway_queries_total",
			Help: "The total number of executed queries by outcome",
		}, []string{"outcome"},
	)
	resultsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_gateway_results_published_total",
			Help: "The total number of published result envelopes",
		},
	)
)

// Response envelopes perpetuate the request labels plus these two.
var responseLabels = []string{"Database", "Result"}

// Gateway executes query-request envelopes against the store and fans the
// results back out on the bus.
type Gateway struct {
	store    graphdb.Executor
	pub      bus.Publisher
	requeuer *retry.Requeuer
	sender   string
}

func New(store graphdb.Executor, pub bus.Publisher, requeuer *retry.Requeuer, sender string) *Gateway {
	return &Gateway{store: store, pub: pub, requeuer: requeuer, sender: sender}
}

// Handler consumes one query-request envelope.
//
// Retryable infrastructure failures go back through the requeue subsystem
// and are never surfaced as application errors. Terminal query failures are
// logged and publish nothing downstream.
func (g *Gateway) Handler() bus.Handler {
	return func(ctx context.Context, env datamodel.Envelope) error {
		if env.Header.Resource != datamodel.ResourceQuery {
			zap.S().Warnf("Expected resource %q, got %q; discarding event %s",
				datamodel.ResourceQuery, env.Header.Resource, env.Header.EventID)
			return nil
		}

		res, err := g.store.Execute(ctx, graphdb.Request{
			QueryName:  env.Body.QueryName,
			Cypher:     env.Body.Cypher,
			Parameters: env.Body.Parameters,
			ResultMode: env.Body.ResultMode,
		})
		if err != nil {
			if graphdb.IsRetryable(err) {
				queriesTotal.WithLabelValues("retryable").Inc()
				zap.S().Warnf("Store interruption on event %s: %v; requeueing", env.Header.EventID, err)
				return g.requeuer.Requeue(ctx, env)
			}
			queriesTotal.WithLabelValues("failed").Inc()
			zap.S().Errorf("Query for event %s failed terminally: %v", env.Header.EventID, err)
			return nil
		}
		queriesTotal.WithLabelValues("ok").Inc()

		topics := env.Header.PublishTo
		if len(topics) == 0 {
			zap.S().Debugf("No topic on event %s; result not published", env.Header.EventID)
			return nil
		}
		return g.publish(ctx, &env, res, topics)
	}
}

func (g *Gateway) publish(ctx context.Context, req *datamodel.Envelope, res graphdb.Result, topics []string) error {
	header := req.Derive(g.sender, datamodel.ResourceQueryResult, req.Header.Method,
		append(append([]string{}, req.Header.Labels...), responseLabels...))
	header.Trigger = req.Header.Trigger

	for _, topic := range topics {
		if req.Body.ResultSplit {
			// One envelope per matched record, each independently
			// re-entering trigger evaluation. Zero records still publish a
			// single empty-result envelope so absence rules can fire.
			if len(res.Records) == 0 {
				if err := g.publishOne(ctx, topic, header, req, nil, res.Stats); err != nil {
					return err
				}
				continue
			}
			for i := range res.Records {
				if err := g.publishOne(ctx, topic, header, req,
					[]datamodel.QueryRecord{res.Records[i]}, nil); err != nil {
					return err
				}
			}
			continue
		}
		if err := g.publishOne(ctx, topic, header, req, res.Records, res.Stats); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) publishOne(ctx context.Context, topic string, header datamodel.Header,
	req *datamodel.Envelope, records []datamodel.QueryRecord, stats *datamodel.QueryStats) error {
	out := datamodel.Envelope{
		Header: header,
		Body: datamodel.Body{
			QueryName:  req.Body.QueryName,
			Cypher:     req.Body.Cypher,
			Parameters: req.Body.Parameters,
			Results:    records,
			Stats:      stats,
		},
	}
	// Each published result is its own event.
	out.Header.EventID = datamodel.NewEventID()
	if _, err := g.pub.Publish(ctx, topic, out); err != nil {
		zap.S().Errorf("Publishing result of %s to %s failed: %v", req.Header.EventID, topic, err)
		return err
	}
	resultsPublished.Inc()
	return nil
}
