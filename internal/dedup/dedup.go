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

// Package dedup is the compensating second line of defense behind the join
// barrier: duplicate job launches are not prevented, they are detected
// after the fact and resolved.
//
// Detection runs on every RUNNING status event: all RUNNING jobs sharing
// the (unit key, stage name, input fingerprint) triple are collected and
// everything after the first, by stable collection order, is redundant.
// Resolution kills the redundant job (best effort) and marks its graph
// record Duplicate; the graph record is the authoritative state, so a
// failed kill does not block the marking.
package dedup

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/jobrunner"
	"github.com/arbor-genomics/arbor/internal/trigger"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

var killsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "arbor_dedup_kills_total",
		Help: "The total number of duplicate-job kill requests by outcome",
	}, []string{"outcome"},
)

// Definitions returns the detection and marking rules.
//
// Detection publishes its results to both the kill topic (consumed by the
// job monitor) and the trigger inbox (where the marking rule fires).
// Marking is gated on the node not yet carrying the Duplicate label, so
// redelivery is idempotent.
func Definitions(queryTopic, triggerInbox, killTopic string) []trigger.Definition {
	return []trigger.Definition{
		{
			Name:                 "kill-duplicate-jobs",
			RequiredHeaderLabels: []string{"Update", "Job", "Node", "Database", "Result"},
			RequiredNodeLabels:   []string{"Job"},
			RequiredProperties:   []string{"sample", "name", "inputHash", "instanceName", "startTimeEpoch"},
			PropertyEquals:       map[string]any{"status": "RUNNING"},
			Query:                "running-duplicate-jobs",
			Method:               "VIEW",
			Parameters: map[string]string{
				"sample":    "node.sample",
				"name":      "node.name",
				"inputHash": "node.inputHash",
			},
			Labels:      []string{"Duplicate", "Jobs", "Running", "Cypher", "Query"},
			Topic:       queryTopic,
			PublishTo:   []string{killTopic, triggerInbox},
			ResultMode:  "data",
			ResultSplit: true,
		},
		{
			Name:                 "mark-job-duplicate",
			RequiredHeaderLabels: []string{"Duplicate", "Jobs", "Database", "Result"},
			RequiredNodeLabels:   []string{"Job"},
			ForbiddenNodeLabels:  []string{"Duplicate"},
			RequiredProperties:   []string{"instanceName"},
			Query:                "mark-job-duplicate",
			Method:               "UPDATE",
			Parameters: map[string]string{
				"instanceName": "node.instanceName",
			},
			Labels:     []string{"Mark", "Duplicate", "Job", "Cypher", "Query"},
			Topic:      queryTopic,
			ResultMode: "stats",
		},
	}
}

// Killer consumes duplicate-detection results on the kill topic and asks
// the execution collaborator to terminate the redundant jobs. Termination
// is best effort; kill failures are logged, never propagated, because the
// mark-duplicate mutation owns the authoritative state.
type Killer struct {
	runner jobrunner.Runner
	// issued memoizes kill requests per instance so redelivered detection
	// results do not re-issue kills.
	issued *gocache.Cache
}

func NewKiller(runner jobrunner.Runner) *Killer {
	return &Killer{
		runner: runner,
		issued: gocache.New(10*time.Minute, 30*time.Minute),
	}
}

// HandleEnvelope is the bus handler for the kill topic: terminate every
// redundant job carried in the envelope.
func (k *Killer) HandleEnvelope() bus.Handler {
	return func(ctx context.Context, env datamodel.Envelope) error {
		for i := range env.Body.Results {
			node := env.Body.Results[i].Node
			if node == nil || !node.HasLabels("Job") {
				continue
			}
			instanceName := node.PropertyString("instanceName")
			instanceID := node.PropertyString("instanceId")
			if instanceName == "" || instanceID == "" {
				zap.S().Warnf("Kill request without instance identity on event %s", env.Header.EventID)
				continue
			}
			if _, seen := k.issued.Get(instanceName); seen {
				killsTotal.WithLabelValues("memoized").Inc()
				continue
			}
			k.issued.SetDefault(instanceName, true)

			if err := k.runner.Kill(ctx, instanceID); err != nil {
				killsTotal.WithLabelValues("failed").Inc()
				zap.S().Warnf("Killing duplicate job %s (%s) failed: %v; record will still be marked",
					instanceName, instanceID, err)
				continue
			}
			killsTotal.WithLabelValues("ok").Inc()
			zap.S().Infof("Killed duplicate job %s (%s)", instanceName, instanceID)
		}
		return nil
	}
}
