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
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal"
	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/internal/jobrunner"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

var launchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "arbor_job_launches_total",
		Help: "The total number of job launch attempts by outcome",
	}, []string{"outcome"},
)

// Launcher submits job specs to the execution backend and records the
// resulting Job node in the graph. The node creation is published to the
// trigger inbox so lineage and dedup rules observe every launch.
type Launcher struct {
	runner         jobrunner.Runner
	pub            bus.Publisher
	sender         string
	topicDbQuery   string
	topicTriggers  string
	topicJobStatus string
}

func (l *Launcher) HandleEnvelope() bus.Handler {
	return func(ctx context.Context, env datamodel.Envelope) error {
		if env.Header.Resource != datamodel.ResourceCommand || env.Body.Job == nil {
			zap.S().Warnf("Event %s is not a launch command; discarding", env.Header.EventID)
			return nil
		}
		return l.Launch(ctx, &env)
	}
}

// Launch submits the job, then publishes the create-job-node query and the
// first status probe. The probe carries the instance name so the monitor
// can update the node without a lookup round-trip.
func (l *Launcher) Launch(ctx context.Context, env *datamodel.Envelope) error {
	spec := *env.Body.Job
	inputHash := internal.FingerprintInputs(spec.Inputs)

	id, err := l.runner.Launch(ctx, spec)
	if err != nil {
		launchesTotal.WithLabelValues("failed").Inc()
		zap.S().Errorf("Launching %s failed: %v", spec.Name, err)
		return err
	}
	instanceName := fmt.Sprintf("%s-%s", spec.Name, id)
	launchesTotal.WithLabelValues("launched").Inc()
	zap.S().Infof("Launched %s as %s (seed %s)", spec.Name, instanceName, env.SeedID())

	now := time.Now().UTC()
	create := datamodel.Envelope{
		Header: env.Derive(l.sender, datamodel.ResourceQuery, datamodel.MethodPost,
			[]string{"Create", "Job", "Node"}, l.topicTriggers),
		Body: datamodel.Body{
			QueryName: "create-job-node",
			Parameters: map[string]any{
				"sample":         sampleOf(env),
				"name":           spec.Name,
				"inputHash":      inputHash,
				"instanceName":   instanceName,
				"instanceId":     id,
				"image":          spec.Image,
				"command":        spec.Command,
				"status":         jobrunner.StatusSubmitted,
				"startTime":      now.Format(time.RFC3339),
				"startTimeEpoch": now.UnixMilli(),
			},
			ResultMode:  datamodel.ResultModeData,
			ResultSplit: true,
		},
	}
	if _, err := l.pub.Publish(ctx, l.topicDbQuery, create); err != nil {
		return err
	}

	// Provenance: one WAS_USED_BY edge per object-storage input. Inputs
	// that are not object URLs (literals, counts) carry no provenance.
	for _, url := range spec.Inputs {
		bucket, path, ok := splitObjectURL(url)
		if !ok {
			continue
		}
		relate := datamodel.Envelope{
			Header: env.Derive(l.sender, datamodel.ResourceQuery, datamodel.MethodPost,
				[]string{"Relate", "Input", "Job"}),
			Body: datamodel.Body{
				QueryName: "relate-input-to-job",
				Parameters: map[string]any{
					"instanceName": instanceName,
					"bucket":       bucket,
					"path":         path,
				},
				ResultMode: datamodel.ResultModeStats,
			},
		}
		if _, err := l.pub.Publish(ctx, l.topicDbQuery, relate); err != nil {
			return err
		}
	}

	probe := datamodel.Envelope{
		Header: env.Derive(l.sender, datamodel.ResourceCommand, "",
			[]string{"Check", "Job", "Status"}),
		Body: datamodel.Body{
			JobID: id,
			Parameters: map[string]any{
				"instanceName": instanceName,
			},
		},
	}
	// A probe chain starts fresh; launch retries must not eat into the
	// monitor's probe budget.
	probe.Header.RetryCount = 0
	_, err = l.pub.Publish(ctx, l.topicJobStatus, probe)
	return err
}

// splitObjectURL splits "gs://bucket/path/to/object" into its bucket and
// path. Any scheme is accepted; only the shape matters here.
func splitObjectURL(url string) (bucket, path string, ok bool) {
	i := strings.Index(url, "://")
	if i < 0 {
		return "", "", false
	}
	rest := url[i+3:]
	j := strings.IndexByte(rest, '/')
	if j <= 0 || j == len(rest)-1 {
		return "", "", false
	}
	return rest[:j], rest[j+1:], true
}

// sampleOf pulls the unit key out of the launch request, tolerating both a
// top-level parameter and a job input binding.
func sampleOf(env *datamodel.Envelope) string {
	if s, ok := env.Body.Parameters["sample"].(string); ok && s != "" {
		return s
	}
	if env.Body.Job != nil {
		if s, ok := env.Body.Job.Inputs["sample"]; ok {
			return s
		}
	}
	return ""
}
