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
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

// Stage is one entry of the launch table: everything needed to turn a
// completion marker into a job spec. Input and output templates may
// reference properties of the marker node as ${property}.
type Stage struct {
	Name        string            `yaml:"name"`
	Image       string            `yaml:"image"`
	Command     string            `yaml:"command"`
	MachineType string            `yaml:"machineType,omitempty"`
	DiskSizeGb  int               `yaml:"diskSizeGb,omitempty"`
	Inputs      map[string]string `yaml:"inputs,omitempty"`
	Outputs     map[string]string `yaml:"outputs,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
}

type stageDoc struct {
	Stages []Stage `yaml:"stages"`
}

// LoadStages reads the stage table. Stage names must be unique; they are
// the join key against JobRequest markers.
func LoadStages(path string) (map[string]Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stage table %s: %w", path, err)
	}
	var doc stageDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing stage table %s: %w", path, err)
	}
	stages := make(map[string]Stage, len(doc.Stages))
	for _, s := range doc.Stages {
		if s.Name == "" || s.Image == "" {
			return nil, fmt.Errorf("stage table entry without name or image")
		}
		if _, dup := stages[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.Name)
		}
		stages[s.Name] = s
	}
	return stages, nil
}

// Planner watches the trigger inbox for completion markers (JobRequest
// nodes created by a winning join probe) and converts them into launch
// commands using the stage table. Markers for unknown stages are left
// alone; another deployment may own them.
type Planner struct {
	stages         map[string]Stage
	pub            bus.Publisher
	sender         string
	topicJobLaunch string
}

func NewPlanner(stages map[string]Stage, pub bus.Publisher, sender, topicJobLaunch string) *Planner {
	return &Planner{stages: stages, pub: pub, sender: sender, topicJobLaunch: topicJobLaunch}
}

func (p *Planner) HandleEnvelope() bus.Handler {
	return func(ctx context.Context, env datamodel.Envelope) error {
		if !env.Header.HasHeaderLabels("Create", "JobRequest", "Node", "Database", "Result") {
			return nil
		}
		node := env.FirstNode()
		if node == nil || !node.HasLabels("JobRequest") {
			return nil
		}
		stage, ok := p.stages[node.PropertyString("name")]
		if !ok {
			zap.S().Debugf("No stage table entry for job request %q", node.PropertyString("name"))
			return nil
		}
		return p.Plan(ctx, &env, node, stage)
	}
}

// Plan materializes the stage template against the marker node and
// publishes the launch command.
func (p *Planner) Plan(ctx context.Context, env *datamodel.Envelope, node *datamodel.Node, stage Stage) error {
	spec := datamodel.JobSpec{
		Name:        stage.Name,
		Image:       stage.Image,
		Command:     expand(stage.Command, node),
		MachineType: stage.MachineType,
		DiskSizeGb:  stage.DiskSizeGb,
		Inputs:      expandAll(stage.Inputs, node),
		Outputs:     expandAll(stage.Outputs, node),
		Env:         expandAll(stage.Env, node),
	}
	launch := datamodel.Envelope{
		Header: env.Derive(p.sender, datamodel.ResourceCommand, "",
			[]string{"Launch", "Job", "Request"}),
		Body: datamodel.Body{
			Job: &spec,
			Parameters: map[string]any{
				"sample": node.PropertyString("sample"),
			},
		},
	}
	if _, err := p.pub.Publish(ctx, p.topicJobLaunch, launch); err != nil {
		return err
	}
	zap.S().Infof("Planned launch of %s for sample %s (seed %s)",
		stage.Name, node.PropertyString("sample"), env.SeedID())
	return nil
}

// expand substitutes ${property} references with marker node properties.
// Unknown references expand to the empty string, same as os.Expand.
func expand(template string, node *datamodel.Node) string {
	return os.Expand(template, func(key string) string {
		return node.PropertyString(key)
	})
}

func expandAll(templates map[string]string, node *datamodel.Node) map[string]string {
	if len(templates) == 0 {
		return nil
	}
	out := make(map[string]string, len(templates))
	for k, v := range templates {
		out[k] = expand(v, node)
	}
	return out
}
