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

// Package lineage keeps the head pointers of a workflow run's execution
// history correct as out-of-order events arrive: the chain of steps within
// one run, and the chain of attempts within one step.
//
// Neighbor selection is always by timestamp comparison, never by insertion
// order, because delivery order is not creation order. Each relate query
// repairs the chain in both directions around the new node: it links to the
// latest earlier-timestamped sibling and links the earliest later sibling
// back, so the chain closes even when the newer node was durably written
// first. The current-attempt pointer moves in a single statement that
// creates the new edge and deletes the stale one, so exactly one current
// edge exists at any time.
package lineage

import "github.com/arbor-genomics/arbor/internal/trigger"

// Definitions returns the chain-maintenance rules. All three fire on node
// creation results and self-requeue through the trigger inbox until their
// MATCH becomes satisfiable, bounded by the retry ceiling.
func Definitions(queryTopic, triggerInbox string) []trigger.Definition {
	return []trigger.Definition{
		{
			Name:                 "relate-attempt-to-previous",
			RequiredHeaderLabels: []string{"Create", "Attempt", "Node", "Database", "Result"},
			RequiredNodeLabels:   []string{"Attempt"},
			RequiredProperties:   []string{"workflowId", "stepAlias", "instanceName", "startTimeEpoch"},
			RespectRetryCeiling:  true,
			Query:                "relate-attempt-to-previous",
			Method:               "POST",
			Parameters: map[string]string{
				"workflowId":   "node.workflowId",
				"stepAlias":    "node.stepAlias",
				"instanceName": "node.instanceName",
			},
			Labels:      []string{"Create", "Relationship", "Attempt", "PreviousAttempt", "Cypher", "Query"},
			Topic:       queryTopic,
			PublishTo:   []string{triggerInbox},
			ResultMode:  "data",
			ResultSplit: true,
		},
		{
			Name:                 "swap-current-attempt",
			RequiredHeaderLabels: []string{"Create", "Attempt", "Node", "Database", "Result"},
			RequiredNodeLabels:   []string{"Attempt"},
			RequiredProperties:   []string{"workflowId", "stepAlias", "startTimeEpoch"},
			RespectRetryCeiling:  true,
			Query:                "swap-current-attempt",
			Method:               "UPDATE",
			Parameters: map[string]string{
				"workflowId": "node.workflowId",
				"stepAlias":  "node.stepAlias",
			},
			Labels:      []string{"Create", "Relationship", "Step", "CurrentAttempt", "Cypher", "Query"},
			Topic:       queryTopic,
			PublishTo:   []string{triggerInbox},
			ResultMode:  "data",
			ResultSplit: true,
		},
		{
			Name:                 "relate-step-to-previous",
			RequiredHeaderLabels: []string{"Create", "Step", "Node", "Database", "Result"},
			RequiredNodeLabels:   []string{"Step"},
			RequiredProperties:   []string{"workflowId", "stepAlias", "startTimeEpoch"},
			RespectRetryCeiling:  true,
			Query:                "relate-step-to-previous",
			Method:               "POST",
			Parameters: map[string]string{
				"workflowId": "node.workflowId",
				"stepAlias":  "node.stepAlias",
			},
			Labels:      []string{"Create", "Relationship", "Step", "PreviousStep", "Cypher", "Query"},
			Topic:       queryTopic,
			PublishTo:   []string{triggerInbox},
			ResultMode:  "data",
			ResultSplit: true,
		},
	}
}
