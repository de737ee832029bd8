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

// Package join implements fan-in completion detection as a lock-free,
// idempotent barrier. A multi-part input arrives as K independent,
// unordered, possibly duplicated events; exactly one downstream launch
// request must be created once all K parts are visible.
//
// The declared part count comes from a per-sample set manifest node that
// the ingestion edge registers alongside the parts (merge-set-manifest,
// write-once). The barrier is three catalog rules per part type, not a
// lock:
//
//  1. the manifest's create result stamps the declared setSize onto every
//     part registered so far (write-once per part);
//  2. each part's create result re-runs the same stamp, covering parts
//     registered after the manifest — registration order is arbitrary. A
//     part arriving before any manifest stamps nothing, so it can never
//     declare a one-element set;
//  3. every stamped part re-probes "collect parts, compare count against
//     setSize, guarded-create the launch request". Losing probes return
//     zero rows and the controller simply fires nothing for them.
//
// Correctness rests on the store's guarded-create atomicity, not on any
// probe knowing it is the Kth arrival. Under weak isolation two probes can
// both win; duplicate suppression compensates for that downstream.
package join

import "github.com/arbor-genomics/arbor/internal/trigger"

// Barrier declares one fan-in point: parts labeled PartLabel grouped by
// their sample key, completing into a launch request for JobName.
type Barrier struct {
	PartLabel string
	JobName   string
}

// Definitions returns the three catalog rules of the barrier. queryTopic is
// the gateway inbox; triggerInbox is where query results re-enter
// evaluation.
func Definitions(b Barrier, queryTopic, triggerInbox string) []trigger.Definition {
	return []trigger.Definition{
		{
			Name:                 "stamp-set-size-" + b.PartLabel + "-manifest",
			RequiredHeaderLabels: []string{"Create", "Node", "Database", "Result"},
			RequiredNodeLabels:   []string{"Manifest"},
			RequiredProperties:   []string{"sample"},
			PropertyEquals:       map[string]any{"partLabel": b.PartLabel},
			Query:                "stamp-set-size",
			Method:               "UPDATE",
			Parameters: map[string]string{
				"sample":    "node.sample",
				"partLabel": b.PartLabel,
			},
			Labels:      []string{"Cypher", "Query", "SetSize", b.PartLabel},
			Topic:       queryTopic,
			PublishTo:   []string{triggerInbox},
			ResultMode:  "data",
			ResultSplit: true,
		},
		{
			Name:                 "stamp-set-size-" + b.PartLabel,
			RequiredHeaderLabels: []string{"Create", "Node", "Database", "Result"},
			RequiredNodeLabels:   []string{b.PartLabel},
			RequiredProperties:   []string{"sample"},
			Query:                "stamp-set-size",
			Method:               "UPDATE",
			Parameters: map[string]string{
				"sample":    "node.sample",
				"partLabel": b.PartLabel,
			},
			Labels:      []string{"Cypher", "Query", "SetSize", b.PartLabel},
			Topic:       queryTopic,
			PublishTo:   []string{triggerInbox},
			ResultMode:  "data",
			ResultSplit: true,
		},
		{
			Name:                 "probe-set-complete-" + b.PartLabel,
			RequiredHeaderLabels: []string{"SetSize", "Database", "Result"},
			RequiredNodeLabels:   []string{b.PartLabel},
			RequiredProperties:   []string{"sample", "setSize"},
			Query:                "probe-set-complete",
			Method:               "POST",
			Parameters: map[string]string{
				"sample":    "node.sample",
				"partLabel": b.PartLabel,
				"jobName":   b.JobName,
			},
			Labels:      []string{"Cypher", "Query", "Create", "JobRequest", "Node"},
			Topic:       queryTopic,
			PublishTo:   []string{triggerInbox},
			ResultMode:  "data",
			ResultSplit: true,
		},
	}
}
