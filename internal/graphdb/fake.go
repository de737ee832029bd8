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

package graphdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

// Fake is an in-memory Executor implementing the semantics of the registry
// queries over a small property graph. It backs the engine tests and the
// single-binary development mode; per-statement atomicity holds trivially
// under its mutex, so tests exercising the race paths inject behavior via
// Script instead.
type Fake struct {
	mu      sync.Mutex
	nodes   []*datamodel.Node
	edges   []fakeEdge
	nextID  int
	scripts map[string]func(params map[string]any) (Result, error)
	errs    []error
}

type fakeEdge struct {
	relType string
	from    *datamodel.Node
	to      *datamodel.Node
}

func NewFake() *Fake {
	return &Fake{scripts: make(map[string]func(params map[string]any) (Result, error))}
}

// Script overrides one named query with a canned behavior.
func (f *Fake) Script(queryName string, fn func(params map[string]any) (Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[queryName] = fn
}

// FailNext queues errors returned by the next Execute calls, ahead of any
// query evaluation. Used to exercise the requeue path.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

// Seed inserts a node directly.
func (f *Fake) Seed(labels []string, props map[string]any) *datamodel.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addNode(labels, props)
}

// Nodes returns all nodes carrying the label.
func (f *Fake) Nodes(label string) []*datamodel.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*datamodel.Node
	for _, n := range f.nodes {
		if n.HasLabels(label) {
			out = append(out, n)
		}
	}
	return out
}

// Edges returns all edges of the given type.
func (f *Fake) Edges(relType string) []datamodel.Relationship {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []datamodel.Relationship
	for _, e := range f.edges {
		if e.relType == relType {
			out = append(out, datamodel.Relationship{Type: e.relType, StartNode: e.from, EndNode: e.to})
		}
	}
	return out
}

func (f *Fake) Execute(_ context.Context, req Request) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return Result{}, err
	}
	if fn, ok := f.scripts[req.QueryName]; ok {
		return fn(req.Parameters)
	}

	nodes, stats, err := f.run(req)
	if err != nil {
		return Result{}, err
	}
	var res Result
	switch req.ResultMode {
	case datamodel.ResultModeData:
		for _, n := range nodes {
			res.Records = append(res.Records, datamodel.QueryRecord{Node: copyNode(n)})
		}
	case datamodel.ResultModeStats:
		res.Stats = stats
	}
	return res, nil
}

func (f *Fake) run(req Request) ([]*datamodel.Node, *datamodel.QueryStats, error) {
	p := req.Parameters
	stats := &datamodel.QueryStats{}

	switch req.QueryName {
	case "merge-blob-node":
		n := f.findOne("Blob", map[string]any{"bucket": p["bucket"], "path": p["path"]})
		if n == nil {
			n = f.addNode([]string{"Blob"}, map[string]any{"bucket": p["bucket"], "path": p["path"]})
			stats.NodesCreated++
		}
		for _, k := range []string{"size", "crc32c", "sample", "timeCreatedEpoch"} {
			n.Properties[k] = p[k]
			stats.PropertiesSet++
		}
		return []*datamodel.Node{n}, stats, nil

	case "merge-set-manifest":
		m := f.findOne("Manifest", map[string]any{"sample": p["sample"], "partLabel": p["partLabel"]})
		if m == nil {
			// Declared count is write-once: a redelivered manifest cannot
			// change it.
			m = f.addNode([]string{"Manifest"}, map[string]any{
				"sample": p["sample"], "partLabel": p["partLabel"], "setSize": p["setSize"],
			})
			stats.NodesCreated++
			stats.PropertiesSet += 3
		}
		return []*datamodel.Node{m}, stats, nil

	case "stamp-set-size":
		m := f.findOne("Manifest", map[string]any{"sample": p["sample"], "partLabel": p["partLabel"]})
		if m == nil {
			return nil, stats, nil
		}
		declared, _ := m.PropertyInt("setSize")
		parts := f.find(str(p["partLabel"]), map[string]any{"sample": p["sample"]})
		for _, part := range parts {
			if _, ok := part.Properties["setSize"]; !ok {
				part.Properties["setSize"] = declared
				stats.PropertiesSet++
			}
		}
		return parts, stats, nil

	case "probe-set-complete":
		parts := f.find(str(p["partLabel"]), map[string]any{"sample": p["sample"]})
		setSize := 0
		for _, part := range parts {
			if v, ok := part.PropertyInt("setSize"); ok && v > setSize {
				setSize = v
			}
		}
		if len(parts) == 0 || len(parts) != setSize {
			return nil, stats, nil
		}
		if f.findOne("JobRequest", map[string]any{"sample": p["sample"], "name": p["jobName"]}) != nil {
			return nil, stats, nil
		}
		r := f.addNode([]string{"JobRequest"},
			map[string]any{"sample": p["sample"], "name": p["jobName"], "setSize": setSize})
		stats.NodesCreated++
		return []*datamodel.Node{r}, stats, nil

	case "create-job-node":
		props := map[string]any{}
		for _, k := range []string{"sample", "name", "inputHash", "instanceName", "instanceId",
			"image", "command", "status", "startTime", "startTimeEpoch"} {
			props[k] = p[k]
		}
		j := f.addNode([]string{"Job"}, props)
		stats.NodesCreated++
		return []*datamodel.Node{j}, stats, nil

	case "update-job-status":
		j := f.findOne("Job", map[string]any{"instanceName": p["instanceName"]})
		if j == nil {
			return nil, stats, nil
		}
		j.Properties["status"] = p["status"]
		stats.PropertiesSet++
		if s := str(p["stopTime"]); s != "" {
			j.Properties["stopTime"] = s
			stats.PropertiesSet++
		}
		if v, ok := toInt(p["stopTimeEpoch"]); ok && v != 0 {
			j.Properties["stopTimeEpoch"] = v
			stats.PropertiesSet++
		}
		return []*datamodel.Node{j}, stats, nil

	case "running-duplicate-jobs":
		jobs := f.find("Job", map[string]any{
			"sample": p["sample"], "name": p["name"],
			"inputHash": p["inputHash"], "status": "RUNNING",
		})
		if len(jobs) <= 1 {
			return nil, stats, nil
		}
		return jobs[1:], stats, nil

	case "mark-job-duplicate":
		j := f.findOne("Job", map[string]any{"instanceName": p["instanceName"]})
		if j == nil || j.HasLabels("Duplicate") {
			return nil, stats, nil
		}
		j.AddLabel("Duplicate")
		j.Properties["duplicate"] = true
		stats.LabelsAdded++
		stats.PropertiesSet++
		return []*datamodel.Node{j}, stats, nil

	case "relate-attempt-to-previous":
		cur := f.findOne("Attempt", map[string]any{"instanceName": p["instanceName"]})
		if cur == nil {
			return nil, stats, nil
		}
		curEpoch, _ := cur.PropertyInt("startTimeEpoch")
		sel := map[string]any{"workflowId": p["workflowId"], "stepAlias": p["stepAlias"]}
		if prev := f.latestBefore("Attempt", sel, curEpoch, cur); prev != nil {
			if f.mergeEdge("AFTER", cur, prev) {
				stats.RelationshipsCreated++
			}
		}
		if next := f.earliestAfter("Attempt", sel, curEpoch, cur); next != nil {
			if f.mergeEdge("AFTER", next, cur) {
				stats.RelationshipsCreated++
			}
		}
		return []*datamodel.Node{cur}, stats, nil

	case "relate-step-to-previous":
		cur := f.findOne("Step", map[string]any{"workflowId": p["workflowId"], "stepAlias": p["stepAlias"]})
		if cur == nil {
			return nil, stats, nil
		}
		curEpoch, _ := cur.PropertyInt("startTimeEpoch")
		sel := map[string]any{"workflowId": p["workflowId"]}
		if prev := f.latestBefore("Step", sel, curEpoch, cur); prev != nil {
			if f.mergeEdge("LEADS_TO", prev, cur) {
				stats.RelationshipsCreated++
			}
		}
		if next := f.earliestAfter("Step", sel, curEpoch, cur); next != nil {
			if f.mergeEdge("LEADS_TO", cur, next) {
				stats.RelationshipsCreated++
			}
		}
		return []*datamodel.Node{cur}, stats, nil

	case "swap-current-attempt":
		step := f.findOne("Step", map[string]any{"workflowId": p["workflowId"], "stepAlias": p["stepAlias"]})
		attempts := f.find("Attempt", map[string]any{"workflowId": p["workflowId"], "stepAlias": p["stepAlias"]})
		if step == nil || len(attempts) == 0 {
			return nil, stats, nil
		}
		var newest *datamodel.Node
		newestEpoch := -1
		for _, a := range attempts {
			if e, ok := a.PropertyInt("startTimeEpoch"); ok && e > newestEpoch {
				newestEpoch = e
				newest = a
			}
		}
		kept := f.edges[:0]
		for _, e := range f.edges {
			if e.relType == "GENERATED_ATTEMPT" && e.from == step && e.to != newest {
				stats.RelationshipsDeleted++
				continue
			}
			kept = append(kept, e)
		}
		f.edges = kept
		if f.mergeEdge("GENERATED_ATTEMPT", step, newest) {
			stats.RelationshipsCreated++
		}
		return []*datamodel.Node{newest}, stats, nil

	case "relate-output-to-job", "relate-input-to-job":
		j := f.findOne("Job", map[string]any{"instanceName": p["instanceName"]})
		b := f.findOne("Blob", map[string]any{"bucket": p["bucket"], "path": p["path"]})
		if j == nil || b == nil {
			return nil, stats, nil
		}
		if req.QueryName == "relate-output-to-job" {
			if f.mergeEdge("GENERATED", j, b) {
				stats.RelationshipsCreated++
			}
		} else if f.mergeEdge("WAS_USED_BY", b, j) {
			stats.RelationshipsCreated++
		}
		return []*datamodel.Node{b}, stats, nil
	}

	return nil, nil, &QueryError{Query: req.QueryName, Err: fmt.Errorf("%w (fake)", ErrUnknownQuery)}
}

func (f *Fake) addNode(labels []string, props map[string]any) *datamodel.Node {
	if props == nil {
		props = map[string]any{}
	}
	f.nextID++
	n := &datamodel.Node{
		ID:         fmt.Sprintf("n%d", f.nextID),
		Labels:     append([]string{}, labels...),
		Properties: props,
	}
	f.nodes = append(f.nodes, n)
	return n
}

func (f *Fake) find(label string, props map[string]any) []*datamodel.Node {
	var out []*datamodel.Node
	for _, n := range f.nodes {
		if label != "" && !n.HasLabels(label) {
			continue
		}
		match := true
		for k, v := range props {
			if !propEq(n.Properties[k], v) {
				match = false
				break
			}
		}
		if match {
			out = append(out, n)
		}
	}
	return out
}

func (f *Fake) findOne(label string, props map[string]any) *datamodel.Node {
	ns := f.find(label, props)
	if len(ns) == 0 {
		return nil
	}
	return ns[0]
}

// latestBefore selects the candidate with the maximum startTimeEpoch among
// those strictly earlier than epoch, excluding self.
func (f *Fake) latestBefore(label string, props map[string]any, epoch int, self *datamodel.Node) *datamodel.Node {
	var best *datamodel.Node
	bestEpoch := -1
	for _, n := range f.find(label, props) {
		if n == self {
			continue
		}
		e, ok := n.PropertyInt("startTimeEpoch")
		if !ok || e >= epoch {
			continue
		}
		if e > bestEpoch {
			bestEpoch = e
			best = n
		}
	}
	return best
}

// earliestAfter is the forward counterpart of latestBefore: minimum
// startTimeEpoch among those strictly later than epoch, excluding self.
func (f *Fake) earliestAfter(label string, props map[string]any, epoch int, self *datamodel.Node) *datamodel.Node {
	var best *datamodel.Node
	bestEpoch := -1
	for _, n := range f.find(label, props) {
		if n == self {
			continue
		}
		e, ok := n.PropertyInt("startTimeEpoch")
		if !ok || e <= epoch {
			continue
		}
		if bestEpoch == -1 || e < bestEpoch {
			bestEpoch = e
			best = n
		}
	}
	return best
}

func (f *Fake) mergeEdge(relType string, from, to *datamodel.Node) bool {
	for _, e := range f.edges {
		if e.relType == relType && e.from == from && e.to == to {
			return false
		}
	}
	f.edges = append(f.edges, fakeEdge{relType: relType, from: from, to: to})
	return true
}

func copyNode(n *datamodel.Node) *datamodel.Node {
	props := make(map[string]any, len(n.Properties))
	for k, v := range n.Properties {
		props[k] = v
	}
	return &datamodel.Node{ID: n.ID, Labels: append([]string{}, n.Labels...), Properties: props}
}

func propEq(a, b any) bool {
	if ai, ok := toInt(a); ok {
		if bi, ok2 := toInt(b); ok2 {
			return ai == bi
		}
	}
	return a == b
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
