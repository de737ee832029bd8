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

package datamodel

// Node is a labeled, property-bearing record materialized from the graph
// store. There is no fixed schema; an entity can carry several labels at
// once (a blob can be Blob, Fastq and FromVendor simultaneously) and the
// label set only grows as the pipeline advances.
type Node struct {
	ID         string         `json:"id,omitempty"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Relationship is a typed directed edge between two nodes.
type Relationship struct {
	Type       string         `json:"type"`
	StartNode  *Node          `json:"start_node,omitempty"`
	EndNode    *Node          `json:"end_node,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// QueryRecord is one row of a data-mode query result.
type QueryRecord struct {
	Node         *Node         `json:"node,omitempty"`
	Relationship *Relationship `json:"relationship,omitempty"`
}

// QueryStats are the mutation counters of a stats-mode query.
type QueryStats struct {
	NodesCreated         int `json:"nodes_created"`
	NodesDeleted         int `json:"nodes_deleted"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsDeleted int `json:"relationships_deleted"`
	PropertiesSet        int `json:"properties_set"`
	LabelsAdded          int `json:"labels_added"`
}

// HasLabels reports whether the node carries every wanted label.
func (n *Node) HasLabels(wanted ...string) bool {
	if n == nil {
		return false
	}
	for _, w := range wanted {
		found := false
		for _, l := range n.Labels {
			if l == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Property returns a raw property value.
func (n *Node) Property(key string) (any, bool) {
	if n == nil || n.Properties == nil {
		return nil, false
	}
	v, ok := n.Properties[key]
	return v, ok
}

// PropertyString returns a property coerced to string, or "" if absent or
// not a string.
func (n *Node) PropertyString(key string) string {
	v, ok := n.Property(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// PropertyInt returns an integer property. JSON numbers decode as float64,
// so both representations are accepted.
func (n *Node) PropertyInt(key string) (int, bool) {
	v, ok := n.Property(key)
	if !ok {
		return 0, false
	}
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

// PropertyFloat returns a numeric property as float64.
func (n *Node) PropertyFloat(key string) (float64, bool) {
	v, ok := n.Property(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// AddLabel appends a label if not already present.
func (n *Node) AddLabel(label string) {
	if n.HasLabels(label) {
		return
	}
	n.Labels = append(n.Labels, label)
}
