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

// Package trigger implements the declarative rule catalog and its
// evaluation loop. Rules are data: one Definition struct, a loaded table of
// instances. A rule's predicate is a conjunction of independent checks over
// the incoming header and entity; rules never depend on each other within
// one evaluation pass.
package trigger

import (
	"strings"

	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

// Definition is one declarative rule. The predicate side is the Required*/
// Forbidden*/PropertyEquals fields; the action side names a registry query,
// its parameter bindings, and where the request and its results go.
type Definition struct {
	Name string `yaml:"name"`

	// Predicate.
	RequiredHeaderLabels []string       `yaml:"requiredHeaderLabels,omitempty"`
	RequiredNodeLabels   []string       `yaml:"requiredNodeLabels,omitempty"`
	ForbiddenNodeLabels  []string       `yaml:"forbiddenNodeLabels,omitempty"`
	RequiredProperties   []string       `yaml:"requiredProperties,omitempty"`
	PropertyEquals       map[string]any `yaml:"propertyEquals,omitempty"`
	// AllowMissingNode lets the rule match absence messages (empty results
	// published when a query matched nothing). Node-shape checks are
	// skipped for a nil node.
	AllowMissingNode bool `yaml:"allowMissingNode,omitempty"`
	// RespectRetryCeiling suppresses the rule once the incoming message's
	// retry count reaches the ceiling; used by self-requeueing rules.
	RespectRetryCeiling bool `yaml:"respectRetryCeiling,omitempty"`

	// Action.
	Query       string            `yaml:"query,omitempty"`  // registry query name
	Cypher      string            `yaml:"cypher,omitempty"` // raw text, business catalogs only
	Method      string            `yaml:"method,omitempty"`
	Parameters  map[string]string `yaml:"parameters,omitempty"` // param -> binding source
	Labels      []string          `yaml:"labels,omitempty"`     // outgoing header labels
	Topic       string            `yaml:"topic"`                // where the request is published
	PublishTo   []string          `yaml:"publishTo,omitempty"`  // where its results go
	ResultMode  string            `yaml:"resultMode,omitempty"`
	ResultSplit bool              `yaml:"resultSplit,omitempty"`
}

// Activation is a successful predicate match with its bound parameters,
// ready to be turned into an outgoing envelope.
type Activation struct {
	Definition *Definition
	Parameters map[string]any
	Node       *datamodel.Node
}

// Matches is the pure predicate: a conjunction of independent checks, any
// failing check short-circuits this rule only.
func (d *Definition) Matches(header *datamodel.Header, node *datamodel.Node, retryCeiling int) bool {
	if !header.HasHeaderLabels(d.RequiredHeaderLabels...) {
		return false
	}
	if d.RespectRetryCeiling && header.RetryCount >= retryCeiling {
		return false
	}
	if node == nil {
		return d.AllowMissingNode
	}
	if !node.HasLabels(d.RequiredNodeLabels...) {
		return false
	}
	for _, l := range d.ForbiddenNodeLabels {
		if node.HasLabels(l) {
			return false
		}
	}
	for _, p := range d.RequiredProperties {
		if _, ok := node.Property(p); !ok {
			return false
		}
	}
	for k, want := range d.PropertyEquals {
		got, ok := node.Property(k)
		if !ok || !looseEq(got, want) {
			return false
		}
	}
	return true
}

// Bind materializes the action parameters from the matched entity and
// header. Binding only happens after the predicate passed. Sources:
// "node.<property>", "header.seedId", "header.eventId"; anything else is a
// literal.
func (d *Definition) Bind(env *datamodel.Envelope, node *datamodel.Node) map[string]any {
	params := make(map[string]any, len(d.Parameters))
	for name, src := range d.Parameters {
		switch {
		case strings.HasPrefix(src, "node."):
			if v, ok := node.Property(strings.TrimPrefix(src, "node.")); ok {
				params[name] = v
			}
		case src == "header.seedId":
			params[name] = env.SeedID()
		case src == "header.eventId":
			params[name] = env.Header.EventID
		case src == "header.sentFrom":
			params[name] = env.Header.SentFrom
		default:
			params[name] = src
		}
	}
	return params
}

// Compose turns the activation into the outgoing request envelope,
// preserving the seed id and pointing previousEventId at the source event.
func (a *Activation) Compose(sender string, source *datamodel.Envelope) (string, datamodel.Envelope) {
	header := source.Derive(sender, datamodel.ResourceQuery, a.Definition.Method,
		append([]string{}, a.Definition.Labels...), a.Definition.PublishTo...)
	header.Trigger = a.Definition.Name
	return a.Definition.Topic, datamodel.Envelope{
		Header: header,
		Body: datamodel.Body{
			QueryName:   a.Definition.Query,
			Cypher:      a.Definition.Cypher,
			Parameters:  a.Parameters,
			ResultMode:  a.Definition.ResultMode,
			ResultSplit: a.Definition.ResultSplit,
		},
	}
}

// looseEq compares property values across the int/float boundary JSON
// decoding introduces.
func looseEq(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
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
