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

// Package datamodel holds the wire contract shared by every arbor service.
// Every hop on the bus exchanges Envelopes; the header carries the causal
// chain (seedId / previousEventId) and the body carries the action payload.
package datamodel

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Resource types carried in the envelope header.
const (
	ResourceQuery       = "query"
	ResourceQueryResult = "queryResult"
	ResourceCommand     = "command"
	ResourceImport      = "importRequest"
)

// Methods describe the intent of a request against the graph store.
const (
	MethodPost   = "POST"   // create entities/relationships
	MethodUpdate = "UPDATE" // mutate existing entities
	MethodView   = "VIEW"   // read only
)

// Result modes for query requests.
const (
	ResultModeDiscard = ""      // run, return nothing
	ResultModeStats   = "stats" // return mutation statistics only
	ResultModeData    = "data"  // return matched entities/relationships
)

// StringList unmarshals either a single JSON string or a list of strings.
// Older producers publish "publishTo" as a bare string.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = list
	return nil
}

// Header identifies a message and its causal chain.
//
// seedId is the identifier of the event that started the chain and is never
// changed once set. previousEventId is the identifier of the immediate
// predecessor. retry-count only ever increases.
type Header struct {
	EventID         string     `json:"eventId"`
	Resource        string     `json:"resource"`
	Method          string     `json:"method,omitempty"`
	Labels          []string   `json:"labels"`
	SentFrom        string     `json:"sentFrom"`
	Trigger         string     `json:"trigger,omitempty"`
	PublishTo       StringList `json:"publishTo,omitempty"`
	SeedID          string     `json:"seedId,omitempty"`
	PreviousEventID string     `json:"previousEventId,omitempty"`
	RetryCount      int        `json:"retry-count,omitempty"`
}

// Body carries the action payload. Which fields are populated depends on the
// resource type: queries carry queryName/parameters, commands carry a job
// spec or a job id, responses carry results.
type Body struct {
	QueryName   string         `json:"queryName,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Cypher      string         `json:"cypher,omitempty"`
	ResultMode  string         `json:"result-mode,omitempty"`
	ResultSplit bool           `json:"result-split,omitempty"`
	Results     []QueryRecord  `json:"results,omitempty"`
	Stats       *QueryStats    `json:"stats,omitempty"`

	// Command payloads.
	Job   *JobSpec `json:"job,omitempty"`
	JobID string   `json:"jobId,omitempty"`

	// Import payloads for the tabular sink.
	Table string           `json:"table,omitempty"`
	Rows  []map[string]any `json:"rows,omitempty"`
}

// Envelope is the unit every topic carries.
type Envelope struct {
	Header Header `json:"header"`
	Body   Body   `json:"body"`
}

// JobSpec describes a command for the batch execution collaborator.
type JobSpec struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Command     string            `json:"command"`
	MachineType string            `json:"machineType,omitempty"`
	DiskSizeGb  int               `json:"diskSizeGb,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

var ErrMissingHeader = errors.New("envelope header is incomplete")

// NewEventID returns a fresh event identifier. Identifiers are assigned by
// the publisher, mirroring what the message bus would stamp on delivery.
func NewEventID() string {
	return uuid.NewString()
}

// Marshal encodes the envelope for the bus.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a bus payload.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Header.Resource == "" {
		return Envelope{}, fmt.Errorf("%w: no resource", ErrMissingHeader)
	}
	return e, nil
}

// SeedID returns the chain seed. Messages published by ingestion points
// (CRON jobs, storage notifications) carry no seedId; their own event id
// seeds the chain.
func (e *Envelope) SeedID() string {
	if e.Header.SeedID != "" {
		return e.Header.SeedID
	}
	return e.Header.EventID
}

// Derive builds the header for a message caused by e. The seed id is
// preserved unchanged, previousEventId points at e, and the new message gets
// a fresh event id. The caller owns every other field.
func (e *Envelope) Derive(sender, resource, method string, labels []string, publishTo ...string) Header {
	return Header{
		EventID:         NewEventID(),
		Resource:        resource,
		Method:          method,
		Labels:          labels,
		SentFrom:        sender,
		PublishTo:       publishTo,
		SeedID:          e.SeedID(),
		PreviousEventID: e.Header.EventID,
		RetryCount:      e.Header.RetryCount,
	}
}

// HasHeaderLabels reports whether every wanted label is present on the header.
func (h *Header) HasHeaderLabels(wanted ...string) bool {
	for _, w := range wanted {
		found := false
		for _, l := range h.Labels {
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

// FirstNode returns the single node of a split result message, or nil.
func (e *Envelope) FirstNode() *Node {
	for i := range e.Body.Results {
		if e.Body.Results[i].Node != nil {
			return e.Body.Results[i].Node
		}
	}
	return nil
}
