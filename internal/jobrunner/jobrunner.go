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

// Package jobrunner models the batch execution collaborator at exactly the
// interface the engine needs: submit a command, probe its status, kill it
// by identifier. The backend's internals stay out of scope.
package jobrunner

import (
	"context"
	"time"

	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

// Job states as the backend reports them.
const (
	StatusSubmitted = "SUBMITTED"
	StatusRunning   = "RUNNING"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusKilled    = "KILLED"
)

// JobStatus is the structured answer to a status probe.
type JobStatus struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	StopTime  *time.Time `json:"stopTime,omitempty"`
	Events    []JobEvent `json:"events,omitempty"`
}

// JobEvent is one entry of the backend's event history for a job.
type JobEvent struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Runner is the execution collaborator.
type Runner interface {
	// Launch submits the job and returns the backend's launch identifier.
	Launch(ctx context.Context, spec datamodel.JobSpec) (string, error)
	// Status probes a launched job.
	Status(ctx context.Context, id string) (JobStatus, error)
	// Kill terminates a launched job by identifier.
	Kill(ctx context.Context, id string) error
}
