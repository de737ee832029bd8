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

package jobrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

// Fake records calls for tests.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	Launched []datamodel.JobSpec
	Killed   []string
	Statuses map[string]JobStatus
	// KillErr, when set, is returned by every Kill call.
	KillErr error
}

func NewFake() *Fake {
	return &Fake{Statuses: make(map[string]JobStatus)}
}

func (f *Fake) Launch(_ context.Context, spec datamodel.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.Launched = append(f.Launched, spec)
	f.Statuses[id] = JobStatus{ID: id, Status: StatusRunning, StartTime: time.Now()}
	return id, nil
}

func (f *Fake) Status(_ context.Context, id string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.Statuses[id]
	if !ok {
		return JobStatus{}, fmt.Errorf("unknown job %s", id)
	}
	return st, nil
}

func (f *Fake) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Killed = append(f.Killed, id)
	if f.KillErr != nil {
		return f.KillErr
	}
	if st, ok := f.Statuses[id]; ok {
		st.Status = StatusKilled
		now := time.Now()
		st.StopTime = &now
		f.Statuses[id] = st
	}
	return nil
}

// SetStatus scripts a status answer.
func (f *Fake) SetStatus(id string, st JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Statuses[id] = st
}
