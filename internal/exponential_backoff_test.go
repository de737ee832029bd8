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

package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffStaysWithinSlotWindow(t *testing.T) {
	// Probe spacing for the job monitor: attempt n draws a slot count from
	// [0, 2^n), so the delay never exceeds (2^n - 1) slots.
	slot := 10 * time.Millisecond
	for attempt := int64(1); attempt <= 8; attempt++ {
		window := time.Duration((1<<uint(attempt))-1) * slot
		for i := 0; i < 50; i++ {
			b := GetBackoffTime(attempt, slot, time.Minute)
			assert.GreaterOrEqual(t, b, time.Duration(0))
			assert.LessOrEqual(t, b, window)
		}
	}
}

func TestBackoffCapsAtMaximum(t *testing.T) {
	for i := 0; i < 100; i++ {
		b := GetBackoffTime(8, time.Second, 3*time.Second)
		assert.LessOrEqual(t, b, 3*time.Second)
	}
	// Attempt counts whose slot window overflows fall back to the cap
	// directly instead of wrapping.
	assert.Equal(t, 5*time.Second, GetBackoffTime(63, time.Second, 5*time.Second))
	assert.Equal(t, 5*time.Second, GetBackoffTime(64, time.Second, 5*time.Second))
}

func TestBackoffZeroWithoutRetries(t *testing.T) {
	assert.Equal(t, time.Duration(0), GetBackoffTime(0, time.Second, time.Minute))
	assert.Equal(t, time.Duration(0), GetBackoffTime(-1, time.Second, time.Minute))
	assert.Equal(t, time.Duration(0), GetBackoffTime(3, 0, time.Minute))
}
