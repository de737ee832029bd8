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

// Package retry re-publishes failed requests with a bounded attempt count.
// Pending messages sit in a persistent disk queue so an in-flight backoff
// survives a pod restart; draining is a single scheduled loop, never a
// worker goroutine sleeping through the delay.
//
// "Not yet satisfiable" conditions (a join probe that found fewer parts
// than setSize) are not failures and never enter this path; the next
// sibling's arrival re-probes naturally.
package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/beeker1121/goque"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

var (
	requeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_requeue_total",
			Help: "The total number of requeued messages",
		},
	)
	ceilingExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_requeue_ceiling_exceeded_total",
			Help: "The total number of messages dropped after exhausting the retry ceiling",
		},
	)
)

// Labels a recycled response envelope must not carry back into the request
// path.
var responseLabels = map[string]bool{"Database": true, "Result": true}

// Config for the requeue subsystem. Ceiling is the bounded attempt count
// (deployment tunable, not a structural invariant); Backoff is the fixed
// delay before re-publication.
type Config struct {
	QueueDir string
	Topic    string // the request topic messages re-enter on
	Ceiling  int
	Backoff  time.Duration
}

type pendingItem struct {
	Topic    string `json:"topic"`
	DueEpoch int64  `json:"dueEpoch"` // unix milliseconds
	Payload  []byte `json:"payload"`  // marshaled envelope
}

// Requeuer implements the bounded-attempt re-publication protocol.
type Requeuer struct {
	cfg  Config
	pub  bus.Publisher
	q    *goque.Queue
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func New(cfg Config, pub bus.Publisher) (*Requeuer, error) {
	q, err := goque.OpenQueue(cfg.QueueDir)
	if err != nil {
		zap.S().Errorf("Error opening requeue queue at %s: %v", cfg.QueueDir, err)
		return nil, err
	}
	r := &Requeuer{
		cfg:  cfg,
		pub:  pub,
		q:    q,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go r.drain()
	return r, nil
}

// Requeue schedules re-publication of the original request. The retry count
// is incremented; at the ceiling the message is dropped (no dead-letter
// topic exists, the drop is observable via logs and the ceiling counter).
func (r *Requeuer) Requeue(ctx context.Context, env datamodel.Envelope) error {
	if env.Header.RetryCount >= r.cfg.Ceiling {
		ceilingExceededTotal.Inc()
		zap.S().Errorf("Message %s exceeded %d retries; dropping (seed %s)",
			env.Header.EventID, r.cfg.Ceiling, env.SeedID())
		return nil
	}
	env.Header.RetryCount++

	// The re-published message is the original request: response labels are
	// stripped and any partial result payload discarded.
	env.Header.Labels = stripResponseLabels(env.Header.Labels)
	env.Body.Results = nil
	env.Body.Stats = nil

	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	item := pendingItem{
		Topic:    r.cfg.Topic,
		DueEpoch: time.Now().Add(r.cfg.Backoff).UnixMilli(),
		Payload:  payload,
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if _, err := r.q.Enqueue(data); err != nil {
		zap.S().Errorf("Error enqueueing message %s for retry: %v", env.Header.EventID, err)
		return err
	}
	requeuedTotal.Inc()
	zap.S().Warnf("Requeued message %s (retry %d/%d) to %s in %s",
		env.Header.EventID, env.Header.RetryCount, r.cfg.Ceiling, r.cfg.Topic, r.cfg.Backoff)

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of messages waiting for re-publication.
func (r *Requeuer) Pending() uint64 {
	return r.q.Length()
}

func (r *Requeuer) Close() error {
	r.once.Do(func() { close(r.done) })
	return r.q.Close()
}

// drain pops due items and re-publishes them. Backoff is fixed, so queue
// order matches due order and peeking the head is sufficient.
func (r *Requeuer) drain() {
	for {
		qItem, err := r.q.Peek()
		if err != nil {
			if !errors.Is(err, goque.ErrEmpty) && !errors.Is(err, goque.ErrDBClosed) {
				zap.S().Errorf("Error peeking requeue queue: %v", err)
			}
			if errors.Is(err, goque.ErrDBClosed) {
				return
			}
			select {
			case <-r.done:
				return
			case <-r.wake:
			case <-time.After(time.Second):
			}
			continue
		}

		var item pendingItem
		if err := json.Unmarshal(qItem.Value, &item); err != nil {
			zap.S().Errorf("Dropping undecodable requeue item: %v", err)
			_, _ = r.q.Dequeue()
			continue
		}

		if wait := time.Until(time.UnixMilli(item.DueEpoch)); wait > 0 {
			select {
			case <-r.done:
				return
			case <-time.After(wait):
			}
		}

		env, err := datamodel.UnmarshalEnvelope(item.Payload)
		if err != nil {
			zap.S().Errorf("Dropping undecodable requeued envelope: %v", err)
			_, _ = r.q.Dequeue()
			continue
		}
		if _, err := r.pub.Publish(context.Background(), item.Topic, env); err != nil {
			// Leave the item queued; the broker outage resolves or the pod
			// restarts with the queue intact.
			zap.S().Errorf("Re-publishing %s to %s failed: %v", env.Header.EventID, item.Topic, err)
			select {
			case <-r.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		_, _ = r.q.Dequeue()
		zap.S().Infof("Re-published message %s to %s (retry %d)",
			env.Header.EventID, item.Topic, env.Header.RetryCount)
	}
}

// stripResponseLabels returns a fresh slice: the incoming envelope may
// still be referenced by the caller (the bus hands the same backing array
// to every subscriber), so filtering must not write in place.
func stripResponseLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if !responseLabels[l] {
			out = append(out, l)
		}
	}
	return out
}
