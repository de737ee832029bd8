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

// Package graphdb executes parameterized graph-pattern queries against the
// shared property-graph store. Connectivity interruptions are classified as
// retryable and routed to the requeue subsystem by the caller; everything
// else is a terminal query failure.
package graphdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

// Queries slower than this get a log line, mirroring the latency budget the
// store is provisioned for.
const slowQueryThreshold = 300 * time.Millisecond

// Request is one query execution. Either QueryName (resolved against the
// registry) or Cypher is set; parameters are always passed to the driver,
// never interpolated into the query text.
type Request struct {
	QueryName  string
	Cypher     string
	Parameters map[string]any
	ResultMode string // datamodel.ResultModeDiscard | ResultModeStats | ResultModeData
}

// Result carries matched records and/or mutation statistics depending on
// the requested result mode.
type Result struct {
	Records []datamodel.QueryRecord
	Stats   *datamodel.QueryStats
}

// Executor is the store interface the rest of the engine depends on.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// RetryableError wraps a transient infrastructure failure. Callers requeue
// the original request instead of treating this as an application error.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable store failure: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// QueryError is a terminal failure: the query cannot be satisfied as
// written. It is logged, never retried, and nothing is published downstream.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string { return fmt.Sprintf("query %q failed: %v", e.Query, e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure should go through the
// backoff-requeue path.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// ErrUnknownQuery is returned when a request names a query that is not in
// the registry.
var ErrUnknownQuery = errors.New("unknown query name")

// Store is the production Executor backed by the neo4j driver.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

// Config is read from the environment by each service main.
type Config struct {
	URI      string
	User     string
	Password string
	Database string
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, err
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, classify(err)
	}
	return &Store{driver: driver, database: cfg.Database}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) Execute(ctx context.Context, req Request) (Result, error) {
	cypher := req.Cypher
	if cypher == "" {
		var ok bool
		cypher, ok = Lookup(req.QueryName)
		if !ok {
			return Result{}, &QueryError{Query: req.QueryName, Err: ErrUnknownQuery}
		}
	}

	start := time.Now()
	eager, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, req.Parameters,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.database))
	elapsed := time.Since(start)
	if elapsed > slowQueryThreshold {
		zap.S().Warnf("Query took %s (budget %s): %s", elapsed, slowQueryThreshold, cypher)
	}
	if err != nil {
		if retryable(err) {
			return Result{}, &RetryableError{Err: err}
		}
		return Result{}, &QueryError{Query: cypher, Err: err}
	}

	var res Result
	switch req.ResultMode {
	case datamodel.ResultModeData:
		for _, rec := range eager.Records {
			res.Records = append(res.Records, convertRecord(rec))
		}
	case datamodel.ResultModeStats:
		c := eager.Summary.Counters()
		res.Stats = &datamodel.QueryStats{
			NodesCreated:         c.NodesCreated(),
			NodesDeleted:         c.NodesDeleted(),
			RelationshipsCreated: c.RelationshipsCreated(),
			RelationshipsDeleted: c.RelationshipsDeleted(),
			PropertiesSet:        c.PropertiesSet(),
			LabelsAdded:          c.LabelsAdded(),
		}
	}
	return res, nil
}

// classify wraps connectivity interruptions as retryable; terminal errors
// pass through unchanged.
func classify(err error) error {
	if retryable(err) {
		return &RetryableError{Err: err}
	}
	return err
}

// retryable classifies connectivity interruptions: the driver's own verdict
// plus raw connection errors that surface below the bolt layer.
func retryable(err error) bool {
	if neo4j.IsRetryable(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

func convertRecord(rec *neo4j.Record) datamodel.QueryRecord {
	var out datamodel.QueryRecord
	for _, v := range rec.Values {
		switch t := v.(type) {
		case dbtype.Node:
			if out.Node == nil {
				out.Node = convertNode(t)
			}
		case dbtype.Relationship:
			out.Relationship = &datamodel.Relationship{
				Type:       t.Type,
				Properties: t.Props,
			}
		}
	}
	return out
}

func convertNode(n dbtype.Node) *datamodel.Node {
	return &datamodel.Node{
		ID:         n.ElementId,
		Labels:     n.Labels,
		Properties: n.Props,
	}
}
