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

// Package sinkpg imports flattened QC result rows into postgres. It is the
// engine-facing half of the analytics sink; warehouse schema design stays
// out of scope.
package sinkpg

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/arbor-genomics/arbor/internal/bus"
	"github.com/arbor-genomics/arbor/pkg/datamodel"
)

var rowsInserted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "arbor_sink_rows_inserted_total",
		Help: "The total number of rows inserted by table",
	}, []string{"table"},
)

// Import requests may only target tables matching this; the table name is
// the one identifier that cannot be a bind parameter.
var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type Sink struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Sink{pool: pool}, nil
}

func (s *Sink) Close() {
	s.pool.Close()
}

// HandleEnvelope consumes one import request. Inserts are batched with ON
// CONFLICT DO NOTHING so redelivered requests are idempotent against a
// uniquely keyed table.
func (s *Sink) HandleEnvelope() bus.Handler {
	return func(ctx context.Context, env datamodel.Envelope) error {
		if env.Header.Resource != datamodel.ResourceImport {
			zap.S().Warnf("Expected resource %q, got %q; discarding event %s",
				datamodel.ResourceImport, env.Header.Resource, env.Header.EventID)
			return nil
		}
		if len(env.Body.Rows) == 0 {
			zap.S().Debugf("Import request %s carries no rows", env.Header.EventID)
			return nil
		}
		n, err := s.Insert(ctx, env.Body.Table, env.Body.Rows)
		if err != nil {
			zap.S().Errorf("Import of %d rows into %s failed: %v", len(env.Body.Rows), env.Body.Table, err)
			return err
		}
		rowsInserted.WithLabelValues(env.Body.Table).Add(float64(n))
		zap.S().Infof("Imported %d rows into %s (seed %s)", n, env.Body.Table, env.SeedID())
		return nil
	}
}

// Insert writes the rows, deriving the column set from the union of row
// keys so sparse rows insert NULLs.
func (s *Sink) Insert(ctx context.Context, table string, rows []map[string]any) (int64, error) {
	if !tableNamePattern.MatchString(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	columns := columnSet(rows)
	if len(columns) == 0 {
		return 0, fmt.Errorf("rows carry no columns")
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "))

	batch := &pgx.Batch{}
	for _, row := range rows {
		args := make([]any, len(columns))
		for i, c := range columns {
			args[i] = row[c]
		}
		batch.Queue(stmt, args...)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func columnSet(rows []map[string]any) []string {
	seen := map[string]bool{}
	for _, row := range rows {
		for k := range row {
			if tableNamePattern.MatchString(k) {
				seen[k] = true
			}
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns
}
