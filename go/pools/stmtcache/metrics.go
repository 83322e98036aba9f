// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stmtcache

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyResult   = "db.client.statement_cache.result"

	resultHit  = "hit"
	resultMiss = "miss"
)

// Metrics holds the OTel instruments shared by every cache of a pool.
// A nil *Metrics records nothing.
type Metrics struct {
	lookups   metric.Int64Counter
	evictions metric.Int64Counter
}

// NewMetrics creates the statement cache instruments on m.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	var errs []error

	lookups, err := m.Int64Counter(
		"db.client.statement_cache.lookups",
		metric.WithDescription("The number of prepared statement cache lookups, by result."),
		metric.WithUnit("{lookup}"),
	)
	errs = append(errs, err)

	evictions, err := m.Int64Counter(
		"db.client.statement_cache.evictions",
		metric.WithDescription("The number of prepared statements evicted from the cache."),
		metric.WithUnit("{statement}"),
	)
	errs = append(errs, err)

	return &Metrics{lookups: lookups, evictions: evictions}, errors.Join(errs...)
}

func (m *Metrics) recordLookup(poolName string, hit bool) {
	if m == nil || m.lookups == nil {
		return
	}
	result := resultMiss
	if hit {
		result = resultHit
	}
	m.lookups.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrKeyPoolName, poolName),
		attribute.String(attrKeyResult, result),
	))
}

func (m *Metrics) recordEviction(poolName string) {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrKeyPoolName, poolName),
	))
}
