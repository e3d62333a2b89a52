// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package docstage

import (
	"context"
	"errors"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Exporter writes the documents of every enumerated index to a table, one
// table per index.
//
// Each index is read through its own scroll context. Fields are laid out in
// columns in order of first appearance, see HeaderMode for the handling of
// fields that only appear in later pages.
type Exporter struct {
	config   Config
	scroller *Scroller
	metrics  *metrics
	stats    counters
	runner   runner
}

// NewExporter returns a new Exporter reading from the cluster behind client.
//
// If cfg.Indices is nil, every index of the cluster, hidden ones excepted,
// is exported.
func NewExporter(client esapi.Transport, cfg Config) (*Exporter, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Indices == nil {
		cfg.Indices = CatalogIndices{Client: client}
	}
	scroller, err := NewScroller(client, cfg.PageSize, cfg.ScrollTTL)
	if err != nil {
		return nil, err
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	e := &Exporter{config: cfg, scroller: scroller, metrics: ms}
	e.runner = newRunner("export", cfg, ms, &e.stats)
	return e, nil
}

// Run exports every enumerated index. A failing index is recorded in the
// report and does not stop the run.
//
// Run returns an error only if the indices could not be enumerated, or if
// ctx is done before every index was started.
func (e *Exporter) Run(ctx context.Context) (Report, error) {
	return e.runner.run(ctx, e.exportIndex)
}

// ExportIndex exports a single index, without pacing.
func (e *Exporter) ExportIndex(ctx context.Context, index string) IndexResult {
	return e.runner.process(ctx, index, e.exportIndex)
}

// Stats returns the exporter's cumulative counters.
func (e *Exporter) Stats() Stats {
	return e.stats.snapshot()
}

func (e *Exporter) exportIndex(ctx context.Context, logger *zap.Logger, index string) (result IndexResult, err error) {
	page, err := e.fetch(ctx, func(ctx context.Context) (Page, error) {
		return e.scroller.Open(ctx, index)
	})
	if err != nil {
		return result, fmt.Errorf("failed to open scroll: %w", err)
	}
	scrollID := page.ScrollID
	defer func() {
		// The scroll is released even if ctx is done.
		if err := e.scroller.Release(context.WithoutCancel(ctx), scrollID); err != nil {
			logger.Warn("failed to clear scroll", zap.Error(err))
		}
	}()
	if page.Len() == 0 {
		logger.Warn("index holds no documents, skipping")
		result.Skipped = true
		result.Err = ErrEmptyIndex
		return result, nil
	}

	path, err := e.config.Stage.Create(ctx, index)
	if err != nil {
		return result, fmt.Errorf("failed to create table: %w", err)
	}
	table, err := CreateTable(path, e.config.Header, e.config.IncludeID)
	if err != nil {
		return result, err
	}
	defer func() {
		if cerr := table.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close table: %w", cerr)
		}
	}()

	attrs := metric.WithAttributeSet(e.config.MetricAttributes)
	for page.Len() > 0 {
		if err := table.WriteBatch(page.Hits); err != nil {
			return result, fmt.Errorf("failed to write page: %w", err)
		}
		n := int64(page.Len())
		result.Documents += n
		e.stats.pages.Add(1)
		e.stats.documents.Add(n)
		e.metrics.pages.Add(context.Background(), 1, attrs)
		e.metrics.docsExported.Add(context.Background(), n, attrs)
		logger.Debug("page written", zap.Int64("documents", result.Documents))

		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
		page, err = e.fetch(ctx, func(ctx context.Context) (Page, error) {
			return e.scroller.Advance(ctx, scrollID)
		})
		if err != nil {
			return result, fmt.Errorf("failed to advance scroll after %d documents: %w", result.Documents, err)
		}
	}
	if page.ScrollID != "" {
		scrollID = page.ScrollID
	}

	if err := table.Close(); err != nil {
		return result, fmt.Errorf("failed to close table: %w", err)
	}
	if dropped := table.Dropped(); dropped > 0 {
		logger.Warn("values of fields missing from the table header were dropped",
			zap.Int64("values", dropped),
			zap.Strings("header", table.Header()),
		)
	}
	if skipped := table.Skipped(); skipped > 0 {
		logger.Warn("documents without fields were not written",
			zap.Int64("documents", skipped),
		)
	}
	if err := e.config.Stage.Publish(ctx, index, path); err != nil {
		return result, fmt.Errorf("failed to publish table: %w", err)
	}
	return result, nil
}

// fetch requests a page and records the request latency.
func (e *Exporter) fetch(ctx context.Context, fn func(context.Context) (Page, error)) (Page, error) {
	var page Page
	var err error
	took := timeFunc(func() {
		page, err = fn(ctx)
	})
	e.metrics.scrollDuration.Record(context.Background(), took.Seconds(),
		metric.WithAttributeSet(e.config.MetricAttributes),
	)
	return page, err
}
