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
	"os"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Importer indexes the rows of the table of every enumerated index back
// into a cluster, rebuilding the documents with a Reconstructor.
//
// The destination index is the table name without its extension. It is
// not created beforehand: the cluster creates it on the first bulk write.
type Importer struct {
	pool    *BulkIndexerPool
	config  Config
	metrics *metrics
	stats   counters
	runner  runner
}

// NewImporter returns a new Importer writing to the cluster behind client.
//
// If cfg.Indices is nil, every table present in cfg.Stage is imported.
func NewImporter(client esapi.Transport, cfg Config) (*Importer, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Indices == nil {
		cfg.Indices = StageIndices{Stage: cfg.Stage}
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := newIndexerPool(client, cfg)
	if err != nil {
		return nil, err
	}
	i := &Importer{pool: pool, config: cfg, metrics: ms}
	i.runner = newRunner("import", cfg, ms, &i.stats)
	return i, nil
}

// Run imports the table of every enumerated index. A failing index is
// recorded in the report and does not stop the run.
//
// Run returns an error only if the indices could not be enumerated, or if
// ctx is done before every index was started.
func (i *Importer) Run(ctx context.Context) (Report, error) {
	return i.runner.run(ctx, i.importIndex)
}

// ImportIndex imports the table of a single index, without pacing.
func (i *Importer) ImportIndex(ctx context.Context, index string) IndexResult {
	return i.runner.process(ctx, index, i.importIndex)
}

// Stats returns the importer's cumulative counters.
func (i *Importer) Stats() Stats {
	return i.stats.snapshot()
}

func (i *Importer) importIndex(ctx context.Context, logger *zap.Logger, index string) (IndexResult, error) {
	var result IndexResult
	path, err := i.config.Stage.Fetch(ctx, index)
	if err == nil {
		var table *Table
		table, err = ReadTable(path)
		if err == nil {
			return i.importTable(ctx, logger, index, table)
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("table not found, skipping", zap.String("table", TableName(index)))
		result.Skipped = true
		result.Err = err
		return result, nil
	}
	return result, fmt.Errorf("failed to read table: %w", err)
}

func (i *Importer) importTable(ctx context.Context, logger *zap.Logger, index string, table *Table) (IndexResult, error) {
	var result IndexResult
	attrs := metric.WithAttributeSet(i.config.MetricAttributes)
	if table.Skipped > 0 {
		logger.Warn("skipped malformed rows", zap.Int("rows", table.Skipped))
		i.stats.rowsSkipped.Add(int64(table.Skipped))
		i.metrics.rowsSkipped.Add(context.Background(), int64(table.Skipped), attrs)
	}
	if table.Len() == 0 {
		logger.Warn("table holds no rows, skipping")
		result.Skipped = true
		result.Err = ErrEmptyTable
		return result, nil
	}

	cfg := i.config
	cfg.Logger = logger
	records, unparsed := NewReconstructor(cfg).Records(table)
	if unparsed > 0 {
		i.stats.cellsUnparsed.Add(int64(unparsed))
		i.metrics.cellsUnparsed.Add(context.Background(), int64(unparsed), attrs)
	}

	loader := newLoader(i.pool, cfg, i.metrics, &i.stats)
	res, err := loader.Load(ctx, index, records)
	result.Documents = res.Indexed
	i.stats.documents.Add(res.Indexed)
	i.stats.docsFailed.Add(int64(len(res.Failed)))
	if err != nil {
		return result, fmt.Errorf("failed to load documents: %w", err)
	}
	logger.Debug("table loaded",
		zap.Int("rows", table.Len()),
		zap.Int("bulk_requests", res.Requests),
		zap.Int64("retried", res.Retried),
	)
	return result, nil
}
