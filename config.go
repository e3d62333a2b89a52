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
	"fmt"
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultPageSize   = 1000
	defaultScrollTTL  = 2 * time.Minute
	defaultSampleSize = 20
	defaultBackoff    = time.Second
)

// HeaderMode controls how a TableWriter decides on the header row of a table.
type HeaderMode int

const (
	// HeaderFirstBatch derives the header from the first batch written to the
	// table. Fields first seen in later batches are dropped.
	HeaderFirstBatch HeaderMode = iota

	// HeaderUnion spools all rows and writes the union of the field names of
	// every batch, in order of first appearance, when the table is closed.
	HeaderUnion
)

func (m HeaderMode) String() string {
	switch m {
	case HeaderFirstBatch:
		return "first_batch"
	case HeaderUnion:
		return "union"
	}
	return fmt.Sprintf("HeaderMode(%d)", int(m))
}

// ParseHeaderMode returns the HeaderMode named s.
func ParseHeaderMode(s string) (HeaderMode, error) {
	switch s {
	case "", "first_batch":
		return HeaderFirstBatch, nil
	case "union":
		return HeaderUnion, nil
	}
	return 0, fmt.Errorf("unknown header mode %q", s)
}

// Config holds configuration for Exporter and Importer.
type Config struct {
	// Logger holds an optional Logger to use for logging progress and
	// per-index failures.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer. Each processed index is traced
	// as a transaction.
	//
	// If Tracer is nil, indices will not be traced with Elastic APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. Each processed
	// index is recorded as a span.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// Indices supplies the names of the indices to process.
	//
	// If Indices is nil, the Exporter lists every index of the source
	// cluster and the Importer lists every table present in Stage.
	Indices IndexEnumerator

	// Stage holds the location of the tables.
	//
	// If Stage is nil, tables are read from and written to the current
	// working directory.
	Stage Stage

	// Pacing holds a delay observed before the work on each index starts.
	// With Concurrency greater than one, index starts are spaced by Pacing.
	//
	// If Pacing is zero, indices are processed back to back.
	Pacing time.Duration

	// Concurrency holds the number of indices processed concurrently.
	//
	// If Concurrency is less than or equal to one, indices are processed
	// sequentially in enumeration order.
	Concurrency int

	// PageSize holds the number of documents requested per scroll page.
	//
	// If PageSize is zero, the default of 1000 will be used.
	PageSize int

	// ScrollTTL holds how long the server keeps a scroll context alive
	// between two page requests.
	//
	// If ScrollTTL is zero, the default of 2 minutes will be used.
	ScrollTTL time.Duration

	// Header selects how exported tables decide on their columns.
	Header HeaderMode

	// IncludeID adds a leading _id column holding each document ID to
	// exported tables. Imported tables with an _id column always reuse it as
	// the document ID.
	IncludeID bool

	// SampleSize holds the number of non-empty values sampled per column to
	// decide whether the column holds structured values.
	//
	// If SampleSize is zero, the default of 20 will be used.
	SampleSize int

	// DisableScalarInference keeps every non-structured cell as a string
	// instead of converting number and boolean columns.
	DisableScalarInference bool

	// OmitNulls drops null cells from imported documents instead of
	// indexing them as null.
	OmitNulls bool

	// CompressionLevel holds the gzip compression level of bulk requests, from
	// 0 (gzip.NoCompression) to 9 (gzip.BestCompression). The special value
	// -1 (gzip.DefaultCompression) selects the default compression level.
	CompressionLevel int

	// BulkBatchSize holds the maximum number of documents per bulk request.
	//
	// If BulkBatchSize is zero, all documents of an index are sent in a
	// single bulk request.
	BulkBatchSize int

	// DisableRefresh stops bulk requests from asking for an immediate
	// refresh of the affected shards.
	DisableRefresh bool

	// MaxDocumentRetries holds the maximum number of times a document
	// rejected with 429 Too Many Requests is retried.
	MaxDocumentRetries int

	// RetryBackoff holds the initial backoff between retries. It doubles
	// after every attempt.
	//
	// If RetryBackoff is zero, the default of 1 second will be used.
	RetryBackoff time.Duration

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string
}

// DefaultConfig returns a copy of cfg with zero values replaced by defaults.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stage == nil {
		cfg.Stage = LocalStage{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ScrollTTL <= 0 {
		cfg.ScrollTTL = defaultScrollTTL
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = defaultSampleSize
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultBackoff
	}
	return cfg
}

// Validate checks the configuration for values that cannot be defaulted.
func (cfg Config) Validate() error {
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	if cfg.BulkBatchSize < 0 {
		return fmt.Errorf("expected BulkBatchSize >= 0, got %d", cfg.BulkBatchSize)
	}
	if cfg.MaxDocumentRetries < 0 {
		return fmt.Errorf("expected MaxDocumentRetries >= 0, got %d", cfg.MaxDocumentRetries)
	}
	if cfg.Pacing < 0 {
		return fmt.Errorf("expected Pacing >= 0, got %s", cfg.Pacing)
	}
	switch cfg.Header {
	case HeaderFirstBatch, HeaderUnion:
	default:
		return fmt.Errorf("unknown header mode %d", cfg.Header)
	}
	return nil
}
