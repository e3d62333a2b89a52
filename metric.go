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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	scrollDuration metric.Float64Histogram
	flushDuration  metric.Float64Histogram
	indexDuration  metric.Float64Histogram

	pages                  metric.Int64Counter
	docsExported           metric.Int64Counter
	docsIndexed            metric.Int64Counter
	docsRetried            metric.Int64Counter
	bulkRequests           metric.Int64Counter
	bytesTotal             metric.Int64Counter
	bytesUncompressedTotal metric.Int64Counter
	rowsSkipped            metric.Int64Counter
	cellsUnparsed          metric.Int64Counter
	indices                metric.Int64Counter
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func newMetrics(cfg Config) (*metrics, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter("github.com/elastic/go-docstage")
	ms := &metrics{}
	histograms := []histogramMetric{
		{
			name:        "docstage.scroll.latency",
			description: "The amount of time a search or scroll request took, in seconds.",
			unit:        "s",
			p:           &ms.scrollDuration,
		},
		{
			name:        "docstage.flushed.latency",
			description: "The amount of time a _bulk request took, in seconds.",
			unit:        "s",
			p:           &ms.flushDuration,
		},
		{
			name:        "docstage.index.duration",
			description: "The amount of time exporting or importing one index took, in seconds.",
			unit:        "s",
			p:           &ms.indexDuration,
		},
	}
	for _, m := range histograms {
		if err := newFloat64Histogram(meter, m); err != nil {
			return ms, err
		}
	}

	counters := []counterMetric{
		{
			name:        "docstage.scroll.pages",
			description: "The number of non-empty pages read from scroll contexts.",
			p:           &ms.pages,
		},
		{
			name:        "docstage.documents.exported",
			description: "The number of documents written to tables.",
			p:           &ms.docsExported,
		},
		{
			name:        "docstage.documents.processed",
			description: "The number of documents sent in bulk requests. Dimensions report success or failures.",
			p:           &ms.docsIndexed,
		},
		{
			name:        "docstage.documents.retried",
			description: "The number of documents retried after being rate limited.",
			p:           &ms.docsRetried,
		},
		{
			name:        "docstage.bulk_requests.count",
			description: "The number of bulk requests completed.",
			p:           &ms.bulkRequests,
		},
		{
			name:        "docstage.flushed.bytes",
			description: "The total number of bytes written to the request body",
			unit:        "by",
			p:           &ms.bytesTotal,
		},
		{
			name:        "docstage.flushed.uncompressed.bytes",
			description: "The total number of uncompressed bytes written to the request body",
			unit:        "by",
			p:           &ms.bytesUncompressedTotal,
		},
		{
			name:        "docstage.rows.skipped",
			description: "The number of malformed table rows skipped on import.",
			p:           &ms.rowsSkipped,
		},
		{
			name:        "docstage.cells.unparsed",
			description: "The number of structured cells imported as plain text.",
			p:           &ms.cellsUnparsed,
		},
		{
			name:        "docstage.indices.processed",
			description: "The number of indices processed. Dimensions report the outcome.",
			p:           &ms.indices,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, err
		}
	}
	return ms, nil
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)

	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", c.name, err,
		)
	}
	*c.p = m
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)

	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", h.name, err,
		)
	}
	*h.p = m
	return nil
}
