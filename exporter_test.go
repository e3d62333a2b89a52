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

package docstage_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/metric/metricdata/metricdatatest"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/elastic/go-docstage"
	"github.com/elastic/go-docstage/docstagetest"
)

func newTestExporter(t testing.TB, cluster *docstagetest.Cluster, cfg docstage.Config) *docstage.Exporter {
	t.Helper()
	if cfg.Stage == nil {
		cfg.Stage = docstage.LocalStage{Dir: t.TempDir()}
	}
	exporter, err := docstage.NewExporter(docstagetest.NewClient(t, cluster), cfg)
	require.NoError(t, err)
	return exporter
}

func statuses(report docstage.Report) map[string]docstage.IndexStatus {
	out := make(map[string]docstage.IndexStatus)
	for _, res := range report.Results {
		out[res.Index] = res.Status
	}
	return out
}

func TestExporter(t *testing.T) {
	cluster := docstagetest.NewCluster()
	cluster.AddN("logs", 25, func(i int) string {
		return fmt.Sprintf(`{"seq":%d,"tags":["t%d"],"host":{"name":"h%d"}}`, i, i%3, i%2)
	})
	cluster.Add("users", "u1", `{"name":"alice","age":30}`)
	cluster.CreateIndex(".internal")

	dir := t.TempDir()
	exporter := newTestExporter(t, cluster, docstage.Config{
		Stage:    docstage.LocalStage{Dir: dir},
		PageSize: 10,
	})
	report, err := exporter.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	assert.Equal(t, "logs", report.Results[0].Index)
	assert.Equal(t, int64(25), report.Results[0].Documents)
	assert.Equal(t, "users", report.Results[1].Index)
	assert.Equal(t, int64(1), report.Results[1].Documents)
	assert.Len(t, report.Succeeded(), 2)
	assert.Empty(t, report.Failed())
	assert.Equal(t, int64(26), report.Documents())

	table, err := docstage.ReadTable(filepath.Join(dir, "logs.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"seq", "tags", "host"}, table.Header)
	require.Equal(t, 25, table.Len())
	assert.Equal(t, []string{"4", `["t1"]`, `{"name":"h0"}`}, table.Rows[4])

	assert.Equal(t, docstage.Stats{
		Indices:   2,
		Pages:     4,
		Documents: 26,
	}, exporter.Stats())
	assert.Zero(t, cluster.OpenScrolls())
	assert.Equal(t, 1, cluster.Requests().Catalogs)
}

func TestExporterEmptyIndex(t *testing.T) {
	cluster := docstagetest.NewCluster()
	cluster.CreateIndex("empty")
	dir := t.TempDir()
	exporter := newTestExporter(t, cluster, docstage.Config{Stage: docstage.LocalStage{Dir: dir}})

	res := exporter.ExportIndex(context.Background(), "empty")
	assert.Equal(t, docstage.StatusSucceeded, res.Status)
	assert.True(t, res.Skipped)
	assert.ErrorIs(t, res.Err, docstage.ErrEmptyIndex)

	_, err := os.Stat(filepath.Join(dir, "empty.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Zero(t, cluster.OpenScrolls())
	assert.Equal(t, int64(1), exporter.Stats().IndicesSkipped)
}

func TestExporterFieldlessDocuments(t *testing.T) {
	cluster := docstagetest.NewCluster()
	cluster.Add("sparse", "1", `{}`)
	cluster.Add("sparse", "2", `{"a":1}`)

	core, observed := observer.New(zapcore.WarnLevel)
	dir := t.TempDir()
	exporter := newTestExporter(t, cluster, docstage.Config{
		Logger:   zap.New(core),
		Stage:    docstage.LocalStage{Dir: dir},
		PageSize: 1,
	})
	res := exporter.ExportIndex(context.Background(), "sparse")
	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.Documents)

	data, err := os.ReadFile(filepath.Join(dir, "sparse.csv"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\"\n\"1\"\n", string(data))

	logs := observed.FilterMessage("documents without fields were not written").All()
	require.Len(t, logs, 1)
	assert.Equal(t, int64(1), logs[0].ContextMap()["documents"])
}

func TestExporterIsolatesFailures(t *testing.T) {
	cluster := docstagetest.NewCluster()
	for _, name := range []string{"a", "b", "c"} {
		cluster.Add(name, "1", `{"v":1}`)
	}
	cluster.FailSearch("b", http.StatusInternalServerError)

	core, observed := observer.New(zapcore.InfoLevel)
	dir := t.TempDir()
	exporter := newTestExporter(t, cluster, docstage.Config{
		Logger: zap.New(core),
		Stage:  docstage.LocalStage{Dir: dir},
	})
	report, err := exporter.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]docstage.IndexStatus{
		"a": docstage.StatusSucceeded,
		"b": docstage.StatusFailed,
		"c": docstage.StatusSucceeded,
	}, statuses(report))
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.EqualError(t, failed[0].Err,
		"failed to open scroll: search failed: [500] search_phase_execution_exception: all shards failed",
	)

	for name, exists := range map[string]bool{"a": true, "b": false, "c": true} {
		_, err := os.Stat(filepath.Join(dir, name+".csv"))
		assert.Equal(t, exists, err == nil, name)
	}

	logs := observed.FilterMessage("failed to export index").All()
	require.Len(t, logs, 1)
	assert.Equal(t, zapcore.ErrorLevel, logs[0].Level)
	assert.Equal(t, "b", logs[0].ContextMap()["index"])
	assert.Equal(t, 2, observed.FilterMessage("export of index completed").Len())
	assert.Equal(t, int64(1), exporter.Stats().IndicesFailed)
}

func TestExporterScrollExpired(t *testing.T) {
	cluster := docstagetest.NewCluster()
	cluster.AddN("logs", 30, func(i int) string { return fmt.Sprintf(`{"v":%d}`, i) })
	cluster.ExpireScrollsAfter(1)
	exporter := newTestExporter(t, cluster, docstage.Config{PageSize: 10})

	res := exporter.ExportIndex(context.Background(), "logs")
	assert.Equal(t, docstage.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, docstage.ErrScrollExpired)
	assert.ErrorContains(t, res.Err, "failed to advance scroll after 20 documents")
	assert.Equal(t, int64(20), res.Documents)
}

func TestExporterCatalogFailure(t *testing.T) {
	cluster := docstagetest.NewCluster()
	cluster.Add("a", "1", `{}`)
	cluster.FailCatalog(http.StatusForbidden)
	exporter := newTestExporter(t, cluster, docstage.Config{})

	report, err := exporter.Run(context.Background())
	assert.ErrorContains(t, err, "failed to list indices: cat indices failed: [403]")
	assert.Empty(t, report.Results)
	assert.Zero(t, cluster.Requests().Searches)
}

func TestExporterHeaderModes(t *testing.T) {
	for _, tc := range []struct {
		name      string
		mode      docstage.HeaderMode
		includeID bool
		header    []string
		lastRow   []string
	}{{
		name:    "first_batch",
		mode:    docstage.HeaderFirstBatch,
		header:  []string{"a"},
		lastRow: []string{"3"},
	}, {
		name:    "union",
		mode:    docstage.HeaderUnion,
		header:  []string{"a", "b"},
		lastRow: []string{"3", "late"},
	}, {
		name:      "include_id",
		mode:      docstage.HeaderFirstBatch,
		includeID: true,
		header:    []string{"_id", "a"},
		lastRow:   []string{"3", "3"},
	}} {
		t.Run(tc.name, func(t *testing.T) {
			cluster := docstagetest.NewCluster()
			cluster.Add("idx", "1", `{"a":1}`)
			cluster.Add("idx", "2", `{"a":2}`)
			cluster.Add("idx", "3", `{"a":3,"b":"late"}`)
			dir := t.TempDir()
			exporter := newTestExporter(t, cluster, docstage.Config{
				Stage:     docstage.LocalStage{Dir: dir},
				PageSize:  2,
				Header:    tc.mode,
				IncludeID: tc.includeID,
			})
			res := exporter.ExportIndex(context.Background(), "idx")
			require.NoError(t, res.Err)

			table, err := docstage.ReadTable(filepath.Join(dir, "idx.csv"))
			require.NoError(t, err)
			assert.Equal(t, tc.header, table.Header)
			require.Equal(t, 3, table.Len())
			assert.Equal(t, tc.lastRow, table.Rows[2])
		})
	}
}

func TestExporterPacing(t *testing.T) {
	cluster := docstagetest.NewCluster()
	for _, name := range []string{"a", "b", "c"} {
		cluster.Add(name, "1", `{"v":1}`)
	}
	pacing := 50 * time.Millisecond
	exporter := newTestExporter(t, cluster, docstage.Config{Pacing: pacing, Concurrency: 3})

	start := time.Now()
	report, err := exporter.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Succeeded(), 3)
	// Every index, the first included, waits for its turn.
	assert.GreaterOrEqual(t, time.Since(start), 3*pacing-5*time.Millisecond)
}

func TestExporterConcurrency(t *testing.T) {
	cluster := docstagetest.NewCluster()
	var names []string
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("idx-%d", i)
		names = append(names, name)
		cluster.AddN(name, i+1, func(j int) string { return fmt.Sprintf(`{"j":%d}`, j) })
	}
	exporter := newTestExporter(t, cluster, docstage.Config{
		Indices:     docstage.StaticIndices(names),
		Concurrency: 4,
		PageSize:    3,
	})
	report, err := exporter.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, len(names))
	for i, res := range report.Results {
		assert.Equal(t, names[i], res.Index)
		assert.Equal(t, docstage.StatusSucceeded, res.Status)
		assert.Equal(t, int64(i+1), res.Documents)
	}
	assert.Zero(t, cluster.OpenScrolls())
}

func TestExporterCanceled(t *testing.T) {
	cluster := docstagetest.NewCluster()
	cluster.Add("a", "1", `{}`)
	exporter := newTestExporter(t, cluster, docstage.Config{
		Indices: docstage.StaticIndices{"a", "b"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := exporter.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, report.Results, 2)
	assert.Len(t, report.Pending(), 2)
	assert.Zero(t, cluster.Requests().Searches)
}

func TestExporterMetrics(t *testing.T) {
	rdr := sdkmetric.NewManualReader(sdkmetric.WithTemporalitySelector(
		func(ik sdkmetric.InstrumentKind) metricdata.Temporality {
			return metricdata.DeltaTemporality
		},
	))
	cluster := docstagetest.NewCluster()
	cluster.AddN("logs", 5, func(i int) string { return `{"v":1}` })
	cluster.CreateIndex("empty")
	cluster.FailSearch("broken", http.StatusBadRequest)
	cluster.CreateIndex("broken")

	exporter := newTestExporter(t, cluster, docstage.Config{
		MeterProvider:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
		MetricAttributes: attribute.NewSet(attribute.String("a", "b")),
		PageSize:         2,
	})
	_, err := exporter.Run(context.Background())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := make(map[string]metricdata.Sum[int64])
	histograms := make(map[string]metricdata.Histogram[float64])
	for _, m := range rm.ScopeMetrics[0].Metrics {
		switch data := m.Data.(type) {
		case metricdata.Sum[int64]:
			sums[m.Name] = data
		case metricdata.Histogram[float64]:
			histograms[m.Name] = data
		}
	}

	metricdatatest.AssertEqual(t, metricdata.Sum[int64]{
		Temporality: metricdata.DeltaTemporality,
		IsMonotonic: true,
		DataPoints: []metricdata.DataPoint[int64]{
			{Attributes: attribute.NewSet(attribute.String("a", "b")), Value: 5},
		},
	}, sums["docstage.documents.exported"], metricdatatest.IgnoreTimestamp(), metricdatatest.IgnoreExemplars())
	metricdatatest.AssertEqual(t, metricdata.Sum[int64]{
		Temporality: metricdata.DeltaTemporality,
		IsMonotonic: true,
		DataPoints: []metricdata.DataPoint[int64]{
			{Attributes: attribute.NewSet(attribute.String("a", "b")), Value: 3},
		},
	}, sums["docstage.scroll.pages"], metricdatatest.IgnoreTimestamp(), metricdatatest.IgnoreExemplars())

	outcomes := make(map[string]int64)
	for _, dp := range sums["docstage.indices.processed"].DataPoints {
		metricdatatest.AssertHasAttributes(t, dp,
			attribute.String("a", "b"),
			attribute.String("operation", "export"),
		)
		status, _ := dp.Attributes.Value("status")
		outcomes[status.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"succeeded": 1, "skipped": 1, "failed": 1}, outcomes)

	var indexDurations uint64
	for _, dp := range histograms["docstage.index.duration"].DataPoints {
		indexDurations += dp.Count
	}
	assert.Equal(t, uint64(3), indexDurations)
	assert.NotEmpty(t, histograms["docstage.scroll.latency"].DataPoints)
}

func TestExporterTracing(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	cluster := docstagetest.NewCluster()
	cluster.Add("ok", "1", `{}`)
	exporter := newTestExporter(t, cluster, docstage.Config{
		TracerProvider: tp,
		Indices:        docstage.StaticIndices{"ok", "absent"},
	})
	ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
	report, err := exporter.Run(ctx)
	parent.End()
	require.NoError(t, err)
	assert.Len(t, report.Failed(), 1)

	byIndex := make(map[string]tracetest.SpanStub)
	for _, span := range exp.GetSpans() {
		if span.Name == "parent" {
			continue
		}
		assert.Equal(t, "docstage.export", span.Name)
		for _, kv := range span.Attributes {
			if kv.Key == "index" {
				byIndex[kv.Value.AsString()] = span
			}
		}
	}
	require.Len(t, byIndex, 2)
	assert.Equal(t, "Unset", byIndex["ok"].Status.Code.String())
	assert.Equal(t, "Error", byIndex["absent"].Status.Code.String())
	assert.NotEmpty(t, byIndex["absent"].Events)

	// Index spans start their own trace, linked to the caller's.
	for index, span := range byIndex {
		assert.NotEqual(t, parent.SpanContext().TraceID(), span.SpanContext.TraceID(), index)
		require.Len(t, span.Links, 1, index)
		assert.Equal(t, parent.SpanContext().TraceID(), span.Links[0].SpanContext.TraceID(), index)
		assert.Equal(t, parent.SpanContext().SpanID(), span.Links[0].SpanContext.SpanID(), index)
	}
}

func TestNewExporterValidation(t *testing.T) {
	_, err := docstage.NewExporter(nil, docstage.Config{})
	assert.EqualError(t, err, "client is nil")

	client := docstagetest.NewClient(t, docstagetest.NewCluster())
	_, err = docstage.NewExporter(client, docstage.Config{Pacing: -time.Second})
	assert.EqualError(t, err, "expected Pacing >= 0, got -1s")
	_, err = docstage.NewExporter(client, docstage.Config{Header: docstage.HeaderMode(7)})
	assert.EqualError(t, err, "unknown header mode 7")
}
