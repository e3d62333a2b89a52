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
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/fastjson"

	"github.com/elastic/go-docstage"
	"github.com/elastic/go-docstage/docstagetest"
)

func BenchmarkBulkIndexer(b *testing.B) {
	b.Run("NoCompression", func(b *testing.B) {
		benchmarkBulkIndexer(b, gzip.NoCompression)
	})
	b.Run("BestSpeed", func(b *testing.B) {
		benchmarkBulkIndexer(b, gzip.BestSpeed)
	})
	b.Run("DefaultCompression", func(b *testing.B) {
		benchmarkBulkIndexer(b, gzip.DefaultCompression)
	})
	b.Run("BestCompression", func(b *testing.B) {
		benchmarkBulkIndexer(b, gzip.BestCompression)
	})
}

func benchmarkBulkIndexer(b *testing.B, level int) {
	var indexed int64
	client := docstagetest.NewMockElasticsearchClient(b, func(w http.ResponseWriter, r *http.Request) {
		body := r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			r, err := gzip.NewReader(body)
			if err != nil {
				panic(err)
			}
			defer r.Close()
			body = r
		}

		var n int64
		var jsonw fastjson.Writer
		jsonw.RawString(`{"items":[`)
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			// Action is always "index", skip decoding it.
			if !scanner.Scan() {
				panic("expected source")
			}
			if n > 0 {
				jsonw.RawByte(',')
			}
			jsonw.RawString(`{"index":{"status":201}}`)
			n++
		}
		jsonw.RawString(`]}`)
		w.Write(jsonw.Bytes())
		atomic.AddInt64(&indexed, n)
	})
	indexer, err := docstage.NewBulkIndexer(docstage.BulkIndexerConfig{
		Client:           client,
		CompressionLevel: level,
	})
	require.NoError(b, err)

	record := benchRecord(0)
	var buf bytes.Buffer
	record.WriteTo(&buf)
	b.SetBytes(int64(buf.Len()))

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := indexer.Add(docstage.BulkIndexerItem{Index: "bench", Body: record}); err != nil {
			b.Fatal(err)
		}
		if indexer.Items() == 500 {
			if _, err := indexer.Flush(ctx); err != nil {
				b.Fatal(err)
			}
		}
	}
	if _, err := indexer.Flush(ctx); err != nil {
		b.Fatal(err)
	}
	b.StopTimer()
	if int(indexed) != b.N {
		b.Fatalf("expected %d documents indexed, got %d", b.N, indexed)
	}
}

func BenchmarkTableWriter(b *testing.B) {
	for _, mode := range []docstage.HeaderMode{docstage.HeaderFirstBatch, docstage.HeaderUnion} {
		b.Run(mode.String(), func(b *testing.B) {
			page := make([]docstage.Hit, 100)
			for i := range page {
				page[i] = docstage.Hit{
					ID:     fmt.Sprint(i),
					Source: []byte(fmt.Sprintf(`{"seq":%d,"message":"hello, \"world\"","host":{"name":"h%d","ip":["10.0.0.1"]}}`, i, i%7)),
				}
			}
			tw, err := docstage.CreateTable(filepath.Join(b.TempDir(), "bench.csv"), mode, true)
			require.NoError(b, err)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := tw.WriteBatch(page); err != nil {
					b.Fatal(err)
				}
			}
			if err := tw.Close(); err != nil {
				b.Fatal(err)
			}
		})
	}
}

func BenchmarkReconstructor(b *testing.B) {
	table := &docstage.Table{Header: []string{"_id", "seq", "ratio", "ok", "host", "tags"}}
	for i := 0; i < 1000; i++ {
		table.Rows = append(table.Rows, []string{
			fmt.Sprint(i),
			fmt.Sprint(i),
			"0.5",
			"True",
			`{'name': 'h1', 'ip': ['10.0.0.1']}`,
			`["a", "b"]`,
		})
	}
	r := docstage.NewReconstructor(docstage.Config{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Records(table)
	}
}

func benchRecord(i int) docstage.Record {
	return docstage.Record{Fields: []docstage.RecordField{
		{Name: "@timestamp", Value: "2024-01-01T00:00:00Z"},
		{Name: "seq", Value: i},
		{Name: "message", Value: "the quick brown fox jumps over the lazy dog"},
		{Name: "host", Value: map[string]any{"name": "bench"}},
	}}
}
