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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docstage"
	"github.com/elastic/go-docstage/docstagetest"
)

func TestBulkIndexer(t *testing.T) {
	for _, tc := range []struct {
		Name             string
		CompressionLevel int
	}{
		{Name: "no_compression", CompressionLevel: gzip.NoCompression},
		{Name: "default_compression", CompressionLevel: gzip.DefaultCompression},
		{Name: "most_compression", CompressionLevel: gzip.BestCompression},
		{Name: "speed_compression", CompressionLevel: gzip.BestSpeed},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			cluster := docstagetest.NewCluster()
			indexer, err := docstage.NewBulkIndexer(docstage.BulkIndexerConfig{
				Client:           docstagetest.NewClient(t, cluster),
				CompressionLevel: tc.CompressionLevel,
				Refresh:          true,
			})
			require.NoError(t, err)

			itemCount := 1_000
			for i := 0; i < itemCount; i++ {
				require.NoError(t, indexer.Add(docstage.BulkIndexerItem{
					Index:      "testidx",
					DocumentID: fmt.Sprintf("id-%d", i),
					Body:       strings.NewReader(fmt.Sprintf(`{"n":%d}`, i)),
				}))
			}
			require.Equal(t, itemCount, indexer.Items())

			uncompressed := indexer.UncompressedLen()
			if tc.CompressionLevel != gzip.NoCompression {
				assert.Less(t, indexer.Len(), uncompressed)
			} else {
				assert.Equal(t, uncompressed, indexer.Len())
			}
			stat, err := indexer.Flush(context.Background())
			require.NoError(t, err)
			require.Equal(t, int64(itemCount), stat.Indexed)
			require.Empty(t, stat.FailedDocs)
			require.Equal(t, uncompressed, indexer.BytesUncompressedFlushed())
			require.Greater(t, indexer.BytesFlushed(), 0)

			// nothing is in the buffer once flushed
			require.Equal(t, 0, indexer.Items())
			require.Equal(t, 0, indexer.Len())
			require.Equal(t, 0, indexer.UncompressedLen())

			docs := cluster.Documents("testidx")
			require.Len(t, docs, itemCount)
			assert.Equal(t, "id-42", docs[42].ID)
			assert.JSONEq(t, `{"n":42}`, string(docs[42].Source))
			assert.Equal(t, 1, cluster.Requests().Refreshes)

			// Flushing an empty buffer sends nothing.
			stat, err = indexer.Flush(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stat.Indexed)
			assert.Equal(t, 1, cluster.Requests().Bulks)
		})
	}
}

func TestBulkIndexerFailedItems(t *testing.T) {
	cluster := docstagetest.NewCluster()
	cluster.SetItemStatus(func(index, id string, source []byte) int {
		switch id {
		case "2":
			return http.StatusBadRequest
		case "3":
			return http.StatusTooManyRequests
		}
		return http.StatusCreated
	})
	indexer, err := docstage.NewBulkIndexer(docstage.BulkIndexerConfig{
		Client: docstagetest.NewClient(t, cluster),
	})
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, indexer.Add(docstage.BulkIndexerItem{
			Index:      "testidx",
			DocumentID: id,
			Body:       strings.NewReader(`{"value":"x"}`),
		}))
	}
	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Indexed)
	require.Len(t, stat.FailedDocs, 2)

	assert.Equal(t, "testidx", stat.FailedDocs[0].Index)
	assert.Equal(t, http.StatusBadRequest, stat.FailedDocs[0].Status)
	assert.Equal(t, 1, stat.FailedDocs[0].Position)
	assert.Equal(t, "mapper_parsing_exception", stat.FailedDocs[0].Error.Type)
	// The field value preview is cut from the reason.
	assert.Equal(t, "failed to parse field [value] of type [long]", stat.FailedDocs[0].Error.Reason)

	assert.Equal(t, http.StatusTooManyRequests, stat.FailedDocs[1].Status)
	assert.Equal(t, 2, stat.FailedDocs[1].Position)
	assert.Equal(t, "es_rejected_execution_exception", stat.FailedDocs[1].Error.Type)

	assert.Len(t, cluster.Documents("testidx"), 1)
	assert.Zero(t, cluster.Requests().Refreshes)
}

func TestBulkIndexerRequestError(t *testing.T) {
	cluster := docstagetest.NewCluster()
	cluster.FailBulk(http.StatusTooManyRequests)
	indexer, err := docstage.NewBulkIndexer(docstage.BulkIndexerConfig{
		Client: docstagetest.NewClient(t, cluster),
	})
	require.NoError(t, err)

	require.NoError(t, indexer.Add(docstage.BulkIndexerItem{
		Index: "testidx",
		Body:  strings.NewReader(`{}`),
	}))
	_, err = indexer.Flush(context.Background())
	var resErr *docstage.ResponseError
	require.True(t, errors.As(err, &resErr))
	assert.True(t, resErr.TooManyRequests())
	assert.Equal(t, "es_rejected_execution_exception", resErr.Type)

	// The buffer is cleared even though the request failed.
	assert.Equal(t, 0, indexer.Items())
	assert.Equal(t, 0, indexer.Len())
}

func TestBulkIndexerMeta(t *testing.T) {
	var meta []map[string]map[string]string
	var query string
	client := docstagetest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		items, result := docstagetest.DecodeBulkRequest(r)
		for _, item := range items {
			m := map[string]string{"_index": item.Index}
			if item.ID != "" {
				m["_id"] = item.ID
			}
			meta = append(meta, map[string]map[string]string{item.Action: m})
		}
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := docstage.NewBulkIndexer(docstage.BulkIndexerConfig{
		Client:   client,
		Pipeline: "test-pipeline",
	})
	require.NoError(t, err)

	require.NoError(t, indexer.Add(docstage.BulkIndexerItem{
		Index:      "testidx",
		DocumentID: `quoted "id"`,
		Body:       strings.NewReader(`{"a":1}`),
	}))
	require.NoError(t, indexer.Add(docstage.BulkIndexerItem{
		Index: "testidx",
		Body:  strings.NewReader(`{"a":2}`),
	}))
	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), stat.Indexed)

	assert.Equal(t, []map[string]map[string]string{
		{"index": {"_index": "testidx", "_id": `quoted "id"`}},
		{"index": {"_index": "testidx"}},
	}, meta)
	assert.Contains(t, query, "pipeline=test-pipeline")
	assert.NotContains(t, query, "refresh")
}

func TestBulkIndexerValidation(t *testing.T) {
	_, err := docstage.NewBulkIndexer(docstage.BulkIndexerConfig{})
	assert.EqualError(t, err, "client is nil")

	client := docstagetest.NewClient(t, docstagetest.NewCluster())
	_, err = docstage.NewBulkIndexer(docstage.BulkIndexerConfig{Client: client, CompressionLevel: 10})
	assert.EqualError(t, err, "expected CompressionLevel in range [-1,9], got 10")

	indexer, err := docstage.NewBulkIndexer(docstage.BulkIndexerConfig{Client: client})
	require.NoError(t, err)
	assert.Error(t, indexer.Add(docstage.BulkIndexerItem{Body: strings.NewReader(`{}`)}))
	assert.Error(t, indexer.Add(docstage.BulkIndexerItem{Index: "testidx"}))
	assert.Equal(t, 0, indexer.Items())
}
