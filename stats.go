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

import "sync/atomic"

// Stats holds cumulative counters for an Exporter or Importer.
type Stats struct {
	// Indices holds the number of indices processed, whatever the outcome.
	Indices int64

	// IndicesFailed holds the number of indices that failed.
	IndicesFailed int64

	// IndicesSkipped holds the number of indices skipped because there was
	// nothing to transfer.
	IndicesSkipped int64

	// Pages holds the number of non-empty scroll pages read.
	Pages int64

	// Documents holds the number of documents written to tables on export,
	// or successfully indexed on import.
	Documents int64

	// DocumentsFailed holds the number of documents rejected by bulk
	// requests after retries.
	DocumentsFailed int64

	// DocumentsRetried holds the number of document retries after 429
	// responses.
	DocumentsRetried int64

	// BulkRequests holds the number of bulk requests issued.
	BulkRequests int64

	// BytesTotal represents the total number of bytes written to the request
	// body that is sent in the outgoing _bulk request to Elasticsearch.
	BytesTotal int64

	// BytesUncompressedTotal represents the total number of bytes written to
	// the request body before compression.
	BytesUncompressedTotal int64

	// RowsSkipped holds the number of malformed table rows skipped.
	RowsSkipped int64

	// CellsUnparsed holds the number of structured cells kept as text.
	CellsUnparsed int64
}

type counters struct {
	indices                atomic.Int64
	indicesFailed          atomic.Int64
	indicesSkipped         atomic.Int64
	pages                  atomic.Int64
	documents              atomic.Int64
	docsFailed             atomic.Int64
	docsRetried            atomic.Int64
	bulkRequests           atomic.Int64
	bytesTotal             atomic.Int64
	bytesUncompressedTotal atomic.Int64
	rowsSkipped            atomic.Int64
	cellsUnparsed          atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Indices:                c.indices.Load(),
		IndicesFailed:          c.indicesFailed.Load(),
		IndicesSkipped:         c.indicesSkipped.Load(),
		Pages:                  c.pages.Load(),
		Documents:              c.documents.Load(),
		DocumentsFailed:        c.docsFailed.Load(),
		DocumentsRetried:       c.docsRetried.Load(),
		BulkRequests:           c.bulkRequests.Load(),
		BytesTotal:             c.bytesTotal.Load(),
		BytesUncompressedTotal: c.bytesUncompressedTotal.Load(),
		RowsSkipped:            c.rowsSkipped.Load(),
		CellsUnparsed:          c.cellsUnparsed.Load(),
	}
}
