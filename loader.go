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
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// LoadResult summarizes the bulk requests issued for one index.
type LoadResult struct {
	Indexed  int64
	Retried  int64
	Requests int
	Failed   []BulkIndexerResponseItem
}

// LoadError is returned when some documents of an index were rejected.
// Documents accepted before or alongside the rejected ones stay indexed.
type LoadError struct {
	Index  string
	Failed int
	Total  int

	// Reasons counts the rejected documents per error type and reason.
	Reasons map[string]int
}

func (e *LoadError) Error() string {
	reasons := make([]string, 0, len(e.Reasons))
	for reason := range e.Reasons {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if e.Reasons[reasons[i]] != e.Reasons[reasons[j]] {
			return e.Reasons[reasons[i]] > e.Reasons[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})
	if len(reasons) > 3 {
		reasons = append(reasons[:3], "...")
	}
	return fmt.Sprintf("failed to index %d of %d documents into '%s': %s",
		e.Failed, e.Total, e.Index, strings.Join(reasons, "; "),
	)
}

func newLoadError(index string, total int, failed []BulkIndexerResponseItem) *LoadError {
	e := &LoadError{Index: index, Failed: len(failed), Total: total, Reasons: make(map[string]int)}
	for _, item := range failed {
		key := fmt.Sprintf("[%d]", item.Status)
		if item.Error.Type != "" {
			key = fmt.Sprintf("%s %s: %s", key, item.Error.Type, item.Error.Reason)
		}
		e.Reasons[key]++
	}
	return e
}

// Loader indexes reconstructed records into Elasticsearch.
//
// With a zero batch size all records of an index are sent in one bulk
// request. Documents, or whole requests, rejected with 429 Too Many Requests
// are retried with exponential backoff up to the configured number of
// retries. Each Load leases a BulkIndexer from the Loader's pool, so a Loader
// is safe for concurrent use.
type Loader struct {
	pool       *BulkIndexerPool
	batchSize  int
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
	metrics    *metrics
	stats      *counters
	attrs      attribute.Set
}

// NewLoader returns a Loader configured from cfg.
func NewLoader(client esapi.Transport, cfg Config) (*Loader, error) {
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := newIndexerPool(client, cfg)
	if err != nil {
		return nil, err
	}
	return newLoader(pool, cfg, ms, &counters{}), nil
}

// newIndexerPool returns a pool with one indexer per concurrently processed
// index.
func newIndexerPool(client esapi.Transport, cfg Config) (*BulkIndexerPool, error) {
	pool, err := NewBulkIndexerPool(cfg.Concurrency, BulkIndexerConfig{
		Client:           client,
		CompressionLevel: cfg.CompressionLevel,
		Pipeline:         cfg.Pipeline,
		Refresh:          !cfg.DisableRefresh,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating bulk indexer pool: %w", err)
	}
	return pool, nil
}

func newLoader(pool *BulkIndexerPool, cfg Config, ms *metrics, stats *counters) *Loader {
	return &Loader{
		pool:       pool,
		batchSize:  cfg.BulkBatchSize,
		maxRetries: cfg.MaxDocumentRetries,
		backoff:    cfg.RetryBackoff,
		logger:     cfg.Logger,
		metrics:    ms,
		stats:      stats,
		attrs:      cfg.MetricAttributes,
	}
}

// Load indexes records into index. It returns a *LoadError if any document
// was rejected, and stops at the first failed bulk request.
func (l *Loader) Load(ctx context.Context, index string, records []Record) (LoadResult, error) {
	var result LoadResult
	if index == "" {
		return result, errMissingIndex
	}
	indexer, err := l.pool.Get(ctx)
	if err != nil {
		return result, err
	}
	defer l.pool.Put(indexer)
	for _, chunk := range batch(records, l.batchSize) {
		if err := l.loadChunk(ctx, indexer, index, chunk, &result); err != nil {
			return result, err
		}
	}
	if len(result.Failed) > 0 {
		return result, newLoadError(index, len(records), result.Failed)
	}
	return result, nil
}

func (l *Loader) loadChunk(ctx context.Context, indexer *BulkIndexer, index string, chunk []Record, result *LoadResult) error {
	pending := chunk
	backoff := l.backoff
	for attempt := 0; ; attempt++ {
		for _, rec := range pending {
			if err := indexer.Add(BulkIndexerItem{
				Index:      index,
				DocumentID: rec.ID,
				Body:       rec,
			}); err != nil {
				return err
			}
		}
		stat, err := l.flush(ctx, indexer, index)
		result.Requests++
		if err != nil {
			var resErr *ResponseError
			if errors.As(err, &resErr) && resErr.TooManyRequests() && attempt < l.maxRetries {
				l.logger.Warn("bulk request rate limited, retrying",
					zap.Int("documents", len(pending)),
					zap.Duration("backoff", backoff),
				)
				if err := sleepContext(ctx, backoff); err != nil {
					return err
				}
				result.Retried += int64(len(pending))
				l.recordRetried(len(pending))
				backoff *= 2
				continue
			}
			return err
		}
		result.Indexed += stat.Indexed

		var retry []Record
		for _, item := range stat.FailedDocs {
			if item.Status == http.StatusTooManyRequests && attempt < l.maxRetries && item.Position < len(pending) {
				retry = append(retry, pending[item.Position])
				continue
			}
			result.Failed = append(result.Failed, item)
		}
		if len(retry) == 0 {
			return nil
		}
		result.Retried += int64(len(retry))
		l.recordRetried(len(retry))
		if err := sleepContext(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		pending = retry
	}
}

func (l *Loader) recordRetried(n int) {
	l.stats.docsRetried.Add(int64(n))
	l.metrics.docsRetried.Add(context.Background(), int64(n), metric.WithAttributeSet(l.attrs))
}

func (l *Loader) flush(ctx context.Context, indexer *BulkIndexer, index string) (BulkIndexerResponseStat, error) {
	n := indexer.Items()
	attrs := metric.WithAttributeSet(l.attrs)
	var stat BulkIndexerResponseStat
	var err error
	took := timeFunc(func() {
		stat, err = indexer.Flush(ctx)
	})
	l.stats.bulkRequests.Add(1)
	l.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	l.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	if flushed := indexer.BytesFlushed(); flushed > 0 {
		l.stats.bytesTotal.Add(int64(flushed))
		l.metrics.bytesTotal.Add(context.Background(), int64(flushed), attrs)
	}
	if flushed := indexer.BytesUncompressedFlushed(); flushed > 0 {
		l.stats.bytesUncompressedTotal.Add(int64(flushed))
		l.metrics.bytesUncompressedTotal.Add(context.Background(), int64(flushed), attrs)
	}
	if err != nil {
		l.logger.Error("bulk indexing request failed", zap.Error(err))
		status := "Failed"
		var resErr *ResponseError
		if errors.As(err, &resErr) {
			switch {
			case resErr.TooManyRequests():
				status = "TooMany"
			case resErr.StatusCode >= 500:
				status = "FailedServer"
			default:
				status = "FailedClient"
			}
			l.metrics.docsIndexed.Add(context.Background(), int64(n), attrs,
				metric.WithAttributes(
					attribute.String("status", status),
					semconv.HTTPResponseStatusCode(resErr.StatusCode),
				),
			)
		} else {
			l.metrics.docsIndexed.Add(context.Background(), int64(n), attrs,
				metric.WithAttributes(attribute.String("status", status)),
			)
		}
		return stat, err
	}

	var tooMany, clientFailed, serverFailed int64
	failedCount := make(map[string]int)
	for _, info := range stat.FailedDocs {
		switch {
		case info.Status == http.StatusTooManyRequests:
			tooMany++
		case info.Status >= 500:
			serverFailed++
		default:
			clientFailed++
		}
		failedCount[info.Error.Type+": "+info.Error.Reason]++
	}
	for reason, count := range failedCount {
		l.logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s)", index, reason),
			zap.Int("documents", count),
		)
	}
	for status, count := range map[string]int64{
		"Success":      stat.Indexed,
		"TooMany":      tooMany,
		"FailedClient": clientFailed,
		"FailedServer": serverFailed,
	} {
		if count > 0 {
			l.metrics.docsIndexed.Add(context.Background(), count, attrs,
				metric.WithAttributes(attribute.String("status", status)),
			)
		}
	}
	l.logger.Debug("bulk request completed",
		zap.Int64("docs_indexed", stat.Indexed),
		zap.Int("docs_failed", len(stat.FailedDocs)),
		zap.Int64("docs_rate_limited", tooMany),
		zap.Duration("took", took),
	)
	return stat, nil
}

// batch splits items into consecutive chunks of at most size items. A size
// of zero or less yields a single chunk.
func batch[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
