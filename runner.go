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
	"fmt"
	"time"

	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// IndexStatus is the state of an index within a run.
type IndexStatus int

const (
	// StatusPending is the state of indices that were never started,
	// because the run was canceled.
	StatusPending IndexStatus = iota
	StatusSucceeded
	StatusFailed
)

func (s IndexStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("IndexStatus(%d)", int(s))
}

// IndexResult is the outcome of exporting or importing one index.
type IndexResult struct {
	Index  string
	Status IndexStatus

	// Skipped is set on succeeded indices that had nothing to transfer.
	Skipped bool

	// Documents holds the number of documents written to the table on
	// export, or indexed on import.
	Documents int64

	// Err holds the failure of failed indices, and the reason of skipped
	// ones.
	Err error

	Took time.Duration
}

// Report lists the outcome of every enumerated index, in enumeration order.
type Report struct {
	Results []IndexResult
}

// Succeeded returns the results of the indices that succeeded, skipped ones
// included.
func (r Report) Succeeded() []IndexResult {
	return r.filter(StatusSucceeded)
}

// Failed returns the results of the indices that failed.
func (r Report) Failed() []IndexResult {
	return r.filter(StatusFailed)
}

// Pending returns the results of the indices that were never started.
func (r Report) Pending() []IndexResult {
	return r.filter(StatusPending)
}

func (r Report) filter(status IndexStatus) []IndexResult {
	var results []IndexResult
	for _, res := range r.Results {
		if res.Status == status {
			results = append(results, res)
		}
	}
	return results
}

// Documents returns the number of documents transferred over all indices.
func (r Report) Documents() int64 {
	var n int64
	for _, res := range r.Results {
		n += res.Documents
	}
	return n
}

// indexFunc transfers a single index. Skipped indices return a result with
// Skipped set and a nil error.
type indexFunc func(ctx context.Context, logger *zap.Logger, index string) (IndexResult, error)

// runner drives an indexFunc over the enumerated indices. Failures are
// isolated per index: they are logged and recorded in the report, and the
// run moves on.
type runner struct {
	op      string
	config  Config
	metrics *metrics
	stats   *counters

	// tracer is an OTel tracer, and should not be confused with
	// `config.Tracer` which is an Elastic APM Tracer.
	tracer trace.Tracer
}

func newRunner(op string, cfg Config, ms *metrics, stats *counters) runner {
	r := runner{op: op, config: cfg, metrics: ms, stats: stats}
	if cfg.TracerProvider != nil {
		r.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-docstage")
	}
	return r
}

// run enumerates the indices and processes them. It only returns an error
// if enumeration fails, or if ctx is done before every index was started.
func (r *runner) run(ctx context.Context, fn indexFunc) (Report, error) {
	indices, err := r.config.Indices.Indices(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list indices: %w", err)
	}
	report := Report{Results: make([]IndexResult, len(indices))}
	for i, index := range indices {
		report.Results[i] = IndexResult{Index: index}
	}
	r.config.Logger.Info(fmt.Sprintf("starting %s", r.op),
		zap.Int("indices", len(indices)),
		zap.Int("concurrency", r.config.Concurrency),
	)

	pacer := newPacer(r.config.Pacing)
	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)
	for i, index := range indices {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := pacer.Wait(ctx); err != nil {
				return nil
			}
			report.Results[i] = r.process(ctx, index, fn)
			return nil
		})
	}
	g.Wait()

	failed := len(report.Failed())
	r.config.Logger.Info(fmt.Sprintf("%s finished", r.op),
		zap.Int("succeeded", len(report.Succeeded())),
		zap.Int("failed", failed),
		zap.Int("pending", len(report.Pending())),
		zap.Int64("documents", report.Documents()),
	)
	return report, ctx.Err()
}

// process runs fn for a single index, tracing it and recording its outcome.
func (r *runner) process(ctx context.Context, index string, fn indexFunc) IndexResult {
	logger := r.config.Logger.With(zap.String("index", index))
	// Each index is traced as the root of its own trace, linked to the
	// trace the run was started from.
	links := callerTraceContexts(ctx)
	var tx *apm.Transaction
	if r.config.Tracer != nil {
		var opts apm.TransactionOptions
		for _, l := range links {
			opts.Links = append(opts.Links, l.APMLink())
		}
		tx = r.config.Tracer.StartTransactionOptions(r.op+" "+index, "docstage", opts)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}
	var span trace.Span
	if r.tracer != nil {
		opts := []trace.SpanStartOption{
			trace.WithNewRoot(),
			trace.WithAttributes(attribute.String("index", index)),
		}
		for _, l := range links {
			opts = append(opts, trace.WithLinks(l.OTELLink()))
		}
		ctx, span = r.tracer.Start(ctx, "docstage."+r.op, opts...)
		defer span.End()

		// Add trace IDs to logger, to associate any per-index errors
		// below with the trace.
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	logger.Info(fmt.Sprintf("starting %s of index", r.op))
	start := time.Now()
	result, err := fn(ctx, logger, index)
	result.Index = index
	result.Took = time.Since(start)

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		result.Status = StatusFailed
		result.Err = err
		r.stats.indicesFailed.Add(1)
		logger.Error(fmt.Sprintf("failed to %s index", r.op), zap.Error(err))
		if tx != nil {
			apm.CaptureError(ctx, err).Send()
			tx.Result = "failure"
			tx.Outcome = "failure"
		}
		if r.tracer != nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, fmt.Sprintf("failed to %s index", r.op))
		}
	} else {
		result.Status = StatusSucceeded
		if result.Skipped {
			outcome = "skipped"
			r.stats.indicesSkipped.Add(1)
		} else {
			logger.Info(fmt.Sprintf("%s of index completed", r.op),
				zap.Int64("documents", result.Documents),
				zap.Duration("took", result.Took),
			)
		}
		if tx != nil {
			tx.Result = "success"
			tx.Outcome = "success"
		}
	}
	r.stats.indices.Add(1)
	if tx != nil {
		tx.Context.SetLabel("documents", result.Documents)
	}

	attrs := metric.WithAttributeSet(r.config.MetricAttributes)
	opAttrs := metric.WithAttributes(attribute.String("operation", r.op))
	r.metrics.indices.Add(context.Background(), 1, attrs, opAttrs,
		metric.WithAttributes(attribute.String("status", outcome)),
	)
	r.metrics.indexDuration.Record(context.Background(), result.Took.Seconds(), attrs, opAttrs)
	return result
}

// pacer spaces the start of consecutive indices. The first index waits as
// well.
type pacer struct {
	limiter *rate.Limiter
}

func newPacer(interval time.Duration) *pacer {
	if interval <= 0 {
		return &pacer{}
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	limiter.Allow()
	return &pacer{limiter: limiter}
}

func (p *pacer) Wait(ctx context.Context) error {
	if p.limiter == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}
