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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docstage"
	"github.com/elastic/go-docstage/docstagetest"
)

func TestBulkIndexerPoolConcurrent(t *testing.T) {
	// The pool must never lease more than max indexers, whatever the
	// number of goroutines asking for one.
	cluster := docstagetest.NewCluster()
	cfg := docstage.BulkIndexerConfig{Client: docstagetest.NewClient(t, cluster)}

	for _, max := range []int{1, 2, 5} {
		t.Run(fmt.Sprint(max), func(t *testing.T) {
			pool, err := docstage.NewBulkIndexerPool(max, cfg)
			require.NoError(t, err)

			var leased, peak atomic.Int64
			var wg sync.WaitGroup
			for g := 0; g < 4*max; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					indexer, err := pool.Get(context.Background())
					require.NoError(t, err)
					defer pool.Put(indexer)

					n := leased.Add(1)
					defer leased.Add(-1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					assert.Zero(t, indexer.Items())
					require.NoError(t, indexer.Add(docstage.BulkIndexerItem{
						Index: fmt.Sprintf("pool-%d", max),
						Body:  strings.NewReader(fmt.Sprintf(`{"g":%d}`, g)),
					}))
					time.Sleep(time.Millisecond)
					_, err = indexer.Flush(context.Background())
					require.NoError(t, err)
				}(g)
			}
			wg.Wait()

			assert.LessOrEqual(t, peak.Load(), int64(max))
			assert.Zero(t, pool.Leased())
			assert.Len(t, cluster.Documents(fmt.Sprintf("pool-%d", max)), 4*max)
		})
	}
}

func TestBulkIndexerPoolReuse(t *testing.T) {
	cfg := docstage.BulkIndexerConfig{Client: docstagetest.NewClient(t, docstagetest.NewCluster())}
	pool, err := docstage.NewBulkIndexerPool(1, cfg)
	require.NoError(t, err)

	first, err := pool.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Add(docstage.BulkIndexerItem{Index: "idx", Body: strings.NewReader(`{}`)}))
	assert.Equal(t, 1, pool.Leased())

	// The pool is exhausted until the indexer is put back.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Put(first)
	assert.Zero(t, pool.Leased())

	second, err := pool.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	// Items left behind are discarded.
	assert.Zero(t, second.Items())
	assert.Zero(t, second.Len())
	pool.Put(second)
	pool.Put(nil)
}

func TestNewBulkIndexerPoolValidation(t *testing.T) {
	_, err := docstage.NewBulkIndexerPool(0, docstage.BulkIndexerConfig{})
	assert.EqualError(t, err, "expected max > 0")
	_, err = docstage.NewBulkIndexerPool(1, docstage.BulkIndexerConfig{})
	assert.EqualError(t, err, "client is nil")
}
