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
)

// BulkIndexerPool leases BulkIndexers to concurrent loads and recycles
// them, so that request buffers and gzip writers are reused from one index
// to the next.
//
// At most max indexers are leased at any time. Get blocks until an indexer
// is put back once the limit is reached.
type BulkIndexerPool struct {
	indexers chan *BulkIndexer
	slots    chan struct{}
	config   BulkIndexerConfig
}

// NewBulkIndexerPool returns a new BulkIndexerPool leasing at most max
// indexers created from c.
func NewBulkIndexerPool(max int, c BulkIndexerConfig) (*BulkIndexerPool, error) {
	if max <= 0 {
		return nil, errors.New("expected max > 0")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &BulkIndexerPool{
		indexers: make(chan *BulkIndexer, max),
		slots:    make(chan struct{}, max),
		config:   c,
	}, nil
}

// Get leases a BulkIndexer, reusing an idle one if possible. It waits for a
// slot while the pool is at its limit, or until ctx is done.
func (p *BulkIndexerPool) Get(ctx context.Context) (*BulkIndexer, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case idx := <-p.indexers:
		return idx, nil
	default:
		return newBulkIndexer(p.config), nil
	}
}

// Put returns a leased BulkIndexer to the pool. Items still buffered are
// discarded. After calling Put no references to the indexer should be kept.
func (p *BulkIndexerPool) Put(indexer *BulkIndexer) {
	if indexer == nil {
		return
	}
	defer func() { <-p.slots }()
	if indexer.Items() > 0 {
		indexer.resetBuf()
	}
	select {
	case p.indexers <- indexer:
	default:
		// The pool is full, discard the indexer.
	}
}

// Leased returns the number of indexers currently leased.
func (p *BulkIndexerPool) Leased() int {
	return len(p.slots)
}
