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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/tidwall/gjson"
	"go.elastic.co/fastjson"
)

const matchAllQuery = `{"query":{"match_all":{}}}`

// Hit is a single document returned by a search.
type Hit struct {
	Index string
	ID    string

	// Source holds the raw JSON of the document _source.
	Source []byte
}

// Page is one batch of hits together with the scroll ID to use for
// requesting the next batch.
type Page struct {
	ScrollID string
	Hits     []Hit
}

// Len returns the number of hits in the page.
func (p Page) Len() int {
	return len(p.Hits)
}

// Scroller reads the full contents of an index page by page through the
// scroll API.
//
// A scroll context holds resources on the cluster until it is released or
// its TTL expires. Every Advance renews the TTL.
type Scroller struct {
	client   esapi.Transport
	pageSize int
	ttl      time.Duration
}

// NewScroller returns a Scroller requesting pageSize documents per page and
// keeping scroll contexts alive for ttl between requests.
func NewScroller(client esapi.Transport, pageSize int, ttl time.Duration) (*Scroller, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("expected page size > 0, got %d", pageSize)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("expected scroll TTL > 0, got %s", ttl)
	}
	return &Scroller{client: client, pageSize: pageSize, ttl: ttl}, nil
}

// Open starts a match_all scroll over index and returns the first page.
//
// An index without documents yields an empty page; that is not an error.
func (s *Scroller) Open(ctx context.Context, index string) (Page, error) {
	if index == "" {
		return Page{}, errMissingIndex
	}
	size := s.pageSize
	req := esapi.SearchRequest{
		Index:  []string{index},
		Body:   strings.NewReader(matchAllQuery),
		Size:   &size,
		Scroll: s.ttl,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return Page{}, fmt.Errorf("failed to execute the search request: %w", err)
	}
	return decodePage("search", res)
}

// Advance returns the page following the one scrollID was returned with.
// An empty page signals the scroll is exhausted.
//
// When the scroll context has expired, the returned error wraps
// ErrScrollExpired.
func (s *Scroller) Advance(ctx context.Context, scrollID string) (Page, error) {
	if scrollID == "" {
		return Page{}, errors.New("missing scroll ID")
	}
	req := esapi.ScrollRequest{
		Body:   scrollIDBody(scrollID, false),
		Scroll: s.ttl,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return Page{}, fmt.Errorf("failed to execute the scroll request: %w", err)
	}
	return decodePage("scroll", res)
}

// Release clears the scroll context, freeing its resources before the TTL
// expires. A context that no longer exists is not an error.
func (s *Scroller) Release(ctx context.Context, scrollID string) error {
	if scrollID == "" {
		return nil
	}
	req := esapi.ClearScrollRequest{
		Body: scrollIDBody(scrollID, true),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to execute the clear scroll request: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read clear scroll response: %w", err)
	}
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError("clear scroll", res, body)
	}
	return nil
}

func scrollIDBody(scrollID string, list bool) io.Reader {
	var w fastjson.Writer
	w.RawString(`{"scroll_id":`)
	if list {
		w.RawByte('[')
	}
	w.String(scrollID)
	if list {
		w.RawByte(']')
	}
	w.RawByte('}')
	return bytes.NewReader(w.Bytes())
}

func decodePage(op string, res *esapi.Response) (Page, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Page{}, fmt.Errorf("failed to read %s response: %w", op, err)
	}
	if res.IsError() {
		return Page{}, responseError(op, res, body)
	}
	if !gjson.ValidBytes(body) {
		return Page{}, fmt.Errorf("error decoding %s response: invalid JSON", op)
	}
	parsed := gjson.ParseBytes(body)
	page := Page{ScrollID: parsed.Get("_scroll_id").String()}
	hits := parsed.Get("hits.hits")
	if !hits.IsArray() {
		return Page{}, fmt.Errorf("error decoding %s response: missing hits", op)
	}
	for _, hit := range hits.Array() {
		source := hit.Get("_source")
		h := Hit{
			Index: hit.Get("_index").String(),
			ID:    hit.Get("_id").String(),
		}
		if source.Exists() {
			h.Source = []byte(source.Raw)
		} else {
			h.Source = []byte("{}")
		}
		page.Hits = append(page.Hits, h)
	}
	return page, nil
}
