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

// Package docstagetest provides an in-memory fake of the Elasticsearch APIs
// used by docstage, for tests.
package docstagetest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

const defaultSearchSize = 10

// Document is a document stored in a Cluster.
type Document struct {
	ID     string
	Source json.RawMessage
}

// Requests counts the requests served by a Cluster.
type Requests struct {
	Searches       int
	ScrollAdvances int
	ScrollClears   int
	Catalogs       int
	Bulks          int

	// Refreshes counts the bulk requests asking for a refresh.
	Refreshes int
}

// ItemStatusFunc decides the status of a single bulk item. Statuses of 300
// and above reject the item.
type ItemStatusFunc func(index, id string, source []byte) int

type index struct {
	docs []Document
	ids  map[string]int
}

type scroll struct {
	index    string
	docs     []Document
	pos      int
	size     int
	advances int
}

// Cluster is an in-memory cluster serving the search, scroll, clear scroll,
// cat indices and bulk APIs over HTTP.
type Cluster struct {
	mu       sync.Mutex
	indices  map[string]*index
	scrolls  map[string]*scroll
	lastID   int
	requests Requests

	searchFailures map[string]int
	catalogFailure int
	bulkFailures   []int
	scrollExpiry   int
	itemStatus     ItemStatusFunc
}

// NewCluster returns an empty Cluster.
func NewCluster() *Cluster {
	return &Cluster{
		indices:        make(map[string]*index),
		scrolls:        make(map[string]*scroll),
		searchFailures: make(map[string]int),
	}
}

// CreateIndex creates an empty index, if it does not exist.
func (c *Cluster) CreateIndex(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index(name)
}

// Add stores a document in the named index, creating the index if needed.
// An empty id is replaced with a generated one.
func (c *Cluster) Add(name, id, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(name, id, json.RawMessage(source))
}

// AddN stores n documents built by source in the named index. Document IDs
// are their position, starting from 1.
func (c *Cluster) AddN(name string, n int, source func(i int) string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.put(name, strconv.Itoa(i+1), json.RawMessage(source(i)))
	}
}

// Indices returns the names of all indices, sorted.
func (c *Cluster) Indices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.indices))
	for name := range c.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Documents returns the documents of the named index in insertion order.
func (c *Cluster) Documents(name string) []Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indices[name]
	if !ok {
		return nil
	}
	return append([]Document(nil), idx.docs...)
}

// Requests returns the request counters.
func (c *Cluster) Requests() Requests {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// OpenScrolls returns the number of scroll contexts not cleared yet.
func (c *Cluster) OpenScrolls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scrolls)
}

// FailSearch makes searches on the named index fail with status.
func (c *Cluster) FailSearch(name string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchFailures[name] = status
}

// FailCatalog makes _cat/indices requests fail with status.
func (c *Cluster) FailCatalog(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalogFailure = status
}

// FailBulk makes the next len(statuses) bulk requests fail, in order, with
// the given statuses.
func (c *Cluster) FailBulk(statuses ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bulkFailures = append(c.bulkFailures, statuses...)
}

// ExpireScrollsAfter makes scroll contexts expire once they have been
// advanced n times.
func (c *Cluster) ExpireScrollsAfter(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scrollExpiry = n
}

// SetItemStatus installs f to decide the status of every bulk item.
func (c *Cluster) SetItemStatus(f ItemStatusFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itemStatus = f
}

func (c *Cluster) index(name string) *index {
	idx, ok := c.indices[name]
	if !ok {
		idx = &index{ids: make(map[string]int)}
		c.indices[name] = idx
	}
	return idx
}

func (c *Cluster) put(name, id string, source json.RawMessage) (created bool) {
	idx := c.index(name)
	if id == "" {
		c.lastID++
		id = fmt.Sprintf("gen-%d", c.lastID)
	}
	doc := Document{ID: id, Source: append(json.RawMessage(nil), source...)}
	if pos, ok := idx.ids[id]; ok {
		idx.docs[pos] = doc
		return false
	}
	idx.ids[id] = len(idx.docs)
	idx.docs = append(idx.docs, doc)
	return true
}

// ServeHTTP implements http.Handler.
func (c *Cluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// go-elasticsearch checks the product header on every response.
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	c.mu.Lock()
	defer c.mu.Unlock()

	p := strings.Trim(r.URL.Path, "/")
	switch {
	case p == "_bulk":
		c.handleBulk(w, r)
	case p == "_search/scroll" || strings.HasPrefix(p, "_search/scroll/"):
		if r.Method == http.MethodDelete {
			c.handleClearScroll(w, r)
		} else {
			c.handleScroll(w, r)
		}
	case p == "_cat/indices" || strings.HasPrefix(p, "_cat/indices/"):
		c.handleCatalog(w, r, strings.TrimPrefix(strings.TrimPrefix(p, "_cat/indices"), "/"))
	case strings.HasSuffix(p, "/_search"):
		c.handleSearch(w, r, strings.TrimSuffix(p, "/_search"))
	default:
		writeError(w, http.StatusNotFound, "not_found", "no handler for "+r.URL.Path, "")
	}
}

type searchHit struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id,omitempty"`
	Took     int    `json:"took"`
	TimedOut bool   `json:"timed_out"`
	Hits     struct {
		Total struct {
			Value    int    `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

func (c *Cluster) handleSearch(w http.ResponseWriter, r *http.Request, name string) {
	c.requests.Searches++
	if status, ok := c.searchFailures[name]; ok {
		writeError(w, status, "search_phase_execution_exception", "all shards failed", "")
		return
	}
	idx, ok := c.indices[name]
	if !ok {
		writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]", "")
		return
	}
	size := defaultSearchSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "illegal_argument_exception", "invalid size", "")
			return
		}
		size = n
	}
	s := &scroll{index: name, docs: append([]Document(nil), idx.docs...), size: size}
	var scrollID string
	if r.URL.Query().Has("scroll") {
		c.lastID++
		scrollID = "scroll-" + strconv.Itoa(c.lastID)
		c.scrolls[scrollID] = s
	}
	writeJSON(w, http.StatusOK, page(scrollID, s))
}

func page(scrollID string, s *scroll) searchResponse {
	var resp searchResponse
	resp.ScrollID = scrollID
	resp.Hits.Total.Value = len(s.docs)
	resp.Hits.Total.Relation = "eq"
	resp.Hits.Hits = []searchHit{}
	end := min(s.pos+s.size, len(s.docs))
	for _, doc := range s.docs[s.pos:end] {
		resp.Hits.Hits = append(resp.Hits.Hits, searchHit{Index: s.index, ID: doc.ID, Score: 1, Source: doc.Source})
	}
	s.pos = end
	return resp
}

func (c *Cluster) handleScroll(w http.ResponseWriter, r *http.Request) {
	c.requests.ScrollAdvances++
	ids := scrollIDs(r)
	if len(ids) != 1 {
		writeError(w, http.StatusBadRequest, "action_request_validation_exception", "scrollId is missing", "")
		return
	}
	s, ok := c.scrolls[ids[0]]
	if ok && c.scrollExpiry > 0 && s.advances >= c.scrollExpiry {
		delete(c.scrolls, ids[0])
		ok = false
	}
	if !ok {
		writeError(w, http.StatusNotFound,
			"search_phase_execution_exception", "all shards failed",
			"search_context_missing_exception",
		)
		return
	}
	s.advances++
	writeJSON(w, http.StatusOK, page(ids[0], s))
}

func (c *Cluster) handleClearScroll(w http.ResponseWriter, r *http.Request) {
	c.requests.ScrollClears++
	freed := 0
	for _, id := range scrollIDs(r) {
		if _, ok := c.scrolls[id]; ok {
			delete(c.scrolls, id)
			freed++
		}
	}
	status := http.StatusOK
	if freed == 0 {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{"succeeded": true, "num_freed": freed})
}

// scrollIDs returns the scroll IDs of a scroll or clear scroll request,
// taken from the path, the query string or the body.
func scrollIDs(r *http.Request) []string {
	p := strings.Trim(r.URL.Path, "/")
	if rest, ok := strings.CutPrefix(p, "_search/scroll/"); ok && rest != "" {
		return strings.Split(rest, ",")
	}
	if v := r.URL.Query().Get("scroll_id"); v != "" {
		return strings.Split(v, ",")
	}
	var body struct {
		ScrollID json.RawMessage `json:"scroll_id"`
	}
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.ScrollID) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(body.ScrollID, &ids); err == nil {
		return ids
	}
	var id string
	if err := json.Unmarshal(body.ScrollID, &id); err == nil && id != "" {
		return []string{id}
	}
	return nil
}

func (c *Cluster) handleCatalog(w http.ResponseWriter, r *http.Request, pattern string) {
	c.requests.Catalogs++
	if c.catalogFailure != 0 {
		writeError(w, c.catalogFailure, "security_exception", "action [indices:monitor/stats] is unauthorized", "")
		return
	}
	rows := []map[string]string{}
	for name := range c.indices {
		if pattern != "" && !matchAny(pattern, name) {
			continue
		}
		rows = append(rows, map[string]string{"index": name})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i]["index"] > rows[j]["index"] })
	writeJSON(w, http.StatusOK, rows)
}

func matchAny(patterns, name string) bool {
	for _, pattern := range strings.Split(patterns, ",") {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (c *Cluster) handleBulk(w http.ResponseWriter, r *http.Request) {
	c.requests.Bulks++
	if r.URL.Query().Get("refresh") == "true" {
		c.requests.Refreshes++
	}
	if len(c.bulkFailures) > 0 {
		status := c.bulkFailures[0]
		c.bulkFailures = c.bulkFailures[1:]
		errType := "illegal_argument_exception"
		if status == http.StatusTooManyRequests {
			errType = "es_rejected_execution_exception"
		}
		writeError(w, status, errType, "bulk request rejected", "")
		return
	}
	items, result := DecodeBulkRequest(r)
	for i, item := range items {
		status := http.StatusCreated
		if c.itemStatus != nil {
			status = c.itemStatus(item.Index, item.ID, item.Source)
		}
		resItem := result.Items[i][item.Action]
		resItem.Status = status
		if status >= 300 {
			resItem.Error.Type, resItem.Error.Reason = itemError(status)
		} else if !c.put(item.Index, item.ID, item.Source) {
			resItem.Status = http.StatusOK
		}
		result.Items[i][item.Action] = resItem
	}
	writeJSON(w, http.StatusOK, result)
}

func itemError(status int) (string, string) {
	switch {
	case status == http.StatusTooManyRequests:
		return "es_rejected_execution_exception", "rejected execution of coordinating operation"
	case status < 500:
		return "mapper_parsing_exception", "failed to parse field [value] of type [long]. Preview of field's value: 'x'"
	}
	return "internal_server_error", "internal error"
}

// BulkItem is a single action of a bulk request.
type BulkItem struct {
	Action string
	Index  string
	ID     string
	Source json.RawMessage
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded items and a response body.
func DecodeBulkRequest(r *http.Request) ([]BulkItem, esutil.BulkIndexerResponse) {
	var body io.Reader = r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var items []BulkItem
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		action := make(map[string]struct {
			Index string `json:"_index"`
			ID    string `json:"_id"`
		})
		if err := json.NewDecoder(strings.NewReader(scanner.Text())).Decode(&action); err != nil {
			panic(err)
		}
		var item BulkItem
		for actionType, meta := range action {
			item.Action = actionType
			item.Index = meta.Index
			item.ID = meta.ID
		}
		if !scanner.Scan() {
			panic("expected source")
		}

		doc := append([]byte{}, scanner.Bytes()...)
		if !json.Valid(doc) {
			panic(fmt.Errorf("invalid JSON: %s", doc))
		}
		item.Source = doc
		items = append(items, item)

		resItem := esutil.BulkIndexerResponseItem{Index: item.Index, DocumentID: item.ID, Status: http.StatusCreated}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{item.Action: resItem})
	}
	return items, result
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, reason, rootCause string) {
	if rootCause == "" {
		rootCause = errType
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"root_cause": []map[string]string{{"type": rootCause, "reason": reason}},
			"type":       errType,
			"reason":     reason,
		},
		"status": status,
	})
}

// NewClient starts an httptest.Server serving cluster, and returns an
// elasticsearch.Client sending requests to it. The httptest.Server will be
// closed via t.Cleanup.
func NewClient(t testing.TB, cluster *Cluster) *elasticsearch.Client {
	return newClient(t, cluster)
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends
// /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	return newClient(t, mux)
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch product checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}

func newClient(t testing.TB, handler http.Handler) *elasticsearch.Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}
