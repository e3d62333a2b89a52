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
	"io"
	"sort"
	"strings"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/tidwall/gjson"
)

// IndexEnumerator supplies the names of the indices a run operates on.
type IndexEnumerator interface {
	Indices(ctx context.Context) ([]string, error)
}

// StaticIndices is a fixed list of index names.
type StaticIndices []string

// Indices returns a copy of the list.
func (s StaticIndices) Indices(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// CatalogIndices lists the indices that exist on a cluster.
type CatalogIndices struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// Pattern holds an optional index expression, e.g. "logs-*".
	Pattern string

	// IncludeHidden includes indices whose name starts with a dot.
	IncludeHidden bool
}

// Indices queries the _cat/indices API and returns the sorted index names.
func (c CatalogIndices) Indices(ctx context.Context) ([]string, error) {
	if c.Client == nil {
		return nil, errors.New("client is nil")
	}
	req := esapi.CatIndicesRequest{
		Format: "json",
		H:      []string{"index"},
	}
	if c.Pattern != "" {
		req.Index = []string{c.Pattern}
	}
	if c.IncludeHidden {
		req.ExpandWildcards = "all"
	}
	res, err := req.Do(ctx, c.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to list indices: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read index list: %w", err)
	}
	if res.IsError() {
		return nil, responseError("cat indices", res, body)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("failed to decode index list: invalid JSON")
	}
	var indices []string
	gjson.GetBytes(body, "#.index").ForEach(func(_, v gjson.Result) bool {
		name := v.String()
		if name == "" || (!c.IncludeHidden && strings.HasPrefix(name, ".")) {
			return true
		}
		indices = append(indices, name)
		return true
	})
	sort.Strings(indices)
	return indices, nil
}

// StageIndices lists the indices with a table in a Stage.
type StageIndices struct {
	Stage Stage
}

// Indices returns the indices listed by the stage.
func (s StageIndices) Indices(ctx context.Context) ([]string, error) {
	if s.Stage == nil {
		return nil, errors.New("stage is nil")
	}
	return s.Stage.List(ctx)
}
