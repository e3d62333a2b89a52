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
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TableExt is the file extension of staged tables.
const TableExt = ".csv"

// TableName returns the file name of the table holding index.
func TableName(index string) string {
	return index + TableExt
}

// Stage is the location tables are staged in between an export and an
// import. Tables are always written and read through local files; a Stage
// backed by remote storage moves them in Publish and Fetch.
type Stage interface {
	// Create returns the local path the table of index must be written to.
	Create(ctx context.Context, index string) (string, error)

	// Publish is called once the table of index has been completely
	// written to path.
	Publish(ctx context.Context, index, path string) error

	// Fetch returns the local path of the table of index. It returns an
	// error satisfying errors.Is(err, os.ErrNotExist) when the stage holds
	// no table for index.
	Fetch(ctx context.Context, index string) (string, error)

	// List returns the names of the indices with a table in the stage.
	List(ctx context.Context) ([]string, error)
}

// LocalStage stages tables in a local directory.
type LocalStage struct {
	// Dir holds the directory. If empty, the working directory is used.
	Dir string
}

func (s LocalStage) path(index string) string {
	return filepath.Join(s.Dir, TableName(index))
}

// Create ensures the directory exists and returns the table path.
func (s LocalStage) Create(_ context.Context, index string) (string, error) {
	if s.Dir != "" {
		if err := os.MkdirAll(s.Dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create stage directory: %w", err)
		}
	}
	return s.path(index), nil
}

// Publish is a no-op, the table is already in place.
func (LocalStage) Publish(context.Context, string, string) error {
	return nil
}

// Fetch returns the table path if the table exists.
func (s LocalStage) Fetch(_ context.Context, index string) (string, error) {
	p := s.path(index)
	if _, err := os.Stat(p); err != nil {
		return "", err
	}
	return p, nil
}

// List returns the indices of every table in the directory, sorted by name.
func (s LocalStage) List(context.Context) ([]string, error) {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage directory: %w", err)
	}
	var indices []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, TableExt) {
			continue
		}
		if index := strings.TrimSuffix(name, TableExt); index != "" {
			indices = append(indices, index)
		}
	}
	sort.Strings(indices)
	return indices, nil
}
