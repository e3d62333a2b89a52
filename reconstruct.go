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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// ColumnKind is the kind of values a table column holds.
type ColumnKind int

const (
	ColumnString ColumnKind = iota
	ColumnNumber
	ColumnBool
	// ColumnStructured holds objects or arrays in text form.
	ColumnStructured
)

func (k ColumnKind) String() string {
	switch k {
	case ColumnString:
		return "string"
	case ColumnNumber:
		return "number"
	case ColumnBool:
		return "bool"
	case ColumnStructured:
		return "structured"
	}
	return fmt.Sprintf("ColumnKind(%d)", int(k))
}

// Record is a document rebuilt from a table row.
type Record struct {
	// ID holds the document ID, taken from the _id column if the table has
	// one.
	ID     string
	Fields []RecordField
}

// RecordField is a single field of a Record.
type RecordField struct {
	Name  string
	Value any
}

// Map returns the fields of r as a map.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.Fields))
	for _, f := range r.Fields {
		m[f.Name] = f.Value
	}
	return m
}

// WriteTo writes r as a single line JSON object, fields in table order.
func (r Record) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	stream := canonicalJSON.BorrowStream(cw)
	defer canonicalJSON.ReturnStream(stream)
	stream.WriteObjectStart()
	for i, f := range r.Fields {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(f.Name)
		stream.WriteVal(f.Value)
	}
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return cw.n, fmt.Errorf("failed to encode document: %w", stream.Error)
	}
	err := stream.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Reconstructor rebuilds documents from table rows.
//
// Columns whose sampled values look like objects or arrays are parsed back
// into structures, first as JSON and then as Python-style literals. A cell
// that cannot be parsed keeps its text and is counted as unparsed. Other
// columns hold scalars: empty and NaN cells are null, and unless scalar
// inference is disabled, columns made only of numbers or only of booleans
// are converted.
type Reconstructor struct {
	logger       *zap.Logger
	sampleSize   int
	inferScalars bool
	omitNulls    bool
}

// NewReconstructor returns a Reconstructor configured from cfg.
func NewReconstructor(cfg Config) *Reconstructor {
	cfg = DefaultConfig(cfg)
	return &Reconstructor{
		logger:       cfg.Logger,
		sampleSize:   cfg.SampleSize,
		inferScalars: !cfg.DisableScalarInference,
		omitNulls:    cfg.OmitNulls,
	}
}

func isNullCell(cell string) bool {
	switch cell {
	case "", "NaN", "nan":
		return true
	}
	return false
}

func looksStructured(cell string) bool {
	s := strings.TrimSpace(cell)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func isBoolCell(cell string) bool {
	switch cell {
	case "true", "false", "True", "False", "TRUE", "FALSE":
		return true
	}
	return false
}

// Columns returns the kind of every column of t.
func (r *Reconstructor) Columns(t *Table) []ColumnKind {
	kinds := make([]ColumnKind, len(t.Header))
	for col := range t.Header {
		kinds[col] = r.columnKind(t, col)
	}
	return kinds
}

func (r *Reconstructor) columnKind(t *Table, col int) ColumnKind {
	sampled := 0
	for _, row := range t.Rows {
		if sampled >= r.sampleSize {
			break
		}
		if isNullCell(row[col]) {
			continue
		}
		sampled++
		if looksStructured(row[col]) {
			return ColumnStructured
		}
	}
	if !r.inferScalars || sampled == 0 || t.Header[col] == IDColumn {
		return ColumnString
	}
	numbers, bools := true, true
	for _, row := range t.Rows {
		cell := row[col]
		if isNullCell(cell) {
			continue
		}
		numbers = numbers && isJSONNumber(cell)
		bools = bools && isBoolCell(cell)
		if !numbers && !bools {
			return ColumnString
		}
	}
	if numbers {
		return ColumnNumber
	}
	return ColumnBool
}

// Records rebuilds one Record per row of t. It returns the records and the
// number of structured cells that could not be parsed.
func (r *Reconstructor) Records(t *Table) ([]Record, int) {
	kinds := r.Columns(t)
	idCol := -1
	for i, name := range t.Header {
		if name == IDColumn {
			idCol = i
			break
		}
	}
	unparsed := 0
	records := make([]Record, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := Record{Fields: make([]RecordField, 0, len(t.Header))}
		for col, cell := range row {
			if col == idCol {
				rec.ID = cell
				continue
			}
			name := t.Header[col]
			value, err := r.cellValue(kinds[col], cell)
			if err != nil {
				unparsed++
				r.logger.Warn("failed to parse structured value",
					zap.String("column", name),
					zap.String("value", truncate(cell, 100)),
					zap.Error(err),
				)
			}
			if value == nil && r.omitNulls {
				continue
			}
			rec.Fields = append(rec.Fields, RecordField{Name: name, Value: value})
		}
		records = append(records, rec)
	}
	return records, unparsed
}

func (r *Reconstructor) cellValue(kind ColumnKind, cell string) (any, error) {
	if isNullCell(cell) {
		return nil, nil
	}
	switch kind {
	case ColumnNumber:
		return json.Number(cell), nil
	case ColumnBool:
		return strings.EqualFold(cell, "true"), nil
	case ColumnStructured:
		return parseStructured(cell)
	}
	return cell, nil
}

// parseStructured parses cell as a JSON or Python-style object or array.
// On failure the trimmed text is returned along with the error.
func parseStructured(cell string) (any, error) {
	s := strings.TrimSpace(cell)
	if !looksStructured(s) {
		return s, nil
	}
	var v any
	jsonErr := canonicalJSON.UnmarshalFromString(s, &v)
	if jsonErr == nil && isContainer(v) {
		return v, nil
	}
	lit, isSet, litErr := parseLiteral(s)
	if litErr == nil && isSet {
		// Sets are not objects or arrays; the cell stays text.
		return s, nil
	}
	if litErr == nil && isContainer(lit) {
		return lit, nil
	}
	if litErr == nil {
		litErr = errors.New("not an object or array")
	}
	return s, litErr
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
