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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// IDColumn is the name of the optional column holding document IDs.
const IDColumn = "_id"

// TableWriter appends batches of documents to a table file, one row per
// document and every cell quoted.
//
// With HeaderFirstBatch the header is derived from the first batch holding
// any field and is fixed from then on: fields missing from a document are
// written as empty cells and fields absent from the header are dropped. With
// HeaderUnion rows are spooled next to the table and the header is the union
// of all fields, written when the TableWriter is closed.
//
// A row needs at least one column. Documents without fields that arrive
// before any column is known are not written, and are counted by Skipped.
type TableWriter struct {
	mode      HeaderMode
	includeID bool

	file *os.File
	w    *bufio.Writer

	header        []string
	headerWritten bool
	columns       map[string]int
	rows          int64
	dropped       int64
	skipped       int64

	spool  *os.File
	spoolw *bufio.Writer
	closed bool
}

// CreateTable creates or truncates the table file at path.
func CreateTable(path string, mode HeaderMode, includeID bool) (*TableWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	t := &TableWriter{
		mode:      mode,
		includeID: includeID,
		file:      f,
		w:         bufio.NewWriter(f),
		columns:   make(map[string]int),
	}
	if mode == HeaderUnion {
		spool, err := os.CreateTemp(filepath.Dir(path), ".docstage-*.spool")
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create row spool: %w", err)
		}
		t.spool = spool
		t.spoolw = bufio.NewWriter(spool)
	}
	return t, nil
}

// Header returns the columns known so far.
func (t *TableWriter) Header() []string {
	return append([]string(nil), t.header...)
}

// Rows returns the number of rows written.
func (t *TableWriter) Rows() int64 {
	return t.rows
}

// Dropped returns the number of cells dropped because their field was not
// part of the header.
func (t *TableWriter) Dropped() int64 {
	return t.dropped
}

// Skipped returns the number of documents that were not written because the
// table had no columns.
func (t *TableWriter) Skipped() int64 {
	return t.skipped
}

// WriteBatch appends one row per hit.
func (t *TableWriter) WriteBatch(hits []Hit) error {
	if t.closed {
		return errors.New("table writer closed")
	}
	if len(hits) == 0 {
		return nil
	}
	rows := make([][]field, 0, len(hits))
	for _, h := range hits {
		fields, err := sourceFields(h.Source)
		if err != nil {
			return err
		}
		rows = append(rows, fields)
	}
	if t.includeID {
		t.addColumn(IDColumn)
	}
	if !t.headerWritten || t.mode == HeaderUnion {
		for _, fields := range rows {
			for _, f := range fields {
				t.addColumn(f.name)
			}
		}
	}
	if !t.headerWritten && t.mode == HeaderFirstBatch && len(t.header) > 0 {
		if err := writeRecord(t.w, t.header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		t.headerWritten = true
	}
	for i, fields := range rows {
		if len(t.header) == 0 {
			t.skipped++
			continue
		}
		record := make([]string, len(t.header))
		if t.includeID {
			record[t.columns[IDColumn]] = hits[i].ID
		}
		for _, f := range fields {
			col, ok := t.columns[f.name]
			if !ok {
				t.dropped++
				continue
			}
			cell, err := encodeCell(f.value)
			if err != nil {
				return fmt.Errorf("field %q: %w", f.name, err)
			}
			record[col] = cell
		}
		var err error
		if t.mode == HeaderUnion {
			err = t.spoolRecord(record)
		} else {
			err = writeRecord(t.w, record)
		}
		if err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		t.rows++
	}
	return nil
}

func (t *TableWriter) addColumn(name string) {
	if _, ok := t.columns[name]; ok {
		return
	}
	t.columns[name] = len(t.header)
	t.header = append(t.header, name)
}

func (t *TableWriter) spoolRecord(record []string) error {
	b, err := jsoniter.ConfigFastest.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := t.spoolw.Write(b); err != nil {
		return err
	}
	return t.spoolw.WriteByte('\n')
}

// Close finishes the table. With HeaderUnion the header and the spooled rows
// are written to the table here.
func (t *TableWriter) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	if t.spool != nil {
		if err := t.drainSpool(); err != nil {
			errs = append(errs, err)
		}
		t.spool.Close()
		if err := os.Remove(t.spool.Name()); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove row spool: %w", err))
		}
	}
	if err := t.w.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush table: %w", err))
	}
	if err := t.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close table: %w", err))
	}
	return errors.Join(errs...)
}

func (t *TableWriter) drainSpool() error {
	if err := t.spoolw.Flush(); err != nil {
		return fmt.Errorf("failed to flush row spool: %w", err)
	}
	if t.rows == 0 {
		return nil
	}
	if err := writeRecord(t.w, t.header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	t.headerWritten = true
	if _, err := t.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind row spool: %w", err)
	}
	r := bufio.NewReader(t.spool)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF && len(line) == 0 {
			return nil
		} else if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read row spool: %w", err)
		}
		var record []string
		if err := jsoniter.ConfigFastest.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("failed to decode spooled row: %w", err)
		}
		for len(record) < len(t.header) {
			record = append(record, "")
		}
		if err := writeRecord(t.w, record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
}

var quoteEscaper = strings.NewReplacer(`"`, `""`)

// writeRecord writes one comma separated line with every field quoted.
// encoding/csv only quotes fields when required.
func writeRecord(w *bufio.Writer, record []string) error {
	for i, f := range record {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if err := w.WriteByte('"'); err != nil {
			return err
		}
		if _, err := quoteEscaper.WriteString(w, f); err != nil {
			return err
		}
		if err := w.WriteByte('"'); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}
