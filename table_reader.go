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
)

const utf8BOM = "\ufeff"

// Table is a table file read into memory.
type Table struct {
	Header []string
	Rows   [][]string

	// Skipped holds the number of malformed rows that were dropped.
	Skipped int
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// ReadTable reads the table file at path. Rows that cannot be parsed, or
// that have a different number of cells than the header, are skipped.
//
// A missing file yields an error satisfying errors.Is(err, os.ErrNotExist).
// An empty file yields an empty Table.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()
	return readTable(f)
}

func readTable(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && string(bom) == utf8BOM {
		br.Discard(len(utf8BOM))
	}
	rr := &recordReader{r: br}
	header, err := rr.Read()
	if err == io.EOF {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read table header: %w", err)
	}
	t := &Table{Header: header}
	for {
		record, err := rr.Read()
		if err == io.EOF {
			return t, nil
		}
		if errors.Is(err, errMalformedRecord) {
			t.Skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read table: %w", err)
		}
		if len(record) != len(t.Header) {
			t.Skipped++
			continue
		}
		t.Rows = append(t.Rows, record)
	}
}

var errMalformedRecord = errors.New("malformed record")

// recordReader reads the comma separated records written by writeRecord.
// Quoted fields are kept byte for byte, so a CR inside quotes survives.
// encoding/csv drops it. Blank lines are ignored.
type recordReader struct {
	r     *bufio.Reader
	field []byte
}

// Read returns the next record. When a record is malformed, the rest of its
// line is discarded and errMalformedRecord returned; reading may continue.
func (rr *recordReader) Read() ([]string, error) {
	record, err := rr.readRecord()
	if errors.Is(err, errMalformedRecord) {
		if err := rr.skipLine(); err != nil {
			return nil, err
		}
	}
	return record, err
}

func (rr *recordReader) readRecord() ([]string, error) {
	var record []string
	for {
		b, err := rr.r.Peek(1)
		if err == io.EOF {
			if record == nil {
				return nil, io.EOF
			}
			// A trailing comma ends with an empty field.
			return append(record, ""), nil
		} else if err != nil {
			return nil, err
		}
		c := b[0]
		if record == nil {
			if c == '\n' {
				rr.r.Discard(1)
				continue
			}
			if crlf, _ := rr.r.Peek(2); string(crlf) == "\r\n" {
				rr.r.Discard(2)
				continue
			}
		}
		var end byte
		if c == '"' {
			rr.r.Discard(1)
			end, err = rr.quotedField()
		} else {
			end, err = rr.bareField()
		}
		if err != nil {
			return nil, err
		}
		record = append(record, string(rr.field))
		if end != ',' {
			return record, nil
		}
	}
}

// quotedField reads a field after its opening quote. It returns the byte
// that ended the field: a comma, a newline, or 0 at EOF.
func (rr *recordReader) quotedField() (byte, error) {
	rr.field = rr.field[:0]
	for {
		c, err := rr.r.ReadByte()
		if err == io.EOF {
			return 0, fmt.Errorf("%w: unterminated quoted field", errMalformedRecord)
		} else if err != nil {
			return 0, err
		}
		if c != '"' {
			rr.field = append(rr.field, c)
			continue
		}
		c, err = rr.r.ReadByte()
		switch {
		case err == io.EOF:
			return 0, nil
		case err != nil:
			return 0, err
		case c == '"':
			rr.field = append(rr.field, '"')
		case c == ',' || c == '\n':
			return c, nil
		case c == '\r' && rr.atLF():
			return '\n', nil
		default:
			return 0, fmt.Errorf("%w: unexpected %q after quoted field", errMalformedRecord, c)
		}
	}
}

// bareField reads an unquoted field. A CRLF line ending is not part of it.
func (rr *recordReader) bareField() (byte, error) {
	rr.field = rr.field[:0]
	for {
		c, err := rr.r.ReadByte()
		if err == io.EOF {
			return 0, nil
		} else if err != nil {
			return 0, err
		}
		switch {
		case c == ',' || c == '\n':
			return c, nil
		case c == '\r' && rr.atLF():
			return '\n', nil
		case c == '"':
			return 0, fmt.Errorf("%w: bare quote in unquoted field", errMalformedRecord)
		}
		rr.field = append(rr.field, c)
	}
}

// atLF consumes a LF if it is the next byte.
func (rr *recordReader) atLF() bool {
	if b, err := rr.r.Peek(1); err == nil && b[0] == '\n' {
		rr.r.Discard(1)
		return true
	}
	return false
}

func (rr *recordReader) skipLine() error {
	for {
		_, err := rr.r.ReadSlice('\n')
		switch err {
		case nil, io.EOF:
			return nil
		case bufio.ErrBufferFull:
			continue
		default:
			return err
		}
	}
}
