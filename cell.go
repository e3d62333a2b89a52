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
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

// canonicalJSON encodes structured cells: compact, map keys sorted, numbers
// kept in their original text form.
var canonicalJSON = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

// field is a top-level document field in _source order.
type field struct {
	name  string
	value gjson.Result
}

// sourceFields returns the top-level fields of a _source document in the
// order they appear in the JSON text.
func sourceFields(source []byte) ([]field, error) {
	parsed := gjson.ParseBytes(source)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("document source is not an object: %.64s", source)
	}
	var fields []field
	parsed.ForEach(func(k, v gjson.Result) bool {
		fields = append(fields, field{name: k.String(), value: v})
		return true
	})
	return fields, nil
}

// encodeCell returns the text form of a field value. Objects and arrays are
// written as canonical JSON, null as an empty cell.
func encodeCell(v gjson.Result) (string, error) {
	switch v.Type {
	case gjson.Null:
		return "", nil
	case gjson.False:
		return "false", nil
	case gjson.True:
		return "true", nil
	case gjson.Number:
		return v.Raw, nil
	case gjson.String:
		return v.Str, nil
	}
	var decoded any
	if err := canonicalJSON.UnmarshalFromString(v.Raw, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode structured value: %w", err)
	}
	s, err := canonicalJSON.MarshalToString(decoded)
	if err != nil {
		return "", fmt.Errorf("failed to encode structured value: %w", err)
	}
	return s, nil
}
