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
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/tidwall/gjson"
)

var (
	// ErrScrollExpired is returned when a scroll context no longer exists on
	// the cluster, usually because a page took longer than the scroll TTL to
	// be consumed.
	ErrScrollExpired = errors.New("scroll context expired")

	// ErrEmptyTable is reported for skipped imports of tables holding no
	// data rows.
	ErrEmptyTable = errors.New("table is empty")

	// ErrEmptyIndex is reported for skipped exports of indices holding no
	// documents.
	ErrEmptyIndex = errors.New("index is empty")

	errMissingIndex = errors.New("missing index name")
)

const scrollMissingType = "search_context_missing_exception"

// ResponseError is returned when Elasticsearch answers a request with an
// error status.
type ResponseError struct {
	// Op names the failed operation, e.g. "search" or "bulk".
	Op         string
	StatusCode int
	Type       string
	Reason     string

	// RootCause holds the type of the first root cause, if reported.
	RootCause string
}

func (e *ResponseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s failed: [%d] %s", e.Op, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s failed: [%d] %s: %s", e.Op, e.StatusCode, e.Type, e.Reason)
}

// Unwrap returns ErrScrollExpired for missing scroll contexts.
func (e *ResponseError) Unwrap() error {
	if e.Type == scrollMissingType || e.RootCause == scrollMissingType {
		return ErrScrollExpired
	}
	return nil
}

// TooManyRequests reports whether the request was rejected with 429.
func (e *ResponseError) TooManyRequests() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// newResponseError builds a ResponseError from an error response body.
func newResponseError(op string, statusCode int, body []byte) *ResponseError {
	e := &ResponseError{Op: op, StatusCode: statusCode}
	errResult := gjson.GetBytes(body, "error")
	switch {
	case errResult.IsObject():
		e.Type = errResult.Get("type").String()
		e.Reason = errResult.Get("reason").String()
		e.RootCause = errResult.Get("root_cause.0.type").String()
		if e.Type == "" {
			e.Type = e.RootCause
		}
	case errResult.Exists():
		e.Reason = errResult.String()
	default:
		e.Reason = strings.TrimSpace(string(body))
	}
	if e.Reason == "" {
		e.Reason = http.StatusText(statusCode)
	}
	return e
}

func responseError(op string, res *esapi.Response, body []byte) error {
	return newResponseError(op, res.StatusCode, body)
}
