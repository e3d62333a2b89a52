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

// Package docstage moves documents between Elasticsearch indices and
// delimited staging tables.
//
// An Exporter scrolls through every document of a set of indices and appends
// each page to a "<index>.csv" table. An Importer reads those tables back,
// reconstructs structured values from their text form and bulk indexes the
// documents into a (possibly different) cluster.
//
// Indices are processed independently: a failure while exporting or importing
// one index is logged and recorded in the Report, and the run continues with
// the next index. Partial writes are never rolled back.
package docstage
