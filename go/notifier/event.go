// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notifier

import (
	"errors"
	"fmt"

	"github.com/multigres/nativepool/go/native"
)

// EventKind tags an Event.
type EventKind int

const (
	EventSubmitted EventKind = iota
	EventMeta
	EventRow
	EventColumn
	EventRowCount
	EventInfo
	EventError
	EventDone
	EventFree
)

var eventNames = [...]string{"submitted", "meta", "row", "column", "rowcount", "info", "error", "done", "free"}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one message of an operation's event stream. Which fields are
// set depends on Kind.
type Event struct {
	Kind    EventKind
	QueryID uint64

	// Set is the index of the result set, for meta, row, column and
	// rowcount events.
	Set int

	// Columns describes the result set of a meta event.
	Columns []native.Column

	// Row is the row index within its set, for row and column events.
	Row int

	// Column and Value carry one chunk of a column event.
	Column int
	Value  any

	// More is set on a column chunk that is followed by further chunks of
	// the same value, and on an error that is followed by further result
	// sets.
	More bool

	RowCount int64

	// Err is the diagnostic of an info or error event.
	Err error
}

// ResultSet is one aggregated result set.
type ResultSet struct {
	Columns  []native.Column
	Rows     [][]any
	RowCount int64

	// Records holds the rows keyed by column name, when requested with
	// WithRecords.
	Records []map[string]any
}

// Result is the aggregated outcome of an operation.
type Result struct {
	Sets         []ResultSet
	Infos        []error
	Errors       []error
	OutputParams []any
	Done         bool
}

// Err joins all error events, or returns nil.
func (r *Result) Err() error {
	return errors.Join(r.Errors...)
}

// First returns the first result set, or an empty one.
func (r *Result) First() ResultSet {
	if len(r.Sets) == 0 {
		return ResultSet{}
	}
	return r.Sets[0]
}

// aggregate folds ev into the result. Called with n.mu held.
func (n *Notifier) aggregate(ev Event) {
	r := &n.result
	switch ev.Kind {
	case EventMeta:
		r.Sets = append(r.Sets, ResultSet{Columns: ev.Columns})
	case EventRowCount:
		r.Sets = append(r.Sets, ResultSet{RowCount: ev.RowCount})
	case EventRow:
		if n.stream != nil || len(r.Sets) == 0 {
			if len(r.Sets) > 0 {
				r.Sets[len(r.Sets)-1].RowCount++
			}
			return
		}
		set := &r.Sets[len(r.Sets)-1]
		set.Rows = append(set.Rows, make([]any, len(set.Columns)))
		set.RowCount = int64(len(set.Rows))
	case EventColumn:
		if n.stream != nil || len(r.Sets) == 0 {
			return
		}
		set := &r.Sets[len(r.Sets)-1]
		if len(set.Rows) == 0 || ev.Column < 0 || ev.Column >= len(set.Columns) {
			return
		}
		row := set.Rows[len(set.Rows)-1]
		row[ev.Column] = appendChunk(row[ev.Column], ev.Value)
		if n.records && !ev.More && ev.Column == len(set.Columns)-1 {
			rec := make(map[string]any, len(set.Columns))
			for i, c := range set.Columns {
				rec[c.Name] = row[i]
			}
			set.Records = append(set.Records, rec)
		}
	case EventInfo:
		r.Infos = append(r.Infos, ev.Err)
	case EventError:
		r.Errors = append(r.Errors, ev.Err)
	case EventDone:
		r.Done = true
	}
}

// appendChunk joins chunked string and byte values.
func appendChunk(prev, next any) any {
	switch p := prev.(type) {
	case string:
		if s, ok := next.(string); ok {
			return p + s
		}
	case []byte:
		if b, ok := next.([]byte); ok {
			return append(p, b...)
		}
	case nil:
		if b, ok := next.([]byte); ok {
			return append([]byte(nil), b...)
		}
	}
	return next
}
