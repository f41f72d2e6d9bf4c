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

// Package native defines the contract of the native connectivity layer: the
// component that performs the actual database communication.
//
// The layer is opaque. Nothing above it interprets SQL text or parameter
// encoding, and nothing above it is allowed to issue a second call on a
// Conn while one is outstanding; the session's command queue guarantees
// that. CancelQuery is the only call that may be made concurrently with an
// outstanding one.
//
// Each call blocks until the native completion arrives. Errors reported by
// the database are *mterrors.Diagnostic values.
package native

import (
	"context"

	"github.com/multigres/nativepool/go/mterrors"
)

// StatementID identifies a statement on a connection. Query ids issued by
// the notifier allocator are used directly as statement ids.
type StatementID = uint64

// Column describes one column of a result set.
type Column struct {
	Name     string
	TypeName string
	TypeID   uint32
	Size     int
	Nullable bool
}

// Meta describes the result set the statement is positioned on.
type Meta struct {
	// Columns is empty for a rowcount-only result, such as an INSERT.
	Columns []Column

	// RowCount is the number of affected rows of a rowcount-only result, or
	// -1 when unknown.
	RowCount int64

	// Messages are informational diagnostics (SQLSTATE class 01) that
	// arrived together with this result.
	Messages []*mterrors.Diagnostic
}

// RowCountOnly reports whether the result carries no columns.
func (m *Meta) RowCountOnly() bool {
	return len(m.Columns) == 0
}

// RowStatus is the outcome of ReadRow.
type RowStatus struct {
	// EndOfRows is set once the result set has no further rows.
	EndOfRows bool

	// RowCount is the final row count, valid when EndOfRows is set.
	RowCount int64
}

// Chunk is one piece of a column value. Large values may be delivered in
// several chunks; More is set on every chunk but the last.
type Chunk struct {
	Value any
	More  bool
}

// Param is a bound parameter. Encoding is the native layer's business.
type Param struct {
	Name  string
	Value any
	// Output marks a procedure output parameter, returned by Unbind.
	Output bool
}

// Driver opens native connections.
type Driver interface {
	Open(ctx context.Context, connString string) (Conn, error)
}

// Conn is one native connection handle. It is not reentrant.
type Conn interface {
	// Close releases the native handle.
	Close(ctx context.Context) error

	// Query executes SQL text and positions the statement on its first
	// result set.
	Query(ctx context.Context, id StatementID, text string, params []Param) (*Meta, error)

	// Prepare prepares SQL text under id without executing it.
	Prepare(ctx context.Context, id StatementID, text string) (*Meta, error)

	// BindQuery executes the prepared statement stmt with params. Results
	// are read under id.
	BindQuery(ctx context.Context, id, stmt StatementID, params []Param) (*Meta, error)

	// CallProcedure invokes a stored procedure by name.
	CallProcedure(ctx context.Context, id StatementID, name string, params []Param) (*Meta, error)

	// ReadRow advances to the next row of the current result set.
	ReadRow(ctx context.Context, id StatementID) (RowStatus, error)

	// ReadColumn reads the next chunk of column col of the current row.
	ReadColumn(ctx context.Context, id StatementID, col int) (Chunk, error)

	// NextResult positions the statement on its next result set. It
	// returns a nil Meta and nil error once all result sets are consumed.
	NextResult(ctx context.Context, id StatementID) (*Meta, error)

	// CancelQuery asks the server to abandon statement id. It may be called
	// while another call is outstanding.
	CancelQuery(ctx context.Context, id StatementID) error

	// PollingMode enables or disables cancellation support for id.
	PollingMode(ctx context.Context, id StatementID, enabled bool) error

	// FreeStatement releases all native resources of id.
	FreeStatement(ctx context.Context, id StatementID) error

	// Unbind returns the output parameter values of a procedure call.
	Unbind(ctx context.Context, id StatementID) ([]any, error)

	BeginTransaction(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
