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

// Package pgxnative implements the native layer on top of pgconn, the low
// level PostgreSQL protocol driver of pgx.
//
// Plain statements without parameters use the simple protocol and may
// return several result sets. Statements with parameters, prepared
// statements and procedure calls use the extended protocol and return one.
package pgxnative

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
)

// Driver opens pgconn connections.
type Driver struct {
	// ChunkSize splits text and bytea values longer than this into several
	// chunks. Zero delivers every value whole.
	ChunkSize int

	Logger *slog.Logger
}

var _ native.Driver = (*Driver)(nil)

// Open implements native.Driver.
func (d *Driver) Open(ctx context.Context, connString string) (native.Conn, error) {
	config, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, mterrors.InvalidParameter("connectionString", err.Error())
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		chunkSize: d.ChunkSize,
		logger:    logger,
		types:     pgtype.NewMap(),
		cursors:   make(map[native.StatementID]*cursor),
		prepared:  make(map[native.StatementID]*pgconn.StatementDescription),
	}
	config.OnNotice = c.onNotice

	conn, err := pgconn.ConnectConfig(ctx, config)
	if err != nil {
		return nil, toDiagnostic(err)
	}
	c.conn = conn
	return c, nil
}

// Conn is a native connection backed by a *pgconn.PgConn.
type Conn struct {
	conn      *pgconn.PgConn
	chunkSize int
	logger    *slog.Logger
	types     *pgtype.Map

	// mu guards notices, which the OnNotice callback fills while a call
	// is outstanding.
	mu      sync.Mutex
	notices []*mterrors.Diagnostic

	cursors  map[native.StatementID]*cursor
	prepared map[native.StatementID]*pgconn.StatementDescription
}

var _ native.Conn = (*Conn)(nil)

type cursor struct {
	multi  *pgconn.MultiResultReader
	result *pgconn.ResultReader
	fields []pgconn.FieldDescription
	done   bool

	row    [][]byte
	col    int
	offset int
	value  any

	procedure bool
	outputs   []any
}

func (c *Conn) onNotice(_ *pgconn.PgConn, n *pgconn.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, fromNotice(n))
}

func (c *Conn) takeNotices() []*mterrors.Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.notices
	c.notices = nil
	return out
}

// Close implements native.Conn.
func (c *Conn) Close(ctx context.Context) error {
	return toDiagnostic(c.conn.Close(ctx))
}

// Query implements native.Conn.
func (c *Conn) Query(ctx context.Context, id native.StatementID, text string, params []native.Param) (*native.Meta, error) {
	cur := &cursor{}
	c.cursors[id] = cur
	if len(params) == 0 {
		cur.multi = c.conn.Exec(ctx, text)
		return c.advance(cur)
	}

	values, oids, err := c.encodeParams(params, nil)
	if err != nil {
		return nil, err
	}
	cur.result = c.conn.ExecParams(ctx, text, values, oids, nil, nil)
	return c.position(cur)
}

// Prepare implements native.Conn.
func (c *Conn) Prepare(ctx context.Context, id native.StatementID, text string) (*native.Meta, error) {
	sd, err := c.conn.Prepare(ctx, statementName(id), text, nil)
	if err != nil {
		return nil, toDiagnostic(err)
	}
	c.prepared[id] = sd
	return c.describe(sd.Fields, -1), nil
}

// BindQuery implements native.Conn.
func (c *Conn) BindQuery(ctx context.Context, id, stmt native.StatementID, params []native.Param) (*native.Meta, error) {
	sd, ok := c.prepared[stmt]
	if !ok {
		return nil, &mterrors.Diagnostic{Severity: "ERROR", Code: "26000", Message: fmt.Sprintf("prepared statement %q does not exist", statementName(stmt))}
	}
	values, _, err := c.encodeParams(params, sd.ParamOIDs)
	if err != nil {
		return nil, err
	}
	cur := &cursor{result: c.conn.ExecPrepared(ctx, sd.Name, values, nil, nil)}
	c.cursors[id] = cur
	return c.position(cur)
}

// CallProcedure implements native.Conn. Output parameters come back as the
// single row of the CALL result and are kept for Unbind.
func (c *Conn) CallProcedure(ctx context.Context, id native.StatementID, name string, params []native.Param) (*native.Meta, error) {
	args := make([]string, len(params))
	inputs := make([]native.Param, 0, len(params))
	for i, p := range params {
		if p.Output {
			args[i] = "NULL"
			continue
		}
		inputs = append(inputs, p)
		args[i] = fmt.Sprintf("$%d", len(inputs))
	}

	text := fmt.Sprintf("CALL %s(%s)", quoteQualified(name), strings.Join(args, ", "))
	meta, err := c.Query(ctx, id, text, inputs)
	c.cursors[id].procedure = true
	return meta, err
}

func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func statementName(id native.StatementID) string {
	return fmt.Sprintf("nativepool_%d", id)
}

// advance moves a multi-result statement to its next result set.
func (c *Conn) advance(cur *cursor) (*native.Meta, error) {
	if cur.multi == nil || cur.done {
		return nil, nil
	}
	if !cur.multi.NextResult() {
		cur.done = true
		if err := cur.multi.Close(); err != nil {
			return nil, toDiagnostic(err)
		}
		return nil, nil
	}
	cur.result = cur.multi.ResultReader()
	return c.position(cur)
}

// position describes the result reader the cursor is on. A result without
// fields is consumed immediately to learn its row count.
func (c *Conn) position(cur *cursor) (*native.Meta, error) {
	cur.fields = cur.result.FieldDescriptions()
	cur.row = nil
	if len(cur.fields) > 0 {
		return c.describe(cur.fields, -1), nil
	}

	tag, err := cur.result.Close()
	cur.result = nil
	if cur.multi == nil {
		cur.done = true
	}
	if err != nil {
		return nil, toDiagnostic(err)
	}
	return c.describe(nil, tag.RowsAffected()), nil
}

func (c *Conn) describe(fields []pgconn.FieldDescription, rowCount int64) *native.Meta {
	meta := &native.Meta{RowCount: rowCount, Messages: c.takeNotices()}
	for _, f := range fields {
		col := native.Column{
			Name:     f.Name,
			TypeID:   f.DataTypeOID,
			Size:     int(f.DataTypeSize),
			Nullable: true,
		}
		if t, ok := c.types.TypeForOID(f.DataTypeOID); ok {
			col.TypeName = t.Name
		}
		meta.Columns = append(meta.Columns, col)
	}
	return meta
}

func (c *Conn) cursor(id native.StatementID) (*cursor, error) {
	cur, ok := c.cursors[id]
	if !ok {
		return nil, &mterrors.Diagnostic{Severity: "ERROR", Code: "HY010", Message: fmt.Sprintf("statement %d is not open", id)}
	}
	return cur, nil
}

// ReadRow implements native.Conn.
func (c *Conn) ReadRow(ctx context.Context, id native.StatementID) (native.RowStatus, error) {
	cur, err := c.cursor(id)
	if err != nil {
		return native.RowStatus{}, err
	}
	if cur.result == nil {
		return native.RowStatus{EndOfRows: true}, nil
	}
	cur.col, cur.offset, cur.value = -1, 0, nil
	if cur.result.NextRow() {
		cur.row = cur.result.Values()
		if cur.procedure {
			cur.outputs = cur.outputs[:0]
			for i := range cur.row {
				v, err := c.decode(cur.fields[i], cur.row[i])
				if err != nil {
					return native.RowStatus{}, err
				}
				cur.outputs = append(cur.outputs, v)
			}
		}
		return native.RowStatus{}, nil
	}

	tag, err := cur.result.Close()
	cur.result, cur.row = nil, nil
	if err != nil {
		return native.RowStatus{}, toDiagnostic(err)
	}
	return native.RowStatus{EndOfRows: true, RowCount: tag.RowsAffected()}, nil
}

// ReadColumn implements native.Conn.
func (c *Conn) ReadColumn(ctx context.Context, id native.StatementID, col int) (native.Chunk, error) {
	cur, err := c.cursor(id)
	if err != nil {
		return native.Chunk{}, err
	}
	if cur.row == nil || col < 0 || col >= len(cur.row) {
		return native.Chunk{}, &mterrors.Diagnostic{Severity: "ERROR", Code: "07009", Message: fmt.Sprintf("invalid column %d", col)}
	}
	if col != cur.col {
		v, err := c.decode(cur.fields[col], cur.row[col])
		if err != nil {
			return native.Chunk{}, err
		}
		cur.col, cur.offset, cur.value = col, 0, v
	}

	size := c.chunkSize
	switch v := cur.value.(type) {
	case string:
		if size > 0 && len(v)-cur.offset > size {
			out := v[cur.offset : cur.offset+size]
			cur.offset += size
			return native.Chunk{Value: out, More: true}, nil
		}
		out := v[cur.offset:]
		cur.offset = len(v)
		return native.Chunk{Value: out}, nil
	case []byte:
		if size > 0 && len(v)-cur.offset > size {
			out := v[cur.offset : cur.offset+size]
			cur.offset += size
			return native.Chunk{Value: out, More: true}, nil
		}
		out := v[cur.offset:]
		cur.offset = len(v)
		return native.Chunk{Value: out}, nil
	}
	return native.Chunk{Value: cur.value}, nil
}

// decode converts a text-format value. Numerics stay strings so no
// precision is lost.
func (c *Conn) decode(f pgconn.FieldDescription, raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if f.DataTypeOID == pgtype.NumericOID {
		return string(raw), nil
	}
	t, ok := c.types.TypeForOID(f.DataTypeOID)
	if !ok {
		return string(raw), nil
	}
	v, err := t.Codec.DecodeValue(c.types, f.DataTypeOID, f.Format, raw)
	if err != nil {
		return nil, &mterrors.Diagnostic{Severity: "ERROR", Code: "22000", Message: fmt.Sprintf("decode column %q: %v", f.Name, err)}
	}
	return v, nil
}

// encodeParams encodes parameters in text format. Strings are passed
// through untyped so the server infers their type.
func (c *Conn) encodeParams(params []native.Param, oids []uint32) ([][]byte, []uint32, error) {
	values := make([][]byte, len(params))
	types := make([]uint32, len(params))
	for i, p := range params {
		oid := uint32(0)
		if i < len(oids) {
			oid = oids[i]
		}
		switch v := p.Value.(type) {
		case nil:
			continue
		case string:
			values[i] = []byte(v)
			types[i] = oid
			continue
		}
		if oid == 0 {
			oid = oidFor(p.Value)
		}
		buf, err := c.types.Encode(oid, pgtype.TextFormatCode, p.Value, nil)
		if err != nil {
			return nil, nil, mterrors.InvalidParameter(paramName(p, i), err.Error())
		}
		values[i] = buf
		types[i] = oid
	}
	return values, types, nil
}

// oidFor picks the parameter type of a non-string value.
func oidFor(v any) uint32 {
	switch v.(type) {
	case bool:
		return pgtype.BoolOID
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return pgtype.Int8OID
	case float32, float64:
		return pgtype.Float8OID
	case []byte:
		return pgtype.ByteaOID
	case time.Time:
		return pgtype.TimestamptzOID
	}
	return pgtype.TextOID
}

func paramName(p native.Param, i int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("$%d", i+1)
}

// NextResult implements native.Conn.
func (c *Conn) NextResult(ctx context.Context, id native.StatementID) (*native.Meta, error) {
	cur, err := c.cursor(id)
	if err != nil {
		return nil, err
	}
	if cur.result != nil {
		_, err := cur.result.Close()
		cur.result = nil
		if err != nil {
			return nil, toDiagnostic(err)
		}
	}
	return c.advance(cur)
}

// CancelQuery implements native.Conn. It sends a cancel request on a
// separate connection, so it is safe while a call is outstanding.
//
// The server cancels whatever the connection runs when the request
// arrives; id is not part of the protocol. Callers must hold off starting
// the next statement until CancelQuery returned. A request that reaches the
// server after id finished there but before the client read its completion
// is dropped by the server as the connection is idle.
func (c *Conn) CancelQuery(ctx context.Context, id native.StatementID) error {
	return toDiagnostic(c.conn.CancelRequest(ctx))
}

// PollingMode implements native.Conn. pgconn can always cancel.
func (c *Conn) PollingMode(ctx context.Context, id native.StatementID, enabled bool) error {
	return nil
}

// FreeStatement implements native.Conn.
func (c *Conn) FreeStatement(ctx context.Context, id native.StatementID) error {
	var firstErr error
	if cur, ok := c.cursors[id]; ok {
		delete(c.cursors, id)
		if cur.result != nil {
			if _, err := cur.result.Close(); err != nil {
				firstErr = toDiagnostic(err)
			}
		}
		if cur.multi != nil && !cur.done {
			if err := cur.multi.Close(); err != nil && firstErr == nil {
				firstErr = toDiagnostic(err)
			}
		}
	}
	if sd, ok := c.prepared[id]; ok {
		delete(c.prepared, id)
		if err := c.conn.Deallocate(ctx, sd.Name); err != nil && firstErr == nil {
			firstErr = toDiagnostic(err)
		}
	}
	return firstErr
}

// Unbind implements native.Conn.
func (c *Conn) Unbind(ctx context.Context, id native.StatementID) ([]any, error) {
	cur, err := c.cursor(id)
	if err != nil {
		return nil, err
	}
	return append([]any(nil), cur.outputs...), nil
}

// BeginTransaction implements native.Conn.
func (c *Conn) BeginTransaction(ctx context.Context) error {
	return c.exec(ctx, "BEGIN")
}

// Commit implements native.Conn.
func (c *Conn) Commit(ctx context.Context) error {
	return c.exec(ctx, "COMMIT")
}

// Rollback implements native.Conn.
func (c *Conn) Rollback(ctx context.Context) error {
	return c.exec(ctx, "ROLLBACK")
}

func (c *Conn) exec(ctx context.Context, sql string) error {
	_, err := c.conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		c.logger.DebugContext(ctx, "transaction verb failed", "sql", sql, "error", err)
	}
	return toDiagnostic(err)
}
