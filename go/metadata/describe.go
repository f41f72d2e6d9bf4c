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

package metadata

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/stmt"
)

// DefaultSchema is used for names without a schema qualifier.
const DefaultSchema = "public"

// Querier runs catalog queries. Both sessions and pools implement it.
type Querier interface {
	QueryRaw(ctx context.Context, st stmt.Statement, opts ...notifier.Option) (*notifier.Notifier, error)
}

// Parameter is one procedure parameter.
type Parameter struct {
	Name     string
	Type     string
	Mode     string
	Position int
}

// Output reports whether the parameter returns a value.
func (p Parameter) Output() bool {
	return p.Mode == "OUT" || p.Mode == "INOUT"
}

// Procedure describes a stored procedure.
type Procedure struct {
	Schema string
	Name   string
	Params []Parameter
}

// QualifiedName returns the quoted schema-qualified name.
func (p *Procedure) QualifiedName() string {
	return pq.QuoteIdentifier(p.Schema) + "." + pq.QuoteIdentifier(p.Name)
}

// Bind builds call parameters in declaration order. Input parameters take
// their value from values by name; output parameters carry no value.
func (p *Procedure) Bind(values map[string]any) ([]native.Param, error) {
	params := make([]native.Param, 0, len(p.Params))
	for _, param := range p.Params {
		if param.Mode == "OUT" {
			params = append(params, stmt.Out(param.Name))
			continue
		}
		v, ok := values[param.Name]
		if !ok {
			return nil, mterrors.InvalidParameter(param.Name, "no value for procedure parameter")
		}
		if param.Mode == "INOUT" {
			// The native layer binds INOUT parameters from their input value.
			params = append(params, native.Param{Name: param.Name, Value: v})
			continue
		}
		params = append(params, stmt.In(param.Name, v))
	}
	return params, nil
}

// Column is one table column.
type Column struct {
	Name      string
	Type      string
	Nullable  bool
	Position  int
	MaxLength int
}

// Table describes a table.
type Table struct {
	Schema  string
	Name    string
	Columns []Column
}

// QualifiedName returns the quoted schema-qualified name.
func (t *Table) QualifiedName() string {
	return pq.QuoteIdentifier(t.Schema) + "." + pq.QuoteIdentifier(t.Name)
}

func (t *Table) columnList() string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = pq.QuoteIdentifier(c.Name)
	}
	return strings.Join(names, ", ")
}

// SelectSQL returns a statement selecting every column of the table.
func (t *Table) SelectSQL() string {
	return "SELECT " + t.columnList() + " FROM " + t.QualifiedName()
}

// InsertSQL returns a statement inserting one row, with one positional
// placeholder per column.
func (t *Table) InsertSQL() string {
	placeholders := make([]string, len(t.Columns))
	for i := range t.Columns {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.QualifiedName(), t.columnList(), strings.Join(placeholders, ", "))
}

// Describer loads procedure and table descriptions through a Querier and
// caches them.
type Describer struct {
	q          Querier
	procedures Cache[*Procedure]
	tables     Cache[*Table]
}

// NewDescriber creates a Describer with empty caches.
func NewDescriber(q Querier) *Describer {
	return &Describer{q: q}
}

// Procedure describes the named procedure, optionally schema-qualified.
func (d *Describer) Procedure(ctx context.Context, name string) (*Procedure, error) {
	schema, object, err := splitName(name)
	if err != nil {
		return nil, err
	}
	return d.procedures.Get(ctx, schema+"."+object, func(ctx context.Context) (*Procedure, error) {
		return d.loadProcedure(ctx, schema, object)
	})
}

// Table describes the named table, optionally schema-qualified.
func (d *Describer) Table(ctx context.Context, name string) (*Table, error) {
	schema, object, err := splitName(name)
	if err != nil {
		return nil, err
	}
	return d.tables.Get(ctx, schema+"."+object, func(ctx context.Context) (*Table, error) {
		return d.loadTable(ctx, schema, object)
	})
}

// Invalidate forgets any cached description of name.
func (d *Describer) Invalidate(name string) {
	schema, object, err := splitName(name)
	if err != nil {
		return
	}
	d.procedures.Invalidate(schema + "." + object)
	d.tables.Invalidate(schema + "." + object)
}

// Procedures returns the procedure cache.
func (d *Describer) Procedures() *Cache[*Procedure] { return &d.procedures }

// Tables returns the table cache.
func (d *Describer) Tables() *Cache[*Table] { return &d.tables }

func procedureSQL(schema, name string) string {
	return "SELECT p.parameter_name, p.data_type, p.parameter_mode, p.ordinal_position" +
		" FROM information_schema.routines r" +
		" LEFT JOIN information_schema.parameters p" +
		" ON p.specific_schema = r.specific_schema AND p.specific_name = r.specific_name" +
		" WHERE r.routine_schema = " + pq.QuoteLiteral(schema) +
		" AND r.routine_name = " + pq.QuoteLiteral(name) +
		" ORDER BY p.ordinal_position"
}

func tableSQL(schema, name string) string {
	return "SELECT column_name, data_type, is_nullable, ordinal_position, character_maximum_length" +
		" FROM information_schema.columns" +
		" WHERE table_schema = " + pq.QuoteLiteral(schema) +
		" AND table_name = " + pq.QuoteLiteral(name) +
		" ORDER BY ordinal_position"
}

func (d *Describer) rows(ctx context.Context, sql string) ([][]any, error) {
	n, err := d.q.QueryRaw(ctx, stmt.New(sql))
	if err != nil {
		return nil, err
	}
	r, err := n.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return r.First().Rows, nil
}

func (d *Describer) loadProcedure(ctx context.Context, schema, name string) (*Procedure, error) {
	rows, err := d.rows(ctx, procedureSQL(schema, name))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, mterrors.InvalidParameter("procedure", fmt.Sprintf("%s.%s does not exist", schema, name))
	}
	p := &Procedure{Schema: schema, Name: name}
	for _, row := range rows {
		// A procedure without parameters yields one row of NULLs.
		if len(row) < 4 || (row[0] == nil && row[3] == nil) {
			continue
		}
		p.Params = append(p.Params, Parameter{
			Name:     asString(row[0]),
			Type:     asString(row[1]),
			Mode:     strings.ToUpper(asString(row[2])),
			Position: asInt(row[3]),
		})
	}
	return p, nil
}

func (d *Describer) loadTable(ctx context.Context, schema, name string) (*Table, error) {
	rows, err := d.rows(ctx, tableSQL(schema, name))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, mterrors.InvalidParameter("table", fmt.Sprintf("%s.%s does not exist", schema, name))
	}
	t := &Table{Schema: schema, Name: name}
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		t.Columns = append(t.Columns, Column{
			Name:      asString(row[0]),
			Type:      asString(row[1]),
			Nullable:  strings.EqualFold(asString(row[2]), "YES"),
			Position:  asInt(row[3]),
			MaxLength: asInt(row[4]),
		})
	}
	return t, nil
}

// splitName splits "schema.object" and defaults the schema.
func splitName(name string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", mterrors.InvalidParameter("name", "empty object name")
	}
	schema, object, ok := strings.Cut(name, ".")
	if !ok {
		return DefaultSchema, name, nil
	}
	if schema == "" || object == "" || strings.Contains(object, ".") {
		return "", "", mterrors.InvalidParameter("name", fmt.Sprintf("%q is not a valid object name", name))
	}
	return schema, object, nil
}

func asString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func asInt(v any) int {
	switch v := v.(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
