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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
	"github.com/multigres/nativepool/go/native/fakenative"
	"github.com/multigres/nativepool/go/session"
	"github.com/multigres/nativepool/go/stmt"
)

func newDescriber(t *testing.T) (*Describer, *fakenative.DB) {
	t.Helper()
	db := fakenative.New(t)
	s, err := session.Open(t.Context(), db, "fake")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return NewDescriber(s), db
}

var tableColumns = []string{"column_name", "data_type", "is_nullable", "ordinal_position", "character_maximum_length"}

func TestDescribeTable(t *testing.T) {
	d, db := newDescriber(t)
	db.AddQuery(tableSQL("public", "users"), fakenative.Rows(tableColumns,
		[]any{"id", "bigint", "NO", int64(1), nil},
		[]any{"name", "character varying", "YES", int64(2), int64(64)},
	))

	tbl, err := d.Table(t.Context(), "users")
	require.NoError(t, err)
	assert.Equal(t, "public", tbl.Schema)
	require.Len(t, tbl.Columns, 2)
	assert.Equal(t, Column{Name: "name", Type: "character varying", Nullable: true, Position: 2, MaxLength: 64}, tbl.Columns[1])
	assert.False(t, tbl.Columns[0].Nullable)

	assert.Equal(t, `SELECT "id", "name" FROM "public"."users"`, tbl.SelectSQL())
	assert.Equal(t, `INSERT INTO "public"."users" ("id", "name") VALUES ($1, $2)`, tbl.InsertSQL())

	_, err = d.Table(t.Context(), "public.users")
	require.NoError(t, err)
	assert.Equal(t, 1, db.GetQueryCalledNum(tableSQL("public", "users")), "second lookup is served from the cache")
	assert.Equal(t, 1, d.Tables().Len())

	d.Invalidate("users")
	_, err = d.Table(t.Context(), "users")
	require.NoError(t, err)
	assert.Equal(t, 2, db.GetQueryCalledNum(tableSQL("public", "users")))
}

func TestDescribeMissingTable(t *testing.T) {
	d, db := newDescriber(t)
	db.AddQuery(tableSQL("audit", "nope"), fakenative.Rows(tableColumns))

	_, err := d.Table(t.Context(), "audit.nope")
	assert.ErrorIs(t, err, mterrors.ErrInvalidParameter)
	assert.Zero(t, d.Tables().Len(), "failures are not cached")
}

func TestDescribeProcedure(t *testing.T) {
	d, db := newDescriber(t)
	cols := []string{"parameter_name", "data_type", "parameter_mode", "ordinal_position"}
	db.AddQuery(procedureSQL("public", "transfer"), fakenative.Rows(cols,
		[]any{"src", "bigint", "IN", int64(1)},
		[]any{"amount", "numeric", "INOUT", int64(2)},
		[]any{"balance", "numeric", "OUT", int64(3)},
	))
	db.AddQuery(procedureSQL("public", "vacuum_all"), fakenative.Rows(cols, []any{nil, nil, nil, nil}))

	p, err := d.Procedure(t.Context(), "transfer")
	require.NoError(t, err)
	require.Len(t, p.Params, 3)
	assert.True(t, p.Params[2].Output())
	assert.Equal(t, `"public"."transfer"`, p.QualifiedName())

	params, err := p.Bind(map[string]any{"src": int64(7), "amount": "10.50"})
	require.NoError(t, err)
	assert.Equal(t, []native.Param{
		stmt.In("src", int64(7)),
		{Name: "amount", Value: "10.50"},
		stmt.Out("balance"),
	}, params)

	_, err = p.Bind(map[string]any{"src": int64(7)})
	assert.ErrorIs(t, err, mterrors.ErrInvalidParameter)

	p, err = d.Procedure(t.Context(), "vacuum_all")
	require.NoError(t, err)
	assert.Empty(t, p.Params)
}

func TestSplitName(t *testing.T) {
	for _, tc := range []struct {
		in             string
		schema, object string
		wantErr        bool
	}{
		{in: "users", schema: "public", object: "users"},
		{in: "audit.log", schema: "audit", object: "log"},
		{in: "", wantErr: true},
		{in: ".log", wantErr: true},
		{in: "a.b.c", wantErr: true},
	} {
		schema, object, err := splitName(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, mterrors.ErrInvalidParameter, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.schema, schema)
		assert.Equal(t, tc.object, object)
	}
}

// TestConcurrentLoadsShareOneQuery checks that concurrent describers of the
// same table issue a single catalog query.
func TestConcurrentLoadsShareOneQuery(t *testing.T) {
	d, db := newDescriber(t)
	db.AddQuery(tableSQL("public", "users"), &fakenative.ExpectedResult{
		Sets:  []fakenative.ResultSet{{Columns: tableColumns, Rows: [][]any{{"id", "bigint", "NO", int64(1), nil}}}},
		Delay: 20 * time.Millisecond,
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl, err := d.Table(t.Context(), "users")
			if assert.NoError(t, err) {
				assert.Len(t, tbl.Columns, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, db.GetQueryCalledNum(tableSQL("public", "users")))
}

func TestCacheCallerCancellation(t *testing.T) {
	var c Cache[int]
	var loads atomic.Int32
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := c.Get(ctx, "k", func(ctx context.Context) (int, error) {
		loads.Add(1)
		<-release
		return 1, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	v, err := c.Get(t.Context(), "k", func(ctx context.Context) (int, error) {
		loads.Add(1)
		return 2, nil
	})
	require.NoError(t, err)
	assert.Contains(t, []int{1, 2}, v, "the detached load may still win")

	_, err = c.Get(t.Context(), "bad", func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
}
