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

// Package fakenative provides a scripted native layer for tests.
//
// A DB holds the expected statements and their result sets, and hands out
// Conns that replay them. Every Conn counts reentrant calls so tests can
// assert that the command queue never overlaps native work on one handle.
package fakenative

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multigres/nativepool/go/mterrors"
	"github.com/multigres/nativepool/go/native"
)

// ResultSet is one scripted result set.
type ResultSet struct {
	Columns []string
	Rows    [][]any

	// RowCount is reported for rowcount-only sets and, when non-zero,
	// overrides the row count reported at end of rows.
	RowCount int64

	// Err fails this set. Later sets are still reachable via NextResult.
	Err error

	// Messages are informational diagnostics delivered with the set.
	Messages []*mterrors.Diagnostic
}

// ExpectedResult holds the scripted outcome of a statement.
type ExpectedResult struct {
	Sets []ResultSet

	// OutputParams are returned by Unbind after a procedure call.
	OutputParams []any

	// Delay is the simulated execution time of the statement.
	Delay time.Duration

	// RowDelay is the simulated time of each ReadRow.
	RowDelay time.Duration

	// ChunkSize splits string and []byte column values into chunks.
	ChunkSize int

	// BeforeFunc is synchronously called before the statement executes.
	BeforeFunc func()
}

// Rows builds a single result set with the given columns and rows.
func Rows(columns []string, rows ...[]any) *ExpectedResult {
	return &ExpectedResult{Sets: []ResultSet{{Columns: columns, Rows: rows}}}
}

// RowCount builds a single rowcount-only result.
func RowCount(n int64) *ExpectedResult {
	return &ExpectedResult{Sets: []ResultSet{{RowCount: n}}}
}

// Sets builds a result with several result sets.
func Sets(sets ...ResultSet) *ExpectedResult {
	return &ExpectedResult{Sets: sets}
}

type exprResult struct {
	expr   *regexp.Regexp
	result *ExpectedResult
	err    error
}

// DB is a fake native database. All methods are thread-safe. It implements
// native.Driver.
type DB struct {
	t    testing.TB
	name string

	mu           sync.Mutex
	data         map[string]*ExpectedResult
	rejectedData map[string]error
	patternData  map[string]exprResult
	queryCalled  map[string]int
	querylog     []string
	params       map[string][]native.Param

	openErr      error
	openFailures int
	openDelay    time.Duration
	connStrings  []string
	conns        []*Conn
	live         int
	maxLive      int

	neverFail atomic.Bool
	opens     atomic.Int64
	closes    atomic.Int64
	cancels   atomic.Int64
	frees     atomic.Int64
	reentrant atomic.Int64
}

var _ native.Driver = (*DB)(nil)

// New creates a fake database.
func New(t testing.TB) *DB {
	return &DB{
		t:            t,
		name:         "fakenative",
		data:         make(map[string]*ExpectedResult),
		rejectedData: make(map[string]error),
		patternData:  make(map[string]exprResult),
		queryCalled:  make(map[string]int),
		params:       make(map[string][]native.Param),
	}
}

// Name returns the name of the DB.
func (db *DB) Name() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.name
}

// SetName sets the name used in error messages.
func (db *DB) SetName(name string) *DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.name = name
	return db
}

// Open opens a new fake connection.
func (db *DB) Open(ctx context.Context, connString string) (native.Conn, error) {
	db.mu.Lock()
	db.connStrings = append(db.connStrings, connString)
	delay := db.openDelay
	var err error
	switch {
	case db.openFailures > 0:
		db.openFailures--
		err = db.openErr
	case db.openErr != nil && db.openFailures < 0:
		err = db.openErr
	}
	db.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	c := newConn(db, len(db.conns)+1)
	db.conns = append(db.conns, c)
	db.live++
	db.maxLive = max(db.maxLive, db.live)
	db.opens.Add(1)
	return c, nil
}

// FailOpens makes the next n opens fail with err. A negative n fails every
// open until FailOpens is called again.
func (db *DB) FailOpens(n int, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.openFailures = n
	db.openErr = err
	if n == 0 {
		db.openErr = nil
	}
}

// SetOpenDelay sets how long each open takes.
func (db *DB) SetOpenDelay(d time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.openDelay = d
}

func (db *DB) connClosed() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.live--
	db.closes.Add(1)
}

// Conns returns every connection opened so far, in open order.
func (db *DB) Conns() []*Conn {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]*Conn(nil), db.conns...)
}

// ConnStrings returns the connection strings passed to Open.
func (db *DB) ConnStrings() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.connStrings...)
}

// LiveConns returns the number of opened and not yet closed connections.
func (db *DB) LiveConns() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.live
}

// MaxLiveConns returns the peak of LiveConns.
func (db *DB) MaxLiveConns() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.maxLive
}

// Opens returns the number of successful opens.
func (db *DB) Opens() int64 { return db.opens.Load() }

// Closes returns the number of closed connections.
func (db *DB) Closes() int64 { return db.closes.Load() }

// Cancels returns the number of CancelQuery calls.
func (db *DB) Cancels() int64 { return db.cancels.Load() }

// Frees returns the number of FreeStatement calls.
func (db *DB) Frees() int64 { return db.frees.Load() }

// ReentrantCalls returns how many native calls overlapped another call on
// the same connection. It must stay zero.
func (db *DB) ReentrantCalls() int64 { return db.reentrant.Load() }

//
// Methods to add expected statements and results.
//

// AddQuery adds a statement and its expected result.
func (db *DB) AddQuery(query string, expectedResult *ExpectedResult) *ExpectedResult {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := strings.ToLower(query)
	r := *expectedResult
	db.data[key] = &r
	db.queryCalled[key] = 0
	return &r
}

// AddProcedure adds a stored procedure and its expected result.
func (db *DB) AddProcedure(name string, expectedResult *ExpectedResult) *ExpectedResult {
	return db.AddQuery(procedureKey(name), expectedResult)
}

func procedureKey(name string) string {
	return "exec " + name
}

// AddQueryPattern adds an expected result for every statement matching the
// anchored, case-insensitive pattern. Patterns are checked after exact
// matches.
func (db *DB) AddQueryPattern(queryPattern string, expectedResult *ExpectedResult) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patternData[queryPattern] = exprResult{expr: expr, result: expectedResult}
}

// RejectQueryPattern fails every statement matching the pattern with err.
func (db *DB) RejectQueryPattern(queryPattern string, err error) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patternData[queryPattern] = exprResult{expr: expr, err: err}
}

// AddRejectedQuery makes a statement fail with err. It also applies to the
// transaction verbs "begin", "commit" and "rollback".
func (db *DB) AddRejectedQuery(query string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rejectedData[strings.ToLower(query)] = err
}

// DeleteRejectedQuery removes a rejection added by AddRejectedQuery.
func (db *DB) DeleteRejectedQuery(query string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.rejectedData, strings.ToLower(query))
}

// SetNeverFail makes unmatched statements return an empty rowcount result
// instead of an error.
func (db *DB) SetNeverFail(neverFail bool) {
	db.neverFail.Store(neverFail)
}

// GetQueryCalledNum returns how many times a statement was executed.
func (db *DB) GetQueryCalledNum(query string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryCalled[strings.ToLower(query)]
}

// LastParams returns the parameters of the last execution of a statement.
func (db *DB) LastParams(query string) []native.Param {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.params[strings.ToLower(query)]
}

// QueryLog returns the statement log as a semicolon separated string.
func (db *DB) QueryLog() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return strings.Join(db.querylog, ";")
}

// ResetQueryLog clears the statement log.
func (db *DB) ResetQueryLog() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.querylog = nil
}

// lookup finds the scripted result without recording a call.
func (db *DB) lookup(query string) (*ExpectedResult, error) {
	key := strings.ToLower(query)
	if err, ok := db.rejectedData[key]; ok {
		return nil, err
	}
	if result, ok := db.data[key]; ok {
		return result, nil
	}
	for _, pat := range db.patternData {
		if pat.expr.MatchString(query) {
			if pat.err != nil {
				return nil, pat.err
			}
			return pat.result, nil
		}
	}
	if db.neverFail.Load() {
		return &ExpectedResult{}, nil
	}
	return nil, &mterrors.Diagnostic{
		Severity: "ERROR",
		Code:     "42000",
		Message:  fmt.Sprintf("%s: statement '%s' is not supported", db.name, query),
	}
}

// handleQuery records a call and returns the scripted result.
func (db *DB) handleQuery(query string, params []native.Param) (*ExpectedResult, error) {
	key := strings.ToLower(query)
	db.mu.Lock()
	db.queryCalled[key]++
	db.querylog = append(db.querylog, key)
	db.params[key] = params
	result, err := db.lookup(query)
	db.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if f := result.BeforeFunc; f != nil {
		f()
	}
	return result, nil
}

// handleVerb records a transaction verb, which only fails when rejected.
func (db *DB) handleVerb(verb string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queryCalled[verb]++
	db.querylog = append(db.querylog, verb)
	return db.rejectedData[verb]
}
