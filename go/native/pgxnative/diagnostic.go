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

package pgxnative

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/multigres/nativepool/go/mterrors"
)

// SQLSTATE of a broken link, used for failures that carry no server error.
const sqlStateConnectionFailure = "08006"

// toDiagnostic converts a pgconn error into a Diagnostic. Errors that did
// not come from the server become connection failures.
func toDiagnostic(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fromPgError(pgErr)
	}
	return &mterrors.Diagnostic{
		Severity: "FATAL",
		Code:     sqlStateConnectionFailure,
		Message:  err.Error(),
	}
}

func fromPgError(pgErr *pgconn.PgError) *mterrors.Diagnostic {
	return &mterrors.Diagnostic{
		Severity: pgErr.Severity,
		Code:     pgErr.Code,
		Message:  pgErr.Message,
		Detail:   pgErr.Detail,
		Hint:     pgErr.Hint,
	}
}

// fromNotice converts a server notice. Notices never terminate a statement,
// so a success-class code is reported as a class 01 warning.
func fromNotice(n *pgconn.Notice) *mterrors.Diagnostic {
	d := fromPgError((*pgconn.PgError)(n))
	if !d.IsClass(mterrors.ClassWarning) {
		d.Code = mterrors.ClassWarning + "000"
	}
	return d
}
