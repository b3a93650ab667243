// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package database

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/lib/pq"
	"modernc.org/sqlite"

	"github.com/relabs-tech/dbrest/core/csql"
)

// errors returned by the proxy. Handlers map them to HTTP status codes in statusFor.
var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrTransactionBusy    = errors.New("transaction is used by another request")
	ErrVersionConflict    = errors.New("schema version conflict")
	ErrLocked             = errors.New("module is locked by a migration")
	ErrUnknownPool        = errors.New("unknown pool")
	ErrUnknownContext     = errors.New("unknown context")
	ErrReadOnly           = errors.New("statement requires writable access")
	ErrTooManyRows        = errors.New("too many rows")
	ErrInvalidStatements  = errors.New("invalid statements")
	ErrUnknownSchema      = csql.ErrUnknownSchema
)

// VersionConflictError is returned when the schema version of a module does not
// match the expected version. It matches ErrVersionConflict with errors.Is.
type VersionConflictError struct {
	Module   string
	Expected string
	Current  string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("module %s is at version '%s', expected '%s'", e.Module, e.Current, e.Expected)
}

// Is makes errors.Is(err, ErrVersionConflict) work
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// StatementError is the failure of a single named statement
type StatementError struct {
	Name string
	Err  error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %s: %v", e.Name, e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// errorBody is the JSON body of every error response
type errorBody struct {
	Error          string `json:"error"`
	SQLState       string `json:"sql_state,omitempty"`
	CurrentVersion string `json:"current_version,omitempty"`
}

// statusFor returns the HTTP status code and the metrics reason for err.
// Errors reported by the database itself, also when committing, are bad
// requests.
func statusFor(err error) (int, string) {
	var (
		statementErr *StatementError
		pqErr        *pq.Error
		sqliteErr    *sqlite.Error
	)
	switch {
	case errors.Is(err, ErrUnknownTransaction):
		return http.StatusNotFound, "unknown_transaction"
	case errors.Is(err, ErrUnknownContext), errors.Is(err, ErrUnknownPool):
		return http.StatusNotFound, "unknown_target"
	case errors.Is(err, ErrTransactionBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, ErrLocked):
		return http.StatusLocked, "locked"
	case errors.Is(err, ErrReadOnly), csql.IsReadOnlyViolation(err):
		return http.StatusBadRequest, "read_only"
	case errors.Is(err, ErrUnknownSchema):
		return http.StatusBadRequest, "unknown_schema"
	case errors.Is(err, ErrTooManyRows), errors.Is(err, ErrInvalidStatements):
		return http.StatusBadRequest, "bad_request"
	case errors.As(err, &statementErr), errors.As(err, &pqErr), errors.As(err, &sqliteErr):
		return http.StatusBadRequest, "sql"
	}
	return http.StatusInternalServerError, "internal"
}

// newErrorBody builds the error body for err, including the SQLSTATE of
// postgres errors, the result code of sqlite errors and the current version
// of version conflicts.
func newErrorBody(err error) errorBody {
	body := errorBody{Error: err.Error()}
	var (
		pqErr       *pq.Error
		sqliteErr   *sqlite.Error
		conflictErr *VersionConflictError
	)
	if errors.As(err, &pqErr) {
		body.SQLState = string(pqErr.Code)
	} else if errors.As(err, &sqliteErr) {
		body.SQLState = strconv.Itoa(sqliteErr.Code())
	}
	if errors.As(err, &conflictErr) {
		body.CurrentVersion = conflictErr.Current
	}
	return body
}
