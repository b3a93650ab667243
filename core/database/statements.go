// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package database

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"fmt"
	"io/fs"
	"mime"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/dbrest/core/csql"
	"github.com/relabs-tech/dbrest/core/schema"
)

// DefaultMaxRows is the default row limit of a single statement
const DefaultMaxRows = 10000

// SingleStatementName is the name of the result of a text/plain request
const SingleStatementName = "result"

const statementsSchemaID = "https://dbrest/statements.json"

//go:embed schemas
var schemasFS embed.FS

var statementsValidator = func() *schema.Validator {
	sub, err := fs.Sub(schemasFS, "schemas")
	if err != nil {
		panic(err)
	}
	v, err := schema.Load(sub)
	if err != nil {
		panic(err)
	}
	return v
}()

// Statement is a single SQL statement with positional parameters
type Statement struct {
	Query         string        `json:"query"`
	Params        []interface{} `json:"params,omitempty"`
	ResultSet     bool          `json:"result_set,omitempty"`
	GeneratedKeys bool          `json:"generated_keys,omitempty"`
}

// UnmarshalJSON accepts a plain query string or a statement object. Numeric
// parameters become int64 if they are integral, float64 otherwise.
func (s *Statement) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.Query)
	}
	type plain Statement
	var p plain
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&p); err != nil {
		return err
	}
	for i := range p.Params {
		p.Params[i] = normalizeParam(p.Params[i])
	}
	*s = Statement(p)
	return nil
}

func normalizeParam(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// Statements is a named batch of statements
type Statements map[string]Statement

// Names returns the statement names in execution order
func (s Statements) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseStatements parses a request body. A text/plain body is a single
// statement named "result", a JSON body is validated against the statements
// schema. Without content type, a body starting with '{' is taken as JSON.
func ParseStatements(contentType string, body []byte) (Statements, error) {
	mediaType := ""
	if len(contentType) > 0 {
		var err error
		mediaType, _, err = mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("%w: content type: %v", ErrInvalidStatements, err)
		}
	}
	trimmed := bytes.TrimSpace(body)
	if mediaType == "" {
		mediaType = "text/plain"
		if len(trimmed) > 0 && trimmed[0] == '{' {
			mediaType = "application/json"
		}
	}

	switch mediaType {
	case "text/plain":
		if len(trimmed) == 0 {
			return nil, fmt.Errorf("%w: empty body", ErrInvalidStatements)
		}
		return Statements{SingleStatementName: {Query: string(trimmed)}}, nil
	case "application/json":
		if err := statementsValidator.Validate(statementsSchemaID, body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStatements, err)
		}
		var statements Statements
		if err := json.Unmarshal(body, &statements); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStatements, err)
		}
		return statements, nil
	}
	return nil, fmt.Errorf("%w: unsupported content type %s", ErrInvalidStatements, mediaType)
}

// Result is the result of one statement
type Result struct {
	Rows          []map[string]interface{} `json:"rows,omitempty"`
	Updated       int64                    `json:"updated"`
	GeneratedKeys []int64                  `json:"generated_keys,omitempty"`
}

var queryKeywords = []string{"SELECT", "WITH", "SHOW", "EXPLAIN", "VALUES"}

// isQuery returns true if a statement produces rows, judged by its first keyword
func (s Statement) isQuery() bool {
	if s.ResultSet {
		return true
	}
	q := strings.TrimLeft(s.Query, " \t\r\n(")
	for _, keyword := range queryKeywords {
		if len(q) >= len(keyword) && strings.EqualFold(q[:len(keyword)], keyword) {
			if len(q) == len(keyword) || !isIdentifierByte(q[len(keyword)]) {
				return true
			}
		}
	}
	return false
}

func isIdentifierByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// executor runs statement batches on a connection or transaction
type executor struct {
	maxRows int
	// executed is called for every successful statement with "query" or "update"
	executed func(mode string)
}

// execute runs all statements in lexical order of their names. On read-only
// access every statement is a query. Writable access executes a statement as
// update unless it is a query.
func (e executor) execute(ctx context.Context, q csql.Queryer, statements Statements, writable bool) (map[string]Result, error) {
	results := make(map[string]Result, len(statements))
	for _, name := range statements.Names() {
		statement := statements[name]
		var (
			result Result
			err    error
			mode   = "query"
		)
		switch {
		case !writable && statement.GeneratedKeys:
			err = ErrReadOnly
		case !writable || statement.isQuery():
			result, err = e.query(ctx, q, statement)
		default:
			mode = "update"
			result, err = e.update(ctx, q, statement)
		}
		if err != nil {
			return nil, &StatementError{Name: name, Err: err}
		}
		if e.executed != nil {
			e.executed(mode)
		}
		results[name] = result
	}
	return results, nil
}

func (e executor) query(ctx context.Context, q csql.Queryer, statement Statement) (Result, error) {
	rows, err := q.QueryContext(ctx, statement.Query, statement.Params...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}

	result := Result{Rows: []map[string]interface{}{}}
	values := make([]interface{}, len(columns))
	pointers := make([]interface{}, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	for rows.Next() {
		if e.maxRows > 0 && len(result.Rows) >= e.maxRows {
			return Result{}, fmt.Errorf("%w: more than %d rows", ErrTooManyRows, e.maxRows)
		}
		if err := rows.Scan(pointers...); err != nil {
			return Result{}, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			row[column] = convertValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return result, nil
}

func (e executor) update(ctx context.Context, q csql.Queryer, statement Statement) (Result, error) {
	res, err := q.ExecContext(ctx, statement.Query, statement.Params...)
	if err != nil {
		return Result{}, err
	}
	var result Result
	if result.Updated, err = res.RowsAffected(); err != nil {
		return Result{}, err
	}
	if statement.GeneratedKeys {
		// lib/pq does not support LastInsertId, use RETURNING with result_set instead
		if id, err := res.LastInsertId(); err == nil {
			result.GeneratedKeys = []int64{id}
		}
	}
	return result, nil
}

// convertValue makes a scanned value JSON friendly
func convertValue(v interface{}) interface{} {
	switch value := v.(type) {
	case []byte:
		if utf8.Valid(value) {
			return string(value)
		}
		return base64.StdEncoding.EncodeToString(value)
	case time.Time:
		return value.Format(time.RFC3339Nano)
	}
	return v
}
