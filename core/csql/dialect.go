package csql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect hides the few SQL differences between the supported drivers
type Dialect interface {
	// Driver is the database/sql driver name
	Driver() string
	// DefaultSchema is the schema used when none is specified
	DefaultSchema() string
	// Placeholder returns the n-th (1-based) positional parameter
	Placeholder(n int) string
	// Table returns the qualified and quoted table name
	Table(schema, name string) string
	// CreateSchema creates the schema if it does not exist yet
	CreateSchema(ctx context.Context, q Queryer, schema string) error
	// DropSchema drops and recreates the schema, deleting all data in it
	DropSchema(ctx context.Context, q Queryer, schema string) error
	// UseSchema makes schema the default for unqualified names on q. It fails
	// with ErrUnknownSchema if the database cannot have that schema.
	UseSchema(ctx context.Context, q Queryer, schema string) error
	// BeginReadOnly begins a transaction on conn in which writes fail
	BeginReadOnly(ctx context.Context, conn *sql.Conn) (*sql.Tx, error)
	// EndReadOnly restores conn after a transaction from BeginReadOnly has finished
	EndReadOnly(ctx context.Context, conn *sql.Conn) error
}

// ErrUnknownSchema is returned for schemas a database does not support
var ErrUnknownSchema = errors.New("unknown schema")

// IsReadOnlyViolation returns true if err is the driver's response to a write
// in a read-only transaction
func IsReadOnlyViolation(err error) bool {
	var (
		pqErr     *pq.Error
		sqliteErr *sqlite.Error
	)
	if errors.As(err, &pqErr) {
		return pqErr.Code == "25006" // read_only_sql_transaction
	}
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_READONLY
	}
	return false
}

// DialectFor returns the dialect for a driver name
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return nil, fmt.Errorf("unsupported database driver '%s'", driver)
}

// Postgres is the dialect of lib/pq
var Postgres Dialect = postgresDialect{}

// SQLite is the dialect of modernc.org/sqlite
var SQLite Dialect = sqliteDialect{}

type postgresDialect struct{}

func (postgresDialect) Driver() string        { return "postgres" }
func (postgresDialect) DefaultSchema() string { return "public" }

func (postgresDialect) Placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func (postgresDialect) Table(schema, name string) string {
	if len(schema) == 0 {
		return pq.QuoteIdentifier(name)
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}

func (postgresDialect) CreateSchema(ctx context.Context, q Queryer, schema string) error {
	_, err := q.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+pq.QuoteIdentifier(schema)+`;`)
	return err
}

func (postgresDialect) DropSchema(ctx context.Context, q Queryer, schema string) error {
	_, err := q.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+pq.QuoteIdentifier(schema)+` CASCADE;
CREATE SCHEMA IF NOT EXISTS `+pq.QuoteIdentifier(schema)+`;`)
	return err
}

func (postgresDialect) UseSchema(ctx context.Context, q Queryer, schema string) error {
	if len(schema) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `SET search_path TO `+pq.QuoteIdentifier(schema)+`;`)
	return err
}

func (postgresDialect) BeginReadOnly(ctx context.Context, conn *sql.Conn) (*sql.Tx, error) {
	return conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
}

func (postgresDialect) EndReadOnly(ctx context.Context, conn *sql.Conn) error {
	return nil
}

// sqlite only knows the main schema (and attached databases, which we do not use)
type sqliteDialect struct{}

func (sqliteDialect) Driver() string        { return "sqlite" }
func (sqliteDialect) DefaultSchema() string { return "main" }

func (sqliteDialect) Placeholder(n int) string {
	return "?"
}

func (sqliteDialect) Table(schema, name string) string {
	return pq.QuoteIdentifier(name)
}

func (d sqliteDialect) CreateSchema(ctx context.Context, q Queryer, schema string) error {
	return d.checkSchema(schema)
}

func (d sqliteDialect) DropSchema(ctx context.Context, q Queryer, schema string) error {
	if err := d.checkSchema(schema); err != nil {
		return err
	}
	rows, err := q.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%';`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	for _, table := range tables {
		if _, err := q.ExecContext(ctx, `DROP TABLE IF EXISTS `+pq.QuoteIdentifier(table)+`;`); err != nil {
			return err
		}
	}
	return nil
}

func (d sqliteDialect) UseSchema(ctx context.Context, q Queryer, schema string) error {
	return d.checkSchema(schema)
}

// modernc ignores sql.TxOptions.ReadOnly, the connection is switched to
// query_only for the lifetime of the transaction instead
func (d sqliteDialect) BeginReadOnly(ctx context.Context, conn *sql.Conn) (*sql.Tx, error) {
	if _, err := conn.ExecContext(ctx, `PRAGMA query_only = ON;`); err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		if rerr := d.EndReadOnly(context.WithoutCancel(ctx), conn); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}
	return tx, nil
}

func (sqliteDialect) EndReadOnly(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `PRAGMA query_only = OFF;`)
	return err
}

func (sqliteDialect) checkSchema(schema string) error {
	if len(schema) == 0 || schema == "main" {
		return nil
	}
	return fmt.Errorf("%w: sqlite supports the main schema only, not '%s'", ErrUnknownSchema, schema)
}
