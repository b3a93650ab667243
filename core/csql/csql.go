/*
Package csql opens the SQL databases behind the proxy.

A DB is a standard sql.DB which additionally knows its schema and the SQL
dialect spoken by its driver. Production pools talk to postgres through
lib/pq, the embedded and test setups use modernc sqlite.
*/
package csql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // load database driver for postgres
	_ "modernc.org/sqlite" // load database driver for sqlite

	"github.com/relabs-tech/dbrest/core/logger"
)

// DB encapsulates a standard sql.DB with a schema and a dialect
type DB struct {
	*sql.DB
	Schema  string
	Dialect Dialect
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// Queryer is the common subset of *sql.DB, *sql.Conn and *sql.Tx
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Open opens a database for the given driver ("postgres" or "sqlite") and pings it.
// For postgres the schema gets created if it does not exist yet. An empty schema
// selects the dialect's default schema.
func Open(driver, dataSourceName, schema string) (*DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.Driver(), dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	if len(schema) == 0 {
		schema = dialect.DefaultSchema()
	} else {
		logger.Default().Debugln("selected database schema:", schema)
		if err := dialect.CreateSchema(context.Background(), db, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
	}
	return &DB{DB: db, Schema: schema, Dialect: dialect}, nil
}

// OpenWithSchema opens a postgres database with a schema. The password is
// appended to the data source name if it is not empty. It panics on error.
func OpenWithSchema(dataSourceName, password, schema string) *DB {
	if len(password) > 0 {
		dataSourceName += " password=" + password
	}
	logger.Default().Infoln("connecting to postgres database:", redact(dataSourceName))
	db, err := Open("postgres", dataSourceName, schema)
	if err != nil {
		panic(err)
	}
	return db
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	if err := db.Dialect.DropSchema(context.Background(), db, db.Schema); err != nil {
		logger.Default().WithError(err).Errorln("clear schema error:", db.Schema)
	}
}

// Table returns the qualified name of a table in the database's schema
func (db *DB) Table(name string) string {
	return db.Dialect.Table(db.Schema, name)
}

// redact hides the value of a password=... pair in a postgres connection string
func redact(dataSourceName string) string {
	fields := strings.Fields(dataSourceName)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}
