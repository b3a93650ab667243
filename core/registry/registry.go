/*
Package registry provides a persistent registry of objects in a SQL database

The package uses JSON to serialize the data. The proxy keeps its context
assignments in the registry of the config database.
*/
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/dbrest/core/csql"
)

// MustNew creates a new registry for the specified database. It panics if the
// registry table cannot be created.
func MustNew(db *csql.DB) Registry {
	r, err := New(context.Background(), db)
	if err != nil {
		panic(err)
	}
	return r
}

// New creates a new registry for the specified database. The registry table is
// created if it does not exist yet.
func New(ctx context.Context, db *csql.DB) (Registry, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+db.Table("_registry_")+`
(key VARCHAR(256) NOT NULL,
value TEXT NOT NULL,
timestamp BIGINT NOT NULL,
PRIMARY KEY(key)
);`)
	if err != nil {
		return Registry{}, fmt.Errorf("create registry: %w", err)
	}
	return Registry{db: db}, nil
}

// Registry provides a persistent registry of objects in a sql database.
type Registry struct {
	db *csql.DB
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry Registry
}

// Accessor returns a registry accessor with prefix
func (r Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

func (r Accessor) key(key string) string {
	if len(r.Prefix) > 0 {
		return r.Prefix + ":" + key
	}
	return key
}

func (r Accessor) p(n int) string {
	return r.Registry.db.Dialect.Placeholder(n)
}

func (r Accessor) table() string {
	return r.Registry.db.Table("_registry_")
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timestamp
// if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	var (
		rawValue string
		millis   int64
	)
	key = r.key(key)
	err := r.Registry.db.QueryRowContext(ctx,
		`SELECT value, timestamp FROM `+r.table()+` WHERE key=`+r.p(1)+`;`,
		key).Scan(&rawValue, &millis)
	if err == csql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	err = json.Unmarshal([]byte(rawValue), value)
	return time.UnixMilli(millis).UTC(), err
}

// Write writes a value into the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Write(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key = r.key(key)
	now := time.Now().UTC().UnixMilli()
	res, err := r.Registry.db.ExecContext(ctx,
		`INSERT INTO `+r.table()+`(key,value,timestamp)
VALUES(`+r.p(1)+`,`+r.p(2)+`,`+r.p(3)+`)
ON CONFLICT (key) DO UPDATE SET value=excluded.value,timestamp=excluded.timestamp;`,
		key, string(body), now)
	if err != nil {
		return fmt.Errorf("cannot write key '%s': %w", key, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write key %s", key)
	}
	return nil
}

// Delete deletes a value from the registry. It returns false if there was no such value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Delete(ctx context.Context, key string) (bool, error) {
	res, err := r.Registry.db.ExecContext(ctx,
		`DELETE FROM `+r.table()+` WHERE key=`+r.p(1)+`;`,
		r.key(key))
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// Keys returns all keys of the accessor, without prefix, in lexical order
func (r Accessor) Keys(ctx context.Context) ([]string, error) {
	prefix := r.key("")
	rows, err := r.Registry.db.QueryContext(ctx,
		`SELECT key FROM `+r.table()+` WHERE substr(key,1,`+r.p(1)+`)=`+r.p(2)+` ORDER BY key;`,
		len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, strings.TrimPrefix(key, prefix))
	}
	return keys, rows.Err()
}
