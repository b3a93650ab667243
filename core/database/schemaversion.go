package database

import (
	"context"
	"fmt"
	"time"

	"github.com/relabs-tech/dbrest/core/csql"
)

// DefaultLockTimeout is the lifetime of a migration lock. An expired lock is
// taken over by the next migration.
const DefaultLockTimeout = 10 * time.Minute

// VersionChecker enforces sequential, lock protected schema migrations per
// module in one schema.
//
// The version of a module is kept in service_schema_version, running
// migrations hold a row in service_schema_migration_lock which names its
// holder. A module without a version row has the version "".
type VersionChecker struct {
	Dialect csql.Dialect
	Schema  string
	now     func() time.Time
}

// NewVersionChecker returns the checker for the schema of conn
func NewVersionChecker(conn *Conn) *VersionChecker {
	return &VersionChecker{Dialect: conn.Dialect, Schema: conn.Target.Schema, now: time.Now}
}

func (v *VersionChecker) p(n int) string {
	return v.Dialect.Placeholder(n)
}

func (v *VersionChecker) versionTable() string {
	return v.Dialect.Table(v.Schema, "service_schema_version")
}

func (v *VersionChecker) lockTable() string {
	return v.Dialect.Table(v.Schema, "service_schema_migration_lock")
}

// CreateTables creates the version and lock tables if they do not exist yet
func (v *VersionChecker) CreateTables(ctx context.Context, q csql.Queryer) error {
	_, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+v.versionTable()+`
(module VARCHAR(128) NOT NULL,
version VARCHAR(128) NOT NULL,
PRIMARY KEY(module)
);`)
	if err != nil {
		return fmt.Errorf("create version table: %w", err)
	}
	_, err = q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+v.lockTable()+`
(module VARCHAR(128) NOT NULL,
holder VARCHAR(64) NOT NULL,
expires BIGINT NOT NULL,
PRIMARY KEY(module)
);`)
	if err != nil {
		return fmt.Errorf("create lock table: %w", err)
	}
	return nil
}

// Current returns the version of module and whether the module has a version at all
func (v *VersionChecker) Current(ctx context.Context, q csql.Queryer, module string) (string, bool, error) {
	var version string
	err := q.QueryRowContext(ctx,
		`SELECT version FROM `+v.versionTable()+` WHERE module=`+v.p(1)+`;`,
		module).Scan(&version)
	if err == csql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read version of %s: %w", module, err)
	}
	return version, true, nil
}

// IsUpToDate returns a *VersionConflictError unless module is at version expected
func (v *VersionChecker) IsUpToDate(ctx context.Context, q csql.Queryer, module, expected string) error {
	current, _, err := v.Current(ctx, q, module)
	if err != nil {
		return err
	}
	if current != expected {
		return &VersionConflictError{Module: module, Expected: expected, Current: current}
	}
	return nil
}

// Lock acquires the migration lock of module for holder and ttl. It fails
// with ErrLocked while another migration holds a lock which has not expired.
func (v *VersionChecker) Lock(ctx context.Context, q csql.Queryer, module, holder string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLockTimeout
	}
	now := v.now().UTC()
	expires := now.Add(ttl).UnixMilli()
	res, err := q.ExecContext(ctx,
		`INSERT INTO `+v.lockTable()+`(module,holder,expires) VALUES(`+v.p(1)+`,`+v.p(2)+`,`+v.p(3)+`)
ON CONFLICT (module) DO NOTHING;`,
		module, holder, expires)
	if err != nil {
		return fmt.Errorf("lock %s: %w", module, err)
	}
	if count, _ := res.RowsAffected(); count == 1 {
		return nil
	}

	res, err = q.ExecContext(ctx,
		`UPDATE `+v.lockTable()+` SET holder=`+v.p(1)+`, expires=`+v.p(2)+` WHERE module=`+v.p(3)+` AND expires<`+v.p(4)+`;`,
		holder, expires, module, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("take over lock %s: %w", module, err)
	}
	if count, _ := res.RowsAffected(); count == 1 {
		return nil
	}
	return fmt.Errorf("module %s: %w", module, ErrLocked)
}

// Release releases the migration lock of module if holder still holds it. It
// returns false if the lock has been taken over by another migration.
func (v *VersionChecker) Release(ctx context.Context, q csql.Queryer, module, holder string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM `+v.lockTable()+` WHERE module=`+v.p(1)+` AND holder=`+v.p(2)+`;`,
		module, holder)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", module, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

// Unlock releases the migration lock of module, whoever holds it. Unlocking a
// module which is not locked is not an error.
func (v *VersionChecker) Unlock(ctx context.Context, q csql.Queryer, module string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM `+v.lockTable()+` WHERE module=`+v.p(1)+`;`, module)
	if err != nil {
		return fmt.Errorf("unlock %s: %w", module, err)
	}
	return nil
}

// Advance sets the version of module from from to to. It fails with a
// *VersionConflictError if the module is not at version from. An empty from
// requires that the module has no version yet.
func (v *VersionChecker) Advance(ctx context.Context, q csql.Queryer, module, from, to string) error {
	var query string
	var args []interface{}
	if len(from) == 0 {
		query = `INSERT INTO ` + v.versionTable() + `(module,version) VALUES(` + v.p(1) + `,` + v.p(2) + `)
ON CONFLICT (module) DO NOTHING;`
		args = []interface{}{module, to}
	} else {
		query = `UPDATE ` + v.versionTable() + ` SET version=` + v.p(1) + ` WHERE module=` + v.p(2) + ` AND version=` + v.p(3) + `;`
		args = []interface{}{to, module, from}
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("advance %s to %s: %w", module, to, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 1 {
		return nil
	}
	current, _, err := v.Current(ctx, q, module)
	if err != nil {
		return err
	}
	return &VersionConflictError{Module: module, Expected: from, Current: current}
}
