package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/relabs-tech/dbrest/core/csql"
	"github.com/relabs-tech/dbrest/core/logger"
	"github.com/relabs-tech/dbrest/core/registry"
)

// Target is a database schema served by a read pool and a write pool
type Target struct {
	ReadPool  int    `json:"read_pool"`
	WritePool int    `json:"write_pool"`
	Schema    string `json:"schema"`
}

// Conn is a connection checked out from a pool. Its default schema is the
// target schema.
type Conn struct {
	*sql.Conn
	Pool    int
	Target  Target
	Dialect csql.Dialect
}

// Service hands out pooled connections. Every connection must be given
// back with Back.
type Service interface {
	// ConfigDB returns a connection to the config database
	ConfigDB(ctx context.Context, write bool) (*Conn, error)
	// ContextDB returns a connection to the database assigned to a context
	ContextDB(ctx context.Context, contextID int, write bool) (*Conn, error)
	// PoolDB returns a connection to schema in one of the explicit pools
	PoolDB(ctx context.Context, readPool, writePool int, schema string, write bool) (*Conn, error)
	// Back returns the connection to its pool
	Back(conn *Conn)
}

// PoolSettings configure a single connection pool
type PoolSettings struct {
	Driver      string        `json:"driver"`
	DSN         string        `json:"dsn"`
	MaxOpen     int           `json:"max_open"`
	MaxIdle     int           `json:"max_idle"`
	MaxLifetime time.Duration `json:"max_lifetime"`
}

// Settings configure all pools and the location of the config database
type Settings struct {
	Pools           map[int]PoolSettings
	ConfigReadPool  int
	ConfigWritePool int
	// ConfigSchema is the schema of the config database. Empty selects the
	// default schema of the write pool's dialect.
	ConfigSchema string
}

// Pools is the default Service. It resolves contexts through the assignments
// stored in the config database.
type Pools struct {
	pools       map[int]*csql.DB
	config      Target
	assignments *Assignments
}

// NewPools opens all pools of settings and prepares the context assignments
// in the config database
func NewPools(ctx context.Context, settings Settings) (*Pools, error) {
	p := &Pools{pools: map[int]*csql.DB{}}
	for id, ps := range settings.Pools {
		db, err := csql.Open(ps.Driver, ps.DSN, "")
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pool %d: %w", id, err)
		}
		if ps.MaxOpen > 0 {
			db.SetMaxOpenConns(ps.MaxOpen)
		}
		if ps.MaxIdle > 0 {
			db.SetMaxIdleConns(ps.MaxIdle)
		}
		if ps.MaxLifetime > 0 {
			db.SetConnMaxLifetime(ps.MaxLifetime)
		}
		p.pools[id] = db
	}

	configDB, ok := p.pools[settings.ConfigWritePool]
	if !ok {
		p.Close()
		return nil, fmt.Errorf("config write pool %d: %w", settings.ConfigWritePool, ErrUnknownPool)
	}
	if _, ok := p.pools[settings.ConfigReadPool]; !ok {
		p.Close()
		return nil, fmt.Errorf("config read pool %d: %w", settings.ConfigReadPool, ErrUnknownPool)
	}
	schema := settings.ConfigSchema
	if len(schema) == 0 {
		schema = configDB.Dialect.DefaultSchema()
	}
	if err := configDB.Dialect.CreateSchema(ctx, configDB, schema); err != nil {
		p.Close()
		return nil, fmt.Errorf("config schema %s: %w", schema, err)
	}
	p.config = Target{ReadPool: settings.ConfigReadPool, WritePool: settings.ConfigWritePool, Schema: schema}

	reg, err := registry.New(ctx, &csql.DB{DB: configDB.DB, Schema: schema, Dialect: configDB.Dialect})
	if err != nil {
		p.Close()
		return nil, err
	}
	p.assignments = NewAssignments(reg)
	return p, nil
}

// Assignments returns the context assignment store
func (p *Pools) Assignments() *Assignments {
	return p.assignments
}

// HasPool returns true if a pool with id exists
func (p *Pools) HasPool(id int) bool {
	_, ok := p.pools[id]
	return ok
}

// ConfigDB implements Service
func (p *Pools) ConfigDB(ctx context.Context, write bool) (*Conn, error) {
	return p.connect(ctx, p.config, write)
}

// ContextDB implements Service
func (p *Pools) ContextDB(ctx context.Context, contextID int, write bool) (*Conn, error) {
	target, err := p.assignments.Get(ctx, contextID)
	if err != nil {
		return nil, err
	}
	return p.connect(ctx, target, write)
}

// PoolDB implements Service
func (p *Pools) PoolDB(ctx context.Context, readPool, writePool int, schema string, write bool) (*Conn, error) {
	return p.connect(ctx, Target{ReadPool: readPool, WritePool: writePool, Schema: schema}, write)
}

func (p *Pools) connect(ctx context.Context, target Target, write bool) (*Conn, error) {
	id := target.ReadPool
	if write {
		id = target.WritePool
	}
	db, ok := p.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %d: %w", id, ErrUnknownPool)
	}
	if len(target.Schema) == 0 {
		target.Schema = db.Dialect.DefaultSchema()
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to pool %d: %w", id, err)
	}
	if err := db.Dialect.UseSchema(ctx, conn, target.Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("use schema %s: %w", target.Schema, err)
	}
	return &Conn{Conn: conn, Pool: id, Target: target, Dialect: db.Dialect}, nil
}

// Back implements Service
func (p *Pools) Back(conn *Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil && err != sql.ErrConnDone {
		logger.Default().WithError(err).Errorln("Error 4101: cannot return connection to pool", conn.Pool)
	}
}

// Stats returns the statistics of all pools
func (p *Pools) Stats() map[int]sql.DBStats {
	stats := map[int]sql.DBStats{}
	for id, db := range p.pools {
		stats[id] = db.Stats()
	}
	return stats
}

// IDs returns the ids of all pools in ascending order
func (p *Pools) IDs() []int {
	ids := make([]int, 0, len(p.pools))
	for id := range p.pools {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Ping verifies that all pools can reach their database
func (p *Pools) Ping(ctx context.Context) error {
	for _, id := range p.IDs() {
		if err := p.pools[id].PingContext(ctx); err != nil {
			return fmt.Errorf("pool %d: %w", id, err)
		}
	}
	return nil
}

// Close closes all pools
func (p *Pools) Close() {
	for id, db := range p.pools {
		if err := db.Close(); err != nil {
			logger.Default().WithError(err).Errorln("cannot close pool", id)
		}
	}
}
