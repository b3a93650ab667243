package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/dbrest/core"
	"github.com/relabs-tech/dbrest/core/csql"
	"github.com/relabs-tech/dbrest/core/logger"
	"github.com/relabs-tech/dbrest/core/metrics"
	"github.com/relabs-tech/dbrest/core/notify"
)

// TargetKind selects how a request finds its database
type TargetKind int

// all target kinds
const (
	TargetConfigDB TargetKind = iota
	TargetContext
	TargetPool
	TargetTransaction
)

func (k TargetKind) String() string {
	switch k {
	case TargetConfigDB:
		return "configdb"
	case TargetContext:
		return "context"
	case TargetPool:
		return "pool"
	case TargetTransaction:
		return "transaction"
	}
	return "unknown"
}

// Migration migrates Module from version From to version To. An empty From
// migrates a module which has no version yet.
type Migration struct {
	Module string
	From   string
	To     string
}

// Request is a batch of statements for one database
type Request struct {
	Kind TargetKind
	// ContextID selects the database for TargetContext
	ContextID int
	// Pool selects the database for TargetPool
	Pool Target
	// Transaction is the held transaction for TargetTransaction
	Transaction string

	Mode       core.AccessMode
	Statements Statements
	// KeepOpen leaves the transaction open in the keeper
	KeepOpen bool
	// Module and Version request a version check before execution
	Module  string
	Version string
	// Migration makes the request a migration
	Migration *Migration
}

// Response is the result of a request
type Response struct {
	Results     map[string]Result `json:"results"`
	Transaction string            `json:"transaction,omitempty"`
}

// Performer runs requests through their lifecycle: resolve a connection,
// check versions, execute in a transaction and commit, hold or roll back.
type Performer struct {
	service     Service
	keeper      *Keeper
	metrics     *metrics.Metrics
	maxRows     int
	lockTimeout time.Duration
	notifier    notify.Notifier
}

// NewPerformer creates a performer. A zero maxRows selects DefaultMaxRows, a
// negative one disables the limit. A zero lockTimeout selects DefaultLockTimeout.
func NewPerformer(service Service, keeper *Keeper, m *metrics.Metrics, maxRows int, lockTimeout time.Duration) *Performer {
	if maxRows == 0 {
		maxRows = DefaultMaxRows
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Performer{
		service:     service,
		keeper:      keeper,
		metrics:     m,
		maxRows:     maxRows,
		lockTimeout: lockTimeout,
	}
}

// WithNotifier publishes an event for every committed migration
func (p *Performer) WithNotifier(n notify.Notifier) *Performer {
	p.notifier = n
	return p
}

func (p *Performer) migrated(ctx context.Context, conn *Conn, req Request) {
	p.metrics.Migration("success")
	if p.notifier == nil {
		return
	}
	m := req.Migration
	statements := make(map[string]string, len(req.Statements))
	for name, statement := range req.Statements {
		statements[name] = statement.Query
	}
	err := p.notifier.Notify(context.WithoutCancel(ctx), notify.Event{
		Module:     m.Module,
		From:       m.From,
		To:         m.To,
		WritePool:  conn.Target.WritePool,
		Schema:     conn.Target.Schema,
		Target:     req.Kind.String(),
		CreatedAt:  time.Now().UTC(),
		Statements: statements,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 4204: cannot publish migration event")
	}
}

func (p *Performer) executor(kind TargetKind) executor {
	return executor{
		maxRows: p.maxRows,
		executed: func(mode string) {
			p.metrics.StatementExecuted(kind.String(), mode)
		},
	}
}

func (p *Performer) connect(ctx context.Context, req Request, write bool) (*Conn, error) {
	switch req.Kind {
	case TargetConfigDB:
		return p.service.ConfigDB(ctx, write)
	case TargetContext:
		return p.service.ContextDB(ctx, req.ContextID, write)
	case TargetPool:
		return p.service.PoolDB(ctx, req.Pool.ReadPool, req.Pool.WritePool, req.Pool.Schema, write)
	}
	return nil, fmt.Errorf("cannot connect to %s", req.Kind)
}

// Perform executes a request
func (p *Performer) Perform(ctx context.Context, req Request) (Response, error) {
	if req.Kind == TargetTransaction {
		return p.performHeld(ctx, req)
	}
	write := req.Mode.Writable() || req.KeepOpen || req.Migration != nil
	conn, err := p.connect(ctx, req, write)
	if err != nil {
		return Response{}, err
	}

	var (
		response Response
		held     bool
	)
	if req.Migration != nil {
		response, held, err = p.migrate(ctx, conn, req)
	} else {
		response, held, err = p.perform(ctx, conn, req)
	}
	if !held {
		p.service.Back(conn)
	}
	return response, err
}

func (p *Performer) checkVersion(ctx context.Context, q csql.Queryer, conn *Conn, module, version string) error {
	err := NewVersionChecker(conn).IsUpToDate(ctx, q, module, version)
	if errors.Is(err, ErrVersionConflict) {
		p.metrics.VersionConflict()
	}
	return err
}

// beginTx begins a transaction, a read-only one unless writable. Held
// transactions outlive the request, so they must not be bound to its
// cancellation.
func beginTx(ctx context.Context, conn *Conn, writable, keepOpen bool) (*sql.Tx, error) {
	if keepOpen {
		ctx = context.WithoutCancel(ctx)
	}
	var (
		tx  *sql.Tx
		err error
	)
	if writable {
		tx, err = conn.BeginTx(ctx, nil)
	} else {
		tx, err = conn.Dialect.BeginReadOnly(ctx, conn.Conn)
	}
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

// endReadOnly restores a connection after its read-only transaction finished
func (p *Performer) endReadOnly(ctx context.Context, conn *Conn, committed bool) {
	if err := conn.Dialect.EndReadOnly(context.WithoutCancel(ctx), conn.Conn); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 4205: cannot restore read-only connection")
	}
}

func (p *Performer) rollback(ctx context.Context, tx *sql.Tx, conn *Conn, writable bool) {
	if err := tx.Rollback(); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 4201: rollback")
	}
	if !writable {
		p.endReadOnly(ctx, conn, false)
	}
}

// perform executes the statements of req in one transaction. Read-only
// requests run in a read-only transaction which is always rolled back.
func (p *Performer) perform(ctx context.Context, conn *Conn, req Request) (Response, bool, error) {
	writable := req.Mode.Writable()
	tx, err := beginTx(ctx, conn, writable, req.KeepOpen)
	if err != nil {
		return Response{}, false, err
	}
	var results map[string]Result
	if len(req.Module) > 0 {
		err = p.checkVersion(ctx, tx, conn, req.Module, req.Version)
	}
	if err == nil {
		results, err = p.executor(req.Kind).execute(ctx, tx, req.Statements, writable)
	}
	if err != nil {
		p.rollback(ctx, tx, conn, writable)
		return Response{}, false, err
	}
	if req.KeepOpen {
		var onFinish []FinishFunc
		if !writable {
			onFinish = append(onFinish, p.endReadOnly)
		}
		id := p.keeper.Remember(ctx, tx, conn, onFinish...)
		return Response{Results: results, Transaction: id}, true, nil
	}
	if !writable {
		p.rollback(ctx, tx, conn, false)
		return Response{Results: results}, false, nil
	}
	if err := tx.Commit(); err != nil {
		abortCommit(ctx, conn)
		return Response{}, false, fmt.Errorf("commit: %w", err)
	}
	return Response{Results: results}, false, nil
}

func (p *Performer) performHeld(ctx context.Context, req Request) (Response, error) {
	held, err := p.keeper.Checkout(req.Transaction)
	if err != nil {
		return Response{}, err
	}
	ctx, rlog := logger.ContextWithLoggerTransaction(ctx, held.ID)

	if len(req.Module) > 0 {
		err = p.checkVersion(ctx, held.Tx, held.Conn, req.Module, req.Version)
	}
	var results map[string]Result
	if err == nil {
		results, err = p.executor(TargetTransaction).execute(ctx, held.Tx, req.Statements, true)
	}
	if err != nil {
		rlog.WithError(err).Infoln("rolling back held transaction")
		p.keeper.Forget(ctx, held.ID)
		return Response{}, err
	}
	p.keeper.Return(held.ID)
	return Response{Results: results, Transaction: held.ID}, nil
}

func (p *Performer) migrate(ctx context.Context, conn *Conn, req Request) (Response, bool, error) {
	m := req.Migration
	rlog := logger.FromContext(ctx).WithField("module", m.Module)
	checker := NewVersionChecker(conn)
	if err := checker.CreateTables(ctx, conn); err != nil {
		return Response{}, false, err
	}
	holder := uuid.New().String()
	if err := checker.Lock(ctx, conn, m.Module, holder, p.lockTimeout); err != nil {
		if errors.Is(err, ErrLocked) {
			p.metrics.Migration("locked")
		}
		return Response{}, false, err
	}
	unlock := func(ctx context.Context, conn *Conn, committed bool) {
		released, err := checker.Release(context.WithoutCancel(ctx), conn, m.Module, holder)
		if err != nil {
			rlog.WithError(err).Errorln("Error 4202: cannot release migration lock")
		} else if !released {
			rlog.Warnln("migration lock expired and was taken over")
		}
	}
	fail := func(err error) (Response, bool, error) {
		unlock(ctx, conn, false)
		if errors.Is(err, ErrVersionConflict) {
			p.metrics.VersionConflict()
			p.metrics.Migration("conflict")
		} else {
			p.metrics.Migration("failed")
		}
		return Response{}, false, err
	}

	if err := checker.IsUpToDate(ctx, conn, m.Module, m.From); err != nil {
		return fail(err)
	}
	tx, err := beginTx(ctx, conn, true, req.KeepOpen)
	if err != nil {
		return fail(err)
	}
	results, err := p.executor(req.Kind).execute(ctx, tx, req.Statements, true)
	if err == nil {
		err = checker.Advance(ctx, tx, m.Module, m.From, m.To)
	}
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			rlog.WithError(rerr).Errorln("Error 4203: rollback of migration")
		}
		return fail(err)
	}

	if req.KeepOpen {
		count := func(ctx context.Context, conn *Conn, committed bool) {
			if committed {
				p.migrated(ctx, conn, req)
			} else {
				p.metrics.Migration("failed")
			}
		}
		id := p.keeper.Remember(ctx, tx, conn, unlock, count)
		rlog.Infoln("holding migration from", m.From, "to", m.To, "in transaction", id)
		return Response{Results: results, Transaction: id}, true, nil
	}
	if err := tx.Commit(); err != nil {
		abortCommit(ctx, conn)
		return fail(fmt.Errorf("commit migration: %w", err))
	}
	unlock(ctx, conn, true)
	p.migrated(ctx, conn, req)
	rlog.Infoln("migrated from", m.From, "to", m.To)
	return Response{Results: results}, false, nil
}

// Commit commits a held transaction
func (p *Performer) Commit(ctx context.Context, id string) error {
	return p.keeper.Commit(ctx, id)
}

// Rollback rolls back a held transaction
func (p *Performer) Rollback(ctx context.Context, id string) error {
	return p.keeper.Rollback(ctx, id)
}

// Unlock releases the migration lock of module in the database of req. It is
// meant for locks left behind by crashed migrations.
func (p *Performer) Unlock(ctx context.Context, req Request, module string) error {
	conn, err := p.connect(ctx, req, true)
	if err != nil {
		return err
	}
	defer p.service.Back(conn)
	checker := NewVersionChecker(conn)
	if err := checker.CreateTables(ctx, conn); err != nil {
		return err
	}
	if err := checker.Unlock(ctx, conn, module); err != nil {
		return err
	}
	logger.FromContext(ctx).Infoln("released migration lock of module", module)
	return nil
}

// InitSchema creates schema in writePool together with the version tables
func (p *Performer) InitSchema(ctx context.Context, writePool int, schema string) error {
	conn, err := p.service.PoolDB(ctx, writePool, writePool, schema, true)
	if err != nil {
		return err
	}
	defer p.service.Back(conn)
	if err := conn.Dialect.CreateSchema(ctx, conn, conn.Target.Schema); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return NewVersionChecker(conn).CreateTables(ctx, conn)
}
