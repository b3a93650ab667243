package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/dbrest/core/logger"
	"github.com/relabs-tech/dbrest/core/metrics"
)

// DefaultTransactionTimeout is the idle timeout of held transactions
const DefaultTransactionTimeout = 2 * time.Minute

// FinishFunc is called exactly once when a held transaction ends, after
// commit or rollback and before its connection goes back to the pool
type FinishFunc func(ctx context.Context, conn *Conn, committed bool)

// Held is a transaction checked out from the keeper
type Held struct {
	ID   string
	Tx   *sql.Tx
	Conn *Conn
}

type heldTransaction struct {
	Held
	busy       bool
	lastUsed   time.Time
	onFinish   []FinishFunc
	loggerData []byte
}

// Keeper holds open transactions across requests under an opaque id.
//
// A held transaction is used by at most one request at a time. Transactions
// which stay idle for longer than the timeout are rolled back by the reaper,
// see Run.
type Keeper struct {
	mutex        sync.Mutex
	transactions map[string]*heldTransaction
	timeout      time.Duration
	back         func(*Conn)
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewKeeper creates a keeper which gives connections back with back. A zero
// timeout selects DefaultTransactionTimeout. m may be nil.
func NewKeeper(back func(*Conn), timeout time.Duration, m *metrics.Metrics) *Keeper {
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	return &Keeper{
		transactions: map[string]*heldTransaction{},
		timeout:      timeout,
		back:         back,
		metrics:      m,
		now:          time.Now,
	}
}

// Remember hands tx and its connection over to the keeper and returns the new
// transaction id. The transaction is not checked out.
func (k *Keeper) Remember(ctx context.Context, tx *sql.Tx, conn *Conn, onFinish ...FinishFunc) string {
	id := uuid.New().String()
	k.mutex.Lock()
	k.transactions[id] = &heldTransaction{
		Held:       Held{ID: id, Tx: tx, Conn: conn},
		lastUsed:   k.now(),
		onFinish:   onFinish,
		loggerData: logger.SerializeLoggerContext(ctx),
	}
	n := len(k.transactions)
	k.mutex.Unlock()
	k.metrics.SetHeldTransactions(n)
	logger.FromContext(ctx).Debugln("holding transaction", id)
	return id
}

// Checkout reserves a held transaction for the caller, who must call Return
// or Forget when done. A transaction already checked out yields ErrTransactionBusy.
func (k *Keeper) Checkout(id string) (*Held, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	t, ok := k.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrUnknownTransaction)
	}
	if t.busy {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionBusy)
	}
	t.busy = true
	held := t.Held
	return &held, nil
}

// Return gives a checked out transaction back to the keeper and restarts its idle timeout
func (k *Keeper) Return(id string) {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	if t, ok := k.transactions[id]; ok {
		t.busy = false
		t.lastUsed = k.now()
	}
}

// Commit commits a held transaction which is not checked out
func (k *Keeper) Commit(ctx context.Context, id string) error {
	t, err := k.take(id)
	if err != nil {
		return err
	}
	err = t.Tx.Commit()
	if err != nil {
		abortCommit(ctx, t.Conn)
	}
	k.finish(ctx, t, err == nil)
	if err != nil {
		return fmt.Errorf("commit transaction %s: %w", id, err)
	}
	return nil
}

// abortCommit ends a transaction whose commit failed. sqlite keeps the
// transaction open after a deferred constraint violation; postgres has rolled
// it back already and only warns.
func abortCommit(ctx context.Context, conn *Conn) {
	conn.ExecContext(context.WithoutCancel(ctx), `ROLLBACK;`)
}

// Rollback rolls back a held transaction which is not checked out
func (k *Keeper) Rollback(ctx context.Context, id string) error {
	t, err := k.take(id)
	if err != nil {
		return err
	}
	err = t.Tx.Rollback()
	k.finish(ctx, t, false)
	if err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rollback transaction %s: %w", id, err)
	}
	return nil
}

// Forget rolls back a transaction which the caller has checked out and
// removes it from the keeper
func (k *Keeper) Forget(ctx context.Context, id string) {
	k.mutex.Lock()
	t, ok := k.transactions[id]
	delete(k.transactions, id)
	n := len(k.transactions)
	k.mutex.Unlock()
	if !ok {
		return
	}
	k.metrics.SetHeldTransactions(n)
	if err := t.Tx.Rollback(); err != nil && err != sql.ErrTxDone {
		logger.FromContext(ctx).WithError(err).Errorln("Error 4102: rollback of forgotten transaction", id)
	}
	k.finish(ctx, t, false)
}

// Len returns the number of held transactions
func (k *Keeper) Len() int {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	return len(k.transactions)
}

// take removes a transaction which is not checked out from the keeper
func (k *Keeper) take(id string) (*heldTransaction, error) {
	k.mutex.Lock()
	t, ok := k.transactions[id]
	if !ok {
		k.mutex.Unlock()
		return nil, fmt.Errorf("transaction %s: %w", id, ErrUnknownTransaction)
	}
	if t.busy {
		k.mutex.Unlock()
		return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionBusy)
	}
	delete(k.transactions, id)
	n := len(k.transactions)
	k.mutex.Unlock()
	k.metrics.SetHeldTransactions(n)
	return t, nil
}

// finish runs the hooks of a removed transaction and gives its connection back
func (k *Keeper) finish(ctx context.Context, t *heldTransaction, committed bool) {
	for _, f := range t.onFinish {
		f(ctx, t.Conn, committed)
	}
	k.back(t.Conn)
}

// Run rolls back expired transactions every interval until ctx is done
func (k *Keeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Reap()
		}
	}
}

// Reap rolls back all transactions which are not checked out and have been
// idle for longer than the timeout. It returns the number of reaped transactions.
func (k *Keeper) Reap() int {
	now := k.now()
	var expired []*heldTransaction
	k.mutex.Lock()
	for id, t := range k.transactions {
		if !t.busy && now.Sub(t.lastUsed) > k.timeout {
			expired = append(expired, t)
			delete(k.transactions, id)
		}
	}
	n := len(k.transactions)
	k.mutex.Unlock()
	if len(expired) == 0 {
		return 0
	}
	k.metrics.SetHeldTransactions(n)

	for _, t := range expired {
		ctx := logger.ContextWithLoggerFromData(context.Background(), t.loggerData)
		ctx, rlog := logger.ContextWithLoggerTransaction(ctx, t.ID)
		rlog.Infoln("rolling back idle transaction")
		if err := t.Tx.Rollback(); err != nil && err != sql.ErrTxDone {
			rlog.WithError(err).Errorln("Error 4103: rollback of idle transaction")
		}
		k.finish(ctx, t, false)
		k.metrics.TransactionReaped()
	}
	return len(expired)
}

// Close rolls back all held transactions, including checked out ones
func (k *Keeper) Close() {
	k.mutex.Lock()
	all := k.transactions
	k.transactions = map[string]*heldTransaction{}
	k.mutex.Unlock()
	k.metrics.SetHeldTransactions(0)
	for _, t := range all {
		ctx := logger.ContextWithLoggerFromData(context.Background(), t.loggerData)
		if err := t.Tx.Rollback(); err != nil && err != sql.ErrTxDone {
			logger.FromContext(ctx).WithError(err).Errorln("Error 4104: rollback on close", t.ID)
		}
		k.finish(ctx, t, false)
	}
}
