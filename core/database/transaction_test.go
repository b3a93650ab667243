package database

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dbrest/core/client"
)

func TestHeldTransactionCommit(t *testing.T) {
	tp := newTestProxy(t)
	tp.createItems(t)

	res, status, err := tp.data().WithKeepOpen().Update(client.Statements{
		"insert": {Query: "INSERT INTO items(name) VALUES(?)", Params: []interface{}{"first"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, res.Transaction)
	assert.Equal(t, 1, tp.proxy.Keeper().Len())

	// uncommitted data is invisible outside of the transaction
	assert.Equal(t, 0, tp.count(t, "items"))

	tx := tp.client.Transaction(res.Transaction)
	res, _, err = tx.Execute(client.Statements{
		"a_insert": {Query: "INSERT INTO items(name) VALUES(?)", Params: []interface{}{"second"}},
		"b_count":  {Query: "SELECT COUNT(*) AS n FROM items"},
	})
	require.NoError(t, err)
	assert.Equal(t, tx.ID, res.Transaction)
	assert.Equal(t, 2.0, res.Results["b_count"].Rows[0]["n"])

	status, err = tx.Commit()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, 2, tp.count(t, "items"))
	assert.Equal(t, 0, tp.proxy.Keeper().Len())

	status, err = tx.Commit()
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHeldTransactionRollback(t *testing.T) {
	tp := newTestProxy(t)
	tp.createItems(t)

	res, _, err := tp.data().WithKeepOpen().Update("INSERT INTO items(name) VALUES('gone')")
	require.NoError(t, err)
	status, err := tp.client.Transaction(res.Transaction).Rollback()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, 0, tp.count(t, "items"))
}

func TestHeldTransactionErrorRollsBack(t *testing.T) {
	tp := newTestProxy(t)
	tp.createItems(t)

	res, _, err := tp.data().WithKeepOpen().Update("INSERT INTO items(name) VALUES('gone')")
	require.NoError(t, err)
	tx := tp.client.Transaction(res.Transaction)

	_, status, err := tx.Execute("INSERT INTO items(name) VALUES(NULL)")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	_, status, err = tx.Execute("SELECT 1")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 0, tp.count(t, "items"))
	assert.Equal(t, 0, tp.proxy.Keeper().Len())
}

func TestHeldTransactionIsExclusive(t *testing.T) {
	tp := newTestProxy(t)
	tp.createItems(t)

	res, _, err := tp.data().WithKeepOpen().Update("INSERT INTO items(name) VALUES('busy')")
	require.NoError(t, err)
	keeper := tp.proxy.Keeper()

	held, err := keeper.Checkout(res.Transaction)
	require.NoError(t, err)

	tx := tp.client.Transaction(held.ID)
	_, status, err := tx.Execute("SELECT 1")
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)
	status, err = tx.Commit()
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)

	keeper.Return(held.ID)
	_, _, err = tx.Execute("SELECT 1")
	require.NoError(t, err)
	status, err = tx.Commit()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, 1, tp.count(t, "items"))
}

func TestUnknownTransaction(t *testing.T) {
	tp := newTestProxy(t)
	tx := tp.client.Transaction("does-not-exist")
	_, status, err := tx.Execute("SELECT 1")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	status, err = tx.Rollback()
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestIdleTransactionsAreReaped(t *testing.T) {
	tp := newTestProxy(t, func(b *Builder) { b.TransactionTimeout = time.Minute })
	tp.createItems(t)
	keeper := tp.proxy.Keeper()
	now := time.Now()
	keeper.now = func() time.Time { return now }

	res, _, err := tp.data().WithKeepOpen().Update("INSERT INTO items(name) VALUES('idle')")
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	assert.Equal(t, 0, keeper.Reap())

	// using the transaction restarts its idle timeout
	_, _, err = tp.client.Transaction(res.Transaction).Execute("SELECT 1")
	require.NoError(t, err)
	now = now.Add(45 * time.Second)
	assert.Equal(t, 0, keeper.Reap())

	now = now.Add(time.Minute)
	assert.Equal(t, 1, keeper.Reap())
	assert.Equal(t, 0, keeper.Len())
	assert.Equal(t, 0, tp.count(t, "items"))

	_, status, err := tp.client.Transaction(res.Transaction).Execute("SELECT 1")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	var exposition []byte
	_, err = tp.client.RawGet("/metrics", &exposition)
	require.NoError(t, err)
	assert.Contains(t, string(exposition), "dbrest_reaped_transactions_total 1")
	assert.Contains(t, string(exposition), "dbrest_held_transactions 0")
}

func (tp *testProxy) createTags(t *testing.T) {
	tp.createItems(t)
	_, _, err := tp.data().Update("CREATE TABLE tags (item INTEGER REFERENCES items(id) DEFERRABLE INITIALLY DEFERRED)")
	require.NoError(t, err)
}

func TestHeldTransactionCommitFailure(t *testing.T) {
	tp := newTestProxy(t)
	tp.createTags(t)

	// the foreign key is only checked on commit
	res, _, err := tp.data().WithKeepOpen().Update("INSERT INTO tags(item) VALUES(42)")
	require.NoError(t, err)

	status, err := tp.client.Transaction(res.Transaction).Commit()
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	var e *client.Error
	require.True(t, errors.As(err, &e))
	assert.NotEmpty(t, e.SQLState)
	assert.Equal(t, 0, tp.proxy.Keeper().Len())
	assert.Equal(t, 0, tp.count(t, "tags"))

	// the connection went back to the pool without the failed transaction
	_, _, err = tp.data().Update("INSERT INTO items(id, name) VALUES(42, 'x')")
	require.NoError(t, err)
	_, _, err = tp.data().Update("INSERT INTO tags(item) VALUES(42)")
	require.NoError(t, err)
	assert.Equal(t, 1, tp.count(t, "tags"))
}

func TestCommitFailure(t *testing.T) {
	tp := newTestProxy(t)
	tp.createTags(t)

	_, status, err := tp.data().Update("INSERT INTO tags(item) VALUES(42)")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 0, tp.count(t, "tags"))

	_, status, err = tp.data().Migrate("tags", "", "1", "INSERT INTO tags(item) VALUES(42)")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "", tp.currentVersion(t, "tags"))
	assert.Equal(t, 0, tp.locks(t))
}
