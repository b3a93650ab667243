package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/relabs-tech/dbrest/core/client"
	"github.com/relabs-tech/dbrest/core/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// dataPool is the pool with the test data, pool 1 holds the config database
const dataPool = 2

type testProxy struct {
	proxy   *Proxy
	pools   *Pools
	metrics *metrics.Metrics
	client  client.Client
}

func sqliteDSN(dir, name string) string {
	return filepath.Join(dir, name) + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func newTestPools(t *testing.T) *Pools {
	dir := t.TempDir()
	pools, err := NewPools(context.Background(), Settings{
		Pools: map[int]PoolSettings{
			1:        {Driver: "sqlite", DSN: sqliteDSN(dir, "config.db")},
			dataPool: {Driver: "sqlite", DSN: sqliteDSN(dir, "data.db"), MaxOpen: 8},
		},
		ConfigReadPool:  1,
		ConfigWritePool: 1,
	})
	require.NoError(t, err)
	t.Cleanup(pools.Close)
	return pools
}

func newTestProxy(t *testing.T, configure ...func(*Builder)) *testProxy {
	pools := newTestPools(t)
	router := mux.NewRouter()
	m := metrics.New()
	builder := &Builder{
		Service: pools,
		Router:  router,
		Metrics: m,
	}
	for _, c := range configure {
		c(builder)
	}
	p := New(builder)
	t.Cleanup(p.Keeper().Close)
	return &testProxy{
		proxy:   p,
		pools:   pools,
		metrics: m,
		client:  client.NewWithRouter(router).WithAdminAuthorization(),
	}
}

// data returns the target of the data pool
func (tp *testProxy) data() client.Target {
	return tp.client.Pool(dataPool, dataPool, "main")
}

// count returns the number of rows in table, read outside of any held transaction
func (tp *testProxy) count(t *testing.T, table string) int {
	res, _, err := tp.data().Query("SELECT COUNT(*) AS n FROM " + table)
	require.NoError(t, err)
	return int(res.Results[SingleStatementName].Rows[0]["n"].(float64))
}

func (tp *testProxy) createItems(t *testing.T) {
	_, _, err := tp.data().Update("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)
}
