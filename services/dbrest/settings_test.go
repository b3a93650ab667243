package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dbrest/core/config"
	"github.com/relabs-tech/dbrest/core/database"
	"github.com/relabs-tech/dbrest/core/notify"
)

const poolsYAML = `
pools:
  1:
    dsn: host=db1 user=postgres
    max_open: 20
    max_lifetime: 5m
  2:
    driver: sqlite
    dsn: /var/lib/dbrest/cache.db
configdb:
  read_pool: 2
  write_pool: 1
  schema: dbrest
notify:
  kafka:
    brokers: [kafka1:9092, kafka2:9092]
`

func TestSettingsFromConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-pools.yml"), []byte(poolsYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-proxy.properties"),
		[]byte("proxy.max_rows = 500\nproxy.transaction_timeout = 30s\nproxy.lock_timeout = 60000\n"+
			"notify.aws.region = eu-central-1\nnotify.s3.bucket = archive\nnotify.sqs.queue_url = https://sqs/q.fifo\n"), 0o600))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	s, err := settingsFromConfig(cfg, "")
	require.NoError(t, err)

	assert.Equal(t, map[int]database.PoolSettings{
		1: {Driver: "postgres", DSN: "host=db1 user=postgres", MaxOpen: 20, MaxLifetime: 5 * time.Minute},
		2: {Driver: "sqlite", DSN: "/var/lib/dbrest/cache.db"},
	}, s.Database.Pools)
	assert.Equal(t, 2, s.Database.ConfigReadPool)
	assert.Equal(t, 1, s.Database.ConfigWritePool)
	assert.Equal(t, "dbrest", s.Database.ConfigSchema)
	assert.Equal(t, 500, s.MaxRows)
	assert.Equal(t, 30*time.Second, s.TransactionTimeout)
	assert.Equal(t, time.Minute, s.LockTimeout)
	assert.Equal(t, database.DefaultReapInterval, s.ReapInterval)
	assert.Equal(t, []string{"kafka1:9092", "kafka2:9092"}, s.KafkaBrokers)
	assert.Equal(t, defaultTopic, s.KafkaTopic)
	assert.Equal(t, notify.AWSConfiguration{AWSRegion: "eu-central-1"}, s.AWS)
	assert.Equal(t, "archive", s.S3Bucket)
	assert.Equal(t, "https://sqs/q.fifo", s.SQSQueueURL)
}

func TestKafkaNotifier(t *testing.T) {
	s := &proxySettings{KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: defaultTopic}
	notifiers, closeNotifiers, err := s.notifiers(context.Background())
	require.NoError(t, err)
	require.Len(t, notifiers, 1)
	assert.IsType(t, &notify.Kafka{}, notifiers[0])
	closeNotifiers()

	notifiers, closeNotifiers, err = (&proxySettings{}).notifiers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, notifiers)
	closeNotifiers()
}

func TestSettingsFallback(t *testing.T) {
	s, err := settingsFromConfig(config.New(nil), "host=localhost password=x")
	require.NoError(t, err)
	assert.Equal(t, map[int]database.PoolSettings{
		1: {Driver: "postgres", DSN: "host=localhost password=x"},
	}, s.Database.Pools)
	assert.Equal(t, 1, s.Database.ConfigReadPool)
	assert.Equal(t, 1, s.Database.ConfigWritePool)
	assert.Equal(t, database.DefaultMaxRows, s.MaxRows)
	assert.Empty(t, s.KafkaBrokers)

	_, err = settingsFromConfig(config.New(nil), "")
	assert.Error(t, err)
}

func TestSettingsErrors(t *testing.T) {
	_, err := settingsFromConfig(config.New(map[string]string{"pools.one.dsn": "x"}), "")
	assert.Error(t, err)

	_, err = settingsFromConfig(config.New(map[string]string{"pools.1.driver": "sqlite"}), "")
	assert.Error(t, err)

	_, err = settingsFromConfig(config.New(map[string]string{
		"pools.1.dsn":      "x",
		"pools.1.max_open": "many",
	}), "")
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	assert.Equal(t, "****", redacted("jwt.secret", "abc"))
	assert.Equal(t, "host=db password=**** user=me", redacted("pools.1.dsn", "host=db password=geheim user=me"))
	assert.Equal(t, "host=db password=****", redacted("pools.1.dsn", "host=db password=geheim"))
	assert.Equal(t, "20", redacted("pools.1.max_open", "20"))

	assert.Equal(t, "postgres://me:****@db:5432/shop?sslmode=disable",
		redacted("pools.1.dsn", "postgres://me:geheim@db:5432/shop?sslmode=disable"))
	assert.Equal(t, "postgres://me:****@db",
		redacted("pools.1.dsn", "postgres://me:p@ss@db"))
	assert.Equal(t, "postgres://me@db/shop?password=****&sslmode=disable",
		redacted("pools.1.dsn", "postgres://me@db/shop?password=geheim&sslmode=disable"))
	assert.Equal(t, "postgres://db/shop", redacted("pools.1.dsn", "postgres://db/shop"))
	assert.Equal(t, "file:data.db?_pragma=busy_timeout(5000)",
		redacted("pools.2.dsn", "file:data.db?_pragma=busy_timeout(5000)"))
}
