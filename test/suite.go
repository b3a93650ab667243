//go:build integration

// Package test runs the proxy against real Postgres and Kafka containers.
// Run with go test -tags integration ./test/...
package test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/dbrest/core/client"
	"github.com/relabs-tech/dbrest/core/csql"
	"github.com/relabs-tech/dbrest/core/database"
	"github.com/relabs-tech/dbrest/core/metrics"
	"github.com/relabs-tech/dbrest/core/notify"
)

const (
	// writePool and readPool point to the same Postgres server
	writePool = 1
	readPool  = 2

	migrationsTopic = "schema_migrations"
)

type IntegrationTestSuite struct {
	suite.Suite

	proxy    *database.Proxy
	pools    *database.Pools
	notifier *notify.Kafka
	srv      *http.Server
	cancel   context.CancelFunc
	done     chan struct{}
	client   client.Client
	db       *csql.DB
	schemas  []string

	network            testcontainers.Network
	postgresContainer  testcontainers.Container
	zookeeperContainer testcontainers.Container
	kafkaContainer     testcontainers.Container
	kafkaConn          *kafka.Conn
	kafkaAddr          string
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) startPostgres(ctx context.Context, networkName string) (string, string) {
	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDB,
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)
	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB)
	return dsn, postgresPassword
}

func (s *IntegrationTestSuite) startKafka(ctx context.Context, networkName string) {
	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.zookeeperContainer = zooC

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,EXTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,EXTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,EXTERNAL:PLAINTEXT",
				"KAFKA_INTER_BROKER_LISTENER_NAME":       "EXTERNAL",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(migrationsTopic, 1), "Failed to create migrations topic")
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := "test-dbrest-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	dsn, password := s.startPostgres(ctx, networkName)
	s.startKafka(ctx, networkName)

	s.db = csql.OpenWithSchema(dsn, password, "dbrest")
	dsn += " password=" + password

	s.pools, err = database.NewPools(ctx, database.Settings{
		Pools: map[int]database.PoolSettings{
			writePool: {Driver: "postgres", DSN: dsn, MaxOpen: 10},
			readPool:  {Driver: "postgres", DSN: dsn, MaxOpen: 10},
		},
		ConfigReadPool:  readPool,
		ConfigWritePool: writePool,
		ConfigSchema:    "dbrest",
	})
	s.Require().NoError(err)

	s.notifier = notify.NewKafka([]string{s.kafkaAddr}, migrationsTopic)
	router := mux.NewRouter()
	s.proxy = database.New(&database.Builder{
		Service:            s.pools,
		Router:             router,
		Metrics:            metrics.New(),
		Notifier:           s.notifier,
		TransactionTimeout: 5 * time.Second,
		ReapInterval:       time.Second,
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		s.proxy.Run(runCtx)
		close(s.done)
	}()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.srv = &http.Server{Handler: router}
	go func() {
		err := s.srv.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			s.T().Errorf("Failed to start HTTP server: %v", err)
		}
	}()
	s.client = client.NewWithURL("http://" + listener.Addr().String())
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.srv != nil {
		s.Require().NoError(s.srv.Shutdown(ctx))
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.notifier != nil {
		s.Require().NoError(s.notifier.Close())
	}
	if s.pools != nil {
		s.pools.Close()
	}
	if s.db != nil {
		for _, schema := range s.schemas {
			db := &csql.DB{DB: s.db.DB, Schema: schema, Dialect: s.db.Dialect}
			db.ClearSchema()
		}
		s.db.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zookeeperContainer, s.postgresContainer} {
		if c != nil {
			s.Require().NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.Require().NoError(s.network.Remove(ctx))
	}
}

// initSchema creates a fresh schema in the write pool. It is dropped again
// when the suite ends.
func (s *IntegrationTestSuite) initSchema(schema string) {
	s.schemas = append(s.schemas, schema)
	status, err := s.client.RawPut(fmt.Sprintf("%s/init/w/%d/%s", database.Prefix, writePool, schema), []byte{}, nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusNoContent, status)
}

func (s *IntegrationTestSuite) pool(schema string) client.Target {
	return s.client.Pool(readPool, writePool, schema)
}
