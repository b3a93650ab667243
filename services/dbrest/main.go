// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Command dbrest serves the database REST proxy.
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker" for a single pool setup, or declare pools in
// the files of CONFIG_DIR.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/dbrest/core/access"
	"github.com/relabs-tech/dbrest/core/config"
	"github.com/relabs-tech/dbrest/core/database"
	"github.com/relabs-tech/dbrest/core/logger"
	"github.com/relabs-tech/dbrest/core/metrics"
)

// Service holds the environment configuration of the service
type Service struct {
	Postgres         string `env:"POSTGRES" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level"`
	Port             int    `env:"PORT,default=3000" description:"the port to listen on"`
	ConfigDir        string `env:"CONFIG_DIR,default=/etc/dbrest" description:"directory with .properties and .yml files"`
	JwtSecret        string `env:"JWT_SECRET" description:"HMAC secret of bearer JWTs"`
	JwtIssuer        string `env:"JWT_ISSUER" description:"accepted JWT issuer, empty accepts any"`
	BackdoorToken    string `env:"BACKDOOR_TOKEN" description:"static bearer token with admin role"`
	BasicUser        string `env:"BASIC_USER" description:"login for HTTP basic auth with database role"`
	BasicPassword    string `env:"BASIC_PASSWORD" description:"password for HTTP basic auth"`
	KafkaBrokers     string `env:"KAFKA_BROKERS" description:"comma separated brokers for migration events"`
	CORSOrigin       string `env:"CORS_ORIGIN" description:"allowed CORS origin, empty disables CORS headers"`
}

func loadService() (*Service, error) {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, err
	}
	return service, nil
}

func (s *Service) postgresDSN() string {
	if len(s.Postgres) == 0 || len(s.PostgresPassword) == 0 {
		return s.Postgres
	}
	return s.Postgres + " password=" + s.PostgresPassword
}

// authorizationEnabled is true if any authentication middleware is configured
func (s *Service) authorizationEnabled() bool {
	return len(s.JwtSecret) > 0 || len(s.BackdoorToken) > 0 || len(s.BasicUser) > 0
}

func (s *Service) useAuthentication(router *mux.Router) {
	if len(s.BackdoorToken) > 0 {
		router.Use(access.NewBackdoorMiddleware(&access.BackdoorMiddlewareBuilder{
			Backdoors: map[string]access.Authorization{
				s.BackdoorToken: {Roles: []string{"admin"}},
			},
		}))
	}
	if len(s.BasicUser) > 0 {
		router.Use(access.NewBasicAuthMiddleware(&access.BasicAuthMiddlewareBuilder{
			Users: map[string]access.BasicUser{
				s.BasicUser: {Password: s.BasicPassword, Roles: []string{"database"}},
			},
		}))
	}
	if len(s.JwtSecret) > 0 {
		router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
			Secret: s.JwtSecret,
			Issuer: s.JwtIssuer,
		}))
	}
}

func main() {
	var configDir string

	rootCmd := &cobra.Command{
		Use:           "dbrest",
		Short:         "dbrest - a REST proxy for pooled SQL databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory, overrides CONFIG_DIR")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the database routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := loadService()
			if err != nil {
				return err
			}
			if len(configDir) > 0 {
				service.ConfigDir = configDir
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, service)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := loadService()
			if err != nil {
				return err
			}
			if len(configDir) > 0 {
				service.ConfigDir = configDir
			}
			cfg, err := config.Load(service.ConfigDir)
			if err != nil {
				return err
			}
			all := cfg.All()
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, redacted(k, all[k]))
			}
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, configCmd)
	if err := rootCmd.Execute(); err != nil {
		logger.Default().WithError(err).Errorln("dbrest failed")
		os.Exit(1)
	}
}

func serve(ctx context.Context, service *Service) error {
	logger.InitLoggerFromString(service.LogLevel)
	rlog := logger.Default()

	cfg, err := config.Load(service.ConfigDir)
	if err != nil {
		return err
	}
	settings, err := settingsFromConfig(cfg, service.postgresDSN())
	if err != nil {
		return err
	}
	if len(service.KafkaBrokers) > 0 {
		settings.KafkaBrokers = config.New(map[string]string{"brokers": service.KafkaBrokers}).Strings("brokers")
	}

	pools, err := database.NewPools(ctx, settings.Database)
	if err != nil {
		return err
	}
	defer pools.Close()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	service.useAuthentication(router)

	builder := &database.Builder{
		Service:              pools,
		Router:               router,
		Metrics:              metrics.New(),
		AuthorizationEnabled: service.authorizationEnabled(),
		MaxRows:              settings.MaxRows,
		TransactionTimeout:   settings.TransactionTimeout,
		LockTimeout:          settings.LockTimeout,
		ReapInterval:         settings.ReapInterval,
	}
	notifiers, closeNotifiers, err := settings.notifiers(ctx)
	if err != nil {
		return err
	}
	defer closeNotifiers()
	if len(notifiers) > 0 {
		builder.Notifier = notifiers
	}
	proxy := database.New(builder)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	reaperDone := make(chan struct{})
	go func() {
		proxy.Run(ctx)
		close(reaperDone)
	}()

	var handler http.Handler = router
	if len(service.CORSOrigin) > 0 {
		handler = access.NewCORSMiddleware(service.CORSOrigin)(router)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", service.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		rlog.Infoln("listen on port", srv.Addr)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serverErr:
	case <-ctx.Done():
		rlog.Infoln("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		err = srv.Shutdown(shutdownCtx)
	}
	cancel()
	<-reaperDone
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
