package database

import (
	"context"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/dbrest/core/access"
	"github.com/relabs-tech/dbrest/core/logger"
	"github.com/relabs-tech/dbrest/core/metrics"
	"github.com/relabs-tech/dbrest/core/notify"
)

// DefaultReapInterval is how often the keeper looks for idle transactions
const DefaultReapInterval = 10 * time.Second

// Proxy is the database REST proxy
type Proxy struct {
	service              Service
	assignments          *Assignments
	pools                *Pools
	keeper               *Keeper
	performer            *Performer
	metrics              *metrics.Metrics
	reapInterval         time.Duration
	authorizationEnabled bool
}

// Builder is a builder helper for the Proxy
type Builder struct {
	// Service hands out connections. This is mandatory. If it is a *Pools,
	// the context assignment routes and pool statistics are enabled.
	Service Service
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Metrics receives the proxy metrics. This is optional.
	Metrics *metrics.Metrics
	// AuthorizationEnabled restricts the routes to the roles admin and database
	AuthorizationEnabled bool
	// MaxRows limits the rows of a single statement, see NewPerformer
	MaxRows int
	// TransactionTimeout is the idle timeout of held transactions
	TransactionTimeout time.Duration
	// LockTimeout is the lifetime of migration locks
	LockTimeout time.Duration
	// ReapInterval is the interval of the idle transaction reaper started by Run
	ReapInterval time.Duration
	// Notifier receives an event for every committed migration. This is optional.
	Notifier notify.Notifier
}

// New realizes the proxy and adds its routes to the router
func New(pb *Builder) *Proxy {
	if pb.Service == nil {
		panic("Service is missing")
	}
	if pb.Router == nil {
		panic("Router is missing")
	}
	reapInterval := pb.ReapInterval
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}

	p := &Proxy{
		service:              pb.Service,
		metrics:              pb.Metrics,
		reapInterval:         reapInterval,
		authorizationEnabled: pb.AuthorizationEnabled,
	}
	if pools, ok := pb.Service.(*Pools); ok {
		p.pools = pools
		p.assignments = pools.Assignments()
	}
	p.keeper = NewKeeper(pb.Service.Back, pb.TransactionTimeout, pb.Metrics)
	p.performer = NewPerformer(pb.Service, p.keeper, pb.Metrics, pb.MaxRows, pb.LockTimeout)
	if pb.Notifier != nil {
		p.performer.WithNotifier(pb.Notifier)
	}

	access.HandleAuthorizationRoute(pb.Router)
	p.handleVersion(pb.Router)
	if pb.Metrics != nil {
		pb.Metrics.HandleRoute(pb.Router)
	}
	p.handleRoutes(pb.Router)
	return p
}

// Keeper returns the transaction keeper of the proxy
func (p *Proxy) Keeper() *Keeper {
	return p.keeper
}

// Performer returns the request performer of the proxy
func (p *Proxy) Performer() *Performer {
	return p.performer
}

// Run runs the idle transaction reaper until ctx is done, then rolls back
// all transactions which are still held
func (p *Proxy) Run(ctx context.Context) {
	logger.Default().Infoln("transaction reaper started, interval", p.reapInterval)
	p.keeper.Run(ctx, p.reapInterval)
	p.keeper.Close()
	logger.Default().Infoln("transaction reaper stopped")
}
