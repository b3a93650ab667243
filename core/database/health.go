// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package database

import (
	"context"
	"net/http"
	"strconv"
)

// poolHealth is the part of sql.DBStats reported by the health route
type poolHealth struct {
	MaxOpenConnections int   `json:"max_open_connections"`
	OpenConnections    int   `json:"open_connections"`
	InUse              int   `json:"in_use"`
	Idle               int   `json:"idle"`
	WaitCount          int64 `json:"wait_count"`
	WaitDurationMillis int64 `json:"wait_duration_ms"`
}

// Health is the body of the health route
type Health struct {
	Status           string                `json:"status"`
	HeldTransactions int                   `json:"held_transactions"`
	Pools            map[string]poolHealth `json:"pools,omitempty"`
}

// Health returns the state of the proxy. It fails if a pool does not answer a ping.
func (p *Proxy) Health(ctx context.Context) (Health, error) {
	health := Health{Status: "ok", HeldTransactions: p.keeper.Len()}
	if p.pools == nil {
		return health, nil
	}
	health.Pools = map[string]poolHealth{}
	for id, stats := range p.pools.Stats() {
		health.Pools[strconv.Itoa(id)] = poolHealth{
			MaxOpenConnections: stats.MaxOpenConnections,
			OpenConnections:    stats.OpenConnections,
			InUse:              stats.InUse,
			Idle:               stats.Idle,
			WaitCount:          stats.WaitCount,
			WaitDurationMillis: stats.WaitDuration.Milliseconds(),
		}
	}
	return health, p.pools.Ping(ctx)
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := p.Health(r.Context())
	if err != nil {
		health.Status = "error: " + err.Error()
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	writeJSON(w, http.StatusOK, health)
}
