package database

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dbrest/core/access"
	"github.com/relabs-tech/dbrest/core/logger"
)

var (
	// Version is the version of the current build
	Version = "unset"
)

func (p *Proxy) handleVersion(router *mux.Router) {
	logger.Default().Debugln("version")
	logger.Default().Debugln("  handle version route: /version GET")
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		p.versionWithAuth(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)
}

func (p *Proxy) versionWithAuth(w http.ResponseWriter, r *http.Request) {
	if p.authorizationEnabled {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.HasRole("admin") {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	data, _ := json.Marshal(map[string]string{"version": Version})
	w.Write(data)
}
