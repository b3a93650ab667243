// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package database

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dbrest/core"
	"github.com/relabs-tech/dbrest/core/access"
	"github.com/relabs-tech/dbrest/core/logger"
)

// Prefix is the path prefix of all database routes
const Prefix = "/database/v1"

// maxBodySize limits the size of a statement batch
const maxBodySize = 32 << 20

var adminRoles = []string{"admin"}

func (p *Proxy) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("database proxy")
	r := router.PathPrefix(Prefix).Subrouter()

	const (
		mode    = "/{mode:readOnly|writable}"
		context = "/context/{context:[0-9]+}"
		pool    = "/pool/r/{read:[0-9]+}/w/{write:[0-9]+}/{schema}"
	)

	for _, target := range []string{"/configdb", context, pool} {
		p.handle(r, target+mode, p.handleStatements, core.ProxyRoles, http.MethodPut)
	}
	p.handle(r, "/transaction/{tx}", p.handleStatements, core.ProxyRoles, http.MethodPut)
	p.handle(r, "/transaction/{tx}/commit", p.handleCommit, core.ProxyRoles, http.MethodPut)
	p.handle(r, "/transaction/{tx}/rollback", p.handleRollback, core.ProxyRoles, http.MethodPut)

	for _, target := range []string{context, pool} {
		p.handle(r, "/migration"+target+"/from/{from}/to/{to}/module/{module}", p.handleStatements, core.ProxyRoles, http.MethodPut)
		p.handle(r, "/migration"+target+"/to/{to}/module/{module}", p.handleStatements, core.ProxyRoles, http.MethodPut)
		p.handle(r, "/migration"+target+"/unlock/module/{module}", p.handleUnlock, core.ProxyRoles, http.MethodPut)
	}

	p.handle(r, "/init/w/{write:[0-9]+}/{schema}", p.handleInit, adminRoles, http.MethodPut)

	if p.assignments != nil {
		p.handle(r, "/contexts", p.handleListContexts, adminRoles, http.MethodGet)
		p.handle(r, "/contexts/{context:[0-9]+}", p.handleGetContext, adminRoles, http.MethodGet)
		p.handle(r, "/contexts/{context:[0-9]+}", p.handlePutContext, adminRoles, http.MethodPut)
		p.handle(r, "/contexts/{context:[0-9]+}", p.handleDeleteContext, adminRoles, http.MethodDelete)
	}

	p.handle(r, "/health", p.handleHealth, nil, http.MethodGet)
}

// handle adds a compressed route. If roles is not empty and authorization is
// enabled, the caller needs one of the roles.
func (p *Proxy) handle(router *mux.Router, path string, h http.HandlerFunc, roles []string, method string) {
	logger.Default().Debugln("  handle route:", Prefix+path, method)
	var handler http.Handler = h
	if len(roles) > 0 {
		handler = access.RequireRoles(p.authorizationEnabled, handler, roles...)
	}
	handler = handlers.CompressHandler(handler)
	router.Handle(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		handler.ServeHTTP(w, r)
	})).Methods(method)
}

// requestFromVars resolves the target of a request from the route variables
func requestFromVars(vars map[string]string) (Request, error) {
	var req Request
	switch {
	case len(vars["tx"]) > 0:
		req.Kind = TargetTransaction
		req.Transaction = vars["tx"]
	case len(vars["context"]) > 0:
		id, err := strconv.Atoi(vars["context"])
		if err != nil {
			return req, fmt.Errorf("%w: context %s", ErrUnknownContext, vars["context"])
		}
		req.Kind = TargetContext
		req.ContextID = id
	case len(vars["read"]) > 0:
		read, err := strconv.Atoi(vars["read"])
		if err != nil {
			return req, fmt.Errorf("%w: read pool %s", ErrUnknownPool, vars["read"])
		}
		write, err := strconv.Atoi(vars["write"])
		if err != nil {
			return req, fmt.Errorf("%w: write pool %s", ErrUnknownPool, vars["write"])
		}
		req.Kind = TargetPool
		req.Pool = Target{ReadPool: read, WritePool: write, Schema: vars["schema"]}
	default:
		req.Kind = TargetConfigDB
	}
	req.Mode = core.AccessModeWritable
	if mode, ok := vars["mode"]; ok {
		req.Mode = core.AccessMode(mode)
	}
	return req, nil
}

func (p *Proxy) handleStatements(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req, err := requestFromVars(vars)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	if to, ok := vars["to"]; ok {
		req.Migration = &Migration{Module: vars["module"], From: vars["from"], To: to}
	}
	req.KeepOpen = r.URL.Query().Get("keep_open") == "true"
	req.Module = r.Header.Get(core.HeaderModule)
	req.Version = r.Header.Get(core.HeaderVersion)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		p.writeError(w, r, fmt.Errorf("%w: %v", ErrInvalidStatements, err))
		return
	}
	req.Statements, err = ParseStatements(r.Header.Get("Content-Type"), body)
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	response, err := p.performer.Perform(r.Context(), req)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	if len(response.Transaction) > 0 {
		w.Header().Set(core.HeaderTransaction, response.Transaction)
	}
	writeJSON(w, http.StatusOK, response)
}

func (p *Proxy) handleCommit(w http.ResponseWriter, r *http.Request) {
	if err := p.performer.Commit(r.Context(), mux.Vars(r)["tx"]); err != nil {
		p.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := p.performer.Rollback(r.Context(), mux.Vars(r)["tx"]); err != nil {
		p.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) handleUnlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req, err := requestFromVars(vars)
	if err == nil {
		err = p.performer.Unlock(r.Context(), req, vars["module"])
	}
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) handleInit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writePool, err := strconv.Atoi(vars["write"])
	if err == nil {
		err = p.performer.InitSchema(r.Context(), writePool, vars["schema"])
	}
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) handleListContexts(w http.ResponseWriter, r *http.Request) {
	ids, err := p.assignments.IDs(r.Context())
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	contexts := make(map[string]Target, len(ids))
	for _, id := range ids {
		target, err := p.assignments.Get(r.Context(), id)
		if err != nil {
			p.writeError(w, r, err)
			return
		}
		contexts[strconv.Itoa(id)] = target
	}
	writeJSON(w, http.StatusOK, contexts)
}

func (p *Proxy) handleGetContext(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["context"])
	target, err := p.assignments.Get(r.Context(), id)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (p *Proxy) handlePutContext(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["context"])
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var target Target
	if err := json.Unmarshal(body, &target); err != nil {
		http.Error(w, "invalid assignment: "+err.Error(), http.StatusBadRequest)
		return
	}
	for _, pool := range []int{target.ReadPool, target.WritePool} {
		if p.pools != nil && !p.pools.HasPool(pool) {
			p.writeError(w, r, fmt.Errorf("pool %d: %w", pool, ErrUnknownPool))
			return
		}
	}
	if err := p.assignments.Put(r.Context(), id, target); err != nil {
		p.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("assigned context", id, "to", target)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["context"])
	if err := p.assignments.Delete(r.Context(), id); err != nil {
		p.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError answers with the status and error body for err
func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := statusFor(err)
	p.metrics.RequestFailed(reason)
	rlog := logger.FromContext(r.Context()).WithError(err)
	if status >= http.StatusInternalServerError {
		rlog.Errorln("Error 4301: request failed")
	} else {
		rlog.Infoln("request failed with status", status)
	}
	body := newErrorBody(err)
	if errors.Is(err, ErrVersionConflict) {
		w.Header().Set(core.HeaderVersion, body.CurrentVersion)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Error 4302: "+strings.TrimSpace(err.Error()), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}
