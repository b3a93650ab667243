// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast access to the database REST proxy

A client either talks directly to the mux router, without marshalling HTTP, or
to a remote proxy via its URL. The router variant is the tool of choice for
unit tests.

	c := client.NewWithRouter(router).WithAdminAuthorization()
	res, _, err := c.ConfigDB().Query(client.Statements{"users": {Query: "SELECT * FROM users"}})
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dbrest/core"
	"github.com/relabs-tech/dbrest/core/access"
)

// Prefix is the path prefix of all proxy routes
const Prefix = "/database/v1"

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the proxy,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to a proxy
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		if k != key {
			headers[k] = v
		}
	}
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization returns a new client with admin authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithRole("admin")
}

// WithRole returns a new client with role authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithRole(role string) Client {
	c.auth = &access.Authorization{
		Roles: []string{role},
	}
	return c
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the base context of all requests
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// Statement is a single SQL statement with optional positional parameters
type Statement struct {
	Query         string        `json:"query"`
	Params        []interface{} `json:"params,omitempty"`
	ResultSet     bool          `json:"result_set,omitempty"`
	GeneratedKeys bool          `json:"generated_keys,omitempty"`
}

// Statements is a named batch of statements. The proxy executes them in
// lexical order of their names.
type Statements map[string]Statement

// Result is the result of one statement
type Result struct {
	Rows          []map[string]interface{} `json:"rows,omitempty"`
	Updated       int64                    `json:"updated"`
	GeneratedKeys []int64                  `json:"generated_keys,omitempty"`
}

// Response is the response of the proxy to a statement batch
type Response struct {
	Results     map[string]Result `json:"results"`
	Transaction string            `json:"transaction,omitempty"`
}

// Error is the error body of the proxy
type Error struct {
	Status         int    `json:"-"`
	Message        string `json:"error"`
	SQLState       string `json:"sql_state,omitempty"`
	CurrentVersion string `json:"current_version,omitempty"`
}

func (e *Error) Error() string {
	if len(e.SQLState) > 0 {
		return fmt.Sprintf("status %d: %s (sql state %s)", e.Status, e.Message, e.SQLState)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// Target is a database addressed by the proxy: the config database, the
// database of a context or an explicit pair of pools with a schema
type Target struct {
	client   Client
	path     string
	keepOpen bool
	module   string
	version  string
}

// ConfigDB returns the config database target
func (c Client) ConfigDB() Target {
	return Target{client: c, path: "/configdb"}
}

// ContextDB returns the target for the database of a context
func (c Client) ContextDB(contextID int) Target {
	return Target{client: c, path: "/context/" + strconv.Itoa(contextID)}
}

// Pool returns the target for a schema in an explicit pair of pools
func (c Client) Pool(readPool, writePool int, schema string) Target {
	return Target{client: c, path: fmt.Sprintf("/pool/r/%d/w/%d/%s", readPool, writePool, url.PathEscape(schema))}
}

// WithKeepOpen returns a target whose writable requests leave their
// transaction open. The response carries the transaction ID.
func (t Target) WithKeepOpen() Target {
	t.keepOpen = true
	return t
}

// WithVersion returns a target which requires module to be at version
func (t Target) WithVersion(module, version string) Target {
	t.module = module
	t.version = version
	return t
}

func (t Target) headers() map[string]string {
	headers := map[string]string{}
	if len(t.module) > 0 {
		headers[core.HeaderModule] = t.module
		headers[core.HeaderVersion] = t.version
	}
	return headers
}

func (t Target) query() string {
	if t.keepOpen {
		return "?keep_open=true"
	}
	return ""
}

// Query executes statements read-only
func (t Target) Query(statements interface{}) (Response, int, error) {
	return t.client.execute(Prefix+t.path+"/"+string(core.AccessModeReadOnly)+t.query(), t.headers(), statements)
}

// Update executes statements in a writable transaction
func (t Target) Update(statements interface{}) (Response, int, error) {
	return t.client.execute(Prefix+t.path+"/"+string(core.AccessModeWritable)+t.query(), t.headers(), statements)
}

// Migrate executes statements as migration of module from version from to version to.
// An empty from migrates a module which has no version yet.
func (t Target) Migrate(module, from, to string, statements interface{}) (Response, int, error) {
	path := Prefix + "/migration" + t.path
	if len(from) > 0 {
		path += "/from/" + url.PathEscape(from)
	}
	path += "/to/" + url.PathEscape(to) + "/module/" + url.PathEscape(module) + t.query()
	return t.client.execute(path, nil, statements)
}

// Unlock releases the migration lock of module
func (t Target) Unlock(module string) (int, error) {
	status, _, body, err := t.client.Do(http.MethodPut, Prefix+"/migration"+t.path+"/unlock/module/"+url.PathEscape(module), nil, nil)
	if err != nil {
		return status, err
	}
	return status, errorFromBody(status, body, http.StatusNoContent)
}

// Transaction is a transaction held open by the proxy
type Transaction struct {
	client Client
	ID     string
}

// Transaction returns a handle to a held transaction
func (c Client) Transaction(id string) Transaction {
	return Transaction{client: c, ID: id}
}

// Execute executes more statements within the transaction
func (tx Transaction) Execute(statements interface{}) (Response, int, error) {
	return tx.client.execute(Prefix+"/transaction/"+url.PathEscape(tx.ID), nil, statements)
}

// Commit commits the transaction
func (tx Transaction) Commit() (int, error) {
	return tx.finish("commit")
}

// Rollback rolls the transaction back
func (tx Transaction) Rollback() (int, error) {
	return tx.finish("rollback")
}

func (tx Transaction) finish(what string) (int, error) {
	status, _, body, err := tx.client.Do(http.MethodPut, Prefix+"/transaction/"+url.PathEscape(tx.ID)+"/"+what, nil, nil)
	if err != nil {
		return status, err
	}
	return status, errorFromBody(status, body, http.StatusNoContent)
}

// execute sends statements, which can be a single SQL string, Statements or
// any other JSON marshallable object.
func (c Client) execute(path string, headers map[string]string, statements interface{}) (Response, int, error) {
	var (
		response Response
		body     []byte
		err      error
	)
	if headers == nil {
		headers = map[string]string{}
	}
	if s, ok := statements.(string); ok {
		body = []byte(s)
		headers["Content-Type"] = "text/plain"
	} else {
		body, err = json.Marshal(statements)
		if err != nil {
			return response, http.StatusBadRequest, err
		}
		headers["Content-Type"] = "application/json"
	}
	status, header, resBody, err := c.Do(http.MethodPut, path, headers, body)
	if err != nil {
		return response, status, err
	}
	if err := errorFromBody(status, resBody, http.StatusOK); err != nil {
		if e, ok := err.(*Error); ok && len(e.CurrentVersion) == 0 {
			e.CurrentVersion = header.Get(core.HeaderVersion)
		}
		return response, status, err
	}
	err = json.Unmarshal(resBody, &response)
	return response, status, err
}

func errorFromBody(status int, body []byte, want int) error {
	if status == want {
		return nil
	}
	e := &Error{Status: status}
	if err := json.Unmarshal(body, e); err != nil || len(e.Message) == 0 {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

// Do sends a request and returns status, response header and body. It only
// fails if the request could not be sent at all.
func (c Client) Do(method, path string, headers map[string]string, body []byte) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, nil, nil, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range headers {
		r.Header.Set(key, value)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, res.Header, rec.Body.Bytes(), nil
	}

	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	return res.StatusCode, res.Header, resBody, err
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// result can be a raw *[]byte or anything json can unmarshal into. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, body, err := c.Do(http.MethodGet, path, nil, nil)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(body)))
	}
	return status, unmarshal(body, result)
}

// RawPut puts body to path. Expects http.StatusOK or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte. result can be nil.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	j, ok := body.([]byte)
	if !ok {
		var err error
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("PUT to %s: %w", path, err)
		}
	}
	status, _, resBody, err := c.Do(http.MethodPut, path, map[string]string{"Content-Type": "application/json"}, j)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, fmt.Errorf("put got status=%d body=%s", status, strings.TrimSpace(string(resBody)))
	}
	return status, unmarshal(resBody, result)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as response, otherwise it will
// flag an error.
func (c Client) RawDelete(path string) (int, error) {
	status, _, body, err := c.Do(http.MethodDelete, path, nil, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusNoContent {
		return status, fmt.Errorf("delete got status=%d body=%s", status, strings.TrimSpace(string(body)))
	}
	return status, nil
}

func unmarshal(body []byte, result interface{}) error {
	if len(body) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = body
		return nil
	}
	return json.Unmarshal(body, result)
}
