package access

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorization_HasRole(t *testing.T) {
	auth := &Authorization{Roles: []string{"database"}}
	assert.True(t, auth.HasRole("database"))
	assert.False(t, auth.HasRole("admin"))
	assert.True(t, auth.HasAnyRole("admin", "database"))

	// nil authorizations have no roles
	auth = nil
	assert.False(t, auth.HasRole("admin"))
	_, ok := auth.Property("x")
	assert.False(t, ok)
}

// newTestRouter returns a router with the middleware and a route which reports
// the roles found in the context
func newTestRouter(middlewares ...mux.MiddlewareFunc) *mux.Router {
	router := mux.NewRouter()
	router.Use(middlewares...)
	router.Handle("/protected", RequireRoles(true, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(IdentityFromContext(r.Context())))
	}), "admin", "database")).Methods(http.MethodGet)
	HandleAuthorizationRoute(router)
	return router
}

func serve(router *mux.Router, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	return rec
}

func TestBackdoorMiddleware(t *testing.T) {
	router := newTestRouter(NewBackdoorMiddleware(&BackdoorMiddlewareBuilder{
		Backdoors: map[string]Authorization{"please": {Roles: []string{"admin"}}},
	}))

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer please")
	assert.Equal(t, http.StatusOK, serve(router, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer thankyou")
	assert.Equal(t, http.StatusUnauthorized, serve(router, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/authorization", nil)
	assert.Equal(t, http.StatusNoContent, serve(router, r).Code)
}

func TestBasicAuthMiddleware(t *testing.T) {
	router := newTestRouter(NewBasicAuthMiddleware(&BasicAuthMiddlewareBuilder{
		Users: map[string]BasicUser{"ops": {Password: "secret", Roles: []string{"database"}}},
	}))

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.SetBasicAuth("ops", "secret")
	rec := serve(router, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", rec.Body.String())

	r = httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.SetBasicAuth("ops", "wrong")
	rec = serve(router, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func TestJwtMiddleware(t *testing.T) {
	router := newTestRouter(NewJwtMiddleware(&JwtMiddlewareBuilder{Secret: "s3cr3t", Issuer: "dbrest"}))

	token, err := NewJwtToken("s3cr3t", "dbrest", "migrator", []string{"database"}, time.Minute)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec := serve(router, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "migrator", rec.Body.String())

	// wrong issuer
	token, err = NewJwtToken("s3cr3t", "someone", "migrator", []string{"database"}, time.Minute)
	require.NoError(t, err)
	r = httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, serve(router, r).Code)

	// wrong secret
	token, err = NewJwtToken("other", "dbrest", "migrator", []string{"database"}, time.Minute)
	require.NoError(t, err)
	r = httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, serve(router, r).Code)

	// expired
	token, err = NewJwtToken("s3cr3t", "dbrest", "migrator", []string{"database"}, -time.Minute)
	require.NoError(t, err)
	r = httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, serve(router, r).Code)
}
