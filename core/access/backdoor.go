package access

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/dbrest/core/logger"
)

// BackdoorMiddlewareBuilder is a helper builder for NewBackdoorMiddleware
type BackdoorMiddlewareBuilder struct {
	// Backdoors is a mapping from a bearer token to an actual authorization
	Backdoors map[string]Authorization
}

// NewBackdoorMiddleware returns a middleware handler for a backdoor
//
// The key for the backdoors map is the bearer token passed with the request.
//
// Example: if you specify the backdoor
//
//	"please": Authorization{Roles:[]string{"admin"}}
//
// then any request with an authorization bearer token consisting of the single
// magic word "please" will be authorized with the admin role.
//
// With curl, use -H 'Authorization: Bearer please'
//
// Unknown tokens are passed on untouched, so that other middlewares can
// look at them.
func NewBackdoorMiddleware(bmb *BackdoorMiddlewareBuilder) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}
			tokenString := bearerToken(r)
			if len(tokenString) == 0 || bmb.Backdoors == nil {
				h.ServeHTTP(w, r)
				return
			}
			if tryAuth, ok := bmb.Backdoors[tokenString]; ok {
				auth := tryAuth
				ctx := ContextWithAuthorization(r.Context(), &auth)
				ctx, _ = logger.ContextWithLoggerIdentity(ctx, "backdoor")
				r = r.WithContext(ctx)
			}
			h.ServeHTTP(w, r)
		})
	}
}

// BasicUser is a user for HTTP basic authentication
type BasicUser struct {
	Password string
	Roles    []string
}

// BasicAuthMiddlewareBuilder is a helper builder for NewBasicAuthMiddleware
type BasicAuthMiddlewareBuilder struct {
	// Users maps a login to password and roles
	Users map[string]BasicUser
	// Realm is announced in the WWW-Authenticate header of failed requests
	Realm string
}

// NewBasicAuthMiddleware returns a middleware handler for HTTP basic authentication.
//
// Requests without basic credentials are passed on. Requests with wrong
// credentials are answered with http.StatusUnauthorized.
func NewBasicAuthMiddleware(bamb *BasicAuthMiddlewareBuilder) mux.MiddlewareFunc {
	realm := bamb.Realm
	if len(realm) == 0 {
		realm = "dbrest"
	}
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}
			login, password, ok := r.BasicAuth()
			if !ok {
				h.ServeHTTP(w, r)
				return
			}
			user, known := bamb.Users[login]
			if !known || subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
				logger.FromContext(r.Context()).Infoln("basic auth failed for", login)
				w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
				http.Error(w, "not authorized", http.StatusUnauthorized)
				return
			}
			ctx := ContextWithIdentity(r.Context(), login)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, login)
			ctx = ContextWithAuthorization(ctx, &Authorization{Roles: user.Roles})
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
		return bearer[7:]
	}
	return ""
}
