package access

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dbrest/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for NewJwtMiddleware
type JwtMiddlewareBuilder struct {
	// Secret is the shared HMAC secret tokens are signed with. This is mandatory.
	Secret string
	// Issuer is the accepted issuer for the token. Empty accepts any issuer.
	Issuer string
}

// claims are the JWT claims understood by the proxy
type claims struct {
	Roles []string `json:"roles"`
	jwt.StandardClaims
}

// NewJwtMiddleware returns a middleware handler to validate HMAC signed
// JWT bearer tokens.
//
// The authorization is taken from the "roles" claim, the identity from the
// subject. Authorizations are cached per token, the signature and expiry are
// verified on every request.
//
// This is a final handler with regards to the bearer token: it returns
// http.StatusUnauthorized when a token is present but invalid. Place it behind
// the backdoor middleware if both are used.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if len(jmb.Secret) == 0 {
		panic("jwt middleware requires a secret")
	}
	authCache := NewAuthorizationCache()
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(jmb.Secret), nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}
			tokenString := bearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}
			rlog := logger.FromContext(r.Context())

			c := claims{}
			token, err := jwt.ParseWithClaims(tokenString, &c, keyFunc)
			if err != nil || !token.Valid || (len(jmb.Issuer) > 0 && c.Issuer != jmb.Issuer) {
				rlog.Infoln("invalid token:", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			auth := authCache.Read(tokenString)
			if auth == nil {
				auth = &Authorization{Roles: c.Roles}
				authCache.Write(tokenString, auth)
			}
			ctx := ContextWithIdentity(r.Context(), c.Subject)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, c.Subject)
			ctx = ContextWithAuthorization(ctx, auth)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewJwtToken issues a HS256 token for subject with the given roles. A ttl of
// zero creates a token that does not expire.
func NewJwtToken(secret, issuer, subject string, roles []string, ttl time.Duration) (string, error) {
	c := claims{
		Roles: roles,
		StandardClaims: jwt.StandardClaims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: time.Now().Unix(),
		},
	}
	if ttl != 0 {
		c.ExpiresAt = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}
