// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"net/http"

	"github.com/relabs-tech/dbrest/core/logger"
)

// NewCORSMiddleware returns a middleware which sets CORS headers for origin
// and answers preflight requests.
//
// Wrap the whole router with it rather than adding it with router.Use, mux
// does not run middlewares for methods without a route, so OPTIONS requests
// would never reach it.
func NewCORSMiddleware(origin string) func(http.Handler) http.Handler {
	if len(origin) == 0 {
		origin = "*"
	}
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Db-Module, X-Db-Version")
			w.Header().Set("Access-Control-Expose-Headers", "X-Db-Transaction, X-Db-Version, X-Request-Id")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}
