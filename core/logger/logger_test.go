package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestContextWithLoggerIsStable(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	ctx2, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, ctx, ctx2)
	assert.Equal(t, rlog, rlog2)
	assert.NotEmpty(t, RequestIDFromContext(ctx))
}

func TestSerializeRoundTrip(t *testing.T) {
	ctx, _ := ContextWithLogger(context.Background())
	ctx, _ = ContextWithLoggerIdentity(ctx, "admin")
	ctx, _ = ContextWithLoggerTransaction(ctx, "tx-1")

	data := SerializeLoggerContext(ctx)
	restored := ContextWithLoggerFromData(context.Background(), data)

	assert.Equal(t, loggerValues(ctx), loggerValues(restored))
	assert.Equal(t, "tx-1", loggerValues(restored).Transaction)
}

func TestContextWithLoggerFromInvalidData(t *testing.T) {
	ctx := ContextWithLoggerFromData(context.Background(), []byte("{"))
	assert.NotEmpty(t, RequestIDFromContext(ctx))
	assert.Equal(t, []byte("{}"), SerializeLoggerContext(context.Background()))
}

func TestAddRequestIDUsesHeader(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	var seen string
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "abc")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)

	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
}
