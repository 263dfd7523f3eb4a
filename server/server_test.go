package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/server"
)

func newTestServer(t *testing.T, endpoint http.Handler) http.Handler {
	t.Helper()
	srv := server.NewServer(nil, conf.Default(), endpoint)
	hs, ok := srv.(*server.HTTPServer)
	require.True(t, ok)
	return hs.Handler
}

func TestLocalRoutes(t *testing.T) {
	h := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("endpoint must not serve local-host requests")
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz/liveness-probe", nil)
	req.Host = "127.0.0.1:8440"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Host = "localhost:8440"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Host = "127.0.0.1:8440"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBusinessRoute(t *testing.T) {
	served := false
	h := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served = true
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/files/upload", nil)
	req.Host = "files.example.com"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.True(t, served)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	req := httptest.NewRequest(http.MethodPost, "/files/upload", nil)
	req.Host = "files.example.com"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", rec.Header().Get("X-Error-Type"))
}
