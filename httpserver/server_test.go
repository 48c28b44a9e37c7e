package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingAPI struct{}

func (pingAPI) RegisterRoutes(r chi.Router) {
	r.Get("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	r.Get("/api/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
}

func newTestServer(t *testing.T, pprof bool) http.Handler {
	t.Helper()
	srv, err := New(&HTTPServerConfig{
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		EnablePprof: pprof,
	}, pingAPI{})
	require.NoError(t, err)
	return srv.Router()
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w.Code, w.Body.String()
}

func TestRegisteredRoutes(t *testing.T) {
	h := newTestServer(t, false)

	code, body := get(t, h, "/api/ping")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", body)

	code, _ = get(t, h, "/api/panic")
	assert.Equal(t, http.StatusInternalServerError, code)

	code, _ = get(t, h, "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDrainLifecycle(t *testing.T) {
	h := newTestServer(t, false)

	tests := []struct {
		path   string
		code   int
		status string
	}{
		{"/livez", http.StatusOK, `{"status":"alive"}`},
		{"/readyz", http.StatusOK, `{"status":"ready"}`},
		{"/drain", http.StatusOK, `{"status":"draining"}`},
		{"/drain", http.StatusOK, `{"status":"already draining"}`},
		{"/readyz", http.StatusServiceUnavailable, `{"status":"not ready"}`},
		{"/livez", http.StatusOK, `{"status":"alive"}`},
		{"/undrain", http.StatusOK, `{"status":"ready"}`},
		{"/undrain", http.StatusOK, `{"status":"already ready"}`},
		{"/readyz", http.StatusOK, `{"status":"ready"}`},
	}
	for _, tt := range tests {
		code, body := get(t, h, tt.path)
		assert.Equal(t, tt.code, code, tt.path)
		assert.JSONEq(t, tt.status, body, tt.path)
	}
}

func TestPprofMounted(t *testing.T) {
	h := newTestServer(t, true)

	code, _ := get(t, h, "/debug/pprof/")
	assert.Equal(t, http.StatusOK, code)
}
