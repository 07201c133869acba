package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"whatsmgr/internal/metrics"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, handler http.HandlerFunc) *mux.Router {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	router := mux.NewRouter()
	router.Use(Observability(logger))
	router.HandleFunc("/sessions/{id}/start", handler).Methods(http.MethodPost)
	return router
}

func TestObservability_AssignsRequestID(t *testing.T) {
	var seen string
	router := newRouter(t, func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/7/start", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestObservability_KeepsCallerRequestID(t *testing.T) {
	router := newRouter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-1", RequestID(r.Context()))
	})

	req := httptest.NewRequest(http.MethodPost, "/sessions/7/start", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
}

func TestObservability_CountsByRouteTemplate(t *testing.T) {
	router := newRouter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/start", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	snap := metrics.GetRegistry().Snapshot()
	var total float64
	for _, c := range snap.Counters {
		if c.Name == "http_requests_total" && c.Labels["endpoint"] == "/sessions/{id}/start" && c.Labels["status_code"] == "404" {
			total += c.Value
		}
	}
	assert.GreaterOrEqual(t, total, float64(2))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.9"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.2:1234", "198.51.100.4"},
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"ipv6 remote", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"no port", nil, "192.0.2.1", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
