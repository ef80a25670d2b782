package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cito-engine/internal/auth"
	"cito-engine/internal/eventing"
)

func TestRouterHealthAndAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := NewRouter(zap.New(core), nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
	assert.Equal(t, "/healthz", entries[0].ContextMap()["path"])
}

func TestRouterPropagatesCorrelationID(t *testing.T) {
	var seen string
	handler := NewRouter(nil, nil, func(r chi.Router) {
		r.Get("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
			seen = eventing.CorrelationIDFromContext(r.Context())
			_, ok := w.(http.Flusher)
			assert.True(t, ok)
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
}

func TestRouterEnforcesAuth(t *testing.T) {
	secret := []byte("jwt-secret")
	policy, err := auth.NewDefaultPolicy([]string{"/api/v1/events"}, nil)
	require.NoError(t, err)
	handler := NewRouter(nil, auth.NewMiddleware(secret, policy, nil), func(r chi.Router) {
		r.Get("/api/v1/incidents", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(auth.SubjectFromContext(r.Context())))
		})
		r.Post("/api/v1/events", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	token, err := auth.IssueJWT(secret, "alice", auth.RoleViewer, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestServerShutsDownOnCancel(t *testing.T) {
	server := NewServer("127.0.0.1:0", http.NotFoundHandler(), time.Second, time.Second, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

