package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		handler   http.HandlerFunc
		name      string
		method    string
		target    string
		wantLevel string
		status    int
	}{
		{
			name:   "select ok",
			method: http.MethodGet,
			target: "/rest/v1/lpg_orders?status=eq.completed&limit=10",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("[]"))
			},
			status:    http.StatusOK,
			wantLevel: "INFO",
		},
		{
			name:   "insert created",
			method: http.MethodPost,
			target: "/rest/v1/lpg_orders",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
			},
			status:    http.StatusCreated,
			wantLevel: "INFO",
		},
		{
			name:   "conflict",
			method: http.MethodPost,
			target: "/rest/v1/lpg_orders",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
			},
			status:    http.StatusConflict,
			wantLevel: "WARN",
		},
		{
			name:   "internal error",
			method: http.MethodDelete,
			target: "/rest/v1/lpg_orders?id=eq.srv-1",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			status:    http.StatusInternalServerError,
			wantLevel: "ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := bufferLogger()
			handler := chimw.RequestID(LoggingMiddleware(logger)(tt.handler))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(tt.method, tt.target, nil))

			require.Equal(t, tt.status, w.Code)
			out := buf.String()
			assert.Contains(t, out, `"msg":"HTTP request"`)
			assert.Contains(t, out, `"level":"`+tt.wantLevel+`"`)
			assert.Contains(t, out, `"method":"`+tt.method+`"`)
			assert.Contains(t, out, `"request_id":"`)
		})
	}
}

func TestLoggingMiddleware_HidesFilterValues(t *testing.T) {
	logger, buf := bufferLogger()
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/rest/v1/lpg_customers?phone=eq.%2B79990001122&limit=5", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"params":"limit,phone"`)
	assert.NotContains(t, out, "79990001122")
	assert.NotContains(t, out, "secret-token")
}

func TestLoggingMiddleware_SkipPaths(t *testing.T) {
	logger, buf := bufferLogger()
	handler := LoggingMiddleware(logger, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, buf.String())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rest/v1/lpg_brands", nil))
	assert.Contains(t, buf.String(), "/rest/v1/lpg_brands")
}

func TestResponseWriter_CountsBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	_, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = rw.Write([]byte(" world"))
	require.NoError(t, err)

	assert.Equal(t, int64(11), rw.written)
	assert.Equal(t, http.StatusOK, rw.statusCode)
}
