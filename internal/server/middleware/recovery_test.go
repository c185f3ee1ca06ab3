package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iudanet/posync/pkg/api"
)

func TestRecoveryMiddleware(t *testing.T) {
	logger, buf := bufferLogger()
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rest/v1/lpg_orders", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, api.ProblemContentType, w.Header().Get("Content-Type"))
	assert.NotContains(t, w.Body.String(), "boom")
	assert.Contains(t, buf.String(), "Panic recovered")
	assert.Contains(t, buf.String(), "boom")
}

func TestRecoveryMiddleware_NoPanic(t *testing.T) {
	handler := RecoveryMiddleware(setupTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/rest/v1/lpg_orders", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRecoveryMiddleware_AbortHandlerRepanics(t *testing.T) {
	handler := RecoveryMiddleware(setupTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
