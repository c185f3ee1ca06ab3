package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/posync/pkg/api"
)

func TestTokenHandler_Issue(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("dev-secret"), TokenTTL: time.Hour}
	handler := NewTokenHandler(setupTestLogger(), cfg)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "valid", body: `{"owner_id":"team-1","subject":"cashier"}`, status: http.StatusOK},
		{name: "missing owner", body: `{"subject":"cashier"}`, status: http.StatusUnprocessableEntity},
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.Issue(w, httptest.NewRequest(http.MethodPost, "/auth/v1/token", strings.NewReader(tt.body)))
			require.Equal(t, tt.status, w.Code)

			if tt.status != http.StatusOK {
				return
			}
			var resp api.TokenResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, int64(3600), resp.ExpiresIn)

			claims, err := ValidateAccessToken(cfg, resp.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, "team-1", claims.OwnerID)
			assert.Equal(t, "cashier", claims.Subject)
		})
	}
}

func TestGenerateAccessToken_RequiresOwner(t *testing.T) {
	_, _, err := GenerateAccessToken(JWTConfig{Secret: []byte("s"), TokenTTL: time.Minute}, "", "x")
	assert.ErrorIs(t, err, ErrMissingOwner)
}
