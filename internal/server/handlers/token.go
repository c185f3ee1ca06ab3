package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/iudanet/posync/pkg/api"
)

// TokenHandler выдает токены сессии без проверки учетных данных.
// Включается только в режиме разработки.
type TokenHandler struct {
	logger *slog.Logger
	jwt    JWTConfig
}

// NewTokenHandler создает handler выдачи токенов
func NewTokenHandler(logger *slog.Logger, jwt JWTConfig) *TokenHandler {
	return &TokenHandler{logger: logger, jwt: jwt}
}

// Issue обрабатывает POST /auth/v1/token
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req api.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "owner_id is required")
		return
	}

	token, expiresIn, err := GenerateAccessToken(h.jwt, req.OwnerID, req.Subject)
	if err != nil {
		h.logger.Error("Failed to generate token", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	h.logger.Info("Development token issued", "owner_id", req.OwnerID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(api.TokenResponse{AccessToken: token, ExpiresIn: expiresIn}); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
