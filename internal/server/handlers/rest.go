package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iudanet/posync/internal/models"
	"github.com/iudanet/posync/pkg/api"
)

// maxBodySize ограничение размера тела запроса
const maxBodySize = 8 << 20

// RecordStorage определяет интерфейс для работы с записями таблиц
type RecordStorage interface {
	Select(ctx context.Context, owner string, table models.Table, q api.Query) ([]json.RawMessage, error)
	Insert(ctx context.Context, owner string, table models.Table, rec json.RawMessage, idempotencyKey string) (json.RawMessage, error)
	Upsert(ctx context.Context, owner string, table models.Table, recs []json.RawMessage, ignoreDuplicates bool) ([]json.RawMessage, error)
	Update(ctx context.Context, owner string, table models.Table, id string, patch map[string]any) (json.RawMessage, error)
	Delete(ctx context.Context, owner string, table models.Table, id string) error
}

// RestHandler serves the table endpoints under /rest/v1/{table}
type RestHandler struct {
	logger  *slog.Logger
	storage RecordStorage
}

// NewRestHandler creates a new table handler
func NewRestHandler(logger *slog.Logger, storage RecordStorage) *RestHandler {
	return &RestHandler{
		logger:  logger,
		storage: storage,
	}
}

// scope извлекает владельца и таблицу, отвечая ошибкой при их отсутствии
func (h *RestHandler) scope(w http.ResponseWriter, r *http.Request) (string, models.Table, bool) {
	owner, ok := GetOwnerID(r.Context())
	if !ok {
		h.logger.Error("Owner ID not found in context")
		WriteProblem(w, r, http.StatusUnauthorized, "missing session owner")
		return "", "", false
	}

	table := models.Table(chi.URLParam(r, "table"))
	if !table.Valid() {
		WriteProblem(w, r, http.StatusNotFound, "unknown table "+string(table))
		return "", "", false
	}
	return owner, table, true
}

// Select обрабатывает GET /rest/v1/{table}?col=op.value&order=&limit=&offset=
func (h *RestHandler) Select(w http.ResponseWriter, r *http.Request) {
	owner, table, ok := h.scope(w, r)
	if !ok {
		return
	}

	q, err := api.ParseQuery(r.URL.Query())
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := h.storage.Select(r.Context(), owner, table, q)
	if err != nil {
		h.logger.Warn("Select failed", "table", table, "owner_id", owner, "error", err)
		MapStoreError(w, r, err)
		return
	}

	h.logger.Debug("Select completed", "table", table, "owner_id", owner, "count", len(recs))
	writeRecords(w, h.logger, http.StatusOK, recs)
}

// Insert обрабатывает POST /rest/v1/{table}.
// С Prefer: resolution=... тело это массив для upsert, иначе одна запись.
func (h *RestHandler) Insert(w http.ResponseWriter, r *http.Request) {
	owner, table, ok := h.scope(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "failed to read body")
		return
	}
	recs, err := splitBody(body)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "body must be a JSON object or array")
		return
	}

	prefer := r.Header.Get(api.HeaderPrefer)
	if resolution, ok := preferResolution(prefer); ok {
		if target := r.URL.Query().Get("on_conflict"); target != "" && target != "id" {
			WriteProblem(w, r, http.StatusUnprocessableEntity, "only on_conflict=id is supported")
			return
		}
		ignore := resolution == api.PreferIgnoreDuplicates
		out, err := h.storage.Upsert(r.Context(), owner, table, recs, ignore)
		if err != nil {
			h.logger.Warn("Upsert failed", "table", table, "owner_id", owner, "error", err)
			MapStoreError(w, r, err)
			return
		}
		h.logger.Info("Upsert completed", "table", table, "owner_id", owner, "written", len(out), "ignore_duplicates", ignore)
		writeRecords(w, h.logger, http.StatusCreated, out)
		return
	}

	key := r.Header.Get(api.HeaderIdempotencyKey)
	if key != "" && len(recs) != 1 {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "idempotency key requires a single record")
		return
	}

	out := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		created, err := h.storage.Insert(r.Context(), owner, table, rec, key)
		if err != nil {
			h.logger.Warn("Insert failed", "table", table, "owner_id", owner, "error", err)
			MapStoreError(w, r, err)
			return
		}
		out = append(out, created)
	}

	h.logger.Info("Insert completed", "table", table, "owner_id", owner, "count", len(out))
	writeRecords(w, h.logger, http.StatusCreated, out)
}

// Update обрабатывает PATCH /rest/v1/{table}?id=eq.X
func (h *RestHandler) Update(w http.ResponseWriter, r *http.Request) {
	owner, table, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := idFilter(r)
	if !ok {
		WriteProblem(w, r, http.StatusBadRequest, "PATCH requires id=eq.<id>")
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&patch); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	out, err := h.storage.Update(r.Context(), owner, table, id, patch)
	if err != nil {
		h.logger.Warn("Update failed", "table", table, "id", id, "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeRecords(w, h.logger, http.StatusOK, []json.RawMessage{out})
}

// Delete обрабатывает DELETE /rest/v1/{table}?id=eq.X
func (h *RestHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, table, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := idFilter(r)
	if !ok {
		WriteProblem(w, r, http.StatusBadRequest, "DELETE requires id=eq.<id>")
		return
	}

	if err := h.storage.Delete(r.Context(), owner, table, id); err != nil {
		MapStoreError(w, r, err)
		return
	}
	h.logger.Info("Delete completed", "table", table, "id", id, "owner_id", owner)
	w.WriteHeader(http.StatusNoContent)
}

func idFilter(r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("id")
	id, found := strings.CutPrefix(raw, string(api.OpEq)+".")
	return id, found && id != ""
}

// preferResolution ищет resolution=... среди значений Prefer
func preferResolution(prefer string) (string, bool) {
	for _, part := range strings.Split(prefer, ",") {
		part = strings.TrimSpace(part)
		if part == api.PreferMergeDuplicates || part == api.PreferIgnoreDuplicates {
			return part, true
		}
	}
	return "", false
}

// splitBody принимает объект или массив объектов
func splitBody(body []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var recs []json.RawMessage
		if err := json.Unmarshal(body, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	}
	var rec json.RawMessage
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}
	return []json.RawMessage{rec}, nil
}

func writeRecords(w http.ResponseWriter, logger *slog.Logger, status int, recs []json.RawMessage) {
	if recs == nil {
		recs = []json.RawMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(recs); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}
