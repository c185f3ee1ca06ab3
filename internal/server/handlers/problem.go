package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/iudanet/posync/internal/server/storage"
	"github.com/iudanet/posync/pkg/api"
)

const problemBase = "https://posync.dev/errors/"

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusBadRequest:          {typeURI: problemBase + "bad-request", title: "Bad Request"},
	http.StatusUnauthorized:        {typeURI: problemBase + "unauthorized", title: "Unauthorized"},
	http.StatusNotFound:            {typeURI: problemBase + "not-found", title: "Not Found"},
	http.StatusConflict:            {typeURI: problemBase + "conflict", title: "Conflict"},
	http.StatusUnprocessableEntity: {typeURI: problemBase + "validation-error", title: "Validation Error"},
	http.StatusTooManyRequests:     {typeURI: problemBase + "rate-limit", title: "Too Many Requests"},
	http.StatusInternalServerError: {typeURI: problemBase + "internal-error", title: "Internal Server Error"},
	http.StatusServiceUnavailable:  {typeURI: problemBase + "service-unavailable", title: "Service Unavailable"},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt.typeURI = problemBase + "unknown"
		pt.title = http.StatusText(status)
	}

	p := api.Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", api.ProblemContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapStoreError converts storage errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Record not found")
	case errors.Is(err, storage.ErrDuplicateID):
		WriteProblem(w, r, http.StatusConflict, "Duplicate record id")
	case errors.Is(err, storage.ErrMissingID),
		errors.Is(err, storage.ErrInvalidRecord),
		errors.Is(err, storage.ErrInvalidColumn):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		// Не раскрываем внутренние ошибки клиенту
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
