package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/iudanet/posync/pkg/api"
)

// ErrNotFound returned by remote implementations for a missing record
var ErrNotFound = errors.New("remote record not found")

// StatusError non-2xx ответ удаленного сервиса
type StatusError struct {
	Problem    *api.Problem
	Body       string
	StatusCode int
}

func (e *StatusError) Error() string {
	if e.Problem != nil && e.Problem.Detail != "" {
		return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Problem.Detail)
	}
	if e.Body != "" {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// Is позволяет сравнивать 404 с ErrNotFound через errors.Is
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Transient сообщает, имеет ли смысл повторять запрос
func (e *StatusError) Transient() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err means the remote record doesn't exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is a connectivity-class failure worth retrying.
// Anything that is not an explicit HTTP rejection is treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return !IsNotFound(err)
}

// IsRejection reports whether the service refused the request (4xx other than 404/408/429)
func IsRejection(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return !se.Transient() && se.StatusCode != http.StatusNotFound && se.StatusCode >= 400
}
