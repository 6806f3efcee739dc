// Package httpserver contains HTTP handlers and middleware.
//
// It bridges the local UI to the orchestrator: starting and stopping
// benchmark tests, reporting progress, and enumerating disks. The package
// keeps HTTP concerns separate from the orchestration logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK wraps a payload in the success envelope.
func writeOK(w http.ResponseWriter, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["success"] = true
	writeJSON(w, http.StatusOK, payload)
}

// writeError maps the domain taxonomy onto the wire contract: malformed or
// rejected requests are 400, unknown ids 404, every other handled domain
// error is a 200 with success=false so the UI can render the reason.
func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrAlreadyRunning):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrWorkerMissing),
		errors.Is(err, domain.ErrWorkerUnusable),
		errors.Is(err, domain.ErrInsufficientSpace),
		errors.Is(err, domain.ErrLaunchFailed),
		errors.Is(err, domain.ErrWorkerFailed),
		errors.Is(err, domain.ErrParseFailure),
		errors.Is(err, domain.ErrDeadlineExceeded),
		errors.Is(err, domain.ErrNotStoppable):
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}
