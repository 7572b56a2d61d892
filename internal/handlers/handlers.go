package handlers

import (
	"errors"
	"log/slog"

	"github.com/pocketbase/pocketbase/core"

	"ticket-scan/internal/status"
)

// ErrorResponse is the body of every taxonomy error answer. Devices map
// Reason back to the error with status.FromReason.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// writeError answers with the status code the taxonomy assigns to err.
func writeError(e *core.RequestEvent, err error) error {
	code := status.HTTPCode(err)
	if code >= 500 {
		slog.Error("request failed", "error", err, "path", e.Request.URL.Path)
	}
	return e.JSON(code, ErrorResponse{Error: err.Error(), Reason: status.Reason(err)})
}

func badRequest(e *core.RequestEvent, err error) error {
	return writeError(e, errors.Join(status.ErrInvalidRequest, err))
}
