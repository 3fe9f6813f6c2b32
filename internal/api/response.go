package api

import (
	"encoding/json"
	"net/http"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps err to a status code. Unclassified errors are logged and
// reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	switch {
	case apperr.IsValidation(err), apperr.IsInvalidReference(err):
		status = http.StatusBadRequest
		message = apperr.UserMessage(err)
	case apperr.IsForbidden(err):
		status = http.StatusForbidden
		message = apperr.UserMessage(err)
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
		message = apperr.UserMessage(err)
	case apperr.IsUpstream(err):
		status = http.StatusBadGateway
		message = apperr.UserMessage(err)
	default:
		h.logger.Error("Request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
	}

	h.writeJSON(w, status, errorResponse{Error: message})
}
