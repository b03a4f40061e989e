package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"auto-focus.app/licensing/internal/licensing"
	"auto-focus.app/licensing/internal/logger"
)

func (s *Server) SubscriptionAction(w http.ResponseWriter, r *http.Request) {
	var req licensing.ActionRequest
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.Actions.Execute(r.Context(), req)
	if err != nil {
		status := actionErrorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Subscription action failed", map[string]interface{}{
				"error":           err.Error(),
				"action":          req.Action,
				"subscription_id": req.SubscriptionID,
			})
		}
		writeErrorResponse(w, status, actionErrorMessage(err))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func actionErrorStatus(err error) int {
	switch {
	case errors.Is(err, licensing.ErrPersistenceFailure):
		return http.StatusInternalServerError
	case errors.Is(err, licensing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, licensing.ErrInvalidAction),
		errors.Is(err, licensing.ErrInvalidQuantity),
		errors.Is(err, licensing.ErrInvalidPauseDate):
		return http.StatusBadRequest
	case errors.Is(err, licensing.ErrNoSubscriptionItems):
		return http.StatusConflict
	case errors.Is(err, licensing.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// actionErrorMessage keeps internal details out of 5xx responses.
func actionErrorMessage(err error) string {
	switch actionErrorStatus(err) {
	case http.StatusNotFound:
		return "Subscription not found"
	case http.StatusBadRequest, http.StatusConflict:
		return err.Error()
	case http.StatusServiceUnavailable:
		return "Billing provider unavailable, try again later"
	default:
		return "Internal error"
	}
}
