package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"auto-focus.app/licensing/internal/logger"
)

type LicenseRequest struct {
	LicenseKey string `json:"license_key"`
}

type ValidateResponse struct {
	Valid     bool       `json:"valid"`
	Message   string     `json:"message"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req LicenseRequest
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Empty body")
		return
	}

	if err := req.validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid license")
		return
	}

	license, err := s.Storage.FindLicenseByKey(r.Context(), req.LicenseKey)
	if err != nil {
		logger.Error("License lookup failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if license == nil {
		respondWithValidation(w, false, "License not found", nil)
		return
	}

	expiresAt := license.ExpiresAt
	if !license.IsActive() {
		respondWithValidation(w, false, "License not active", &expiresAt)
		return
	}
	if license.Expired(s.now()) {
		respondWithValidation(w, false, "License expired", &expiresAt)
		return
	}

	respondWithValidation(w, true, "License valid", &expiresAt)
}

func respondWithValidation(w http.ResponseWriter, valid bool, message string, expiresAt *time.Time) {
	if expiresAt != nil && expiresAt.IsZero() {
		expiresAt = nil
	}
	writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:     valid,
		Message:   message,
		ExpiresAt: expiresAt,
	})
}

func (lr LicenseRequest) validate() error {
	if lr.LicenseKey == "" {
		return fmt.Errorf("license_key required")
	}
	return nil
}
