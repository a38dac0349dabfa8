package app

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err with the status of its code. Uncoded errors hide
// their message.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status := statusFor(code)
	body := errorResponse{Error: string(code)}
	if status != http.StatusInternalServerError {
		body.Message = apperrors.PublicMessage(err, "")
	}
	writeJSON(w, status, body)
}

func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidArgument, apperrors.CodeDecode:
		return http.StatusBadRequest
	case apperrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case apperrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
