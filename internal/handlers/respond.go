package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/PortNumber53/subsync/internal/apperr"
)

type errorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindMalformedIdentifier:
		return http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindProviderAuth:
		return http.StatusBadGateway
	case apperr.KindProviderRejected:
		return http.StatusConflict
	case apperr.KindProviderUnavailable, apperr.KindTransientStore:
		return http.StatusServiceUnavailable
	case apperr.KindVerificationTimeout:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its kind. Internal errors do not leak detail.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	if kind == apperr.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), errorBody{Error: msg, Kind: kind})
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
