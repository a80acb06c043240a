package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/apperr"
)

const maxPageSize = 200

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Errorw("request failed", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Code: apperr.Code(err), Message: message})
}

// page reads the before cursor and the limit, clamping the limit to [1, maxPageSize].
func page(r *http.Request, fallback int) (string, int) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 1 {
		limit = fallback
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return r.URL.Query().Get("before"), limit
}
