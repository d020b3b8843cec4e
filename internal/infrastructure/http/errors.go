package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/0xcro3dile/localchat-go/internal/domain/usecases"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// statusFor maps a domain error code to its HTTP status.
func statusFor(code usecases.Code) int {
	switch code {
	case usecases.CodeValidation:
		return http.StatusBadRequest
	case usecases.CodeForbidden:
		return http.StatusForbidden
	case usecases.CodeNotFound:
		return http.StatusNotFound
	case usecases.CodeConflict:
		return http.StatusConflict
	case usecases.CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case usecases.CodeUnsupported:
		return http.StatusUnsupportedMediaType
	case usecases.CodeNoModel:
		return http.StatusServiceUnavailable
	case usecases.CodeUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders err as the JSON error envelope. Only domain errors
// expose their message; anything else is reported as INTERNAL.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *usecases.Error
	if errors.As(err, &de) {
		writeErrorBody(w, statusFor(de.Code), string(de.Code), de.Message)
		return
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeErrorBody(w, http.StatusRequestEntityTooLarge, string(usecases.CodeTooLarge), "request body is too large")
		return
	}
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeErrorBody(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// apiHandler is a handler whose returned error is rendered as the envelope.
type apiHandler func(http.ResponseWriter, *http.Request) error

func (s *Server) api(h apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.writeError(w, r, err)
		}
	}
}
