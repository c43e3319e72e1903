package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"s7link/link"
	"s7link/s7"
	"s7link/session"
	"s7link/tagio"
)

// badRequest is a malformed request body.
type badRequest string

func (e badRequest) Error() string { return string(e) }

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var (
		addrErr  *s7.AddressError
		codecErr *s7.CodecError
		transErr *s7.TransportError
		stateErr *link.TransitionError
	)
	var bad badRequest
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrUnknownStation), errors.Is(err, session.ErrUnknownTag):
		return http.StatusNotFound
	case errors.As(err, &addrErr):
		return http.StatusBadRequest
	case errors.As(err, &codecErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tagio.ErrNotConnected), errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.As(err, &transErr),
		errors.Is(err, s7.ErrUnreachable),
		errors.Is(err, s7.ErrTimeout),
		errors.Is(err, s7.ErrProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
