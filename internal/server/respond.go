package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wardenhq/warden/internal/errkind"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError classifies err and emits the mapped status with the
// {error, code, details} body.
func writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	body := errorBody{Error: err.Error(), Code: string(kind)}
	var classified *errkind.Error
	if errors.As(err, &classified) {
		body.Error = classified.Message
		body.Details = classified.Details
	}
	writeJSON(w, errkind.HTTPStatus(kind), body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, errkind.New(errkind.Validation, "%s", msg))
}

// decodeJSON reads the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errkind.Wrap(errkind.Validation, err, "invalid request body")
	}
	return nil
}
