package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/log"
)

// errorResponse is the JSON body every failed request gets, carrying the
// same stable type tag the RPC error envelope uses (pkg/apierr), so a
// caller debugging both surfaces sees one taxonomy.
type errorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// writeError maps err to an HTTP status via apierr's Kind->status policy
// and writes the JSON error envelope. Errors that aren't *apierr.Error
// (a programmer mistake reaching this far) are surfaced as 500s without
// leaking their message.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		log.Logger.Error().Err(err).Msg("api: untyped error reached handler boundary")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Type: "api.internal", Error: "internal error"})
		return
	}
	writeJSON(w, apiErr.HTTPStatus(), errorResponse{Type: apiErr.Type, Error: apiErr.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.Warn().Err(err).Msg("api: failed to encode response body")
	}
}
