package api

import (
	"net/http"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/store"
	"github.com/gorilla/mux"
)

// handleListEnv serves GET /api/v1/env: every environment record in the
// envs tree, in key order.
func (s *Server) handleListEnv(w http.ResponseWriter, r *http.Request) {
	entries, err := s.trees.Envs.Scan()
	if err != nil {
		writeError(w, apierr.Internal("api", err))
		return
	}
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetEnv serves GET /api/v1/env/{id}.
func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := ids.NewEnvId(idStr)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindSchema, "api.bad-env-id", err))
		return
	}
	env, ok, err := s.trees.Envs.Restore(store.EnvKey(id))
	if err != nil {
		writeError(w, apierr.Internal("api", err))
		return
	}
	if !ok {
		writeError(w, apierr.MissingEnv(idStr))
		return
	}
	writeJSON(w, http.StatusOK, env)
}
