package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/state"
	"github.com/gorilla/mux"
)

// agentView is the JSON projection of a pool record: state.Agent already
// tags TransportHandle json:"-", this only adds the Connected flag
// callers actually want instead of poking at internal wiring.
type agentView struct {
	*state.Agent
	Connected bool `json:"connected"`
}

func toAgentView(a *state.Agent) agentView {
	return agentView{Agent: a, Connected: a.Connected()}
}

// handleListAgents serves GET /api/v1/agents: every agent currently in the
// pool, connected or not.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.pool.List()
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetAgent serves GET /api/v1/agents/{id}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := ids.NewAgentId(idStr)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindSchema, "api.bad-agent-id", err))
		return
	}
	a, ok := s.pool.Lookup(id)
	if !ok {
		writeError(w, apierr.UnknownAgent(idStr))
		return
	}
	writeJSON(w, http.StatusOK, toAgentView(a))
}

// handleFindAgents serves GET /api/v1/agents/find?mode=&label=&local_pk=,
// the pool's mode/label/local-pk mask filter exposed over HTTP.
func (s *Server) handleFindAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	mode, err := parseModeCSV(q.Get("mode"))
	if err != nil {
		writeError(w, apierr.New(apierr.KindSchema, "api.bad-mode", err.Error()))
		return
	}
	var labels []string
	if raw := q.Get("label"); raw != "" {
		labels = strings.Split(raw, ",")
	}
	requireLocalPK, _ := strconv.ParseBool(q.Get("local_pk"))

	query := s.pool.QueryMask(mode, labels, requireLocalPK)
	agents := s.pool.FilterSorted(query)

	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func parseModeCSV(s string) (state.AgentMode, error) {
	if s == "" {
		return 0, nil
	}
	var mode state.AgentMode
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "validator":
			mode |= state.ModeValidator
		case "prover":
			mode |= state.ModeProver
		case "client":
			mode |= state.ModeClient
		case "compute":
			mode |= state.ModeCompute
		default:
			return 0, fmt.Errorf("invalid mode %q", part)
		}
	}
	return mode, nil
}
