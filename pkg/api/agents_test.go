package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/state"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAgentID(t *testing.T, s string) ids.AgentId {
	t.Helper()
	id, err := ids.NewAgentId(s)
	require.NoError(t, err)
	return id
}

func TestHandleListAgents(t *testing.T) {
	s := newTestServer(t)
	s.pool.Insert(&state.Agent{ID: mustAgentID(t, "agent-1"), Flags: state.AgentFlags{Mode: state.ModeValidator}})
	s.pool.Insert(&state.Agent{ID: mustAgentID(t, "agent-2"), Flags: state.AgentFlags{Mode: state.ModeProver}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	w := httptest.NewRecorder()
	s.handleListAgents(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var views []agentView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&views))
	assert.Len(t, views, 2)
}

func TestHandleGetAgentNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/ghost", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "ghost"})
	w := httptest.NewRecorder()
	s.handleGetAgent(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetAgentBadID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/!!!", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "!!!"})
	w := httptest.NewRecorder()
	s.handleGetAgent(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetAgentFound(t *testing.T) {
	s := newTestServer(t)
	id := mustAgentID(t, "agent-1")
	s.pool.Insert(&state.Agent{ID: id, Flags: state.AgentFlags{Mode: state.ModeValidator}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/agent-1", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "agent-1"})
	w := httptest.NewRecorder()
	s.handleGetAgent(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var view agentView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.Equal(t, id, view.ID)
	assert.False(t, view.Connected)
}

func TestHandleFindAgentsByMode(t *testing.T) {
	s := newTestServer(t)
	s.pool.Insert(&state.Agent{ID: mustAgentID(t, "v1"), Flags: state.AgentFlags{Mode: state.ModeValidator}})
	s.pool.Insert(&state.Agent{ID: mustAgentID(t, "p1"), Flags: state.AgentFlags{Mode: state.ModeProver}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/find?mode=validator", nil)
	w := httptest.NewRecorder()
	s.handleFindAgents(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var views []agentView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&views))
	require.Len(t, views, 1)
	assert.Equal(t, "v1", views[0].ID.String())
}

func TestHandleFindAgentsBadMode(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/find?mode=bogus", nil)
	w := httptest.NewRecorder()
	s.handleFindAgents(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseModeCSV(t *testing.T) {
	mode, err := parseModeCSV("validator,prover")
	require.NoError(t, err)
	assert.Equal(t, state.ModeValidator|state.ModeProver, mode)

	_, err = parseModeCSV("nonsense")
	assert.Error(t, err)

	mode, err = parseModeCSV("")
	require.NoError(t, err)
	assert.Zero(t, mode)
}
