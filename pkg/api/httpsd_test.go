package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/snops/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleHTTPSDSkipsDisconnectedAndPortless(t *testing.T) {
	s := newTestServer(t)
	s.pool.Insert(&state.Agent{ID: mustAgentID(t, "offline"), Ports: state.PortConfig{Metrics: 9000}})
	s.pool.Insert(&state.Agent{
		ID:              mustAgentID(t, "no-metrics"),
		TransportHandle: &struct{}{},
	})

	req := httptest.NewRequest(http.MethodGet, "/httpsd", nil)
	w := httptest.NewRecorder()
	s.handleHTTPSD(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var targets []httpsdTarget
	require.NoError(t, json.NewDecoder(w.Body).Decode(&targets))
	assert.Empty(t, targets)
}

func TestHandleHTTPSDIncludesReachableAgent(t *testing.T) {
	s := newTestServer(t)
	s.pool.Insert(&state.Agent{
		ID:              mustAgentID(t, "online"),
		Ports:           state.PortConfig{Metrics: 9000},
		Addrs:           state.AgentAddrs{Internal: []net.IP{net.ParseIP("10.0.0.5")}},
		Flags:           state.AgentFlags{Mode: state.ModeValidator | state.ModeProver},
		TransportHandle: &struct{}{},
	})

	req := httptest.NewRequest(http.MethodGet, "/httpsd", nil)
	w := httptest.NewRecorder()
	s.handleHTTPSD(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var targets []httpsdTarget
	require.NoError(t, json.NewDecoder(w.Body).Decode(&targets))
	require.Len(t, targets, 1)
	assert.Equal(t, []string{"10.0.0.5:9000"}, targets[0].Targets)
	assert.Equal(t, "online", targets[0].Labels["agent_id"])
	assert.Equal(t, "validator,prover", targets[0].Labels["mode"])
}

func TestMetricsHostPrefersExternal(t *testing.T) {
	a := &state.Agent{
		Addrs: state.AgentAddrs{
			External: &net.TCPAddr{IP: net.ParseIP("203.0.113.1"), Port: 4180},
			Internal: []net.IP{net.ParseIP("10.0.0.1")},
		},
	}
	assert.Equal(t, "203.0.113.1", metricsHost(a))
}

func TestModeLabelNone(t *testing.T) {
	assert.Equal(t, "none", modeLabel(0))
}
