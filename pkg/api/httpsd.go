package api

import (
	"fmt"
	"net/http"

	"github.com/cuemby/snops/pkg/state"
)

// httpsdTarget is one entry in a Prometheus HTTP service discovery
// response: https://prometheus.io/docs/prometheus/latest/http_sd/
type httpsdTarget struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// handleHTTPSD serves GET /httpsd: one scrape target per connected agent
// exposing a metrics port, labeled by agent id and mode so Prometheus
// relabeling can split dashboards per role.
func (s *Server) handleHTTPSD(w http.ResponseWriter, r *http.Request) {
	agents := s.pool.List()
	targets := make([]httpsdTarget, 0, len(agents))

	for _, a := range agents {
		if !a.Connected() || a.Ports.Metrics == 0 {
			continue
		}
		host := metricsHost(a)
		if host == "" {
			continue
		}
		targets = append(targets, httpsdTarget{
			Targets: []string{fmt.Sprintf("%s:%d", host, a.Ports.Metrics)},
			Labels: map[string]string{
				"agent_id": a.ID.String(),
				"mode":     modeLabel(a.Flags.Mode),
			},
		})
	}

	writeJSON(w, http.StatusOK, targets)
}

// metricsHost picks the address Prometheus should scrape: the agent's
// external address when it advertised one, else its first internal
// address, mirroring the resolve_addrs preference for a reachable address
// over an internal-only one.
func metricsHost(a *state.Agent) string {
	if a.Addrs.External != nil {
		return a.Addrs.External.IP.String()
	}
	if len(a.Addrs.Internal) > 0 {
		return a.Addrs.Internal[0].String()
	}
	return ""
}

func modeLabel(mode state.AgentMode) string {
	var labels []string
	if mode&state.ModeValidator != 0 {
		labels = append(labels, "validator")
	}
	if mode&state.ModeProver != 0 {
		labels = append(labels, "prover")
	}
	if mode&state.ModeClient != 0 {
		labels = append(labels, "client")
	}
	if mode&state.ModeCompute != 0 {
		labels = append(labels, "compute")
	}
	if len(labels) == 0 {
		return "none"
	}
	out := labels[0]
	for _, l := range labels[1:] {
		out += "," + l
	}
	return out
}
