package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/process"
	"github.com/cuemby/snops/pkg/reconcile"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/cuemby/snops/pkg/state"
	"github.com/rs/zerolog"
)

// registerAgentRPCs installs handlers for every agent-facing method on the
// mux's Parent endpoint: these calls originate at the controller and are
// served here, mirroring the symmetry pkg/api/agentws.go assumes when it
// calls the same methods against mux.Parent() from the other side.
func registerAgentRPCs(mux *rpcmux.Mux, driver *reconcile.Driver, node *agentNode, supervisor *process.Supervisor, ports state.PortConfig, external string) {
	parent := mux.Parent()

	rpcmux.RegisterJSON(parent, rpcmux.MethodGetAddrs, func(ctx context.Context, _ rpcmux.Empty) (rpcmux.GetAddrsResponse, error) {
		return rpcmux.GetAddrsResponse{Ports: ports, External: external, Internals: localAddrs()}, nil
	})

	rpcmux.RegisterJSON(parent, rpcmux.MethodSetAgentState, func(ctx context.Context, req rpcmux.SetAgentStateRequest) (rpcmux.Empty, error) {
		if req.State.Kind == state.StateNode {
			node.setEnv(req.State.Env)
			driver.Assign(req.State.Node, reconcile.Options{RefetchInfo: req.EnvInfo != nil})
		} else {
			driver.Assign(state.NodeState{Online: false}, reconcile.Options{})
		}
		return rpcmux.Empty{}, nil
	})

	rpcmux.RegisterJSON(parent, rpcmux.MethodBroadcastTx, func(ctx context.Context, req rpcmux.BroadcastTxRequest) (rpcmux.Empty, error) {
		url := fmt.Sprintf("http://127.0.0.1:%d/mainnet/transaction/broadcast", ports.Rest)
		_, err := restPost(ctx, url, req.TransactionJSON)
		if err != nil {
			return rpcmux.Empty{}, apierr.Wrap(apierr.KindTransientNetwork, "agent.broadcast-tx", err)
		}
		return rpcmux.Empty{}, nil
	})

	rpcmux.RegisterJSON(parent, rpcmux.MethodSnarkosGet, func(ctx context.Context, req rpcmux.SnarkosGetRequest) (rpcmux.SnarkosGetResponse, error) {
		url := fmt.Sprintf("http://127.0.0.1:%d%s", ports.Rest, req.Route)
		body, err := restGet(ctx, url)
		if err != nil {
			return rpcmux.SnarkosGetResponse{}, apierr.Wrap(apierr.KindTransientNetwork, "agent.snarkos-get", err)
		}
		return rpcmux.SnarkosGetResponse{Body: body}, nil
	})

	rpcmux.RegisterJSON(parent, rpcmux.MethodKill, func(ctx context.Context, _ rpcmux.Empty) (rpcmux.Empty, error) {
		if err := supervisor.GracefulShutdown(ctx); err != nil {
			return rpcmux.Empty{}, apierr.Wrap(apierr.KindProcessLifecycle, "agent.kill", err)
		}
		return rpcmux.Empty{}, nil
	})

	rpcmux.RegisterJSON(parent, rpcmux.MethodExecuteAuthorization, func(ctx context.Context, req rpcmux.ExecuteAuthorizationRequest) (rpcmux.ExecuteAuthorizationResponse, error) {
		out, err := exec.CommandContext(ctx, "snarkos", "developer", "execute",
			"--query", req.QueryAddr, "--broadcast", "false", req.AuthJSON).Output()
		if err != nil {
			return rpcmux.ExecuteAuthorizationResponse{}, apierr.Wrap(apierr.KindResourceAcquisition, "agent.execute-authorization", err)
		}
		return rpcmux.ExecuteAuthorizationResponse{TransactionJSON: strings.TrimSpace(string(out))}, nil
	})

	rpcmux.RegisterJSON(parent, rpcmux.MethodGetMetric, func(ctx context.Context, req rpcmux.GetMetricRequest) (rpcmux.GetMetricResponse, error) {
		url := fmt.Sprintf("http://127.0.0.1:%d/metrics", ports.Metrics)
		body, err := restGet(ctx, url)
		if err != nil {
			return rpcmux.GetMetricResponse{}, apierr.Wrap(apierr.KindTransientNetwork, "agent.get-metric", err)
		}
		return rpcmux.GetMetricResponse{Value: scrapeMetric(body, req.Metric)}, nil
	})

	rpcmux.RegisterJSON(parent, rpcmux.MethodSetLogLevel, func(ctx context.Context, req rpcmux.SetLogLevelRequest) (rpcmux.Empty, error) {
		level, err := zerolog.ParseLevel(req.Level)
		if err != nil {
			return rpcmux.Empty{}, apierr.New(apierr.KindSchema, "agent.bad-log-level", err.Error())
		}
		zerolog.SetGlobalLevel(level)
		log.Logger.Info().Str("level", req.Level).Msg("agent: log level changed")
		return rpcmux.Empty{}, nil
	})

	rpcmux.RegisterJSON(parent, rpcmux.MethodFindTransaction, func(ctx context.Context, req rpcmux.FindTransactionRequest) (rpcmux.FindTransactionResponse, error) {
		url := fmt.Sprintf("http://127.0.0.1:%d/mainnet/transaction/%s", ports.Rest, req.TransactionID)
		body, err := restGet(ctx, url)
		if err != nil {
			return rpcmux.FindTransactionResponse{Found: false}, nil
		}
		return rpcmux.FindTransactionResponse{Found: true, Status: body}, nil
	})

	rpcmux.RegisterJSON(parent, rpcmux.MethodGetSnarkosBlockLite, func(ctx context.Context, req rpcmux.GetSnarkosBlockLiteRequest) (rpcmux.GetSnarkosBlockLiteResponse, error) {
		url := fmt.Sprintf("http://127.0.0.1:%d/mainnet/block/%d", ports.Rest, req.Height)
		body, err := restGet(ctx, url)
		if err != nil {
			return rpcmux.GetSnarkosBlockLiteResponse{}, apierr.Wrap(apierr.KindTransientNetwork, "agent.get-block", err)
		}
		return rpcmux.GetSnarkosBlockLiteResponse{BlockHash: strings.Trim(body, "\""), Height: req.Height}, nil
	})

	rpcmux.RegisterJSON(parent, rpcmux.MethodGetStatus, func(ctx context.Context, _ rpcmux.Empty) (rpcmux.AgentStatus, error) {
		return rpcmux.AgentStatus{Online: node.isOnline()}, nil
	})
}

// localAddrs lists this host's non-loopback IPv4/IPv6 addresses, offered
// to the controller as internal candidates for peer resolution.
func localAddrs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	return out
}

func restGet(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent: %s: status %d", url, resp.StatusCode)
	}
	return string(body), nil
}

func restPost(ctx context.Context, url, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent: %s: status %d", url, resp.StatusCode)
	}
	return string(respBody), nil
}

// scrapeMetric reads a single gauge/counter value out of a Prometheus text
// exposition body by exact metric name, returning 0 if absent.
func scrapeMetric(body, name string) float64 {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		metricName := fields[0]
		if idx := strings.IndexByte(metricName, '{'); idx >= 0 {
			metricName = metricName[:idx]
		}
		if metricName != name {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		return v
	}
	return 0
}
