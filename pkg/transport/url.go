// Package transport implements the agent-side websocket client: URL
// construction, JWT handshake, reconnect/backoff, keepalive ping, and
// signal-driven graceful shutdown, binding an rpcmux.Mux to the socket.
// Grounded on spec §4.4/§6 and the teacher's worker connect/retry-loop
// shape (worker.Start), with the transport itself swapped from gRPC+mTLS
// to a single websocket per agent.
package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// EndpointConfig captures the agent CLI's --endpoint and mode flags needed
// to build the websocket URL.
type EndpointConfig struct {
	Endpoint string // bare host, host:port, http(s)://, or ws(s)://
	Mode     []string
	ID       string
	Labels   []string
	LocalPK  bool
}

// BuildURL derives the agent's websocket URL from the configured endpoint:
// {ws|wss}://host[:port]/agent?mode=...&id=...&labels=...&local_pk=true,
// using TLS iff the input scheme was secure (https/wss), or defaulting to
// plain ws for a bare host.
func BuildURL(cfg EndpointConfig) (string, error) {
	raw := cfg.Endpoint
	secure := false
	switch {
	case strings.HasPrefix(raw, "wss://"):
		secure = true
		raw = "wss://" + strings.TrimPrefix(raw, "wss://")
	case strings.HasPrefix(raw, "ws://"):
		raw = raw
	case strings.HasPrefix(raw, "https://"):
		secure = true
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transport: invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if secure {
		u.Scheme = "wss"
	}
	u.Path = "/agent"

	q := u.Query()
	if len(cfg.Mode) > 0 {
		q.Set("mode", strings.Join(cfg.Mode, ","))
	}
	if cfg.ID != "" {
		q.Set("id", cfg.ID)
	}
	if len(cfg.Labels) > 0 {
		q.Set("labels", strings.Join(cfg.Labels, ","))
	}
	if cfg.LocalPK {
		q.Set("local_pk", "true")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
