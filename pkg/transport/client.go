package transport

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/cuemby/snops/pkg/state"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// ReconnectBackoff is the fixed delay between connection attempts.
const ReconnectBackoff = 5 * time.Second

// PingInterval is how often the client sends a websocket ping frame while
// connected.
const PingInterval = 10 * time.Second

// wsTransport adapts a *websocket.Conn to rpcmux.Transport, framing each
// MuxMessage as one JSON websocket text message.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) Send(m rpcmux.MuxMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(m)
}

func (t *wsTransport) Recv() (rpcmux.MuxMessage, error) {
	var m rpcmux.MuxMessage
	err := t.conn.ReadJSON(&m)
	return m, err
}

// JWTStore persists the agent's session token across reconnects and
// restarts so the controller can recognize a resumed session.
type JWTStore struct {
	path string
}

// NewJWTStore opens a JWT store rooted at <dataDir>/session.jwt.
func NewJWTStore(dataDir string) *JWTStore {
	return &JWTStore{path: filepath.Join(dataDir, "session.jwt")}
}

func (s *JWTStore) Load() string {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *JWTStore) Save(token string) error {
	if token == "" {
		return nil
	}
	if err := os.WriteFile(s.path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("transport: persist jwt: %w", err)
	}
	return nil
}

// ParseClaims decodes an AgentClaims payload from a JWT without verifying
// its signature; verification is the controller's job at issuance time,
// not the agent's job at use time (the agent merely replays the opaque
// token it was given).
func ParseClaims(token string) (id string, nonce uint64, err error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", 0, fmt.Errorf("transport: parse jwt: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", 0, fmt.Errorf("transport: malformed jwt claims")
	}
	idVal, _ := claims["id"].(string)
	nonceVal, _ := claims["nonce"].(float64)
	return idVal, uint64(nonceVal), nil
}

// Client owns the single websocket connection an agent keeps to the
// controller: one task reconnects on failure, performs the handshake, and
// runs the RPC mux until disconnected or the process is signalled to stop.
type Client struct {
	url      string
	jwtStore *JWTStore
	header   http.Header

	mu        sync.RWMutex
	mux       *rpcmux.Mux
	connected bool

	onConnected func(mux *rpcmux.Mux) error
}

// New constructs a Client for the given endpoint configuration.
func New(cfg EndpointConfig, jwtStore *JWTStore, onConnected func(mux *rpcmux.Mux) error) (*Client, error) {
	u, err := BuildURL(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{url: u, jwtStore: jwtStore, header: http.Header{}, onConnected: onConnected}, nil
}

// Mux returns the active mux, or nil while disconnected.
func (c *Client) Mux() *rpcmux.Mux {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil
	}
	return c.mux
}

// Run drives the reconnect loop until ctx is cancelled. A dedicated
// signal-handler goroutine races the connection loop on SIGINT/SIGTERM and
// cancels ctx (the caller is expected to pass a context tied to the
// process's graceful-shutdown sequence, e.g. via pkg/process).
func (c *Client) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sigCh:
			log.Logger.Info().Msg("transport: received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connectOnce(ctx); err != nil {
			log.Logger.Warn().Err(err).Str("url", c.url).Msg("transport: connection attempt failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ReconnectBackoff):
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	header := c.header.Clone()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("transport: dial: %w", err)
	}
	defer conn.Close()

	ws := &wsTransport{conn: conn}
	mux := rpcmux.New(ws)

	// The handshake reports Inventory; the agent's current node state is
	// not sent.
	handshakeReq := rpcmux.HandshakeRequest{
		JWT:   c.jwtStore.Load(),
		State: state.Inventory(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- mux.Run(runCtx) }()

	hsCtx, hsCancel := context.WithTimeout(ctx, 10*time.Second)
	resp, err := rpcmux.CallJSON[rpcmux.HandshakeRequest, rpcmux.HandshakeResponse](hsCtx, mux.Child(), rpcmux.MethodHandshake, handshakeReq)
	hsCancel()
	if err != nil {
		return fmt.Errorf("transport: handshake: %w", err)
	}
	if resp.JWT != "" {
		if err := c.jwtStore.Save(resp.JWT); err != nil {
			log.Logger.Warn().Err(err).Msg("transport: failed to persist rotated jwt")
		}
	}

	c.mu.Lock()
	c.mux = mux
	c.connected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	if c.onConnected != nil {
		if err := c.onConnected(mux); err != nil {
			return fmt.Errorf("transport: onConnected: %w", err)
		}
	}

	pingTicker := time.NewTicker(PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErrCh:
			return fmt.Errorf("transport: mux run: %w", err)
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("transport: ping: %w", err)
			}
		}
	}
}
