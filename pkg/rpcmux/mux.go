// Package rpcmux implements the duplex RPC multiplexer that rides on top
// of the single agent<->controller websocket: two independent
// request/response endpoints (parent-initiated and child-initiated)
// share one transport, each keyed by request id, with context-deadline
// cancellation propagated across the wire as a Cancel frame. Grounded on
// the source's tarpc-based parent/child split, translated to a Go
// request/response map plus channels following the teacher's
// goroutine-per-loop pattern.
package rpcmux

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
)

// Direction discriminates which logical endpoint a frame belongs to.
type Direction uint8

const (
	Parent Direction = iota
	Child
)

func (d Direction) String() string {
	if d == Parent {
		return "parent"
	}
	return "child"
}

// FrameKind discriminates a Frame's role within a request/response cycle.
type FrameKind uint8

const (
	FrameRequest FrameKind = iota
	FrameResponse
	FrameCancel
)

// Frame is one request, response, or cancellation carried within a
// MuxMessage.
type Frame struct {
	RequestID uint64
	Kind      FrameKind
	Method    string
	Payload   []byte
	ErrType   string
	ErrMsg    string
}

// MuxMessage is the sum type sent over the transport: a Frame tagged with
// which logical direction it belongs to.
type MuxMessage struct {
	Direction Direction
	Frame     Frame
}

// Transport is the minimal interface the mux needs from the underlying
// connection; pkg/transport's websocket client implements it.
type Transport interface {
	Send(MuxMessage) error
	Recv() (MuxMessage, error)
}

// HandlerFunc answers one incoming request. It must observe ctx
// cancellation (sent as a Cancel frame by the caller) at its next
// suspension point.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// defaultChannelCap is not referenced by the mux: each call's response
// channel buffers a single frame.
const defaultChannelCap = 256

// endpoint is one logical direction's request/response bookkeeping.
type endpoint struct {
	dir      Direction
	send     func(Frame) error
	nextID   uint64
	mu       sync.Mutex
	pending  map[uint64]chan Frame
	cancels  map[uint64]context.CancelFunc
	handlers map[string]HandlerFunc
}

func newEndpoint(dir Direction, send func(Frame) error) *endpoint {
	return &endpoint{
		dir:      dir,
		send:     send,
		pending:  make(map[uint64]chan Frame),
		cancels:  make(map[uint64]context.CancelFunc),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register installs the handler invoked for incoming requests to method on
// this endpoint's direction.
func (e *endpoint) Register(method string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = fn
}

// Call issues a request and blocks for the matching response, the
// context's deadline, or cancellation.
func (e *endpoint) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	id := atomic.AddUint64(&e.nextID, 1)
	respCh := make(chan Frame, 1)

	e.mu.Lock()
	e.pending[id] = respCh
	e.mu.Unlock()

	timer := metrics.NewTimer()
	if err := e.send(Frame{RequestID: id, Kind: FrameRequest, Method: method, Payload: payload}); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		metrics.RPCRequestsTotal.WithLabelValues(e.dir.String(), method, "send-error").Inc()
		return nil, fmt.Errorf("rpcmux: send request: %w", err)
	}

	select {
	case frame := <-respCh:
		timer.ObserveDurationVec(metrics.RPCRequestDuration, e.dir.String(), method)
		if frame.ErrType != "" {
			metrics.RPCRequestsTotal.WithLabelValues(e.dir.String(), method, "error").Inc()
			return nil, &apierr.Error{Kind: apierr.KindInternal, Type: frame.ErrType, Message: frame.ErrMsg}
		}
		metrics.RPCRequestsTotal.WithLabelValues(e.dir.String(), method, "ok").Inc()
		return frame.Payload, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		_ = e.send(Frame{RequestID: id, Kind: FrameCancel, Method: method})
		metrics.RPCRequestsTotal.WithLabelValues(e.dir.String(), method, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// CallJSON is Call with JSON marshaling of the request/response payloads,
// the pragmatic default for RPC bodies (see DESIGN.md: pkg/wire covers the
// bit-for-bit spec'd types; RPC envelopes use JSON).
func CallJSON[Req any, Resp any](ctx context.Context, e *endpoint, method string, req Req) (Resp, error) {
	var zero Resp
	payload, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("rpcmux: marshal request: %w", err)
	}
	respPayload, err := e.Call(ctx, method, payload)
	if err != nil {
		return zero, err
	}
	var resp Resp
	if len(respPayload) > 0 {
		if err := json.Unmarshal(respPayload, &resp); err != nil {
			return zero, fmt.Errorf("rpcmux: unmarshal response: %w", err)
		}
	}
	return resp, nil
}

func (e *endpoint) handleIncoming(frame Frame) {
	switch frame.Kind {
	case FrameRequest:
		e.mu.Lock()
		handler, ok := e.handlers[frame.Method]
		e.mu.Unlock()
		if !ok {
			_ = e.send(Frame{RequestID: frame.RequestID, Kind: FrameResponse, ErrType: "rpcmux.unknown-method", ErrMsg: frame.Method})
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		e.mu.Lock()
		e.cancels[frame.RequestID] = cancel
		e.mu.Unlock()

		go func() {
			defer func() {
				e.mu.Lock()
				delete(e.cancels, frame.RequestID)
				e.mu.Unlock()
				cancel()
			}()
			result, err := handler(ctx, frame.Payload)
			resp := Frame{RequestID: frame.RequestID, Kind: FrameResponse}
			if err != nil {
				if apiErr, ok := err.(*apierr.Error); ok {
					resp.ErrType = apiErr.Type
					resp.ErrMsg = apiErr.Message
				} else {
					resp.ErrType = "rpcmux.internal"
					resp.ErrMsg = err.Error()
				}
			} else {
				resp.Payload = result
			}
			if sendErr := e.send(resp); sendErr != nil {
				log.Logger.Warn().Err(sendErr).Str("method", frame.Method).Msg("rpcmux: failed to send response")
			}
		}()

	case FrameResponse:
		e.mu.Lock()
		ch, ok := e.pending[frame.RequestID]
		if ok {
			delete(e.pending, frame.RequestID)
		}
		e.mu.Unlock()
		if ok {
			ch <- frame
		}

	case FrameCancel:
		e.mu.Lock()
		cancel, ok := e.cancels[frame.RequestID]
		e.mu.Unlock()
		if ok {
			cancel()
		}
	}
}

// Mux binds two independent request/response endpoints, Parent and Child,
// to a single duplex Transport.
type Mux struct {
	transport Transport
	parent    *endpoint
	child     *endpoint
	stopCh    chan struct{}
}

// New constructs a Mux over transport. Call Run to start the receive loop.
func New(transport Transport) *Mux {
	m := &Mux{transport: transport, stopCh: make(chan struct{})}
	m.parent = newEndpoint(Parent, func(f Frame) error {
		return transport.Send(MuxMessage{Direction: Parent, Frame: f})
	})
	m.child = newEndpoint(Child, func(f Frame) error {
		return transport.Send(MuxMessage{Direction: Child, Frame: f})
	})
	return m
}

// Parent returns the parent-initiated endpoint: the controller issues its
// calls through it, and on the agent it is where those calls land. See
// Child for the mirror.
func (m *Mux) Parent() *endpoint { return m.parent }

// Child returns the child-initiated endpoint.
func (m *Mux) Child() *endpoint { return m.child }

// Run reads MuxMessages from the transport and dispatches them until ctx
// is cancelled or the transport errors.
func (m *Mux) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		default:
		}

		msg, err := m.transport.Recv()
		if err != nil {
			return fmt.Errorf("rpcmux: recv: %w", err)
		}
		switch msg.Direction {
		case Parent:
			m.parent.handleIncoming(msg.Frame)
		case Child:
			m.child.handleIncoming(msg.Frame)
		}
	}
}

// Stop halts Run's receive loop.
func (m *Mux) Stop() { close(m.stopCh) }
