package rpcmux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport connects two Muxes in-process for testing, without a real
// socket.
type pipeTransport struct {
	out chan MuxMessage
	in  chan MuxMessage
}

func newPipe() (a, b Transport) {
	c1 := make(chan MuxMessage, 16)
	c2 := make(chan MuxMessage, 16)
	return &pipeTransport{out: c1, in: c2}, &pipeTransport{out: c2, in: c1}
}

func (p *pipeTransport) Send(m MuxMessage) error {
	p.out <- m
	return nil
}

func (p *pipeTransport) Recv() (MuxMessage, error) {
	return <-p.in, nil
}

func TestMuxRequestResponse(t *testing.T) {
	ta, tb := newPipe()
	controller := New(ta)
	agent := New(tb)

	RegisterJSON(agent.Parent(), "echo", func(ctx context.Context, req map[string]string) (map[string]string, error) {
		return req, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go controller.Run(ctx)
	go agent.Run(ctx)

	resp, err := CallJSON[map[string]string, map[string]string](context.Background(), controller.Parent(), "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, "world", resp["hello"])
}

func TestMuxUnknownMethod(t *testing.T) {
	ta, tb := newPipe()
	controller := New(ta)
	agent := New(tb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go controller.Run(ctx)
	go agent.Run(ctx)

	_, err := CallJSON[map[string]string, map[string]string](context.Background(), controller.Parent(), "nope", map[string]string{})
	require.Error(t, err)
}

func TestMuxCallTimeout(t *testing.T) {
	ta, tb := newPipe()
	controller := New(ta)
	agent := New(tb)

	blockCh := make(chan struct{})
	RegisterJSON(agent.Parent(), "slow", func(ctx context.Context, req map[string]string) (map[string]string, error) {
		<-ctx.Done()
		close(blockCh)
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go controller.Run(ctx)
	go agent.Run(ctx)

	callCtx, callCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer callCancel()
	_, err := CallJSON[map[string]string, map[string]string](callCtx, controller.Parent(), "slow", map[string]string{})
	require.Error(t, err)

	select {
	case <-blockCh:
	case <-time.After(time.Second):
		t.Fatal("server-side handler was never cancelled")
	}
}
