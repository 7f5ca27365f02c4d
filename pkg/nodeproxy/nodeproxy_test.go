package nodeproxy

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport connects two Muxes in-process, without a real socket.
type pipeTransport struct {
	out chan rpcmux.MuxMessage
	in  chan rpcmux.MuxMessage
}

func newPipe() (a, b rpcmux.Transport) {
	c1 := make(chan rpcmux.MuxMessage, 16)
	c2 := make(chan rpcmux.MuxMessage, 16)
	return &pipeTransport{out: c1, in: c2}, &pipeTransport{out: c2, in: c1}
}

func (p *pipeTransport) Send(m rpcmux.MuxMessage) error {
	p.out <- m
	return nil
}

func (p *pipeTransport) Recv() (rpcmux.MuxMessage, error) {
	return <-p.in, nil
}

func TestHandleSnarkosGetPassesThroughBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/block/height/latest", r.URL.Path)
		_, _ = w.Write([]byte("12345"))
	}))
	defer srv.Close()

	p := New(srv.URL, nil)
	resp, err := p.handleSnarkosGet(context.Background(), rpcmux.SnarkosGetRequest{Route: "/block/height/latest"})
	require.NoError(t, err)
	assert.Equal(t, "12345", resp.Body)
}

func TestHandleSnarkosGetReturnsApierrOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(srv.URL, nil)
	_, err := p.handleSnarkosGet(context.Background(), rpcmux.SnarkosGetRequest{Route: "/missing"})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestHandleFindTransactionFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/at1abc", r.URL.Path)
		_, _ = w.Write([]byte(`{"type":"execute"}`))
	}))
	defer srv.Close()

	p := New(srv.URL, nil)
	resp, err := p.handleFindTransaction(context.Background(), rpcmux.FindTransactionRequest{TransactionID: "at1abc"})
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, `{"type":"execute"}`, resp.Status)
}

func TestHandleFindTransactionNotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(srv.URL, nil)
	resp, err := p.handleFindTransaction(context.Background(), rpcmux.FindTransactionRequest{TransactionID: "at1missing"})
	require.NoError(t, err)
	assert.False(t, resp.Found)
}

func TestHandleGetSnarkosBlockLiteParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/block/42", r.URL.Path)
		_, _ = w.Write([]byte(`{"block_hash":"ab1xyz","height":42}`))
	}))
	defer srv.Close()

	p := New(srv.URL, nil)
	resp, err := p.handleGetSnarkosBlockLite(context.Background(), rpcmux.GetSnarkosBlockLiteRequest{Height: 42})
	require.NoError(t, err)
	assert.Equal(t, "ab1xyz", resp.BlockHash)
	assert.Equal(t, uint32(42), resp.Height)
}

func TestHandleSetLogLevelInvokesCallback(t *testing.T) {
	var got uint8
	p := New("http://unused.invalid", func(verbosity uint8) error {
		got = verbosity
		return nil
	})

	_, err := p.handleSetLogLevel(context.Background(), rpcmux.SetLogLevelRequest{Level: "3"})
	require.NoError(t, err)
	assert.Equal(t, uint8(3), got)
}

func TestHandleSetLogLevelRejectsNonNumeric(t *testing.T) {
	p := New("http://unused.invalid", func(uint8) error { return nil })

	_, err := p.handleSetLogLevel(context.Background(), rpcmux.SetLogLevelRequest{Level: "debug"})
	require.Error(t, err)
}

func TestHandleSetLogLevelNoopWhenNoCallbackConfigured(t *testing.T) {
	p := New("http://unused.invalid", nil)

	_, err := p.handleSetLogLevel(context.Background(), rpcmux.SetLogLevelRequest{Level: "1"})
	require.NoError(t, err)
}

func TestCallbackServerForwardsBlockInfo(t *testing.T) {
	agentSide, controllerSide := newPipe()
	agentMux := rpcmux.New(agentSide)
	controllerMux := rpcmux.New(controllerSide)

	received := make(chan rpcmux.PostBlockStatusRequest, 1)
	rpcmux.RegisterJSON(controllerMux.Child(), rpcmux.MethodPostBlockStatus, func(ctx context.Context, req rpcmux.PostBlockStatusRequest) (rpcmux.Empty, error) {
		received <- req
		return rpcmux.Empty{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agentMux.Run(ctx)
	go controllerMux.Run(ctx)

	cs := NewCallbackServer(agentMux)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mx.ServeHTTP(w, r)
	}))
	defer srv.Close()

	body := []byte(`{"height":10,"state_root":"sr1","block_hash":"bh1","previous_hash":"ph1","block_timestamp":1234}`)
	resp, err := http.Post(srv.URL+"/block_info", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case req := <-received:
		assert.Equal(t, uint32(10), req.Height)
		assert.Equal(t, "sr1", req.StateRoot)
		assert.Equal(t, "bh1", req.BlockHash)
		assert.Equal(t, "ph1", req.PrevHash)
		assert.Equal(t, int64(1234), req.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("controller never received post_block_status")
	}
}

func TestCallbackServerForwardsStatus(t *testing.T) {
	agentSide, controllerSide := newPipe()
	agentMux := rpcmux.New(agentSide)
	controllerMux := rpcmux.New(controllerSide)

	received := make(chan rpcmux.PostNodeStatusRequest, 1)
	rpcmux.RegisterJSON(controllerMux.Child(), rpcmux.MethodPostNodeStatus, func(ctx context.Context, req rpcmux.PostNodeStatusRequest) (rpcmux.Empty, error) {
		received <- req
		return rpcmux.Empty{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agentMux.Run(ctx)
	go controllerMux.Run(ctx)

	cs := NewCallbackServer(agentMux)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mx.ServeHTTP(w, r)
	}))
	defer srv.Close()

	body := []byte(`{"online":true,"detail":"synced"}`)
	resp, err := http.Post(srv.URL+"/status", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case req := <-received:
		assert.True(t, req.Status.Online)
		assert.Equal(t, "synced", req.Status.Detail)
	case <-time.After(2 * time.Second):
		t.Fatal("controller never received post_node_status")
	}
}

func TestCallbackServerRejectsBadBody(t *testing.T) {
	agentSide, _ := newPipe()
	agentMux := rpcmux.New(agentSide)
	cs := NewCallbackServer(agentMux)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mx.ServeHTTP(w, r)
	}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/block_info", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
