package connection_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentcore-io/agentcore/internal/connection"
)

func startServer(t *testing.T, methods *connection.Methods, policy connection.Policy, onStateFrame func(context.Context, *connection.Conn, json.RawMessage) error) (*httptest.Server, *connection.Registry) {
	t.Helper()
	log := zaptest.NewLogger(t)
	registry := connection.NewRegistry(log)
	done := make(chan struct{})
	go registry.Run(done)
	t.Cleanup(func() { close(done) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := connection.Accept(registry, methods, w, r, r.URL.Query().Get("id"), policy, log)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		c.Run(context.Background(), onStateFrame)
	}))
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDispatch_NonStreamingMethod(t *testing.T) {
	methods := connection.NewMethods()
	methods.Register("echo", func(ctx context.Context, conn *connection.Conn, args json.RawMessage, sink *connection.Sink) (any, error) {
		return map[string]string{"echoed": string(args)}, nil
	})

	srv, _ := startServer(t, methods, connection.Policy{}, nil)
	client := dial(t, srv, "client-a")

	require.NoError(t, client.WriteJSON(connection.Frame{Type: connection.FrameRPC, ID: "req-1", Method: "echo", Args: json.RawMessage(`"hi"`)}))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp connection.Frame
	require.NoError(t, client.ReadJSON(&resp))

	require.Equal(t, connection.FrameRPCResponse, resp.Type)
	require.Equal(t, "req-1", resp.ID)
	require.NotNil(t, resp.Success)
	require.True(t, *resp.Success)
	require.NotNil(t, resp.Done)
	require.True(t, *resp.Done)
}

func TestDispatch_UnknownMethod(t *testing.T) {
	methods := connection.NewMethods()
	srv, _ := startServer(t, methods, connection.Policy{}, nil)
	client := dial(t, srv, "client-a")

	require.NoError(t, client.WriteJSON(connection.Frame{Type: connection.FrameRPC, ID: "req-2", Method: "nope"}))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp connection.Frame
	require.NoError(t, client.ReadJSON(&resp))

	require.NotNil(t, resp.Success)
	require.False(t, *resp.Success)
	require.Contains(t, resp.Error, "unknown or uncallable method")
}

func TestDispatch_StreamingMethod(t *testing.T) {
	methods := connection.NewMethods()
	methods.Register("stream3", func(ctx context.Context, conn *connection.Conn, args json.RawMessage, sink *connection.Sink) (any, error) {
		for i := 0; i < 3; i++ {
			_ = sink.Send(i)
		}
		sink.End(nil)
		return nil, nil
	})

	srv, _ := startServer(t, methods, connection.Policy{}, nil)
	client := dial(t, srv, "client-a")

	require.NoError(t, client.WriteJSON(connection.Frame{Type: connection.FrameRPC, ID: "req-3", Method: "stream3"}))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))

	var frames []connection.Frame
	for i := 0; i < 4; i++ {
		var f connection.Frame
		require.NoError(t, client.ReadJSON(&f))
		frames = append(frames, f)
	}

	require.False(t, *frames[0].Done)
	require.False(t, *frames[1].Done)
	require.False(t, *frames[2].Done)
	require.True(t, *frames[3].Done, "final frame terminates the stream")
}

func TestReadonlyConnection_RejectsStateFrame(t *testing.T) {
	methods := connection.NewMethods()
	policy := connection.Policy{ShouldBeReadonly: func(r *http.Request) bool { return true }}

	called := false
	onStateFrame := func(ctx context.Context, conn *connection.Conn, next json.RawMessage) error {
		called = true
		return nil
	}

	srv, _ := startServer(t, methods, policy, onStateFrame)
	client := dial(t, srv, "client-a")

	require.NoError(t, client.WriteJSON(connection.Frame{Type: connection.FrameState, State: json.RawMessage(`{"count":-1}`)}))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp connection.Frame
	require.NoError(t, client.ReadJSON(&resp))

	require.Equal(t, connection.FrameStateError, resp.Type)
	require.False(t, called, "readonly rejection must happen before onStateFrame is invoked")
}

func TestBroadcastState_ExcludesOriginatorAndNoProtocolConnections(t *testing.T) {
	methods := connection.NewMethods()
	callCount := 0
	policy := connection.Policy{
		ShouldSendProtocol: func(r *http.Request) bool {
			callCount++
			return r.URL.Query().Get("id") != "silent"
		},
	}

	srv, registry := startServer(t, methods, policy, nil)
	origin := dial(t, srv, "origin")
	_ = origin
	other := dial(t, srv, "other")
	silent := dial(t, srv, "silent")
	_ = silent

	// Give the server a moment to finish the accept/subscribe handshake for
	// all three connections before broadcasting.
	time.Sleep(100 * time.Millisecond)

	registry.BroadcastState(json.RawMessage(`{"count":1}`), "origin")

	_ = other.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame connection.Frame
	require.NoError(t, other.ReadJSON(&frame))
	require.Equal(t, connection.FrameState, frame.Type)

	_ = origin.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	err := origin.ReadJSON(&frame)
	require.Error(t, err, "originating connection must not receive its own broadcast")

	_ = silent.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	err = silent.ReadJSON(&frame)
	require.Error(t, err, "no-protocol connection must not receive broadcasts")
}

func TestBroadcastState_ExcludesReadonlyConnections(t *testing.T) {
	methods := connection.NewMethods()
	policy := connection.Policy{
		ShouldBeReadonly: func(r *http.Request) bool {
			return r.URL.Query().Get("id") == "viewer"
		},
	}

	srv, registry := startServer(t, methods, policy, nil)
	other := dial(t, srv, "other")
	viewer := dial(t, srv, "viewer")

	time.Sleep(100 * time.Millisecond)

	registry.BroadcastState(json.RawMessage(`{"count":1}`), "origin")

	var frame connection.Frame
	_ = other.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, other.ReadJSON(&frame))
	require.Equal(t, connection.FrameState, frame.Type)

	_ = viewer.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	err := viewer.ReadJSON(&frame)
	require.Error(t, err, "readonly connection must not receive broadcasts")
}
