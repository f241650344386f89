package venturelink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type handshake struct {
	auth, token string
}

// echoServer echoes text frames and closes with 1001 on "bye".
func echoServer(t *testing.T) (*httptest.Server, <-chan handshake) {
	t.Helper()
	seen := make(chan handshake, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- handshake{auth: r.Header.Get("Authorization"), token: r.URL.Query().Get("token")}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if string(data) == "bye" {
				c.Close(websocket.StatusGoingAway, "restart")
				return
			}
			if err := c.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestWebSocketTransport(t *testing.T) {
	srv, seen := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := &WebSocketTransport{MaxMessageSize: 64, WriteTimeout: time.Second}
	conn, err := tr.Dial(ctx, srv.URL+"/ws", "tok-1")
	require.NoError(t, err)
	defer conn.Close(StatusNormalClosure, "")

	hs := <-seen
	assert.Equal(t, "Bearer tok-1", hs.auth)
	assert.Equal(t, "tok-1", hs.token)

	require.NoError(t, conn.Write(ctx, []byte(`{"id":"1","type":"message"}`)))
	got, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","type":"message"}`, string(got))

	big := make([]byte, 65)
	require.ErrorIs(t, conn.Write(ctx, big), ErrSendRejected)

	require.NoError(t, conn.Write(ctx, []byte("bye")))
	_, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusGoingAway, CloseStatus(err))
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "restart", ce.Reason)
}

func TestWebSocketTransportDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := (&WebSocketTransport{}).Dial(context.Background(), srv.URL, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestRealtimeURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"https://api.venturelink.app/ws", "wss://api.venturelink.app/ws?token=t", false},
		{"http://localhost:8080/ws", "ws://localhost:8080/ws?token=t", false},
		{"wss://rt.venturelink.app/ws?v=2", "wss://rt.venturelink.app/ws?token=t&v=2", false},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := realtimeURL(tt.in, "t")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCloseStatus(t *testing.T) {
	assert.Equal(t, -1, CloseStatus(nil))
	assert.Equal(t, -1, CloseStatus(context.Canceled))
	assert.Equal(t, StatusNormalClosure, CloseStatus(&TransportError{Op: "read", Err: &CloseError{Code: StatusNormalClosure}}))
}

func TestConnectionManagerOverWebSocket(t *testing.T) {
	srv, _ := echoServer(t)
	m := NewConnectionManager(RealtimeConfig{URL: srv.URL, HeartbeatInterval: 20 * time.Millisecond}, &WebSocketTransport{}, StaticToken("tok"))
	defer m.Close()

	frames := make(chan []byte, 1)
	m.HandleFrames(func(b []byte) { frames <- b })
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Send(context.Background(), []byte(`{"ping":1}`)))

	select {
	case b := <-frames:
		assert.JSONEq(t, `{"ping":1}`, string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received")
	}

	// Heartbeats succeed against a live peer.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
}
