package venturelink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// Close codes used on the realtime connection.
const (
	StatusNormalClosure = int(websocket.StatusNormalClosure)
	StatusGoingAway     = int(websocket.StatusGoingAway)
)

// ============================================================================
// Transport Boundary
// ============================================================================

// Transport opens realtime connections.
type Transport interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// Conn is one open realtime connection. Read is only called from a single
// goroutine; Write, Ping and Close may be called concurrently with it.
// Read returns a *CloseError once the connection was closed with a code.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

// CloseError carries the close code and reason of a terminated connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: status = %d and reason = %q", e.Code, e.Reason)
}

// CloseStatus returns the close code carried by err, or -1.
func CloseStatus(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// ============================================================================
// WebSocket Transport
// ============================================================================

// WebSocketTransport dials realtime connections over WebSocket.
type WebSocketTransport struct {
	HTTPClient *http.Client
	// Header is sent with every handshake in addition to the bearer token.
	Header http.Header
	// ReadLimit caps inbound frame size; zero keeps the library default.
	ReadLimit int64
	// MaxMessageSize rejects larger outbound frames permanently; zero disables.
	MaxMessageSize int
	WriteTimeout   time.Duration
}

// Dial connects to rawURL. http(s) URLs are rewritten to ws(s) and the token
// is passed both as a bearer header and as the token query parameter.
func (t *WebSocketTransport) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	target, err := realtimeURL(rawURL, token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, v := range t.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket dial: handshake refused with HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if t.ReadLimit > 0 {
		conn.SetReadLimit(t.ReadLimit)
	}
	return &wsConn{conn: conn, maxMessage: t.MaxMessageSize, writeTimeout: t.WriteTimeout}, nil
}

func realtimeURL(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	conn         *websocket.Conn
	maxMessage   int
	writeTimeout time.Duration
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if c.maxMessage > 0 && len(data) > c.maxMessage {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit of %d", ErrSendRejected, len(data), c.maxMessage)
	}
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
