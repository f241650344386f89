package venturelink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ── Transport ────────────────────────────────────────────

type fakeTransport struct {
	mu     sync.Mutex
	dials  int
	tokens []string
	fail   func(n int) error
	conns  []*fakeConn
	dialed chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan *fakeConn, 32)}
}

func (t *fakeTransport) Dial(ctx context.Context, url, token string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	n := t.dials
	t.tokens = append(t.tokens, token)
	fail := t.fail
	t.mu.Unlock()

	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	select {
	case t.dialed <- c:
	default:
	}
	return c, nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) setFail(fn func(n int) error) {
	t.mu.Lock()
	t.fail = fn
	t.mu.Unlock()
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type fakeConn struct {
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	closeErr   error
	closedWith *CloseError
	written    [][]byte
	writeErr   func(frame []byte) error
	pingErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	writeErr := c.writeErr
	c.mu.Unlock()
	if writeErr != nil {
		if err := writeErr(data); err != nil {
			return err
		}
	}
	select {
	case <-c.done:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) setWriteErr(fn func(frame []byte) error) {
	c.mu.Lock()
	c.writeErr = fn
	c.mu.Unlock()
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *fakeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedWith == nil {
		return -1
	}
	return c.closedWith.Code
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closedWith == nil {
		c.closedWith = &CloseError{Code: code, Reason: reason}
	}
	c.mu.Unlock()
	c.terminate(&CloseError{Code: code, Reason: reason})
	return nil
}

// serverClose simulates the remote end closing with a code.
func (c *fakeConn) serverClose(code int, reason string) {
	c.terminate(&CloseError{Code: code, Reason: reason})
}

// drop simulates a connection lost without a close frame.
func (c *fakeConn) drop() {
	c.terminate(errors.New("connection reset by peer"))
}

func (c *fakeConn) terminate(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) push(t *testing.T, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) frames() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.written))
	for _, w := range c.written {
		var env Envelope
		if json.Unmarshal(w, &env) == nil {
			out = append(out, env)
		}
	}
	return out
}

// ── State recording ──────────────────────────────────────

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) record(c StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *stateRecorder) states() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionState, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.To
	}
	return out
}

func (r *stateRecorder) all() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func (r *stateRecorder) exhausted() int {
	n := 0
	for _, c := range r.all() {
		if c.Exhausted() {
			n++
		}
	}
	return n
}

// ── REST ─────────────────────────────────────────────────

type fakeAPI struct {
	mu            sync.Mutex
	conversations []Conversation
	pages         map[string][]HistoryPage
	historyCalls  []string
	historyErr    error
	gate          chan struct{}
	started       chan struct{}
	created       *Conversation
}

func (a *fakeAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Conversation(nil), a.conversations...), nil
}

func (a *fakeAPI) FetchHistory(ctx context.Context, conversationID, cursor string, pageSize int) (*HistoryPage, error) {
	a.mu.Lock()
	a.historyCalls = append(a.historyCalls, cursor)
	gate, started := a.gate, a.started
	a.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	pages := a.pages[conversationID]
	if len(pages) == 0 {
		return &HistoryPage{}, nil
	}
	page := pages[0]
	a.pages[conversationID] = pages[1:]
	return &page, nil
}

func (a *fakeAPI) CreateConversation(ctx context.Context, opts CreateConversationOptions) (*Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.created == nil {
		return nil, errors.New("create not configured")
	}
	c := *a.created
	return &c, nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (*ChatMessage, error) {
	return &ChatMessage{ID: "srv", ConversationID: conversationID, Content: content}, nil
}

func (a *fakeAPI) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return nil
}

func (a *fakeAPI) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.historyCalls...)
}

// ── Outbox ───────────────────────────────────────────────

type queuedEnvelope struct {
	env        Envelope
	onAccepted func()
	onFailed   func(error)
}

// recordingOutbox captures envelopes without sending them.
type recordingOutbox struct {
	mu       sync.Mutex
	queued   []queuedEnvelope
	canceled []string
}

func (o *recordingOutbox) Enqueue(env Envelope, onAccepted func(), onFailed func(error)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queued = append(o.queued, queuedEnvelope{env: env, onAccepted: onAccepted, onFailed: onFailed})
	return nil
}

func (o *recordingOutbox) Cancel(id string) bool {
	o.mu.Lock()
	var found *queuedEnvelope
	for i, q := range o.queued {
		if q.env.ID == id {
			item := q
			found = &item
			o.queued = append(o.queued[:i:i], o.queued[i+1:]...)
			break
		}
	}
	o.canceled = append(o.canceled, id)
	o.mu.Unlock()
	if found == nil {
		return false
	}
	if found.onFailed != nil {
		found.onFailed(context.Canceled)
	}
	return true
}

func (o *recordingOutbox) take(t *testing.T, typ EventType) queuedEnvelope {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, q := range o.queued {
		if q.env.Type == typ {
			o.queued = append(o.queued[:i:i], o.queued[i+1:]...)
			return q
		}
	}
	t.Fatalf("no queued %s envelope", typ)
	return queuedEnvelope{}
}

func mustEnvelope(t *testing.T, typ EventType, data any) Envelope {
	t.Helper()
	env, err := NewEnvelope(typ, data)
	require.NoError(t, err)
	return env
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
