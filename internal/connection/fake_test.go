package connection

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/callguard/internal/logger"
	"github.com/yoockh/callguard/internal/models"
)

type frame struct {
	typ  int
	data []byte
}

// fakeTransport stands in for *websocket.Conn.
type fakeTransport struct {
	in      chan frame
	peerErr chan error
	done    chan struct{}

	mu       sync.Mutex
	written  []frame
	controls []frame
	closed   bool
	writeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:      make(chan frame, 64),
		peerErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.in:
		return fr.typ, fr.data, nil
	case err := <-f.peerErr:
		return 0, nil, err
	case <-f.done:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeTransport) WriteMessage(typ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrCloseSent
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, frame{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) WriteControl(typ int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrCloseSent
	}
	f.controls = append(f.controls, frame{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) sendText(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	f.in <- frame{typ: websocket.TextMessage, data: b}
}

func (f *fakeTransport) sendRaw(typ int, data []byte) {
	f.in <- frame{typ: typ, data: data}
}

// messages decodes every text frame written so far.
func (f *fakeTransport) messages(t *testing.T) []models.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, fr := range f.written {
		if fr.typ != websocket.TextMessage {
			continue
		}
		var m models.Message
		require.NoError(t, json.Unmarshal(fr.data, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) messagesOfType(t *testing.T, typ models.MessageType) []models.Message {
	var out []models.Message
	for _, m := range f.messages(t) {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// closeCode returns the code of the first close control frame, or 0.
func (f *fakeTransport) closeCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.controls {
		if fr.typ == websocket.CloseMessage && len(fr.data) >= 2 {
			return int(binary.BigEndian.Uint16(fr.data[:2]))
		}
	}
	return 0
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type closedEvent struct {
	info   Info
	code   int
	reason string
}

type recorder struct {
	mu          sync.Mutex
	opened      []Info
	closed      []closedEvent
	received    []models.Message
	rateLimited int
}

func (r *recorder) ConnectionOpened(info Info) {
	r.mu.Lock()
	r.opened = append(r.opened, info)
	r.mu.Unlock()
}

func (r *recorder) ConnectionClosed(info Info, code int, reason string) {
	r.mu.Lock()
	r.closed = append(r.closed, closedEvent{info: info, code: code, reason: reason})
	r.mu.Unlock()
}

func (r *recorder) MessageReceived(_ string, msg models.Message) {
	r.mu.Lock()
	r.received = append(r.received, msg)
	r.mu.Unlock()
}

func (r *recorder) RateLimited(string) {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

func (r *recorder) receivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recorder) closedEvents() []closedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]closedEvent(nil), r.closed...)
}

func (r *recorder) rateLimitedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rateLimited
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock, *recorder) {
	t.Helper()
	clock := newFakeClock()
	m := NewManager(cfg, logger.Discard(), nil, WithClock(clock.Now))
	rec := &recorder{}
	m.SetObserver(rec)
	t.Cleanup(func() {
		ctx, cancel := contextWithTimeout(2 * time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, clock, rec
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
