package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"mirra/internal/orchestrator"
	"mirra/internal/persona"
)

type recordingHandler struct {
	mu       sync.Mutex
	messages []orchestrator.MessageEvent
	buttons  []orchestrator.ButtonEvent
	seen     chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleMessage(_ context.Context, ev orchestrator.MessageEvent) error {
	h.mu.Lock()
	h.messages = append(h.messages, ev)
	h.mu.Unlock()
	h.seen <- struct{}{}
	return nil
}

func (h *recordingHandler) HandleButton(_ context.Context, ev orchestrator.ButtonEvent) error {
	h.mu.Lock()
	h.buttons = append(h.buttons, ev)
	h.mu.Unlock()
	h.seen <- struct{}{}
	return nil
}

// fakePlatform upgrades one connection, answers identify with hello, and
// exposes both directions for assertions.
type fakePlatform struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received chan frame
	ready    chan struct{}
}

func newFakePlatform(t *testing.T) *fakePlatform {
	p := &fakePlatform{
		t:        t,
		received: make(chan frame, 16),
		ready:    make(chan struct{}),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePlatform) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	var identify frame
	if err := conn.ReadJSON(&identify); err != nil || identify.Op != opIdentify {
		conn.Close()
		return
	}
	hello, _ := json.Marshal(helloPayload{HeartbeatIntervalMS: 50})
	if err := conn.WriteJSON(frame{Op: opHello, D: hello}); err != nil {
		conn.Close()
		return
	}
	close(p.ready)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Op == opHeartbeat {
			_ = conn.WriteJSON(frame{Op: opHeartbeatAck})
		}
		p.received <- f
	}
}

func (p *fakePlatform) url() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http")
}

func (p *fakePlatform) dispatch(t *testing.T, d dispatchPayload) {
	data, err := json.Marshal(d)
	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(t, p.conn.WriteJSON(frame{Op: opDispatch, D: data}))
}

func (p *fakePlatform) nextFrame(t *testing.T, op string) frame {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-p.received:
			if f.Op == op {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame received", op)
		}
	}
}

func startGateway(t *testing.T, p *fakePlatform, h Handler) *Gateway {
	g := NewGateway(Config{URL: p.url(), Token: "test-token"}, nil)
	g.Bind(h)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = g.Run(ctx) }()

	select {
	case <-p.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never completed handshake")
	}
	return g
}

func TestMessageDispatchReachesHandler(t *testing.T) {
	p := newFakePlatform(t)
	h := newRecordingHandler()
	startGateway(t, p, h)

	p.dispatch(t, dispatchPayload{
		Type:      "message",
		ChannelID: "c1",
		MessageID: "m1",
		AuthorID:  "u1",
		Content:   "hello",
	})

	select {
	case <-h.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.messages, 1)
	require.Equal(t, orchestrator.MessageEvent{
		ChannelID: "c1", MessageID: "m1", AuthorID: "u1", Content: "hello",
	}, h.messages[0])
}

func TestButtonDispatchCarriesPersonaID(t *testing.T) {
	p := newFakePlatform(t)
	h := newRecordingHandler()
	startGateway(t, p, h)

	p.dispatch(t, dispatchPayload{
		Type:      "button",
		ChannelID: "c1",
		Action:    "select_persona",
		Persona:   persona.Realtime,
	})

	select {
	case <-h.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.buttons, 1)
	require.Equal(t, persona.Realtime, h.buttons[0].Persona)
	require.Equal(t, "select_persona", h.buttons[0].Action)
}

func TestSendWritesMessageFrame(t *testing.T) {
	p := newFakePlatform(t)
	g := startGateway(t, p, newRecordingHandler())

	require.NoError(t, g.Send(context.Background(), "c1", "outbound"))

	f := p.nextFrame(t, opMessage)
	var payload sendPayload
	require.NoError(t, json.Unmarshal(f.D, &payload))
	require.Equal(t, "c1", payload.ChannelID)
	require.Equal(t, "outbound", payload.Content)
}

func TestShowTypingWritesTypingFrame(t *testing.T) {
	p := newFakePlatform(t)
	g := startGateway(t, p, newRecordingHandler())

	require.NoError(t, g.ShowTyping(context.Background(), "c7"))

	f := p.nextFrame(t, opTyping)
	var payload typingPayload
	require.NoError(t, json.Unmarshal(f.D, &payload))
	require.Equal(t, "c7", payload.ChannelID)
}

func TestHeartbeatMeasuresLatency(t *testing.T) {
	p := newFakePlatform(t)
	g := startGateway(t, p, newRecordingHandler())

	p.nextFrame(t, opHeartbeat)
	require.Eventually(t, func() bool {
		return g.Latency() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	g := NewGateway(Config{URL: "ws://127.0.0.1:1", Token: "t"}, nil)
	g.Bind(newRecordingHandler())
	require.Error(t, g.Send(context.Background(), "c1", "text"))
}

func TestMalformedDispatchIgnored(t *testing.T) {
	p := newFakePlatform(t)
	h := newRecordingHandler()
	startGateway(t, p, h)

	p.mu.Lock()
	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"op":"dispatch","d":{"type":12}}`)))
	p.mu.Unlock()

	p.dispatch(t, dispatchPayload{Type: "message", ChannelID: "c1", Content: "after"})
	select {
	case <-h.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway stopped processing after malformed frame")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.messages, 1)
}
