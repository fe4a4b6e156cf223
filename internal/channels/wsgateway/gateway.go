// Package wsgateway connects the relay core to the chat platform over a
// WebSocket event stream. It translates wire frames into core events and the
// core's outbound calls into wire frames, and owns reconnection.
package wsgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mirra/internal/channels"
	"mirra/internal/logging"
	"mirra/internal/orchestrator"
	"mirra/internal/persona"
)

// Wire ops. The platform pushes hello once per connection, then dispatch
// frames; heartbeat/heartbeat_ack keep the connection alive and measure RTT.
const (
	opHello        = "hello"
	opIdentify     = "identify"
	opHeartbeat    = "heartbeat"
	opHeartbeatAck = "heartbeat_ack"
	opDispatch     = "dispatch"
	opMessage      = "message"
	opTyping       = "typing"
	opPanel        = "panel"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	initialReconnectDelay    = time.Second
	maxReconnectDelay        = 30 * time.Second
	writeTimeout             = 10 * time.Second
)

type frame struct {
	Op string          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloPayload struct {
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms"`
}

type identifyPayload struct {
	Token string `json:"token"`
}

type dispatchPayload struct {
	Type string `json:"type"`

	ChannelID   string `json:"channel_id"`
	MessageID   string `json:"message_id,omitempty"`
	AuthorID    string `json:"author_id,omitempty"`
	AuthorIsBot bool   `json:"author_is_bot,omitempty"`
	Content     string `json:"content,omitempty"`

	Action  string     `json:"action,omitempty"`
	Persona persona.ID `json:"persona,omitempty"`
}

type sendPayload struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

type typingPayload struct {
	ChannelID string `json:"channel_id"`
}

type panelPayload struct {
	ChannelID string         `json:"channel_id"`
	Panel     channels.Panel `json:"panel"`
}

// Handler receives decoded platform events. The orchestrator implements it.
type Handler interface {
	HandleMessage(ctx context.Context, ev orchestrator.MessageEvent) error
	HandleButton(ctx context.Context, ev orchestrator.ButtonEvent) error
}

// Config holds the connection parameters.
type Config struct {
	URL   string
	Token string
}

// Gateway is the platform connection. It implements channels.Messenger,
// channels.PanelMessenger, and exposes heartbeat latency for diagnostics.
type Gateway struct {
	cfg     Config
	handler Handler
	logger  logging.Logger

	mu   sync.Mutex // serializes writes and guards conn
	conn *websocket.Conn

	latencyNanos  atomic.Int64
	heartbeatSent atomic.Int64

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewGateway builds a disconnected gateway; Run establishes the stream. The
// handler is bound separately because the core needs the gateway as its
// messenger before it can receive events.
func NewGateway(cfg Config, logger logging.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Bind attaches the event handler. Must be called before Run.
func (g *Gateway) Bind(handler Handler) {
	g.handler = handler
}

// Run connects and serves the event stream until ctx is cancelled,
// reconnecting with exponential backoff on any connection failure.
func (g *Gateway) Run(ctx context.Context) error {
	if g.handler == nil {
		return fmt.Errorf("gateway has no bound handler")
	}
	delay := initialReconnectDelay
	for {
		err := g.serveConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn("Gateway connection lost: %v; reconnecting in %s", err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// serveConnection runs one connection lifetime: dial, identify, read hello,
// then pump frames until the connection breaks or ctx ends.
func (g *Gateway) serveConnection(ctx context.Context) error {
	conn, err := g.dial(ctx, g.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	g.setConn(conn)
	defer func() {
		g.setConn(nil)
		conn.Close()
	}()

	if err := g.writeFrame(opIdentify, identifyPayload{Token: g.cfg.Token}); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello frame, got %q", hello.Op)
	}
	interval := defaultHeartbeatInterval
	var payload helloPayload
	if err := json.Unmarshal(hello.D, &payload); err == nil && payload.HeartbeatIntervalMS > 0 {
		interval = time.Duration(payload.HeartbeatIntervalMS) * time.Millisecond
	}
	g.logger.Info("Gateway connected to %s (heartbeat %s)", g.cfg.URL, interval)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go g.heartbeatLoop(connCtx, interval)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		switch f.Op {
		case opHeartbeatAck:
			if sent := g.heartbeatSent.Load(); sent > 0 {
				g.latencyNanos.Store(time.Now().UnixNano() - sent)
			}
		case opDispatch:
			g.handleDispatch(connCtx, f.D)
		default:
			g.logger.Debug("Ignoring gateway frame op %q", f.Op)
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.heartbeatSent.Store(time.Now().UnixNano())
			if err := g.writeFrame(opHeartbeat, nil); err != nil {
				g.logger.Warn("Heartbeat send failed: %v", err)
				return
			}
		}
	}
}

// handleDispatch decodes one platform event and hands it to the core on its
// own goroutine, so a long generation never stalls the read loop.
func (g *Gateway) handleDispatch(ctx context.Context, raw json.RawMessage) {
	var d dispatchPayload
	if err := json.Unmarshal(raw, &d); err != nil {
		g.logger.Warn("Malformed dispatch payload dropped: %v", err)
		return
	}
	switch d.Type {
	case "message":
		ev := orchestrator.MessageEvent{
			ChannelID:   d.ChannelID,
			MessageID:   d.MessageID,
			AuthorID:    d.AuthorID,
			AuthorIsBot: d.AuthorIsBot,
			Content:     d.Content,
		}
		go func() {
			if err := g.handler.HandleMessage(ctx, ev); err != nil {
				g.logger.Error("Message event failed for channel %s: %v", ev.ChannelID, err)
			}
		}()
	case "button":
		ev := orchestrator.ButtonEvent{
			ChannelID: d.ChannelID,
			Action:    d.Action,
			Persona:   d.Persona,
		}
		go func() {
			if err := g.handler.HandleButton(ctx, ev); err != nil {
				g.logger.Error("Button event failed for channel %s: %v", ev.ChannelID, err)
			}
		}()
	default:
		g.logger.Debug("Ignoring dispatch type %q", d.Type)
	}
}

func (g *Gateway) setConn(conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conn = conn
}

// writeFrame marshals and sends one frame. Writes are serialized; gorilla
// connections allow only one concurrent writer.
func (g *Gateway) writeFrame(op string, payload any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	f := frame{Op: op}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", op, err)
		}
		f.D = data
	}
	_ = g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.conn.WriteJSON(f)
}

// Send delivers one message to a channel.
func (g *Gateway) Send(_ context.Context, channelID, text string) error {
	return g.writeFrame(opMessage, sendPayload{ChannelID: channelID, Content: text})
}

// ShowTyping raises the channel's typing indicator for its platform-scoped
// lifetime of roughly ten seconds.
func (g *Gateway) ShowTyping(_ context.Context, channelID string) error {
	return g.writeFrame(opTyping, typingPayload{ChannelID: channelID})
}

// SendPanel delivers a rich card with buttons.
func (g *Gateway) SendPanel(_ context.Context, channelID string, panel channels.Panel) error {
	return g.writeFrame(opPanel, panelPayload{ChannelID: channelID, Panel: panel})
}

// Latency returns the most recent heartbeat round trip. Zero until the first
// ack arrives.
func (g *Gateway) Latency() time.Duration {
	return time.Duration(g.latencyNanos.Load())
}
