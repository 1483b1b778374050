package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport abstraction
// ============================================================================

// EventHandler consumes a push event delivered on a channel.
type EventHandler func(event string, data json.RawMessage)

// Channel is a named push-transport topic with event bindings. A channel is
// owned by whoever subscribed it; handlers are dispatched in delivery order.
type Channel interface {
	Key() string
	Bind(event string, h EventHandler)
	UnbindAll()
}

// Transport is a publish/subscribe push transport. Delivery is at-least-once
// and possibly out of order across channels; consumers deduplicate.
type Transport interface {
	Subscribe(key string) (Channel, error)
	Unsubscribe(key string) error
	Close() error
}

// Event names delivered by the Relay push transport.
const (
	EventNewMessage   = "new-message"
	EventNotification = "notification"
)

// NewMessageEvent is the payload of a new-message push event.
type NewMessageEvent struct {
	Message Message `json:"message"`
	Sender  User    `json:"sender"`
}

// pushEnvelope is the wire format for server-to-client events.
type pushEnvelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// pushCommand is the wire format for client-to-server commands.
type pushCommand struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// ============================================================================
// Configuration
// ============================================================================

// TransportState represents the connection state.
type TransportState string

const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateReconnecting TransportState = "reconnecting"
)

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zerolog.Logger
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *WSConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// wsChannel
// ============================================================================

type wsChannel struct {
	key      string
	mu       sync.RWMutex
	bindings map[string][]EventHandler
}

func newWSChannel(key string) *wsChannel {
	return &wsChannel{key: key, bindings: make(map[string][]EventHandler)}
}

func (ch *wsChannel) Key() string { return ch.key }

func (ch *wsChannel) Bind(event string, h EventHandler) {
	ch.mu.Lock()
	ch.bindings[event] = append(ch.bindings[event], h)
	ch.mu.Unlock()
}

func (ch *wsChannel) UnbindAll() {
	ch.mu.Lock()
	ch.bindings = make(map[string][]EventHandler)
	ch.mu.Unlock()
}

// dispatch runs handlers inline so delivery order is preserved; the read
// cursor depends on advances being issued in event order.
func (ch *wsChannel) dispatch(event string, data json.RawMessage) {
	ch.mu.RLock()
	handlers := append([]EventHandler{}, ch.bindings[event]...)
	ch.mu.RUnlock()
	for _, h := range handlers {
		h(event, data)
	}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket push transport with auto-reconnect and
// heartbeat. Channels subscribed while disconnected are registered locally
// and announced to the server on (re)connect.
type WSTransport struct {
	wsURL  string
	config *WSConfig
	log    zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            TransportState
	intentionalClose bool
	channels         map[string]*wsChannel
	cancelFn         context.CancelFunc
	recon            *reconnector
}

// NewWSTransport creates a WebSocket transport for the given base URL
// (http(s) scheme is rewritten to ws(s)). Call Connect to establish the
// connection.
func NewWSTransport(baseURL string, config *WSConfig) *WSTransport {
	cfg := WSConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws"
	if cfg.Token != "" {
		wsURL += "?token=" + cfg.Token
	}

	return &WSTransport{
		wsURL:    wsURL,
		config:   &cfg,
		log:      *cfg.Logger,
		state:    StateDisconnected,
		channels: make(map[string]*wsChannel),
		recon:    newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (t *WSTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the WebSocket connection and announces every locally
// registered channel.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.wsURL, nil)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.cancelFn = cancel
	keys := make([]string, 0, len(t.channels))
	for k := range t.channels {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	t.recon.markConnected()

	for _, key := range keys {
		if err := t.send(connCtx, pushCommand{Action: "subscribe", Channel: key}); err != nil {
			t.log.Warn().Err(err).Str("channel", key).Msg("resubscribe failed")
		}
	}

	go t.readLoop(connCtx)
	go t.heartbeatLoop(connCtx)

	return nil
}

// Subscribe registers a channel and announces it to the server. While
// disconnected the registration is local only and is flushed on reconnect.
func (t *WSTransport) Subscribe(key string) (Channel, error) {
	t.mu.Lock()
	if ch, ok := t.channels[key]; ok {
		t.mu.Unlock()
		return ch, nil
	}
	ch := newWSChannel(key)
	t.channels[key] = ch
	connected := t.state == StateConnected
	t.mu.Unlock()

	if connected {
		if err := t.send(context.Background(), pushCommand{Action: "subscribe", Channel: key}); err != nil {
			t.mu.Lock()
			delete(t.channels, key)
			t.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", key, err)
		}
	}
	return ch, nil
}

// Unsubscribe drops a channel. The server-side unsubscribe is best effort.
func (t *WSTransport) Unsubscribe(key string) error {
	t.mu.Lock()
	ch, ok := t.channels[key]
	if ok {
		delete(t.channels, key)
	}
	connected := t.state == StateConnected
	t.mu.Unlock()

	if !ok {
		return nil
	}
	ch.UnbindAll()
	if connected {
		if err := t.send(context.Background(), pushCommand{Action: "unsubscribe", Channel: key}); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", key, err)
		}
	}
	return nil
}

// Close gracefully shuts the connection down and drops all channels.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	channels := t.channels
	t.channels = make(map[string]*wsChannel)
	t.mu.Unlock()

	for _, ch := range channels {
		ch.UnbindAll()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (t *WSTransport) send(ctx context.Context, cmd pushCommand) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *WSTransport) readLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			t.mu.Unlock()
			if intentional {
				return
			}

			t.mu.Lock()
			t.state = StateDisconnected
			t.conn = nil
			t.mu.Unlock()
			t.log.Warn().Err(err).Msg("push connection lost")

			if t.config.AutoReconnect && t.recon.shouldReconnect() {
				t.scheduleReconnect()
			}
			return
		}

		var env pushEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		t.mu.Lock()
		ch := t.channels[env.Channel]
		t.mu.Unlock()
		if ch != nil {
			ch.dispatch(env.Event, env.Data)
		}
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			s := t.state
			t.mu.Unlock()
			if s != StateConnected || conn == nil {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (t *WSTransport) scheduleReconnect() {
	delay := t.recon.nextDelay()
	t.mu.Lock()
	t.state = StateReconnecting
	t.mu.Unlock()
	t.log.Info().Int("attempt", t.recon.attempt).Dur("delay", delay).Msg("reconnecting push transport")

	time.Sleep(delay)

	if err := t.Connect(context.Background()); err != nil {
		if t.config.AutoReconnect && t.recon.shouldReconnect() {
			t.scheduleReconnect()
		} else {
			t.mu.Lock()
			t.state = StateDisconnected
			t.mu.Unlock()
		}
	}
}
