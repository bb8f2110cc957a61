// Package hub fans recorded transcript messages out to websocket clients,
// grouped by session. With redis configured, publishes cross instances
// through pub/sub; otherwise they are broadcast in-process.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is the pushed wire shape, identical to one GET /messages entry.
type Frame struct {
	Role string `json:"role"`
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
}

// ReplayFunc returns what a session already holds; it is sent to a new
// connection before live frames.
type ReplayFunc func(ctx context.Context, sessionID string) ([]Frame, error)

// conn queues live frames while holding is set, so a replay snapshot always
// goes out first.
type conn struct {
	ws *websocket.Conn

	mu      sync.Mutex
	holding bool
	held    [][]byte
}

func (c *conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holding {
		c.held = append(c.held, data)
		return nil
	}
	return c.send(data)
}

// release sends first, then whatever arrived while held, and goes live.
func (c *conn) release(first [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := append(first, c.held...)
	c.holding, c.held = false, nil
	for _, data := range queued {
		if err := c.send(data); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) send(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// subscription is one session's redis listener; ready closes once redis has
// confirmed it.
type subscription struct {
	cancel context.CancelFunc
	ready  chan struct{}
}

type Config struct {
	Redis   *redis.Client
	Replay  ReplayFunc
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*conn
	subs        map[string]*subscription

	redis   *redis.Client
	replay  ReplayFunc
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Hub {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Hub{
		connections: make(map[string][]*conn),
		subs:        make(map[string]*subscription),
		redis:       cfg.Redis,
		replay:      cfg.Replay,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

func channel(sessionID string) string {
	return "chatrelay:session:" + sessionID
}

// ServeWS upgrades the request and keeps the connection registered until the
// peer goes away. The connection is live before the replay snapshot is read,
// so a message recorded meanwhile reaches it after the snapshot. Incoming
// frames are read and discarded.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("session", sessionID).Msg("websocket upgrade failed")
		return
	}
	c := &conn{ws: ws, holding: h.replay != nil}

	h.register(sessionID, c)
	go func() {
		defer h.unregister(sessionID, c)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if h.replay == nil {
		return
	}
	frames, err := h.replay(r.Context(), sessionID)
	if err != nil {
		h.logger.Error().Err(err).Str("session", sessionID).Msg("load transcript for replay")
	}
	snapshot := make([][]byte, 0, len(frames))
	for _, f := range frames {
		data, _ := json.Marshal(f)
		snapshot = append(snapshot, data)
	}
	if err := c.release(snapshot); err != nil {
		_ = ws.Close()
	}
}

// register returns once the session's redis subscription, if any, is live.
func (h *Hub) register(sessionID string, c *conn) {
	h.mu.Lock()
	h.connections[sessionID] = append(h.connections[sessionID], c)
	n := len(h.connections[sessionID])
	h.metrics.PushConnections.Inc()

	var sub *subscription
	if h.redis != nil {
		sub = h.subs[sessionID]
		if sub == nil {
			ctx, cancel := context.WithCancel(context.Background())
			sub = &subscription{cancel: cancel, ready: make(chan struct{})}
			h.subs[sessionID] = sub
			go h.subscribe(ctx, sessionID, sub.ready)
		}
	}
	h.mu.Unlock()

	if sub != nil {
		<-sub.ready
	}
	h.logger.Debug().Str("session", sessionID).Int("connections", n).Msg("websocket connected")
}

func (h *Hub) unregister(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_ = c.ws.Close()

	conns := h.connections[sessionID]
	for i, existing := range conns {
		if existing == c {
			h.connections[sessionID] = append(conns[:i], conns[i+1:]...)
			h.metrics.PushConnections.Dec()
			break
		}
	}

	if len(h.connections[sessionID]) == 0 {
		delete(h.connections, sessionID)
		if sub, ok := h.subs[sessionID]; ok {
			sub.cancel()
			delete(h.subs, sessionID)
		}
	}

	h.logger.Debug().Str("session", sessionID).Msg("websocket disconnected")
}

func (h *Hub) subscribe(ctx context.Context, sessionID string, ready chan<- struct{}) {
	pubsub := h.redis.Subscribe(ctx, channel(sessionID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Error().Err(err).Str("session", sessionID).Msg("redis subscribe failed")
	}
	close(ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(sessionID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(sessionID string, data []byte) {
	h.mu.RLock()
	conns := append([]*conn(nil), h.connections[sessionID]...)
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(data); err != nil {
			h.logger.Debug().Err(err).Str("session", sessionID).Msg("websocket write failed")
		}
	}
}

// Publish delivers f to every connection of the session on every instance.
func (h *Hub) Publish(ctx context.Context, sessionID string, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if h.redis == nil {
		h.broadcast(sessionID, data)
		return nil
	}
	if err := h.redis.Publish(ctx, channel(sessionID), data).Err(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[sessionID])
}

// Close drops every connection and subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.connections {
		for _, c := range conns {
			_ = c.ws.Close()
		}
		h.metrics.PushConnections.Sub(float64(len(conns)))
	}
	for _, sub := range h.subs {
		sub.cancel()
	}
	h.connections = make(map[string][]*conn)
	h.subs = make(map[string]*subscription)
}
