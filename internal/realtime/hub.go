package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"github.com/deploydeck/deploydeck/internal/bus"
	"github.com/deploydeck/deploydeck/internal/domain"
)

// ClientMessage is an inbound frame from a dashboard client.
type ClientMessage struct {
	Action       string `json:"action"`
	Project      string `json:"project,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// Client actions.
const (
	ActionSubscribeProject      = "subscribe:project"
	ActionUnsubscribeProject    = "unsubscribe:project"
	ActionSubscribeDeployment   = "subscribe:deployment"
	ActionUnsubscribeDeployment = "unsubscribe:deployment"
	ActionHeartbeat             = "heartbeat"
)

// serverMessage is an outbound control frame (everything that is not a
// fanned-out domain event).
type serverMessage struct {
	Type    string `json:"type"`
	ConnID  string `json:"conn_id,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Message string `json:"message,omitempty"`
}

// Server control frame types.
const (
	msgConnectionEstablished = "connection:established"
	msgSubscriptionConfirmed = "subscription:confirmed"
	msgSubscriptionRemoved   = "subscription:removed"
	msgHeartbeatAck          = "heartbeat:ack"
	msgError                 = "error"
)

// Hub owns every live dashboard connection, routes bus events to the
// connections subscribed to them and evicts idle connections. Connections
// are indexed by connection id (owner) and by user id (secondary).
type Hub struct {
	bus    bus.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]struct{}

	subs []*bus.Subscription

	sweepInterval time.Duration
	idleTimeout   time.Duration
	now           func() time.Time
}

// NewHub builds a hub. Sweep and idle windows fall back to 30s/60s.
func NewHub(b bus.Bus, sweepInterval, idleTimeout time.Duration, logger *slog.Logger) *Hub {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	if logger != nil {
		logger = logger.With("component", "realtime")
	}
	return &Hub{
		bus:           b,
		logger:        logger,
		conns:         make(map[string]*Conn),
		byUser:        make(map[string]map[string]struct{}),
		sweepInterval: sweepInterval,
		idleTimeout:   idleTimeout,
		now:           time.Now,
	}
}

// Start subscribes the hub to the event topics and launches the idle
// sweeper. It returns once subscriptions are established.
func (h *Hub) Start(ctx context.Context) error {
	topics := []string{
		domain.TopicDeploymentEvents,
		domain.TopicProjectStatus,
		domain.TopicSystemEvents,
	}
	for _, topic := range topics {
		sub, err := h.bus.Subscribe(topic, h.Dispatch)
		if err != nil {
			h.stopSubscriptions()
			return err
		}
		h.subs = append(h.subs, sub)
	}
	go h.sweepLoop(ctx)
	if h.logger != nil {
		h.logger.Info("realtime hub started",
			"sweep_interval", h.sweepInterval, "idle_timeout", h.idleTimeout)
	}
	return nil
}

func (h *Hub) stopSubscriptions() {
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
}

// Close drops bus subscriptions and closes every connection.
func (h *Hub) Close() {
	h.stopSubscriptions()
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Conn)
	h.byUser = make(map[string]map[string]struct{})
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.transport.Close()
	}
}

// Register admits a connection and acknowledges it with a
// connection:established frame.
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	set, ok := h.byUser[conn.UserID]
	if !ok {
		set = make(map[string]struct{})
		h.byUser[conn.UserID] = set
	}
	set[conn.ID] = struct{}{}
	total := len(h.conns)
	h.mu.Unlock()

	h.sendControl(conn, serverMessage{Type: msgConnectionEstablished, ConnID: conn.ID})
	if h.logger != nil {
		h.logger.Info("connection registered",
			"conn_id", conn.ID, "user_id", conn.UserID, "total", total)
	}
}

// NewConn builds a connection owned by this hub's clock.
func (h *Hub) NewConn(id, userID string, transport Transport) *Conn {
	return newConn(id, userID, transport, h.now().UTC())
}

// Unregister removes a connection from both indexes and closes its
// transport. Unknown ids are a no-op, so double-unregister is safe.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
		if set := h.byUser[conn.UserID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(h.byUser, conn.UserID)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.transport.Close()
	if h.logger != nil {
		h.logger.Info("connection removed", "conn_id", connID, "user_id", conn.UserID)
	}
}

// HandleMessage processes one inbound frame from a registered connection.
// Every frame, malformed or not, counts as activity.
func (h *Hub) HandleMessage(connID string, raw []byte) {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	conn.touch(h.now().UTC())

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendControl(conn, serverMessage{Type: msgError, Message: "malformed message"})
		return
	}

	switch msg.Action {
	case ActionHeartbeat:
		h.sendControl(conn, serverMessage{Type: msgHeartbeatAck})
	case ActionSubscribeProject:
		h.updateSubscription(conn, "project:"+msg.Project, msg.Project != "", true)
	case ActionUnsubscribeProject:
		h.updateSubscription(conn, "project:"+msg.Project, msg.Project != "", false)
	case ActionSubscribeDeployment:
		h.updateSubscription(conn, "deployment:"+msg.DeploymentID, msg.DeploymentID != "", true)
	case ActionUnsubscribeDeployment:
		h.updateSubscription(conn, "deployment:"+msg.DeploymentID, msg.DeploymentID != "", false)
	default:
		h.sendControl(conn, serverMessage{Type: msgError, Message: "unknown action"})
	}
}

func (h *Hub) updateSubscription(conn *Conn, key string, valid, add bool) {
	if !valid {
		h.sendControl(conn, serverMessage{Type: msgError, Message: "missing subscription target"})
		return
	}
	if add {
		conn.subscribe(key)
		h.sendControl(conn, serverMessage{Type: msgSubscriptionConfirmed, Topic: key})
	} else {
		conn.unsubscribe(key)
		h.sendControl(conn, serverMessage{Type: msgSubscriptionRemoved, Topic: key})
	}
}

// Dispatch fans one event out to every matching connection. System events
// go to everyone; the rest go to connections subscribed to one of the
// event's routing keys. Send failures evict the connection; dispatch to a
// connection removed mid-flight is a silent no-op.
func (h *Hub) Dispatch(event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	keys := event.TopicKeys()
	global := event.Global()

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		if global || conn.subscribedToAny(keys) {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.send(payload); err != nil {
			if h.logger != nil {
				h.logger.Warn("send failed, evicting connection",
					"conn_id", conn.ID, "error", err)
			}
			h.Unregister(conn.ID)
		}
	}
}

func (h *Hub) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep evicts connections idle past the timeout.
func (h *Hub) sweep() {
	cutoff := h.now().UTC().Add(-h.idleTimeout)

	h.mu.RLock()
	var stale []string
	for id, conn := range h.conns {
		if conn.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		if h.logger != nil {
			h.logger.Info("evicting idle connection", "conn_id", id)
		}
		h.Unregister(id)
	}
}

// ConnCount reports the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// UserConnCount reports how many connections a user currently holds.
func (h *Hub) UserConnCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

func (h *Hub) sendControl(conn *Conn, msg serverMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.send(payload); err != nil {
		h.Unregister(conn.ID)
	}
}
