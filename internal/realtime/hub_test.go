package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/deploydeck/deploydeck/internal/domain"
)

// memTransport records sent frames in memory.
type memTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	closed  bool
}

func (m *memTransport) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.frames = append(m.frames, cp)
	return nil
}

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memTransport) frameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// eventFrames decodes the frames that carry a domain event, skipping
// control frames.
func (m *memTransport) eventFrames(t *testing.T) []domain.Event {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, frame := range m.frames {
		var ev domain.Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("bad frame %s: %v", frame, err)
		}
		if ev.Kind != "" {
			out = append(out, ev)
		}
	}
	return out
}

func (m *memTransport) controlFrames(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, frame := range m.frames {
		var msg map[string]any
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("bad frame %s: %v", frame, err)
		}
		if _, isEvent := msg["kind"]; !isEvent {
			out = append(out, msg)
		}
	}
	return out
}

// noopBus satisfies bus.Bus without a broker; hubs under test are fed
// through Dispatch directly.
func newTestHub() *Hub {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHub(nil, 30*time.Second, 60*time.Second, logger)
}

func register(h *Hub, id, userID string) (*Conn, *memTransport) {
	transport := &memTransport{}
	conn := h.NewConn(id, userID, transport)
	h.Register(conn)
	return conn, transport
}

func subscribeProject(h *Hub, connID, project string) {
	raw, _ := json.Marshal(ClientMessage{Action: ActionSubscribeProject, Project: project})
	h.HandleMessage(connID, raw)
}

func deploymentEvent(project, deploymentID string) domain.Event {
	return domain.Event{
		ID:           "ev-1",
		Kind:         domain.KindDeployment,
		Type:         domain.EventDeployment,
		Project:      project,
		DeploymentID: deploymentID,
		OccurredAt:   time.Now().UTC(),
	}
}

func TestRegisterSendsEstablishedFrame(t *testing.T) {
	h := newTestHub()
	_, transport := register(h, "c1", "u1")

	frames := transport.controlFrames(t)
	if len(frames) != 1 {
		t.Fatalf("expected 1 control frame, got %d", len(frames))
	}
	if frames[0]["type"] != msgConnectionEstablished {
		t.Fatalf("expected %q, got %v", msgConnectionEstablished, frames[0]["type"])
	}
	if frames[0]["conn_id"] != "c1" {
		t.Fatalf("expected conn id echo, got %v", frames[0]["conn_id"])
	}
}

func TestDispatchOnlyToSubscribed(t *testing.T) {
	h := newTestHub()
	_, sub := register(h, "c1", "u1")
	_, other := register(h, "c2", "u2")
	subscribeProject(h, "c1", "blog")

	h.Dispatch(deploymentEvent("blog", "dep-1"))

	if got := sub.eventFrames(t); len(got) != 1 {
		t.Fatalf("subscriber expected 1 event, got %d", len(got))
	}
	if got := other.eventFrames(t); len(got) != 0 {
		t.Fatalf("non-subscriber expected 0 events, got %d", len(got))
	}
}

func TestDispatchByDeploymentKey(t *testing.T) {
	h := newTestHub()
	_, transport := register(h, "c1", "u1")
	raw, _ := json.Marshal(ClientMessage{Action: ActionSubscribeDeployment, DeploymentID: "dep-1"})
	h.HandleMessage("c1", raw)

	h.Dispatch(deploymentEvent("blog", "dep-1"))
	h.Dispatch(deploymentEvent("blog", "dep-2"))

	events := transport.eventFrames(t)
	if len(events) != 1 {
		t.Fatalf("expected exactly the subscribed deployment's event, got %d", len(events))
	}
	if events[0].DeploymentID != "dep-1" {
		t.Fatalf("wrong event routed: %s", events[0].DeploymentID)
	}
}

func TestSystemEventsBroadcast(t *testing.T) {
	h := newTestHub()
	_, a := register(h, "c1", "u1")
	_, b := register(h, "c2", "u2")

	h.Dispatch(domain.Event{
		ID:         "ev-1",
		Kind:       domain.KindSystem,
		Type:       domain.EventSystemAlert,
		OccurredAt: time.Now().UTC(),
	})

	if len(a.eventFrames(t)) != 1 || len(b.eventFrames(t)) != 1 {
		t.Fatal("system events must reach every connection")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub()
	_, transport := register(h, "c1", "u1")
	subscribeProject(h, "c1", "blog")

	raw, _ := json.Marshal(ClientMessage{Action: ActionUnsubscribeProject, Project: "blog"})
	h.HandleMessage("c1", raw)

	h.Dispatch(deploymentEvent("blog", "dep-1"))
	if got := transport.eventFrames(t); len(got) != 0 {
		t.Fatalf("expected no events after unsubscribe, got %d", len(got))
	}
}

func TestDispatchToRemovedConnIsNoOp(t *testing.T) {
	h := newTestHub()
	register(h, "c1", "u1")
	subscribeProject(h, "c1", "blog")
	h.Unregister("c1")

	// Must not panic or resurrect the connection.
	h.Dispatch(deploymentEvent("blog", "dep-1"))
	if h.ConnCount() != 0 {
		t.Fatal("dispatch must not resurrect a removed connection")
	}
}

func TestSendFailureEvictsConnection(t *testing.T) {
	h := newTestHub()
	transport := &memTransport{}
	conn := h.NewConn("c1", "u1", transport)
	h.Register(conn)
	subscribeProject(h, "c1", "blog")

	transport.mu.Lock()
	transport.sendErr = errors.New("broken pipe")
	transport.mu.Unlock()

	h.Dispatch(deploymentEvent("blog", "dep-1"))

	if h.ConnCount() != 0 {
		t.Fatal("failed send must evict the connection")
	}
	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	if !closed {
		t.Fatal("evicted connection's transport must be closed")
	}
}

func TestHeartbeatAckAndActivityRefresh(t *testing.T) {
	h := newTestHub()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	conn, transport := register(h, "c1", "u1")

	h.now = func() time.Time { return base.Add(50 * time.Second) }
	raw, _ := json.Marshal(ClientMessage{Action: ActionHeartbeat})
	h.HandleMessage("c1", raw)

	frames := transport.controlFrames(t)
	last := frames[len(frames)-1]
	if last["type"] != msgHeartbeatAck {
		t.Fatalf("expected heartbeat ack, got %v", last["type"])
	}
	if got := conn.idleSince(); !got.Equal(base.Add(50 * time.Second)) {
		t.Fatalf("heartbeat must refresh activity, got %v", got)
	}
}

func TestSweepEvictsIdleConnections(t *testing.T) {
	h := newTestHub()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	register(h, "idle", "u1")
	register(h, "active", "u2")

	// The active connection heartbeats at +45s; the idle one never does.
	h.now = func() time.Time { return base.Add(45 * time.Second) }
	raw, _ := json.Marshal(ClientMessage{Action: ActionHeartbeat})
	h.HandleMessage("active", raw)

	h.now = func() time.Time { return base.Add(70 * time.Second) }
	h.sweep()

	if h.ConnCount() != 1 {
		t.Fatalf("expected 1 survivor, got %d", h.ConnCount())
	}
	if h.UserConnCount("u1") != 0 {
		t.Fatal("idle connection must be gone from the user index")
	}
	if h.UserConnCount("u2") != 1 {
		t.Fatal("active connection must survive the sweep")
	}
}

func TestUnregisterCleansUserIndex(t *testing.T) {
	h := newTestHub()
	register(h, "c1", "u1")
	register(h, "c2", "u1")

	h.Unregister("c1")
	if h.UserConnCount("u1") != 1 {
		t.Fatalf("expected 1 remaining connection for user, got %d", h.UserConnCount("u1"))
	}
	h.Unregister("c2")
	if h.UserConnCount("u1") != 0 {
		t.Fatal("user index entry must be removed with the last connection")
	}

	h.mu.RLock()
	_, lingering := h.byUser["u1"]
	h.mu.RUnlock()
	if lingering {
		t.Fatal("empty user index bucket must be deleted")
	}
}

func TestDoubleUnregisterIsSafe(t *testing.T) {
	h := newTestHub()
	register(h, "c1", "u1")
	h.Unregister("c1")
	h.Unregister("c1")
}

func TestMalformedMessageCountsAsActivity(t *testing.T) {
	h := newTestHub()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }
	conn, transport := register(h, "c1", "u1")

	h.now = func() time.Time { return base.Add(time.Second) }
	h.HandleMessage("c1", []byte("{not json"))

	if got := conn.idleSince(); !got.Equal(base.Add(time.Second)) {
		t.Fatal("malformed frame must still refresh activity")
	}
	frames := transport.controlFrames(t)
	last := frames[len(frames)-1]
	if last["type"] != msgError {
		t.Fatalf("expected error frame, got %v", last["type"])
	}
}

func TestSubscriptionWithoutTargetRejected(t *testing.T) {
	h := newTestHub()
	conn, _ := register(h, "c1", "u1")

	raw, _ := json.Marshal(ClientMessage{Action: ActionSubscribeProject})
	h.HandleMessage("c1", raw)

	if len(conn.subscriptions()) != 0 {
		t.Fatal("subscription without a target must be rejected")
	}
}

func TestCloseDropsEverything(t *testing.T) {
	h := newTestHub()
	_, a := register(h, "c1", "u1")
	_, b := register(h, "c2", "u2")

	h.Close()

	if h.ConnCount() != 0 {
		t.Fatalf("expected 0 connections after close, got %d", h.ConnCount())
	}
	a.mu.Lock()
	aClosed := a.closed
	a.mu.Unlock()
	b.mu.Lock()
	bClosed := b.closed
	b.mu.Unlock()
	if !aClosed || !bClosed {
		t.Fatal("close must close every transport")
	}
}
