package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// WSTransport adapts a gorilla websocket connection to the Transport
// interface. Gorilla allows one concurrent writer, so Send serializes.
type WSTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport wraps an upgraded websocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	conn.SetReadLimit(maxMessageSize)
	return &WSTransport{conn: conn}
}

var _ Transport = (*WSTransport)(nil)

func (t *WSTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}

// ReadLoop pumps inbound frames into the hub until the peer goes away,
// then unregisters the connection.
func ReadLoop(hub *Hub, connID string, conn *websocket.Conn) {
	defer hub.Unregister(connID)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		hub.HandleMessage(connID, raw)
	}
}
