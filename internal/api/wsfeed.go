package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// feedMessage is the envelope pushed to dashboard websocket clients:
// an id, a type, a method name identifying the payload kind, and the
// payload itself.
type feedMessage struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// feedClient is one connected dashboard websocket client.
type feedClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Feed is a read-only dashboard websocket broadcaster served by the
// operator HTTP surface: it never accepts writes back from
// clients beyond pings, it only fans Broadcast calls out to whoever is
// currently connected.
type Feed struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*feedClient
}

// NewFeed builds an empty Feed.
func NewFeed(logger *zap.Logger) *Feed {
	return &Feed{
		logger:  logger.Named("feed"),
		clients: make(map[string]*feedClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the connection and starts its read/write
// pumps. Use as an http.HandlerFunc.
func (f *Feed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("dashboard websocket upgrade failed", zap.Error(err))
		return
	}

	client := &feedClient{id: uuid.New().String(), conn: conn, send: make(chan []byte, 256)}

	f.mu.Lock()
	f.clients[client.id] = client
	f.mu.Unlock()

	go f.writePump(client)
	go f.readPump(client)
}

// readPump only exists to drain control frames and detect
// disconnects; the dashboard feed is read-only from the client's
// perspective.
func (f *Feed) readPump(client *feedClient) {
	defer func() {
		f.mu.Lock()
		delete(f.clients, client.id)
		f.mu.Unlock()
		client.conn.Close()
	}()

	client.conn.SetReadLimit(4096)
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (f *Feed) writePump(client *feedClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast fans method/payload out to every connected client.
// Clients with a full send buffer are skipped rather than blocked.
func (f *Feed) Broadcast(method string, payload interface{}) {
	raw, err := json.Marshal(feedMessage{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    method,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		f.logger.Warn("marshal feed broadcast failed", zap.Error(err))
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, client := range f.clients {
		select {
		case client.send <- raw:
		default:
		}
	}
}
