package websocket

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/pixora/api/internal/notify"
)

// Control messages exchanged with the client.
type controlMessage struct {
	Type string `json:"type"`
}

const (
	messageTypePing = "ping"
	messageTypePong = "pong"
)

// Hub bridges the notification bus to live WebSocket clients. Each
// connection subscribes to its user's topic, so events published anywhere
// in the deployment reach the client regardless of which process holds
// the socket.
type Hub struct {
	bus notify.Bus
}

func NewHub(bus notify.Bus) *Hub {
	return &Hub{bus: bus}
}

// HandleConnection pumps the user's session events to one client until
// the connection drops.
func (h *Hub) HandleConnection(c *websocket.Conn, userID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop, err := h.bus.Subscribe(ctx, userID)
	if err != nil {
		log.Printf("[WS] Subscribe failed for user %s: %v", userID, err)
		return
	}
	defer stop()

	send := make(chan []byte, 64)

	// Writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-events:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					log.Printf("[WS] Failed to marshal event: %v", err)
					continue
				}
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case message := <-send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Connection error for user %s: %v", userID, err)
			}
			break
		}

		var msg controlMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == messageTypePing {
			data, _ := json.Marshal(controlMessage{Type: messageTypePong})
			select {
			case send <- data:
			default:
			}
		}
	}
}
