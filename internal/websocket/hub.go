package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/faceblur/orchestrator/internal/model"
)

// Client is one subscriber to one execution
type Client struct {
	ExecutionID string
	Conn        *websocket.Conn
	Send        chan []byte
}

// Hub fans execution updates out to WebSocket subscribers
type Hub struct {
	// Clients grouped by execution ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.RWMutex
}

// BroadcastMessage is an encoded message for one execution's subscribers
type BroadcastMessage struct {
	ExecutionID string
	Message     []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.ExecutionID] == nil {
				h.clients[client.ExecutionID] = make(map[*Client]bool)
			}
			h.clients[client.ExecutionID][client] = true
			h.mu.Unlock()
			log.Printf("[Hub] client subscribed to execution %s", client.ExecutionID)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.ExecutionID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.ExecutionID)
					}
				}
			}
			h.mu.Unlock()
			log.Printf("[Hub] client left execution %s", client.ExecutionID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[msg.ExecutionID]; ok {
				for client := range clients {
					select {
					case client.Send <- msg.Message:
					default:
						// slow subscriber
						close(client.Send)
						delete(clients, client)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribers returns how many clients follow an execution
func (h *Hub) Subscribers(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[executionID])
}

// BroadcastProgress reports a transition of a live execution
func (h *Hub) BroadcastProgress(exec *model.Execution) {
	h.send(exec.ID, model.WSProgressMessage{
		Type:         model.WSMessageTypeProgress,
		ExecutionID:  exec.ID,
		State:        exec.State,
		StatusChecks: exec.StatusChecks,
		LastStatus:   exec.LastStatus,
	})
}

// BroadcastComplete reports a SUCCEEDED execution
func (h *Hub) BroadcastComplete(executionID string, result interface{}) {
	h.send(executionID, model.WSCompleteMessage{
		Type:        model.WSMessageTypeComplete,
		ExecutionID: executionID,
		Result:      result,
	})
}

// BroadcastError reports a FAILED or TIMED_OUT execution
func (h *Hub) BroadcastError(executionID string, code, message string) {
	h.send(executionID, model.WSErrorMessage{
		Type:        model.WSMessageTypeError,
		ExecutionID: executionID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

func (h *Hub) send(executionID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Hub] ✗ failed to marshal message for %s: %v", executionID, err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{ExecutionID: executionID, Message: data}:
	default:
		log.Printf("[Hub] ✗ broadcast buffer full, dropping update for %s", executionID)
	}
}

// HandleConnection serves one WebSocket subscriber until it disconnects
func (h *Hub) HandleConnection(c *websocket.Conn, executionID string) {
	client := &Client{
		ExecutionID: executionID,
		Conn:        c,
		Send:        make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] ✗ websocket error on %s: %v", executionID, err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			client.Send <- data
		}
	}
}
