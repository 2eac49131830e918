package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard origin varies by deployment; auth is StreamAuthMiddleware's token query param
	},
}

// Hub maintains the set of active websocket clients and fans out detected
// orders to all of them as they're found, for a live dashboard feed. Each
// client is tagged with a random ID at connect time so log lines about a
// given connection can be correlated across connect/disconnect/drop.
type Hub struct {
	clients   map[*websocket.Conn]string
	broadcast chan []byte
	mutex     sync.Mutex
	log       zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]string),
		log:       log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run drains the broadcast channel and fans each message out to every
// connected client, dropping any client whose write fails or blocks past
// its deadline.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client, id := range h.clients {
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Warn().Err(err).Str("client_id", id).Msg("websocket write failed, dropping client")
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades an incoming request and registers it as a broadcast
// recipient. The read loop exists only to detect client disconnects.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	id := uuid.NewString()

	h.mutex.Lock()
	h.clients[conn] = id
	n := len(h.clients)
	h.mutex.Unlock()
	h.log.Info().Str("client_id", id).Int("clients", n).Msg("stream client connected")

	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			n := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			h.log.Info().Str("client_id", id).Int("clients", n).Msg("stream client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Debug().Err(err).Str("client_id", id).Msg("websocket read error")
				}
				break
			}
		}
	}()
}

// Broadcast enqueues a JSON payload for delivery to every connected client.
func (h *Hub) Broadcast(data []byte) {
	h.broadcast <- data
}
