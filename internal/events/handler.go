package events

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvance/mailroost/internal/db"
)

// Handler serves the WebSocket endpoint that streams sync events.
type Handler struct {
	pool *pgxpool.Pool
	hub  *Hub
}

// NewHandler creates a WebSocket handler bound to the hub.
func NewHandler(pool *pgxpool.Pool, hub *Hub) *Handler {
	return &Handler{pool: pool, hub: hub}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// This server is expected to run behind a reverse proxy in a
		// trusted environment.
		return true
	},
}

// Handle upgrades the connection and registers it for the user named by the
// user query parameter. The socket is write-only from the server side; the
// read loop only detects disconnects.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("user")
	if email == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	userID, err := db.GetOrCreateUser(r.Context(), h.pool, email)
	if err != nil {
		log.Printf("events: failed to resolve user %s: %v", email, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: failed to upgrade connection for user %s: %v", userID, err)
		return
	}

	client := h.hub.Register(userID, conn)
	if client == nil {
		return
	}

	go h.readLoop(userID, client)
}

// readLoop drains the socket until it closes, then unregisters the client.
func (h *Handler) readLoop(userID string, client *Client) {
	conn := client.Conn()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(userID, client)
}
