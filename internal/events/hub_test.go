package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/dvance/mailroost/internal/db"
	"github.com/dvance/mailroost/internal/testutil"
)

func TestHandlerAndHub(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	hub := NewHub(2)
	handler := NewHandler(pool, hub)

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer server.Close()

	wsURL := "ws" + server.URL[4:] + "?user=owner@example.com"

	// GetOrCreateUser is idempotent, so this matches what the handler resolves.
	userID, err := db.GetOrCreateUser(context.Background(), pool, "owner@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}

	// waitForConnections polls until the user has exactly want connections,
	// because registration happens asynchronously after the upgrade.
	waitForConnections := func(t *testing.T, want int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if hub.ActiveConnections(userID) == want {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("Expected %d connections, have %d", want, hub.ActiveConnections(userID))
	}

	t.Run("rejects connection without user", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:], nil)
		assert.Error(t, err)
		if resp != nil {
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		}
	})

	t.Run("delivers sync events to a connected client", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("Failed to connect: %v", err)
		}
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		waitForConnections(t, 1)

		hub.Broadcast(userID, SyncEvent{
			Type:      EventSyncCompleted,
			AccountID: "acct-1",
			Saved:     5,
		})

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		assert.NoError(t, err)

		var event SyncEvent
		assert.NoError(t, json.Unmarshal(payload, &event))
		assert.Equal(t, EventSyncCompleted, event.Type)
		assert.Equal(t, "acct-1", event.AccountID)
		assert.Equal(t, 5, event.Saved)
		assert.False(t, event.At.IsZero())
	})

	t.Run("disconnect unregisters the client", func(t *testing.T) {
		waitForConnections(t, 0)
	})

	t.Run("enforces the per-user connection limit", func(t *testing.T) {
		var conns []*websocket.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()

		for i := 0; i < 3; i++ {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				t.Fatalf("Failed to connect: %v", err)
			}
			conns = append(conns, conn)
		}

		// The third connection is rejected by the hub right after upgrade.
		waitForConnections(t, 2)
	})
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	hub := NewHub(10)

	// Broadcasting into the void must not panic or block.
	hub.Broadcast("nobody", SyncEvent{Type: EventSyncStarted, AccountID: "acct-1"})
	assert.Equal(t, 0, hub.ActiveConnections("nobody"))
}
