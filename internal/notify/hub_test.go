package notify

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anyan2/IdeaSystemXS/internal/queue"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	h := NewHub()
	conn := dial(t, h)
	waitClients(t, h, 1)

	h.Broadcast(queue.Event{Kind: queue.EventTaskFailed, TaskID: "t1", TaskType: storage.TaskEmbed, Error: "rejected"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var got queue.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decoding %s: %v", msg, err)
	}
	if got.Kind != queue.EventTaskFailed || got.TaskID != "t1" || got.TaskType != storage.TaskEmbed {
		t.Errorf("event = %+v", got)
	}
}

func TestClientRemovedOnClose(t *testing.T) {
	h := NewHub()
	conn := dial(t, h)
	waitClients(t, h, 1)
	conn.Close()
	waitClients(t, h, 0)
	h.Broadcast(queue.Event{Kind: queue.EventModeChanged, Mode: "offline"})
}
