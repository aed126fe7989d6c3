package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/stormcloud/internal/domain"
	"github.com/ashureev/stormcloud/internal/identity"
)

func TestHubPublishToAccountOnly(t *testing.T) {
	hub := NewHub()
	_, a := hub.Register("acct-a", &websocket.Conn{})
	_, b := hub.Register("acct-b", &websocket.Conn{})

	if n := hub.Publish("acct-a", Event{Type: EventExecutionCompleted}); n != 1 {
		t.Fatalf("Publish() delivered %d, want 1", n)
	}

	select {
	case ev := <-a:
		if ev.Type != EventExecutionCompleted || ev.Timestamp.IsZero() {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("acct-a did not receive the event")
	}
	select {
	case ev := <-b:
		t.Fatalf("acct-b received %+v", ev)
	default:
	}
}

func TestHubUnregisterClosesQueue(t *testing.T) {
	hub := NewHub()
	id, ch := hub.Register("acct", &websocket.Conn{})
	hub.Unregister("acct", id)
	hub.Unregister("acct", id)

	if _, ok := <-ch; ok {
		t.Fatal("queue still open after Unregister")
	}
	if hub.Count("acct") != 0 {
		t.Fatalf("Count() = %d, want 0", hub.Count("acct"))
	}
	if n := hub.Publish("acct", Event{Type: EventVibeCompleted}); n != 0 {
		t.Fatalf("Publish() after unregister delivered %d", n)
	}
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	hub := NewHub()
	hub.Register("acct", &websocket.Conn{})

	for i := 0; i < sendBuffer; i++ {
		if n := hub.Publish("acct", Event{Type: EventVibeCompleted}); n != 1 {
			t.Fatalf("Publish(%d) delivered %d", i, n)
		}
	}
	if n := hub.Publish("acct", Event{Type: EventVibeCompleted}); n != 0 {
		t.Fatalf("Publish() on full queue delivered %d, want 0", n)
	}
}

func TestHubConcurrentAccess(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id, _ := hub.Register("acct", &websocket.Conn{})
			hub.Unregister("acct", id)
		}()
		go func() {
			defer wg.Done()
			hub.Publish("acct", Event{Type: EventExecutionCompleted})
		}()
	}
	wg.Wait()
	if hub.Count("acct") != 0 {
		t.Fatalf("Count() = %d, want 0", hub.Count("acct"))
	}
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	account := &domain.Account{ID: "acct-ws"}
	h := NewHandler(hub, "*", true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(identity.WithAccount(r.Context(), account)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitForSubscribers(t *testing.T, hub *Hub, accountID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count(accountID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("Count(%s) = %d, want %d", accountID, hub.Count(accountID), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerDeliversEvents(t *testing.T) {
	hub := NewHub()
	srv := newTestServer(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForSubscribers(t, hub, "acct-ws", 1)
	hub.Publish("acct-ws", Event{Type: EventVibeCompleted, Data: map[string]string{"provider": "mock"}})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var got struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Type != EventVibeCompleted || got.Data["provider"] != "mock" {
		t.Fatalf("event = %+v", got)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Write(ping) error = %v", err)
	}
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read(pong) error = %v", err)
	}
	if !strings.Contains(string(data), `"pong"`) {
		t.Fatalf("pong = %s", data)
	}

	conn.Close(websocket.StatusNormalClosure, "done")
	waitForSubscribers(t, hub, "acct-ws", 0)
}

func TestCloseAccountEndsStreams(t *testing.T) {
	hub := NewHub()
	srv := newTestServer(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	waitForSubscribers(t, hub, "acct-ws", 1)
	hub.CloseAccount("acct-ws")

	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("Read() error = %v, want normal closure", err)
	}
	waitForSubscribers(t, hub, "acct-ws", 0)
}

func TestHandlerRequiresAccount(t *testing.T) {
	h := NewHandler(NewHub(), "*", true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/events", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandlerRejectsForeignOrigin(t *testing.T) {
	h := NewHandler(NewHub(), "https://app.example.com", false)
	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	req.Header.Set("Origin", "https://evil.example")
	req = req.WithContext(identity.WithAccount(req.Context(), &domain.Account{ID: "a"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
