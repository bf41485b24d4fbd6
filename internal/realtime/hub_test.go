package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mbd888/bazaar/internal/auth"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func newClient(h *Hub, userID string, admin bool) *Client {
	return &Client{hub: h, send: make(chan []byte, 256), userID: userID, admin: admin}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_Recipient(t *testing.T) {
	h := testHub()
	buyer := newClient(h, "buyer-1", false)
	other := newClient(h, "buyer-2", false)

	event := &Event{Type: "escrow_finalized", Recipients: []string{"buyer-1", "vendor-1"}}
	if !h.shouldSend(buyer, event) {
		t.Error("recipient should receive event")
	}
	if h.shouldSend(other, event) {
		t.Error("non-recipient should NOT receive event")
	}
}

func TestShouldSend_AdminSeesDisputes(t *testing.T) {
	h := testHub()
	admin := newClient(h, "admin-1", true)

	if !h.shouldSend(admin, &Event{Type: "dispute_opened", Recipients: []string{"buyer-1"}}) {
		t.Error("admin should receive dispute events")
	}
	if h.shouldSend(admin, &Event{Type: "order_created", Recipients: []string{"buyer-1"}}) {
		t.Error("admin should NOT receive other users' order events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := newClient(h, "buyer-1", false)
	client.sub = Subscription{EventTypes: []EventType{"dispute_message"}}

	recipients := []string{"buyer-1"}
	if !h.shouldSend(client, &Event{Type: "dispute_message", Recipients: recipients}) {
		t.Error("should receive subscribed type")
	}
	if h.shouldSend(client, &Event{Type: "escrow_extended", Recipients: recipients}) {
		t.Error("should NOT receive unsubscribed type")
	}
}

// ---------------------------------------------------------------------------
// Hub loop
// ---------------------------------------------------------------------------

func TestHub_Stats(t *testing.T) {
	h := testHub()
	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("expected 0 events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	client := newClient(h, "buyer-1", false)

	h.register <- client
	waitFor(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 })
	if h.Stats()["peakClients"].(int64) != 1 {
		t.Errorf("expected peak 1, got %v", h.Stats()["peakClients"])
	}

	h.unregister <- client
	waitFor(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 })
	if h.Stats()["peakClients"].(int64) != 1 {
		t.Errorf("expected peak still 1, got %v", h.Stats()["peakClients"])
	}
}

func TestHub_PublishReachesOnlyRecipients(t *testing.T) {
	h := runHub(t)
	buyer := newClient(h, "buyer-1", false)
	stranger := newClient(h, "buyer-2", false)
	h.register <- buyer
	h.register <- stranger

	h.Publish("order_created", []string{"buyer-1", "vendor-1"}, map[string]string{"orderId": "ord_1"})

	select {
	case msg := <-buyer.send:
		var got struct {
			Type       string            `json:"type"`
			Data       map[string]string `json:"data"`
			Recipients []string          `json:"recipients"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if got.Type != "order_created" || got.Data["orderId"] != "ord_1" {
			t.Errorf("unexpected event %s", msg)
		}
		if got.Recipients != nil {
			t.Error("recipients must not be serialized")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case msg := <-stranger.send:
		t.Errorf("stranger received %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}

// ---------------------------------------------------------------------------
// WebSocket endpoint
// ---------------------------------------------------------------------------

func streamServer(h *Hub) *httptest.Server {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/stream", func(c *gin.Context) {
		if user := c.Query("user"); user != "" {
			c.Set(auth.ContextKeyClaims, &auth.Claims{Role: auth.RoleUser})
			c.Set(auth.ContextKeyUserID, user)
		}
	}, h.HandleStream)
	return httptest.NewServer(r)
}

func TestHandleStream_RequiresUser(t *testing.T) {
	h := runHub(t)
	srv := streamServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandleStream_DeliversEvents(t *testing.T) {
	h := runHub(t)
	srv := streamServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?user=buyer-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 })
	h.Publish("escrow_finalized", []string{"buyer-1"}, map[string]string{"escrowId": "esc_1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"escrow_finalized"`) {
		t.Errorf("unexpected message %s", msg)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
