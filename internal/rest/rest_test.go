package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/klingon-lp/internal/swap"
)

type fakeRoutes struct{}

func (fakeRoutes) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/fake/echo", func(c *gin.Context) {
		swap.WriteOK(c, gin.H{"ok": "1"})
	})
}

func newServer(t *testing.T, info InfoFunc) (*Server, *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub()
	go hub.Run(ctx)
	return NewServer(hub, info, fakeRoutes{}), hub
}

func decode(t *testing.T, w *httptest.ResponseRecorder) swap.Response {
	t.Helper()
	var resp swap.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestInfo(t *testing.T) {
	s, _ := newServer(t, func(context.Context) (interface{}, error) {
		return map[string]string{"address": "0x11"}, nil
	})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/info", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decode(t, w); resp.Code != swap.CodeOK {
		t.Errorf("code = %d, want %d", resp.Code, swap.CodeOK)
	}
	if _, err := uuid.Parse(w.Header().Get(RequestIDHeader)); err != nil {
		t.Errorf("request id %q is not a uuid", w.Header().Get(RequestIDHeader))
	}
}

func TestRequestIDEchoed(t *testing.T) {
	s, _ := newServer(t, func(context.Context) (interface{}, error) { return nil, nil })
	id := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	req.Header.Set(RequestIDHeader, id)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != id {
		t.Errorf("request id = %q, want %q", got, id)
	}
}

func TestInfoError(t *testing.T) {
	s, _ := newServer(t, func(context.Context) (interface{}, error) {
		return nil, swap.Reject(swap.CodeUnsupported, "not ready")
	})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/info", nil))

	resp := decode(t, w)
	if w.Code != http.StatusBadRequest || resp.Code != swap.CodeUnsupported || resp.Msg != "not ready" {
		t.Errorf("status=%d resp=%+v", w.Code, resp)
	}
}

func TestHandlerRoutes(t *testing.T) {
	s, _ := newServer(t, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fake/echo", strings.NewReader("{}")))
	if w.Code != http.StatusOK || decode(t, w).Code != swap.CodeOK {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/fake/echo", nil)
	req.Header.Set("Origin", "https://wallet.example")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://wallet.example" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	s, hub := newServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(swap.EventSwapState, swap.StateChange{
		Direction:   swap.DirectionToBtc,
		PaymentHash: "ab",
		State:       "1",
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type string           `json:"type"`
		Data swap.StateChange `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != swap.EventSwapState || ev.Data.Direction != swap.DirectionToBtc || ev.Data.State != "1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestSubscriptionFilter(t *testing.T) {
	c := &client{subscriptions: make(map[string]bool)}
	if !c.subscribed("anything") {
		t.Error("client without subscriptions should receive everything")
	}

	c.handleSubscription(&Subscription{Action: "subscribe", Events: []string{swap.EventSwapState}})
	if !c.subscribed(swap.EventSwapState) || c.subscribed("other") {
		t.Error("subscription filter not applied")
	}

	c.handleSubscription(&Subscription{Action: "unsubscribe", Events: []string{swap.EventSwapState}})
	if !c.subscribed("other") {
		t.Error("unsubscribing everything should receive everything again")
	}
}
