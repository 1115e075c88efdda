package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quizdeck/accountsync/internal/usersync"
)

func TestHubPrimesNewSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Publish(usersync.Progress{Job: "kintone-users", Batch: 1})

	events, cancel := hub.Subscribe()
	defer cancel()
	select {
	case got := <-events:
		if got.Batch != 1 {
			t.Fatalf("expected primed batch 1, got %+v", got)
		}
	default:
		t.Fatalf("expected the last event to be replayed")
	}

	hub.Publish(usersync.Progress{Job: "kintone-users", Batch: 2, Done: true})
	if got := <-events; got.Batch != 2 || !got.Done {
		t.Fatalf("unexpected event: %+v", got)
	}

	cancel()
	cancel()
	if hub.subscriberCount() != 0 {
		t.Fatalf("expected subscriber to be removed")
	}
}

func TestHubDropsEventsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			hub.Publish(usersync.Progress{Batch: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if len(events) != subscriberBuffer {
		t.Fatalf("expected buffer to be full, got %d", len(events))
	}
}

func TestSyncEventsWebsocket(t *testing.T) {
	hub := NewHub()
	server := newTestServer(t, &fakeEngine{}, ServerConfig{Hub: hub})
	ts := httptest.NewServer(server)
	defer ts.Close()

	token := mustTestJWT(t, "dev-secret", "ops", []string{"sync:read"}, testNow.Add(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/events?access_token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.subscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(usersync.Progress{Job: "kintone-users", Batch: 3, Cursor: "300", HasMore: true})
	var got usersync.Progress
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Batch != 3 || got.Cursor != "300" || !got.HasMore {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestSyncEventsRequiresToken(t *testing.T) {
	server := newTestServer(t, &fakeEngine{}, ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/sync/events"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
