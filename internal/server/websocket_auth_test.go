package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"vttsync/internal/rowstore"
	"vttsync/internal/rowstore/memory"
)

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) rowstore.Event {
	t.Helper()
	var ev rowstore.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func postRow(t *testing.T, srv *httptest.Server, table, id, data string) {
	t.Helper()
	body, _ := json.Marshal(InsertRequest{ID: id, Data: json.RawMessage(data)})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/tables/"+table+"/rows", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "p1")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post row: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post row: status %d", resp.StatusCode)
	}
}

func TestFeedStreamsFilteredEvents(t *testing.T) {
	app := newTestServer(t, testConfig())
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/tables/tokens?map_id=m1&user_id=p1&role=player"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if ev := readEvent(t, ctx, conn); ev.Type != rowstore.EventSubscribed {
		t.Fatalf("expected subscribed ack first, got %q", ev.Type)
	}

	postRow(t, srv, "tokens", "other", `{"map_id":"m2","owner_id":"p1"}`)
	postRow(t, srv, "tokens", "mine", `{"map_id":"m1","owner_id":"p1"}`)

	ev := readEvent(t, ctx, conn)
	if ev.Type != rowstore.EventInsert || ev.Row.ID != "mine" || ev.Row.Table != "tokens" {
		t.Fatalf("unexpected event %+v", ev)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tables/tokens/rows/mine", nil)
	req.Header.Set("X-User-ID", "p1")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()

	del := readEvent(t, ctx, conn)
	if del.Type != rowstore.EventDelete || del.Row.ID != "mine" || del.Row.Version <= ev.Row.Version {
		t.Fatalf("unexpected delete event %+v", del)
	}
}

func TestFeedRequiresIdentity(t *testing.T) {
	app := newTestServer(t, testConfig())
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"no identity", "/ws/tables/tokens", http.StatusUnauthorized},
		{"unknown table", "/ws/tables/spells?user_id=p1", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.Dial(ctx, wsURL(srv, tt.path), nil)
			if err == nil {
				t.Fatalf("expected dial to fail")
			}
			if resp == nil || resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected status %d, got %+v", tt.wantStatus, resp)
			}
		})
	}
}

func TestFeedClosesWhenServerCloses(t *testing.T) {
	app := New(testConfig(), memory.New())
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/tables/dice_rolls?user_id=p1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEvent(t, ctx, conn)

	if err := app.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var ev rowstore.Event
	err = wsjson.Read(ctx, conn, &ev)
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Fatalf("expected try-again-later close, got %v (%v)", got, err)
	}
}
