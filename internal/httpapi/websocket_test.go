package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imld/daemon/internal/eventbus"
	"github.com/imld/daemon/internal/logging"
)

func TestEventStreamForwardsMatchingEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	s := &Server{Bus: bus, Logger: logging.NoOpLogger{}}
	s.NewRouter()

	httpSrv := httptest.NewServer(s.router)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/events?topic=plan/*/completed"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to complete its Subscribe call before publishing.
	time.Sleep(50 * time.Millisecond)
	if err := bus.Publish(context.Background(), &eventbus.UniversalEvent{ID: "e1", Topic: "plan/p1/completed"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var evt eventbus.UniversalEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.ID != "e1" {
		t.Errorf("received event id = %q, want e1", evt.ID)
	}
}

func TestEventStreamReturns503WithoutBus(t *testing.T) {
	s := &Server{Logger: logging.NoOpLogger{}}
	s.NewRouter()

	httpSrv := httptest.NewServer(s.router)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the dial to fail when no event bus is configured")
	}
	if resp != nil && resp.StatusCode != 503 {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
