package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBroadcastDeliversEventToConnectedClient(t *testing.T) {
	s := NewServer(&fakeCore{})

	ts := httptest.NewServer(http.HandlerFunc(s.handleWS))
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the connection before broadcasting.
	time.Sleep(20 * time.Millisecond)
	s.Broadcast(map[string]string{"swap_id": "swap-1", "phase": "both_funded"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got map[string]string
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got["swap_id"] != "swap-1" || got["phase"] != "both_funded" {
		t.Errorf("got %+v", got)
	}
}
