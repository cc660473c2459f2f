package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/praybot/internal/bus"
	"github.com/nextlevelbuilder/praybot/internal/httpapi"
)

func startServer(t *testing.T, api *httpapi.Router) (*Server, *bus.Broker, string) {
	t.Helper()
	events := bus.NewBroker()
	s := NewServer(Config{}, events, api, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, start := StartTestServer(ctx, s)
	go start()

	waitFor(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	return s, events, addr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// TestServer_Health verifies the liveness endpoint shape.
func TestServer_Health(t *testing.T) {
	_, _, addr := startServer(t, nil)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if got := string(body); got != `{"status":"ok"}` {
		t.Errorf("body = %q, want ok status", got)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

// TestServer_EventStream verifies broadcast events arrive as JSON frames
// on /api/events.
func TestServer_EventStream(t *testing.T) {
	s, events, addr := startServer(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	waitFor(t, func() bool { return s.ClientCount() == 1 })

	events.Broadcast(bus.Event{
		Name:    bus.EventSessionDiscovered,
		Payload: bus.SessionPayload{Provider: "claude", SessionID: "sess-1"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}

	var got bus.Event
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if got.Name != bus.EventSessionDiscovered {
		t.Errorf("event name = %q, want %q", got.Name, bus.EventSessionDiscovered)
	}
}

// TestServer_ClientUnregisteredOnClose verifies a closed connection is
// removed from the client set and unsubscribed from the bus.
func TestServer_ClientUnregisteredOnClose(t *testing.T) {
	s, _, addr := startServer(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	waitFor(t, func() bool { return s.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return s.ClientCount() == 0 })
}

// TestServer_MountsAPIRouter verifies the hook router serves under "/".
func TestServer_MountsAPIRouter(t *testing.T) {
	api := httpapi.NewRouter()
	api.AddRoute(http.MethodGet, "/api/ping", func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"pong": "yes"})
	})
	_, _, addr := startServer(t, api)

	resp, err := http.Get("http://" + addr + "/api/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

// TestCheckOrigin verifies the browser-origin policy.
func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no allowlist admits all", nil, "https://evil.example", true},
		{"no origin header admits CLI", []string{"https://app.example"}, "", true},
		{"listed origin admitted", []string{"https://app.example"}, "https://app.example", true},
		{"unlisted origin rejected", []string{"https://app.example"}, "https://evil.example", false},
		{"wildcard admits all", []string{"*"}, "https://evil.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{AllowedOrigins: tt.allowed}, bus.NewBroker(), nil, nil)
			req, _ := http.NewRequest(http.MethodGet, "/api/events", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
