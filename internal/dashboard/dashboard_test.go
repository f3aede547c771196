package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/repcue/localsync/internal/queue"
	"github.com/repcue/localsync/internal/syncer"
)

func startServer(t *testing.T, config *Config) *Server {
	t.Helper()
	server := NewServer(config)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, read(t, ctx, conn)
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", health["status"])
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t, &Config{Port: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	for i := 0; i < numClients; i++ {
		welcome := func() Message { _, m := dial(t, ctx, server); return m }()
		if welcome.Type != MessageTypeStats {
			t.Errorf("client %d welcome type = %s, want %s", i, welcome.Type, MessageTypeStats)
		}
	}

	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

func TestHandlerBroadcastsEvents(t *testing.T) {
	server := startServer(t, &Config{Port: 0})
	handler := NewHandler(server, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	handler.Notify(syncer.Event{Type: syncer.EventDelivered, Kind: "exercise", Count: 3})

	msg := read(t, ctx, conn)
	if msg.Type != MessageTypeSyncEvent {
		t.Fatalf("Expected message type %s, got %s", MessageTypeSyncEvent, msg.Type)
	}
	var e syncer.Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	if e.Type != syncer.EventDelivered || e.Kind != "exercise" || e.Count != 3 {
		t.Errorf("event = %+v", e)
	}
	if e.At.IsZero() {
		t.Error("event timestamp should be set")
	}
}

func TestHandlerStats(t *testing.T) {
	server := startServer(t, &Config{Port: 0})
	handler := NewHandler(server, nil)

	handler.Notify(syncer.Event{Type: syncer.EventDelivered, Count: 2})
	handler.Notify(syncer.Event{Type: syncer.EventConflict, ID: "a"})
	handler.Notify(syncer.Event{Type: syncer.EventError, Error: "boom"})
	handler.Notify(syncer.Event{Type: syncer.EventRejected, ID: "b", Error: "rejected", ActionRequired: true})
	handler.OnQueueStats(queue.Stats{Total: 4, Pending: 3, Failed: 1})

	stats := handler.Stats()
	if stats.Delivered != 2 || stats.Conflicts != 1 || stats.Errors != 1 || stats.Rejected != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ActionRequired != 1 {
		t.Errorf("action required = %d, want 1", stats.ActionRequired)
	}
	if stats.Queue.Total != 4 {
		t.Errorf("queue total = %d, want 4", stats.Queue.Total)
	}
	if stats.LastEventAt == nil {
		t.Error("LastEventAt should be set")
	}

	// New clients start from the current totals.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Earlier broadcasts may still be in flight, so skip to the first stats.
	conn, welcome := dial(t, ctx, server)
	for welcome.Type != MessageTypeStats {
		welcome = read(t, ctx, conn)
	}
	var got StatsData
	if err := json.Unmarshal(welcome.Data, &got); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if got.Delivered != 2 || got.Queue.Failed != 1 {
		t.Errorf("welcome stats = %+v", got)
	}
}

func TestHandlerSyncComplete(t *testing.T) {
	server := startServer(t, &Config{Port: 0})
	handler := NewHandler(server, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	report := syncer.Report{
		Scan:    syncer.ScanReport{Enqueued: 2},
		Deliver: syncer.DeliverReport{Delivered: 2},
	}
	handler.OnSyncComplete(report, 40*time.Millisecond, nil)

	msg := read(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncComplete, msg.Type)
	}
	var data SyncCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Enqueued != 2 || data.Delivered != 2 || data.Error != "" {
		t.Errorf("summary = %+v", data)
	}
	if msg := read(t, ctx, conn); msg.Type != MessageTypeStats {
		t.Errorf("Expected stats after summary, got %s", msg.Type)
	}
	if handler.Stats().LastSyncedAt == nil {
		t.Error("LastSyncedAt should be set after a clean pass")
	}

	handler.OnSyncComplete(syncer.Report{}, time.Millisecond, errors.New("offline"))
	msg = read(t, ctx, conn)
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Error != "offline" {
		t.Errorf("summary error = %q", data.Error)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	server := startServer(t, &Config{Port: 0, Gatherer: reg})

	resp, err := http.Get("http://" + server.GetAddr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "dashboard_test_total 1") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}
}
