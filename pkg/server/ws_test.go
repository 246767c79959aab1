package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fishbowl-sh/fishbowl/pkg/queue"
	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

func dialWS(t *testing.T, e *testEnv) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

// waitRegistered blocks until the hub sees the client; the init frame is
// written before registration, so a broadcast right after dial could
// otherwise race past the new connection.
func waitRegistered(t *testing.T, e *testEnv) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.srv.hub.Count() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("websocket client never registered")
}

func TestWebSocketInitAndEvents(t *testing.T) {
	e := newTestEnv(t)
	e.queue.Request(types.CategoryNetwork, "CONNECT a.com:443", "", "", nil)

	conn := dialWS(t, e)

	msg := readFrame(t, conn)
	if msg.Type != "init" {
		t.Fatalf("first frame = %q, want init", msg.Type)
	}
	var init struct {
		Pending []queue.Request `json:"pending"`
	}
	if err := json.Unmarshal(msg.Data, &init); err != nil || len(init.Pending) != 1 {
		t.Fatalf("init data = %s", msg.Data)
	}
	waitRegistered(t, e)

	// New requests and resolutions are relayed as they happen.
	id, _ := e.queue.Request(types.CategoryGit, "push main", "", "", nil)
	msg = readFrame(t, conn)
	if msg.Type != "request" {
		t.Fatalf("frame = %q, want request", msg.Type)
	}

	e.queue.Approve(id, "cli")
	msg = readFrame(t, conn)
	if msg.Type != "resolve" {
		t.Fatalf("frame = %q, want resolve", msg.Type)
	}
	var resolved queue.Request
	if err := json.Unmarshal(msg.Data, &resolved); err != nil || resolved.Status != types.StatusApproved {
		t.Errorf("resolve data = %s", msg.Data)
	}
}

func TestCloseAllBroadcastsShutdownReason(t *testing.T) {
	e := newTestEnv(t)
	conn := dialWS(t, e)
	readFrame(t, conn) // init
	waitRegistered(t, e)

	e.srv.Hub().CloseAll("max uptime reached")

	msg := readFrame(t, conn)
	if msg.Type != "shutdown" {
		t.Fatalf("frame = %q, want shutdown", msg.Type)
	}
	var data struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.Reason != "max uptime reached" {
		t.Errorf("shutdown data = %s", msg.Data)
	}
}

func TestWebSocketApproveCommand(t *testing.T) {
	e := newTestEnv(t)
	conn := dialWS(t, e)
	readFrame(t, conn) // init
	waitRegistered(t, e)

	id, waiter := e.queue.Request(types.CategoryNetwork, "CONNECT a.com:443", "", "", nil)
	readFrame(t, conn) // request event

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frame, _ := json.Marshal(wsCommand{Type: "approve", ID: id})
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatal(err)
	}

	select {
	case approved := <-waiter:
		if !approved {
			t.Error("waiter signaled false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approve command never resolved the request")
	}
	if r := e.queue.Get(id); r.ResolvedBy != types.ResolvedByWeb {
		t.Errorf("resolvedBy = %q", r.ResolvedBy)
	}
}
