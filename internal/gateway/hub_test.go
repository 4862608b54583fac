package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestClientQueueDropsOldest(t *testing.T) {
	t.Parallel()

	c := newClient("room:demo", nil, 3)
	for i := 0; i < 5; i++ {
		c.enqueue([]byte(strconv.Itoa(i)), nil)
	}

	batch := c.drain()
	if len(batch) != 3 {
		t.Fatalf("queue length = %d, want 3", len(batch))
	}
	// 0 and 1 evicted
	for i, want := range []string{"2", "3", "4"} {
		if string(batch[i]) != want {
			t.Errorf("batch[%d] = %q, want %q", i, batch[i], want)
		}
	}
	if got := c.Stats().Dropped; got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

func TestClientEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	c := newClient("room:demo", nil, 3)
	c.close()
	c.enqueue([]byte("late"), nil)
	if got := c.drain(); len(got) != 0 {
		t.Errorf("closed client queued %d frames", len(got))
	}
}

func TestHubBroadcastRoomScoped(t *testing.T) {
	t.Parallel()

	h := NewHub("room:demo", nil)
	demo := newClient("room:demo", nil, 8)
	other := newClient("room:other", nil, 8)
	h.register(demo)
	h.register(other)

	h.Broadcast("room:demo", []byte("hello"))

	if got := demo.drain(); len(got) != 1 || string(got[0]) != "hello" {
		t.Errorf("demo client queue = %v", got)
	}
	if got := other.drain(); len(got) != 0 {
		t.Errorf("other-room client received %d frames", len(got))
	}
}

func TestHubUnregister(t *testing.T) {
	t.Parallel()

	h := NewHub("room:demo", nil)
	c := newClient("room:demo", nil, 8)
	h.register(c)
	if h.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", h.ClientCount())
	}

	h.unregister(c)
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after unregister, want 0", h.ClientCount())
	}
	h.unregister(c) // idempotent

	h.Broadcast("room:demo", []byte("gone"))
	if got := c.drain(); len(got) != 0 {
		t.Errorf("unregistered client received %d frames", len(got))
	}
}

func TestHubConnectionsSnapshot(t *testing.T) {
	t.Parallel()

	h := NewHub("room:demo", nil)
	c := newClient("room:demo", nil, 8)
	h.register(c)
	c.enqueue([]byte("x"), nil)

	conns := h.Connections()
	if len(conns) != 1 {
		t.Fatalf("Connections() returned %d, want 1", len(conns))
	}
	if conns[0].RoomID != "room:demo" || conns[0].Queued != 1 {
		t.Errorf("snapshot = %+v", conns[0])
	}
}

func TestServeWSSubscribeAndReceive(t *testing.T) {
	t.Parallel()

	h := NewHub("room:demo", nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[4:], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, _ := json.Marshal(subscribeFrame{Type: "subscribe", RoomID: "room:live"})
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	_, ackRaw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack subscribedFrame
	if err := json.Unmarshal(ackRaw, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Type != "subscribed" || ack.RoomID != "room:live" {
		t.Fatalf("ack = %+v", ack)
	}

	// wait for registration, then broadcast
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.Broadcast("room:live", []byte(`{"content":"hi"}`))

	_, frame, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if string(frame) != `{"content":"hi"}` {
		t.Errorf("frame = %s", frame)
	}
}

func TestServeWSSilentClientGetsDefaultRoom(t *testing.T) {
	t.Parallel()

	h := NewHub("room:demo", nil, WithSubscribeTimeout(100*time.Millisecond))
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[4:], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// no subscribe frame sent; the deadline expiring subscribes us anyway
	_, ackRaw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack subscribedFrame
	if err := json.Unmarshal(ackRaw, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Type != "subscribed" || ack.RoomID != "room:demo" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestServeWSClosedBeforeSubscribeDoesNotRegister(t *testing.T) {
	t.Parallel()

	h := NewHub("room:demo", nil, WithSubscribeTimeout(5*time.Second))
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[4:], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// closing before the subscribe frame is a failed handshake, not a
	// silent client, so no default-room subscription happens
	conn.Close(websocket.StatusGoingAway, "leaving")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if h.ClientCount() != 0 {
			t.Fatalf("ClientCount = %d, want 0", h.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeWSInvalidSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub("room:demo", nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[4:], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// server closes the connection on a bad subscribe frame
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected close after invalid subscribe")
	}
}
