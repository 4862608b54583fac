// Package gateway implements the chat gateway core: a WebSocket hub with
// bounded per-client queues and the moderation-stamped broadcaster bridging
// the ingest stream to clients and the firehose.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/itsDarianNgo/Chatter/internal/observe"
)

// Hub defaults.
const (
	// DefaultClientQueue bounds each client's outbound queue. When full the
	// oldest frames are evicted so upstream consumption never blocks.
	DefaultClientQueue = 256

	// DefaultSubscribeTimeout is how long a client may wait before sending
	// its subscribe frame; after that it is subscribed to the default room.
	DefaultSubscribeTimeout = 10 * time.Second

	// writeTimeout bounds a single frame write to one client.
	writeTimeout = 5 * time.Second
)

var errInvalidSubscribe = errors.New("gateway: invalid subscribe frame")

// subscribeFrame is the first client frame on a new connection.
type subscribeFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// subscribedFrame acknowledges a subscription.
type subscribedFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// ClientStats is a point-in-time snapshot of one connection's counters.
type ClientStats struct {
	RoomID  string `json:"room_id"`
	Queued  int    `json:"queued"`
	Sent    int64  `json:"sent"`
	Dropped int64  `json:"dropped"`
}

// Client is one WebSocket subscriber. Frames queue through a bounded FIFO;
// a full queue evicts oldest-first and bumps the dropped counter.
type Client struct {
	roomID string
	conn   *websocket.Conn

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	notify chan struct{}

	maxQueue int
	sent     atomic.Int64
	dropped  atomic.Int64
}

func newClient(roomID string, conn *websocket.Conn, maxQueue int) *Client {
	return &Client{
		roomID:   roomID,
		conn:     conn,
		notify:   make(chan struct{}, 1),
		maxQueue: maxQueue,
	}
}

// enqueue adds payload to the outbound queue, evicting the oldest frame
// when full. Never blocks.
func (c *Client) enqueue(payload []byte, m *observe.Metrics) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= c.maxQueue {
		c.queue = c.queue[1:]
		c.dropped.Add(1)
		if m != nil {
			m.FramesDropped.Add(context.Background(), 1)
		}
	}
	c.queue = append(c.queue, payload)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.queue
	c.queue = nil
	return batch
}

func (c *Client) close() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
}

// Stats snapshots the connection counters.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	return ClientStats{
		RoomID:  c.roomID,
		Queued:  queued,
		Sent:    c.sent.Load(),
		Dropped: c.dropped.Load(),
	}
}

// Hub tracks subscribed clients per room and fans broadcast frames out to
// them. Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	metrics *observe.Metrics
	log     *slog.Logger

	defaultRoom      string
	maxQueue         int
	subscribeTimeout time.Duration
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithQueueSize overrides the per-client queue bound.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxQueue = n
		}
	}
}

// WithSubscribeTimeout overrides the subscribe frame deadline.
func WithSubscribeTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.subscribeTimeout = d
		}
	}
}

// WithHubLogger sets the logger. Defaults to [slog.Default].
func WithHubLogger(log *slog.Logger) HubOption {
	return func(h *Hub) {
		h.log = log
	}
}

// NewHub builds a hub. Clients that never send a subscribe frame fall back
// to defaultRoom.
func NewHub(defaultRoom string, metrics *observe.Metrics, opts ...HubOption) *Hub {
	h := &Hub{
		rooms:            make(map[string]map[*Client]struct{}),
		metrics:          metrics,
		log:              slog.Default(),
		defaultRoom:      defaultRoom,
		maxQueue:         DefaultClientQueue,
		subscribeTimeout: DefaultSubscribeTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	room := h.rooms[c.roomID]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[c.roomID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ActiveClients.Add(context.Background(), 1)
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if room := h.rooms[c.roomID]; room != nil {
		if _, ok := room[c]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, c.roomID)
			}
			if h.metrics != nil {
				h.metrics.ActiveClients.Add(context.Background(), -1)
			}
		}
	}
	h.mu.Unlock()
	c.close()
}

// Broadcast queues payload for every client subscribed to roomID. Never
// blocks on slow clients.
func (h *Hub) Broadcast(roomID string, payload []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(payload, h.metrics)
	}
}

// ClientCount reports the number of connected clients across all rooms.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// Connections snapshots per-connection counters for /stats.
func (h *Hub) Connections() []ClientStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := []ClientStats{}
	for _, room := range h.rooms {
		for c := range room {
			out = append(out, c.Stats())
		}
	}
	return out
}

// ServeWS upgrades the request and runs the connection until the client
// disconnects or ctx ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Debug("websocket accept failed", "error", err)
		return
	}

	ctx := r.Context()
	roomID, err := h.awaitSubscribe(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "invalid subscribe frame")
		return
	}

	ack, _ := json.Marshal(subscribedFrame{Type: "subscribed", RoomID: roomID})
	if err := writeFrame(ctx, conn, ack); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe ack failed")
		return
	}

	c := newClient(roomID, conn, h.maxQueue)
	h.register(c)
	defer h.unregister(c)
	h.log.Info("client subscribed", "room_id", roomID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		// the read loop only detects disconnects; clients send nothing
		// after subscribing
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	h.writeLoop(ctx, c)
	conn.Close(websocket.StatusNormalClosure, "")
}

// awaitSubscribe reads the subscribe frame, falling back to the default
// room when the client stays silent past the timeout.
func (h *Hub) awaitSubscribe(ctx context.Context, conn *websocket.Conn) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, h.subscribeTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// only a silent client earns the default room; a broken read or a
		// closed connection is an error
		if errors.Is(readCtx.Err(), context.DeadlineExceeded) {
			return h.defaultRoom, nil
		}
		return "", err
	}

	var frame subscribeFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "subscribe" || frame.RoomID == "" {
		return "", errInvalidSubscribe
	}
	return frame.RoomID, nil
}

func (h *Hub) writeLoop(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		}
		for _, payload := range c.drain() {
			if err := writeFrame(ctx, c.conn, payload); err != nil {
				return
			}
			c.sent.Add(1)
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
