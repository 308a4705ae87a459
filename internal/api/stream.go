package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"krw-autopilot/pkg/types"
)

// The dashboard stream carries two kinds of traffic with different loss
// semantics. Snapshots are absolute: the moment a newer one exists, every
// older one is garbage, so each connection holds a single latest-wins
// snapshot slot. Events are incremental: worth queueing briefly, never
// worth blocking a producer, so each connection gets a small bounded
// queue that sheds its oldest entry on overflow. A consumer that stops
// accepting writes altogether is detached.

const (
	// eventQueueLen bounds the per-connection event backlog. The UI only
	// renders the tail of the timeline; anything a slow client misses is
	// recoverable from the next snapshot's event ring.
	eventQueueLen = 64

	writeTimeout    = 5 * time.Second
	keepAlivePeriod = 30 * time.Second
	readIdleLimit   = 75 * time.Second
)

// Hub fans autopilot state out to connected dashboard clients.
type Hub struct {
	mu     sync.Mutex
	conns  map[*streamConn]struct{}
	logger *slog.Logger
}

type streamConn struct {
	ws     *websocket.Conn
	snap   chan []byte // capacity 1: latest snapshot wins
	events chan []byte // bounded: oldest dropped on overflow
	closed chan struct{}
	once   sync.Once
}

// NewHub creates an empty hub. Connections are attached per upgrade;
// there is no central loop to start.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[*streamConn]struct{}),
		logger: logger.With("component", "ws-hub"),
	}
}

// Attach adopts an upgraded connection and starts its read/write loops.
// initialSnapshot, when non-nil, is queued as the first frame so a fresh
// client renders without waiting for the next state change.
func (h *Hub) Attach(ws *websocket.Conn, initialSnapshot []byte) {
	c := &streamConn{
		ws:     ws,
		snap:   make(chan []byte, 1),
		events: make(chan []byte, eventQueueLen),
		closed: make(chan struct{}),
	}
	if initialSnapshot != nil {
		c.snap <- initialSnapshot
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("dashboard client attached", "count", n)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// detach closes the connection and forgets it. Safe to call from both
// loops; only the first call closes the socket.
func (h *Hub) detach(c *streamConn) {
	c.once.Do(func() {
		close(c.closed)
		c.ws.Close()
	})

	h.mu.Lock()
	_, known := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	if known {
		h.logger.Info("dashboard client detached", "count", n)
	}
}

// writeLoop drains the snapshot slot and event queue onto the socket and
// keeps the connection alive with pings. Any write failure detaches.
func (h *Hub) writeLoop(c *streamConn) {
	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()
	defer h.detach(c)

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.snap:
			if c.write(websocket.TextMessage, payload) != nil {
				return
			}
		case payload := <-c.events:
			if c.write(websocket.TextMessage, payload) != nil {
				return
			}
		case <-keepAlive.C:
			if c.write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

// readLoop exists only to notice the peer going away: the stream is
// read-only, so inbound frames are discarded and pongs refresh the idle
// deadline.
func (h *Hub) readLoop(c *streamConn) {
	defer h.detach(c)

	c.ws.SetReadLimit(1024)
	c.ws.SetReadDeadline(time.Now().Add(readIdleLimit))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readIdleLimit))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("dashboard client read error", "error", err)
			}
			return
		}
	}
}

func (c *streamConn) write(messageType int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, payload)
}

// BroadcastSnapshot replaces every connection's pending snapshot with the
// latest one. A client mid-write simply skips the superseded frame.
func (h *Hub) BroadcastSnapshot(state AutopilotState) {
	payload, err := marshalSnapshot(state)
	if err != nil {
		h.logger.Error("failed to marshal snapshot", "error", err)
		return
	}

	for _, c := range h.connections() {
		// Evict a stale pending snapshot, then offer the new one. Both
		// steps are non-blocking: the writer may be racing us.
		select {
		case <-c.snap:
		default:
		}
		select {
		case c.snap <- payload:
		default:
		}
	}
}

// BroadcastEvent appends one timeline event to every connection's queue,
// shedding the oldest queued event when a client has fallen behind.
func (h *Hub) BroadcastEvent(evt types.TimelineEvent) {
	payload, err := json.Marshal(StreamMessage{Type: "event", Timestamp: time.Now(), Event: &evt})
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	for _, c := range h.connections() {
		select {
		case c.events <- payload:
			continue
		default:
		}
		// Queue full: drop the oldest, then retry once. If the retry
		// loses another race the event is dropped; the next snapshot
		// carries the full ring anyway.
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- payload:
		default:
		}
	}
}

func (h *Hub) connections() []*streamConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*streamConn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func marshalSnapshot(state AutopilotState) ([]byte, error) {
	return json.Marshal(StreamMessage{Type: "snapshot", Timestamp: time.Now(), Snapshot: &state})
}
