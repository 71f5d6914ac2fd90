package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/pkg/wire"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is how often pings are sent. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Attachments travel base64-encoded
	// inside user_message, so this is well above a plain chat message.
	maxMessageSize = 8 << 20
)

// outboundFrame is one encoded server message waiting in a client's queue.
// thread frames belong to the currently subscribed agent and are discarded
// wholesale when the subscription switches. pinned frames (history
// snapshots and throttle notices) are exempt from overflow dropping.
type outboundFrame struct {
	data    []byte
	history bool
	thread  bool
	pinned  bool
}

// Client is a single WebSocket subscriber. Events are staged in a bounded
// queue and written by a dedicated pump goroutine so a slow reader never
// blocks the rest of the daemon.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	logger *logger.Logger

	limit int

	mu               sync.Mutex
	queue            []outboundFrame
	agentID          string
	pendingHistories int
	throttled        bool
	closed           bool

	wake    chan struct{}
	closing chan struct{}
}

func newClient(id string, conn *websocket.Conn, hub *Hub, queueSize int, log *logger.Logger) *Client {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Client{
		ID:      id,
		conn:    conn,
		hub:     hub,
		logger:  log.WithFields(zap.String("subscriber_id", id)),
		limit:   queueSize,
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
}

// CurrentAgent returns the agent this client is subscribed to, or empty
// when the client has not attached to a thread yet.
func (c *Client) CurrentAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Attach switches the client to agentID, queueing the encoded ready and
// conversation_history frames ahead of everything else. Thread events still
// queued for the previous agent are discarded so the history snapshot is the
// first thread frame the client sees. Re-attaching to the same agent while a
// snapshot is already queued only refreshes the ready acknowledgement; the
// pending snapshot covers the replay.
func (c *Client) Attach(agentID string, ready, history []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.agentID == agentID && c.pendingHistories > 0 {
		c.queue = append(c.queue, outboundFrame{data: ready})
		c.mu.Unlock()
		c.signal()
		return
	}
	kept := make([]outboundFrame, 0, len(c.queue)+2)
	kept = append(kept,
		outboundFrame{data: ready},
		outboundFrame{data: history, history: true, thread: true, pinned: true},
	)
	for _, f := range c.queue {
		if f.thread || f.history {
			continue
		}
		kept = append(kept, f)
	}
	c.queue = kept
	c.agentID = agentID
	c.pendingHistories = 1
	c.throttled = false
	c.mu.Unlock()
	c.signal()
}

// EnqueueThread queues a conversation event if the client is currently
// subscribed to agentID. The check happens under the queue lock so a
// concurrent Attach cannot leak events from the old thread past the new
// history snapshot.
func (c *Client) EnqueueThread(agentID string, data []byte) {
	c.mu.Lock()
	if c.closed || c.agentID != agentID {
		c.mu.Unlock()
		return
	}
	c.enqueueLocked(outboundFrame{data: data, thread: true})
	c.mu.Unlock()
	c.signal()
}

// EnqueueControl queues a frame that is independent of the thread
// subscription: RPC responses, status broadcasts, errors, pongs.
func (c *Client) EnqueueControl(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.enqueueLocked(outboundFrame{data: data})
	c.mu.Unlock()
	c.signal()
}

func (c *Client) enqueueLocked(f outboundFrame) {
	for len(c.queue) >= c.limit {
		if !c.dropOldestLocked() {
			break
		}
	}
	c.queue = append(c.queue, f)
}

// dropOldestLocked removes the oldest droppable frame to make room.
// History snapshots are never dropped. The first drop of a burst also
// queues a synthetic system message telling the client the stream was
// throttled; the notice is itself pinned so a continuing flood cannot
// evict it, and the flag resets once the queue fully drains.
func (c *Client) dropOldestLocked() bool {
	for i, f := range c.queue {
		if f.pinned {
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		if !c.throttled {
			c.throttled = true
			notice := wire.NewSystemMessage(c.agentID,
				"event stream throttled: this client is reading too slowly and older events were dropped")
			if data, err := wire.Encode(notice); err == nil {
				c.queue = append(c.queue, outboundFrame{data: data, thread: true, pinned: true})
			}
		}
		return true
	}
	return false
}

// nextFrame pops the head of the queue for the write pump.
func (c *Client) nextFrame() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		c.throttled = false
		return nil, false
	}
	f := c.queue[0]
	c.queue = c.queue[1:]
	if f.history && c.pendingHistories > 0 {
		c.pendingHistories--
	}
	return f.data, true
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// close marks the client dead and releases the write pump. Safe to call
// more than once.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
	close(c.closing)
}

// readPump consumes inbound frames until the connection drops, handing each
// one to handle. Runs on the connection's request goroutine.
func (c *Client) readPump(ctx context.Context, handle func(ctx context.Context, raw []byte)) {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		handle(ctx, raw)
	}
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings. Runs in its own goroutine per client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-c.wake:
			for {
				data, ok := c.nextFrame()
				if !ok {
					break
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					c.logger.Debug("websocket write error", zap.Error(err))
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
