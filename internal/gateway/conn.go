package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/clawdis/clawdis/internal/logging"
)

const writeTimeout = 10 * time.Second

// conn is one connected client with its bounded event queue.
type conn struct {
	ws       *websocket.Conn
	hello    HelloFrame
	joinedAt time.Time

	// outbound event queue; drop-oldest with gap emission when a slow
	// client exceeds capacity
	queue chan EventFrame

	mu      sync.Mutex
	lastSeq int64
	gapped  bool
	closed  bool
	done    chan struct{}

	// writeMu serializes socket writes between the event loop and RPC
	// responses; gorilla allows one concurrent writer only.
	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn, hello HelloFrame, queueSize int) *conn {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &conn{
		ws:       ws,
		hello:    hello,
		joinedAt: time.Now(),
		queue:    make(chan EventFrame, queueSize),
		done:     make(chan struct{}),
	}
}

// push enqueues a frame for delivery. When the queue is full the oldest
// frame is dropped and a gap is flagged so the client knows to refresh.
func (c *conn) push(frame EventFrame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	for {
		select {
		case c.queue <- frame:
			return
		default:
		}
		// Full: drop the oldest and mark the discontinuity.
		select {
		case dropped := <-c.queue:
			c.mu.Lock()
			c.gapped = true
			c.mu.Unlock()
			L_debug("gateway: dropped frame for slow client",
				"instance", c.hello.InstanceID, "seq", dropped.Seq)
		default:
		}
	}
}

// writeLoop drains the queue onto the socket. A flagged gap is surfaced
// before the next frame so seq discontinuities are always announced.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-c.queue:
			if !ok {
				return
			}

			c.mu.Lock()
			gapped := c.gapped
			c.gapped = false
			expected := c.lastSeq + 1
			c.mu.Unlock()

			if gapped && frame.Event != EventGap {
				gap := newEventFrame(frame.Seq-1, EventGap, GapPayload{
					Expected: expected,
					Received: frame.Seq,
				})
				if err := c.writeFrame(gap); err != nil {
					c.close()
					return
				}
			}

			if err := c.writeFrame(frame); err != nil {
				c.close()
				return
			}

			c.mu.Lock()
			c.lastSeq = frame.Seq
			c.mu.Unlock()
		}
	}
}

func (c *conn) writeFrame(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// writeResponse sends an RPC response outside the event queue so slow
// event consumers cannot starve request/response traffic.
func (c *conn) writeResponse(frame ResponseFrame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return websocket.ErrCloseSent
	}
	return c.writeFrame(frame)
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.ws.Close()
}
