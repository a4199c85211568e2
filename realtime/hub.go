// Package realtime fans server-push events out to every open stream
// connection.
package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultBuffer = 16

// Frame is one named event on the realtime channel.
type Frame struct {
	Event string
	Data  []byte
}

// Conn is a registered stream connection.
type Conn struct {
	ID     string
	UserID string

	frames  chan Frame
	dropped atomic.Uint64
}

// Frames yields the frames queued for this connection. The channel is closed
// when the connection is removed from the hub.
func (c *Conn) Frames() <-chan Frame {
	return c.frames
}

// Dropped reports how many frames were discarded because the connection's
// buffer was full.
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

// Hub is the registry of open connections.
type Hub struct {
	buffer int
	logger *log.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates a Hub whose connections buffer up to buffer frames.
func NewHub(buffer int, logger *log.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{buffer: buffer, logger: logger, conns: make(map[string]*Conn)}
}

// Open registers a new connection. userID is empty for anonymous clients.
func (h *Hub) Open(userID string) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		frames: make(chan Frame, h.buffer),
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	return c
}

// Close removes the connection from the fan-out set. Closing twice is a no-op.
func (h *Hub) Close(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	delete(h.conns, c.ID)
	close(c.frames)
}

// Broadcast queues f on every open connection without waiting on any of
// them. It returns the number of connections that accepted the frame.
func (h *Hub) Broadcast(f Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.conns {
		if h.offer(c, f) {
			sent++
		}
	}
	return sent
}

// Send queues f on a single connection if it is still open.
func (h *Hub) Send(c *Conn, f Frame) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.conns[c.ID]; !ok {
		return false
	}
	return h.offer(c, f)
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) offer(c *Conn, f Frame) bool {
	select {
	case c.frames <- f:
		return true
	default:
		c.dropped.Add(1)
		h.logger.WithFields(log.Fields{
			"conn":  c.ID,
			"user":  c.UserID,
			"event": f.Event,
		}).Debug("stream buffer full; frame dropped")
		return false
	}
}
