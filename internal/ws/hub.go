// Package ws manages attached application windows ("tabs") over websocket.
// The hub is both the bus's same-device broadcast transport and the
// notification pipeline's window registry.
package ws

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/notify"
	"github.com/clinicware/syncd/internal/shared/types"
)

const sendQueueDepth = 64

// Recorder counts websocket activity. Optional.
type Recorder interface {
	RecordWSConnection(delta int)
	RecordWSMessage(msgType string)
}

// Client is one attached window.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan types.WSMessage
	hub  *Hub

	mu     sync.Mutex
	closed bool
}

// ID returns the window id.
func (c *Client) ID() string { return c.id }

// Post enqueues a message for delivery. A full queue drops the message:
// bus traffic is re-queryable, never load-bearing. Posting to a detached
// window is a silent drop too; fan-out goroutines may hold a snapshot
// taken before the window went away.
func (c *Client) Post(msg types.WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.hub.logger.Warn("dropping message to slow client", zap.String("client", c.id))
		return nil
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub is the window registry, in attach order.
type Hub struct {
	logger  *logging.Logger
	metrics Recorder

	// emit feeds window-published events into the bus.
	emit func(event string, payload interface{})
	// notifyLocal routes LOCAL_NOTIFY requests into the pipeline.
	notifyLocal func(req types.NotificationRequest)
	// subscribe opens a change stream for a collection on a window's behalf.
	subscribe func(collection string) error

	mu      sync.RWMutex
	clients []*Client
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger, metrics Recorder) *Hub {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Hub{logger: logger.Named("ws"), metrics: metrics}
}

// SetEmit wires the bus emit hook.
func (h *Hub) SetEmit(emit func(event string, payload interface{})) { h.emit = emit }

// SetNotifyLocal wires the notification pipeline hook.
func (h *Hub) SetNotifyLocal(fn func(req types.NotificationRequest)) { h.notifyLocal = fn }

// SetSubscribe wires the change-stream hook.
func (h *Hub) SetSubscribe(fn func(collection string) error) { h.subscribe = fn }

func (h *Hub) register(conn *websocket.Conn) *Client {
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan types.WSMessage, sendQueueDepth),
		hub:  h,
	}
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.RecordWSConnection(1)
	}
	h.logger.Info("window attached", zap.String("client", c.id))
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	for i, other := range h.clients {
		if other == c {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	c.close()
	if h.metrics != nil {
		h.metrics.RecordWSConnection(-1)
	}
	h.logger.Info("window detached", zap.String("client", c.id))
}

// snapshot returns clients in attach order.
func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, len(h.clients))
	copy(out, h.clients)
	return out
}

// Count returns the number of attached windows.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Name implements the bus transport interface.
func (h *Hub) Name() string { return "broadcast" }

// Send fans a bus message out to every attached window. The emitting
// window receives its own pulse too; its local context lives here in the
// daemon, so the echo is how it observes the delivered form.
func (h *Hub) Send(msg types.BusMessage) error {
	wire := types.WSMessage{Type: "pulse", Event: msg.Event, Payload: msg.Payload, TS: msg.TS}
	for _, c := range h.snapshot() {
		c.Post(wire)
	}
	return nil
}

// Windows implements notify.WindowRegistry.
func (h *Hub) Windows() []notify.Window {
	clients := h.snapshot()
	out := make([]notify.Window, len(clients))
	for i, c := range clients {
		out[i] = c
	}
	return out
}
