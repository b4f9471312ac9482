package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/infrastructure/logging"
)

const (
	realtimePath      = "/realtime/v1/websocket"
	heartbeatInterval = 25 * time.Second
	writeTimeout      = 10 * time.Second
)

// realtimeMessage is the phoenix-protocol envelope used by the remote
// store's push transport.
type realtimeMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// Realtime is a client for the remote store's persistent push connection.
// One connection multiplexes row-change streams and broadcast channels.
type Realtime struct {
	conn   *websocket.Conn
	logger *logging.Logger

	mu       sync.Mutex
	handlers map[string]map[string][]func(payload []byte)
	refSeq   int
	closed   bool
	done     chan struct{}
}

// DialRealtime opens the push connection against the remote store base URL.
func DialRealtime(ctx context.Context, baseURL, apiKey string, logger *logging.Logger) (*Realtime, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + realtimePath
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	if logger == nil {
		logger = logging.NewDefault()
	}

	r := &Realtime{
		conn:     conn,
		logger:   logger,
		handlers: make(map[string]map[string][]func(payload []byte)),
		done:     make(chan struct{}),
	}
	go r.readLoop()
	go r.heartbeatLoop()
	return r, nil
}

// Join subscribes to a topic. Params carry the channel config (e.g. the
// postgres_changes binding or broadcast ack settings).
func (r *Realtime) Join(topic string, params interface{}) error {
	return r.send(topic, "phx_join", params)
}

// Leave unsubscribes from a topic.
func (r *Realtime) Leave(topic string) error {
	r.mu.Lock()
	delete(r.handlers, topic)
	r.mu.Unlock()
	return r.send(topic, "phx_leave", struct{}{})
}

// On registers a handler for an event on a topic.
func (r *Realtime) On(topic, event string, fn func(payload []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[topic] == nil {
		r.handlers[topic] = make(map[string][]func(payload []byte))
	}
	r.handlers[topic][event] = append(r.handlers[topic][event], fn)
}

// Send pushes an event to a topic.
func (r *Realtime) Send(topic, event string, payload interface{}) error {
	return r.send(topic, event, payload)
}

// Close shuts the connection down.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()
	return r.conn.Close()
}

func (r *Realtime) send(topic, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("realtime connection closed")
	}
	r.refSeq++
	msg := realtimeMessage{Topic: topic, Event: event, Payload: body, Ref: strconv.Itoa(r.refSeq)}
	r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.conn.WriteJSON(msg)
}

func (r *Realtime) readLoop() {
	for {
		var msg realtimeMessage
		if err := r.conn.ReadJSON(&msg); err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Warn("realtime read failed", zap.Error(err))
			}
			return
		}
		if msg.Event == "phx_reply" || msg.Event == "presence_state" {
			continue
		}
		r.mu.Lock()
		var fns []func(payload []byte)
		if byEvent, ok := r.handlers[msg.Topic]; ok {
			fns = append(fns, byEvent[msg.Event]...)
			fns = append(fns, byEvent["*"]...)
		}
		r.mu.Unlock()
		for _, fn := range fns {
			fn(msg.Payload)
		}
	}
}

func (r *Realtime) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.send("phoenix", "heartbeat", struct{}{}); err != nil {
				return
			}
		}
	}
}
